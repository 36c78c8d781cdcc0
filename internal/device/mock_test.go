package device

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockMallocBump(t *testing.T) {
	m := NewMock()

	a1, errno := m.Malloc(4096)
	require.Equal(t, OK, errno)
	assert.Equal(t, uint64(MockMemoryBase), a1)

	// the allocator never reuses address space
	require.Equal(t, OK, m.Free(a1))
	a2, errno := m.Malloc(8)
	require.Equal(t, OK, errno)
	assert.Equal(t, uint64(MockMemoryBase+4096), a2)

	_, errno = m.Malloc(0)
	assert.Equal(t, ErrInvalidValue, errno)
}

func TestMockMemcpy(t *testing.T) {
	m := NewMock()
	addr, errno := m.Malloc(64)
	require.Equal(t, OK, errno)

	src := []byte("hello, device memory")
	require.Equal(t, OK, m.MemcpyH2D(addr+8, src))

	dst := make([]byte, len(src))
	require.Equal(t, OK, m.MemcpyD2H(dst, addr+8))
	assert.Equal(t, src, dst)

	// out of range copies fail
	assert.Equal(t, ErrInvalidValue, m.MemcpyH2D(addr+60, src))
	assert.Equal(t, ErrInvalidValue, m.MemcpyD2H(make([]byte, 8), addr+64))

	other, _ := m.Malloc(64)
	require.Equal(t, OK, m.MemcpyD2D(other, addr+8, uint64(len(src))))
	require.Equal(t, OK, m.MemcpyD2H(dst, other))
	assert.Equal(t, src, dst)
}

func TestMockStreamsEvents(t *testing.T) {
	m := NewMock()
	s, errno := m.StreamCreate()
	require.Equal(t, OK, errno)
	assert.Equal(t, OK, m.StreamSynchronize(s))

	ev, errno := m.EventCreate(0)
	require.Equal(t, OK, errno)
	assert.Equal(t, OK, m.EventRecord(ev, s))
	assert.Equal(t, OK, m.EventDestroy(ev))
	assert.Equal(t, ErrInvalidHandle, m.EventRecord(ev, s))

	assert.Equal(t, OK, m.StreamDestroy(s))
	assert.Equal(t, ErrInvalidHandle, m.StreamSynchronize(s))
}

func TestMockModules(t *testing.T) {
	m := NewMock()
	m.RegisterKernel("axpy", func(mm *Mock, argv [][]byte, grid, block Dim3, shared uint64) Errno {
		return OK
	})
	m.RegisterGlobal("bias", 16)

	mod, errno := m.ModuleLoad([]byte("fatbin"))
	require.Equal(t, OK, errno)

	fn, errno := m.ModuleGetFunction(mod, "axpy")
	require.Equal(t, OK, errno)
	assert.NotZero(t, fn)

	_, errno = m.ModuleGetFunction(mod, "missing")
	assert.Equal(t, ErrNotFound, errno)

	gaddr, gsize, errno := m.ModuleGetGlobal(mod, "bias")
	require.Equal(t, OK, errno)
	assert.Equal(t, uint64(16), gsize)
	// stable across repeated resolution
	gaddr2, _, errno := m.ModuleGetGlobal(mod, "bias")
	require.Equal(t, OK, errno)
	assert.Equal(t, gaddr, gaddr2)

	require.Equal(t, OK, m.ModuleUnload(mod))
	_, errno = m.ModuleGetFunction(mod, "axpy")
	assert.Equal(t, ErrInvalidHandle, errno)
}

func TestMockLaunchKernel(t *testing.T) {
	m := NewMock()
	var gotGrid Dim3
	var gotArgv [][]byte
	m.RegisterKernel("probe", func(mm *Mock, argv [][]byte, grid, block Dim3, shared uint64) Errno {
		gotGrid = grid
		gotArgv = argv
		return OK
	})
	mod, _ := m.ModuleLoad([]byte("img"))
	fn, _ := m.ModuleGetFunction(mod, "probe")
	s, _ := m.StreamCreate()

	argv := [][]byte{{1, 2, 3, 4}}
	require.Equal(t, OK, m.LaunchKernel(fn, Dim3{X: 2, Y: 1, Z: 1}, Dim3{X: 32, Y: 1, Z: 1}, 0, s, argv))
	assert.Equal(t, Dim3{X: 2, Y: 1, Z: 1}, gotGrid)
	assert.Equal(t, argv, gotArgv)

	assert.Equal(t, ErrInvalidHandle, m.LaunchKernel(999, Dim3{}, Dim3{}, 0, s, nil))
}

func putF32(dst []byte, idx int, v float32) {
	binary.LittleEndian.PutUint32(dst[idx*4:], math.Float32bits(v))
}

func getF32(src []byte, idx int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(src[idx*4:]))
}

func TestMockBlasSgemm(t *testing.T) {
	m := NewMock()
	h, errno := m.BlasCreate()
	require.Equal(t, OK, errno)

	// 2x2 identity times arbitrary B, column major
	a, _ := m.Malloc(16)
	b, _ := m.Malloc(16)
	c, _ := m.Malloc(16)

	abuf := make([]byte, 16)
	putF32(abuf, 0, 1)
	putF32(abuf, 3, 1)
	require.Equal(t, OK, m.MemcpyH2D(a, abuf))

	bbuf := make([]byte, 16)
	putF32(bbuf, 0, 5)
	putF32(bbuf, 1, 6)
	putF32(bbuf, 2, 7)
	putF32(bbuf, 3, 8)
	require.Equal(t, OK, m.MemcpyH2D(b, bbuf))

	require.Equal(t, OK, m.BlasSgemm(h, 2, 2, 2, 1.0, a, 2, b, 2, 0.0, c, 2))

	cbuf := make([]byte, 16)
	require.Equal(t, OK, m.MemcpyD2H(cbuf, c))
	for i := 0; i < 4; i++ {
		assert.InDelta(t, getF32(bbuf, i), getF32(cbuf, i), 1e-5)
	}

	assert.Equal(t, OK, m.BlasDestroy(h))
	assert.Equal(t, ErrInvalidHandle, m.BlasSgemm(h, 2, 2, 2, 1, a, 2, b, 2, 0, c, 2))
}
