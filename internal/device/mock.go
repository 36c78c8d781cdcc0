package device

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"
)

// MockMemoryBase is the first address handed out by the mock allocator. It
// sits at the bottom of the runtime's mock address range so passthrough
// memory handles land inside the range the managers expect.
const MockMemoryBase = 0x0000555500000000

// Kernel is a host-side stand-in for a device kernel. argv carries one raw
// argument blob per parameter, laid out exactly as the client shipped them.
type Kernel func(m *Mock, argv [][]byte, grid, block Dim3, sharedMem uint64) Errno

// Mock is a host-memory implementation of Driver. Allocations never reuse
// address space, matching the bump allocation the managers rely on for
// deterministic mock addresses.
type Mock struct {
	mu sync.Mutex

	nextAddr   uint64
	nextHandle uint64

	mem     map[uint64][]byte // allocation base -> backing bytes
	streams map[uint64]bool
	events  map[uint64]bool
	modules map[uint64][]byte            // module handle -> image
	funcs   map[uint64]Kernel            // function handle -> kernel
	fnames  map[uint64]string            // function handle -> name
	globals map[string]uint64            // global name -> memory base
	blas    map[uint64]uint64            // blas handle -> bound stream
	kernels map[string]Kernel            // registered kernels by name
	gsizes  map[string]uint64            // global name -> size

	device      int32
	deviceCount int32
}

// NewMock creates an empty mock device with a single visible device index.
func NewMock() *Mock {
	return &Mock{
		nextAddr:    MockMemoryBase,
		nextHandle:  1,
		mem:         make(map[uint64][]byte),
		streams:     make(map[uint64]bool),
		events:      make(map[uint64]bool),
		modules:     make(map[uint64][]byte),
		funcs:       make(map[uint64]Kernel),
		fnames:      make(map[uint64]string),
		globals:     make(map[string]uint64),
		blas:        make(map[uint64]uint64),
		kernels:     make(map[string]Kernel),
		gsizes:      make(map[string]uint64),
		deviceCount: 1,
	}
}

// RegisterKernel makes a kernel resolvable by ModuleGetFunction, standing in
// for a symbol inside a loaded image.
func (m *Mock) RegisterKernel(name string, k Kernel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kernels[name] = k
}

// RegisterGlobal declares a module-scope variable of the given size.
func (m *Mock) RegisterGlobal(name string, size uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gsizes[name] = size
}

func (m *Mock) handleID() uint64 {
	h := m.nextHandle
	m.nextHandle++
	return h
}

func (m *Mock) Malloc(size uint64) (uint64, Errno) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if size == 0 {
		return 0, ErrInvalidValue
	}
	addr := m.nextAddr
	m.mem[addr] = make([]byte, size)
	m.nextAddr += size
	return addr, OK
}

func (m *Mock) Free(addr uint64) Errno {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.mem[addr]; !ok {
		return ErrInvalidValue
	}
	delete(m.mem, addr)
	return OK
}

// locate resolves addr to an allocation and the offset within it.
func (m *Mock) locate(addr uint64) ([]byte, uint64, bool) {
	for base, buf := range m.mem {
		if addr >= base && addr < base+uint64(len(buf)) {
			return buf, addr - base, true
		}
	}
	return nil, 0, false
}

func (m *Mock) MemcpyH2D(dst uint64, src []byte) Errno {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf, off, ok := m.locate(dst)
	if !ok || off+uint64(len(src)) > uint64(len(buf)) {
		return ErrInvalidValue
	}
	copy(buf[off:], src)
	return OK
}

func (m *Mock) MemcpyD2H(dst []byte, src uint64) Errno {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf, off, ok := m.locate(src)
	if !ok || off+uint64(len(dst)) > uint64(len(buf)) {
		return ErrInvalidValue
	}
	copy(dst, buf[off:])
	return OK
}

func (m *Mock) MemcpyD2D(dst, src, n uint64) Errno {
	m.mu.Lock()
	defer m.mu.Unlock()
	sbuf, soff, ok := m.locate(src)
	if !ok || soff+n > uint64(len(sbuf)) {
		return ErrInvalidValue
	}
	dbuf, doff, ok := m.locate(dst)
	if !ok || doff+n > uint64(len(dbuf)) {
		return ErrInvalidValue
	}
	copy(dbuf[doff:doff+n], sbuf[soff:soff+n])
	return OK
}

// The mock device has no real asynchrony; async copies complete inline and
// stream synchronization is a no-op once the stream exists.

func (m *Mock) MemcpyH2DAsync(dst uint64, src []byte, stream uint64) Errno {
	if e := m.checkStream(stream); e != OK {
		return e
	}
	return m.MemcpyH2D(dst, src)
}

func (m *Mock) MemcpyD2HAsync(dst []byte, src, stream uint64) Errno {
	if e := m.checkStream(stream); e != OK {
		return e
	}
	return m.MemcpyD2H(dst, src)
}

func (m *Mock) MemcpyD2DAsync(dst, src, n, stream uint64) Errno {
	if e := m.checkStream(stream); e != OK {
		return e
	}
	return m.MemcpyD2D(dst, src, n)
}

func (m *Mock) checkStream(stream uint64) Errno {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.streams[stream] {
		return ErrInvalidHandle
	}
	return OK
}

func (m *Mock) StreamCreate() (uint64, Errno) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.handleID()
	m.streams[h] = true
	return h, OK
}

func (m *Mock) StreamDestroy(stream uint64) Errno {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.streams[stream] {
		return ErrInvalidHandle
	}
	delete(m.streams, stream)
	return OK
}

func (m *Mock) StreamSynchronize(stream uint64) Errno {
	return m.checkStream(stream)
}

func (m *Mock) EventCreate(flags uint32) (uint64, Errno) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.handleID()
	m.events[h] = true
	return h, OK
}

func (m *Mock) EventDestroy(event uint64) Errno {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.events[event] {
		return ErrInvalidHandle
	}
	delete(m.events, event)
	return OK
}

func (m *Mock) EventRecord(event, stream uint64) Errno {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.events[event] || !m.streams[stream] {
		return ErrInvalidHandle
	}
	return OK
}

func (m *Mock) ModuleLoad(image []byte) (uint64, Errno) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(image) == 0 {
		return 0, ErrInvalidValue
	}
	h := m.handleID()
	m.modules[h] = image
	return h, OK
}

func (m *Mock) ModuleUnload(module uint64) Errno {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.modules[module]; !ok {
		return ErrInvalidHandle
	}
	delete(m.modules, module)
	return OK
}

func (m *Mock) ModuleGetFunction(module uint64, name string) (uint64, Errno) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.modules[module]; !ok {
		return 0, ErrInvalidHandle
	}
	k, ok := m.kernels[name]
	if !ok {
		return 0, ErrNotFound
	}
	h := m.handleID()
	m.funcs[h] = k
	m.fnames[h] = name
	return h, OK
}

func (m *Mock) ModuleGetGlobal(module uint64, name string) (uint64, uint64, Errno) {
	m.mu.Lock()
	if _, ok := m.modules[module]; !ok {
		m.mu.Unlock()
		return 0, 0, ErrInvalidHandle
	}
	size, ok := m.gsizes[name]
	if !ok {
		m.mu.Unlock()
		return 0, 0, ErrNotFound
	}
	if base, ok := m.globals[name]; ok {
		m.mu.Unlock()
		return base, size, OK
	}
	m.mu.Unlock()

	base, e := m.Malloc(size)
	if e != OK {
		return 0, 0, e
	}
	m.mu.Lock()
	m.globals[name] = base
	m.mu.Unlock()
	return base, size, OK
}

func (m *Mock) LaunchKernel(fn uint64, grid, block Dim3, sharedMem, stream uint64, argv [][]byte) Errno {
	m.mu.Lock()
	k, ok := m.funcs[fn]
	m.mu.Unlock()
	if !ok {
		return ErrInvalidHandle
	}
	if e := m.checkStream(stream); e != OK {
		return e
	}
	return k(m, argv, grid, block, sharedMem)
}

func (m *Mock) SetDevice(id int32) Errno {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id < 0 || id >= m.deviceCount {
		return ErrInvalidDevice
	}
	m.device = id
	return OK
}

func (m *Mock) GetDevice() (int32, Errno) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.device, OK
}

func (m *Mock) DeviceCount() (int32, Errno) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deviceCount, OK
}

func (m *Mock) DeviceAttribute(attr, dev int32) (int32, Errno) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if dev < 0 || dev >= m.deviceCount {
		return 0, ErrInvalidDevice
	}
	// A flat answer is enough for the attribute surface the stubs exercise.
	return 1, OK
}

func (m *Mock) BlasCreate() (uint64, Errno) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.handleID()
	m.blas[h] = 0
	return h, OK
}

func (m *Mock) BlasDestroy(handle uint64) Errno {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blas[handle]; !ok {
		return ErrInvalidHandle
	}
	delete(m.blas, handle)
	return OK
}

func (m *Mock) BlasSetStream(handle, stream uint64) Errno {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blas[handle]; !ok {
		return ErrInvalidHandle
	}
	if !m.streams[stream] {
		return ErrInvalidHandle
	}
	m.blas[handle] = stream
	return OK
}

// BlasSgemm computes C = alpha*A*B + beta*C over column-major float32 device
// buffers.
func (m *Mock) BlasSgemm(handle uint64, mm, n, k int32, alpha float32, a, lda, b, ldb uint64, beta float32, c, ldc uint64) Errno {
	m.mu.Lock()
	if _, ok := m.blas[handle]; !ok {
		m.mu.Unlock()
		return ErrInvalidHandle
	}
	m.mu.Unlock()
	if mm <= 0 || n <= 0 || k <= 0 {
		return ErrInvalidValue
	}

	readMat := func(addr uint64, rows, cols int32, ld uint64) (*mat.Dense, Errno) {
		raw := make([]byte, ld*uint64(cols)*4)
		if e := m.MemcpyD2H(raw, addr); e != OK {
			return nil, e
		}
		out := mat.NewDense(int(rows), int(cols), nil)
		for j := int32(0); j < cols; j++ {
			for i := int32(0); i < rows; i++ {
				bits := binary.LittleEndian.Uint32(raw[(uint64(j)*ld+uint64(i))*4:])
				out.Set(int(i), int(j), float64(math.Float32frombits(bits)))
			}
		}
		return out, OK
	}

	ma, e := readMat(a, mm, k, lda)
	if e != OK {
		return e
	}
	mb, e := readMat(b, k, n, ldb)
	if e != OK {
		return e
	}
	mc, e := readMat(c, mm, n, ldc)
	if e != OK {
		return e
	}

	var prod mat.Dense
	prod.Mul(ma, mb)

	raw := make([]byte, uint64(ldc)*uint64(n)*4)
	if e := m.MemcpyD2H(raw, c); e != OK {
		return e
	}
	for j := int32(0); j < n; j++ {
		for i := int32(0); i < mm; i++ {
			v := float64(alpha)*prod.At(int(i), int(j)) + float64(beta)*mc.At(int(i), int(j))
			binary.LittleEndian.PutUint32(raw[(uint64(j)*uint64(ldc)+uint64(i))*4:], math.Float32bits(float32(v)))
		}
	}
	return m.MemcpyH2D(c, raw)
}

func (m *Mock) ErrorString(e Errno) string {
	switch e {
	case OK:
		return "no error"
	case ErrInvalidValue:
		return "invalid argument"
	case ErrMemoryAllocation:
		return "out of memory"
	case ErrInvalidDevice:
		return "invalid device ordinal"
	case ErrInvalidHandle:
		return "invalid resource handle"
	case ErrNotFound:
		return "named symbol not found"
	case ErrLaunchFailure:
		return "unspecified launch failure"
	default:
		return fmt.Sprintf("unknown error %d", int32(e))
	}
}
