package client_test

import (
	"encoding/binary"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/remoralabs/remora/internal/api"
	"github.com/remoralabs/remora/internal/client"
	"github.com/remoralabs/remora/internal/cuda"
	"github.com/remoralabs/remora/internal/device"
	"github.com/remoralabs/remora/internal/handle"
	"github.com/remoralabs/remora/internal/retcode"
)

func newTestClient(t *testing.T, drv device.Driver) *client.Client {
	t.Helper()
	apis := api.NewRegistry()
	cuda.RegisterAPIs(apis)
	c, err := client.New(client.Options{
		UUID:    1,
		JobName: "test-job",
		Log:     zap.NewNop(),
		Drv:     drv,
		APIs:    apis,
		Types:   cuda.NewRegistry(),
	})
	require.NoError(t, err)
	c.Start()
	t.Cleanup(c.Stop)
	return c
}

func call(t *testing.T, c *client.Client, apiID uint64, params []api.ParamDesc, retLen int) *api.Context {
	t.Helper()
	qe := &api.Context{
		APIID:      apiID,
		ClientUUID: c.UUID,
		InstPC:     c.NextInstPC(),
		Params:     params,
		RetData:    make([]byte, retLen),
	}
	c.Call(qe)
	return qe
}

func mallocBytes(t *testing.T, c *client.Client, size uint64) uint64 {
	t.Helper()
	qe := call(t, c, cuda.APICudaMalloc, []api.ParamDesc{api.Value(size, 8)}, 8)
	require.True(t, qe.Status.OK())
	require.Equal(t, device.OK, qe.RetCode)
	return binary.LittleEndian.Uint64(qe.RetData)
}

func writeH2D(t *testing.T, c *client.Client, addr uint64, data []byte) *api.Context {
	t.Helper()
	return call(t, c, cuda.APICudaMemcpyH2D, []api.ParamDesc{
		api.HandleRefParam(addr),
		api.BufferIn(data),
	}, 0)
}

func readD2H(t *testing.T, c *client.Client, addr, count uint64) *api.Context {
	t.Helper()
	return call(t, c, cuda.APICudaMemcpyD2H, []api.ParamDesc{
		api.HandleRefParam(addr),
		api.Value(count, 8),
	}, int(count))
}

// Memory lifecycle: allocate, windowed write/read, free, slot non-reuse.
func TestMemoryLifecycle(t *testing.T) {
	c := newTestClient(t, device.NewMock())

	addr := mallocBytes(t, c, 4096)
	assert.Equal(t, uint64(0x555500000000), addr)

	payload := []byte("0123456789abcdef")
	qe := writeH2D(t, c, addr+32, payload)
	require.True(t, qe.Status.OK())
	require.Equal(t, device.OK, qe.RetCode)

	qe = readD2H(t, c, addr+32, 16)
	require.True(t, qe.Status.OK())
	assert.Equal(t, payload, qe.RetData)

	qe = call(t, c, cuda.APICudaFree, []api.ParamDesc{api.HandleRefParam(addr)}, 0)
	require.True(t, qe.Status.OK())
	require.Equal(t, device.OK, qe.RetCode)

	// the freed slot stops resolving
	qe = writeH2D(t, c, addr, payload)
	assert.Equal(t, retcode.NotExist, qe.Status)

	// a new allocation lands in a fresh slot, the previous one is not reused
	qe = call(t, c, cuda.APICudaSetDevice, []api.ParamDesc{api.Value(0, 4)}, 0)
	require.True(t, qe.Status.OK())
	addr2 := mallocBytes(t, c, 8)
	assert.Equal(t, uint64(0x555500001000), addr2)
}

// Kernel launch with mixed params: a pointer param resolved through the
// memory manager and substituted with the server-side address.
func TestKernelLaunchMixedParams(t *testing.T) {
	drv := device.NewMock()
	var gotArgv [][]byte
	var gotGrid, gotBlock device.Dim3
	drv.RegisterKernel("kern", func(m *device.Mock, argv [][]byte, grid, block device.Dim3, shared uint64) device.Errno {
		gotArgv = argv
		gotGrid, gotBlock = grid, block
		return device.OK
	})
	c := newTestClient(t, drv)

	qe := call(t, c, cuda.APICuModuleLoad, []api.ParamDesc{api.BufferIn([]byte("fatbin-image"))}, 8)
	require.True(t, qe.Status.OK())
	modAddr := binary.LittleEndian.Uint64(qe.RetData)

	meta := &cuda.FunctionExtra{
		Name:               "kern",
		NbParams:           3,
		ParamOffsets:       []uint32{0, 8, 16},
		ParamSizes:         []uint32{8, 8, 4},
		InputPointerParams: []uint32{0},
	}
	qe = call(t, c, cuda.APICuModuleGetFunction, []api.ParamDesc{
		api.HandleRefParam(modAddr),
		api.BufferIn(cuda.EncodeFunctionMeta(meta)),
	}, 8)
	require.True(t, qe.Status.OK())
	fnAddr := binary.LittleEndian.Uint64(qe.RetData)

	memAddr := mallocBytes(t, c, 256)

	arg0 := make([]byte, 8)
	binary.LittleEndian.PutUint64(arg0, memAddr)
	arg1 := make([]byte, 8)
	binary.LittleEndian.PutUint64(arg1, 123)
	arg2 := []byte{7, 0, 0, 0}

	qe = call(t, c, cuda.APICudaLaunchKernel, []api.ParamDesc{
		api.HandleRefParam(fnAddr),
		api.BufferIn(cuda.EncodeDim3(device.Dim3{X: 2, Y: 1, Z: 1})),
		api.BufferIn(cuda.EncodeDim3(device.Dim3{X: 32, Y: 1, Z: 1})),
		api.BufferIn(cuda.EncodeLaunchArgs(meta, [][]byte{arg0, arg1, arg2})),
		api.Value(0, 8),
	}, 0)
	require.True(t, qe.Status.OK())
	require.Equal(t, device.OK, qe.RetCode)

	require.Len(t, gotArgv, 3)
	mem, _, code := c.Manager(cuda.ResourceMemory).GetByClientAddr(memAddr)
	require.True(t, code.OK())
	assert.Equal(t, mem.ServerAddr, binary.LittleEndian.Uint64(gotArgv[0]),
		"pointer param must carry the server-side address")
	assert.Equal(t, uint64(123), binary.LittleEndian.Uint64(gotArgv[1]))
	assert.Equal(t, arg2, gotArgv[2])
	assert.Equal(t, device.Dim3{X: 2, Y: 1, Z: 1}, gotGrid)
	assert.Equal(t, device.Dim3{X: 32, Y: 1, Z: 1}, gotBlock)
}

// failingFreeDriver injects a device error on the next Free.
type failingFreeDriver struct {
	*device.Mock
	failNext bool
}

func (d *failingFreeDriver) Free(addr uint64) device.Errno {
	if d.failNext {
		d.failNext = false
		return device.ErrLaunchFailure
	}
	return d.Mock.Free(addr)
}

// Restore after failure: a failing free marks the handle and its ancestry
// broken; the collector restores context first, then the memory handle.
func TestRestoreAfterFailure(t *testing.T) {
	drv := &failingFreeDriver{Mock: device.NewMock()}
	c := newTestClient(t, drv)

	addr := mallocBytes(t, c, 4096)
	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	require.True(t, writeH2D(t, c, addr, payload).Status.OK())

	drv.failNext = true
	qe := call(t, c, cuda.APICudaFree, []api.ParamDesc{api.HandleRefParam(addr)}, 0)
	assert.Equal(t, retcode.Failed, qe.Status)
	assert.NotEqual(t, device.OK, qe.RetCode)

	// both the memory handle and its parent context ended up Active again
	mem, _, code := c.Manager(cuda.ResourceMemory).GetByClientAddr(addr)
	require.True(t, code.OK())
	assert.Equal(t, handle.StatusActive, mem.Status)
	ctx := c.Manager(cuda.ResourceContext).LatestUsed
	require.NotNil(t, ctx)
	assert.Equal(t, handle.StatusActive, ctx.Status)

	// the replayed state survived the restore
	got := readD2H(t, c, addr, 16)
	require.True(t, got.Status.OK())
	assert.Equal(t, payload[:16], got.RetData)
}

// Completions reach the frontend in enqueue order.
func TestPipelineOrderPreserved(t *testing.T) {
	c := newTestClient(t, device.NewMock())

	const n = 64
	qes := make([]*api.Context, n)
	for i := 0; i < n; i++ {
		qes[i] = &api.Context{
			APIID:  cuda.APICudaMalloc,
			InstPC: c.NextInstPC(),
			Params: []api.ParamDesc{api.Value(64, 8)},
			RetData: make([]byte, 8),
		}
		require.True(t, c.Submit(qes[i]).OK())
	}

	var got []uint64
	deadline := time.Now().Add(5 * time.Second)
	for len(got) < n && time.Now().Before(deadline) {
		if qe := c.PollCompletion(); qe != nil {
			got = append(got, qe.InstPC)
		}
	}
	require.Len(t, got, n)
	for i := 1; i < n; i++ {
		assert.Less(t, got[i-1], got[i], "completions must preserve enqueue order")
	}
}

func TestUnknownAPIShortCircuits(t *testing.T) {
	c := newTestClient(t, device.NewMock())
	qe := call(t, c, 0xdead, nil, 0)
	assert.Equal(t, retcode.InvalidInput, qe.Status)
}

func TestBadParamCountShortCircuits(t *testing.T) {
	c := newTestClient(t, device.NewMock())
	qe := call(t, c, cuda.APICudaMalloc, nil, 8)
	assert.Equal(t, retcode.InvalidInput, qe.Status)
}

// Checkpoint tick: modified handles are captured, the set clears, an
// unmodified handle is a no-op on the next tick.
func TestCheckpointTick(t *testing.T) {
	c := newTestClient(t, device.NewMock())

	addr := mallocBytes(t, c, 128)
	payload := make([]byte, 128)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.True(t, writeH2D(t, c, addr, payload).Status.OK())

	cmd := api.NewCommand(api.CmdCheckpointTick)
	cmd.Tick = 100
	require.True(t, c.PostCommand(cmd).OK())
	require.True(t, cmd.Wait().OK())

	mem, _, code := c.Manager(cuda.ResourceMemory).GetByClientAddr(addr)
	require.True(t, code.OK())
	require.NotNil(t, mem.Bag)
	v, data, bagCode := mem.Bag.GetLatest()
	require.True(t, bagCode.OK())
	assert.Equal(t, uint64(100), v)
	assert.Equal(t, payload, data)
	assert.Empty(t, c.Manager(cuda.ResourceMemory).ModifiedHandles(),
		"modified set must be empty after a tick")

	// no mutation between ticks: nothing new is captured
	cmd = api.NewCommand(api.CmdCheckpointTick)
	cmd.Tick = 200
	require.True(t, c.PostCommand(cmd).OK())
	require.True(t, cmd.Wait().OK())
	assert.Equal(t, 1, mem.Bag.Len())
}

func TestInvalidateLatestCheckpoint(t *testing.T) {
	c := newTestClient(t, device.NewMock())
	addr := mallocBytes(t, c, 64)
	require.True(t, writeH2D(t, c, addr, make([]byte, 64)).Status.OK())

	cmd := api.NewCommand(api.CmdCheckpointTick)
	cmd.Tick = 1
	c.PostCommand(cmd)
	require.True(t, cmd.Wait().OK())

	// dirty the handle again, then invalidate the conflicting capture
	require.True(t, writeH2D(t, c, addr, make([]byte, 64)).Status.OK())
	inv := api.NewCommand(api.CmdInvalidateCkpt)
	c.PostCommand(inv)
	require.True(t, inv.Wait().OK())

	mem, _, _ := c.Manager(cuda.ResourceMemory).GetByClientAddr(addr)
	assert.Equal(t, 0, mem.Bag.Len())
}

// Full image round trip: dump a client with device state, restore into a
// fresh client on a fresh device.
func TestImageDumpRestore(t *testing.T) {
	drvSrc := device.NewMock()
	drvSrc.RegisterKernel("kern", func(m *device.Mock, argv [][]byte, grid, block device.Dim3, shared uint64) device.Errno {
		return device.OK
	})
	src := newTestClient(t, drvSrc)

	memAddr := mallocBytes(t, src, 512)
	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = byte(i * 3)
	}
	require.True(t, writeH2D(t, src, memAddr, payload).Status.OK())

	qe := call(t, src, cuda.APICuModuleLoad, []api.ParamDesc{api.BufferIn([]byte("image"))}, 8)
	require.True(t, qe.Status.OK())
	modAddr := binary.LittleEndian.Uint64(qe.RetData)
	meta := &cuda.FunctionExtra{Name: "kern", NbParams: 2, ParamOffsets: []uint32{0, 4}, ParamSizes: []uint32{4, 4}, InputPointerParams: []uint32{0}}
	qe = call(t, src, cuda.APICuModuleGetFunction, []api.ParamDesc{
		api.HandleRefParam(modAddr), api.BufferIn(cuda.EncodeFunctionMeta(meta)),
	}, 8)
	require.True(t, qe.Status.OK())
	fnAddr := binary.LittleEndian.Uint64(qe.RetData)

	cmd := api.NewCommand(api.CmdCheckpointTick)
	cmd.Tick = 9
	src.PostCommand(cmd)
	require.True(t, cmd.Wait().OK())

	image := filepath.Join(t.TempDir(), "client.ckpt")
	require.True(t, src.DumpToImage(image).OK())

	// fresh device, fresh client
	drvDst := device.NewMock()
	drvDst.RegisterKernel("kern", func(m *device.Mock, argv [][]byte, grid, block device.Dim3, shared uint64) device.Errno {
		return device.OK
	})
	dst := newTestClient(t, drvDst)
	require.True(t, dst.RestoreFromImage(image).OK())

	mem, _, code := dst.Manager(cuda.ResourceMemory).GetByClientAddr(memAddr)
	require.True(t, code.OK())
	assert.Equal(t, handle.StatusActive, mem.Status)
	got := make([]byte, 512)
	require.Equal(t, device.OK, drvDst.MemcpyD2H(got, mem.ServerAddr))
	assert.Equal(t, payload, got)

	fn, _, code := dst.Manager(cuda.ResourceFunction).GetByClientAddr(fnAddr)
	require.True(t, code.OK())
	assert.Equal(t, handle.StatusActive, fn.Status)
	gotMeta := fn.Extra.(*cuda.FunctionExtra)
	assert.Equal(t, "kern", gotMeta.Name)
	assert.Equal(t, []uint32{4, 4}, gotMeta.ParamSizes)

	mod, _, code := dst.Manager(cuda.ResourceModule).GetByClientAddr(modAddr)
	require.True(t, code.OK())
	assert.Equal(t, handle.StatusActive, mod.Status)
}

func TestSubmitAfterTeardown(t *testing.T) {
	apis := api.NewRegistry()
	cuda.RegisterAPIs(apis)
	c, err := client.New(client.Options{
		UUID: 7, JobName: "short-lived", Log: zap.NewNop(),
		Drv: device.NewMock(), APIs: apis, Types: cuda.NewRegistry(),
	})
	require.NoError(t, err)
	c.Start()
	c.Stop()
	qe := &api.Context{APIID: cuda.APICudaMalloc, Params: []api.ParamDesc{api.Value(8, 8)}, RetData: make([]byte, 8)}
	assert.Equal(t, retcode.NotReady, c.Submit(qe))
}
