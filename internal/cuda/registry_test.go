package cuda_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/remoralabs/remora/internal/cuda"
	"github.com/remoralabs/remora/internal/device"
	"github.com/remoralabs/remora/internal/handle"
)

func TestFunctionMetaRoundTrip(t *testing.T) {
	meta := &cuda.FunctionExtra{
		Name:                "kern",
		NbParams:            2,
		ParamOffsets:        []uint32{0, 4},
		ParamSizes:          []uint32{4, 4},
		InputPointerParams:  []uint32{0},
		InoutPointerParams:  []uint32{},
		OutputPointerParams: []uint32{},
		SuspiciousParams:    []uint32{1},
		HasVerifiedParams:   true,
		ConfirmedSuspiciousParams: []cuda.SuspiciousParam{
			{Index: 1, Offset: 8},
		},
		CbankParamSize: 0x160,
	}

	got, err := cuda.DecodeFunctionMeta(cuda.EncodeFunctionMeta(meta))
	require.NoError(t, err)

	assert.Equal(t, meta.Name, got.Name)
	assert.Equal(t, meta.NbParams, got.NbParams)
	assert.Equal(t, meta.ParamOffsets, got.ParamOffsets)
	// param sizes must deserialize into param sizes, not echo the offsets
	assert.Equal(t, meta.ParamSizes, got.ParamSizes)
	assert.Equal(t, meta.InputPointerParams, got.InputPointerParams)
	assert.Equal(t, meta.SuspiciousParams, got.SuspiciousParams)
	assert.Equal(t, meta.HasVerifiedParams, got.HasVerifiedParams)
	assert.Equal(t, meta.ConfirmedSuspiciousParams, got.ConfirmedSuspiciousParams)
	assert.Equal(t, meta.CbankParamSize, got.CbankParamSize)
}

func TestFunctionMetaDistinctSizes(t *testing.T) {
	meta := &cuda.FunctionExtra{
		Name:         "f",
		NbParams:     3,
		ParamOffsets: []uint32{0, 8, 16},
		ParamSizes:   []uint32{8, 8, 4},
	}
	got, err := cuda.DecodeFunctionMeta(cuda.EncodeFunctionMeta(meta))
	require.NoError(t, err)
	assert.Equal(t, []uint32{0, 8, 16}, got.ParamOffsets)
	assert.Equal(t, []uint32{8, 8, 4}, got.ParamSizes)
}

// Checkpoint round-trip of a Function handle: serialize, deserialize into a
// fresh manager, restore against a newly loaded module.
func TestFunctionSerializeRestore(t *testing.T) {
	reg := cuda.NewRegistry()
	log := zap.NewNop()
	drv := device.NewMock()
	drv.RegisterKernel("kern", func(m *device.Mock, argv [][]byte, grid, block device.Dim3, shared uint64) device.Errno {
		return device.OK
	})

	fnMgr := handle.NewManager(cuda.ResourceFunction, reg, log)
	modMgr := handle.NewManager(cuda.ResourceModule, reg, log)

	module, code := modMgr.AllocateMocked(nil, handle.DefaultSize, 0, 0)
	require.True(t, code.OK())
	module.DAGVertexID = 1
	module.Extra = &cuda.ModuleExtra{Image: []byte("fatbin")}

	fn, code := fnMgr.AllocateMocked(nil, handle.DefaultSize, 0, 0)
	require.True(t, code.OK())
	fn.DAGVertexID = 2
	fn.Extra = &cuda.FunctionExtra{
		Name:               "kern",
		NbParams:           2,
		ParamOffsets:       []uint32{0, 4},
		ParamSizes:         []uint32{4, 4},
		InputPointerParams: []uint32{0},
	}
	fn.RecordParent(module)

	w := handle.NewWriter()
	fn.Serialize(w)

	freshFnMgr := handle.NewManager(cuda.ResourceFunction, reg, log)
	got, parents, err := handle.Deserialize(handle.NewReader(w.Bytes()), reg)
	require.NoError(t, err)
	require.True(t, freshFnMgr.Adopt(got).OK())
	assert.Equal(t, []uint64{1}, parents)

	// re-create the module on the device, rebind, restore the function
	require.True(t, module.Restore(drv).OK())
	got.RecordParent(module)
	require.True(t, got.Restore(drv).OK())

	assert.Equal(t, handle.StatusActive, got.Status)
	assert.NotZero(t, got.ServerAddr)
	gotMeta := got.Extra.(*cuda.FunctionExtra)
	assert.Equal(t, "kern", gotMeta.Name)
	assert.Equal(t, []uint32{4, 4}, gotMeta.ParamSizes)
}

func TestFunctionRestoreRequiresModuleParent(t *testing.T) {
	reg := cuda.NewRegistry()
	drv := device.NewMock()
	fnMgr := handle.NewManager(cuda.ResourceFunction, reg, zap.NewNop())

	fn, _ := fnMgr.AllocateMocked(nil, handle.DefaultSize, 0, 0)
	fn.Extra = &cuda.FunctionExtra{Name: "kern", NbParams: 0}

	// no parent at all
	assert.False(t, fn.Restore(drv).OK())

	// parent of the wrong type must be rejected, not assigned
	evMgr := handle.NewManager(cuda.ResourceEvent, reg, zap.NewNop())
	ev, _ := evMgr.AllocateMocked(nil, handle.DefaultSize, 0, 0)
	fn.RecordParent(ev)
	assert.False(t, fn.Restore(drv).OK())
}

func TestMemoryRestoreReplaysState(t *testing.T) {
	reg := cuda.NewRegistry()
	drv := device.NewMock()
	memMgr := handle.NewManager(cuda.ResourceMemory, reg, zap.NewNop())

	addr, errno := drv.Malloc(64)
	require.Equal(t, device.OK, errno)

	h, code := memMgr.AllocateMocked(nil, 64, 0, 64)
	require.True(t, code.OK())
	require.True(t, h.SetPassthroughAddr(addr).OK())
	h.MarkStatus(handle.StatusActive)

	state := make([]byte, 64)
	for i := range state {
		state[i] = byte(255 - i)
	}
	h.Bag = handle.NewCheckpointBag(nil)
	h.Bag.Set(1, state, 0)

	h.MarkStatus(handle.StatusBroken)
	require.True(t, h.Restore(drv).OK())
	assert.Equal(t, handle.StatusActive, h.Status)

	got := make([]byte, 64)
	require.Equal(t, device.OK, drv.MemcpyD2H(got, h.ServerAddr))
	assert.Equal(t, state, got)
}

func TestResourceTypeNames(t *testing.T) {
	assert.Equal(t, "cuda_module", cuda.ResourceTypeName(cuda.ResourceModule))
	assert.Equal(t, "cuda_function", cuda.ResourceTypeName(cuda.ResourceFunction))
	assert.Equal(t, "cublas_context", cuda.ResourceTypeName(cuda.ResourceBlasContext))
}
