package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remoralabs/remora/internal/device"
	"github.com/remoralabs/remora/internal/retcode"
)

func TestParamHelpers(t *testing.T) {
	qe := &Context{
		Params: []ParamDesc{
			Value(4096, 8),
			Value(0xdeadbeef, 4),
			HandleRefParam(0x555500000000),
			BufferIn([]byte{1, 2, 3}),
		},
	}
	assert.Equal(t, 4, qe.NbParams())
	assert.Equal(t, uint64(4096), qe.ParamU64(0))
	assert.Equal(t, uint32(0xdeadbeef), qe.ParamU32(1))
	assert.Equal(t, int32(-559038737), qe.ParamI32(1))
	assert.Equal(t, uint64(0x555500000000), qe.ParamU64(2))
	assert.Equal(t, []byte{1, 2, 3}, qe.ParamBytes(3))
}

func TestFailShortCircuit(t *testing.T) {
	qe := &Context{}
	code := qe.Fail(retcode.NotExist)
	assert.Equal(t, retcode.NotExist, code)
	assert.Equal(t, retcode.NotExist, qe.Status)
	assert.Equal(t, device.ErrInvalidValue, qe.RetCode)
}

func TestHandleSets(t *testing.T) {
	qe := &Context{}
	assert.Nil(t, qe.Input(0))
	assert.Nil(t, qe.Create(3))
	assert.Empty(t, qe.AllHandles())
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	assert.Nil(t, r.Lookup(1))
	assert.Equal(t, "unknown", r.Name(1))

	r.Register(&Meta{ID: 1, Name: "cudaMalloc"})
	require.NotNil(t, r.Lookup(1))
	assert.Equal(t, "cudaMalloc", r.Name(1))

	// later registrations win, matching customized stubs
	r.Register(&Meta{ID: 1, Name: "cudaMallocCustom"})
	assert.Equal(t, "cudaMallocCustom", r.Name(1))
}

func TestCommandCompletion(t *testing.T) {
	cmd := NewCommand(CmdCheckpointTick)
	go cmd.Complete(retcode.Success)
	assert.Equal(t, retcode.Success, cmd.Wait())
	assert.Equal(t, "checkpoint_tick", cmd.Kind.String())
}
