package agent_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/remoralabs/remora/internal/agent"
	"github.com/remoralabs/remora/internal/api"
	"github.com/remoralabs/remora/internal/cuda"
	"github.com/remoralabs/remora/internal/device"
	"github.com/remoralabs/remora/internal/oob"
	"github.com/remoralabs/remora/internal/workspace"
)

func startDaemon(t *testing.T) (*workspace.Workspace, string) {
	t.Helper()
	apis := api.NewRegistry()
	cuda.RegisterAPIs(apis)
	ws, err := workspace.New(workspace.Options{
		Log:   zap.NewNop(),
		Drv:   device.NewMock(),
		APIs:  apis,
		Types: cuda.NewRegistry(),
	})
	require.NoError(t, err)

	server, err := oob.NewServer("127.0.0.1:0", zap.NewNop())
	require.NoError(t, err)
	workspace.RegisterOOBHandlers(server, ws)
	go server.Serve()
	t.Cleanup(func() {
		server.Close()
		ws.Stop()
	})
	return ws, server.Addr()
}

func TestAgentRegisterUnregister(t *testing.T) {
	ws, addr := startDaemon(t)

	cfgPath := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(cfgPath,
		[]byte(fmt.Sprintf("job_name: train-job\ndaemon_addr: %q\n", addr)), 0644))

	a, err := agent.New(cfgPath, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "train-job", a.JobName())
	require.NotZero(t, a.UUID())

	c, code := ws.GetClient(a.UUID())
	require.True(t, code.OK())
	assert.Equal(t, "train-job", c.JobName)

	require.NoError(t, a.Close())
	_, code = ws.GetClient(a.UUID())
	assert.False(t, code.OK())
}

func TestAgentBadConfig(t *testing.T) {
	_, err := agent.New("no-such-file.yaml", zap.NewNop())
	assert.Error(t, err)
}

func TestAgentRefusedRegistration(t *testing.T) {
	_, addr := startDaemon(t)
	cfgPath := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(cfgPath,
		[]byte(fmt.Sprintf("job_name: dup-job\ndaemon_addr: %q\n", addr)), 0644))

	first, err := agent.New(cfgPath, zap.NewNop())
	require.NoError(t, err)
	defer first.Close()

	_, err = agent.New(cfgPath, zap.NewNop())
	assert.Error(t, err, "duplicate job registration must be refused")
}
