// Package agent implements the client-side registration agent: it loads the
// agent configuration, registers the client process on the daemon over the
// control channel, and unregisters on shutdown.
package agent

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/remoralabs/remora/internal/config"
	"github.com/remoralabs/remora/internal/oob"
)

// Agent is a registered client-side agent.
type Agent struct {
	cfg  *config.AgentConfig
	oob  *oob.Client
	log  *zap.Logger
	uuid uint64
}

// New loads the configuration and registers the client on the daemon.
func New(configPath string, log *zap.Logger) (*Agent, error) {
	cfg, err := config.LoadAgentConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load agent configuration: %w", err)
	}

	addr := cfg.DaemonAddr
	if !strings.Contains(addr, ":") {
		addr = fmt.Sprintf("%s:%d", addr, oob.DefaultServerPort)
	}

	a := &Agent{
		cfg: cfg,
		oob: oob.NewClient(addr),
		log: log.Named("agent"),
	}

	var resp oob.RegisterClientResp
	err = a.oob.Call(oob.MsgAgentRegisterClient, oob.RegisterClientReq{
		JobName: cfg.JobName,
		PID:     int64(os.Getpid()),
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("failed to register the client: %w", err)
	}
	if !resp.Registered {
		return nil, fmt.Errorf("daemon refused registration for job %q", cfg.JobName)
	}
	a.uuid = resp.UUID
	a.log.Info("client registered",
		zap.String("job", cfg.JobName),
		zap.Uint64("uuid", a.uuid))
	return a, nil
}

// UUID reports the daemon-assigned client id.
func (a *Agent) UUID() uint64 { return a.uuid }

// JobName reports the configured job name.
func (a *Agent) JobName() string { return a.cfg.JobName }

// Close unregisters the client.
func (a *Agent) Close() error {
	var resp oob.UnregisterClientResp
	err := a.oob.Call(oob.MsgAgentUnregisterClient, oob.UnregisterClientReq{UUID: a.uuid}, &resp)
	if err != nil {
		return fmt.Errorf("failed to unregister the client: %w", err)
	}
	if !resp.OK {
		return fmt.Errorf("daemon refused unregistration for uuid %d", a.uuid)
	}
	a.log.Info("client unregistered", zap.Uint64("uuid", a.uuid))
	return nil
}
