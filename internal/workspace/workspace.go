// Package workspace hosts the server-side owner of all clients and the real
// device: the client table, the API manager, the out-of-band control surface
// and the checkpoint pacing loop.
package workspace

import (
	"fmt"
	"sync"
	"time"

	"encoding/binary"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/remoralabs/remora/internal/api"
	"github.com/remoralabs/remora/internal/client"
	"github.com/remoralabs/remora/internal/device"
	"github.com/remoralabs/remora/internal/handle"
	"github.com/remoralabs/remora/internal/metrics"
	"github.com/remoralabs/remora/internal/retcode"
	"github.com/remoralabs/remora/internal/transport"
	"github.com/remoralabs/remora/internal/tsctimer"
)

// Conf is the dynamic workspace configuration, updated via the CLI while the
// daemon runs.
type Conf struct {
	mu sync.Mutex

	daemonLogPath  string
	clientLogPath  string
	ckptIntervalMs uint64
}

// SetCkptIntervalMs updates the continuous checkpoint interval; zero
// disables the pacing loop.
func (c *Conf) SetCkptIntervalMs(ms uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ckptIntervalMs = ms
}

// CkptIntervalMs reads the current checkpoint interval.
func (c *Conf) CkptIntervalMs() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ckptIntervalMs
}

// Options configures a workspace.
type Options struct {
	Log   *zap.Logger
	Drv   device.Driver
	APIs  *api.Registry
	Types *handle.Registry

	// CkptIntervalMs seeds the continuous checkpoint interval.
	CkptIntervalMs uint64
	// QueueCapacity is handed down to each client's rings.
	QueueCapacity int
}

// Workspace owns every client on this daemon. A single instance is created
// at startup and passed down explicitly.
type Workspace struct {
	log   *zap.Logger
	drv   device.Driver
	apis  *api.Registry
	types *handle.Registry
	timer *tsctimer.Timer

	conf Conf

	mu       sync.Mutex
	clients  map[uint64]*client.Client
	byJob    map[string]uint64
	queueCap int

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// New creates the workspace.
func New(opts Options) (*Workspace, error) {
	if opts.Drv == nil || opts.APIs == nil || opts.Types == nil {
		return nil, fmt.Errorf("workspace: missing driver or registries")
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	ws := &Workspace{
		log:      opts.Log.Named("workspace"),
		drv:      opts.Drv,
		apis:     opts.APIs,
		types:    opts.Types,
		timer:    tsctimer.New(),
		clients:  make(map[uint64]*client.Client),
		byJob:    make(map[string]uint64),
		queueCap: opts.QueueCapacity,
		stopCh:   make(chan struct{}),
	}
	ws.conf.ckptIntervalMs = opts.CkptIntervalMs
	return ws, nil
}

// Conf exposes the dynamic configuration container.
func (ws *Workspace) Conf() *Conf { return &ws.conf }

// Timer exposes the workspace tick source.
func (ws *Workspace) Timer() *tsctimer.Timer { return ws.timer }

// APIs exposes the API manager.
func (ws *Workspace) APIs() *api.Registry { return ws.apis }

// newUUID derives a 64-bit client id.
func newUUID() uint64 {
	id := uuid.New()
	return binary.BigEndian.Uint64(id[:8])
}

// CreateClient registers a new client under the given job name, starting its
// pipeline. AlreadyExist when the job name is taken.
func (ws *Workspace) CreateClient(jobName string) (*client.Client, retcode.Code) {
	return ws.CreateClientWithUUID(jobName, 0)
}

// CreateClientWithUUID registers a client under a caller-chosen uuid, used
// when a migration or restore target must mirror the source's identity. A
// zero uuid picks a fresh one.
func (ws *Workspace) CreateClientWithUUID(jobName string, id uint64) (*client.Client, retcode.Code) {
	if len(jobName) == 0 || len(jobName) > 256 {
		return nil, retcode.InvalidInput
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if _, ok := ws.byJob[jobName]; ok {
		return nil, retcode.AlreadyExist
	}
	if id != 0 {
		if _, ok := ws.clients[id]; ok {
			return nil, retcode.AlreadyExist
		}
	} else {
		id = newUUID()
		for {
			if _, ok := ws.clients[id]; !ok {
				break
			}
			id = newUUID()
		}
	}

	c, err := client.New(client.Options{
		UUID:          id,
		JobName:       jobName,
		Log:           ws.log,
		Drv:           ws.drv,
		APIs:          ws.apis,
		Types:         ws.types,
		Timer:         ws.timer,
		QueueCapacity: ws.queueCap,
	})
	if err != nil {
		ws.log.Error("failed to create client", zap.String("job", jobName), zap.Error(err))
		return nil, retcode.Failed
	}
	c.Start()
	ws.clients[id] = c
	ws.byJob[jobName] = id
	metrics.RegisteredClients.Set(float64(len(ws.clients)))
	ws.log.Info("client registered", zap.String("job", jobName), zap.Uint64("uuid", id))
	return c, retcode.Success
}

// RemoveClient stops and drops a client.
func (ws *Workspace) RemoveClient(id uint64) retcode.Code {
	ws.mu.Lock()
	c, ok := ws.clients[id]
	if ok {
		delete(ws.clients, id)
		delete(ws.byJob, c.JobName)
		metrics.RegisteredClients.Set(float64(len(ws.clients)))
	}
	ws.mu.Unlock()
	if !ok {
		return retcode.NotExist
	}
	c.Stop()
	ws.log.Info("client unregistered", zap.Uint64("uuid", id))
	return retcode.Success
}

// GetClient resolves a uuid.
func (ws *Workspace) GetClient(id uint64) (*client.Client, retcode.Code) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	c, ok := ws.clients[id]
	if !ok {
		return nil, retcode.NotExist
	}
	return c, retcode.Success
}

// Clients snapshots the client table.
func (ws *Workspace) Clients() []*client.Client {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	out := make([]*client.Client, 0, len(ws.clients))
	for _, c := range ws.clients {
		out = append(out, c)
	}
	return out
}

// Process is the RPC entrance: it builds the API-context QE, pushes it down
// the client's pipeline and waits for the completion. The returned QE holds
// the device return code and the return payload.
func (ws *Workspace) Process(uuid, apiID uint64, params []api.ParamDesc, retLen int) (*api.Context, retcode.Code) {
	c, code := ws.GetClient(uuid)
	if !code.OK() {
		return nil, code
	}
	qe := &api.Context{
		APIID:      apiID,
		ClientUUID: uuid,
		InstPC:     c.NextInstPC(),
		Params:     params,
		RetData:    make([]byte, retLen),
	}
	if code := c.Call(qe); !code.OK() && qe.Status.OK() {
		qe.Status = code
	}
	return qe, qe.Status
}

// Start launches the background checkpoint pacing loop.
func (ws *Workspace) Start() {
	ws.wg.Add(1)
	go ws.ckptLoop()
}

// Stop tears the workspace down: pacing loop first, then every client.
func (ws *Workspace) Stop() {
	ws.stopped.Do(func() { close(ws.stopCh) })
	ws.wg.Wait()
	for _, c := range ws.Clients() {
		ws.RemoveClient(c.UUID)
	}
}

// ckptLoop posts a checkpoint tick to every active client on the configured
// interval.
func (ws *Workspace) ckptLoop() {
	defer ws.wg.Done()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	var lastTick uint64
	for {
		select {
		case <-ws.stopCh:
			return
		case <-ticker.C:
		}
		intervalMs := ws.conf.CkptIntervalMs()
		if intervalMs == 0 {
			continue
		}
		now := ws.timer.Tick()
		if now-lastTick < ws.timer.MsToTick(intervalMs) {
			continue
		}
		lastTick = now
		for _, c := range ws.Clients() {
			if c.Status() != client.StatusActive {
				continue
			}
			cmd := api.NewCommand(api.CmdCheckpointTick)
			cmd.Tick = now
			if code := c.PostCommand(cmd); !code.OK() {
				ws.log.Warn("failed to post checkpoint tick", zap.Uint64("uuid", c.UUID))
			}
		}
	}
}

// MigrationSignal drives the requested migration phases for one client, in
// phase order, bubbling the first failure to the caller.
func (ws *Workspace) MigrationSignal(uuid uint64, target string, phaseMask uint32, doModule bool) retcode.Code {
	c, code := ws.GetClient(uuid)
	if !code.OK() {
		return code
	}
	phases := []struct {
		bit  uint32
		kind api.CommandKind
	}{
		{api.PhaseRemoteMalloc, api.CmdMigrationRemoteMalloc},
		{api.PhaseAllCopy, api.CmdMigrationAllCopy},
		{api.PhasePrecopy, api.CmdMigrationPrecopy},
		{api.PhaseDeltacopy, api.CmdMigrationDeltacopy},
		{api.PhaseTear, api.CmdMigrationTear},
		{api.PhaseRestore, api.CmdMigrationRestore},
		{api.PhaseAllReload, api.CmdMigrationAllReload},
	}
	for _, p := range phases {
		if phaseMask&p.bit == 0 {
			continue
		}
		cmd := api.NewCommand(p.kind)
		cmd.TargetEndpoint = target
		cmd.DoModule = doModule
		if code := c.PostCommand(cmd); !code.OK() {
			return code
		}
		if code := cmd.Wait(); !code.OK() {
			ws.log.Error("migration phase failed",
				zap.Uint64("uuid", uuid),
				zap.String("phase", cmd.Kind.String()),
				zap.String("code", code.String()))
			return code
		}
	}
	return retcode.Success
}

// RestoreSignal restores one client from a checkpoint image.
func (ws *Workspace) RestoreSignal(uuid uint64, imagePath string) retcode.Code {
	c, code := ws.GetClient(uuid)
	if !code.OK() {
		return code
	}
	cmd := api.NewCommand(api.CmdRestoreSignal)
	cmd.ImagePath = imagePath
	if code := c.PostCommand(cmd); !code.OK() {
		return code
	}
	return cmd.Wait()
}

// ServeMigration accepts migration connections, routing frames to the
// addressed client. The target client stays quiesced while frames apply;
// ordering against its pipeline is the sender's responsibility.
func (ws *Workspace) ServeMigration(l *transport.Listener) error {
	return l.Serve(func(conn *transport.Conn) {
		defer conn.Close()
		for {
			f, err := conn.Recv()
			if err != nil {
				return
			}
			c, code := ws.GetClient(f.UUID)
			if !code.OK() {
				ws.log.Warn("migration frame for unknown client", zap.Uint64("uuid", f.UUID))
				conn.Send(&transport.Frame{Kind: transport.FrameError, UUID: f.UUID, Error: code.String()})
				continue
			}
			if code := c.ApplyMigrationFrame(f, conn); !code.OK() {
				ws.log.Error("failed to apply migration frame",
					zap.Uint64("uuid", f.UUID),
					zap.Uint8("kind", uint8(f.Kind)),
					zap.String("code", code.String()))
			}
		}
	})
}
