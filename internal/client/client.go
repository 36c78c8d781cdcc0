// Package client implements the per-client runtime: the handle managers
// shadowing the client's device state, the Parser and Worker goroutines, the
// SPSC queues wiring them to the RPC frontend, and the checkpoint/migration
// machinery operating on that state.
package client

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/remoralabs/remora/internal/api"
	"github.com/remoralabs/remora/internal/checkpoint"
	"github.com/remoralabs/remora/internal/cuda"
	"github.com/remoralabs/remora/internal/device"
	"github.com/remoralabs/remora/internal/handle"
	"github.com/remoralabs/remora/internal/queue"
	"github.com/remoralabs/remora/internal/retcode"
	"github.com/remoralabs/remora/internal/tsctimer"
)

// Status is the lifecycle state of a client.
type Status uint8

const (
	StatusCreatePending Status = iota
	StatusActive
	StatusHang
	StatusTeardown
)

// Options configures a new client.
type Options struct {
	UUID    uint64
	JobName string

	Log   *zap.Logger
	Drv   device.Driver
	APIs  *api.Registry
	Types *handle.Registry
	Timer *tsctimer.Timer

	// QueueCapacity bounds each pipeline ring; zero selects the default.
	QueueCapacity int
}

// Client is the server-side state of one remote process.
type Client struct {
	UUID    uint64
	JobName string

	log   *zap.Logger
	drv   device.Driver
	apis  *api.Registry
	types *handle.Registry
	timer *tsctimer.Timer

	managers map[handle.ResourceType]*handle.Manager

	// api instance pc, bumped by the RPC frontend
	instPC atomic.Uint64
	// replay DAG vertex allocator, touched only by the parser
	dagVertex uint64

	status atomic.Uint32

	// data-plane queues
	rpc2parserWQ    *queue.SPSC[*api.Context]
	rpc2parserCQ    *queue.SPSC[*api.Context]
	parser2workerWQ *queue.SPSC[*api.Context]
	rpc2workerCQ    *queue.SPSC[*api.Context]
	// worker-local record of QEs replayed under an in-flight checkpoint
	ckptDagWQ *queue.SPSC[*api.Context]

	// command queues
	cmdOob2ParserWQ    *queue.SPSC[*api.Command]
	cmdParser2WorkerWQ *queue.SPSC[*api.Command]

	wg sync.WaitGroup
	// parserDone gates worker exit: once set, nothing enqueues behind the
	// worker's back.
	parserDone atomic.Bool

	// worker-owned device streams, created lazily
	workerStream    uint64
	hasWorkerStream bool
	ckptStream      uint64
	hasCkptStream   bool

	station      *checkpoint.Station
	lastCkptTick uint64

	mig migrationCtx
}

// New constructs a client with its handle managers and queue group. Call
// Start to launch the pipeline threads.
func New(opts Options) (*Client, error) {
	if opts.Drv == nil || opts.APIs == nil || opts.Types == nil {
		return nil, fmt.Errorf("client %d: missing driver or registries", opts.UUID)
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Timer == nil {
		opts.Timer = tsctimer.New()
	}
	cap := opts.QueueCapacity
	if cap == 0 {
		cap = queue.DefaultCapacity
	}

	c := &Client{
		UUID:    opts.UUID,
		JobName: opts.JobName,
		log:     opts.Log.Named("client").With(zap.Uint64("uuid", opts.UUID)),
		drv:     opts.Drv,
		apis:    opts.APIs,
		types:   opts.Types,
		timer:   opts.Timer,

		rpc2parserWQ:    queue.NewSPSC[*api.Context](cap),
		rpc2parserCQ:    queue.NewSPSC[*api.Context](cap),
		parser2workerWQ: queue.NewSPSC[*api.Context](cap),
		rpc2workerCQ:    queue.NewSPSC[*api.Context](cap),
		ckptDagWQ:       queue.NewSPSC[*api.Context](cap),

		cmdOob2ParserWQ:    queue.NewSPSC[*api.Command](cap),
		cmdParser2WorkerWQ: queue.NewSPSC[*api.Command](cap),

		station: checkpoint.NewStation(),
	}
	c.status.Store(uint32(StatusCreatePending))

	c.initHandleManagers()
	if err := c.initImplicitHandles(); err != nil {
		return nil, err
	}
	return c, nil
}

// initHandleManagers instantiates one manager per registered resource type.
func (c *Client) initHandleManagers() {
	c.managers = make(map[handle.ResourceType]*handle.Manager)
	for _, rt := range c.types.RestoreOrder() {
		c.managers[rt] = handle.NewManager(rt, c.types, c.log)
	}
}

// initImplicitHandles pre-creates the resources every CUDA process owns
// without asking: one handle per visible device and the primary context.
func (c *Client) initImplicitHandles() error {
	devMgr := c.managers[cuda.ResourceDevice]
	count, errno := c.drv.DeviceCount()
	if errno != device.OK {
		return fmt.Errorf("client %d: failed to enumerate devices: %s", c.UUID, c.drv.ErrorString(errno))
	}
	for i := int32(0); i < count; i++ {
		h, code := devMgr.AllocateMocked(nil, handle.DefaultSize, 0, 0)
		if !code.OK() {
			return fmt.Errorf("client %d: failed to allocate device handle: %s", c.UUID, code)
		}
		h.DAGVertexID = c.NextVertexID()
		h.Extra = &cuda.DeviceExtra{DeviceID: i}
		h.SetServerAddr(uint64(i))
		h.MarkStatus(handle.StatusActive)
		if i == 0 {
			devMgr.LatestUsed = h
		}
	}

	ctxMgr := c.managers[cuda.ResourceContext]
	ctx, code := ctxMgr.AllocateMocked(nil, handle.DefaultSize, 0, 0)
	if !code.OK() {
		return fmt.Errorf("client %d: failed to allocate context handle: %s", c.UUID, code)
	}
	ctx.DAGVertexID = c.NextVertexID()
	ctx.SetServerAddr(ctx.ClientAddr)
	ctx.MarkStatus(handle.StatusActive)
	if devMgr.LatestUsed != nil {
		ctx.RecordParent(devMgr.LatestUsed)
	}
	ctxMgr.LatestUsed = ctx
	return nil
}

// Start launches the parser and worker goroutines.
func (c *Client) Start() {
	c.status.Store(uint32(StatusActive))
	c.wg.Add(2)
	go c.parserLoop()
	go c.workerLoop()
	c.log.Info("client pipeline started", zap.String("job", c.JobName))
}

// Stop tears the pipeline down, letting queued work drain first.
func (c *Client) Stop() {
	c.status.Store(uint32(StatusTeardown))
	c.wg.Wait()
	c.log.Info("client pipeline stopped")
}

// Status reports the client's lifecycle state.
func (c *Client) Status() Status { return Status(c.status.Load()) }

// SetStatus moves the client's lifecycle state.
func (c *Client) SetStatus(s Status) { c.status.Store(uint32(s)) }

// NextInstPC hands the RPC frontend the next instruction pc.
func (c *Client) NextInstPC() uint64 {
	return c.instPC.Add(1) - 1
}

// Manager returns the handle manager for a resource type. Part of
// api.ParseEnv.
func (c *Client) Manager(rt handle.ResourceType) *handle.Manager {
	return c.managers[rt]
}

// NextVertexID allocates the next replay-DAG vertex id. Part of
// api.ParseEnv; ties between concurrent creations are broken by the QE's
// instruction pc, which orders the single parser thread's work anyway.
func (c *Client) NextVertexID() uint64 {
	c.dagVertex++
	return c.dagVertex
}

// Log returns the client logger. Part of both pipeline environments.
func (c *Client) Log() *zap.Logger { return c.log }

// Driver returns the device driver. Part of api.LaunchEnv.
func (c *Client) Driver() device.Driver { return c.drv }

// WorkerStream lazily creates and returns the worker's private device
// stream. Part of api.LaunchEnv.
func (c *Client) WorkerStream() (uint64, device.Errno) {
	if !c.hasWorkerStream {
		s, errno := c.drv.StreamCreate()
		if errno != device.OK {
			return 0, errno
		}
		c.workerStream = s
		c.hasWorkerStream = true
	}
	return c.workerStream, device.OK
}

// checkpointStream lazily creates the dedicated stream checkpoint copies are
// dispatched on.
func (c *Client) checkpointStream() (uint64, device.Errno) {
	if !c.hasCkptStream {
		s, errno := c.drv.StreamCreate()
		if errno != device.OK {
			return 0, errno
		}
		c.ckptStream = s
		c.hasCkptStream = true
	}
	return c.ckptStream, device.OK
}

// Submit hands a QE from the RPC frontend to the parser. NotReady signals a
// full ring: the frontend blocks or returns busy to the client process.
func (c *Client) Submit(qe *api.Context) retcode.Code {
	if c.Status() != StatusActive {
		return retcode.NotReady
	}
	qe.CreateTick = c.timer.Tick()
	if !c.rpc2parserWQ.Push(qe) {
		return retcode.NotReady
	}
	return retcode.Success
}

// PollCompletion pops one completed QE, nil when none is ready.
func (c *Client) PollCompletion() *api.Context {
	qe, _ := c.rpc2workerCQ.Pop()
	return qe
}

// Call submits a QE and spins until its completion arrives. Completions
// reach the frontend in worker-emit order; earlier async completions are
// drained on the way.
func (c *Client) Call(qe *api.Context) retcode.Code {
	if code := c.Submit(qe); !code.OK() {
		return code
	}
	for {
		done := c.PollCompletion()
		if done == qe {
			return qe.Status
		}
		if done == nil {
			if c.Status() != StatusActive && c.Status() != StatusHang {
				return retcode.Failed
			}
			runtime.Gosched()
		}
	}
}

// PostCommand enqueues a control command for the parser; the caller may
// Wait on it.
func (c *Client) PostCommand(cmd *api.Command) retcode.Code {
	if !c.cmdOob2ParserWQ.Push(cmd) {
		return retcode.NotReady
	}
	return retcode.Success
}

// Drained reports whether the two data work queues (rpc→parser,
// parser→worker) and both command queues are empty; completion queues are
// not checked.
func (c *Client) Drained() bool {
	return c.rpc2parserWQ.Len() == 0 &&
		c.parser2workerWQ.Len() == 0 &&
		c.cmdOob2ParserWQ.Len() == 0 &&
		c.cmdParser2WorkerWQ.Len() == 0
}

// Managers yields the managers in restore order.
func (c *Client) Managers() []*handle.Manager {
	order := c.types.RestoreOrder()
	out := make([]*handle.Manager, 0, len(order))
	for _, rt := range order {
		out = append(out, c.managers[rt])
	}
	return out
}

// Types returns the resource descriptor registry.
func (c *Client) Types() *handle.Registry { return c.types }
