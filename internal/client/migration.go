package client

import (
	"go.uber.org/zap"

	"github.com/remoralabs/remora/internal/api"
	"github.com/remoralabs/remora/internal/cuda"
	"github.com/remoralabs/remora/internal/device"
	"github.com/remoralabs/remora/internal/handle"
	"github.com/remoralabs/remora/internal/metrics"
	"github.com/remoralabs/remora/internal/retcode"
	"github.com/remoralabs/remora/internal/transport"
)

// maxChunksPerFrame bounds how many memory payloads share one wire frame.
const maxChunksPerFrame = 64

// migrationCtx is the source-side state of an in-flight migration.
type migrationCtx struct {
	conn   *transport.Conn
	target string
	// remoteAddrs maps client addresses to the twin allocations on the
	// target, filled by the remote-malloc phase.
	remoteAddrs map[uint64]uint64
}

func (c *Client) migrationConn(target string) (*transport.Conn, retcode.Code) {
	if c.mig.conn != nil && c.mig.target == target {
		return c.mig.conn, retcode.Success
	}
	conn, err := transport.Dial(target)
	if err != nil {
		c.log.Error("failed to dial migration target", zap.String("target", target), zap.Error(err))
		return nil, retcode.Failed
	}
	c.mig.conn = conn
	c.mig.target = target
	return conn, retcode.Success
}

// liveMemoryHandles returns every Active memory handle.
func (c *Client) liveMemoryHandles() []*handle.Handle {
	mgr := c.managers[cuda.ResourceMemory]
	var out []*handle.Handle
	for _, h := range mgr.Handles() {
		if h.Status == handle.StatusActive {
			out = append(out, h)
		}
	}
	return out
}

// migrationRemoteMalloc asks the target to allocate device-memory twins for
// every live memory handle and records the address mapping.
func (c *Client) migrationRemoteMalloc(cmd *api.Command) retcode.Code {
	conn, code := c.migrationConn(cmd.TargetEndpoint)
	if !code.OK() {
		return code
	}
	mems := c.liveMemoryHandles()
	entries := make([]transport.RemoteMallocEntry, len(mems))
	for i, h := range mems {
		entries[i] = transport.RemoteMallocEntry{ClientAddr: h.ClientAddr, Size: h.Size}
	}
	if err := conn.Send(&transport.Frame{Kind: transport.FrameRemoteMallocReq, UUID: c.UUID, Entries: entries}); err != nil {
		c.log.Error("remote malloc send failed", zap.Error(err))
		return retcode.Failed
	}
	ack, err := conn.Recv()
	if err != nil || ack.Kind != transport.FrameRemoteMallocAck {
		c.log.Error("remote malloc ack failed", zap.Error(err))
		return retcode.Failed
	}
	c.mig.remoteAddrs = ack.Mapping
	metrics.MigrationPhases.WithLabelValues("remote_malloc").Inc()
	return retcode.Success
}

// shipMemory reads the device bytes behind the given handles and streams
// them to the target in bounded frames.
func (c *Client) shipMemory(conn *transport.Conn, handles []*handle.Handle) retcode.Code {
	var chunks []transport.MemoryChunk
	flush := func() retcode.Code {
		if len(chunks) == 0 {
			return retcode.Success
		}
		if err := conn.Send(&transport.Frame{Kind: transport.FrameMemory, UUID: c.UUID, Chunks: chunks}); err != nil {
			c.log.Error("memory frame send failed", zap.Error(err))
			return retcode.Failed
		}
		chunks = nil
		return retcode.Success
	}

	stream, errno := c.checkpointStream()
	if errno != device.OK {
		return retcode.Failed
	}
	for _, h := range handles {
		buf := make([]byte, h.Size)
		if errno := c.drv.MemcpyD2HAsync(buf, h.ServerAddr, stream); errno != device.OK {
			c.log.Error("migration device copy failed", zap.Uint64("client_addr", h.ClientAddr))
			return retcode.Failed
		}
		if errno := c.drv.StreamSynchronize(stream); errno != device.OK {
			return retcode.Failed
		}
		chunks = append(chunks, transport.MemoryChunk{ClientAddr: h.ClientAddr, Data: buf})
		metrics.MigrationBytes.Add(float64(len(buf)))
		if len(chunks) >= maxChunksPerFrame {
			if code := flush(); !code.OK() {
				return code
			}
		}
	}
	return flush()
}

// migrationPrecopy ships the full shadow state plus every live memory
// extent while the client keeps running. The modified sets reset here; the
// delta phase ships only what was dirtied afterwards.
func (c *Client) migrationPrecopy(cmd *api.Command) retcode.Code {
	conn, code := c.migrationConn(cmd.TargetEndpoint)
	if !code.OK() {
		return code
	}
	if err := conn.Send(&transport.Frame{Kind: transport.FrameHandleState, UUID: c.UUID, State: c.SerializeState()}); err != nil {
		c.log.Error("handle state send failed", zap.Error(err))
		return retcode.Failed
	}
	if code := c.shipMemory(conn, c.liveMemoryHandles()); !code.OK() {
		return code
	}
	for _, mgr := range c.Managers() {
		mgr.ClearModified()
	}
	metrics.MigrationPhases.WithLabelValues("precopy").Inc()
	return retcode.Success
}

// migrationDeltacopy re-ships only the memory handles dirtied since precopy.
func (c *Client) migrationDeltacopy(cmd *api.Command) retcode.Code {
	conn, code := c.migrationConn(cmd.TargetEndpoint)
	if !code.OK() {
		return code
	}
	mgr := c.managers[cuda.ResourceMemory]
	var dirty []*handle.Handle
	for _, h := range mgr.DrainModified() {
		if h.Status == handle.StatusActive {
			dirty = append(dirty, h)
		}
	}
	if code := c.shipMemory(conn, dirty); !code.OK() {
		return code
	}
	metrics.MigrationPhases.WithLabelValues("deltacopy").Inc()
	return retcode.Success
}

// migrationAllCopy is the non-incremental baseline: state plus every byte,
// dirty or not.
func (c *Client) migrationAllCopy(cmd *api.Command) retcode.Code {
	code := c.migrationPrecopy(cmd)
	if code.OK() {
		metrics.MigrationPhases.WithLabelValues("allcopy").Inc()
	}
	return code
}

// migrationTear quiesces the pipeline (it runs on the worker, between QEs)
// and frees the server-side resources on the source. Module teardown is
// optional: leaving modules resident makes a fall-back cheap.
func (c *Client) migrationTear(cmd *api.Command) retcode.Code {
	managers := c.Managers()
	for i := len(managers) - 1; i >= 0; i-- {
		mgr := managers[i]
		rt := mgr.ResourceType()
		if rt == cuda.ResourceDevice || rt == cuda.ResourceContext {
			continue
		}
		if rt == cuda.ResourceModule && !cmd.DoModule {
			continue
		}
		for _, h := range mgr.Handles() {
			if h.Status != handle.StatusActive {
				continue
			}
			c.tearHandle(h)
			h.MarkStatus(handle.StatusBroken)
		}
	}
	if c.mig.conn != nil {
		c.mig.conn.Send(&transport.Frame{Kind: transport.FrameDone, UUID: c.UUID, DoModule: cmd.DoModule})
	}
	metrics.MigrationPhases.WithLabelValues("tear").Inc()
	return retcode.Success
}

// tearHandle releases the device resource behind a handle.
func (c *Client) tearHandle(h *handle.Handle) {
	var errno device.Errno
	switch h.ResourceType {
	case cuda.ResourceMemory:
		errno = c.drv.Free(h.ServerAddr)
	case cuda.ResourceStream:
		errno = c.drv.StreamDestroy(h.ServerAddr)
	case cuda.ResourceEvent:
		errno = c.drv.EventDestroy(h.ServerAddr)
	case cuda.ResourceModule:
		errno = c.drv.ModuleUnload(h.ServerAddr)
	case cuda.ResourceBlasContext:
		errno = c.drv.BlasDestroy(h.ServerAddr)
	default:
		// functions and vars live inside their module
		return
	}
	if errno != device.OK {
		c.log.Warn("failed to tear device resource",
			zap.Uint64("client_addr", h.ClientAddr),
			zap.String("errno", c.drv.ErrorString(errno)))
	}
}

// migrationRestoreContext re-creates the device context on this (target)
// client and restores every non-active handle, optionally re-loading
// modules first.
func (c *Client) migrationRestoreContext(cmd *api.Command) retcode.Code {
	if cmd.DoModule {
		mgr := c.managers[cuda.ResourceModule]
		for _, h := range mgr.Handles() {
			if h.Status == handle.StatusActive {
				continue
			}
			if code := h.Restore(c.drv); !code.OK() {
				return code
			}
		}
	}
	code := c.migrationAllReload(cmd)
	if code.OK() {
		metrics.MigrationPhases.WithLabelValues("restore_context").Inc()
	}
	return code
}

// migrationAllReload restores every non-active handle in parent-first
// order, replaying checkpointed state.
func (c *Client) migrationAllReload(cmd *api.Command) retcode.Code {
	for _, mgr := range c.Managers() {
		for _, h := range mgr.Handles() {
			if h.Status == handle.StatusActive || h.Status == handle.StatusDeleted || h.Status == handle.StatusDeletePending {
				continue
			}
			if code := h.Restore(c.drv); !code.OK() {
				c.log.Error("reload failed",
					zap.Uint64("client_addr", h.ClientAddr),
					zap.String("code", code.String()))
				return code
			}
			metrics.RestoredHandles.Inc()
		}
	}
	c.rebindLatestUsed()
	metrics.MigrationPhases.WithLabelValues("allreload").Inc()
	return retcode.Success
}

// ApplyMigrationFrame consumes one frame on the target side. The target
// client is quiesced (CreatePending) until the source signals completion.
func (c *Client) ApplyMigrationFrame(f *transport.Frame, conn *transport.Conn) retcode.Code {
	switch f.Kind {
	case transport.FrameRemoteMallocReq:
		mapping := make(map[uint64]uint64, len(f.Entries))
		mgr := c.managers[cuda.ResourceMemory]
		for _, e := range f.Entries {
			addr, code := c.adoptMemoryTwin(mgr, e.ClientAddr, e.Size)
			if !code.OK() {
				conn.Send(&transport.Frame{Kind: transport.FrameError, UUID: c.UUID, Error: code.String()})
				return code
			}
			mapping[e.ClientAddr] = addr
		}
		if err := conn.Send(&transport.Frame{Kind: transport.FrameRemoteMallocAck, UUID: c.UUID, Mapping: mapping}); err != nil {
			return retcode.Failed
		}
		return retcode.Success

	case transport.FrameHandleState:
		return c.restoreFromState(f.State, true)

	case transport.FrameMemory:
		mgr := c.managers[cuda.ResourceMemory]
		for _, chunk := range f.Chunks {
			h, off, code := mgr.GetByClientAddr(chunk.ClientAddr)
			if !code.OK() {
				if _, code = c.adoptMemoryTwin(mgr, chunk.ClientAddr, uint64(len(chunk.Data))); !code.OK() {
					return code
				}
				h, off, code = mgr.GetByClientAddr(chunk.ClientAddr)
				if !code.OK() {
					return code
				}
			}
			if errno := c.drv.MemcpyH2D(h.ServerAddr+off, chunk.Data); errno != device.OK {
				return retcode.Failed
			}
		}
		return retcode.Success

	case transport.FrameDone:
		cmd := api.NewCommand(api.CmdMigrationRestore)
		cmd.DoModule = f.DoModule
		code := c.migrationRestoreContext(cmd)
		if code.OK() {
			c.SetStatus(StatusActive)
		}
		return code
	}
	return retcode.InvalidInput
}

// adoptMemoryTwin creates an Active memory handle at a fixed client address
// backed by a fresh target-side allocation.
func (c *Client) adoptMemoryTwin(mgr *handle.Manager, clientAddr, size uint64) (uint64, retcode.Code) {
	if h, _, code := mgr.GetByClientAddr(clientAddr); code.OK() {
		return h.ServerAddr, retcode.Success
	}
	addr, errno := c.drv.Malloc(size)
	if errno != device.OK {
		return 0, retcode.Failed
	}
	h := &handle.Handle{
		ResourceType: cuda.ResourceMemory,
		Status:       handle.StatusCreatePending,
		ClientAddr:   clientAddr,
		ServerAddr:   addr,
		Size:         size,
		StateSize:    size,
	}
	if code := mgr.Adopt(h); !code.OK() {
		return 0, code
	}
	h.MarkStatus(handle.StatusActive)
	return addr, retcode.Success
}
