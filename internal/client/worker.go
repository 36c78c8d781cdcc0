package client

import (
	"runtime"

	"go.uber.org/zap"

	"github.com/remoralabs/remora/internal/api"
	"github.com/remoralabs/remora/internal/device"
	"github.com/remoralabs/remora/internal/handle"
	"github.com/remoralabs/remora/internal/metrics"
	"github.com/remoralabs/remora/internal/retcode"
)

// workerLoop is the per-client worker thread: it executes real device calls
// in parser-emit order, completing QEs back to the RPC frontend. Control
// commands are drained at every QE boundary, which is what makes a
// checkpoint cut consistent.
func (c *Client) workerLoop() {
	defer c.wg.Done()
	log := c.log.Named("worker")
	log.Debug("worker loop entered")

	for {
		for {
			cmd, ok := c.cmdParser2WorkerWQ.Pop()
			if !ok {
				break
			}
			c.workerProcessCommand(cmd)
		}

		qe, ok := c.parser2workerWQ.Pop()
		if !ok {
			if c.parserDone.Load() && c.parser2workerWQ.Len() == 0 && c.cmdParser2WorkerWQ.Len() == 0 {
				log.Debug("worker loop exiting")
				return
			}
			runtime.Gosched()
			continue
		}
		c.launchOne(qe, log)
	}
}

// launchOne executes one QE against the device.
func (c *Client) launchOne(qe *api.Context, log *zap.Logger) {
	meta := c.apis.Lookup(qe.APIID)
	if meta == nil || meta.Launch == nil {
		qe.Fail(retcode.NotImplemented)
		c.completeQE(qe)
		return
	}

	// On-demand reload: a broken handle reached by a new op is restored,
	// parents first, before the op launches.
	if c.anyBroken(qe) {
		c.restoreBroken(qe, log)
	}

	code := meta.Launch(c, qe)
	if !code.OK() || qe.RetCode != device.OK {
		c.workerRestore(qe, log)
	} else {
		c.workerDone(qe)
	}
}

// anyBroken reports whether a QE references a broken handle.
func (c *Client) anyBroken(qe *api.Context) bool {
	for _, h := range qe.AllHandles() {
		if h.Status == handle.StatusBroken {
			return true
		}
	}
	return false
}

// workerDone completes a successfully launched QE.
func (c *Client) workerDone(qe *api.Context) {
	qe.Status = retcode.Success
	c.completeQE(qe)
}

// workerRestore handles a device failure: every handle the op touched is
// marked broken, then the broken set is collected layer by layer and
// restored bottom-up. The call itself completes carrying the device-native
// error the client observes.
func (c *Client) workerRestore(qe *api.Context, log *zap.Logger) {
	log.Warn("device call failed, scheduling restore",
		zap.String("api", c.apis.Name(qe.APIID)),
		zap.Int32("errno", int32(qe.RetCode)))

	for _, h := range qe.AllHandles() {
		markBrokenChain(h)
	}
	c.restoreBroken(qe, log)

	if qe.Status.OK() {
		qe.Status = retcode.Failed
	}
	c.completeQE(qe)
}

// markBrokenChain marks a handle and its ancestry broken: a device failure
// invalidates the context the resource lives in, so the whole parent chain
// is re-created.
func markBrokenChain(h *handle.Handle) {
	if h.Status == handle.StatusDeleted {
		return
	}
	h.MarkStatus(handle.StatusBroken)
	for _, p := range h.Parents {
		markBrokenChain(p)
	}
}

// restoreBroken collects the broken ancestry of every handle on the QE and
// re-creates the resources deepest layer first, so parents exist before
// their children restore.
func (c *Client) restoreBroken(qe *api.Context, log *zap.Logger) {
	list := &handle.BrokenList{}
	for _, h := range qe.AllHandles() {
		h.CollectBroken(list, 0)
	}
	for layer := list.NbLayers() - 1; layer >= 0; layer-- {
		for _, h := range list.Layer(layer) {
			if h.Status == handle.StatusActive {
				continue
			}
			if code := h.Restore(c.drv); !code.OK() {
				log.Error("failed to restore handle",
					zap.Uint64("client_addr", h.ClientAddr),
					zap.String("code", code.String()))
				continue
			}
			metrics.RestoredHandles.Inc()
		}
	}
}

// workerProcessCommand executes control-plane work at a QE boundary.
func (c *Client) workerProcessCommand(cmd *api.Command) {
	log := c.log.Named("worker")
	log.Debug("processing command", zap.String("kind", cmd.Kind.String()))

	var code retcode.Code
	switch cmd.Kind {
	case api.CmdCheckpointTick:
		code = c.checkpointTick(cmd.Tick)
	case api.CmdInvalidateCkpt:
		code = c.invalidateLatestCheckpoints()
	case api.CmdMigrationRemoteMalloc:
		code = c.migrationRemoteMalloc(cmd)
	case api.CmdMigrationPrecopy:
		code = c.migrationPrecopy(cmd)
	case api.CmdMigrationDeltacopy:
		code = c.migrationDeltacopy(cmd)
	case api.CmdMigrationTear:
		code = c.migrationTear(cmd)
	case api.CmdMigrationRestore:
		code = c.migrationRestoreContext(cmd)
	case api.CmdMigrationAllCopy:
		code = c.migrationAllCopy(cmd)
	case api.CmdMigrationAllReload:
		code = c.migrationAllReload(cmd)
	case api.CmdRestoreSignal:
		code = c.RestoreFromImage(cmd.ImagePath)
	default:
		code = retcode.NotImplemented
	}
	cmd.Complete(code)
}

// checkpointTick captures every handle modified since the last tick onto the
// checkpoint stream. The single-threaded worker serialization makes the cut
// consistent without stopping the data plane.
func (c *Client) checkpointTick(version uint64) retcode.Code {
	stream, errno := c.checkpointStream()
	if errno != device.OK {
		return retcode.Failed
	}
	for _, mgr := range c.Managers() {
		desc := c.types.Lookup(mgr.ResourceType())
		if desc == nil || !desc.Stateful {
			mgr.ClearModified()
			continue
		}
		for _, h := range mgr.DrainModified() {
			if h.Status != handle.StatusActive {
				continue
			}
			if code := h.Checkpoint(c.drv, version, stream); !code.OK() {
				c.log.Warn("failed to checkpoint handle",
					zap.Uint64("client_addr", h.ClientAddr),
					zap.String("code", code.String()))
				continue
			}
			metrics.CheckpointHandles.Inc()
			metrics.CheckpointBytes.Add(float64(h.StateSize))
		}
	}
	c.lastCkptTick = version
	metrics.CheckpointTicks.Inc()
	return retcode.Success
}

// invalidateLatestCheckpoints drops the newest bag version of every handle
// whose async checkpoint copy raced a mutation.
func (c *Client) invalidateLatestCheckpoints() retcode.Code {
	for _, mgr := range c.Managers() {
		for _, h := range mgr.ModifiedHandles() {
			if h.Bag != nil {
				h.InvalidateLatestCheckpoint()
			}
		}
	}
	return retcode.Success
}
