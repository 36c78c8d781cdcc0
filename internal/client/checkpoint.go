package client

import (
	"go.uber.org/zap"

	"github.com/remoralabs/remora/internal/checkpoint"
	"github.com/remoralabs/remora/internal/cuda"
	"github.com/remoralabs/remora/internal/handle"
	"github.com/remoralabs/remora/internal/retcode"
)

// imageMagic heads a serialized client state payload.
const imageMagic = 0x52454d4f52413031 // "REMORA01"

// SerializeState captures every live handle of every manager into the
// checkpoint wire layout: a header, one section per manager in restore
// order, and the trailing index of per-manager offsets.
func (c *Client) SerializeState() []byte {
	w := handle.NewWriter()
	managers := c.Managers()

	w.U64(imageMagic)
	w.U64(uint64(len(managers)))

	type section struct {
		rt     handle.ResourceType
		offset uint64
	}
	sections := make([]section, 0, len(managers))
	var totalHandles uint64

	for _, mgr := range managers {
		sections = append(sections, section{rt: mgr.ResourceType(), offset: uint64(len(w.Bytes()))})
		var live []*handle.Handle
		for _, h := range mgr.Handles() {
			if h.Status == handle.StatusDeleted || h.Status == handle.StatusDeletePending {
				continue
			}
			live = append(live, h)
		}
		w.U64(uint64(mgr.ResourceType()))
		w.U64(uint64(len(live)))
		for _, h := range live {
			hw := handle.NewWriter()
			h.Serialize(hw)
			w.Blob(hw.Bytes())
			totalHandles++
		}
	}

	// Index appended by the workspace side of the format: handle count and
	// per-manager section offsets.
	w.U64(totalHandles)
	for _, s := range sections {
		w.U64(uint64(s.rt))
		w.U64(s.offset)
	}
	w.U64(uint64(len(sections)))
	return w.Bytes()
}

// DumpToImage collapses the client's full state through the checkpoint
// station into an image file.
func (c *Client) DumpToImage(path string) retcode.Code {
	c.station.Clear()
	c.station.LoadMem(c.SerializeState())
	if err := c.station.CollapseToFile(path); err != nil {
		c.log.Error("failed to collapse checkpoint image", zap.Error(err))
		return retcode.Failed
	}
	c.log.Info("checkpoint image written",
		zap.String("path", path),
		zap.Uint64("bytes", c.station.ByteSize()))
	return retcode.Success
}

// RestoreFromImage rebuilds the client's device state from an image file on
// a fresh device context.
func (c *Client) RestoreFromImage(path string) retcode.Code {
	payload, err := checkpoint.ReadImage(path)
	if err != nil {
		c.log.Error("failed to read checkpoint image", zap.Error(err))
		return retcode.Failed
	}
	return c.restoreFromState(payload, false)
}

// restoreFromState deserializes a state payload and restores every handle,
// wave by wave in registered type order so parents are re-created before
// their children. With merge set, handles whose client address already
// exists in the target managers (migration twins) are kept as-is.
func (c *Client) restoreFromState(payload []byte, merge bool) retcode.Code {
	r := handle.NewReader(payload)
	magic, err := r.U64()
	if err != nil || magic != imageMagic {
		c.log.Error("bad state payload header")
		return retcode.InvalidInput
	}
	nbManagers, err := r.U64()
	if err != nil {
		return retcode.InvalidInput
	}

	if !merge {
		// fresh start: drop every pre-existing shadow
		c.initHandleManagers()
		c.dagVertex = 0
	}

	type pending struct {
		h       *handle.Handle
		parents []uint64
	}
	var all []pending
	byVertex := make(map[uint64]*handle.Handle)

	for i := uint64(0); i < nbManagers; i++ {
		rt, err := r.U64()
		if err != nil {
			return retcode.InvalidInput
		}
		count, err := r.U64()
		if err != nil {
			return retcode.InvalidInput
		}
		mgr := c.managers[handle.ResourceType(rt)]
		if mgr == nil {
			c.log.Error("state payload names unregistered resource type", zap.Uint64("type", rt))
			return retcode.InvalidInput
		}
		for j := uint64(0); j < count; j++ {
			blob, err := r.Blob()
			if err != nil {
				return retcode.InvalidInput
			}
			h, parents, err := handle.Deserialize(handle.NewReader(blob), c.types)
			if err != nil {
				c.log.Error("failed to deserialize handle", zap.Error(err))
				return retcode.InvalidInput
			}
			if merge && h.ClientAddr != 0 {
				if existing, _, code := mgr.GetByClientAddr(h.ClientAddr); code.OK() {
					byVertex[h.DAGVertexID] = existing
					continue
				}
			}
			if code := mgr.Adopt(h); !code.OK() {
				return code
			}
			byVertex[h.DAGVertexID] = h
			all = append(all, pending{h: h, parents: parents})
			if h.DAGVertexID >= c.dagVertex {
				c.dagVertex = h.DAGVertexID + 1
			}
		}
	}

	// rebind parent references by vertex id
	for _, p := range all {
		for _, vid := range p.parents {
			parent, ok := byVertex[vid]
			if !ok {
				c.log.Warn("dangling parent vertex in state payload", zap.Uint64("vertex", vid))
				continue
			}
			p.h.RecordParent(parent)
		}
	}

	// restore wave by wave: managers are walked in registry order, which is
	// parent-before-child by construction
	for _, mgr := range c.Managers() {
		for _, h := range mgr.Handles() {
			if h.Status == handle.StatusActive {
				continue
			}
			if code := h.Restore(c.drv); !code.OK() {
				c.log.Error("failed to restore handle",
					zap.Uint64("client_addr", h.ClientAddr),
					zap.Uint64("vertex", h.DAGVertexID),
					zap.String("code", code.String()))
				return code
			}
		}
	}

	c.rebindLatestUsed()
	return retcode.Success
}

// rebindLatestUsed re-establishes the implicit current device and context
// after a restore replaced the managers.
func (c *Client) rebindLatestUsed() {
	if mgr := c.managers[cuda.ResourceDevice]; mgr != nil && mgr.LatestUsed == nil && mgr.NbHandles() > 0 {
		mgr.LatestUsed = mgr.HandleByIndex(0)
	}
	if mgr := c.managers[cuda.ResourceContext]; mgr != nil && mgr.LatestUsed == nil && mgr.NbHandles() > 0 {
		mgr.LatestUsed = mgr.HandleByIndex(0)
	}
}
