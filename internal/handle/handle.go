// Package handle implements the resource virtualization layer: the
// server-side shadow of every device-resident resource, the per-type managers
// that own the mock address space, the versioned checkpoint bags, and the
// serialization used by checkpoint, restore and migration.
package handle

import (
	"fmt"

	"github.com/remoralabs/remora/internal/device"
	"github.com/remoralabs/remora/internal/retcode"
)

// ResourceType tags the kind of resource a handle shadows. Concrete values
// are registered by the platform layer (see internal/cuda).
type ResourceType uint64

// DefaultSize is the size recorded for handles whose resource has no byte
// extent (streams, events, library contexts).
const DefaultSize = 1 << 4

// Mock address range handed to clients in place of device pointers.
const (
	MockAddrBase = 0x0000555500000000
	MockAddrEnd  = 0x0000FFFFFFFFFFF0
)

// Status is the lifecycle state of a handle.
type Status uint8

const (
	// StatusCreatePending marks a resource whose creation has been parsed
	// but not yet executed on the device.
	StatusCreatePending Status = iota
	// StatusActive marks a live resource; ops relying on it may launch.
	StatusActive
	// StatusDeletePending is set by the parser; the handle is already out of
	// the address map, the worker confirms the deletion.
	StatusDeletePending
	// StatusDeleted marks a resource released on the device.
	StatusDeleted
	// StatusBroken marks a resource lost on the device; it must be restored
	// before any dependent op proceeds.
	StatusBroken
)

func (s Status) String() string {
	switch s {
	case StatusCreatePending:
		return "create_pending"
	case StatusActive:
		return "active"
	case StatusDeletePending:
		return "delete_pending"
	case StatusDeleted:
		return "deleted"
	case StatusBroken:
		return "broken"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Handle is the server-side shadow of one device resource: the mapping of
// client-side and server-side addresses along with the metadata needed to
// replay, checkpoint and restore it.
type Handle struct {
	ResourceType ResourceType
	Status       Status

	// ClientAddr is the mocked address returned to the client. For
	// passthrough resources it equals ServerAddr.
	ClientAddr uint64
	// ServerAddr is the real address/handle returned by the device driver.
	ServerAddr uint64

	// Size is the byte extent of the resource, DefaultSize for sizeless
	// handles.
	Size uint64
	// StateSize is the byte size of replayable state behind the handle,
	// zero for stateless resources.
	StateSize uint64

	// DAGVertexID identifies this handle's vertex in the replay DAG. Parents
	// are persisted by vertex id, not by pointer.
	DAGVertexID uint64
	Parents     []*Handle

	// Bag holds versioned device-state checkpoints for stateful resources.
	Bag *CheckpointBag

	// HostValues caches host-side bytes injected by past calls, keyed by the
	// instruction pc of the injecting call, so the call can be replayed.
	HostValues map[uint64][]byte

	// Extra is the per-type payload (function metadata, device index, module
	// image, ...), serialized through the type's descriptor.
	Extra any

	mgr *Manager
}

// Manager returns the manager owning this handle.
func (h *Handle) Manager() *Manager { return h.mgr }

// SetServerAddr records the server-side address after the device call
// completed.
func (h *Handle) SetServerAddr(addr uint64) { h.ServerAddr = addr }

// SetPassthroughAddr records the address of a hardware-backed resource whose
// client- and server-side addresses coincide, registering it with the owning
// manager's address map.
func (h *Handle) SetPassthroughAddr(addr uint64) retcode.Code {
	h.ClientAddr = addr
	h.ServerAddr = addr
	return h.mgr.recordHandleAddress(addr, h)
}

// RecordParent appends a parent dependency.
func (h *Handle) RecordParent(parent *Handle) {
	h.Parents = append(h.Parents, parent)
}

// InRange reports whether addr falls inside [ClientAddr, ClientAddr+Size) and
// the offset from the base when it does.
func (h *Handle) InRange(addr uint64) (uint64, bool) {
	if h.ClientAddr <= addr && addr < h.ClientAddr+h.Size {
		return addr - h.ClientAddr, true
	}
	return 0, false
}

// MarkStatus performs the status transition through the owning manager so the
// address map and deleted archive stay consistent.
func (h *Handle) MarkStatus(s Status) {
	h.mgr.MarkStatus(h, s)
}

// RecordHostValue caches the host-side bytes a call injects into this
// resource, keyed by the call's instruction pc. Needed to replay the call
// when no device checkpoint exists yet.
func (h *Handle) RecordHostValue(pc uint64, data []byte) {
	if len(data) == 0 {
		return
	}
	if h.HostValues == nil {
		h.HostValues = make(map[uint64][]byte)
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	h.HostValues[pc] = buf
}

// LatestHostValue returns the newest cached host value, keyed by the largest
// recorded pc.
func (h *Handle) LatestHostValue() (uint64, []byte, bool) {
	var (
		bestPC  uint64
		bestVal []byte
		found   bool
	)
	for pc, v := range h.HostValues {
		if !found || pc > bestPC {
			bestPC, bestVal, found = pc, v, true
		}
	}
	return bestPC, bestVal, found
}

// Checkpoint captures the resource state behind this handle into its bag via
// the type descriptor. NotImplemented for stateless types.
func (h *Handle) Checkpoint(drv device.Driver, version, stream uint64) retcode.Code {
	desc := h.mgr.registry.lookup(h.ResourceType)
	if desc == nil || desc.Checkpoint == nil {
		return retcode.NotImplemented
	}
	return desc.Checkpoint(h, drv, version, stream)
}

// InvalidateLatestCheckpoint drops the newest bag version after a
// computation/checkpoint conflict.
func (h *Handle) InvalidateLatestCheckpoint() retcode.Code {
	if h.Bag == nil {
		return retcode.NotReady
	}
	return h.Bag.InvalidateLatest()
}

// Restore re-creates the device resource behind a Broken or CreatePending
// handle via the type descriptor.
func (h *Handle) Restore(drv device.Driver) retcode.Code {
	desc := h.mgr.registry.lookup(h.ResourceType)
	if desc == nil || desc.Restore == nil {
		return retcode.NotImplemented
	}
	return desc.Restore(h, drv)
}

// BrokenList buckets broken handles by their depth in the parent graph so
// restoration can proceed deepest layer first, guaranteeing parents are
// re-created before their children.
type BrokenList struct {
	layers [][]*Handle
}

// Add records a broken handle at the given layer.
func (l *BrokenList) Add(layer int, h *Handle) {
	for layer >= len(l.layers) {
		l.layers = append(l.layers, nil)
	}
	l.layers[layer] = append(l.layers[layer], h)
}

// NbLayers reports the number of populated layers.
func (l *BrokenList) NbLayers() int { return len(l.layers) }

// Layer returns the handles recorded at the given depth.
func (l *BrokenList) Layer(i int) []*Handle { return l.layers[i] }

// Reset clears all recorded handles.
func (l *BrokenList) Reset() { l.layers = l.layers[:0] }

// CollectBroken walks the parent chain of h, recording every handle that is
// neither Active nor DeletePending, bucketed by distance from h.
func (h *Handle) CollectBroken(list *BrokenList, layer int) {
	if h.Status != StatusActive && h.Status != StatusDeletePending {
		list.Add(layer, h)
	}
	for _, p := range h.Parents {
		p.CollectBroken(list, layer+1)
	}
}
