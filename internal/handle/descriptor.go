package handle

import (
	"github.com/remoralabs/remora/internal/device"
	"github.com/remoralabs/remora/internal/retcode"
)

// Descriptor carries the per-type behavior of a resource kind. Handles stay
// uniform structs; dynamic dispatch goes through this table, indexed by
// ResourceType.
type Descriptor struct {
	Type ResourceType
	Name string

	// Passthrough marks hardware-backed resources whose client- and
	// server-side addresses coincide; their address registration happens
	// after the device call instead of at parse time.
	Passthrough bool

	// Stateful marks resources carrying replayable device state; their
	// handles get a checkpoint bag.
	Stateful bool

	// Restore re-creates the device resource from the handle's metadata and
	// replays its checkpointed state.
	Restore func(h *Handle, drv device.Driver) retcode.Code

	// Checkpoint captures the device state behind the handle into its bag.
	Checkpoint func(h *Handle, drv device.Driver, version, stream uint64) retcode.Code

	// InitBag prepares the handle's checkpoint bag with the allocator suited
	// to the type.
	InitBag func(h *Handle)

	// SerializeExtra / DeserializeExtra handle the type-specific tail of the
	// wire format.
	SerializeExtra   func(h *Handle, w *Writer)
	DeserializeExtra func(h *Handle, r *Reader) error

	// NewExtra constructs an empty Extra payload prior to deserialization.
	NewExtra func() any
}

// Registry maps resource types to their descriptors.
type Registry struct {
	byType map[ResourceType]*Descriptor
	order  []ResourceType
}

// NewRegistry creates an empty descriptor registry.
func NewRegistry() *Registry {
	return &Registry{byType: make(map[ResourceType]*Descriptor)}
}

// Register adds a descriptor. Registration order defines the restore order:
// a type must be registered after every type its handles parent on.
func (r *Registry) Register(d *Descriptor) {
	r.byType[d.Type] = d
	r.order = append(r.order, d.Type)
}

// Lookup returns the descriptor for a type, nil when unregistered.
func (r *Registry) Lookup(t ResourceType) *Descriptor { return r.byType[t] }

func (r *Registry) lookup(t ResourceType) *Descriptor { return r.byType[t] }

// RestoreOrder returns the resource types in parent-before-child order.
func (r *Registry) RestoreOrder() []ResourceType {
	out := make([]ResourceType, len(r.order))
	copy(out, r.order)
	return out
}
