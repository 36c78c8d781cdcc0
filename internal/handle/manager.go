package handle

import (
	"sort"

	"go.uber.org/zap"

	"github.com/remoralabs/remora/internal/retcode"
)

// Manager owns all handles of a single resource type for one client: the
// handle vector, the ordered client-addr map used for range lookups, the
// archive of deleted addresses, and the modified set driving incremental
// checkpoints.
//
// A manager is touched only by its client's parser and worker, which run on
// one serial pipeline, so no internal locking is needed.
type Manager struct {
	resourceType ResourceType
	passthrough  bool
	registry     *Registry
	log          *zap.Logger

	basePtr uint64
	handles []*Handle

	// addrs is kept sorted; addrMap resolves exact bases. Together they give
	// log-time greatest-lower-bound lookups.
	addrs   []uint64
	addrMap map[uint64]*Handle

	deleted  map[uint64]*Handle
	modified map[*Handle]struct{}

	// LatestUsed tracks the most recently selected handle, e.g. the current
	// device for APIs that imply one.
	LatestUsed *Handle
}

// NewManager creates a manager for one resource type. The registry supplies
// the type's descriptor for dispatch during restore and serialization.
func NewManager(rt ResourceType, registry *Registry, log *zap.Logger) *Manager {
	desc := registry.Lookup(rt)
	passthrough := desc != nil && desc.Passthrough
	return &Manager{
		resourceType: rt,
		passthrough:  passthrough,
		registry:     registry,
		log:          log.Named("hmgr").With(zap.Uint64("resource_type", uint64(rt))),
		basePtr:      MockAddrBase,
		addrMap:      make(map[uint64]*Handle),
		deleted:      make(map[uint64]*Handle),
		modified:     make(map[*Handle]struct{}),
	}
}

// ResourceType returns the type this manager owns.
func (m *Manager) ResourceType() ResourceType { return m.resourceType }

// Passthrough reports whether this manager's resources share client- and
// server-side addresses.
func (m *Manager) Passthrough() bool { return m.passthrough }

// NbHandles reports the number of recorded handles.
func (m *Manager) NbHandles() int { return len(m.handles) }

// HandleByIndex returns the i-th recorded handle, nil when out of range.
func (m *Manager) HandleByIndex(i int) *Handle {
	if i < 0 || i >= len(m.handles) {
		return nil
	}
	return m.handles[i]
}

// Handles returns the handle vector.
func (m *Manager) Handles() []*Handle { return m.handles }

// ByVertexID finds a handle by its DAG vertex id.
func (m *Manager) ByVertexID(id uint64) *Handle {
	for _, h := range m.handles {
		if h.DAGVertexID == id {
			return h
		}
	}
	return nil
}

// RelatedHandles types the optional helper handles passed to allocation,
// keyed by their resource type (a Function allocation carries its Module).
type RelatedHandles map[ResourceType][]*Handle

// AllocateMocked constructs a new handle in CreatePending state. For
// non-passthrough types the manager assigns the next mock address (or honors
// expectedAddr by moving the base pointer) and records it in the address map;
// passthrough handles receive their address later via SetPassthroughAddr.
// Returns Drain when the mock range cannot fit the request.
func (m *Manager) AllocateMocked(related RelatedHandles, size, expectedAddr, stateSize uint64) (*Handle, retcode.Code) {
	h := &Handle{
		ResourceType: m.resourceType,
		Status:       StatusCreatePending,
		Size:         size,
		StateSize:    stateSize,
		mgr:          m,
	}

	if !m.passthrough {
		if expectedAddr != 0 {
			m.basePtr = expectedAddr
		}
		if MockAddrEnd-m.basePtr < size {
			m.log.Warn("mock address range exhausted",
				zap.Uint64("requested", size),
				zap.Uint64("left", MockAddrEnd-m.basePtr))
			return nil, retcode.Drain
		}
		h.ClientAddr = m.basePtr
		if code := m.recordHandleAddress(m.basePtr, h); !code.OK() {
			return nil, code
		}
		m.basePtr += size
	}

	m.handles = append(m.handles, h)
	return h, retcode.Success
}

// recordHandleAddress inserts addr into the ordered address map. Duplicate
// recordings resolve to the existing entry; some types record the same
// server handle on purpose (functions looked up twice).
func (m *Manager) recordHandleAddress(addr uint64, h *Handle) retcode.Code {
	if _, _, code := m.lookup(addr); code.OK() {
		return retcode.Success
	}
	i := sort.Search(len(m.addrs), func(i int) bool { return m.addrs[i] >= addr })
	m.addrs = append(m.addrs, 0)
	copy(m.addrs[i+1:], m.addrs[i:])
	m.addrs[i] = addr
	m.addrMap[addr] = h
	return retcode.Success
}

func (m *Manager) removeAddress(addr uint64) {
	if _, ok := m.addrMap[addr]; !ok {
		return
	}
	i := sort.Search(len(m.addrs), func(i int) bool { return m.addrs[i] >= addr })
	if i < len(m.addrs) && m.addrs[i] == addr {
		m.addrs = append(m.addrs[:i], m.addrs[i+1:]...)
	}
	delete(m.addrMap, addr)
}

// lookup is the raw ordered-map query: exact hit or greatest lower bound with
// a half-open interval check.
func (m *Manager) lookup(addr uint64) (*Handle, uint64, retcode.Code) {
	if h, ok := m.addrMap[addr]; ok {
		return h, 0, retcode.Success
	}
	i := sort.Search(len(m.addrs), func(i int) bool { return m.addrs[i] > addr })
	if i == 0 {
		return nil, 0, retcode.NotExist
	}
	h := m.addrMap[m.addrs[i-1]]
	if off, ok := h.InRange(addr); ok {
		return h, off, retcode.Success
	}
	return nil, 0, retcode.NotExist
}

// GetByClientAddr resolves a client-side address to its handle and the offset
// inside the resource. Deleted and DeletePending handles are never returned;
// they left the map when their status was marked.
func (m *Manager) GetByClientAddr(addr uint64) (*Handle, uint64, retcode.Code) {
	return m.lookup(addr)
}

// GetDeletedByClientAddr consults the deleted-address archive, used for
// diagnostics and late in-flight operations.
func (m *Manager) GetDeletedByClientAddr(addr uint64) (*Handle, retcode.Code) {
	if h, ok := m.deleted[addr]; ok {
		return h, retcode.Success
	}
	return nil, retcode.NotExist
}

// MarkStatus performs the handle status transitions. DeletePending and
// Deleted atomically move the map entry into the deleted archive so lookups
// stop resolving the handle.
func (m *Manager) MarkStatus(h *Handle, s Status) {
	switch s {
	case StatusActive:
		// A restored handle re-enters the address map it left when it was
		// marked for deletion; Broken handles never leave the map.
		if h.ClientAddr != 0 {
			if _, ok := m.addrMap[h.ClientAddr]; !ok {
				delete(m.deleted, h.ClientAddr)
				m.recordHandleAddress(h.ClientAddr, h)
			}
		}
	case StatusDeletePending, StatusDeleted:
		if _, ok := m.addrMap[h.ClientAddr]; ok {
			if s == StatusDeleted {
				m.log.Warn("handle still in address map when marked deleted",
					zap.Uint64("client_addr", h.ClientAddr))
			}
			m.deleted[h.ClientAddr] = h
			m.removeAddress(h.ClientAddr)
		}
		delete(m.modified, h)
	}
	h.Status = s
	m.log.Debug("marked handle status",
		zap.String("status", s.String()),
		zap.Uint64("client_addr", h.ClientAddr),
		zap.Uint64("server_addr", h.ServerAddr))
}

// RecordModified adds a handle to the modified-since-last-checkpoint set.
func (m *Manager) RecordModified(h *Handle) {
	m.modified[h] = struct{}{}
}

// ModifiedHandles returns the current modified set.
func (m *Manager) ModifiedHandles() []*Handle {
	out := make([]*Handle, 0, len(m.modified))
	for h := range m.modified {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientAddr < out[j].ClientAddr })
	return out
}

// DrainModified returns the modified set and clears it.
func (m *Manager) DrainModified() []*Handle {
	out := m.ModifiedHandles()
	m.modified = make(map[*Handle]struct{})
	return out
}

// ClearModified empties the modified set.
func (m *Manager) ClearModified() {
	m.modified = make(map[*Handle]struct{})
}

// Adopt registers an externally constructed handle (deserialized during
// restore) with this manager, recording its address when present.
func (m *Manager) Adopt(h *Handle) retcode.Code {
	h.mgr = m
	m.handles = append(m.handles, h)
	if h.ClientAddr != 0 {
		if code := m.recordHandleAddress(h.ClientAddr, h); !code.OK() {
			return code
		}
		// keep later allocations clear of restored addresses
		if !m.passthrough && h.ClientAddr+h.Size > m.basePtr {
			m.basePtr = h.ClientAddr + h.Size
		}
	}
	return retcode.Success
}
