package handle

import (
	"sort"

	"github.com/remoralabs/remora/internal/retcode"
)

// ckptSlot is one captured version of a resource's state.
type ckptSlot struct {
	version  uint64
	data     []byte
	streamID uint64
}

// Allocator obtains a buffer for a checkpoint copy. Memory handles use a
// pinned-host allocator in a cgo build; the default is a plain make.
type Allocator func(size uint64) []byte

// CheckpointBag is the versioned per-handle store of replayable state.
type CheckpointBag struct {
	slots []ckptSlot // sorted by version, ascending
	alloc Allocator
}

// NewCheckpointBag creates a bag using the given allocator, or the default
// host allocator when nil.
func NewCheckpointBag(alloc Allocator) *CheckpointBag {
	if alloc == nil {
		alloc = func(size uint64) []byte { return make([]byte, size) }
	}
	return &CheckpointBag{alloc: alloc}
}

// Alloc returns a buffer sized for one checkpoint copy.
func (b *CheckpointBag) Alloc(size uint64) []byte { return b.alloc(size) }

// Set records data as the state at the given version, replacing any previous
// capture of the same version.
func (b *CheckpointBag) Set(version uint64, data []byte, streamID uint64) {
	i := sort.Search(len(b.slots), func(i int) bool { return b.slots[i].version >= version })
	if i < len(b.slots) && b.slots[i].version == version {
		b.slots[i].data = data
		b.slots[i].streamID = streamID
		return
	}
	b.slots = append(b.slots, ckptSlot{})
	copy(b.slots[i+1:], b.slots[i:])
	b.slots[i] = ckptSlot{version: version, data: data, streamID: streamID}
}

// GetLatest returns the newest version, NotReady when the bag is empty.
func (b *CheckpointBag) GetLatest() (version uint64, data []byte, code retcode.Code) {
	if len(b.slots) == 0 {
		return 0, nil, retcode.NotReady
	}
	s := b.slots[len(b.slots)-1]
	return s.version, s.data, retcode.Success
}

// Get returns the state captured at an exact version.
func (b *CheckpointBag) Get(version uint64) ([]byte, retcode.Code) {
	i := sort.Search(len(b.slots), func(i int) bool { return b.slots[i].version >= version })
	if i < len(b.slots) && b.slots[i].version == version {
		return b.slots[i].data, retcode.Success
	}
	return nil, retcode.NotExist
}

// InvalidateLatest drops the newest version after an async conflict.
func (b *CheckpointBag) InvalidateLatest() retcode.Code {
	if len(b.slots) == 0 {
		return retcode.NotReady
	}
	b.slots = b.slots[:len(b.slots)-1]
	return retcode.Success
}

// Versions returns all recorded versions in ascending order.
func (b *CheckpointBag) Versions() []uint64 {
	out := make([]uint64, len(b.slots))
	for i, s := range b.slots {
		out[i] = s.version
	}
	return out
}

// Len reports the number of stored versions.
func (b *CheckpointBag) Len() int { return len(b.slots) }
