package handle

import (
	"encoding/binary"
	"fmt"
)

// Writer accumulates the fixed-order little-endian wire format used for
// checkpoint images and migration frames.
type Writer struct {
	buf []byte
}

// NewWriter creates an empty writer.
func NewWriter() *Writer { return &Writer{} }

// Bytes returns the accumulated serialization.
func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) U64(v uint64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

func (w *Writer) U32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

func (w *Writer) Bool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
}

func (w *Writer) Raw(p []byte) {
	w.buf = append(w.buf, p...)
}

// Str writes a length-prefixed string.
func (w *Writer) Str(s string) {
	w.U64(uint64(len(s)))
	w.buf = append(w.buf, s...)
}

// Blob writes a length-prefixed byte slice.
func (w *Writer) Blob(p []byte) {
	w.U64(uint64(len(p)))
	w.buf = append(w.buf, p...)
}

// Reader consumes the format produced by Writer.
type Reader struct {
	buf []byte
	off int
}

// NewReader wraps data for reading.
func NewReader(data []byte) *Reader { return &Reader{buf: data} }

// Remaining reports unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

func (r *Reader) take(n int) ([]byte, error) {
	if r.off+n > len(r.buf) {
		return nil, fmt.Errorf("truncated serialization: need %d bytes, %d left", n, len(r.buf)-r.off)
	}
	p := r.buf[r.off : r.off+n]
	r.off += n
	return p, nil
}

func (r *Reader) U64() (uint64, error) {
	p, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(p), nil
}

func (r *Reader) U32() (uint32, error) {
	p, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(p), nil
}

func (r *Reader) Bool() (bool, error) {
	p, err := r.take(1)
	if err != nil {
		return false, err
	}
	return p[0] != 0, nil
}

func (r *Reader) Raw(n int) ([]byte, error) {
	p, err := r.take(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, p)
	return out, nil
}

func (r *Reader) Str() (string, error) {
	n, err := r.U64()
	if err != nil {
		return "", err
	}
	p, err := r.take(int(n))
	if err != nil {
		return "", err
	}
	return string(p), nil
}

func (r *Reader) Blob() ([]byte, error) {
	n, err := r.U64()
	if err != nil {
		return nil, err
	}
	return r.Raw(int(n))
}

// Serialize writes the handle's basic header followed by the type-specific
// extra fields. The checkpointed state is the bag's latest version; when no
// device checkpoint exists, the newest cached host value stands in.
func (h *Handle) Serialize(w *Writer) {
	w.U64(uint64(h.ResourceType))
	w.U64(h.ClientAddr)
	w.U64(h.ServerAddr)
	w.U64(uint64(len(h.Parents)))
	for _, p := range h.Parents {
		w.U64(p.DAGVertexID)
	}
	w.U64(h.DAGVertexID)
	w.U64(h.Size)
	w.U64(h.StateSize)

	var (
		ckptVersion uint64
		ckptData    []byte
	)
	if h.Bag != nil {
		if v, data, code := h.Bag.GetLatest(); code.OK() {
			ckptVersion, ckptData = v, data
		}
	}
	if ckptData == nil {
		if pc, val, ok := h.LatestHostValue(); ok {
			ckptVersion, ckptData = pc, val
		}
	}
	w.U64(ckptVersion)
	w.U64(uint64(len(ckptData)))
	w.Raw(ckptData)

	if desc := h.mgr.registry.lookup(h.ResourceType); desc != nil && desc.SerializeExtra != nil {
		desc.SerializeExtra(h, w)
	}
}

// Deserialize reads one handle record, returning the re-created handle (in
// CreatePending state, unbound to any manager) and the vertex ids of its
// parents for rebinding once every handle of the image exists.
func Deserialize(r *Reader, registry *Registry) (*Handle, []uint64, error) {
	rt, err := r.U64()
	if err != nil {
		return nil, nil, err
	}
	h := &Handle{
		ResourceType: ResourceType(rt),
		Status:       StatusCreatePending,
	}
	if h.ClientAddr, err = r.U64(); err != nil {
		return nil, nil, err
	}
	// The serialized server address belongs to the source device; restore()
	// replaces it with a fresh one.
	if h.ServerAddr, err = r.U64(); err != nil {
		return nil, nil, err
	}
	nbParents, err := r.U64()
	if err != nil {
		return nil, nil, err
	}
	parents := make([]uint64, nbParents)
	for i := range parents {
		if parents[i], err = r.U64(); err != nil {
			return nil, nil, err
		}
	}
	if h.DAGVertexID, err = r.U64(); err != nil {
		return nil, nil, err
	}
	if h.Size, err = r.U64(); err != nil {
		return nil, nil, err
	}
	if h.StateSize, err = r.U64(); err != nil {
		return nil, nil, err
	}
	ckptVersion, err := r.U64()
	if err != nil {
		return nil, nil, err
	}
	ckptSize, err := r.U64()
	if err != nil {
		return nil, nil, err
	}
	ckptData, err := r.Raw(int(ckptSize))
	if err != nil {
		return nil, nil, err
	}

	desc := registry.Lookup(h.ResourceType)
	if desc == nil {
		return nil, nil, fmt.Errorf("unregistered resource type %d", rt)
	}
	if ckptSize > 0 {
		if desc.InitBag != nil {
			desc.InitBag(h)
		} else {
			h.Bag = NewCheckpointBag(nil)
		}
		h.Bag.Set(ckptVersion, ckptData, 0)
	}
	if desc.NewExtra != nil {
		h.Extra = desc.NewExtra()
	}
	if desc.DeserializeExtra != nil {
		if err := desc.DeserializeExtra(h, r); err != nil {
			return nil, nil, err
		}
	}
	return h, parents, nil
}
