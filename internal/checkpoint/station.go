// Package checkpoint implements the per-client checkpoint station: an
// ordered chunk list that collapses into an image file or streams to a
// migration peer. Chunks are lz4-block-compressed on disk.
package checkpoint

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/pierrec/lz4/v4"
)

// Station accumulates checkpoint data chunks in enqueue order.
type Station struct {
	chunks   [][]byte
	byteSize uint64
}

// NewStation creates an empty station.
func NewStation() *Station { return &Station{} }

// Clear drops all recorded chunks.
func (s *Station) Clear() {
	s.chunks = nil
	s.byteSize = 0
}

// LoadValue appends one little-endian scalar chunk.
func (s *Station) LoadValue(v uint64) {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	s.LoadMem(buf)
}

// LoadMem appends a raw byte chunk. The slice is retained.
func (s *Station) LoadMem(area []byte) {
	s.chunks = append(s.chunks, area)
	s.byteSize += uint64(len(area))
}

// ByteSize reports the total payload bytes loaded.
func (s *Station) ByteSize() uint64 { return s.byteSize }

// NbChunks reports the chunk count.
func (s *Station) NbChunks() int { return len(s.chunks) }

// Collapse concatenates every chunk in order.
func (s *Station) Collapse() []byte {
	out := make([]byte, 0, s.byteSize)
	for _, c := range s.chunks {
		out = append(out, c...)
	}
	return out
}

// frame header: raw length, compressed length (zero = stored raw).
const frameHeaderSize = 16

// WriteTo streams the station as lz4-framed chunks.
func (s *Station) WriteTo(w io.Writer) (int64, error) {
	var written int64
	for _, chunk := range s.chunks {
		comp := make([]byte, lz4.CompressBlockBound(len(chunk)))
		n, err := lz4.CompressBlock(chunk, comp, nil)
		var hdr [frameHeaderSize]byte
		binary.LittleEndian.PutUint64(hdr[:], uint64(len(chunk)))
		if err != nil || n == 0 || n >= len(chunk) {
			// incompressible chunk, store raw
			binary.LittleEndian.PutUint64(hdr[8:], 0)
			if _, err := w.Write(hdr[:]); err != nil {
				return written, err
			}
			written += frameHeaderSize
			m, err := w.Write(chunk)
			written += int64(m)
			if err != nil {
				return written, err
			}
			continue
		}
		binary.LittleEndian.PutUint64(hdr[8:], uint64(n))
		if _, err := w.Write(hdr[:]); err != nil {
			return written, err
		}
		written += frameHeaderSize
		m, err := w.Write(comp[:n])
		written += int64(m)
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// CollapseToFile dumps the station to a binary image file.
func (s *Station) CollapseToFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint image: %w", err)
	}
	defer f.Close()
	if _, err := s.WriteTo(f); err != nil {
		return fmt.Errorf("failed to write checkpoint image: %w", err)
	}
	return f.Sync()
}

// ReadImage loads an image produced by CollapseToFile, returning the
// concatenated chunk payloads.
func ReadImage(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint image: %w", err)
	}
	return Decode(data)
}

// Decode unpacks a framed image into the concatenated payload bytes.
func Decode(data []byte) ([]byte, error) {
	var out []byte
	for off := 0; off < len(data); {
		if off+frameHeaderSize > len(data) {
			return nil, fmt.Errorf("truncated chunk header at offset %d", off)
		}
		rawLen := binary.LittleEndian.Uint64(data[off:])
		compLen := binary.LittleEndian.Uint64(data[off+8:])
		off += frameHeaderSize
		if compLen == 0 {
			if off+int(rawLen) > len(data) {
				return nil, fmt.Errorf("truncated raw chunk at offset %d", off)
			}
			out = append(out, data[off:off+int(rawLen)]...)
			off += int(rawLen)
			continue
		}
		if off+int(compLen) > len(data) {
			return nil, fmt.Errorf("truncated compressed chunk at offset %d", off)
		}
		raw := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(data[off:off+int(compLen)], raw)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress chunk: %w", err)
		}
		out = append(out, raw[:n]...)
		off += int(compLen)
	}
	return out, nil
}
