// Package transport carries migration data between workspaces: length-framed
// msgpack messages over TCP.
package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/vmihailenco/msgpack/v5"
)

// FrameKind identifies one migration message.
type FrameKind uint8

const (
	FrameRemoteMallocReq FrameKind = iota + 1
	FrameRemoteMallocAck
	FrameHandleState
	FrameMemory
	FrameDone
	FrameError
)

// RemoteMallocEntry asks the target to allocate a device-memory twin.
type RemoteMallocEntry struct {
	ClientAddr uint64 `msgpack:"a"`
	Size       uint64 `msgpack:"s"`
}

// MemoryChunk ships the bytes behind one memory handle.
type MemoryChunk struct {
	ClientAddr uint64 `msgpack:"a"`
	Data       []byte `msgpack:"d"`
}

// Frame is the migration wire message.
type Frame struct {
	Kind FrameKind `msgpack:"k"`
	UUID uint64    `msgpack:"u"`

	Entries []RemoteMallocEntry `msgpack:"e,omitempty"`
	Mapping map[uint64]uint64   `msgpack:"m,omitempty"`
	Chunks  []MemoryChunk       `msgpack:"c,omitempty"`
	// State carries serialized handle records, the checkpoint-image layout.
	State    []byte `msgpack:"st,omitempty"`
	DoModule bool   `msgpack:"dm,omitempty"`
	Error    string `msgpack:"err,omitempty"`
}

// MaxFrameSize bounds a single frame; memory payloads are chunked beneath it.
const MaxFrameSize = 1 << 30

// Conn frames msgpack messages over a byte stream.
type Conn struct {
	rw io.ReadWriteCloser
}

// NewConn wraps an established stream.
func NewConn(rw io.ReadWriteCloser) *Conn { return &Conn{rw: rw} }

// Dial connects to a migration endpoint.
func Dial(addr string) (*Conn, error) {
	c, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial migration endpoint %s: %w", addr, err)
	}
	return NewConn(c), nil
}

// Send writes one frame.
func (c *Conn) Send(f *Frame) error {
	payload, err := msgpack.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(payload))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := c.rw.Write(hdr[:]); err != nil {
		return err
	}
	_, err = c.rw.Write(payload)
	return err
}

// Recv reads one frame.
func (c *Conn) Recv() (*Frame, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(c.rw, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("oversized frame: %d bytes", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(c.rw, payload); err != nil {
		return nil, err
	}
	var f Frame
	if err := msgpack.Unmarshal(payload, &f); err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	return &f, nil
}

// Close tears the stream down.
func (c *Conn) Close() error { return c.rw.Close() }

// Handler consumes one accepted migration connection.
type Handler func(conn *Conn)

// Listener accepts migration connections for a workspace.
type Listener struct {
	ln net.Listener
}

// Listen binds the migration endpoint.
func Listen(addr string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on migration endpoint %s: %w", addr, err)
	}
	return &Listener{ln: ln}, nil
}

// Addr reports the bound address.
func (l *Listener) Addr() string { return l.ln.Addr().String() }

// Serve accepts connections until the listener closes, handing each to h on
// its own goroutine.
func (l *Listener) Serve(h Handler) error {
	for {
		c, err := l.ln.Accept()
		if err != nil {
			return err
		}
		go h(NewConn(c))
	}
}

// Close stops accepting.
func (l *Listener) Close() error { return l.ln.Close() }
