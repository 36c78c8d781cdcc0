package oob

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// envelope frames one request or reply on the wire.
type envelope struct {
	ID      uint16 `msgpack:"id"`
	Payload []byte `msgpack:"payload"`
	Error   string `msgpack:"error,omitempty"`
}

const maxMessageSize = 16 << 20

func writeMessage(w io.Writer, env *envelope) error {
	payload, err := msgpack.Marshal(env)
	if err != nil {
		return err
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

func readMessage(r io.Reader) (*envelope, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxMessageSize {
		return nil, fmt.Errorf("oversized control message: %d bytes", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	var env envelope
	if err := msgpack.Unmarshal(payload, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// Handler serves one message id: raw request payload in, raw reply payload
// out.
type Handler func(payload []byte) ([]byte, error)

// Server is the workspace's control endpoint.
type Server struct {
	ln       net.Listener
	log      *zap.Logger
	handlers map[MsgID]Handler
}

// NewServer binds the control endpoint.
func NewServer(addr string, log *zap.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind oob server on %s: %w", addr, err)
	}
	return &Server{
		ln:       ln,
		log:      log.Named("oob"),
		handlers: make(map[MsgID]Handler),
	}, nil
}

// Handle registers the handler for one message id.
func (s *Server) Handle(id MsgID, h Handler) {
	s.handlers[id] = h
}

// Addr reports the bound address.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Serve accepts control connections until Close. Each connection may carry
// any number of request/reply exchanges.
func (s *Server) Serve() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	for {
		env, err := readMessage(conn)
		if err != nil {
			if err != io.EOF {
				s.log.Debug("control connection closed", zap.Error(err))
			}
			return
		}
		reply := &envelope{ID: env.ID}
		h, ok := s.handlers[MsgID(env.ID)]
		if !ok {
			reply.Error = fmt.Sprintf("unknown message id %d", env.ID)
		} else if payload, err := h(env.Payload); err != nil {
			reply.Error = err.Error()
		} else {
			reply.Payload = payload
		}
		if err := writeMessage(conn, reply); err != nil {
			s.log.Warn("failed to write control reply", zap.Error(err))
			return
		}
	}
}

// Close stops accepting control connections.
func (s *Server) Close() error { return s.ln.Close() }

// Client calls the workspace's control endpoint.
type Client struct {
	addr string
}

// NewClient targets a control endpoint address.
func NewClient(addr string) *Client { return &Client{addr: addr} }

// Call performs one request/reply exchange, decoding the reply into resp
// when non-nil.
func (c *Client) Call(id MsgID, req, resp any) error {
	payload, err := msgpack.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	conn, err := net.Dial("tcp", c.addr)
	if err != nil {
		return fmt.Errorf("failed to dial control endpoint %s: %w", c.addr, err)
	}
	defer conn.Close()

	if err := writeMessage(conn, &envelope{ID: uint16(id), Payload: payload}); err != nil {
		return err
	}
	env, err := readMessage(conn)
	if err != nil {
		return err
	}
	if env.Error != "" {
		return errors.New(env.Error)
	}
	if resp != nil {
		if err := msgpack.Unmarshal(env.Payload, resp); err != nil {
			return fmt.Errorf("failed to decode reply: %w", err)
		}
	}
	return nil
}
