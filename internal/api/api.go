// Package api defines the work elements that flow through the per-client
// pipeline: API-context QEs built by the RPC frontend, command QEs carrying
// control-plane operations, and the registry of per-API metadata the parser
// and worker dispatch through.
package api

import (
	"encoding/binary"

	"go.uber.org/zap"

	"github.com/remoralabs/remora/internal/device"
	"github.com/remoralabs/remora/internal/handle"
	"github.com/remoralabs/remora/internal/retcode"
)

// ParamKind tags one parameter of a remoted call as it appears on the wire.
type ParamKind uint8

const (
	ParamValue ParamKind = iota
	ParamBufferIn
	ParamBufferInout
	ParamBufferOut
	ParamHandleRef
)

// ParamDesc describes one parameter of a remoted call.
type ParamDesc struct {
	Kind ParamKind
	// Size is the declared byte size; for ParamBufferOut no payload is
	// shipped and Size tells the worker how much to produce.
	Size uint64
	Data []byte
}

// Value builds a ParamDesc holding a little-endian scalar.
func Value(v uint64, size int) ParamDesc {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return ParamDesc{Kind: ParamValue, Size: uint64(size), Data: append([]byte(nil), buf[:size]...)}
}

// HandleRefParam builds a ParamDesc referencing a client-side address.
func HandleRefParam(clientAddr uint64) ParamDesc {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], clientAddr)
	return ParamDesc{Kind: ParamHandleRef, Size: 8, Data: append([]byte(nil), buf[:]...)}
}

// BufferIn builds a ParamDesc shipping client bytes to the server.
func BufferIn(data []byte) ParamDesc {
	return ParamDesc{Kind: ParamBufferIn, Size: uint64(len(data)), Data: data}
}

// HandleRef is a handle resolved during parse, carried on the QE for the
// worker. ParamIndex records which parameter (or, for kernel launches, which
// kernel argument) the handle came from; Offset is the byte offset of the
// referenced address inside the resource.
type HandleRef struct {
	Handle     *handle.Handle
	ParamIndex int
	Offset     uint64
}

// Context is an in-flight API call: the unit of work flowing rpc → parser →
// worker → completion.
type Context struct {
	APIID      uint64
	ClientUUID uint64
	// InstPC is the call's position in the client's instruction stream,
	// monotonic per client.
	InstPC uint64

	Params []ParamDesc

	// Handle sets resolved during parse. A QE handed to the worker has every
	// reference resolved to server-side handle pointers.
	Inputs  []HandleRef
	Outputs []HandleRef
	InOuts  []HandleRef
	Creates []HandleRef
	Deletes []HandleRef

	// RetData receives device→host output; its length is the declared
	// return size.
	RetData []byte
	// RetCode is the device-native return code the client observes.
	RetCode device.Errno
	// Status is the runtime-internal disposition of the call.
	Status retcode.Code

	CreateTick uint64
	ReturnTick uint64
}

// ParamU64 reads parameter i as a little-endian scalar, zero-extended.
func (c *Context) ParamU64(i int) uint64 {
	d := c.Params[i].Data
	var buf [8]byte
	copy(buf[:], d)
	return binary.LittleEndian.Uint64(buf[:])
}

// ParamU32 reads parameter i as a 32-bit scalar.
func (c *Context) ParamU32(i int) uint32 {
	return uint32(c.ParamU64(i))
}

// ParamI32 reads parameter i as a signed 32-bit scalar.
func (c *Context) ParamI32(i int) int32 {
	return int32(c.ParamU32(i))
}

// ParamBytes returns the raw payload of parameter i.
func (c *Context) ParamBytes(i int) []byte {
	return c.Params[i].Data
}

// NbParams reports the parameter count.
func (c *Context) NbParams() int { return len(c.Params) }

// Fail records a parser-side failure so the QE can short-circuit to the
// completion queue without engaging the worker.
func (c *Context) Fail(code retcode.Code) retcode.Code {
	c.Status = code
	c.RetCode = device.ErrInvalidValue
	return code
}

// Input, Output, InOut, Create, Delete return the n-th resolved handle of the
// corresponding set, nil when absent.

func pick(refs []HandleRef, n int) *handle.Handle {
	if n < 0 || n >= len(refs) {
		return nil
	}
	return refs[n].Handle
}

func (c *Context) Input(n int) *handle.Handle  { return pick(c.Inputs, n) }
func (c *Context) Output(n int) *handle.Handle { return pick(c.Outputs, n) }
func (c *Context) InOut(n int) *handle.Handle  { return pick(c.InOuts, n) }
func (c *Context) Create(n int) *handle.Handle { return pick(c.Creates, n) }
func (c *Context) Delete(n int) *handle.Handle { return pick(c.Deletes, n) }

// AllHandles yields every handle attached to the QE.
func (c *Context) AllHandles() []*handle.Handle {
	var out []*handle.Handle
	for _, set := range [][]HandleRef{c.Inputs, c.Outputs, c.InOuts, c.Creates, c.Deletes} {
		for _, r := range set {
			out = append(out, r.Handle)
		}
	}
	return out
}

// ParseEnv is the parser-side view of a client handed to parse functions.
type ParseEnv interface {
	Manager(rt handle.ResourceType) *handle.Manager
	NextVertexID() uint64
	Log() *zap.Logger
}

// LaunchEnv is the worker-side view of a client handed to launch functions.
type LaunchEnv interface {
	Driver() device.Driver
	// WorkerStream returns the worker's private device stream, created
	// lazily on first use.
	WorkerStream() (uint64, device.Errno)
	Log() *zap.Logger
}

// ParseFunc validates arguments, resolves handle references and records
// resource effects on the QE.
type ParseFunc func(env ParseEnv, qe *Context) retcode.Code

// LaunchFunc executes the real device call and fills the QE's return buffer.
// The device-native result goes to qe.RetCode; the returned code reports
// runtime-internal failures only.
type LaunchFunc func(env LaunchEnv, qe *Context) retcode.Code

// Type classifies an API by its resource effect.
type Type uint8

const (
	TypeGetResource Type = iota
	TypeCreateResource
	TypeDeleteResource
	TypeSetResource
)

// ResourceEffect names one parameter that creates/deletes/gets/sets a typed
// resource, mirroring the code-gen support file entries.
type ResourceEffect struct {
	ParamIndex uint16
	Type       handle.ResourceType
}

// Meta is the per-API metadata the pipeline dispatches through.
type Meta struct {
	ID     uint64
	Name   string
	Type   Type
	IsSync bool

	CreateResources []ResourceEffect
	DeleteResources []ResourceEffect
	GetResources    []ResourceEffect
	SetResources    []ResourceEffect

	Parse  ParseFunc
	Launch LaunchFunc
}

// Registry maps API ids to their metadata.
type Registry struct {
	byID map[uint64]*Meta
}

// NewRegistry creates an empty API registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[uint64]*Meta)}
}

// Register adds one API. Later registrations of the same id win, matching
// customized stubs overriding generated ones.
func (r *Registry) Register(m *Meta) { r.byID[m.ID] = m }

// Lookup returns the metadata for an API id, nil when unknown.
func (r *Registry) Lookup(id uint64) *Meta { return r.byID[id] }

// Name resolves an API id to its name for logging and metrics.
func (r *Registry) Name(id uint64) string {
	if m := r.byID[id]; m != nil {
		return m.Name
	}
	return "unknown"
}
