// Package cuda binds the generic resource virtualization layer to CUDA-class
// resources: the resource type tags, the per-type extra payloads, the
// descriptor table driving restore/checkpoint/serialization, and the
// representative set of remoted API stubs.
package cuda

import (
	"github.com/remoralabs/remora/internal/handle"
)

// Resource type tags. Registration order in NewRegistry is the restore order,
// so parents precede children.
const (
	ResourceUnknown handle.ResourceType = iota
	ResourceDevice
	ResourceContext
	ResourceModule
	ResourceFunction
	ResourceVar
	ResourceStream
	ResourceEvent
	ResourceMemory
	ResourceBlasContext
)

// ResourceTypeName resolves a type tag for logging and the support files.
func ResourceTypeName(rt handle.ResourceType) string {
	switch rt {
	case ResourceDevice:
		return "cuda_device"
	case ResourceContext:
		return "cuda_context"
	case ResourceModule:
		return "cuda_module"
	case ResourceFunction:
		return "cuda_function"
	case ResourceVar:
		return "cuda_var"
	case ResourceStream:
		return "cuda_stream"
	case ResourceEvent:
		return "cuda_event"
	case ResourceMemory:
		return "cuda_memory"
	case ResourceBlasContext:
		return "cublas_context"
	default:
		return "unknown"
	}
}

// DeviceExtra is the payload of a Device handle, an index holder.
type DeviceExtra struct {
	DeviceID int32
}

// ModuleExtra carries the fatbin image the client shipped inline, kept so the
// module can be re-loaded on restore and on the migration target.
type ModuleExtra struct {
	Image []byte
}

// VarExtra names a module-scope variable for re-resolution on restore.
type VarExtra struct {
	Name string
}

// EventExtra preserves creation flags for replay.
type EventExtra struct {
	Flags uint32
}

// SuspiciousParam is a confirmed pointer hidden inside a non-pointer kernel
// parameter: the parameter index and the pointer's offset inside the value.
type SuspiciousParam struct {
	Index  uint32
	Offset uint64
}

// FunctionExtra is the kernel metadata serialized into Function handles so a
// checkpoint can re-bind and re-launch the kernel after restore.
type FunctionExtra struct {
	Name string

	NbParams     uint32
	ParamOffsets []uint32
	ParamSizes   []uint32

	// Kernel parameter indices that are device pointers, split by direction.
	InputPointerParams  []uint32
	InoutPointerParams  []uint32
	OutputPointerParams []uint32

	// Non-pointer parameters that may embed pointers in their values, and
	// the confirmed refinement after verification.
	SuspiciousParams          []uint32
	HasVerifiedParams         bool
	ConfirmedSuspiciousParams []SuspiciousParam

	CbankParamSize uint64
}

// PointerParams returns every kernel parameter index carrying a device
// pointer, in direction order.
func (f *FunctionExtra) PointerParams() []uint32 {
	out := make([]uint32, 0, len(f.InputPointerParams)+len(f.InoutPointerParams)+len(f.OutputPointerParams))
	out = append(out, f.InputPointerParams...)
	out = append(out, f.InoutPointerParams...)
	out = append(out, f.OutputPointerParams...)
	return out
}

// EncodeFunctionMeta packs kernel metadata into the blob the shim ships with
// module-get-function calls. The layout doubles as the Function handle's
// serialized extra, so checkpoints round-trip through the same code.
func EncodeFunctionMeta(f *FunctionExtra) []byte {
	w := handle.NewWriter()
	writeFunctionMeta(w, f)
	return w.Bytes()
}

// DecodeFunctionMeta is the inverse of EncodeFunctionMeta.
func DecodeFunctionMeta(data []byte) (*FunctionExtra, error) {
	return readFunctionMeta(handle.NewReader(data))
}

func writeFunctionMeta(w *handle.Writer, f *FunctionExtra) {
	w.Str(f.Name)
	w.U32(f.NbParams)
	for i := uint32(0); i < f.NbParams; i++ {
		w.U32(f.ParamOffsets[i])
	}
	for i := uint32(0); i < f.NbParams; i++ {
		w.U32(f.ParamSizes[i])
	}
	writeIdxList := func(l []uint32) {
		w.U64(uint64(len(l)))
		for _, v := range l {
			w.U32(v)
		}
	}
	writeIdxList(f.InputPointerParams)
	writeIdxList(f.InoutPointerParams)
	writeIdxList(f.OutputPointerParams)
	writeIdxList(f.SuspiciousParams)
	w.Bool(f.HasVerifiedParams)
	w.U64(uint64(len(f.ConfirmedSuspiciousParams)))
	for _, sp := range f.ConfirmedSuspiciousParams {
		w.U32(sp.Index)
		w.U64(sp.Offset)
	}
	w.U64(f.CbankParamSize)
}

func readFunctionMeta(r *handle.Reader) (*FunctionExtra, error) {
	f := &FunctionExtra{}
	var err error
	if f.Name, err = r.Str(); err != nil {
		return nil, err
	}
	if f.NbParams, err = r.U32(); err != nil {
		return nil, err
	}
	f.ParamOffsets = make([]uint32, f.NbParams)
	for i := range f.ParamOffsets {
		if f.ParamOffsets[i], err = r.U32(); err != nil {
			return nil, err
		}
	}
	f.ParamSizes = make([]uint32, f.NbParams)
	for i := range f.ParamSizes {
		if f.ParamSizes[i], err = r.U32(); err != nil {
			return nil, err
		}
	}
	readIdxList := func() ([]uint32, error) {
		n, err := r.U64()
		if err != nil {
			return nil, err
		}
		l := make([]uint32, n)
		for i := range l {
			if l[i], err = r.U32(); err != nil {
				return nil, err
			}
		}
		return l, nil
	}
	if f.InputPointerParams, err = readIdxList(); err != nil {
		return nil, err
	}
	if f.InoutPointerParams, err = readIdxList(); err != nil {
		return nil, err
	}
	if f.OutputPointerParams, err = readIdxList(); err != nil {
		return nil, err
	}
	if f.SuspiciousParams, err = readIdxList(); err != nil {
		return nil, err
	}
	if f.HasVerifiedParams, err = r.Bool(); err != nil {
		return nil, err
	}
	nbConfirmed, err := r.U64()
	if err != nil {
		return nil, err
	}
	f.ConfirmedSuspiciousParams = make([]SuspiciousParam, nbConfirmed)
	for i := range f.ConfirmedSuspiciousParams {
		if f.ConfirmedSuspiciousParams[i].Index, err = r.U32(); err != nil {
			return nil, err
		}
		if f.ConfirmedSuspiciousParams[i].Offset, err = r.U64(); err != nil {
			return nil, err
		}
	}
	if f.CbankParamSize, err = r.U64(); err != nil {
		return nil, err
	}
	return f, nil
}
