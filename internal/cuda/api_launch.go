package cuda

import (
	"encoding/binary"

	"github.com/remoralabs/remora/internal/api"
	"github.com/remoralabs/remora/internal/device"
	"github.com/remoralabs/remora/internal/retcode"
)

// MaxLaunchParams bounds the kernel argument count per launch.
const MaxLaunchParams = 64

func registerLaunchAPIs(r *api.Registry) {
	r.Register(&api.Meta{
		ID:   APICudaLaunchKernel,
		Name: "cudaLaunchKernel",
		Type: api.TypeSetResource,
		GetResources: []api.ResourceEffect{{ParamIndex: 0, Type: ResourceFunction}},
		Parse:        parseLaunchKernel,
		Launch:       launchLaunchKernel,
	})
}

// argHeaderSize is the shim-emitted prefix of the argument blob:
// a size_t skip header followed by one uint16 per parameter.
func argHeaderSize(nbParams uint32) int {
	return 8 + 2*int(nbParams)
}

// cudaLaunchKernel params:
//
//	0: function handle ref
//	1: grid dim, three uint32
//	2: block dim, three uint32
//	3: argument blob as emitted by the shim
//	4: shared memory bytes
func parseLaunchKernel(env api.ParseEnv, qe *api.Context) retcode.Code {
	if code := checkParams(qe, 5); !code.OK() {
		return code
	}
	fnRef, code := resolveRef(env, ResourceFunction, qe, 0)
	if !code.OK() {
		return code
	}
	fn, ok := fnRef.Handle.Extra.(*FunctionExtra)
	if !ok || fn.NbParams > MaxLaunchParams {
		return qe.Fail(retcode.InvalidInput)
	}
	qe.Inputs = append(qe.Inputs, fnRef)

	blob := qe.ParamBytes(3)
	hdr := argHeaderSize(fn.NbParams)
	if len(blob) < hdr {
		return qe.Fail(retcode.InvalidInput)
	}

	memMgr := env.Manager(ResourceMemory)
	resolvePtr := func(kernelParam uint32) (api.HandleRef, retcode.Code) {
		off := hdr + int(fn.ParamOffsets[kernelParam])
		if off+8 > len(blob) || fn.ParamSizes[kernelParam] != 8 {
			return api.HandleRef{}, qe.Fail(retcode.InvalidInput)
		}
		addr := binary.LittleEndian.Uint64(blob[off:])
		h, hOff, code := memMgr.GetByClientAddr(addr)
		if !code.OK() {
			return api.HandleRef{}, qe.Fail(retcode.NotExist)
		}
		return api.HandleRef{Handle: h, ParamIndex: int(kernelParam), Offset: hOff}, retcode.Success
	}

	for _, idx := range fn.InputPointerParams {
		ref, code := resolvePtr(idx)
		if !code.OK() {
			return code
		}
		qe.Inputs = append(qe.Inputs, ref)
	}
	for _, idx := range fn.InoutPointerParams {
		ref, code := resolvePtr(idx)
		if !code.OK() {
			return code
		}
		ref.Handle.Manager().RecordModified(ref.Handle)
		qe.InOuts = append(qe.InOuts, ref)
	}
	for _, idx := range fn.OutputPointerParams {
		ref, code := resolvePtr(idx)
		if !code.OK() {
			return code
		}
		ref.Handle.Manager().RecordModified(ref.Handle)
		qe.Outputs = append(qe.Outputs, ref)
	}
	return retcode.Success
}

func launchLaunchKernel(env api.LaunchEnv, qe *api.Context) retcode.Code {
	fnHandle := qe.Input(0)
	fn := fnHandle.Extra.(*FunctionExtra)

	blob := qe.ParamBytes(3)
	hdr := argHeaderSize(fn.NbParams)
	args := make([]byte, len(blob)-hdr)
	copy(args, blob[hdr:])

	// Substitute server-side addresses wherever the client wrote its mocked
	// pointers.
	substitute := func(refs []api.HandleRef, skip int) {
		for _, ref := range refs[skip:] {
			off := fn.ParamOffsets[ref.ParamIndex]
			binary.LittleEndian.PutUint64(args[off:], ref.Handle.ServerAddr+ref.Offset)
		}
	}
	substitute(qe.Inputs, 1) // Inputs[0] is the function itself
	substitute(qe.InOuts, 0)
	substitute(qe.Outputs, 0)

	argv := make([][]byte, fn.NbParams)
	for i := uint32(0); i < fn.NbParams; i++ {
		off := fn.ParamOffsets[i]
		argv[i] = args[off : off+fn.ParamSizes[i]]
	}

	stream, errno := env.WorkerStream()
	if errno != device.OK {
		qe.RetCode = errno
		return retcode.Success
	}
	qe.RetCode = env.Driver().LaunchKernel(
		fnHandle.ServerAddr,
		readDim3(qe.ParamBytes(1)),
		readDim3(qe.ParamBytes(2)),
		qe.ParamU64(4),
		stream,
		argv,
	)
	return retcode.Success
}

func readDim3(p []byte) device.Dim3 {
	var d device.Dim3
	if len(p) >= 12 {
		d.X = binary.LittleEndian.Uint32(p)
		d.Y = binary.LittleEndian.Uint32(p[4:])
		d.Z = binary.LittleEndian.Uint32(p[8:])
	}
	return d
}

// EncodeDim3 packs a launch dimension record the way the shim ships it.
func EncodeDim3(d device.Dim3) []byte {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf, d.X)
	binary.LittleEndian.PutUint32(buf[4:], d.Y)
	binary.LittleEndian.PutUint32(buf[8:], d.Z)
	return buf
}

// EncodeLaunchArgs builds the shim argument blob for a kernel: the skip
// header, per-parameter sizes, then each argument at its declared offset.
func EncodeLaunchArgs(fn *FunctionExtra, argValues [][]byte) []byte {
	hdr := argHeaderSize(fn.NbParams)
	total := hdr
	for i := uint32(0); i < fn.NbParams; i++ {
		if end := hdr + int(fn.ParamOffsets[i]+fn.ParamSizes[i]); end > total {
			total = end
		}
	}
	blob := make([]byte, total)
	binary.LittleEndian.PutUint64(blob, uint64(hdr))
	for i := uint32(0); i < fn.NbParams; i++ {
		binary.LittleEndian.PutUint16(blob[8+2*i:], uint16(fn.ParamSizes[i]))
		copy(blob[hdr+int(fn.ParamOffsets[i]):], argValues[i])
	}
	return blob
}
