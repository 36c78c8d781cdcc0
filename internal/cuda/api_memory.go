package cuda

import (
	"encoding/binary"

	"github.com/remoralabs/remora/internal/api"
	"github.com/remoralabs/remora/internal/device"
	"github.com/remoralabs/remora/internal/handle"
	"github.com/remoralabs/remora/internal/retcode"
)

func registerMemoryAPIs(r *api.Registry) {
	r.Register(&api.Meta{
		ID:     APICudaMalloc,
		Name:   "cudaMalloc",
		Type:   api.TypeCreateResource,
		IsSync: true,
		CreateResources: []api.ResourceEffect{
			{ParamIndex: 0, Type: ResourceMemory},
		},
		Parse:  parseCudaMalloc,
		Launch: launchCudaMalloc,
	})
	r.Register(&api.Meta{
		ID:     APICudaFree,
		Name:   "cudaFree",
		Type:   api.TypeDeleteResource,
		IsSync: true,
		DeleteResources: []api.ResourceEffect{
			{ParamIndex: 0, Type: ResourceMemory},
		},
		Parse:  parseCudaFree,
		Launch: launchCudaFree,
	})
	r.Register(&api.Meta{
		ID:   APICudaMemcpyH2D,
		Name: "cudaMemcpyH2D",
		Type: api.TypeSetResource, IsSync: true,
		SetResources: []api.ResourceEffect{{ParamIndex: 0, Type: ResourceMemory}},
		Parse:        parseMemcpyH2D,
		Launch:       launchMemcpyH2D,
	})
	r.Register(&api.Meta{
		ID:   APICudaMemcpyD2H,
		Name: "cudaMemcpyD2H",
		Type: api.TypeGetResource, IsSync: true,
		GetResources: []api.ResourceEffect{{ParamIndex: 0, Type: ResourceMemory}},
		Parse:        parseMemcpyD2H,
		Launch:       launchMemcpyD2H,
	})
	r.Register(&api.Meta{
		ID:   APICudaMemcpyD2D,
		Name: "cudaMemcpyD2D",
		Type: api.TypeSetResource, IsSync: true,
		SetResources: []api.ResourceEffect{{ParamIndex: 0, Type: ResourceMemory}},
		GetResources: []api.ResourceEffect{{ParamIndex: 1, Type: ResourceMemory}},
		Parse:        parseMemcpyD2D,
		Launch:       launchMemcpyD2D,
	})
	r.Register(&api.Meta{
		ID:   APICudaMemcpyH2DAsync,
		Name: "cudaMemcpyH2DAsync",
		Type: api.TypeSetResource,
		SetResources: []api.ResourceEffect{{ParamIndex: 0, Type: ResourceMemory}},
		Parse:        parseMemcpyH2DAsync,
		Launch:       launchMemcpyH2DAsync,
	})
	r.Register(&api.Meta{
		ID:   APICudaMemcpyD2HAsync,
		Name: "cudaMemcpyD2HAsync",
		Type: api.TypeGetResource, IsSync: true,
		GetResources: []api.ResourceEffect{{ParamIndex: 0, Type: ResourceMemory}},
		Parse:        parseMemcpyD2HAsync,
		Launch:       launchMemcpyD2HAsync,
	})
	r.Register(&api.Meta{
		ID:   APICudaMemcpyD2DAsync,
		Name: "cudaMemcpyD2DAsync",
		Type: api.TypeSetResource,
		SetResources: []api.ResourceEffect{{ParamIndex: 0, Type: ResourceMemory}},
		Parse:        parseMemcpyD2DAsync,
		Launch:       launchMemcpyD2DAsync,
	})
}

// cudaMalloc: param0 = size.
func parseCudaMalloc(env api.ParseEnv, qe *api.Context) retcode.Code {
	if code := checkParams(qe, 1); !code.OK() {
		return code
	}
	size := qe.ParamU64(0)
	mgr := env.Manager(ResourceMemory)
	h, code := mgr.AllocateMocked(nil, size, 0, size)
	if !code.OK() {
		return qe.Fail(code)
	}
	h.DAGVertexID = env.NextVertexID()
	if ctx := currentContext(env); ctx != nil {
		h.RecordParent(ctx)
	}
	qe.Creates = append(qe.Creates, api.HandleRef{Handle: h, ParamIndex: 0})
	return retcode.Success
}

func launchCudaMalloc(env api.LaunchEnv, qe *api.Context) retcode.Code {
	size := qe.ParamU64(0)
	ptr, errno := env.Driver().Malloc(size)
	qe.RetCode = errno
	if errno != device.OK {
		zeroRet(qe)
		return retcode.Success
	}
	h := qe.Create(0)
	if h == nil {
		return retcode.Failed
	}
	if code := h.SetPassthroughAddr(ptr); !code.OK() {
		return code
	}
	h.MarkStatus(handle.StatusActive)
	putRetU64(qe, h.ClientAddr)
	return retcode.Success
}

// cudaFree: param0 = device pointer.
func parseCudaFree(env api.ParseEnv, qe *api.Context) retcode.Code {
	if code := checkParams(qe, 1); !code.OK() {
		return code
	}
	ref, code := resolveRef(env, ResourceMemory, qe, 0)
	if !code.OK() {
		return code
	}
	ref.Handle.MarkStatus(handle.StatusDeletePending)
	qe.Deletes = append(qe.Deletes, ref)
	return retcode.Success
}

func launchCudaFree(env api.LaunchEnv, qe *api.Context) retcode.Code {
	h := qe.Delete(0)
	if h == nil {
		return retcode.Failed
	}
	qe.RetCode = env.Driver().Free(h.ServerAddr)
	if qe.RetCode == device.OK {
		h.MarkStatus(handle.StatusDeleted)
	}
	return retcode.Success
}

// cudaMemcpy H2D: param0 = dst pointer, param1 = payload.
func parseMemcpyH2D(env api.ParseEnv, qe *api.Context) retcode.Code {
	if code := checkParams(qe, 2); !code.OK() {
		return code
	}
	ref, code := resolveRef(env, ResourceMemory, qe, 0)
	if !code.OK() {
		return code
	}
	// Cache the injected host bytes so the write can be replayed; only
	// whole-resource writes are useful as restore state.
	if ref.Offset == 0 && uint64(len(qe.ParamBytes(1))) == ref.Handle.Size {
		ref.Handle.RecordHostValue(qe.InstPC, qe.ParamBytes(1))
	}
	ref.Handle.Manager().RecordModified(ref.Handle)
	qe.InOuts = append(qe.InOuts, ref)
	return retcode.Success
}

func launchMemcpyH2D(env api.LaunchEnv, qe *api.Context) retcode.Code {
	ref := qe.InOuts[0]
	qe.RetCode = env.Driver().MemcpyH2D(ref.Handle.ServerAddr+ref.Offset, qe.ParamBytes(1))
	return retcode.Success
}

// cudaMemcpy D2H: param0 = src pointer, param1 = count.
func parseMemcpyD2H(env api.ParseEnv, qe *api.Context) retcode.Code {
	if code := checkParams(qe, 2); !code.OK() {
		return code
	}
	ref, code := resolveRef(env, ResourceMemory, qe, 0)
	if !code.OK() {
		return code
	}
	qe.Inputs = append(qe.Inputs, ref)
	return retcode.Success
}

func launchMemcpyD2H(env api.LaunchEnv, qe *api.Context) retcode.Code {
	ref := qe.Inputs[0]
	count := qe.ParamU64(1)
	if count > uint64(len(qe.RetData)) {
		qe.RetCode = device.ErrInvalidValue
		return retcode.Success
	}
	qe.RetCode = env.Driver().MemcpyD2H(qe.RetData[:count], ref.Handle.ServerAddr+ref.Offset)
	return retcode.Success
}

// cudaMemcpy D2D: param0 = dst, param1 = src, param2 = count.
func parseMemcpyD2D(env api.ParseEnv, qe *api.Context) retcode.Code {
	if code := checkParams(qe, 3); !code.OK() {
		return code
	}
	dst, code := resolveRef(env, ResourceMemory, qe, 0)
	if !code.OK() {
		return code
	}
	src, code := resolveRef(env, ResourceMemory, qe, 1)
	if !code.OK() {
		return code
	}
	dst.Handle.Manager().RecordModified(dst.Handle)
	qe.Outputs = append(qe.Outputs, dst)
	qe.Inputs = append(qe.Inputs, src)
	return retcode.Success
}

func launchMemcpyD2D(env api.LaunchEnv, qe *api.Context) retcode.Code {
	dst, src := qe.Outputs[0], qe.Inputs[0]
	qe.RetCode = env.Driver().MemcpyD2D(
		dst.Handle.ServerAddr+dst.Offset,
		src.Handle.ServerAddr+src.Offset,
		qe.ParamU64(2))
	return retcode.Success
}

// cudaMemcpyAsync H2D: param0 = dst, param1 = payload, param2 = stream.
func parseMemcpyH2DAsync(env api.ParseEnv, qe *api.Context) retcode.Code {
	if code := checkParams(qe, 3); !code.OK() {
		return code
	}
	dst, code := resolveRef(env, ResourceMemory, qe, 0)
	if !code.OK() {
		return code
	}
	stream, code := resolveRef(env, ResourceStream, qe, 2)
	if !code.OK() {
		return code
	}
	if dst.Offset == 0 && uint64(len(qe.ParamBytes(1))) == dst.Handle.Size {
		dst.Handle.RecordHostValue(qe.InstPC, qe.ParamBytes(1))
	}
	dst.Handle.Manager().RecordModified(dst.Handle)
	qe.InOuts = append(qe.InOuts, dst)
	qe.Inputs = append(qe.Inputs, stream)
	return retcode.Success
}

func launchMemcpyH2DAsync(env api.LaunchEnv, qe *api.Context) retcode.Code {
	dst, stream := qe.InOuts[0], qe.Inputs[0]
	qe.RetCode = env.Driver().MemcpyH2DAsync(
		dst.Handle.ServerAddr+dst.Offset, qe.ParamBytes(1), stream.Handle.ServerAddr)
	return retcode.Success
}

// cudaMemcpyAsync D2H: param0 = src, param1 = count, param2 = stream. The
// copy is forcibly synchronized before completion: under remoting the reply
// frame must already carry the bytes.
func parseMemcpyD2HAsync(env api.ParseEnv, qe *api.Context) retcode.Code {
	if code := checkParams(qe, 3); !code.OK() {
		return code
	}
	src, code := resolveRef(env, ResourceMemory, qe, 0)
	if !code.OK() {
		return code
	}
	stream, code := resolveRef(env, ResourceStream, qe, 2)
	if !code.OK() {
		return code
	}
	qe.Inputs = append(qe.Inputs, src, stream)
	return retcode.Success
}

func launchMemcpyD2HAsync(env api.LaunchEnv, qe *api.Context) retcode.Code {
	src, stream := qe.Inputs[0], qe.Inputs[1]
	count := qe.ParamU64(1)
	if count > uint64(len(qe.RetData)) {
		qe.RetCode = device.ErrInvalidValue
		return retcode.Success
	}
	drv := env.Driver()
	qe.RetCode = drv.MemcpyD2HAsync(qe.RetData[:count], src.Handle.ServerAddr+src.Offset, stream.Handle.ServerAddr)
	if qe.RetCode != device.OK {
		return retcode.Success
	}
	qe.RetCode = drv.StreamSynchronize(stream.Handle.ServerAddr)
	return retcode.Success
}

// cudaMemcpyAsync D2D: param0 = dst, param1 = src, param2 = count,
// param3 = stream.
func parseMemcpyD2DAsync(env api.ParseEnv, qe *api.Context) retcode.Code {
	if code := checkParams(qe, 4); !code.OK() {
		return code
	}
	dst, code := resolveRef(env, ResourceMemory, qe, 0)
	if !code.OK() {
		return code
	}
	src, code := resolveRef(env, ResourceMemory, qe, 1)
	if !code.OK() {
		return code
	}
	stream, code := resolveRef(env, ResourceStream, qe, 3)
	if !code.OK() {
		return code
	}
	dst.Handle.Manager().RecordModified(dst.Handle)
	qe.Outputs = append(qe.Outputs, dst)
	qe.Inputs = append(qe.Inputs, src, stream)
	return retcode.Success
}

func launchMemcpyD2DAsync(env api.LaunchEnv, qe *api.Context) retcode.Code {
	dst := qe.Outputs[0]
	src, stream := qe.Inputs[0], qe.Inputs[1]
	qe.RetCode = env.Driver().MemcpyD2DAsync(
		dst.Handle.ServerAddr+dst.Offset,
		src.Handle.ServerAddr+src.Offset,
		qe.ParamU64(2),
		stream.Handle.ServerAddr)
	return retcode.Success
}

func putRetU64(qe *api.Context, v uint64) {
	if len(qe.RetData) >= 8 {
		binary.LittleEndian.PutUint64(qe.RetData, v)
	}
}

func putRetU32(qe *api.Context, v uint32) {
	if len(qe.RetData) >= 4 {
		binary.LittleEndian.PutUint32(qe.RetData, v)
	}
}

func zeroRet(qe *api.Context) {
	for i := range qe.RetData {
		qe.RetData[i] = 0
	}
}
