package cuda

import (
	"github.com/remoralabs/remora/internal/api"
	"github.com/remoralabs/remora/internal/device"
	"github.com/remoralabs/remora/internal/handle"
	"github.com/remoralabs/remora/internal/retcode"
)

func registerStreamEventAPIs(r *api.Registry) {
	r.Register(&api.Meta{
		ID:   APICudaStreamCreate,
		Name: "cudaStreamCreate",
		Type: api.TypeCreateResource, IsSync: true,
		CreateResources: []api.ResourceEffect{{ParamIndex: 0, Type: ResourceStream}},
		Parse:           parseStreamCreate,
		Launch:          launchStreamCreate,
	})
	r.Register(&api.Meta{
		ID:   APICudaStreamSynchronize,
		Name: "cudaStreamSynchronize",
		Type: api.TypeGetResource, IsSync: true,
		GetResources: []api.ResourceEffect{{ParamIndex: 0, Type: ResourceStream}},
		Parse:        parseStreamSynchronize,
		Launch:       launchStreamSynchronize,
	})
	r.Register(&api.Meta{
		ID:   APICudaEventCreateWithFlags,
		Name: "cudaEventCreateWithFlags",
		Type: api.TypeCreateResource, IsSync: true,
		CreateResources: []api.ResourceEffect{{ParamIndex: 0, Type: ResourceEvent}},
		Parse:           parseEventCreateWithFlags,
		Launch:          launchEventCreateWithFlags,
	})
	r.Register(&api.Meta{
		ID:   APICudaEventDestroy,
		Name: "cudaEventDestroy",
		Type: api.TypeDeleteResource, IsSync: true,
		DeleteResources: []api.ResourceEffect{{ParamIndex: 0, Type: ResourceEvent}},
		Parse:           parseEventDestroy,
		Launch:          launchEventDestroy,
	})
	r.Register(&api.Meta{
		ID:   APICudaEventRecord,
		Name: "cudaEventRecord",
		Type: api.TypeSetResource,
		SetResources: []api.ResourceEffect{{ParamIndex: 0, Type: ResourceEvent}},
		GetResources: []api.ResourceEffect{{ParamIndex: 1, Type: ResourceStream}},
		Parse:        parseEventRecord,
		Launch:       launchEventRecord,
	})
}

// cudaStreamCreate: no params, returns the mocked stream handle.
func parseStreamCreate(env api.ParseEnv, qe *api.Context) retcode.Code {
	if code := checkParams(qe, 0); !code.OK() {
		return code
	}
	mgr := env.Manager(ResourceStream)
	h, code := mgr.AllocateMocked(nil, handle.DefaultSize, 0, 0)
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

func launchStreamCreate(env api.LaunchEnv, qe *api.Context) retcode.Code {
	s, errno := env.Driver().StreamCreate()
	qe.RetCode = errno
	if errno != device.OK {
		zeroRet(qe)
		return retcode.Success
	}
	h := qe.Create(0)
	h.SetServerAddr(s)
	h.MarkStatus(handle.StatusActive)
	putRetU64(qe, h.ClientAddr)
	return retcode.Success
}

// cudaStreamSynchronize: param0 = stream. Blocking device call.
func parseStreamSynchronize(env api.ParseEnv, qe *api.Context) retcode.Code {
	if code := checkParams(qe, 1); !code.OK() {
		return code
	}
	ref, code := resolveRef(env, ResourceStream, qe, 0)
	if !code.OK() {
		return code
	}
	qe.Inputs = append(qe.Inputs, ref)
	return retcode.Success
}

func launchStreamSynchronize(env api.LaunchEnv, qe *api.Context) retcode.Code {
	qe.RetCode = env.Driver().StreamSynchronize(qe.Input(0).ServerAddr)
	return retcode.Success
}

// cudaEventCreateWithFlags: param0 = flags.
func parseEventCreateWithFlags(env api.ParseEnv, qe *api.Context) retcode.Code {
	if code := checkParams(qe, 1); !code.OK() {
		return code
	}
	mgr := env.Manager(ResourceEvent)
	h, code := mgr.AllocateMocked(nil, handle.DefaultSize, 0, 0)
	if !code.OK() {
		return qe.Fail(code)
	}
	h.DAGVertexID = env.NextVertexID()
	h.Extra = &EventExtra{Flags: qe.ParamU32(0)}
	if ctx := currentContext(env); ctx != nil {
		h.RecordParent(ctx)
	}
	qe.Creates = append(qe.Creates, api.HandleRef{Handle: h, ParamIndex: 0})
	return retcode.Success
}

func launchEventCreateWithFlags(env api.LaunchEnv, qe *api.Context) retcode.Code {
	ev, errno := env.Driver().EventCreate(qe.ParamU32(0))
	qe.RetCode = errno
	if errno != device.OK {
		zeroRet(qe)
		return retcode.Success
	}
	h := qe.Create(0)
	h.SetServerAddr(ev)
	h.MarkStatus(handle.StatusActive)
	putRetU64(qe, h.ClientAddr)
	return retcode.Success
}

// cudaEventDestroy: param0 = event.
func parseEventDestroy(env api.ParseEnv, qe *api.Context) retcode.Code {
	if code := checkParams(qe, 1); !code.OK() {
		return code
	}
	ref, code := resolveRef(env, ResourceEvent, qe, 0)
	if !code.OK() {
		return code
	}
	ref.Handle.MarkStatus(handle.StatusDeletePending)
	qe.Deletes = append(qe.Deletes, ref)
	return retcode.Success
}

func launchEventDestroy(env api.LaunchEnv, qe *api.Context) retcode.Code {
	h := qe.Delete(0)
	qe.RetCode = env.Driver().EventDestroy(h.ServerAddr)
	if qe.RetCode == device.OK {
		h.MarkStatus(handle.StatusDeleted)
	}
	return retcode.Success
}

// cudaEventRecord: param0 = event (output), param1 = stream (input).
func parseEventRecord(env api.ParseEnv, qe *api.Context) retcode.Code {
	if code := checkParams(qe, 2); !code.OK() {
		return code
	}
	ev, code := resolveRef(env, ResourceEvent, qe, 0)
	if !code.OK() {
		return code
	}
	stream, code := resolveRef(env, ResourceStream, qe, 1)
	if !code.OK() {
		return code
	}
	qe.Outputs = append(qe.Outputs, ev)
	qe.Inputs = append(qe.Inputs, stream)
	return retcode.Success
}

func launchEventRecord(env api.LaunchEnv, qe *api.Context) retcode.Code {
	qe.RetCode = env.Driver().EventRecord(qe.Output(0).ServerAddr, qe.Input(0).ServerAddr)
	return retcode.Success
}
