package cuda

import (
	"github.com/remoralabs/remora/internal/api"
	"github.com/remoralabs/remora/internal/device"
	"github.com/remoralabs/remora/internal/handle"
	"github.com/remoralabs/remora/internal/retcode"
)

func registerModuleAPIs(r *api.Registry) {
	r.Register(&api.Meta{
		ID:   APICuModuleLoad,
		Name: "cuModuleLoad",
		Type: api.TypeCreateResource, IsSync: true,
		CreateResources: []api.ResourceEffect{{ParamIndex: 0, Type: ResourceModule}},
		Parse:           parseModuleLoad,
		Launch:          launchModuleLoad,
	})
	r.Register(&api.Meta{
		ID:   APICuModuleGetFunction,
		Name: "cuModuleGetFunction",
		Type: api.TypeCreateResource, IsSync: true,
		CreateResources: []api.ResourceEffect{{ParamIndex: 1, Type: ResourceFunction}},
		GetResources:    []api.ResourceEffect{{ParamIndex: 0, Type: ResourceModule}},
		Parse:           parseModuleGetFunction,
		Launch:          launchModuleGetFunction,
	})
	r.Register(&api.Meta{
		ID:   APICuModuleGetGlobal,
		Name: "cuModuleGetGlobal",
		Type: api.TypeCreateResource, IsSync: true,
		CreateResources: []api.ResourceEffect{{ParamIndex: 1, Type: ResourceVar}},
		GetResources:    []api.ResourceEffect{{ParamIndex: 0, Type: ResourceModule}},
		Parse:           parseModuleGetGlobal,
		Launch:          launchModuleGetGlobal,
	})
}

// cuModuleLoad: param0 = fatbin image shipped inline.
func parseModuleLoad(env api.ParseEnv, qe *api.Context) retcode.Code {
	if code := checkParams(qe, 1); !code.OK() {
		return code
	}
	image := qe.ParamBytes(0)
	if len(image) == 0 {
		return qe.Fail(retcode.InvalidInput)
	}
	mgr := env.Manager(ResourceModule)
	h, code := mgr.AllocateMocked(nil, handle.DefaultSize, 0, uint64(len(image)))
	if !code.OK() {
		return qe.Fail(code)
	}
	h.DAGVertexID = env.NextVertexID()
	img := make([]byte, len(image))
	copy(img, image)
	h.Extra = &ModuleExtra{Image: img}
	if ctx := currentContext(env); ctx != nil {
		h.RecordParent(ctx)
	}
	qe.Creates = append(qe.Creates, api.HandleRef{Handle: h, ParamIndex: 0})
	return retcode.Success
}

func launchModuleLoad(env api.LaunchEnv, qe *api.Context) retcode.Code {
	h := qe.Create(0)
	ex := h.Extra.(*ModuleExtra)
	mod, errno := env.Driver().ModuleLoad(ex.Image)
	qe.RetCode = errno
	if errno != device.OK {
		zeroRet(qe)
		return retcode.Success
	}
	h.SetServerAddr(mod)
	h.MarkStatus(handle.StatusActive)
	putRetU64(qe, h.ClientAddr)
	return retcode.Success
}

// cuModuleGetFunction: param0 = module ref, param1 = kernel metadata blob
// (name, parameter layout, pointer indices) as emitted by the shim.
func parseModuleGetFunction(env api.ParseEnv, qe *api.Context) retcode.Code {
	if code := checkParams(qe, 2); !code.OK() {
		return code
	}
	modRef, code := resolveRef(env, ResourceModule, qe, 0)
	if !code.OK() {
		return code
	}
	meta, err := DecodeFunctionMeta(qe.ParamBytes(1))
	if err != nil || len(meta.Name) == 0 {
		return qe.Fail(retcode.InvalidInput)
	}
	if meta.NbParams > MaxLaunchParams {
		return qe.Fail(retcode.InvalidInput)
	}
	mgr := env.Manager(ResourceFunction)
	h, code := mgr.AllocateMocked(
		handle.RelatedHandles{ResourceModule: {modRef.Handle}},
		handle.DefaultSize, 0, 0)
	if !code.OK() {
		return qe.Fail(code)
	}
	h.DAGVertexID = env.NextVertexID()
	h.Extra = meta
	h.RecordParent(modRef.Handle)
	qe.Inputs = append(qe.Inputs, modRef)
	qe.Creates = append(qe.Creates, api.HandleRef{Handle: h, ParamIndex: 1})
	return retcode.Success
}

func launchModuleGetFunction(env api.LaunchEnv, qe *api.Context) retcode.Code {
	mod := qe.Input(0)
	h := qe.Create(0)
	meta := h.Extra.(*FunctionExtra)
	fn, errno := env.Driver().ModuleGetFunction(mod.ServerAddr, meta.Name)
	qe.RetCode = errno
	if errno != device.OK {
		zeroRet(qe)
		return retcode.Success
	}
	h.SetServerAddr(fn)
	h.MarkStatus(handle.StatusActive)
	putRetU64(qe, h.ClientAddr)
	return retcode.Success
}

// cuModuleGetGlobal: param0 = module ref, param1 = symbol name, param2 = size.
func parseModuleGetGlobal(env api.ParseEnv, qe *api.Context) retcode.Code {
	if code := checkParams(qe, 3); !code.OK() {
		return code
	}
	modRef, code := resolveRef(env, ResourceModule, qe, 0)
	if !code.OK() {
		return code
	}
	name := string(qe.ParamBytes(1))
	size := qe.ParamU64(2)
	if len(name) == 0 || size == 0 {
		return qe.Fail(retcode.InvalidInput)
	}
	mgr := env.Manager(ResourceVar)
	h, code := mgr.AllocateMocked(
		handle.RelatedHandles{ResourceModule: {modRef.Handle}},
		size, 0, size)
	if !code.OK() {
		return qe.Fail(code)
	}
	h.DAGVertexID = env.NextVertexID()
	h.Extra = &VarExtra{Name: name}
	h.RecordParent(modRef.Handle)
	qe.Inputs = append(qe.Inputs, modRef)
	qe.Creates = append(qe.Creates, api.HandleRef{Handle: h, ParamIndex: 1})
	return retcode.Success
}

func launchModuleGetGlobal(env api.LaunchEnv, qe *api.Context) retcode.Code {
	mod := qe.Input(0)
	h := qe.Create(0)
	ex := h.Extra.(*VarExtra)
	addr, _, errno := env.Driver().ModuleGetGlobal(mod.ServerAddr, ex.Name)
	qe.RetCode = errno
	if errno != device.OK {
		zeroRet(qe)
		return retcode.Success
	}
	h.SetServerAddr(addr)
	h.MarkStatus(handle.StatusActive)
	putRetU64(qe, h.ClientAddr)
	return retcode.Success
}
