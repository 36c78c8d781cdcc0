package cuda

import (
	"github.com/remoralabs/remora/internal/api"
	"github.com/remoralabs/remora/internal/handle"
	"github.com/remoralabs/remora/internal/retcode"
)

// API ids of the remoted entry points. The full surface is emitted by the
// code generator; this is the hand-written representative set.
const (
	APICudaMalloc uint64 = iota + 0x100
	APICudaFree
	APICudaMemcpyH2D
	APICudaMemcpyD2H
	APICudaMemcpyD2D
	APICudaMemcpyH2DAsync
	APICudaMemcpyD2HAsync
	APICudaMemcpyD2DAsync
	APICudaLaunchKernel
	APICudaSetDevice
	APICudaGetDevice
	APICudaGetDeviceCount
	APICudaDeviceGetAttribute
	APICudaGetErrorString
	APICudaStreamCreate
	APICudaStreamSynchronize
	APICudaEventCreateWithFlags
	APICudaEventDestroy
	APICudaEventRecord
	APICuModuleLoad
	APICuModuleGetFunction
	APICuModuleGetGlobal
	APICublasCreate
	APICublasSetStream
	APICublasSgemm
)

// RegisterAPIs fills the registry with the representative CUDA stubs.
func RegisterAPIs(r *api.Registry) {
	registerMemoryAPIs(r)
	registerLaunchAPIs(r)
	registerDeviceAPIs(r)
	registerStreamEventAPIs(r)
	registerModuleAPIs(r)
	registerBlasAPIs(r)
}

// checkParams validates the parameter count before anything else touches the
// QE.
func checkParams(qe *api.Context, want int) retcode.Code {
	if qe.NbParams() != want {
		return qe.Fail(retcode.InvalidInput)
	}
	return retcode.Success
}

// resolveRef resolves the client address held in parameter idx against the
// given manager. NotExist fails the call early without reaching the worker.
func resolveRef(env api.ParseEnv, rt handle.ResourceType, qe *api.Context, idx int) (api.HandleRef, retcode.Code) {
	addr := qe.ParamU64(idx)
	h, off, code := env.Manager(rt).GetByClientAddr(addr)
	if !code.OK() {
		return api.HandleRef{}, qe.Fail(retcode.NotExist)
	}
	return api.HandleRef{Handle: h, ParamIndex: idx, Offset: off}, retcode.Success
}

// currentContext returns the client's active context handle for parenting
// freshly created resources.
func currentContext(env api.ParseEnv) *handle.Handle {
	return env.Manager(ResourceContext).LatestUsed
}
