package cuda

import (
	"math"

	"github.com/remoralabs/remora/internal/api"
	"github.com/remoralabs/remora/internal/device"
	"github.com/remoralabs/remora/internal/handle"
	"github.com/remoralabs/remora/internal/retcode"
)

func registerBlasAPIs(r *api.Registry) {
	r.Register(&api.Meta{
		ID:   APICublasCreate,
		Name: "cublasCreate",
		Type: api.TypeCreateResource, IsSync: true,
		CreateResources: []api.ResourceEffect{{ParamIndex: 0, Type: ResourceBlasContext}},
		Parse:           parseBlasCreate,
		Launch:          launchBlasCreate,
	})
	r.Register(&api.Meta{
		ID:   APICublasSetStream,
		Name: "cublasSetStream",
		Type: api.TypeSetResource,
		SetResources: []api.ResourceEffect{{ParamIndex: 0, Type: ResourceBlasContext}},
		GetResources: []api.ResourceEffect{{ParamIndex: 1, Type: ResourceStream}},
		Parse:        parseBlasSetStream,
		Launch:       launchBlasSetStream,
	})
	r.Register(&api.Meta{
		ID:   APICublasSgemm,
		Name: "cublasSgemm",
		Type: api.TypeSetResource,
		Parse:  parseBlasSgemm,
		Launch: launchBlasSgemm,
	})
}

// cublasCreate: no params, returns the mocked library handle.
func parseBlasCreate(env api.ParseEnv, qe *api.Context) retcode.Code {
	if code := checkParams(qe, 0); !code.OK() {
		return code
	}
	mgr := env.Manager(ResourceBlasContext)
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

func launchBlasCreate(env api.LaunchEnv, qe *api.Context) retcode.Code {
	b, errno := env.Driver().BlasCreate()
	qe.RetCode = errno
	if errno != device.OK {
		zeroRet(qe)
		return retcode.Success
	}
	h := qe.Create(0)
	h.SetServerAddr(b)
	h.MarkStatus(handle.StatusActive)
	putRetU64(qe, h.ClientAddr)
	return retcode.Success
}

// cublasSetStream: param0 = blas handle, param1 = stream.
func parseBlasSetStream(env api.ParseEnv, qe *api.Context) retcode.Code {
	if code := checkParams(qe, 2); !code.OK() {
		return code
	}
	blas, code := resolveRef(env, ResourceBlasContext, qe, 0)
	if !code.OK() {
		return code
	}
	stream, code := resolveRef(env, ResourceStream, qe, 1)
	if !code.OK() {
		return code
	}
	qe.InOuts = append(qe.InOuts, blas)
	qe.Inputs = append(qe.Inputs, stream)
	return retcode.Success
}

func launchBlasSetStream(env api.LaunchEnv, qe *api.Context) retcode.Code {
	qe.RetCode = env.Driver().BlasSetStream(qe.InOut(0).ServerAddr, qe.Input(0).ServerAddr)
	return retcode.Success
}

// cublasSgemm params:
//
//	0: blas handle ref
//	1..3: m, n, k
//	4: alpha (float32 bits)
//	5: A pointer ref
//	6: B pointer ref
//	7: beta (float32 bits)
//	8: C pointer ref
//
// Leading dimensions are the tight column-major defaults lda=m, ldb=k, ldc=m.
func parseBlasSgemm(env api.ParseEnv, qe *api.Context) retcode.Code {
	if code := checkParams(qe, 9); !code.OK() {
		return code
	}
	blas, code := resolveRef(env, ResourceBlasContext, qe, 0)
	if !code.OK() {
		return code
	}
	a, code := resolveRef(env, ResourceMemory, qe, 5)
	if !code.OK() {
		return code
	}
	b, code := resolveRef(env, ResourceMemory, qe, 6)
	if !code.OK() {
		return code
	}
	c, code := resolveRef(env, ResourceMemory, qe, 8)
	if !code.OK() {
		return code
	}
	c.Handle.Manager().RecordModified(c.Handle)
	qe.Inputs = append(qe.Inputs, blas, a, b)
	qe.Outputs = append(qe.Outputs, c)
	return retcode.Success
}

func launchBlasSgemm(env api.LaunchEnv, qe *api.Context) retcode.Code {
	blas, a, b := qe.Inputs[0], qe.Inputs[1], qe.Inputs[2]
	c := qe.Outputs[0]
	m := qe.ParamI32(1)
	n := qe.ParamI32(2)
	k := qe.ParamI32(3)
	alpha := math.Float32frombits(qe.ParamU32(4))
	beta := math.Float32frombits(qe.ParamU32(7))
	qe.RetCode = env.Driver().BlasSgemm(
		blas.Handle.ServerAddr,
		m, n, k,
		alpha,
		a.Handle.ServerAddr+a.Offset, uint64(m),
		b.Handle.ServerAddr+b.Offset, uint64(k),
		beta,
		c.Handle.ServerAddr+c.Offset, uint64(m),
	)
	return retcode.Success
}
