package cuda

import (
	"github.com/remoralabs/remora/internal/api"
	"github.com/remoralabs/remora/internal/device"
	"github.com/remoralabs/remora/internal/retcode"
)

func registerDeviceAPIs(r *api.Registry) {
	r.Register(&api.Meta{
		ID:   APICudaSetDevice,
		Name: "cudaSetDevice",
		Type: api.TypeSetResource, IsSync: true,
		SetResources: []api.ResourceEffect{{ParamIndex: 0, Type: ResourceDevice}},
		Parse:        parseSetDevice,
		Launch:       launchSetDevice,
	})
	r.Register(&api.Meta{
		ID:   APICudaGetDevice,
		Name: "cudaGetDevice",
		Type: api.TypeGetResource, IsSync: true,
		Parse:  parseNoParams,
		Launch: launchGetDevice,
	})
	r.Register(&api.Meta{
		ID:   APICudaGetDeviceCount,
		Name: "cudaGetDeviceCount",
		Type: api.TypeGetResource, IsSync: true,
		Parse:  parseNoParams,
		Launch: launchGetDeviceCount,
	})
	r.Register(&api.Meta{
		ID:   APICudaDeviceGetAttribute,
		Name: "cudaDeviceGetAttribute",
		Type: api.TypeGetResource, IsSync: true,
		GetResources: []api.ResourceEffect{{ParamIndex: 1, Type: ResourceDevice}},
		Parse:        parseDeviceGetAttribute,
		Launch:       launchDeviceGetAttribute,
	})
	r.Register(&api.Meta{
		ID:   APICudaGetErrorString,
		Name: "cudaGetErrorString",
		Type: api.TypeGetResource, IsSync: true,
		Parse:  parseGetErrorString,
		Launch: launchGetErrorString,
	})
}

func parseNoParams(env api.ParseEnv, qe *api.Context) retcode.Code {
	return checkParams(qe, 0)
}

// cudaSetDevice: param0 = device index. Devices are pre-registered at client
// init; the parser resolves the index to its handle and tracks it as the
// latest used device.
func parseSetDevice(env api.ParseEnv, qe *api.Context) retcode.Code {
	if code := checkParams(qe, 1); !code.OK() {
		return code
	}
	id := qe.ParamI32(0)
	mgr := env.Manager(ResourceDevice)
	h := mgr.HandleByIndex(int(id))
	if h == nil {
		return qe.Fail(retcode.NotExist)
	}
	mgr.LatestUsed = h
	qe.Inputs = append(qe.Inputs, api.HandleRef{Handle: h, ParamIndex: 0})
	return retcode.Success
}

func launchSetDevice(env api.LaunchEnv, qe *api.Context) retcode.Code {
	h := qe.Input(0)
	ex, ok := h.Extra.(*DeviceExtra)
	if !ok {
		return retcode.Failed
	}
	qe.RetCode = env.Driver().SetDevice(ex.DeviceID)
	return retcode.Success
}

func launchGetDevice(env api.LaunchEnv, qe *api.Context) retcode.Code {
	id, errno := env.Driver().GetDevice()
	qe.RetCode = errno
	if errno == device.OK {
		putRetU32(qe, uint32(id))
	}
	return retcode.Success
}

func launchGetDeviceCount(env api.LaunchEnv, qe *api.Context) retcode.Code {
	count, errno := env.Driver().DeviceCount()
	qe.RetCode = errno
	if errno == device.OK {
		putRetU32(qe, uint32(count))
	}
	return retcode.Success
}

// cudaDeviceGetAttribute: param0 = attribute, param1 = device index.
func parseDeviceGetAttribute(env api.ParseEnv, qe *api.Context) retcode.Code {
	if code := checkParams(qe, 2); !code.OK() {
		return code
	}
	h := env.Manager(ResourceDevice).HandleByIndex(int(qe.ParamI32(1)))
	if h == nil {
		return qe.Fail(retcode.NotExist)
	}
	qe.Inputs = append(qe.Inputs, api.HandleRef{Handle: h, ParamIndex: 1})
	return retcode.Success
}

func launchDeviceGetAttribute(env api.LaunchEnv, qe *api.Context) retcode.Code {
	ex := qe.Input(0).Extra.(*DeviceExtra)
	v, errno := env.Driver().DeviceAttribute(qe.ParamI32(0), ex.DeviceID)
	qe.RetCode = errno
	if errno == device.OK {
		putRetU32(qe, uint32(v))
	}
	return retcode.Success
}

// cudaGetErrorString: param0 = errno. Never fails.
func parseGetErrorString(env api.ParseEnv, qe *api.Context) retcode.Code {
	return checkParams(qe, 1)
}

func launchGetErrorString(env api.LaunchEnv, qe *api.Context) retcode.Code {
	s := env.Driver().ErrorString(device.Errno(qe.ParamI32(0)))
	n := copy(qe.RetData, s)
	for i := n; i < len(qe.RetData); i++ {
		qe.RetData[i] = 0
	}
	qe.RetCode = device.OK
	return retcode.Success
}
