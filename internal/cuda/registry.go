package cuda

import (
	"github.com/remoralabs/remora/internal/device"
	"github.com/remoralabs/remora/internal/handle"
	"github.com/remoralabs/remora/internal/retcode"
)

// NewRegistry builds the descriptor table for every CUDA resource kind.
// Registration order is parent-before-child; restore walks it front to back.
func NewRegistry() *handle.Registry {
	r := handle.NewRegistry()

	r.Register(&handle.Descriptor{
		Type: ResourceDevice,
		Name: "cuda_device",
		Restore: func(h *handle.Handle, drv device.Driver) retcode.Code {
			// Devices are not re-created; the index either exists on the
			// target or the restore is misdirected.
			ex, ok := h.Extra.(*DeviceExtra)
			if !ok {
				return retcode.Failed
			}
			count, errno := drv.DeviceCount()
			if errno != device.OK || ex.DeviceID >= count {
				return retcode.Failed
			}
			h.SetServerAddr(uint64(ex.DeviceID))
			h.MarkStatus(handle.StatusActive)
			return retcode.Success
		},
		SerializeExtra: func(h *handle.Handle, w *handle.Writer) {
			ex := h.Extra.(*DeviceExtra)
			w.U32(uint32(ex.DeviceID))
		},
		DeserializeExtra: func(h *handle.Handle, r *handle.Reader) error {
			id, err := r.U32()
			if err != nil {
				return err
			}
			h.Extra.(*DeviceExtra).DeviceID = int32(id)
			return nil
		},
		NewExtra: func() any { return &DeviceExtra{} },
	})

	r.Register(&handle.Descriptor{
		Type: ResourceContext,
		Name: "cuda_context",
		Restore: func(h *handle.Handle, drv device.Driver) retcode.Code {
			// The runtime API context is implicit; re-activation is enough
			// once the device below it is selected again.
			h.SetServerAddr(h.ClientAddr)
			h.MarkStatus(handle.StatusActive)
			return retcode.Success
		},
	})

	r.Register(&handle.Descriptor{
		Type:     ResourceModule,
		Name:     "cuda_module",
		Stateful: true,
		Restore: func(h *handle.Handle, drv device.Driver) retcode.Code {
			ex, ok := h.Extra.(*ModuleExtra)
			if !ok || len(ex.Image) == 0 {
				return retcode.Failed
			}
			mod, errno := drv.ModuleLoad(ex.Image)
			if errno != device.OK {
				return retcode.Failed
			}
			h.SetServerAddr(mod)
			h.MarkStatus(handle.StatusActive)
			return retcode.Success
		},
		InitBag: func(h *handle.Handle) { h.Bag = handle.NewCheckpointBag(nil) },
		SerializeExtra: func(h *handle.Handle, w *handle.Writer) {
			ex := h.Extra.(*ModuleExtra)
			w.Blob(ex.Image)
		},
		DeserializeExtra: func(h *handle.Handle, r *handle.Reader) error {
			img, err := r.Blob()
			if err != nil {
				return err
			}
			h.Extra.(*ModuleExtra).Image = img
			return nil
		},
		NewExtra: func() any { return &ModuleExtra{} },
	})

	r.Register(&handle.Descriptor{
		Type: ResourceFunction,
		Name: "cuda_function",
		Restore: func(h *handle.Handle, drv device.Driver) retcode.Code {
			ex, ok := h.Extra.(*FunctionExtra)
			if !ok || len(ex.Name) == 0 {
				return retcode.Failed
			}
			if len(h.Parents) != 1 {
				return retcode.Failed
			}
			module := h.Parents[0]
			if module == nil || module.ResourceType != ResourceModule {
				return retcode.Failed
			}
			fn, errno := drv.ModuleGetFunction(module.ServerAddr, ex.Name)
			if errno != device.OK {
				return retcode.Failed
			}
			h.SetServerAddr(fn)
			h.MarkStatus(handle.StatusActive)
			return retcode.Success
		},
		SerializeExtra: func(h *handle.Handle, w *handle.Writer) {
			writeFunctionMeta(w, h.Extra.(*FunctionExtra))
		},
		DeserializeExtra: func(h *handle.Handle, r *handle.Reader) error {
			ex, err := readFunctionMeta(r)
			if err != nil {
				return err
			}
			h.Extra = ex
			return nil
		},
		NewExtra: func() any { return &FunctionExtra{} },
	})

	r.Register(&handle.Descriptor{
		Type:     ResourceVar,
		Name:     "cuda_var",
		Stateful: true,
		Restore: func(h *handle.Handle, drv device.Driver) retcode.Code {
			ex, ok := h.Extra.(*VarExtra)
			if !ok || len(ex.Name) == 0 {
				return retcode.Failed
			}
			if len(h.Parents) != 1 || h.Parents[0].ResourceType != ResourceModule {
				return retcode.Failed
			}
			addr, _, errno := drv.ModuleGetGlobal(h.Parents[0].ServerAddr, ex.Name)
			if errno != device.OK {
				return retcode.Failed
			}
			h.SetServerAddr(addr)
			if code := replayLatestState(h, drv); !code.OK() {
				return code
			}
			h.MarkStatus(handle.StatusActive)
			return retcode.Success
		},
		Checkpoint: checkpointDeviceState,
		InitBag:    func(h *handle.Handle) { h.Bag = handle.NewCheckpointBag(nil) },
		SerializeExtra: func(h *handle.Handle, w *handle.Writer) {
			w.Str(h.Extra.(*VarExtra).Name)
		},
		DeserializeExtra: func(h *handle.Handle, r *handle.Reader) error {
			name, err := r.Str()
			if err != nil {
				return err
			}
			h.Extra.(*VarExtra).Name = name
			return nil
		},
		NewExtra: func() any { return &VarExtra{} },
	})

	r.Register(&handle.Descriptor{
		Type: ResourceStream,
		Name: "cuda_stream",
		Restore: func(h *handle.Handle, drv device.Driver) retcode.Code {
			s, errno := drv.StreamCreate()
			if errno != device.OK {
				return retcode.Failed
			}
			h.SetServerAddr(s)
			h.MarkStatus(handle.StatusActive)
			return retcode.Success
		},
	})

	r.Register(&handle.Descriptor{
		Type: ResourceEvent,
		Name: "cuda_event",
		Restore: func(h *handle.Handle, drv device.Driver) retcode.Code {
			var flags uint32
			if ex, ok := h.Extra.(*EventExtra); ok {
				flags = ex.Flags
			}
			ev, errno := drv.EventCreate(flags)
			if errno != device.OK {
				return retcode.Failed
			}
			h.SetServerAddr(ev)
			h.MarkStatus(handle.StatusActive)
			return retcode.Success
		},
		SerializeExtra: func(h *handle.Handle, w *handle.Writer) {
			var flags uint32
			if ex, ok := h.Extra.(*EventExtra); ok {
				flags = ex.Flags
			}
			w.U32(flags)
		},
		DeserializeExtra: func(h *handle.Handle, r *handle.Reader) error {
			flags, err := r.U32()
			if err != nil {
				return err
			}
			h.Extra.(*EventExtra).Flags = flags
			return nil
		},
		NewExtra: func() any { return &EventExtra{} },
	})

	r.Register(&handle.Descriptor{
		Type:        ResourceMemory,
		Name:        "cuda_memory",
		Passthrough: true,
		Stateful:    true,
		Restore: func(h *handle.Handle, drv device.Driver) retcode.Code {
			addr, errno := drv.Malloc(h.Size)
			if errno != device.OK {
				return retcode.Failed
			}
			h.SetServerAddr(addr)
			if code := replayLatestState(h, drv); !code.OK() {
				return code
			}
			h.MarkStatus(handle.StatusActive)
			return retcode.Success
		},
		Checkpoint: checkpointDeviceState,
		// Pinned host buffers back memory checkpoints in a cgo build; the
		// portable allocator is plain host memory.
		InitBag: func(h *handle.Handle) { h.Bag = handle.NewCheckpointBag(nil) },
	})

	r.Register(&handle.Descriptor{
		Type: ResourceBlasContext,
		Name: "cublas_context",
		Restore: func(h *handle.Handle, drv device.Driver) retcode.Code {
			b, errno := drv.BlasCreate()
			if errno != device.OK {
				return retcode.Failed
			}
			h.SetServerAddr(b)
			h.MarkStatus(handle.StatusActive)
			return retcode.Success
		},
	})

	return r
}

// checkpointDeviceState captures the byte extent behind a handle onto the
// checkpoint stream and versions it in the bag.
func checkpointDeviceState(h *handle.Handle, drv device.Driver, version, stream uint64) retcode.Code {
	if h.StateSize == 0 {
		return retcode.Success
	}
	if h.Bag == nil {
		h.Bag = handle.NewCheckpointBag(nil)
	}
	buf := h.Bag.Alloc(h.StateSize)
	if errno := drv.MemcpyD2HAsync(buf, h.ServerAddr, stream); errno != device.OK {
		return retcode.Failed
	}
	h.Bag.Set(version, buf, stream)
	return retcode.Success
}

// replayLatestState writes the newest captured state (device checkpoint, or
// the cached host value when none exists) back onto the device resource.
func replayLatestState(h *handle.Handle, drv device.Driver) retcode.Code {
	var data []byte
	if h.Bag != nil {
		if _, d, code := h.Bag.GetLatest(); code.OK() {
			data = d
		}
	}
	if data == nil {
		if _, d, ok := h.LatestHostValue(); ok {
			data = d
		}
	}
	if len(data) == 0 {
		return retcode.Success
	}
	if errno := drv.MemcpyH2D(h.ServerAddr, data); errno != device.OK {
		return retcode.Failed
	}
	return retcode.Success
}
