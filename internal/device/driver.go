// Package device abstracts the accelerator driver that the worker executes
// real calls against. The production daemon binds a vendor driver through cgo;
// the bundled Mock implements the same contract on host memory so the full
// pipeline, checkpoint and migration paths run without hardware.
package device

// Errno is a device-native error code, modeled on the CUDA runtime/driver
// error space. Zero is success.
type Errno int32

const (
	OK                  Errno = 0
	ErrInvalidValue     Errno = 1
	ErrMemoryAllocation Errno = 2
	ErrInvalidDevice    Errno = 101
	ErrInvalidHandle    Errno = 400
	ErrNotFound         Errno = 500
	ErrLaunchFailure    Errno = 719
)

// Dim3 is a kernel launch dimension record.
type Dim3 struct {
	X, Y, Z uint32
}

// Driver is the set of device entry points the worker issues. All resource
// references are opaque 64-bit server-side addresses.
//
// Implementations must be safe for use from a single worker goroutine plus a
// dedicated checkpoint stream; cross-client sharing is brokered above this
// layer.
type Driver interface {
	// Memory
	Malloc(size uint64) (uint64, Errno)
	Free(addr uint64) Errno
	MemcpyH2D(dst uint64, src []byte) Errno
	MemcpyD2H(dst []byte, src uint64) Errno
	MemcpyD2D(dst, src, n uint64) Errno
	MemcpyH2DAsync(dst uint64, src []byte, stream uint64) Errno
	MemcpyD2HAsync(dst []byte, src, stream uint64) Errno
	MemcpyD2DAsync(dst, src, n, stream uint64) Errno

	// Streams and events
	StreamCreate() (uint64, Errno)
	StreamDestroy(stream uint64) Errno
	StreamSynchronize(stream uint64) Errno
	EventCreate(flags uint32) (uint64, Errno)
	EventDestroy(event uint64) Errno
	EventRecord(event, stream uint64) Errno

	// Modules, functions, globals
	ModuleLoad(image []byte) (uint64, Errno)
	ModuleUnload(module uint64) Errno
	ModuleGetFunction(module uint64, name string) (uint64, Errno)
	ModuleGetGlobal(module uint64, name string) (uint64, uint64, Errno)
	LaunchKernel(fn uint64, grid, block Dim3, sharedMem, stream uint64, argv [][]byte) Errno

	// Devices
	SetDevice(id int32) Errno
	GetDevice() (int32, Errno)
	DeviceCount() (int32, Errno)
	DeviceAttribute(attr, dev int32) (int32, Errno)

	// BLAS library handles
	BlasCreate() (uint64, Errno)
	BlasDestroy(handle uint64) Errno
	BlasSetStream(handle, stream uint64) Errno
	BlasSgemm(handle uint64, m, n, k int32, alpha float32, a, lda, b, ldb uint64, beta float32, c, ldc uint64) Errno

	ErrorString(e Errno) string
}
