//go:build cuda
// +build cuda

package bindings

/*
// x86_64 with standard CUDA install
#cgo linux,amd64 CFLAGS: -I/usr/local/cuda/include
#cgo linux,amd64 LDFLAGS: -L/usr/local/cuda/lib64 -lcudart

// arm64 with system CUDA install (apt)
#cgo linux,arm64 LDFLAGS: -L/usr/lib/aarch64-linux-gnu -lcudart

#include <cuda_runtime.h>
#include <stdlib.h>
*/
import "C"

import (
	"fmt"
	"unsafe"
)

// CUDAError wraps CUDA error codes.
type CUDAError int

func (e CUDAError) Error() string {
	msg := C.GoString(C.cudaGetErrorString(C.cudaError_t(e)))
	return fmt.Sprintf("CUDA error %d: %s", int(e), msg)
}

// IsOutOfMemory reports whether err is cudaErrorMemoryAllocation.
func IsOutOfMemory(err error) bool {
	e, ok := err.(CUDAError)
	return ok && C.cudaError_t(e) == C.cudaErrorMemoryAllocation
}

func check(ret C.cudaError_t) error {
	if ret != C.cudaSuccess {
		return CUDAError(ret)
	}
	return nil
}

// Stream represents a CUDA stream handle.
type Stream C.cudaStream_t

// =============================================================================
// Device
// =============================================================================

// SetDevice selects the device used by the calling OS thread.
func SetDevice(device int) error {
	return check(C.cudaSetDevice(C.int(device)))
}

// DeviceCount returns the number of visible CUDA devices.
func DeviceCount() (int, error) {
	var n C.int
	if err := check(C.cudaGetDeviceCount(&n)); err != nil {
		return 0, err
	}
	return int(n), nil
}

// GetDeviceMemInfo returns total and free GPU memory of the current device.
func GetDeviceMemInfo() (totalMem, freeMem int64, err error) {
	var total, free C.size_t
	if err := check(C.cudaMemGetInfo(&free, &total)); err != nil {
		return 0, 0, err
	}
	return int64(total), int64(free), nil
}

// =============================================================================
// Memory Management
// =============================================================================

// AllocPinned allocates pinned (page-locked) host memory.
func AllocPinned(size int) (unsafe.Pointer, error) {
	var ptr unsafe.Pointer
	if err := check(C.cudaMallocHost(&ptr, C.size_t(size))); err != nil {
		return nil, err
	}
	return ptr, nil
}

// FreePinned frees pinned host memory.
func FreePinned(ptr unsafe.Pointer) error {
	return check(C.cudaFreeHost(ptr))
}

// AllocDevice allocates GPU device memory.
func AllocDevice(size int) (unsafe.Pointer, error) {
	var ptr unsafe.Pointer
	if err := check(C.cudaMalloc(&ptr, C.size_t(size))); err != nil {
		return nil, err
	}
	return ptr, nil
}

// AllocManaged allocates unified memory addressable from host and device.
func AllocManaged(size int) (unsafe.Pointer, error) {
	var ptr unsafe.Pointer
	if err := check(C.cudaMallocManaged(&ptr, C.size_t(size), C.cudaMemAttachGlobal)); err != nil {
		return nil, err
	}
	return ptr, nil
}

// FreeDevice frees device or managed memory.
func FreeDevice(ptr unsafe.Pointer) error {
	return check(C.cudaFree(ptr))
}

// =============================================================================
// Stream Management
// =============================================================================

// CreateStream creates a new CUDA stream.
func CreateStream() (Stream, error) {
	var stream C.cudaStream_t
	if err := check(C.cudaStreamCreate(&stream)); err != nil {
		return Stream(nil), err
	}
	return Stream(stream), nil
}

// DestroyStream destroys a CUDA stream.
func DestroyStream(stream Stream) error {
	return check(C.cudaStreamDestroy(C.cudaStream_t(stream)))
}

// SyncStream synchronizes a CUDA stream (blocks until complete).
func SyncStream(stream Stream) error {
	return check(C.cudaStreamSynchronize(C.cudaStream_t(stream)))
}

// =============================================================================
// Transfers
// =============================================================================

// CopyToDevice queues a host to device copy on stream.
func CopyToDevice(dst, src unsafe.Pointer, n int, stream Stream) error {
	return check(C.cudaMemcpyAsync(dst, src, C.size_t(n), C.cudaMemcpyHostToDevice, C.cudaStream_t(stream)))
}

// CopyToHost queues a device to host copy on stream.
func CopyToHost(dst, src unsafe.Pointer, n int, stream Stream) error {
	return check(C.cudaMemcpyAsync(dst, src, C.size_t(n), C.cudaMemcpyDeviceToHost, C.cudaStream_t(stream)))
}

// CopyDevice queues a device to device copy on stream.
func CopyDevice(dst, src unsafe.Pointer, n int, stream Stream) error {
	return check(C.cudaMemcpyAsync(dst, src, C.size_t(n), C.cudaMemcpyDeviceToDevice, C.cudaStream_t(stream)))
}

// Memset queues a device-side memset on stream.
func Memset(dst unsafe.Pointer, value byte, n int, stream Stream) error {
	return check(C.cudaMemsetAsync(dst, C.int(value), C.size_t(n), C.cudaStream_t(stream)))
}
