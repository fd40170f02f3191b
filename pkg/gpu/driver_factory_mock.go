//go:build !cuda
// +build !cuda

package gpu

// NewDriver creates a GPU driver.
// Without CUDA, this returns the host-emulated driver.
func NewDriver(device int) (Driver, error) {
	return NewHostDriver(), nil
}

// IsCUDAEnabled returns true when CUDA support is compiled in.
func IsCUDAEnabled() bool {
	return false
}
