//go:build cuda
// +build cuda

package gpu

// NewDriver creates a GPU driver.
// With CUDA enabled, this opens the given device.
func NewDriver(device int) (Driver, error) {
	return NewCUDADriver(device)
}

// IsCUDAEnabled returns true when CUDA support is compiled in.
func IsCUDAEnabled() bool {
	return true
}
