// Package bindings exposes the CUDA runtime calls used by GPU regions. The
// bindings are only compiled with the cuda build tag; without it the package
// is empty and GPU regions run on the host-emulated driver.
package bindings
