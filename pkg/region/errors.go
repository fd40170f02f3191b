package region

import "errors"

var (
	ErrInvalidSize       = errors.New("invalid region size")
	ErrOversizedClaim    = errors.New("claim larger than region capacity")
	ErrUnsupported       = errors.New("region class not supported on this platform")
	ErrOutOfMemory       = errors.New("out of memory")
	ErrBadRange          = errors.New("range exceeds region capacity")
	ErrReleased          = errors.New("region released")
	ErrRegistryExhausted = errors.New("region registry exhausted")

	ErrNotAddressable = errors.New("region is not locally addressable")
	ErrReadOnly       = errors.New("region is read-only")
	ErrNotRetained    = errors.New("relinquish without a matching retain")
	ErrBusy           = errors.New("region has outstanding claims")
)
