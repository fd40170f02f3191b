package region

import (
	"fmt"
	"strings"
)

// Kind selects the concrete region class at allocation time.
type Kind uint8

const (
	Heap Kind = iota
	FileBacked
	SharedMemory
	DMA
	GPUUnified
	GPUDeviceLocal
	GPUVendorA // CUDA-specific device memory
	GPUVendorB // Metal/Vulkan-specific memory
	NetStream
	NetDatagram
	NetMultiplexed

	numKinds
)

var kindNames = [numKinds]string{
	Heap:           "heap",
	FileBacked:     "file",
	SharedMemory:   "shm",
	DMA:            "dma",
	GPUUnified:     "gpu-unified",
	GPUDeviceLocal: "gpu-device",
	GPUVendorA:     "gpu-cuda",
	GPUVendorB:     "gpu-metal",
	NetStream:      "net-stream",
	NetDatagram:    "net-datagram",
	NetMultiplexed: "net-mux",
}

func (k Kind) String() string {
	if k < numKinds {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Kinds returns every class tag in declaration order.
func Kinds() []Kind {
	out := make([]Kind, 0, numKinds)
	for k := Kind(0); k < numKinds; k++ {
		out = append(out, k)
	}
	return out
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range kindNames {
		if name == s {
			return Kind(k), nil
		}
	}
	return 0, fmt.Errorf("unknown region kind %q", s)
}

// IsNetwork reports whether the kind is one of the network region classes.
func (k Kind) IsNetwork() bool {
	return k == NetStream || k == NetDatagram || k == NetMultiplexed
}

// IsGPU reports whether the kind is one of the GPU region classes.
func (k Kind) IsGPU() bool {
	return k >= GPUUnified && k <= GPUVendorB
}
