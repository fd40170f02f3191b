package pool

import (
	"github.com/neurogrid/zerocopy/pkg/dma"
	"github.com/neurogrid/zerocopy/pkg/gpu"
	"github.com/neurogrid/zerocopy/pkg/heap"
	"github.com/neurogrid/zerocopy/pkg/mapped"
	"github.com/neurogrid/zerocopy/pkg/region"
	"github.com/neurogrid/zerocopy/pkg/shm"
)

// As adapts a typed constructor to a Constructor without leaking a typed nil
// on error.
func As[T region.Chained](fn func(size uint64) (T, error)) Constructor {
	return func(size uint64) (region.Chained, error) {
		r, err := fn(size)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
}

// defaultConstructors maps every class tag that can be served without a
// transport. GPU-unified and DMA fall back to host memory inside their own
// packages; shared memory and file-backed regions never fall back.
func (p *Pool) defaultConstructors() map[region.Kind]Constructor {
	cfg := p.cfg
	ctors := map[region.Kind]Constructor{
		region.Heap: As(heap.New),
		region.FileBacked: As(func(size uint64) (*mapped.Region, error) {
			return mapped.Open(size, mapped.Options{
				Dir:  cfg.FileDir,
				Mode: mapped.ReadWrite,
				Temp: true,
			})
		}),
		region.SharedMemory: As(func(size uint64) (*shm.Region, error) {
			return shm.Create(size, shm.Options{Dir: cfg.ShmDir})
		}),
		region.DMA: As(func(size uint64) (*dma.Region, error) {
			return dma.New(size, dma.Options{
				Alignment: uintptr(cfg.DMAAlignment),
				Domain:    p.domain,
				Logger:    p.logger,
			})
		}),
	}
	for _, k := range []region.Kind{region.GPUUnified, region.GPUDeviceLocal, region.GPUVendorA, region.GPUVendorB} {
		kind := k
		ctors[kind] = As(func(size uint64) (*gpu.Region, error) {
			return gpu.New(p.driver, size, kind)
		})
	}
	return ctors
}
