package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/neurogrid/zerocopy/pkg/pool"
	"github.com/neurogrid/zerocopy/pkg/region"
)

// BenchResult summarizes a producer/consumer run.
type BenchResult struct {
	Bytes      uint64
	Claims     uint64
	Regions    int
	DeadSpace  uint64
	Reclaimed  int
	Elapsed    time.Duration
	Throughput float64 // bytes per second
}

func runBench(logger log.Logger, args []string) error {
	fs := flag.NewFlagSet("bench", flag.ExitOnError)
	var (
		size  byteSize = 16 << 20
		chunk byteSize = 64 << 10
		total byteSize = 1 << 30
		kind           = fs.String("kind", "heap", "Region class: heap, file, shm, dma or gpu-unified.")
	)
	fs.Var(&size, "size", "Capacity of each region in the chain.")
	fs.Var(&chunk, "chunk", "Bytes per claim.")
	fs.Var(&total, "total", "Bytes to push through the chain.")
	if err := fs.Parse(args); err != nil {
		return err
	}

	k, err := region.ParseKind(*kind)
	if err != nil {
		return err
	}
	cfg := pool.DefaultConfig()
	cfg.DisableReclaimer = true
	p, err := pool.New(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer p.Close()

	res, err := bench(p, k, uint64(size), uint64(chunk), uint64(total))
	if err != nil {
		return err
	}
	level.Info(logger).Log("msg", "bench finished", "kind", k, "regions", res.Regions, "reclaimed", res.Reclaimed,
		"dead_space", humanize.IBytes(res.DeadSpace), "elapsed", res.Elapsed)
	fmt.Printf("%s in %d claims across %d regions: %s/s\n",
		humanize.IBytes(res.Bytes), res.Claims, res.Regions, humanize.IBytes(uint64(res.Throughput)))
	return nil
}

// bench runs one producer and one consumer over a chain of kind regions.
// Each claim starts with its sequence number, which the consumer checks.
// Consumed regions are drained and retired by a final sweep.
func bench(p *pool.Pool, kind region.Kind, size, chunk, total uint64) (BenchResult, error) {
	if chunk < 8 || chunk > size {
		return BenchResult{}, errors.Errorf("chunk must be between 8 bytes and the region size, got %d", chunk)
	}
	head, err := p.Allocate(size, kind)
	if err != nil {
		return BenchResult{}, err
	}
	claims := total / chunk

	// Claims reserve bytes before they are written; written publishes how
	// many claims carry their sequence number.
	var written atomic.Uint64

	start := time.Now()
	produced := make(chan error, 1)
	go func() {
		cur := head
		for seq := uint64(0); seq < claims; seq++ {
			c, err := cur.Chain().ProduceClaim(chunk)
			if err != nil {
				produced <- err
				return
			}
			b, err := c.Bytes()
			if err != nil {
				produced <- err
				return
			}
			binary.LittleEndian.PutUint64(b, seq)
			cur = c.Region
			written.Add(1)
		}
		produced <- nil
	}()

	res := BenchResult{Regions: 1}
	cur := head
	for seq := uint64(0); seq < claims; {
		var c region.Claim
		if seq < written.Load() {
			if c, err = cur.Chain().ConsumeClaim(chunk); err != nil {
				return res, err
			}
		}
		if c.Empty() {
			select {
			case err := <-produced:
				if err != nil {
					return res, errors.Wrap(err, "producer")
				}
				produced <- nil
			default:
			}
			runtime.Gosched()
			continue
		}
		b, err := c.Bytes()
		if err != nil {
			return res, err
		}
		if got := binary.LittleEndian.Uint64(b); got != seq {
			return res, errors.Errorf("claim %d carried sequence %d", seq, got)
		}
		if c.Region != cur {
			res.DeadSpace += cur.Chain().DeadSpace()
			cur.Chain().MarkDrained()
			cur = c.Region
			res.Regions++
		}
		seq++
	}
	if err := <-produced; err != nil {
		return res, errors.Wrap(err, "producer")
	}
	cur.Chain().MarkDrained()

	res.Elapsed = time.Since(start)
	res.Claims = claims
	res.Bytes = claims * chunk
	res.Reclaimed = p.Reclaim()
	if res.Elapsed > 0 {
		res.Throughput = float64(res.Bytes) / res.Elapsed.Seconds()
	}
	return res, nil
}
