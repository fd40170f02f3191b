package pool

import (
	"context"
	"time"

	"github.com/go-kit/log/level"

	"github.com/neurogrid/zerocopy/pkg/region"
)

func (p *Pool) reclaim(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		if n := p.Reclaim(); n > 0 {
			level.Debug(p.logger).Log("msg", "reclaimed regions", "count", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Reclaim runs one sweep over the registry and retires every region that is
// eligible now. It returns the number of regions released.
func (p *Pool) Reclaim() int {
	now := region.NowMillis()
	n := 0
	p.reg.Range(func(id uint32, r region.Chained) bool {
		c := r.Chain()
		if !c.BeginRetire(now) {
			return true
		}
		if !p.reg.Clear(id, r) {
			// Close took the slot and releases the region itself.
			return true
		}
		p.release(r)
		p.metrics.reclaimed.Inc()
		n++
		return true
	})
	return n
}
