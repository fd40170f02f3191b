package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/neurogrid/zerocopy/pkg/nic"
	"github.com/neurogrid/zerocopy/pkg/pool"
	"github.com/neurogrid/zerocopy/pkg/region"
	"github.com/neurogrid/zerocopy/pkg/shm"
	"github.com/neurogrid/zerocopy/pkg/transport"
)

func runServe(logger log.Logger, args []string) error {
	var cfg ServeConfig
	if err := loadConfig(flag.NewFlagSet("serve", flag.ExitOnError), &cfg, args); err != nil {
		return err
	}
	logger = newLogger(cfg.LogLevel)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	p, err := pool.New(cfg.Pool, logger, reg)
	if err != nil {
		return err
	}
	defer p.Close()

	s := &server{cfg: cfg, logger: logger, pool: p}
	var g run.Group
	g.Add(run.SignalHandler(context.Background(), os.Interrupt, syscall.SIGTERM))
	if err := s.addHTTP(&g, reg); err != nil {
		return err
	}
	if err := s.addTCP(&g); err != nil {
		return err
	}
	if err := s.addUDP(&g); err != nil {
		return err
	}
	if err := s.addQUIC(&g); err != nil {
		return err
	}
	if err := s.addP2P(&g); err != nil {
		return err
	}
	s.addShmWatch(&g)

	level.Info(logger).Log("msg", "serving", "http", cfg.HTTPListen, "region_size", humanize.IBytes(uint64(cfg.RegionSize)))
	err = g.Run()

	// Closing the pool releases every region, which closes their transports
	// and lets receive goroutines finish.
	if cerr := p.Close(); cerr != nil {
		level.Warn(logger).Log("msg", "pool close failed", "err", cerr)
	}
	for _, wait := range s.waits {
		wait()
	}
	s.wg.Wait()

	var sig run.SignalError
	if errors.As(err, &sig) {
		level.Info(logger).Log("msg", "shutting down", "signal", sig.Signal)
		return nil
	}
	return err
}

type server struct {
	cfg    ServeConfig
	logger log.Logger
	pool   *pool.Pool
	waits  []func()
	wg     sync.WaitGroup
}

func (s *server) addHTTP(g *run.Group, reg *prometheus.Registry) error {
	l, err := net.Listen("tcp", s.cfg.HTTPListen)
	if err != nil {
		return errors.Wrap(err, "listen http")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	g.Add(func() error {
		if err := srv.Serve(l); err != http.ErrServerClosed {
			return err
		}
		return nil
	}, func(error) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return nil
}

func (s *server) addTCP(g *run.Group) error {
	if s.cfg.TCPListen == "" {
		return nil
	}
	l, err := net.Listen("tcp", s.cfg.TCPListen)
	if err != nil {
		return errors.Wrap(err, "listen tcp")
	}
	tr := transport.NewTCP(s.logger, nic.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	s.waits = append(s.waits, tr.Wait)
	g.Add(func() error {
		return tr.Serve(ctx, l, uint64(s.cfg.RegionSize), func(st *nic.Stream) {
			s.sink(st)
		})
	}, func(error) {
		cancel()
	})
	return nil
}

func (s *server) addUDP(g *run.Group) error {
	if s.cfg.UDPListen == "" {
		return nil
	}
	tr := transport.NewUDP(s.logger, nic.Options{})
	d, addr, err := tr.Bind(s.cfg.UDPListen, uint64(s.cfg.RegionSize))
	if err != nil {
		return err
	}
	level.Info(s.logger).Log("msg", "receiving datagrams", "addr", addr)
	s.sink(d)
	s.waits = append(s.waits, tr.Wait)
	g.Add(func() error {
		<-d.Done()
		return nil
	}, func(error) {
		d.Close()
	})
	return nil
}

func (s *server) addQUIC(g *run.Group) error {
	if s.cfg.QUICListen == "" {
		return nil
	}
	host, _, err := net.SplitHostPort(s.cfg.QUICListen)
	if err != nil {
		return err
	}
	if host == "" {
		host = "localhost"
	}
	tlsConf, _, err := transport.SelfSignedTLS(host)
	if err != nil {
		return err
	}
	tr := transport.NewQUIC(s.logger, nic.Options{}, tlsConf)
	ctx, cancel := context.WithCancel(context.Background())
	s.waits = append(s.waits, tr.Wait)
	g.Add(func() error {
		return tr.Listen(ctx, s.cfg.QUICListen, uint64(s.cfg.RegionSize), nil, s.sinkStreams)
	}, func(error) {
		cancel()
	})
	return nil
}

func (s *server) addP2P(g *run.Group) error {
	if s.cfg.P2PPort < 0 {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	node, err := transport.NewP2PNode(ctx, s.logger, transport.P2PConfig{
		ListenPort:     s.cfg.P2PPort,
		EnableMDNS:     s.cfg.P2PMDNS,
		BootstrapPeers: s.cfg.P2PPeers,
		MaxRegion:      uint64(s.cfg.RegionSize),
	}, nic.Options{}, func(st *nic.Stream) {
		s.sink(st)
	})
	if err != nil {
		cancel()
		return err
	}
	g.Add(func() error {
		<-ctx.Done()
		return nil
	}, func(error) {
		cancel()
		node.Close()
	})
	return nil
}

func (s *server) addShmWatch(g *run.Group) {
	if !s.cfg.WatchSegments {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	g.Add(func() error {
		return shm.Watch(ctx, s.cfg.Pool.ShmDir, s.logger, func(ev shm.Event) {
			level.Info(s.logger).Log("msg", "segment "+ev.Op.String(), "name", ev.Name)
		})
	}, func(error) {
		cancel()
	})
}

// adopt registers a region built by a transport with the pool, so its
// successors get identities and the reclaimer retires it once drained.
func (s *server) adopt(r region.Chained) error {
	_, err := s.pool.AllocateWith(r.Size(), r.Kind(), func(uint64) (region.Chained, error) {
		return r, nil
	})
	return err
}

type receiver interface {
	region.Chained
	Next(ctx context.Context) (nic.Record, error)
	Endpoint() nic.Endpoint
	Close() error
}

// sink adopts r and discards its records until the transport closes, then
// drains it.
func (s *server) sink(r receiver) {
	if err := s.adopt(r); err != nil {
		level.Warn(s.logger).Log("msg", "failed to register region", "endpoint", r.Endpoint(), "err", err)
		r.Close()
		r.Release()
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		var total uint64
		for {
			rec, err := r.Next(context.Background())
			if err != nil {
				break
			}
			total += rec.Length
		}
		level.Debug(s.logger).Log("msg", "region drained", "endpoint", r.Endpoint(), "bytes", humanize.IBytes(total))
		r.Chain().MarkDrained()
	}()
}

// sinkStreams adopts a multiplexed region and reads every stream the peer
// opens until the connection closes.
func (s *server) sinkStreams(m *nic.Multiplexed) {
	s.sink(m)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		seen := map[uint64]bool{}
		tick := time.NewTicker(50 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-m.Done():
				return
			case <-tick.C:
			}
			for _, id := range m.Streams() {
				if seen[id] {
					continue
				}
				seen[id] = true
				s.wg.Add(1)
				go func() {
					defer s.wg.Done()
					for {
						if _, err := m.ReceiveNext(id); err != nil {
							return
						}
					}
				}()
			}
		}
	}()
}
