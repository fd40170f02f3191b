package main

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/neurogrid/zerocopy/pkg/pool"
	"github.com/neurogrid/zerocopy/pkg/region"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "regionctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
tcp_listen_address: 127.0.0.1:7000
region_size: 8MiB
pool:
  initial_slots: 64
  sweep_interval: 250ms
`), 0o644))

	var cfg ServeConfig
	err := loadConfig(flag.NewFlagSet("test", flag.ContinueOnError), &cfg, []string{
		"-config.file", path,
		"-pool.initial-slots", "128",
	})
	require.NoError(t, err)

	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, "127.0.0.1:7000", cfg.TCPListen)
	require.Equal(t, byteSize(8<<20), cfg.RegionSize)
	require.Equal(t, 250*time.Millisecond, cfg.Pool.SweepInterval)
	// Flags win over the file.
	require.Equal(t, uint(128), cfg.Pool.InitialSlots)
	// Untouched values keep their defaults.
	require.Equal(t, ":9464", cfg.HTTPListen)
	require.Equal(t, -1, cfg.P2PPort)
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "regionctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte("no_such_field: 1\n"), 0o644))

	var cfg ServeConfig
	err := loadConfig(flag.NewFlagSet("test", flag.ContinueOnError), &cfg, []string{"-config.file=" + path})
	require.Error(t, err)
}

func TestByteSize(t *testing.T) {
	var b byteSize
	require.NoError(t, b.Set("64KiB"))
	require.Equal(t, byteSize(64<<10), b)
	require.Equal(t, "64 KiB", b.String())
	require.Error(t, b.Set("lots"))
}

func TestBench(t *testing.T) {
	cfg := pool.DefaultConfig()
	cfg.DisableReclaimer = true
	p, err := pool.New(cfg, log.NewNopLogger(), nil)
	require.NoError(t, err)
	defer p.Close()

	// 1000-byte chunks leave 96 dead bytes at the end of every 4KiB region.
	res, err := bench(p, region.Heap, 4096, 1000, 40_000)
	require.NoError(t, err)
	require.Equal(t, uint64(40), res.Claims)
	require.Equal(t, uint64(40_000), res.Bytes)
	require.Equal(t, 10, res.Regions)
	require.Equal(t, uint64(9*96), res.DeadSpace)
	require.Equal(t, 10, res.Reclaimed)
	require.Equal(t, 0, p.Len())

	_, err = bench(p, region.Heap, 4096, 4, 100)
	require.Error(t, err)
}
