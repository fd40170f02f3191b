// Package main provides regionctl, a CLI for exercising and inspecting
// zero-copy regions.
//
// Usage:
//
//	# Push 1GiB through a chained heap region in 64KiB claims
//	regionctl bench -size 64MiB -chunk 64KiB -total 1GiB
//
//	# Print the header of a shared memory segment
//	regionctl shm-inspect -name feed
//
//	# Follow segment creation and removal
//	regionctl shm-watch
//
//	# Save a file-backed region and load it back
//	regionctl snapshot -path data.bin -output data.zcs
//	regionctl restore -input data.zcs -path copy.bin
//
//	# Run a pool with metrics and a TCP region listener
//	regionctl serve -config.file regionctl.yaml
package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

type command struct {
	help string
	run  func(logger log.Logger, args []string) error
}

var commands = map[string]command{
	"bench":       {"produce and consume through a chained region", runBench},
	"shm-inspect": {"print a shared memory segment header", runShmInspect},
	"shm-watch":   {"report shared memory segments as they appear and go", runShmWatch},
	"snapshot":    {"write an lz4 snapshot of a file-backed region", runSnapshot},
	"restore":     {"restore a snapshot into a file-backed region", runRestore},
	"serve":       {"run a region pool with metrics and network listeners", runServe},
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd, ok := commands[os.Args[1]]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}

	logger := newLogger(os.Getenv("REGIONCTL_LOG_LEVEL"))
	if err := cmd.run(logger, os.Args[2:]); err != nil {
		level.Error(logger).Log("msg", os.Args[1]+" failed", "err", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: regionctl <command> [flags]")
	fmt.Fprintln(os.Stderr)
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(os.Stderr, "  %-12s %s\n", name, commands[name].help)
	}
}

func newLogger(lvl string) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = level.NewFilter(logger, levelOption(lvl))
	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
}

func levelOption(lvl string) level.Option {
	switch lvl {
	case "debug":
		return level.AllowDebug()
	case "warn":
		return level.AllowWarn()
	case "error":
		return level.AllowError()
	}
	return level.AllowInfo()
}
