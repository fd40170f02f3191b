package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/neurogrid/zerocopy/pkg/mapped"
	"github.com/neurogrid/zerocopy/pkg/shm"
	"github.com/neurogrid/zerocopy/pkg/snapshot"
)

func runShmInspect(_ log.Logger, args []string) error {
	fs := flag.NewFlagSet("shm-inspect", flag.ExitOnError)
	name := fs.String("name", "", "Segment name.")
	dir := fs.String("dir", "", "Segment directory. Empty uses the default.")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return errors.New("-name is required")
	}

	h, err := shm.ReadHeader(*name, *dir)
	if err != nil {
		return err
	}
	fmt.Printf("segment:  %s\n", *name)
	fmt.Printf("version:  %d\n", h.Version)
	fmt.Printf("refcount: %d\n", h.Refcount)
	fmt.Printf("size:     %s (%d bytes)\n", humanize.IBytes(h.Size), h.Size)
	fmt.Printf("created:  %s (%s)\n", h.Created.UTC().Format("2006-01-02T15:04:05Z07:00"), humanize.Time(h.Created))
	fmt.Printf("creator:  %s\n", h.Creator)
	return nil
}

func runShmWatch(logger log.Logger, args []string) error {
	fs := flag.NewFlagSet("shm-watch", flag.ExitOnError)
	dir := fs.String("dir", "", "Segment directory. Empty uses the default.")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return shm.Watch(ctx, *dir, logger, func(ev shm.Event) {
		if ev.Op == shm.Created {
			if h, err := shm.ReadHeader(ev.Name, *dir); err == nil {
				level.Info(logger).Log("msg", "segment "+ev.Op.String(), "name", ev.Name, "size", humanize.IBytes(h.Size), "creator", h.Creator)
				return
			}
		}
		level.Info(logger).Log("msg", "segment "+ev.Op.String(), "name", ev.Name)
	})
}

func runSnapshot(logger log.Logger, args []string) error {
	fs := flag.NewFlagSet("snapshot", flag.ExitOnError)
	var (
		path   = fs.String("path", "", "File backing the region.")
		output = fs.String("output", "", "Snapshot file to write.")
		high   = fs.Bool("high", false, "Use the slower high-compression encoder.")
		block  byteSize
	)
	block = snapshot.DefaultBlockSize
	fs.Var(&block, "block", "Region bytes per snapshot frame.")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" || *output == "" {
		return errors.New("-path and -output are required")
	}

	st, err := os.Stat(*path)
	if err != nil {
		return err
	}
	r, err := mapped.Open(uint64(st.Size()), mapped.Options{Path: *path, Mode: mapped.ReadOnly})
	if err != nil {
		return err
	}
	defer r.Release()
	if err := r.Advise(mapped.AdviceSequential); err != nil {
		level.Debug(logger).Log("msg", "madvise failed", "err", err)
	}

	out, err := os.Create(*output)
	if err != nil {
		return err
	}
	stats, err := snapshot.Write(out, r, 0, 0, snapshot.Options{BlockSize: int(block), High: *high})
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	level.Info(logger).Log("msg", "snapshot written", "path", *path, "output", *output, "frames", stats.Frames,
		"original", humanize.IBytes(stats.Original), "compressed", humanize.IBytes(stats.Compressed),
		"ratio", fmt.Sprintf("%.2f", stats.Ratio()))
	return nil
}

func runRestore(logger log.Logger, args []string) error {
	fs := flag.NewFlagSet("restore", flag.ExitOnError)
	var (
		input = fs.String("input", "", "Snapshot file to read.")
		path  = fs.String("path", "", "File backing the restored region.")
		size  byteSize
	)
	fs.Var(&size, "size", "Region size. Zero sizes it to the snapshot.")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *input == "" || *path == "" {
		return errors.New("-input and -path are required")
	}

	in, err := os.Open(*input)
	if err != nil {
		return err
	}
	defer in.Close()

	if size == 0 {
		if size, err = snapshotSize(in); err != nil {
			return err
		}
		if _, err := in.Seek(0, 0); err != nil {
			return err
		}
	}

	r, err := mapped.Open(uint64(size), mapped.Options{Path: *path, Sync: mapped.SyncOnRelease})
	if err != nil {
		return err
	}
	stats, err := snapshot.Read(in, r, 0)
	if rerr := r.Release(); err == nil {
		err = rerr
	}
	if err != nil {
		return err
	}
	level.Info(logger).Log("msg", "snapshot restored", "input", *input, "path", *path, "frames", stats.Frames,
		"bytes", humanize.IBytes(stats.Original))
	return nil
}

// snapshotSize sums the original sizes of every frame in a snapshot.
func snapshotSize(f *os.File) (byteSize, error) {
	r, err := snapshot.Scan(f)
	if err != nil {
		return 0, err
	}
	return byteSize(r.Original), nil
}
