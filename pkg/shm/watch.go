package shm

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

// Op is a segment lifecycle change.
type Op int

const (
	Created Op = iota + 1
	Removed
)

func (o Op) String() string {
	switch o {
	case Created:
		return "created"
	case Removed:
		return "removed"
	}
	return "unknown"
}

// Event reports that a segment name appeared in or left the directory.
type Event struct {
	Name string
	Op   Op
}

// Watch reports segment creation and unlinking in dir until ctx is done.
// It blocks; fn runs on the calling goroutine.
func Watch(ctx context.Context, dir string, logger log.Logger, fn func(Event)) error {
	if dir == "" {
		dir = DefaultDir
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create watcher")
	}
	defer w.Close()

	if err := w.Add(dir); err != nil {
		return errors.Wrapf(err, "watch %s", dir)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			var op Op
			switch {
			case ev.Op&fsnotify.Create != 0:
				op = Created
			case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				op = Removed
			default:
				continue
			}
			fn(Event{Name: filepath.Base(ev.Name), Op: op})
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			level.Warn(logger).Log("msg", "segment watch error", "dir", dir, "err", err)
		}
	}
}
