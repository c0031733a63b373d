package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/urfave/cli/v2"
)

// inboxWatcher submits files dropped into a directory once they stop
// changing for the settle period.
type inboxWatcher struct {
	dir     string
	settle  time.Duration
	submit  func(ctx context.Context, path string) error
	pending map[string]time.Time
	logger  *slog.Logger
}

func newInboxWatcher(dir string, settle time.Duration, submit func(ctx context.Context, path string) error) *inboxWatcher {
	return &inboxWatcher{
		dir:     dir,
		settle:  settle,
		submit:  submit,
		pending: make(map[string]time.Time),
		logger:  slog.Default().With("component", "watch", "dir", dir),
	}
}

// Run watches until ctx is done.
func (w *inboxWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}
	w.logger.Info("watching for documents", "settle", w.settle)

	tick := max(w.settle/2, 10*time.Millisecond)
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			w.handle(ev, time.Now())
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", "err", err)
		case now := <-ticker.C:
			for _, path := range w.due(now) {
				if err := w.submit(ctx, path); err != nil {
					w.logger.Error("submission failed", "path", path, "err", err)
				}
			}
		}
	}
}

// handle records creates and writes of regular, non-hidden files and
// forgets files that were removed or renamed away.
func (w *inboxWatcher) handle(ev fsnotify.Event, now time.Time) {
	if strings.HasPrefix(filepath.Base(ev.Name), ".") {
		return
	}
	switch {
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		delete(w.pending, ev.Name)
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		info, err := os.Stat(ev.Name)
		if err != nil || !info.Mode().IsRegular() {
			return
		}
		w.pending[ev.Name] = now
	}
}

// due removes and returns the files quiet for at least the settle period.
func (w *inboxWatcher) due(now time.Time) []string {
	var ready []string
	for path, last := range w.pending {
		if now.Sub(last) >= w.settle {
			ready = append(ready, path)
			delete(w.pending, path)
		}
	}
	slices.Sort(ready)
	return ready
}

func watchCommand(c *cli.Context) error {
	dir, err := requireArg(c, "directory")
	if err != nil {
		return err
	}
	format, err := parseFormat(c.String("format"))
	if err != nil {
		return err
	}

	sys, err := openSystem(c)
	if err != nil {
		return err
	}
	defer sys.Close()

	ctx, stop := interruptible(c.Context)
	defer stop()

	w := newInboxWatcher(dir, c.Duration("settle"), func(ctx context.Context, path string) error {
		receipt, err := sys.Submit(ctx, path, format)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "%s\tjob=%s\tduplicate=%t\n", path, receipt.JobID, receipt.Duplicate)
		return nil
	})
	return w.Run(ctx)
}
