// Package watch polls source trees for changes and triggers rebuilds.
package watch

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Default polling settings.
const (
	DefaultInterval = 300 * time.Millisecond
	DefaultDebounce = 100 * time.Millisecond
)

// skipDirs are never descended into.
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
}

// fileState is what a poll compares between snapshots.
type fileState struct {
	size    int64
	modTime int64
}

// Snapshot maps file paths to their observed state.
type Snapshot map[string]fileState

// Options configures a Watcher.
type Options struct {
	Paths    []string // Files or directories to watch; missing paths are ignored
	Exclude  []string // Directories to skip, typically the output directory
	Interval time.Duration
	Debounce time.Duration // Quiet period required before onChange runs
}

// Watcher polls a set of paths.
type Watcher struct {
	opts   Options
	logger zerolog.Logger
}

// New creates a Watcher. Zero durations select the defaults.
func New(opts Options, logger zerolog.Logger) *Watcher {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	exclude := make([]string, len(opts.Exclude))
	for i, p := range opts.Exclude {
		exclude[i] = filepath.Clean(p)
	}
	opts.Exclude = exclude
	return &Watcher{
		opts:   opts,
		logger: logger.With().Str("component", "watch").Logger(),
	}
}

// Snapshot records the current state of every watched file.
func (w *Watcher) Snapshot() (Snapshot, error) {
	snap := make(Snapshot)
	for _, root := range w.opts.Paths {
		err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			if d.IsDir() {
				if w.excluded(p) || (p != root && skipDirs[d.Name()]) {
					return filepath.SkipDir
				}
				return nil
			}
			info, err := d.Info()
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			snap[p] = fileState{size: info.Size(), modTime: info.ModTime().UnixNano()}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return snap, nil
}

func (w *Watcher) excluded(dir string) bool {
	for _, ex := range w.opts.Exclude {
		if dir == ex || strings.HasPrefix(dir, ex+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// Changed returns the sorted paths added, removed, or modified between two
// snapshots.
func Changed(before, after Snapshot) []string {
	var changed []string
	for p, a := range after {
		if b, ok := before[p]; !ok || b != a {
			changed = append(changed, p)
		}
	}
	for p := range before {
		if _, ok := after[p]; !ok {
			changed = append(changed, p)
		}
	}
	sort.Strings(changed)
	return changed
}

// Run polls until ctx ends and calls onChange with the changed paths once
// they have been stable for the debounce period. onChange runs on the polling
// goroutine, so changes made while it runs are reported on the next call.
func (w *Watcher) Run(ctx context.Context, onChange func(ctx context.Context, changed []string)) error {
	last, err := w.Snapshot()
	if err != nil {
		return err
	}

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	var pending []string
	var settleAt time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			snap, err := w.Snapshot()
			if err != nil {
				w.logger.Warn().Err(err).Msg("poll failed")
				continue
			}
			if changed := Changed(last, snap); len(changed) > 0 {
				pending = mergeSorted(pending, changed)
				settleAt = now.Add(w.opts.Debounce)
				last = snap
				continue
			}
			if len(pending) == 0 || now.Before(settleAt) {
				continue
			}
			w.logger.Debug().Strs("changed", pending).Msg("sources changed")
			onChange(ctx, pending)
			pending = nil
		}
	}
}

// mergeSorted merges b into the sorted slice a without duplicates.
func mergeSorted(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, p := range list {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	sort.Strings(out)
	return out
}
