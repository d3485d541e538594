// Package daemon runs the mirror in watch mode.
//
// The daemon:
//  1. Syncs the configured window on start and then every Interval
//  2. Watches the mirror root recursively for external edits
//  3. After edits settle for Debounce, reloads the manifest and runs a
//     check, repairing when the check finds anything
//  4. Stops when its context is cancelled
//
// Sync and repair runs never overlap; one goroutine performs them in turn.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mesh-intelligence/cellmirror/pkg/types"
)

// Syncer pulls the remote into the mirror.
type Syncer interface {
	Sync(ctx context.Context, filter types.RemoteFilter) (*types.SyncSummary, error)
}

// Checker finds and repairs inconsistencies.
type Checker interface {
	Check(ctx context.Context) (*types.CheckReport, error)
	Repair(ctx context.Context, rep *types.CheckReport) (*types.RepairResult, error)
}

// Reloader re-reads the manifest from disk.
type Reloader interface {
	Reload(ctx context.Context) error
}

// Option configures a Daemon.
type Option func(*Daemon)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Daemon) { d.logger = l }
}

// WithFilter narrows the periodic sync.
func WithFilter(f types.RemoteFilter) Option {
	return func(d *Daemon) { d.filter = f }
}

// OnSync is called after every sync run that produced a summary.
func OnSync(fn func(*types.SyncSummary)) Option {
	return func(d *Daemon) { d.onSync = fn }
}

// OnRepair is called after every repair run.
func OnRepair(fn func(*types.RepairResult)) Option {
	return func(d *Daemon) { d.onRepair = fn }
}

// Daemon orchestrates file watching, periodic sync and repair.
type Daemon struct {
	root     string
	reloader Reloader
	syncer   Syncer
	checker  Checker
	cfg      types.WatchConfig
	filter   types.RemoteFilter
	logger   *slog.Logger
	onSync   func(*types.SyncSummary)
	onRepair func(*types.RepairResult)

	watcher *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]time.Time // path -> last event
}

// New returns a daemon for the mirror at root. A nil syncer disables the
// periodic sync; a zero Interval does the same.
func New(root string, r Reloader, s Syncer, c Checker, cfg types.WatchConfig, opts ...Option) (*Daemon, error) {
	if root == "" {
		return nil, types.ErrRootEmpty
	}
	if r == nil || c == nil {
		return nil, errors.New("daemon needs a reloader and a checker")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = types.Defaults().Watch.Debounce
	}
	d := &Daemon{
		root:     root,
		reloader: r,
		syncer:   s,
		checker:  c,
		cfg:      cfg,
		logger:   slog.Default(),
		pending:  make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Run blocks until ctx is cancelled. It returns nil on cancellation and an
// error only when the watcher cannot be set up.
func (d *Daemon) Run(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	d.watcher = w
	defer w.Close()

	if err := d.addTree(d.root); err != nil {
		return fmt.Errorf("watching %s: %w", d.root, err)
	}
	d.logger.Info("watching mirror", "root", d.root, "interval", d.cfg.Interval, "debounce", d.cfg.Debounce)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.watchEvents(ctx)
	}()

	d.sync(ctx)
	d.loop(ctx)

	wg.Wait()
	d.logger.Info("watch stopped")
	return nil
}

// loop performs every mutating run on one goroutine.
func (d *Daemon) loop(ctx context.Context) {
	debounce := time.NewTicker(max(d.cfg.Debounce/2, time.Millisecond))
	defer debounce.Stop()

	var syncTick <-chan time.Time
	if d.syncer != nil && d.cfg.Interval > 0 {
		t := time.NewTicker(d.cfg.Interval)
		defer t.Stop()
		syncTick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-syncTick:
			d.sync(ctx)
		case <-debounce.C:
			if d.settled(time.Now()) {
				d.checkAndRepair(ctx)
			}
		}
	}
}

func (d *Daemon) sync(ctx context.Context) {
	if d.syncer == nil {
		return
	}
	sum, err := d.syncer.Sync(ctx, d.filter)
	if sum != nil {
		d.logger.Info("sync done", "run", sum.RunID, "created", sum.Created, "updated", sum.Updated,
			"skipped", sum.Skipped, "failed", sum.Failed)
		if d.onSync != nil {
			d.onSync(sum)
		}
	}
	if err != nil && ctx.Err() == nil {
		d.logger.Warn("sync failed", "err", err)
	}
	// Our own writes are not external edits.
	d.clearPending()
}

func (d *Daemon) checkAndRepair(ctx context.Context) {
	if err := d.reloader.Reload(ctx); err != nil {
		d.logger.Warn("reloading manifest", "err", err)
		return
	}
	rep, err := d.checker.Check(ctx)
	if err != nil {
		d.logger.Warn("check failed", "err", err)
		return
	}
	if rep.Clean() {
		d.logger.Debug("mirror consistent", "entries", rep.Entries)
		return
	}
	d.logger.Info("inconsistencies found", "issues", rep.Issues())
	res, err := d.checker.Repair(ctx, rep)
	if res != nil {
		d.logger.Info("repair done", "run", res.RunID, "actions", res.Actions(), "data_loss", len(res.DataLoss))
		if d.onRepair != nil {
			d.onRepair(res)
		}
	}
	if err != nil && ctx.Err() == nil {
		d.logger.Warn("repair failed", "err", err)
	}
	d.clearPending()
}

func (d *Daemon) watchEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			d.handleEvent(ev)
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Warn("watcher error", "err", err)
		}
	}
}

func (d *Daemon) handleEvent(ev fsnotify.Event) {
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	if ignored(d.root, ev.Name) {
		return
	}
	if ev.Op&fsnotify.Create != 0 {
		// New record directories need their own watch.
		if err := d.addTree(ev.Name); err != nil && !errors.Is(err, fs.ErrNotExist) {
			d.logger.Debug("adding watch", "path", ev.Name, "err", err)
		}
	}
	d.logger.Debug("file event", "op", ev.Op.String(), "path", ev.Name)
	d.mu.Lock()
	d.pending[ev.Name] = time.Now()
	d.mu.Unlock()
}

// settled reports whether changes are queued and the newest is older than
// the debounce interval; it clears the queue when it returns true.
func (d *Daemon) settled(now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pending) == 0 {
		return false
	}
	for _, at := range d.pending {
		if now.Sub(at) < d.cfg.Debounce {
			return false
		}
	}
	clear(d.pending)
	return true
}

func (d *Daemon) clearPending() {
	d.mu.Lock()
	clear(d.pending)
	d.mu.Unlock()
}

// addTree watches dir and every non-hidden directory below it.
func (d *Daemon) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !e.IsDir() {
			return nil
		}
		if path != d.root && strings.HasPrefix(e.Name(), ".") {
			return filepath.SkipDir
		}
		return d.watcher.Add(path)
	})
}

// ignored reports whether path is a hidden file of the mirror's own: temp
// files, debris, the cache database and the journal.
func ignored(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return true
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if strings.HasPrefix(part, ".") && part != "." {
			return true
		}
	}
	return false
}
