// Shared wiring for cellmirror CLI commands.
package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/cellmirror/internal/cache"
	"github.com/mesh-intelligence/cellmirror/internal/checker"
	"github.com/mesh-intelligence/cellmirror/internal/journal"
	"github.com/mesh-intelligence/cellmirror/internal/mirror"
	"github.com/mesh-intelligence/cellmirror/internal/query"
	"github.com/mesh-intelligence/cellmirror/internal/recordstore"
	"github.com/mesh-intelligence/cellmirror/internal/remote"
	"github.com/mesh-intelligence/cellmirror/internal/syncer"
	"github.com/mesh-intelligence/cellmirror/pkg/types"
)

// errNoRemote is returned by commands that need the remote catalog when
// remote.url is not configured.
var errNoRemote = errors.New("remote.url is not configured")

// stack is the set of components one command works with. The caller must
// defer Close.
type stack struct {
	mirror  *mirror.Mirror
	layer   *cache.Layer // nil without a cache backend
	remote  types.Remote // nil without remote.url
	syncer  *syncer.Syncer
	checker *checker.Checker
	query   *query.Engine
	journal *journal.Journal // nil when disabled
}

// open wires the components for the configured mirror root.
func (a *app) open() (*stack, error) {
	cfg := a.cfg
	log := a.logger

	store, err := recordstore.New(cfg.Root, recordstore.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("open record store: %w", err)
	}
	m, err := mirror.Open(store, mirror.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("open mirror: %w", err)
	}
	s := &stack{mirror: m}

	if cfg.Remote.URL != "" {
		client, err := remote.New(cfg.Remote.URL, append(remote.FromConfig(cfg.Remote), remote.WithLogger(log))...)
		if err != nil {
			return nil, err
		}
		s.remote = client
	}
	s.syncer = syncer.New(m, s.remote, append(syncer.FromConfig(cfg.Remote), syncer.WithLogger(log))...)

	backend, err := cache.NewBackend(cfg.Cache, log)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	checkOpts := []checker.Option{checker.WithLogger(log)}
	queryOpts := []query.Option{query.WithLogger(log)}
	if backend != nil {
		s.layer = cache.New(backend, m, cache.WithLogger(log))
		m.SetInvalidator(s.layer)
		checkOpts = append(checkOpts, checker.WithCache(s.layer))
		queryOpts = append(queryOpts, query.WithCache(s.layer))
	}
	if s.remote != nil {
		checkOpts = append(checkOpts, checker.WithRefetcher(s.syncer))
	}
	s.checker = checker.New(m, checkOpts...)
	s.query = query.New(m, queryOpts...)

	if cfg.Journal.Enabled {
		j, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.journal = j
	}
	return s, nil
}

// Close releases the cache backend and the journal.
func (s *stack) Close() error {
	var errs []error
	if s.layer != nil {
		errs = append(errs, s.layer.Close())
	}
	if s.journal != nil {
		errs = append(errs, s.journal.Close())
	}
	return errors.Join(errs...)
}

// requireRemote fails when no remote is configured.
func (s *stack) requireRemote() error {
	if s.remote == nil {
		return &ExitError{Code: exitError, Message: "remote required", Err: errNoRemote}
	}
	return nil
}

// record appends run to the journal when it is enabled. Journal failures
// are logged and never fail the command.
func (a *app) record(ctx context.Context, s *stack, run journal.Run, err error) {
	if s.journal == nil {
		return
	}
	if err == nil {
		err = s.journal.Record(ctx, run)
	}
	if err != nil {
		a.logger.Warn("journal write failed", "err", err)
	}
}

// windowFlags are the --device/--after/--before/--id flags shared by sync
// and prune.
type windowFlags struct {
	device string
	after  string
	before string
	id     string
}

func (w *windowFlags) register(cmd *cobra.Command, withID bool) {
	cmd.Flags().StringVar(&w.device, "device", "", "device ID")
	cmd.Flags().StringVar(&w.after, "after", "", "start time lower bound, inclusive ("+types.StartTimeLayout+" or RFC3339)")
	cmd.Flags().StringVar(&w.before, "before", "", "start time upper bound, exclusive")
	if withID {
		cmd.Flags().StringVar(&w.id, "id", "", "single record ID")
	}
}

func (w *windowFlags) filter() (types.RemoteFilter, error) {
	f := types.RemoteFilter{ID: w.id}
	var err error
	if f.DeviceID, err = parseDevice(w.device); err != nil {
		return f, err
	}
	if f.StartAfter, err = parseTimeFlag("after", w.after); err != nil {
		return f, err
	}
	if f.StartBefore, err = parseTimeFlag("before", w.before); err != nil {
		return f, err
	}
	if f.StartAfter != nil && f.StartBefore != nil && !f.StartAfter.Before(*f.StartBefore) {
		return f, usageError("--after must precede --before")
	}
	return f, nil
}

func parseDevice(s string) (*int64, error) {
	if s == "" {
		return nil, nil
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, usageError("invalid device ID %q", s)
	}
	return &id, nil
}

func parseTimeFlag(name, s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := types.ParseTime(s)
	if err != nil {
		return nil, usageError("--%s: %v", name, err)
	}
	return &t, nil
}

func usageError(format string, args ...any) *ExitError {
	return &ExitError{Code: exitError, Message: fmt.Sprintf(format, args...)}
}
