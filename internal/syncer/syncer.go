// Package syncer reconciles the local mirror against the remote catalog.
//
// A sync lists every page the remote returns for a filter, then, inside the
// mirror's exclusive section, creates records it has never seen, re-fetches
// records whose last data point moved forward, and skips the rest without
// touching the network. Per-record failures are collected in the summary;
// the manifest is saved once at the end.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/mesh-intelligence/cellmirror/internal/manifest"
	"github.com/mesh-intelligence/cellmirror/internal/mirror"
	"github.com/mesh-intelligence/cellmirror/pkg/types"
)

// Syncer pulls records from a Remote into a Mirror.
type Syncer struct {
	mirror *mirror.Mirror
	remote types.Remote
	logger *slog.Logger

	parallelism int
	timeout     time.Duration
	retries     int
	backoff     time.Duration
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Syncer) { s.logger = l }
}

// WithParallelism bounds concurrent payload fetches.
func WithParallelism(n int) Option {
	return func(s *Syncer) {
		if n > 0 {
			s.parallelism = n
		}
	}
}

// WithFetchTimeout bounds every single remote call.
func WithFetchTimeout(d time.Duration) Option {
	return func(s *Syncer) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithRetry sets how often a call failing with types.ErrRemoteUnavailable
// is retried, and the first backoff interval.
func WithRetry(retries int, initial time.Duration) Option {
	return func(s *Syncer) {
		if retries >= 0 {
			s.retries = retries
		}
		if initial > 0 {
			s.backoff = initial
		}
	}
}

// FromConfig maps remote configuration onto options.
func FromConfig(cfg types.RemoteConfig) []Option {
	return []Option{
		WithParallelism(cfg.Parallelism),
		WithFetchTimeout(cfg.Timeout),
		WithRetry(cfg.Retries, cfg.Backoff),
	}
}

// New returns a Syncer. Defaults match types.Defaults().
func New(m *mirror.Mirror, remote types.Remote, opts ...Option) *Syncer {
	d := types.Defaults().Remote
	s := &Syncer{
		mirror:      m,
		remote:      remote,
		logger:      slog.Default(),
		parallelism: d.Parallelism,
		timeout:     d.Timeout,
		retries:     d.Retries,
		backoff:     d.Backoff,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type action int

const (
	actCreate action = iota
	actUpdate
	actMetadata // remote metadata changed, payload did not
)

type planned struct {
	rec    types.TestRecord
	path   string
	action action
	err    error
}

// Sync mirrors every remote record inside filter. Records outside the
// filter window are left alone. The returned summary is valid whenever the
// error is nil; a listing failure or a manifest save failure is returned as
// an error and leaves the manifest unchanged.
func (s *Syncer) Sync(ctx context.Context, filter types.RemoteFilter) (*types.SyncSummary, error) {
	start := time.Now()
	sum := &types.SyncSummary{RunID: types.NewRunID(), Filter: filter}
	log := s.logger.With("run_id", sum.RunID)

	remote, err := s.listAll(ctx, filter)
	if err != nil {
		return nil, err
	}
	sum.Listed = len(remote)
	log.Debug("remote listed", "records", len(remote))

	err = s.mirror.Mutate(ctx, func(doc *manifest.Manifest) error {
		plan := s.plan(doc, remote, sum)
		s.execute(ctx, plan)
		for _, p := range plan {
			if p.err != nil {
				sum.Failed++
				sum.Failures = append(sum.Failures, types.NewRecordFailure(p.rec.ID, p.err))
				log.Warn("record failed", "id", p.rec.ID, "err", p.err)
				continue
			}
			if _, err := doc.Upsert(p.rec.Entry(p.path)); err != nil {
				sum.Failed++
				sum.Failures = append(sum.Failures, types.NewRecordFailure(p.rec.ID, err))
				continue
			}
			if p.action == actCreate {
				sum.Created++
			} else {
				sum.Updated++
			}
		}
		return nil
	})
	sum.Duration = time.Since(start)
	if err != nil {
		return nil, err
	}
	log.Info("sync complete",
		"created", sum.Created, "updated", sum.Updated,
		"skipped", sum.Skipped, "failed", sum.Failed,
		"duration", sum.Duration)
	if err := ctx.Err(); err != nil {
		return sum, fmt.Errorf("sync interrupted: %w", err)
	}
	return sum, nil
}

// plan decides per remote record what to do against the manifest. Skipped
// records are counted directly; invalid ones carry their error.
func (s *Syncer) plan(doc *manifest.Manifest, remote []types.TestRecord, sum *types.SyncSummary) []planned {
	claimed := make(map[string]string, doc.Len())
	doc.Each(func(e *types.ManifestEntry) bool {
		claimed[e.StoragePath] = e.ID
		return true
	})

	var plan []planned
	for _, rec := range remote {
		if err := rec.Validate(); err != nil {
			plan = append(plan, planned{rec: rec, err: err})
			continue
		}
		existing, ok := doc.Get(rec.ID)
		switch {
		case !ok:
			path := s.mirror.Store().StoragePath(&rec)
			if owner, taken := claimed[path]; taken && owner != rec.ID {
				plan = append(plan, planned{rec: rec, err: fmt.Errorf("%w: storage path %s belongs to %s", types.ErrConflict, path, owner)})
				continue
			}
			claimed[path] = rec.ID
			plan = append(plan, planned{rec: rec, path: path, action: actCreate})
		case rec.NewerThan(&existing.TestRecord):
			plan = append(plan, planned{rec: rec, path: existing.StoragePath, action: actUpdate})
		case !sameMetadata(&rec, &existing.TestRecord):
			plan = append(plan, planned{rec: rec, path: existing.StoragePath, action: actMetadata})
		default:
			sum.Skipped++
		}
	}
	return plan
}

// execute performs the planned writes with bounded parallelism. A failed
// record never cancels its siblings.
func (s *Syncer) execute(ctx context.Context, plan []planned) {
	var g errgroup.Group
	g.SetLimit(s.parallelism)
	for i := range plan {
		p := &plan[i]
		if p.err != nil {
			continue
		}
		g.Go(func() error {
			p.err = s.apply(ctx, p)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Syncer) apply(ctx context.Context, p *planned) error {
	store := s.mirror.Store()
	if p.action == actMetadata {
		if err := store.RewriteMetadata(p.path, &p.rec); err == nil {
			return nil
		}
		// Local payload is unreadable; fall back to a full fetch.
	}
	payload, err := s.fetch(ctx, p.rec.ID)
	if err != nil {
		return err
	}
	return store.PutAt(ctx, p.path, &p.rec, payload)
}

// fetch downloads one payload, retrying transient failures. Each attempt is
// bounded by the fetch timeout.
func (s *Syncer) fetch(ctx context.Context, id string) ([]byte, error) {
	var payload []byte
	err := s.retry(ctx, func(ctx context.Context) error {
		actx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		data, err := s.remote.FetchPayload(actx, id)
		if err != nil {
			if errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				return backoff.Permanent(fmt.Errorf("fetching payload %s: timed out after %s: %w", id, s.timeout, err))
			}
			return err
		}
		payload = data
		return nil
	})
	return payload, err
}

// listAll consumes every page for filter. Duplicate IDs across pages keep
// the record with the newest data point.
func (s *Syncer) listAll(ctx context.Context, filter types.RemoteFilter) ([]types.TestRecord, error) {
	var out []types.TestRecord
	index := make(map[string]int)
	token := ""
	seen := make(map[string]bool)
	for {
		var page types.Page
		err := s.retry(ctx, func(ctx context.Context) error {
			actx, cancel := context.WithTimeout(ctx, s.timeout)
			defer cancel()
			p, err := s.remote.ListRecords(actx, filter, token)
			if err != nil {
				return err
			}
			page = p
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("listing remote records: %w", err)
		}
		for _, rec := range page.Records {
			rec.Normalize()
			if i, dup := index[rec.ID]; dup {
				if !out[i].NewerThan(&rec) {
					out[i] = rec
				}
				continue
			}
			index[rec.ID] = len(out)
			out = append(out, rec)
		}
		if page.NextPageToken == "" {
			return out, nil
		}
		if seen[page.NextPageToken] {
			return nil, fmt.Errorf("listing remote records: page token %q repeated", page.NextPageToken)
		}
		seen[page.NextPageToken] = true
		token = page.NextPageToken
	}
}

// retry runs op until it succeeds, fails with an error other than
// types.ErrRemoteUnavailable, or the retry budget is spent.
func (s *Syncer) retry(ctx context.Context, op func(context.Context) error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.backoff
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(s.retries)), ctx)
	return backoff.Retry(func() error {
		err := op(ctx)
		if err != nil && !errors.Is(err, types.ErrRemoteUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}

func sameMetadata(a, b *types.TestRecord) bool {
	if a.ID != b.ID || a.DeviceID != b.DeviceID || a.Name != b.Name ||
		a.DeviceName != b.DeviceName || a.Project != b.Project ||
		!a.StartTime.Equal(b.StartTime) ||
		a.LastDataPointTimestamp != b.LastDataPointTimestamp ||
		len(a.Tags) != len(b.Tags) {
		return false
	}
	for i := range a.Tags {
		if a.Tags[i] != b.Tags[i] {
			return false
		}
	}
	return true
}
