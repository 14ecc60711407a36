// Package syncer moves documents between the local mirror and the remote store.
//
// Pull replaces local collections with the remote contents. Push sends local
// changes outward: in incremental mode the dirty set, in final mode every document
// whose hash the ledger has not confirmed.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/rage-js/rage/internal/ledger"
	"github.com/rage-js/rage/internal/mirror"
	"github.com/rage-js/rage/internal/remote"
)

// DefaultBatchSize caps the documents an incremental push sends per collection.
const DefaultBatchSize = 500

// pullConcurrency is the number of collections fetched at once per database.
const pullConcurrency = 4

// Options configures a Syncer.
type Options struct {
	BatchSize int
	Logger    *slog.Logger
	// RunID identifies this process in the push-cycle log. Empty means a new UUID.
	RunID string
}

// Syncer runs pull and push operations for one method instance.
type Syncer struct {
	client    remote.Client
	mirror    *mirror.Mirror
	ledger    *ledger.Ledger
	batchSize int
	runID     string
	logger    *slog.Logger
	tracer    trace.Tracer
}

// New returns a Syncer over the given remote client, mirror and ledger.
func New(client remote.Client, m *mirror.Mirror, l *ledger.Ledger, opts Options) *Syncer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Syncer{
		client:    client,
		mirror:    m,
		ledger:    l,
		batchSize: opts.BatchSize,
		runID:     opts.RunID,
		logger:    logger,
		tracer:    otel.Tracer("github.com/rage-js/rage/internal/syncer"),
	}
}

// RunID returns the identifier recorded with every push cycle.
func (s *Syncer) RunID() string { return s.runID }

// Pull overwrites every whitelisted, non-excluded local collection with the full
// remote contents. Failed collections are reported together; the others are kept.
func (s *Syncer) Pull(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "syncer.pull")
	defer span.End()

	scope := s.mirror.Scope()
	var (
		mu     sync.Mutex
		errs   []error
		pulled int
	)
	record := func(n int, err error) {
		mu.Lock()
		defer mu.Unlock()
		pulled += n
		if err != nil {
			errs = append(errs, err)
		}
	}

	for _, db := range scope.Databases {
		names, err := s.client.ListCollections(ctx, db)
		if err != nil {
			record(0, err)
			continue
		}

		g := new(errgroup.Group)
		g.SetLimit(pullConcurrency)
		for _, name := range names {
			if !scope.Allows(db, name) {
				s.logger.Debug("skipping excluded collection", "collection", db+"/"+name)
				continue
			}
			g.Go(func() error {
				record(s.pullCollection(ctx, db, name))
				return nil
			})
		}
		_ = g.Wait()
	}

	span.SetAttributes(attribute.Int("rage.documents", pulled))
	err := errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "pull failed")
		return fmt.Errorf("pull failed: %w", err)
	}
	s.logger.Info("pull complete", "documents", pulled)
	return nil
}

func (s *Syncer) pullCollection(ctx context.Context, db, name string) (int, error) {
	docs, err := s.client.Fetch(ctx, db, name)
	if err != nil {
		return 0, err
	}

	c, err := s.mirror.Collection(db, name)
	if err != nil {
		return 0, err
	}
	entries, err := c.Replace(docs)
	if err != nil {
		return 0, err
	}
	if err := s.ledger.ReplaceCollection(ctx, db, name, docHashes(entries)); err != nil {
		return 0, err
	}

	s.logger.Debug("pulled collection", "collection", c.Key(), "documents", len(entries))
	return len(entries), nil
}

// Seed marks dirty every local document whose content the ledger has not
// confirmed, so writes made while the agent was down go out with the next push.
func (s *Syncer) Seed(ctx context.Context) (int, error) {
	total := 0
	for _, db := range s.mirror.Scope().Databases {
		for _, c := range s.mirror.Collections(db) {
			confirmed, err := s.ledger.Confirmed(ctx, db, c.Name())
			if err != nil {
				return total, err
			}
			var ids []string
			for id, hash := range c.Hashes() {
				if confirmed[id] != hash {
					ids = append(ids, id)
				}
			}
			c.MarkDirty(ids...)
			total += len(ids)
		}
	}
	return total, nil
}

// Push sends local changes to the remote store and records the cycle under pushCount.
//
// Incremental pushes send the dirty set, at most BatchSize documents per collection.
// Final pushes send every unconfirmed document with no cap. Dirty markers are
// cleared only for documents whose content did not change while the push ran.
func (s *Syncer) Push(ctx context.Context, pushCount int, final bool) (ledger.Cycle, error) {
	ctx, span := s.tracer.Start(ctx, "syncer.push", trace.WithAttributes(
		attribute.Int("rage.push_count", pushCount),
		attribute.Bool("rage.final", final),
	))
	defer span.End()

	cycle := ledger.Cycle{
		RunID:     s.runID,
		PushCount: pushCount,
		Final:     final,
		StartedAt: time.Now(),
	}

	var errs []error
	for _, db := range s.mirror.Scope().Databases {
		for _, c := range s.mirror.Collections(db) {
			written, failed, err := s.pushCollection(ctx, c, pushCount, final)
			cycle.Written += written
			cycle.Failed += failed
			if err != nil {
				errs = append(errs, err)
			}
		}
	}

	err := errors.Join(errs...)
	cycle.FinishedAt = time.Now()
	if err != nil {
		cycle.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, "push failed")
	}
	span.SetAttributes(
		attribute.Int("rage.written", cycle.Written),
		attribute.Int("rage.failed", cycle.Failed),
	)

	if recErr := s.ledger.RecordCycle(ctx, cycle); recErr != nil {
		s.logger.Warn("failed to record push cycle", "push_count", pushCount, "error", recErr)
	}

	if err != nil {
		return cycle, fmt.Errorf("push %d failed: %w", pushCount, err)
	}
	if cycle.Written > 0 || final {
		s.logger.Info("push complete", "push_count", pushCount, "final", final, "written", cycle.Written, "failed", cycle.Failed)
	}
	return cycle, nil
}

func (s *Syncer) pushCollection(ctx context.Context, c *mirror.Collection, pushCount int, final bool) (written, failed int, err error) {
	ids, err := s.pending(ctx, c, final)
	if err != nil {
		return 0, 0, err
	}
	if len(ids) == 0 {
		return 0, 0, nil
	}

	entries := c.Snapshot(ids)
	valid := make([]mirror.Entry, 0, len(entries))
	var invalid []ledger.DocHash
	for _, e := range entries {
		if err := c.Schema().Validate(e.Doc); err != nil {
			s.logger.Warn("not pushing invalid document", "collection", c.Key(), "id", e.ID, "error", err)
			invalid = append(invalid, ledger.DocHash{ID: e.ID, Hash: e.Hash})
			continue
		}
		valid = append(valid, e)
	}
	// Invalid documents leave the dirty set only once their FAILED row exists.
	if err := s.ledger.MarkInvalid(ctx, c.Database(), c.Name(), invalid, pushCount); err != nil {
		return 0, len(invalid), err
	}
	for _, d := range invalid {
		c.ClearDirty(d.ID, d.Hash)
	}
	failed = len(invalid)

	var errs []error
	for start := 0; start < len(valid); start += s.batchSize {
		chunk := valid[start:min(start+s.batchSize, len(valid))]
		n, err := s.upsert(ctx, c, chunk, pushCount)
		written += n
		if err != nil {
			failed += len(chunk)
			errs = append(errs, err)
		}
	}
	return written, failed, errors.Join(errs...)
}

// pending returns the ids a push should send for c.
func (s *Syncer) pending(ctx context.Context, c *mirror.Collection, final bool) ([]string, error) {
	dirty := c.Dirty()
	if !final {
		if len(dirty) > s.batchSize {
			dirty = dirty[:s.batchSize]
		}
		return dirty, nil
	}

	confirmed, err := s.ledger.Confirmed(ctx, c.Database(), c.Name())
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(dirty))
	for _, id := range dirty {
		set[id] = struct{}{}
	}
	for id, hash := range c.Hashes() {
		if confirmed[id] != hash {
			set[id] = struct{}{}
		}
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Syncer) upsert(ctx context.Context, c *mirror.Collection, entries []mirror.Entry, pushCount int) (int, error) {
	docs := make([]mirror.Document, len(entries))
	ids := make([]string, len(entries))
	for i, e := range entries {
		docs[i] = e.Doc
		ids[i] = e.ID
	}

	if err := s.client.Upsert(ctx, c.Database(), c.Name(), docs); err != nil {
		if lerr := s.ledger.IncrementErrors(ctx, c.Database(), c.Name(), ids); lerr != nil {
			s.logger.Warn("failed to record push errors", "collection", c.Key(), "error", lerr)
		}
		return 0, fmt.Errorf("%s: %w", c.Key(), err)
	}

	if err := s.ledger.MarkPushed(ctx, c.Database(), c.Name(), docHashes(entries), pushCount); err != nil {
		return 0, err
	}
	for _, e := range entries {
		c.ClearDirty(e.ID, e.Hash)
	}
	return len(entries), nil
}

func docHashes(entries []mirror.Entry) []ledger.DocHash {
	out := make([]ledger.DocHash, len(entries))
	for i, e := range entries {
		out[i] = ledger.DocHash{ID: e.ID, Hash: e.Hash}
	}
	return out
}
