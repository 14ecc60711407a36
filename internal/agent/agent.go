// Package agent wires configuration, the local mirror, the ledger and exactly one
// method instance together.
//
// Lifecycle:
//  1. New validates the configuration; nothing touches disk on failure
//  2. Setup creates outDir/<database> and opens the mirror and ledger
//  3. Start builds the remote client and launches the instance
//  4. Stop waits for the final push and reports whether it succeeded
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rage-js/rage/internal/clock"
	"github.com/rage-js/rage/internal/config"
	"github.com/rage-js/rage/internal/core"
	"github.com/rage-js/rage/internal/ledger"
	"github.com/rage-js/rage/internal/mirror"
	"github.com/rage-js/rage/internal/remote"
	"github.com/rage-js/rage/internal/remote/dataapi"
	"github.com/rage-js/rage/internal/remote/mongo"
	"github.com/rage-js/rage/internal/syncer"
)

// ErrNotSetup is returned when Start or a one-shot operation runs before Setup.
var ErrNotSetup = errors.New("agent is not set up")

// ErrStillRunning is returned by Close while the instance has not finished.
var ErrStillRunning = errors.New("sync instance is still running")

// ClientFactory builds the remote client for a configuration.
type ClientFactory func(cfg *config.Config) (remote.Client, error)

// Option customizes a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger. The default discards records.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// WithClock sets the clock driving the instance's waits.
func WithClock(c clock.Clock) Option {
	return func(s *Supervisor) { s.clock = c }
}

// WithClientFactory replaces the client chosen by databaseType.
func WithClientFactory(f ClientFactory) Option {
	return func(s *Supervisor) { s.newClient = f }
}

// Supervisor owns the configuration and one method instance.
type Supervisor struct {
	cfg       *config.Config
	logger    *slog.Logger
	clock     clock.Clock
	newClient ClientFactory

	mu     sync.Mutex
	mirror *mirror.Mirror
	ledger *ledger.Ledger
	inst   *core.Instance
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New validates cfg and returns an idle supervisor.
func New(cfg *config.Config, opts ...Option) (*Supervisor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: configuration is required", config.ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Supervisor{
		cfg:       cfg,
		logger:    slog.New(slog.DiscardHandler),
		clock:     clock.RealClock{},
		newClient: NewClient,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NewClient returns the remote client selected by cfg.DatabaseType.
func NewClient(cfg *config.Config) (remote.Client, error) {
	settings := cfg.DatabaseSpecificSettings
	switch cfg.DatabaseType {
	case config.MongoDB:
		return mongo.New(settings.SecretKey)
	case config.DataAPI:
		return dataapi.New(dataapi.Options{
			Endpoint:  settings.Endpoint,
			SecretKey: settings.SecretKey,
			Retries:   2,
		})
	default:
		return nil, fmt.Errorf("%w: unknown databaseType %q", config.ErrInvalidConfig, cfg.DatabaseType)
	}
}

// Config returns the configuration the supervisor was built with.
func (s *Supervisor) Config() *config.Config { return s.cfg }

// Setup prepares the local mirror directory layout and opens the ledger.
func (s *Supervisor) Setup() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mirror != nil {
		return nil
	}

	m, err := mirror.Open(mirror.Options{
		OutDir:  s.cfg.OutDir,
		Scope:   s.cfg.Scope(),
		Schemas: s.cfg.MirrorSchemas(),
		Logger:  s.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to prepare local mirror: %w", err)
	}

	l, err := ledger.Open(s.cfg.Ledger())
	if err != nil {
		return err
	}

	s.mirror = m
	s.ledger = l
	s.logger.Info("local mirror ready", "out_dir", s.cfg.OutDir, "databases", s.cfg.DatabaseSpecificSettings.Dbs)
	return nil
}

// Mirror returns the local mirror, or nil before Setup.
func (s *Supervisor) Mirror() *mirror.Mirror {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mirror
}

// Ledger returns the push ledger, or nil before Setup.
func (s *Supervisor) Ledger() *ledger.Ledger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger
}

// Instance returns the running method instance, or nil before Start.
func (s *Supervisor) Instance() *core.Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inst
}

// Start builds the remote client and launches the method instance. It returns
// once the instance is running in the background.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mirror == nil {
		return ErrNotSetup
	}
	if s.inst != nil {
		return fmt.Errorf("agent already started")
	}

	client, err := s.newClient(s.cfg)
	if err != nil {
		return fmt.Errorf("failed to create remote client: %w", err)
	}

	sc := syncer.New(client, s.mirror, s.ledger, syncer.Options{
		BatchSize: s.cfg.BatchSize,
		Logger:    s.logger,
	})

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.inst = core.New(client, sc, core.Options{
		Method:         s.cfg.Method,
		Interval:       s.cfg.Interval(),
		LoopStartDelay: s.cfg.StartDelay(),
		FetchOnFirst:   s.cfg.FetchOnFirst,
		PushTimeout:    s.cfg.PushTimeoutDuration(),
		ShutdownGrace:  s.cfg.ShutdownGraceDuration(),
		Debounce:       s.cfg.DebounceDuration(),
		Changes:        s.mirror.Changes(),
		Clock:          s.clock,
		Logger:         s.logger,
	})

	if s.cfg.WatchFiles {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.mirror.Watch(runCtx, mirror.DefaultSettleDelay); err != nil {
				s.logger.Error("file watcher stopped", "error", err)
			}
		}()
	}

	s.logger.Info("starting sync", "run_id", sc.RunID(), "database_type", string(s.cfg.DatabaseType))
	s.inst.Start(runCtx)
	return nil
}

// Stop signals the instance and waits for its final push. It returns false when
// the final push failed or ctx ended first. Calling Stop before Start returns true.
func (s *Supervisor) Stop(ctx context.Context) bool {
	s.mu.Lock()
	inst, cancel := s.inst, s.cancel
	s.mu.Unlock()

	if inst == nil {
		return true
	}

	ok := inst.Stop(ctx)
	// Cancelling the run context aborts a periodic push that outlived ctx.
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	return ok
}

// Close releases the ledger. Call it after Stop. While the instance is still
// pushing, Close leaves the ledger open and returns ErrStillRunning.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inst != nil {
		select {
		case <-s.inst.Done():
		default:
			return ErrStillRunning
		}
	}
	if s.ledger == nil {
		return nil
	}
	err := s.ledger.Close()
	s.ledger = nil
	s.mirror = nil
	return err
}

// Pull connects, replaces the whitelisted local collections with the remote
// contents and disconnects. It is the one-shot form of fetchOnFirst.
func (s *Supervisor) Pull(ctx context.Context) error {
	return s.once(ctx, func(sc *syncer.Syncer) error {
		return sc.Pull(ctx)
	})
}

// Flush connects and pushes every unconfirmed local document, like the final
// push of a running instance.
func (s *Supervisor) Flush(ctx context.Context) (ledger.Cycle, error) {
	var cycle ledger.Cycle
	err := s.once(ctx, func(sc *syncer.Syncer) error {
		var err error
		cycle, err = sc.Push(ctx, 1, true)
		return err
	})
	return cycle, err
}

func (s *Supervisor) once(ctx context.Context, fn func(*syncer.Syncer) error) error {
	s.mu.Lock()
	m, l := s.mirror, s.ledger
	s.mu.Unlock()
	if m == nil {
		return ErrNotSetup
	}

	client, err := s.newClient(s.cfg)
	if err != nil {
		return fmt.Errorf("failed to create remote client: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, max(s.cfg.StartDelay(), 5*time.Second))
	defer cancel()
	if err := client.Connect(connCtx); err != nil {
		return fmt.Errorf("%w: %v", core.ErrOffline, err)
	}
	defer client.Close(context.WithoutCancel(ctx))

	return fn(syncer.New(client, m, l, syncer.Options{BatchSize: s.cfg.BatchSize, Logger: s.logger}))
}
