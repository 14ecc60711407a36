// Package core drives one synchronization method instance through its lifecycle:
// connect, optional pull, the push loop, and the final flush on stop.
package core

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/rage-js/rage/internal/clock"
	"github.com/rage-js/rage/internal/config"
	"github.com/rage-js/rage/internal/ledger"
	"github.com/rage-js/rage/internal/remote"
)

// ErrOffline is reported when sync was disabled because the remote never connected.
var ErrOffline = errors.New("sync is offline for this run")

// Syncer performs the pull and push operations for an Instance.
type Syncer interface {
	Pull(ctx context.Context) error
	Seed(ctx context.Context) (int, error)
	Push(ctx context.Context, pushCount int, final bool) (ledger.Cycle, error)
}

// Options configures an Instance. Zero durations take the defaults noted.
type Options struct {
	Method         config.Method
	Interval       time.Duration
	LoopStartDelay time.Duration
	FetchOnFirst   bool
	// PushTimeout bounds the final push. Default 30s.
	PushTimeout time.Duration
	// ShutdownGrace is waited after the final push.
	ShutdownGrace time.Duration
	// Debounce is how long PushOnUpdate lets writes settle. Default 1s.
	Debounce time.Duration
	// RetryInitial is the first backoff wait after a failed push. Default 1s.
	RetryInitial time.Duration
	// RetryMaxElapsed bounds the retries of a periodic push. Default half the interval.
	RetryMaxElapsed time.Duration
	// Changes signals local writes; PushOnUpdate pushes after each signal.
	Changes <-chan struct{}
	Clock   clock.Clock
	Logger  *slog.Logger
	// OnTransition, when set, is called after every state change.
	OnTransition func(from, to State)
}

// Instance is one running synchronization method. It owns its remote client.
type Instance struct {
	opts   Options
	client remote.Client
	syncer Syncer
	logger *slog.Logger

	state     atomic.Int32
	pushCount atomic.Int64

	mu       sync.Mutex
	started  bool
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	ok       bool
}

// New returns an instance in the Starting state. Nothing runs until Start.
func New(client remote.Client, syncer Syncer, opts Options) *Instance {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.PushTimeout <= 0 {
		opts.PushTimeout = 30 * time.Second
	}
	if opts.Debounce <= 0 {
		opts.Debounce = time.Second
	}
	if opts.RetryInitial <= 0 {
		opts.RetryInitial = time.Second
	}
	if opts.RetryMaxElapsed <= 0 {
		opts.RetryMaxElapsed = opts.Interval / 2
		if opts.Method != config.PushAfterInterval || opts.RetryMaxElapsed <= 0 {
			opts.RetryMaxElapsed = opts.PushTimeout
		}
	}

	return &Instance{
		opts:   opts,
		client: client,
		syncer: syncer,
		logger: opts.Logger.With("method", string(opts.Method)),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (i *Instance) State() State { return State(i.state.Load()) }

// PushCount returns the number of push cycles started so far.
func (i *Instance) PushCount() int { return int(i.pushCount.Load()) }

// Err returns ErrOffline once the instance has gone offline.
func (i *Instance) Err() error {
	if i.State() == Offline {
		return ErrOffline
	}
	return nil
}

// Done is closed once the instance has reached Stopped or Offline.
func (i *Instance) Done() <-chan struct{} { return i.done }

// Start launches the instance goroutine. Calling it again, or after Stop, does nothing.
func (i *Instance) Start(ctx context.Context) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.started {
		return
	}
	i.started = true
	go i.run(ctx)
}

// Stop requests shutdown and waits for the final push. It reports false when the
// final push failed or ctx ended first. Repeated and concurrent calls share the
// same final push; on an inactive instance Stop only logs.
func (i *Instance) Stop(ctx context.Context) bool {
	i.mu.Lock()
	if !i.started {
		i.started = true
		i.stopOnce.Do(func() { close(i.stop) })
		i.ok = true
		i.setState(Stopped)
		close(i.done)
		i.mu.Unlock()
		return true
	}
	i.mu.Unlock()

	if s := i.State(); !s.Active() {
		i.logger.Info("stop ignored, instance already inactive", "state", s.String())
	}
	i.stopOnce.Do(func() {
		// A push in flight finishes under Stopping; the loop then runs the final push.
		if i.state.CompareAndSwap(int32(Running), int32(Stopping)) {
			i.transitioned(Running, Stopping)
		}
		close(i.stop)
	})

	select {
	case <-i.done:
		return i.ok
	case <-ctx.Done():
		i.logger.Error("gave up waiting for the final push", "error", ctx.Err())
		return false
	}
}

func (i *Instance) run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			i.logger.Error("unexpected error in sync loop", "panic", r)
			i.ok = false
			i.setState(Stopped)
		}
		close(i.done)
	}()

	if !i.connect(ctx) {
		return
	}

	i.setState(Running)
	i.logger.Info("sync running", "interval", i.opts.Interval, "fetch_on_first", i.opts.FetchOnFirst)

	if i.opts.FetchOnFirst {
		if err := i.syncer.Pull(ctx); err != nil {
			i.logger.Error("pull failed, local mirror keeps its previous contents", "error", err)
		}
	}
	if n, err := i.syncer.Seed(ctx); err != nil {
		i.logger.Warn("failed to compare mirror with ledger", "error", err)
	} else if n > 0 {
		i.logger.Info("queued unconfirmed local documents", "documents", n)
	}

	switch i.opts.Method {
	case config.PushAfterInterval:
		i.pushAfterInterval(ctx)
	case config.PushOnUpdate:
		i.pushOnUpdate(ctx)
	default:
		i.waitForStop(ctx)
	}

	i.finish(ctx)
}

// connect waits loopStartDelay for the remote connection and reports whether
// the instance should start running.
func (i *Instance) connect(ctx context.Context) bool {
	connCtx, cancel := context.WithCancel(ctx)
	result := make(chan error, 1)
	go func() { result <- i.client.Connect(connCtx) }()

	release := func() {
		cancel()
		go func() {
			<-result
			_ = i.client.Close(context.Background())
		}()
	}

	select {
	case <-i.opts.Clock.After(i.opts.LoopStartDelay):
	case <-i.stop:
		i.logger.Info("stopped before sync started, nothing pushed")
		release()
		i.ok = true
		i.setState(Stopped)
		return false
	case <-ctx.Done():
		release()
		i.ok = true
		i.setState(Stopped)
		return false
	}

	select {
	case err := <-result:
		if err == nil {
			cancel()
			return true
		}
		i.logger.Warn("could not connect to the remote store, sync disabled for this run", "error", err)
		result <- err
	default:
		i.logger.Warn("remote store not connected after loop start delay, sync disabled for this run",
			"delay", i.opts.LoopStartDelay)
	}
	release()
	i.ok = true
	i.setState(Offline)
	return false
}

func (i *Instance) pushAfterInterval(ctx context.Context) {
	for {
		select {
		case <-i.opts.Clock.After(i.opts.Interval):
		case <-i.stop:
			return
		case <-ctx.Done():
			return
		}
		if i.stopRequested(ctx) {
			return
		}
		_ = i.push(ctx, false)
	}
}

func (i *Instance) pushOnUpdate(ctx context.Context) {
	for {
		select {
		case <-i.opts.Changes:
		case <-i.stop:
			return
		case <-ctx.Done():
			return
		}

		select {
		case <-i.opts.Clock.After(i.opts.Debounce):
		case <-i.stop:
			return
		case <-ctx.Done():
			return
		}
		// Writes during the debounce window go out with this push.
		select {
		case <-i.opts.Changes:
		default:
		}
		_ = i.push(ctx, false)
	}
}

func (i *Instance) waitForStop(ctx context.Context) {
	select {
	case <-i.stop:
	case <-ctx.Done():
	}
}

func (i *Instance) stopRequested(ctx context.Context) bool {
	select {
	case <-i.stop:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// finish runs the final push, waits the shutdown grace and closes the client.
func (i *Instance) finish(ctx context.Context) {
	i.setState(Stopping)

	err := i.push(context.WithoutCancel(ctx), true)
	i.ok = err == nil

	<-i.opts.Clock.After(i.opts.ShutdownGrace)

	if cerr := i.client.Close(context.WithoutCancel(ctx)); cerr != nil {
		i.logger.Warn("failed to close remote client", "error", cerr)
	}
	i.setState(Stopped)
	i.logger.Info("sync stopped", "push_count", i.PushCount(), "flushed", i.ok)
}

// push runs one push cycle, retrying failed attempts with exponential backoff.
// A periodic push stops retrying on a stop request; the attempt in flight completes.
func (i *Instance) push(ctx context.Context, final bool) error {
	n := int(i.pushCount.Add(1))

	maxElapsed := i.opts.RetryMaxElapsed
	retryCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	pushCtx := ctx
	if final {
		maxElapsed = i.opts.PushTimeout
		var cancelPush context.CancelFunc
		pushCtx, cancelPush = context.WithTimeout(ctx, i.opts.PushTimeout)
		defer cancelPush()
		retryCtx = pushCtx
	} else {
		go func() {
			select {
			case <-i.stop:
				cancel()
			case <-retryCtx.Done():
			}
		}()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = i.opts.RetryInitial
	b.MaxInterval = max(maxElapsed/2, i.opts.RetryInitial)

	_, err := backoff.Retry(retryCtx,
		func() (ledger.Cycle, error) { return i.syncer.Push(pushCtx, n, final) },
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(maxElapsed),
		backoff.WithNotify(func(err error, wait time.Duration) {
			i.logger.Warn("push failed, retrying", "push_count", n, "retry_in", wait, "error", err)
		}),
	)
	if err != nil {
		if final {
			i.logger.Error("final push failed, unpushed documents stay queued for the next run", "push_count", n, "error", err)
		} else {
			i.logger.Error("push failed, documents stay queued for the next cycle", "push_count", n, "error", err)
		}
		return err
	}
	return nil
}

func (i *Instance) setState(to State) {
	from := State(i.state.Swap(int32(to)))
	if from == to {
		return
	}
	i.transitioned(from, to)
}

func (i *Instance) transitioned(from, to State) {
	i.logger.Debug("state change", "from", from.String(), "to", to.String())
	if i.opts.OnTransition != nil {
		i.opts.OnTransition(from, to)
	}
}
