package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	configpkg "github.com/meshbus/meshbus/internal/runtime/config"
	errspkg "github.com/meshbus/meshbus/internal/runtime/errors"
	loggingpkg "github.com/meshbus/meshbus/internal/runtime/logging"
)

// ShutdownState tracks the coordinator's lifecycle.
type ShutdownState int32

const (
	ShutdownRunning ShutdownState = iota
	ShutdownInProgress
	ShutdownTerminated
)

func (s ShutdownState) String() string {
	switch s {
	case ShutdownRunning:
		return "running"
	case ShutdownInProgress:
		return "shutting_down"
	case ShutdownTerminated:
		return "terminated"
	}
	return "unknown"
}

// ShutdownParticipant is one step in the teardown sequence. Higher
// priorities run earlier; application work drains before the substrate it
// runs on.
type ShutdownParticipant struct {
	ID       string
	Priority int
	Run      func(ctx context.Context) error
}

// ShutdownCoordinator runs registered participants in strict priority order
// exactly once, then releases tracked closers in reverse registration
// order.
type ShutdownCoordinator struct {
	conf   *configpkg.Config
	logger loggingpkg.ServiceLogger

	mu           sync.Mutex
	state        ShutdownState
	participants []ShutdownParticipant
	closers      []trackedCloser

	cancelMu sync.Mutex
	cancels  []context.CancelFunc

	once sync.Once
	err  error
	done chan struct{}
}

type trackedCloser struct {
	name   string
	closer io.Closer
}

// NewShutdownCoordinator builds an idle coordinator.
func NewShutdownCoordinator(conf *configpkg.Config, logger loggingpkg.ServiceLogger) (*ShutdownCoordinator, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	return &ShutdownCoordinator{
		conf:   conf,
		logger: logger.With(loggingpkg.LogFields{"component": "shutdown"}),
		done:   make(chan struct{}),
	}, nil
}

// Context derives a context that is cancelled the moment shutdown begins.
// Long-running loops should run under it.
func (c *ShutdownCoordinator) Context(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)

	c.cancelMu.Lock()
	shuttingDown := c.State() != ShutdownRunning
	if !shuttingDown {
		c.cancels = append(c.cancels, cancel)
	}
	c.cancelMu.Unlock()

	if shuttingDown {
		cancel()
	}
	return ctx
}

// Register adds a participant. Ids must be unique; registration is refused
// once shutdown has begun.
func (c *ShutdownCoordinator) Register(p ShutdownParticipant) error {
	if p.ID == "" || p.Run == nil {
		return errspkg.ErrParticipantRequired
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != ShutdownRunning {
		return errspkg.ErrAlreadyShuttingDown
	}
	for _, existing := range c.participants {
		if existing.ID == p.ID {
			return errspkg.ErrParticipantIDTaken
		}
	}
	c.participants = append(c.participants, p)
	return nil
}

// TrackCloser records a resource to release after all participants have
// run. Closers run in reverse registration order, so dependencies outlive
// their dependents. A closer tracked after shutdown has begun would miss
// the already-snapshotted closer list, so it is closed immediately instead.
func (c *ShutdownCoordinator) TrackCloser(name string, closer io.Closer) {
	if closer == nil {
		return
	}
	c.mu.Lock()
	if c.state != ShutdownRunning {
		c.mu.Unlock()
		if err := closer.Close(); err != nil {
			c.logger.Error("Closing late-tracked resource failed", err, loggingpkg.LogFields{"closer": name})
		}
		return
	}
	c.closers = append(c.closers, trackedCloser{name: name, closer: closer})
	c.mu.Unlock()
}

// State returns the coordinator's lifecycle state.
func (c *ShutdownCoordinator) State() ShutdownState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed when shutdown has fully completed.
func (c *ShutdownCoordinator) Done() <-chan struct{} {
	return c.done
}

// NotifyOnSignal triggers shutdown on the given signals, SIGINT and SIGTERM
// by default. It returns immediately.
func (c *ShutdownCoordinator) NotifyOnSignal(signals ...os.Signal) {
	if len(signals) == 0 {
		signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, signals...)

	go func() {
		select {
		case sig := <-ch:
			c.logger.Info("Shutdown signal received", loggingpkg.LogFields{
				"signal": sig.String(),
			})
			ctx, cancel := context.WithTimeout(context.Background(), c.conf.ShutdownOverallTimeout)
			defer cancel()
			if err := c.Shutdown(ctx); err != nil {
				c.logger.Error("Shutdown finished with errors", err, nil)
			}
		case <-c.done:
		}
		signal.Stop(ch)
	}()
}

// Shutdown runs the teardown sequence exactly once. Concurrent and repeat
// calls wait for the first run and return its result. A failing or panicking
// participant is logged and skipped; teardown always proceeds to the end.
func (c *ShutdownCoordinator) Shutdown(ctx context.Context) error {
	c.once.Do(func() {
		c.err = c.run(ctx)
		close(c.done)
	})
	<-c.done
	return c.err
}

func (c *ShutdownCoordinator) run(ctx context.Context) error {
	c.mu.Lock()
	c.state = ShutdownInProgress
	participants := make([]ShutdownParticipant, len(c.participants))
	copy(participants, c.participants)
	closers := make([]trackedCloser, len(c.closers))
	copy(closers, c.closers)
	c.mu.Unlock()

	c.logger.Info("Shutdown starting", loggingpkg.LogFields{
		"participants": len(participants),
		"closers":      len(closers),
	})

	// Cancel shared contexts first so loops stop producing while the
	// participants drain.
	c.cancelMu.Lock()
	cancels := c.cancels
	c.cancels = nil
	c.cancelMu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}

	sort.SliceStable(participants, func(i, j int) bool {
		return participants[i].Priority > participants[j].Priority
	})

	var errs []error
	for _, p := range participants {
		if err := c.runParticipant(ctx, p); err != nil {
			errs = append(errs, fmt.Errorf("participant %s: %w", p.ID, err))
		}
	}

	for i := len(closers) - 1; i >= 0; i-- {
		tc := closers[i]
		if err := tc.closer.Close(); err != nil {
			c.logger.Error("Closer failed", err, loggingpkg.LogFields{"closer": tc.name})
			errs = append(errs, fmt.Errorf("closer %s: %w", tc.name, err))
		}
	}

	c.mu.Lock()
	c.state = ShutdownTerminated
	c.mu.Unlock()

	c.logger.Info("Shutdown complete", loggingpkg.LogFields{"errors": len(errs)})
	return errors.Join(errs...)
}

func (c *ShutdownCoordinator) runParticipant(ctx context.Context, p ShutdownParticipant) error {
	stepCtx, cancel := context.WithTimeout(ctx, c.conf.ShutdownStepTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- p.Run(stepCtx)
	}()

	var err error
	select {
	case err = <-done:
	case <-stepCtx.Done():
		err = stepCtx.Err()
	}

	if err != nil {
		c.logger.Error("Participant failed", err, loggingpkg.LogFields{
			"participant": p.ID,
			"elapsed":     time.Since(start).String(),
		})
		return err
	}
	c.logger.Debug("Participant finished", loggingpkg.LogFields{
		"participant": p.ID,
		"elapsed":     time.Since(start).String(),
	})
	return nil
}
