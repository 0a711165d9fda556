package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	configpkg "github.com/meshbus/meshbus/internal/runtime/config"
	"github.com/meshbus/meshbus/internal/runtime/envelope"
	errspkg "github.com/meshbus/meshbus/internal/runtime/errors"
	loggingpkg "github.com/meshbus/meshbus/internal/runtime/logging"
	transportpkg "github.com/meshbus/meshbus/internal/runtime/transport"
)

// Bus is the fan-out seam between endpoints and the transport. Every envelope
// published on a channel is delivered to every connection bound to it,
// including the publisher's own; a non-empty receiver id narrows processing
// at the receiving endpoint, never delivery. Unicast is emulated over
// broadcast, so the transport stays trivial and has no notion of delivery
// failure.
type Bus struct {
	transport transportpkg.Transport
	conf      *configpkg.Config
	logger    loggingpkg.ServiceLogger
	metrics   *Metrics

	mu     sync.Mutex
	closed bool
}

// NewBus wraps a transport. The config must already have defaults applied.
func NewBus(t transportpkg.Transport, conf *configpkg.Config, logger loggingpkg.ServiceLogger, m *Metrics) (*Bus, error) {
	if t == nil {
		return nil, errspkg.ErrTransportRequired
	}
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	return &Bus{
		transport: t,
		conf:      conf,
		logger:    logger,
		metrics:   m,
	}, nil
}

// Channel returns the primary broadcast channel name.
func (b *Bus) Channel() string {
	return b.conf.Channel
}

// AlternateChannels returns the well-known channels probed by widened
// discovery sweeps.
func (b *Bus) AlternateChannels() []string {
	out := make([]string, len(b.conf.AlternateChannels))
	copy(out, b.conf.AlternateChannels)
	return out
}

// Bind creates a connection on the named channel, retrying transient handle
// failures with a short delay before failing fast. An empty channel name
// binds the primary channel.
func (b *Bus) Bind(ctx context.Context, channel string) (transportpkg.Conn, error) {
	if b.isClosed() {
		return nil, errspkg.ErrBusClosed
	}
	if channel == "" {
		channel = b.conf.Channel
	}

	var lastErr error
	for attempt := 0; attempt <= b.conf.BindMaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, b.conf.BindRetryDelay); err != nil {
				return nil, err
			}
		}

		conn, err := b.transport.Bind(ctx, channel)
		if err == nil {
			if attempt > 0 {
				b.logger.Info("Bound channel after retry", loggingpkg.LogFields{
					"channel": channel,
					"attempt": attempt + 1,
				})
			}
			return conn, nil
		}
		lastErr = err
		b.logger.Debug("Bind attempt failed", loggingpkg.LogFields{
			"channel": channel,
			"attempt": attempt + 1,
			"error":   err.Error(),
		})
	}

	return nil, fmt.Errorf("meshbus: bind channel %s: %w", channel, lastErr)
}

// Publish encodes the envelope and sends it through the given connection.
// The caller is responsible for stamping sender id and envelope id.
func (b *Bus) Publish(conn transportpkg.Conn, env *envelope.Envelope) error {
	data, err := envelope.Encode(env)
	if err != nil {
		return err
	}
	if err := conn.Publish(data); err != nil {
		return fmt.Errorf("meshbus: publish %s: %w", env.Type, err)
	}
	b.metrics.incPublished(env.SenderID)
	b.logger.Trace("Published envelope", loggingpkg.LogFields{
		"envelope_id": env.ID,
		"type":        string(env.Type),
		"sender":      env.SenderID,
		"receiver":    env.ReceiverID,
	})
	return nil
}

// PublishOn sends the envelope on an arbitrary channel without holding a
// connection. Discovery sweeps use this to probe alternate channels.
func (b *Bus) PublishOn(channel string, env *envelope.Envelope) error {
	if b.isClosed() {
		return errspkg.ErrBusClosed
	}
	data, err := envelope.Encode(env)
	if err != nil {
		return err
	}
	if err := b.transport.Publish(channel, data); err != nil {
		return fmt.Errorf("meshbus: publish %s on %s: %w", env.Type, channel, err)
	}
	b.metrics.incPublished(env.SenderID)
	return nil
}

// Close releases the underlying transport. Safe to call twice.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	return b.transport.Close()
}

func (b *Bus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// sleepCtx waits for d or until ctx is cancelled, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
