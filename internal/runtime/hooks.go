package runtime

import (
	"time"

	"github.com/meshbus/meshbus/internal/runtime/envelope"
	loggingpkg "github.com/meshbus/meshbus/internal/runtime/logging"
)

// DispatchContext describes one envelope dispatch to hooks.
type DispatchContext struct {
	// EndpointID is the id of the endpoint dispatching the envelope.
	EndpointID string
	// EnvelopeID is the envelope's unique id.
	EnvelopeID string
	// Type is the envelope type being dispatched.
	Type envelope.Type
	// SenderID is the id of the publishing endpoint.
	SenderID string
	// StartedAt is when dispatch began.
	StartedAt time.Time
	// Duration is how long the handler took (set for OnHandled and OnError).
	Duration time.Duration
}

// DispatchHooks defines callbacks around handler execution. All hooks are
// optional; nil hooks are simply not called.
type DispatchHooks struct {
	// OnReceive is called after an envelope passes filtering, before the
	// handler runs.
	OnReceive func(ctx DispatchContext)

	// OnHandled is called when a handler completes without error.
	OnHandled func(ctx DispatchContext)

	// OnError is called when a handler returns an error.
	OnError func(ctx DispatchContext, err error)
}

// Merge combines two DispatchHooks; hooks from other run after hooks from h.
func (h DispatchHooks) Merge(other DispatchHooks) DispatchHooks {
	return DispatchHooks{
		OnReceive: chainDispatchHooks(h.OnReceive, other.OnReceive),
		OnHandled: chainDispatchHooks(h.OnHandled, other.OnHandled),
		OnError:   chainDispatchErrorHooks(h.OnError, other.OnError),
	}
}

func chainDispatchHooks(a, b func(DispatchContext)) func(DispatchContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx DispatchContext) {
		a(ctx)
		b(ctx)
	}
}

func chainDispatchErrorHooks(a, b func(DispatchContext, error)) func(DispatchContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx DispatchContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// LoggingHooks returns pre-built hooks that log dispatch lifecycle events.
func LoggingHooks(logger loggingpkg.ServiceLogger) DispatchHooks {
	return DispatchHooks{
		OnReceive: func(ctx DispatchContext) {
			logger.Debug("Dispatching envelope", loggingpkg.LogFields{
				"endpoint":    ctx.EndpointID,
				"envelope_id": ctx.EnvelopeID,
				"type":        string(ctx.Type),
				"sender":      ctx.SenderID,
			})
		},
		OnHandled: func(ctx DispatchContext) {
			logger.Debug("Envelope handled", loggingpkg.LogFields{
				"endpoint":    ctx.EndpointID,
				"envelope_id": ctx.EnvelopeID,
				"type":        string(ctx.Type),
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
		OnError: func(ctx DispatchContext, err error) {
			logger.Error("Envelope handler failed", err, loggingpkg.LogFields{
				"endpoint":    ctx.EndpointID,
				"envelope_id": ctx.EnvelopeID,
				"type":        string(ctx.Type),
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
	}
}
