package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	configpkg "github.com/meshbus/meshbus/internal/runtime/config"
	"github.com/meshbus/meshbus/internal/runtime/envelope"
	loggingpkg "github.com/meshbus/meshbus/internal/runtime/logging"
)

// AckMap resolves the acknowledgment type a request type expects. Types
// without a specific mapping expect the generic Acknowledgment.
type AckMap struct {
	mu sync.RWMutex
	m  map[envelope.Type]envelope.Type
}

// NewAckMap returns a mapping with the core defaults: heartbeats and
// generic requests are answered by the generic Acknowledgment, discovery
// requests by a discovery response.
func NewAckMap() *AckMap {
	return &AckMap{
		m: map[envelope.Type]envelope.Type{
			envelope.TypeServiceDiscovery: envelope.TypeServiceDiscoveryResponse,
		},
	}
}

// Register adds or replaces the expected ack type for a request type.
func (a *AckMap) Register(request, ack envelope.Type) {
	a.mu.Lock()
	a.m[request] = ack
	a.mu.Unlock()
}

// AckFor returns the ack type expected for the request type.
func (a *AckMap) AckFor(request envelope.Type) envelope.Type {
	a.mu.RLock()
	ack, ok := a.m[request]
	a.mu.RUnlock()
	if !ok {
		return envelope.TypeAcknowledgment
	}
	return ack
}

// SendOptions tunes one reliable send. Zero values fall back to the runtime
// config's ack settings.
type SendOptions struct {
	// Timeout bounds the first attempt's wait for an acknowledgment.
	Timeout time.Duration
	// MaxRetries is the number of re-publishes after the first attempt.
	MaxRetries int
	// Exponential doubles the per-attempt wait on every retry, capped at
	// MaxBackoff. Without it every attempt waits Timeout.
	Exponential bool
	// MaxBackoff caps the per-attempt wait under exponential growth.
	MaxBackoff time.Duration
}

func (o SendOptions) withDefaults(conf *configpkg.Config) SendOptions {
	if o.Timeout <= 0 {
		o.Timeout = conf.AckTimeout
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = conf.AckMaxRetries
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = conf.AckMaxBackoff
	}
	if !o.Exponential {
		o.Exponential = conf.AckExponential
	}
	return o
}

// waitPolicy yields the per-attempt ack wait: constant, or doubling from
// Timeout up to MaxBackoff when exponential.
func (o SendOptions) waitPolicy() backoff.BackOff {
	if !o.Exponential {
		return backoff.NewConstantBackOff(o.Timeout)
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = o.Timeout
	exp.RandomizationFactor = 0
	exp.Multiplier = 2
	exp.MaxInterval = o.MaxBackoff
	exp.Reset()
	return exp
}

// pendingAck is a single-fire completion slot for one in-flight request.
type pendingAck struct {
	requestID string
	expected  envelope.Type
	done      chan *envelope.Envelope
	once      sync.Once
}

func newPendingAck(requestID string, expected envelope.Type) *pendingAck {
	return &pendingAck{
		requestID: requestID,
		expected:  expected,
		done:      make(chan *envelope.Envelope, 1),
	}
}

// complete delivers the ack exactly once; later matches are ignored.
func (p *pendingAck) complete(env *envelope.Envelope) {
	p.once.Do(func() {
		p.done <- env
	})
}

// registerPending claims the pending slot for a request id. At most one live
// pending request exists per id.
func (e *Endpoint) registerPending(requestID string, expected envelope.Type) *pendingAck {
	p := newPendingAck(requestID, expected)
	e.pendingMu.Lock()
	e.pending[requestID] = p
	e.pendingMu.Unlock()
	return p
}

func (e *Endpoint) releasePending(requestID string) {
	e.pendingMu.Lock()
	delete(e.pending, requestID)
	e.pendingMu.Unlock()
}

// completePending matches a response envelope against the pending table and
// reports whether it satisfied a wait. It runs on the receive loops, keeping
// correlation off the dispatch turn so a send issued from inside a handler
// still observes its ack. Unmatched correlations are not an error: the
// requester may have timed out already.
func (e *Endpoint) completePending(env *envelope.Envelope) bool {
	if env.InResponseTo == "" {
		return false
	}
	e.pendingMu.Lock()
	p, ok := e.pending[env.InResponseTo]
	e.pendingMu.Unlock()
	if !ok || env.Type != p.expected {
		return false
	}
	p.complete(env)
	return true
}

// SendWithAck publishes the envelope addressed to receiverID and waits for a
// correlated acknowledgment, re-publishing on timeout until retries are
// exhausted. It reports success as a boolean: an absent ack is an expected
// outcome callers handle with their own fallback, never an error. The
// receiver is not pre-validated against the registry; the bus has no notion
// of delivery failure, so sending to an unknown id just burns the retries.
//
// Retries reuse the envelope id, so the receiver may process the request
// more than once unless duplicate suppression is enabled; the retry loop
// here is the correctness backstop either way.
func (e *Endpoint) SendWithAck(ctx context.Context, env *envelope.Envelope, receiverID string, opts SendOptions) bool {
	if err := env.Validate(); err != nil {
		e.logger.Error("Rejecting reliable send", err, nil)
		return false
	}
	opts = opts.withDefaults(e.conf)

	env.EnsureID()
	env.ReceiverID = receiverID
	expected := e.ackMap.AckFor(env.Type)

	p := e.registerPending(env.ID, expected)
	defer e.releasePending(env.ID)

	policy := opts.waitPolicy()
	attempts := opts.MaxRetries + 1

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := e.Publish(env); err != nil {
			// Transport faults are retried like missing acks; the
			// envelope may still be observable by the receiver.
			e.logger.Error("Reliable publish attempt failed", err, loggingpkg.LogFields{
				"envelope_id": env.ID,
				"attempt":     attempt,
			})
		}

		wait := policy.NextBackOff()
		timer := time.NewTimer(wait)
		select {
		case ack := <-p.done:
			timer.Stop()
			e.metrics.incAck(e.id, ackResultMatched)
			e.logger.Debug("Acknowledgment received", loggingpkg.LogFields{
				"envelope_id": env.ID,
				"ack_id":      ack.ID,
				"attempt":     attempt,
			})
			return true
		case <-timer.C:
			e.metrics.incAck(e.id, ackResultTimeout)
			e.logger.Debug("Acknowledgment timed out", loggingpkg.LogFields{
				"envelope_id": env.ID,
				"attempt":     attempt,
				"waited":      wait.String(),
			})
		case <-ctx.Done():
			timer.Stop()
			return false
		}
	}

	e.logger.Info("Reliable send exhausted retries", loggingpkg.LogFields{
		"envelope_id": env.ID,
		"receiver":    receiverID,
		"type":        string(env.Type),
		"attempts":    attempts,
	})
	return false
}

// Ping sends a directed heartbeat and reports whether the peer acknowledged
// it within the timeout. Discovery callers use it to confirm a static
// fallback id is actually alive.
func (e *Endpoint) Ping(ctx context.Context, serviceID string, timeout time.Duration) bool {
	hb, err := envelope.NewHeartbeat(e.registration())
	if err != nil {
		return false
	}
	return e.SendWithAck(ctx, hb, serviceID, SendOptions{Timeout: timeout, MaxRetries: -1})
}
