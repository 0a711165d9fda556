package runtime

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	configpkg "github.com/meshbus/meshbus/internal/runtime/config"
	"github.com/meshbus/meshbus/internal/runtime/envelope"
	errspkg "github.com/meshbus/meshbus/internal/runtime/errors"
	loggingpkg "github.com/meshbus/meshbus/internal/runtime/logging"
	transportpkg "github.com/meshbus/meshbus/internal/runtime/transport"
)

const tracerName = "meshbus"

// Handler processes one accepted envelope. Handlers on the same endpoint run
// sequentially, in receipt order; there is no ordering guarantee across
// endpoints.
type Handler func(ctx context.Context, env *envelope.Envelope) error

// EndpointState tracks an endpoint's lifecycle.
type EndpointState int32

const (
	EndpointCreated EndpointState = iota
	EndpointRunning
	EndpointDisconnected
	EndpointClosed
)

func (s EndpointState) String() string {
	switch s {
	case EndpointCreated:
		return "created"
	case EndpointRunning:
		return "running"
	case EndpointDisconnected:
		return "disconnected"
	case EndpointClosed:
		return "closed"
	}
	return "unknown"
}

// EndpointConfig identifies a service binding on the bus.
type EndpointConfig struct {
	// ServiceID is the stable, addressable id of this service.
	ServiceID string
	// ServiceType is the discovery category, e.g. "Engine" or "Resource".
	ServiceType string
	// ServiceName is a display name carried in registrations.
	ServiceName string
	// Capabilities are advertised in registrations and heartbeats.
	Capabilities []string
	// Channel overrides the bus's primary channel for this endpoint.
	Channel string
	// ExtraChannels are additional channels to listen on, for roles that
	// answer probes on alternate well-known channels.
	ExtraChannels []string
	// CriticalTypes receive an expedited, redundant acknowledgment on
	// receipt, before any other processing. Redundancy is a loss hedge,
	// not a correctness requirement; the sender's retry loop is the
	// backstop.
	CriticalTypes []envelope.Type
	// DisableHeartbeat suppresses the announcement loop.
	DisableHeartbeat bool
	// Hooks observe dispatch lifecycle events.
	Hooks DispatchHooks
}

// Endpoint is one service's binding to the bus. It owns its inbound queue,
// its receive and dispatch loops, and its announcement loop; the only state
// it shares with other endpoints is the injected registry and bus.
type Endpoint struct {
	id           string
	serviceType  string
	serviceName  string
	capabilities []string
	instanceID   string

	bus      *Bus
	registry *Registry
	conf     *configpkg.Config
	logger   loggingpkg.ServiceLogger
	metrics  *Metrics
	hooks    DispatchHooks
	ackMap   *AckMap

	channel       string
	extraChannels []string

	connsMu sync.Mutex
	conns   []transportpkg.Conn
	primary transportpkg.Conn

	handlersMu sync.RWMutex
	handlers   map[envelope.Type]Handler

	pendingMu sync.Mutex
	pending   map[string]*pendingAck

	critical map[envelope.Type]bool
	seen     *seenCache
	queue    *inboundQueue
	stats    *statsRecorder

	heartbeatDisabled bool

	state   atomic.Int32
	startMu sync.Mutex         // serializes Start with Close's teardown
	cancel  context.CancelFunc // guarded by startMu
	wg      sync.WaitGroup
}

// EndpointDependencies carries the shared collaborators an endpoint needs.
type EndpointDependencies struct {
	Bus      *Bus
	Registry *Registry
	Logger   loggingpkg.ServiceLogger
	// AckMap overrides the default request-to-ack mapping.
	AckMap *AckMap
	// Metrics is optional.
	Metrics *Metrics
	// Sampler is optional; shared CPU/memory sampling for stats.
	Sampler *resourceSampler
}

// NewEndpoint validates the configuration and builds an unbound endpoint.
// Call Start to bind it to the bus.
func NewEndpoint(cfg EndpointConfig, deps EndpointDependencies) (*Endpoint, error) {
	if cfg.ServiceID == "" {
		return nil, errspkg.ErrServiceIDRequired
	}
	if cfg.ServiceType == "" {
		return nil, errspkg.ErrServiceTypeRequired
	}
	if deps.Bus == nil {
		return nil, errspkg.ErrBusRequired
	}
	if deps.Registry == nil {
		return nil, errspkg.ErrRegistryRequired
	}
	if deps.Logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}

	ackMap := deps.AckMap
	if ackMap == nil {
		ackMap = NewAckMap()
	}

	conf := deps.Bus.conf
	channel := cfg.Channel
	if channel == "" {
		channel = conf.Channel
	}

	critical := make(map[envelope.Type]bool, len(cfg.CriticalTypes))
	for _, t := range cfg.CriticalTypes {
		critical[t] = true
	}

	e := &Endpoint{
		id:                cfg.ServiceID,
		serviceType:       cfg.ServiceType,
		serviceName:       cfg.ServiceName,
		capabilities:      append([]string(nil), cfg.Capabilities...),
		instanceID:        uuid.NewString(),
		bus:               deps.Bus,
		registry:          deps.Registry,
		conf:              conf,
		logger:            deps.Logger.With(loggingpkg.LogFields{"endpoint": cfg.ServiceID}),
		metrics:           deps.Metrics,
		hooks:             cfg.Hooks,
		ackMap:            ackMap,
		channel:           channel,
		extraChannels:     append([]string(nil), cfg.ExtraChannels...),
		handlers:          make(map[envelope.Type]Handler),
		pending:           make(map[string]*pendingAck),
		critical:          critical,
		seen:              newSeenCache(conf.DuplicateWindow),
		queue:             newInboundQueue(),
		stats:             newStatsRecorder(deps.Sampler),
		heartbeatDisabled: cfg.DisableHeartbeat,
	}
	return e, nil
}

// ID returns the endpoint's service id.
func (e *Endpoint) ID() string { return e.id }

// ServiceType returns the endpoint's discovery category.
func (e *Endpoint) ServiceType() string { return e.serviceType }

// State returns the endpoint's lifecycle state.
func (e *Endpoint) State() EndpointState {
	return EndpointState(e.state.Load())
}

// Stats returns a snapshot of dispatch activity.
func (e *Endpoint) Stats() EndpointStats {
	return e.stats.Snapshot()
}

// RegisterHandler routes envelopes of the given type to the handler. Exactly
// one handler may be registered per type.
func (e *Endpoint) RegisterHandler(t envelope.Type, h Handler) error {
	if t == "" {
		return errspkg.ErrEnvelopeTypeRequired
	}
	if h == nil {
		return errspkg.ErrHandlerRequired
	}

	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()
	if _, exists := e.handlers[t]; exists {
		return errspkg.ErrHandlerExists
	}
	e.handlers[t] = h
	return nil
}

// Start binds the endpoint's channels, announces the service, and launches
// the receive, dispatch, and heartbeat loops. The loops observe ctx and the
// endpoint's own Close.
func (e *Endpoint) Start(ctx context.Context) error {
	e.startMu.Lock()
	defer e.startMu.Unlock()

	if e.State() == EndpointClosed {
		return errspkg.ErrEndpointClosed
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	channels := append([]string{e.channel}, e.extraChannels...)
	for _, channel := range channels {
		conn, err := e.bus.Bind(runCtx, channel)
		if err != nil {
			cancel()
			e.closeConns()
			return err
		}
		e.connsMu.Lock()
		e.conns = append(e.conns, conn)
		if e.primary == nil {
			e.primary = conn
		}
		e.connsMu.Unlock()

		e.wg.Add(1)
		go e.receiveLoop(runCtx, conn, channel)
	}

	if !e.state.CompareAndSwap(int32(EndpointCreated), int32(EndpointRunning)) {
		// Close won the race while channels were binding.
		cancel()
		e.wg.Wait()
		e.closeConns()
		return errspkg.ErrEndpointClosed
	}

	if err := e.Announce(); err != nil {
		e.logger.Error("Initial announcement failed", err, nil)
	}

	e.wg.Add(1)
	go e.dispatchLoop(runCtx)

	if !e.heartbeatDisabled {
		e.wg.Add(1)
		go e.heartbeatLoop(runCtx)
	}

	e.logger.Info("Endpoint started", loggingpkg.LogFields{
		"service_type": e.serviceType,
		"channel":      e.channel,
	})
	return nil
}

// Close stops the loops, waits for them to drain, and releases the
// endpoint's transport connections. Safe to call twice.
func (e *Endpoint) Close() error {
	if EndpointState(e.state.Swap(int32(EndpointClosed))) == EndpointClosed {
		return nil
	}
	// Taking startMu waits out a Start in flight; it observes the closed
	// state and unwinds before this teardown begins.
	e.startMu.Lock()
	defer e.startMu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.closeConns()
	e.logger.Info("Endpoint closed", nil)
	return nil
}

func (e *Endpoint) closeConns() {
	e.connsMu.Lock()
	conns := e.conns
	e.conns = nil
	e.primary = nil
	e.connsMu.Unlock()
	for _, conn := range conns {
		if err := conn.Close(); err != nil {
			e.logger.Error("Closing connection failed", err, nil)
		}
	}
}

func (e *Endpoint) registration() envelope.Registration {
	return envelope.Registration{
		ServiceID:    e.id,
		ServiceType:  e.serviceType,
		ServiceName:  e.serviceName,
		Capabilities: e.capabilities,
		InstanceID:   e.instanceID,
	}
}

// Publish stamps the envelope with this endpoint's id, assigns an envelope
// id if the sender did not, and sends it on the primary channel.
func (e *Endpoint) Publish(env *envelope.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	conn := e.primaryConn()
	if conn == nil {
		return errspkg.ErrEndpointNotStarted
	}
	e.stamp(env)
	return e.bus.Publish(conn, env)
}

// Send publishes the envelope addressed to one receiver. Delivery still
// fans out to everyone; only processing is narrowed.
func (e *Endpoint) Send(env *envelope.Envelope, receiverID string) error {
	if env != nil {
		env.ReceiverID = receiverID
	}
	return e.Publish(env)
}

// Respond publishes a correlated reply to a prior envelope.
func (e *Endpoint) Respond(to *envelope.Envelope, t envelope.Type, payloadType string, payload []byte) error {
	if to == nil {
		return errspkg.ErrEnvelopeRequired
	}
	resp := envelope.NewResponse(to, t)
	if payloadType != "" || len(payload) > 0 {
		resp.WithPayload(payloadType, payload)
	}
	return e.Publish(resp)
}

// Announce broadcasts this endpoint's registration.
func (e *Endpoint) Announce() error {
	reg, err := envelope.NewRegistration(e.registration())
	if err != nil {
		return err
	}
	return e.Publish(reg)
}

// publishOn sends an already-stamped envelope on an arbitrary channel.
func (e *Endpoint) publishOn(channel string, env *envelope.Envelope) error {
	e.stamp(env)
	return e.bus.PublishOn(channel, env)
}

func (e *Endpoint) stamp(env *envelope.Envelope) {
	env.EnsureID()
	env.SenderID = e.id
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
}

func (e *Endpoint) primaryConn() transportpkg.Conn {
	e.connsMu.Lock()
	defer e.connsMu.Unlock()
	return e.primary
}

// receiveLoop polls one connection with a short timeout so cancellation is
// observed promptly, decodes, filters, and enqueues for dispatch. Transport
// faults trigger a bounded rebind; when that fails the endpoint degrades to
// disconnected instead of surfacing the fault to application code.
func (e *Endpoint) receiveLoop(ctx context.Context, conn transportpkg.Conn, channel string) {
	defer e.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		payload, ok, err := conn.TryReceive(e.conf.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			rebound, rebindErr := e.bus.Bind(ctx, channel)
			if rebindErr != nil {
				e.state.CompareAndSwap(int32(EndpointRunning), int32(EndpointDisconnected))
				e.logger.Error("Endpoint disconnected", rebindErr, loggingpkg.LogFields{
					"channel": channel,
				})
				return
			}
			e.replaceConn(conn, rebound)
			conn = rebound
			continue
		}
		if !ok {
			continue
		}

		env, err := envelope.Decode(payload)
		if err != nil {
			// Malformed envelopes are dropped; the dispatch loop must
			// never die on bad input.
			e.stats.recordDrop()
			e.metrics.incDropped(e.id, dropReasonDecode)
			e.logger.Error("Dropping malformed envelope", err, loggingpkg.LogFields{
				"channel": channel,
			})
			continue
		}

		if !e.accepts(env) {
			continue
		}

		// Responses are correlated here, on the receive turn, so a
		// caller waiting in SendWithAck observes the ack even while the
		// dispatch loop is busy running a handler. A matched response is
		// consumed and never reaches the queue.
		if e.completePending(env) {
			e.observeCore(env)
			e.metrics.incDelivered(e.id)
			continue
		}

		e.metrics.incDelivered(e.id)
		e.queue.push(env)
	}
}

func (e *Endpoint) replaceConn(old, rebound transportpkg.Conn) {
	e.connsMu.Lock()
	for i, c := range e.conns {
		if c == old {
			e.conns[i] = rebound
		}
	}
	if e.primary == old {
		e.primary = rebound
	}
	e.connsMu.Unlock()
	_ = old.Close()
}

// accepts applies the delivery filter:
//  1. drop own traffic, unless it is a response addressed back to self;
//  2. drop envelopes addressed to someone else;
//  3. everything else is enqueued.
func (e *Endpoint) accepts(env *envelope.Envelope) bool {
	if env.SenderID == e.id {
		if env.InResponseTo != "" && env.ReceiverID == e.id {
			return true
		}
		e.stats.recordDrop()
		e.metrics.incDropped(e.id, dropReasonSelf)
		return false
	}
	if env.ReceiverID != "" && env.ReceiverID != e.id {
		e.stats.recordDrop()
		e.metrics.incDropped(e.id, dropReasonAddressed)
		return false
	}
	return true
}

// dispatchLoop drains the inbound queue in bounded batches so queue pressure
// never starves the endpoint's periodic work.
func (e *Endpoint) dispatchLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.conf.PollTimeout)
	defer ticker.Stop()

	for {
		batch := e.queue.drain(e.conf.DispatchBatch)
		for _, env := range batch {
			if ctx.Err() != nil {
				return
			}
			e.dispatch(ctx, env)
		}
		if len(batch) == e.conf.DispatchBatch {
			// Queue may still be backed up; keep draining.
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-e.queue.wake():
		case <-ticker.C:
		}
	}
}

// heartbeatLoop re-broadcasts the registration on a fixed interval so late
// joiners converge without asking.
func (e *Endpoint) heartbeatLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.conf.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hb, err := envelope.NewHeartbeat(e.registration())
			if err != nil {
				continue
			}
			if err := e.Publish(hb); err != nil {
				e.logger.Debug("Heartbeat publish failed", loggingpkg.LogFields{
					"error": err.Error(),
				})
			}
		}
	}
}

// dispatch runs one accepted envelope through core protocol handling,
// duplicate suppression, and finally the registered handler. Response
// correlation already happened on the receive turn.
func (e *Endpoint) dispatch(ctx context.Context, env *envelope.Envelope) {
	e.observeCore(env)

	// Critical envelopes are acknowledged before any other processing,
	// over two independent paths, to survive transport loss.
	if e.critical[env.Type] && env.ReceiverID == e.id {
		e.expediteAck(env)
	}

	if e.answerDiscovery(env) {
		return
	}

	if e.seen.observe(env.ID) {
		e.stats.recordDuplicate()
		e.metrics.incDuplicate(e.id)
		if env.ReceiverID == e.id && !e.critical[env.Type] {
			// The earlier ack may have been lost; answer the retry
			// without re-running the handler.
			e.acknowledge(env, false)
		}
		return
	}

	if env.Type == envelope.TypeHeartbeat && env.ReceiverID == e.id {
		// Directed heartbeats are liveness probes; answer them even
		// without a registered handler.
		e.acknowledge(env, false)
	}

	e.handlersMu.RLock()
	handler, ok := e.handlers[env.Type]
	e.handlersMu.RUnlock()
	if !ok {
		return
	}

	dispatchCtx := DispatchContext{
		EndpointID: e.id,
		EnvelopeID: env.ID,
		Type:       env.Type,
		SenderID:   env.SenderID,
		StartedAt:  time.Now(),
	}
	if e.hooks.OnReceive != nil {
		e.hooks.OnReceive(dispatchCtx)
	}

	spanCtx, span := otel.Tracer(tracerName).Start(ctx, "DispatchEnvelope")
	span.SetAttributes(
		attribute.String("envelope.id", env.ID),
		attribute.String("envelope.type", string(env.Type)),
		attribute.String("envelope.sender", env.SenderID),
	)

	err := handler(spanCtx, env)
	span.End()

	duration := time.Since(dispatchCtx.StartedAt)
	dispatchCtx.Duration = duration
	e.stats.recordDispatch(duration, err)
	e.metrics.observeDispatch(e.id, duration.Seconds())

	if err != nil {
		e.logger.Error("Handler failed", err, loggingpkg.LogFields{
			"envelope_id": env.ID,
			"type":        string(env.Type),
		})
		if e.hooks.OnError != nil {
			e.hooks.OnError(dispatchCtx, err)
		}
		return
	}
	if e.hooks.OnHandled != nil {
		e.hooks.OnHandled(dispatchCtx)
	}
}

// observeCore feeds registrations, heartbeats, and discovery responses into
// the shared registry.
func (e *Endpoint) observeCore(env *envelope.Envelope) {
	switch env.Type {
	case envelope.TypeServiceRegistration, envelope.TypeHeartbeat, envelope.TypeServiceDiscoveryResponse:
		reg, err := env.RegistrationPayload()
		if err != nil {
			e.logger.Debug("Ignoring unreadable registration payload", loggingpkg.LogFields{
				"envelope_id": env.ID,
				"error":       err.Error(),
			})
			return
		}
		e.registry.Observe(reg)
	}
}

// answerDiscovery replies to probes for this endpoint's service type with a
// correlated discovery response plus a fresh broadcast registration, so the
// prober and everyone else converge together. Probes for other types are
// consumed silently.
func (e *Endpoint) answerDiscovery(env *envelope.Envelope) bool {
	if env.Type != envelope.TypeServiceDiscovery {
		return false
	}
	req, err := env.DiscoveryPayload()
	if err != nil {
		e.logger.Debug("Ignoring unreadable discovery request", loggingpkg.LogFields{
			"envelope_id": env.ID,
		})
		return true
	}
	if req.WantedType != "" && req.WantedType != e.serviceType {
		return true
	}

	resp, err := envelope.NewResponse(env, envelope.TypeServiceDiscoveryResponse).
		WithJSONPayload(envelope.PayloadTypeRegistration, e.registration())
	if err == nil {
		if pubErr := e.Publish(resp); pubErr != nil {
			e.logger.Debug("Discovery response failed", loggingpkg.LogFields{
				"error": pubErr.Error(),
			})
		}
	}
	if err := e.Announce(); err != nil {
		e.logger.Debug("Discovery re-announcement failed", loggingpkg.LogFields{
			"error": err.Error(),
		})
	}
	return true
}

// expediteAck emits the expected acknowledgment twice: once addressed to the
// sender and once as a broadcast. Either copy satisfies the sender's
// correlation; the redundancy only hedges against transport loss.
func (e *Endpoint) expediteAck(env *envelope.Envelope) {
	e.acknowledge(env, false)
	e.acknowledge(env, true)
}

func (e *Endpoint) acknowledge(env *envelope.Envelope, broadcast bool) {
	ack := envelope.NewResponse(env, e.ackMap.AckFor(env.Type))
	if broadcast {
		ack.ReceiverID = ""
	}
	if err := e.Publish(ack); err != nil {
		e.logger.Debug("Acknowledgment publish failed", loggingpkg.LogFields{
			"envelope_id": env.ID,
			"error":       err.Error(),
		})
	}
}

// inboundQueue is the unbounded-but-drainable buffer between the receive
// and dispatch loops.
type inboundQueue struct {
	mu     sync.Mutex
	items  []*envelope.Envelope
	signal chan struct{}
}

func newInboundQueue() *inboundQueue {
	return &inboundQueue{signal: make(chan struct{}, 1)}
}

func (q *inboundQueue) push(env *envelope.Envelope) {
	q.mu.Lock()
	q.items = append(q.items, env)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *inboundQueue) drain(max int) []*envelope.Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}
	n := len(q.items)
	if max > 0 && n > max {
		n = max
	}
	batch := make([]*envelope.Envelope, n)
	copy(batch, q.items[:n])
	q.items = q.items[n:]
	return batch
}

func (q *inboundQueue) wake() <-chan struct{} {
	return q.signal
}

// seenCache remembers recently observed envelope ids in a fixed-size ring.
type seenCache struct {
	mu       sync.Mutex
	capacity int
	ring     []string
	next     int
	set      map[string]struct{}
}

func newSeenCache(capacity int) *seenCache {
	if capacity <= 0 {
		return nil
	}
	return &seenCache{
		capacity: capacity,
		ring:     make([]string, capacity),
		set:      make(map[string]struct{}, capacity),
	}
}

// observe reports whether the id was seen before and records it otherwise.
// A nil cache never reports duplicates.
func (c *seenCache) observe(id string) bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.set[id]; ok {
		return true
	}
	if evicted := c.ring[c.next]; evicted != "" {
		delete(c.set, evicted)
	}
	c.ring[c.next] = id
	c.set[id] = struct{}{}
	c.next = (c.next + 1) % c.capacity
	return false
}
