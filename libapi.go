package meshbus

import (
	"context"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	runtimepkg "github.com/meshbus/meshbus/internal/runtime"
	configpkg "github.com/meshbus/meshbus/internal/runtime/config"
	envelopepkg "github.com/meshbus/meshbus/internal/runtime/envelope"
	errspkg "github.com/meshbus/meshbus/internal/runtime/errors"
	idspkg "github.com/meshbus/meshbus/internal/runtime/ids"
	loggingpkg "github.com/meshbus/meshbus/internal/runtime/logging"
	transportpkg "github.com/meshbus/meshbus/internal/runtime/transport"
)

type (
	Config = configpkg.Config

	Envelope         = envelopepkg.Envelope
	EnvelopeType     = envelopepkg.Type
	Registration     = envelopepkg.Registration
	DiscoveryRequest = envelopepkg.DiscoveryRequest

	Mesh                 = runtimepkg.Mesh
	MeshOptions          = runtimepkg.MeshOptions
	Bus                  = runtimepkg.Bus
	Endpoint             = runtimepkg.Endpoint
	EndpointConfig       = runtimepkg.EndpointConfig
	EndpointDependencies = runtimepkg.EndpointDependencies
	EndpointState        = runtimepkg.EndpointState
	Handler              = runtimepkg.Handler

	Registry         = runtimepkg.Registry
	ServiceRecord    = runtimepkg.ServiceRecord
	RegistryListener = runtimepkg.RegistryListener

	DiscoveryResult = runtimepkg.DiscoveryResult
	SendOptions     = runtimepkg.SendOptions
	AckMap          = runtimepkg.AckMap

	ShutdownCoordinator = runtimepkg.ShutdownCoordinator
	ShutdownParticipant = runtimepkg.ShutdownParticipant
	ShutdownState       = runtimepkg.ShutdownState

	DispatchHooks   = runtimepkg.DispatchHooks
	DispatchContext = runtimepkg.DispatchContext
	EndpointStats   = runtimepkg.EndpointStats
	LatencyMetrics  = runtimepkg.LatencyMetrics
	ResourceUsage   = runtimepkg.ResourceUsage
	Metrics         = runtimepkg.Metrics

	Transport = transportpkg.Transport
	Conn      = transportpkg.Conn

	ServiceLogger = loggingpkg.ServiceLogger
	LogFields     = loggingpkg.LogFields
)

// Core envelope types.
const (
	TypeServiceRegistration      = envelopepkg.TypeServiceRegistration
	TypeHeartbeat                = envelopepkg.TypeHeartbeat
	TypeAcknowledgment           = envelopepkg.TypeAcknowledgment
	TypeGenericResponse          = envelopepkg.TypeGenericResponse
	TypeDebug                    = envelopepkg.TypeDebug
	TypeServiceDiscovery         = envelopepkg.TypeServiceDiscovery
	TypeServiceDiscoveryResponse = envelopepkg.TypeServiceDiscoveryResponse
)

// Endpoint lifecycle states.
const (
	EndpointCreated      = runtimepkg.EndpointCreated
	EndpointRunning      = runtimepkg.EndpointRunning
	EndpointDisconnected = runtimepkg.EndpointDisconnected
	EndpointClosed       = runtimepkg.EndpointClosed
)

// Shutdown lifecycle states.
const (
	ShutdownRunning    = runtimepkg.ShutdownRunning
	ShutdownInProgress = runtimepkg.ShutdownInProgress
	ShutdownTerminated = runtimepkg.ShutdownTerminated
)

// Sentinel errors surfaced by the public API.
var (
	ErrConfigRequired      = errspkg.ErrConfigRequired
	ErrServiceIDRequired   = errspkg.ErrServiceIDRequired
	ErrServiceTypeRequired = errspkg.ErrServiceTypeRequired
	ErrHandlerRequired     = errspkg.ErrHandlerRequired
	ErrHandlerExists       = errspkg.ErrHandlerExists
	ErrEndpointClosed      = errspkg.ErrEndpointClosed
	ErrBusClosed           = errspkg.ErrBusClosed
	ErrDiscoveryExhausted  = errspkg.ErrDiscoveryExhausted
)

// NewMesh wires a mesh from the config: transport, bus, registry, metrics,
// and shutdown coordination. Zero-value options pick the in-process channel
// transport and a private metrics registry.
func NewMesh(conf *Config, logger ServiceLogger, opts MeshOptions) (*Mesh, error) {
	return runtimepkg.NewMesh(conf, logger, opts)
}

// NewEndpoint builds an endpoint against explicitly supplied collaborators.
// Most callers use Mesh.Endpoint instead.
func NewEndpoint(cfg EndpointConfig, deps EndpointDependencies) (*Endpoint, error) {
	return runtimepkg.NewEndpoint(cfg, deps)
}

// NewEnvelope creates an envelope of the given type.
func NewEnvelope(t EnvelopeType) *Envelope {
	return envelopepkg.New(t)
}

// NewResponse creates an envelope correlated to a prior one and addressed
// back to its sender.
func NewResponse(to *Envelope, t EnvelopeType) *Envelope {
	return envelopepkg.NewResponse(to, t)
}

// NewAckMap returns the default request-to-acknowledgment mapping.
func NewAckMap() *AckMap {
	return runtimepkg.NewAckMap()
}

// NewMetrics registers the runtime's Prometheus instruments on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return runtimepkg.NewMetrics(reg)
}

// NewChannelTransport returns the in-process Watermill channel transport
// with logging bridged through the given service logger.
func NewChannelTransport(logger ServiceLogger) Transport {
	return transportpkg.NewChannelTransport(loggingpkg.NewWatermillAdapter(logger))
}

// NewSlogLogger adapts a slog.Logger to the ServiceLogger interface. A nil
// argument uses slog's default logger.
func NewSlogLogger(logger *slog.Logger) ServiceLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return loggingpkg.NewSlogServiceLogger(logger)
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() ServiceLogger {
	return loggingpkg.NewNopServiceLogger()
}

// LoggingHooks returns dispatch hooks that log lifecycle events.
func LoggingHooks(logger ServiceLogger) DispatchHooks {
	return runtimepkg.LoggingHooks(logger)
}

// RegisterJSONHandler routes envelopes of type t through a typed handler,
// decoding the JSON payload into T first.
func RegisterJSONHandler[T any](e *Endpoint, t EnvelopeType, h func(ctx context.Context, env *Envelope, payload T) error) error {
	return runtimepkg.RegisterJSONHandler(e, t, h)
}

// CreateULID returns a new lexicographically sortable unique id.
func CreateULID() string {
	return idspkg.CreateULID()
}

// TrackCloser is a convenience for registering an io.Closer with a mesh's
// shutdown coordinator.
func TrackCloser(m *Mesh, name string, closer io.Closer) {
	m.Shutdown().TrackCloser(name, closer)
}
