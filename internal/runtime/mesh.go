package runtime

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	configpkg "github.com/meshbus/meshbus/internal/runtime/config"
	errspkg "github.com/meshbus/meshbus/internal/runtime/errors"
	loggingpkg "github.com/meshbus/meshbus/internal/runtime/logging"
	transportpkg "github.com/meshbus/meshbus/internal/runtime/transport"
)

// Mesh owns the shared substrate: the transport, the fan-out bus, the
// service registry, metrics, and the shutdown coordinator. Endpoints are
// created through it and torn down by it.
type Mesh struct {
	conf     *configpkg.Config
	logger   loggingpkg.ServiceLogger
	bus      *Bus
	registry *Registry
	shutdown *ShutdownCoordinator
	metrics  *Metrics
	sampler  *resourceSampler
	hooks    DispatchHooks

	metricsServer *http.Server
}

// MeshOptions overrides the default collaborators.
type MeshOptions struct {
	// Transport overrides the default in-process channel transport.
	Transport transportpkg.Transport
	// Hooks are merged into every endpoint's hooks.
	Hooks DispatchHooks
	// MetricsRegisterer receives the mesh's collectors. Nil gets a
	// private registry so tests and embedders never collide.
	MetricsRegisterer prometheus.Registerer
}

// NewMesh applies defaults, validates the configuration, and wires the
// substrate. Nothing runs until Start.
func NewMesh(conf *configpkg.Config, logger loggingpkg.ServiceLogger, opts MeshOptions) (*Mesh, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	defaulted := conf.WithDefaults()
	conf = &defaulted
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	registerer := opts.MetricsRegisterer
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}
	metrics := NewMetrics(registerer)

	tr := opts.Transport
	if tr == nil {
		tr = transportpkg.NewChannelTransport(loggingpkg.NewWatermillAdapter(logger))
	}

	bus, err := NewBus(tr, conf, logger, metrics)
	if err != nil {
		return nil, err
	}

	shutdown, err := NewShutdownCoordinator(conf, logger)
	if err != nil {
		return nil, err
	}
	// The transport closes last so every participant can still flush.
	shutdown.TrackCloser("transport", closerFunc(bus.Close))

	return &Mesh{
		conf:     conf,
		logger:   logger,
		bus:      bus,
		registry: NewRegistry(conf, logger, metrics),
		shutdown: shutdown,
		metrics:  metrics,
		sampler:  newResourceSampler(),
		hooks:    opts.Hooks,
	}, nil
}

// Bus returns the shared fan-out bus.
func (m *Mesh) Bus() *Bus { return m.bus }

// Registry returns the shared service registry.
func (m *Mesh) Registry() *Registry { return m.registry }

// Shutdown returns the shutdown coordinator.
func (m *Mesh) Shutdown() *ShutdownCoordinator { return m.shutdown }

// Endpoint builds and starts an endpoint wired to the mesh's substrate and
// tracks it for teardown.
func (m *Mesh) Endpoint(ctx context.Context, cfg EndpointConfig) (*Endpoint, error) {
	cfg.Hooks = m.hooks.Merge(cfg.Hooks)
	e, err := NewEndpoint(cfg, EndpointDependencies{
		Bus:      m.bus,
		Registry: m.registry,
		Logger:   m.logger,
		Metrics:  m.metrics,
		Sampler:  m.sampler,
	})
	if err != nil {
		return nil, err
	}
	if err := e.Start(m.shutdown.Context(ctx)); err != nil {
		return nil, err
	}
	m.shutdown.TrackCloser("endpoint:"+e.ID(), closerFunc(e.Close))
	return e, nil
}

// Start launches the registry janitor and, when enabled, the metrics
// listener, and arms signal-triggered shutdown.
func (m *Mesh) Start(ctx context.Context) error {
	runCtx := m.shutdown.Context(ctx)

	if m.conf.ExpiryMissedHeartbeats > 0 {
		go m.registry.RunJanitor(runCtx)
	}

	if m.conf.MetricsEnabled {
		if err := m.serveMetrics(); err != nil {
			return err
		}
	}

	m.shutdown.NotifyOnSignal()

	// Cancelling the caller's context tears the mesh down like a signal
	// would.
	go func() {
		select {
		case <-ctx.Done():
			_ = m.Stop()
		case <-m.shutdown.Done():
		}
	}()

	m.logger.Info("Mesh started", loggingpkg.LogFields{
		"channel": m.bus.Channel(),
	})
	return nil
}

// Stop runs the full shutdown sequence with the configured overall timeout.
func (m *Mesh) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), m.conf.ShutdownOverallTimeout)
	defer cancel()
	return m.shutdown.Shutdown(ctx)
}

func (m *Mesh) serveMetrics() error {
	registry, ok := m.metrics.registerer.(*prometheus.Registry)
	if !ok {
		return fmt.Errorf("meshbus: metrics endpoint needs a *prometheus.Registry, got %T", m.metrics.registerer)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	m.metricsServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", m.conf.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("Metrics server stopped", err, nil)
		}
	}()

	m.shutdown.TrackCloser("metrics-server", closerFunc(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return m.metricsServer.Shutdown(ctx)
	}))
	m.logger.Info("Metrics listening", loggingpkg.LogFields{"port": m.conf.MetricsPort})
	return nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
