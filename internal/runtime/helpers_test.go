package runtime

import (
	"context"
	"testing"
	"time"

	configpkg "github.com/meshbus/meshbus/internal/runtime/config"
	loggingpkg "github.com/meshbus/meshbus/internal/runtime/logging"
	transportpkg "github.com/meshbus/meshbus/internal/runtime/transport"
)

func testConfig() *configpkg.Config {
	conf := &configpkg.Config{
		Channel:                "test.bus",
		PollTimeout:            2 * time.Millisecond,
		BindRetryDelay:         2 * time.Millisecond,
		HeartbeatInterval:      25 * time.Millisecond,
		DiscoveryMaxAttempts:   5,
		DiscoveryDelay:         10 * time.Millisecond,
		DiscoverySweepEvery:    2,
		AckTimeout:             40 * time.Millisecond,
		AckMaxRetries:          2,
		AckMaxBackoff:          200 * time.Millisecond,
		DuplicateWindow:        64,
		ShutdownStepTimeout:    200 * time.Millisecond,
		ShutdownOverallTimeout: time.Second,
	}
	defaulted := conf.WithDefaults()
	return &defaulted
}

type testHarness struct {
	conf     *configpkg.Config
	bus      *Bus
	registry *Registry
	logger   loggingpkg.ServiceLogger
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	conf := testConfig()
	logger := loggingpkg.NewNopServiceLogger()
	tr := transportpkg.NewChannelTransport(loggingpkg.NewWatermillAdapter(logger))
	bus, err := NewBus(tr, conf, logger, nil)
	if err != nil {
		t.Fatalf("NewBus: %v", err)
	}
	t.Cleanup(func() { _ = bus.Close() })
	return &testHarness{
		conf:     conf,
		bus:      bus,
		registry: NewRegistry(conf, logger, nil),
		logger:   logger,
	}
}

func (h *testHarness) endpoint(t *testing.T, cfg EndpointConfig) *Endpoint {
	t.Helper()
	e, err := NewEndpoint(cfg, EndpointDependencies{
		Bus:      h.bus,
		Registry: h.registry,
		Logger:   h.logger,
	})
	if err != nil {
		t.Fatalf("NewEndpoint(%s): %v", cfg.ServiceID, err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start(%s): %v", cfg.ServiceID, err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}
