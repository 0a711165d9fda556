package runtime

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/meshbus/meshbus/internal/runtime/envelope"
	loggingpkg "github.com/meshbus/meshbus/internal/runtime/logging"
)

func newTestMesh(t *testing.T) *Mesh {
	t.Helper()
	m, err := NewMesh(testConfig(), loggingpkg.NewNopServiceLogger(), MeshOptions{
		MetricsRegisterer: prometheus.NewRegistry(),
	})
	if err != nil {
		t.Fatalf("NewMesh: %v", err)
	}
	t.Cleanup(func() { _ = m.Stop() })
	return m
}

func TestMeshEndpointRoundTrip(t *testing.T) {
	m := newTestMesh(t)
	ctx := context.Background()

	producer, err := m.Endpoint(ctx, EndpointConfig{ServiceID: "producer", ServiceType: "Engine", DisableHeartbeat: true})
	if err != nil {
		t.Fatalf("Endpoint(producer): %v", err)
	}
	consumer, err := m.Endpoint(ctx, EndpointConfig{ServiceID: "consumer", ServiceType: "Worker", DisableHeartbeat: true})
	if err != nil {
		t.Fatalf("Endpoint(consumer): %v", err)
	}

	type job struct {
		Task string `json:"task"`
	}
	var got atomic.Value
	if err := RegisterJSONHandler(consumer, "test.job", func(ctx context.Context, env *envelope.Envelope, payload job) error {
		got.Store(payload.Task)
		return nil
	}); err != nil {
		t.Fatalf("RegisterJSONHandler: %v", err)
	}

	env, err := envelope.New("test.job").WithJSONPayload("job", job{Task: "index"})
	if err != nil {
		t.Fatalf("WithJSONPayload: %v", err)
	}
	if err := producer.Publish(env); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		v, _ := got.Load().(string)
		return v == "index"
	}, "typed payload decoded and handled")
}

func TestMeshStopClosesEndpoints(t *testing.T) {
	m := newTestMesh(t)

	e, err := m.Endpoint(context.Background(), EndpointConfig{ServiceID: "svc", ServiceType: "Engine", DisableHeartbeat: true})
	if err != nil {
		t.Fatalf("Endpoint: %v", err)
	}

	if err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if e.State() != EndpointClosed {
		t.Fatalf("endpoint state = %v after Stop", e.State())
	}
	if m.Shutdown().State() != ShutdownTerminated {
		t.Fatalf("shutdown state = %v", m.Shutdown().State())
	}
}

func TestMeshHeartbeatsConverge(t *testing.T) {
	m := newTestMesh(t)
	ctx := context.Background()

	if _, err := m.Endpoint(ctx, EndpointConfig{ServiceID: "a", ServiceType: "Engine"}); err != nil {
		t.Fatalf("Endpoint(a): %v", err)
	}
	if _, err := m.Endpoint(ctx, EndpointConfig{ServiceID: "b", ServiceType: "Resource"}); err != nil {
		t.Fatalf("Endpoint(b): %v", err)
	}

	waitFor(t, time.Second, func() bool {
		return m.Registry().Len() == 2
	}, "heartbeats populate the registry")
}

func TestMeshJSONHandlerRejectsBadPayload(t *testing.T) {
	m := newTestMesh(t)
	ctx := context.Background()

	producer, _ := m.Endpoint(ctx, EndpointConfig{ServiceID: "producer", ServiceType: "Engine", DisableHeartbeat: true})

	var errs atomic.Int64
	consumer, err := m.Endpoint(ctx, EndpointConfig{
		ServiceID:        "consumer",
		ServiceType:      "Worker",
		DisableHeartbeat: true,
		Hooks: DispatchHooks{
			OnError: func(dc DispatchContext, err error) { errs.Add(1) },
		},
	})
	if err != nil {
		t.Fatalf("Endpoint(consumer): %v", err)
	}

	type strictPayload struct {
		Count int `json:"count"`
	}
	_ = RegisterJSONHandler(consumer, "test.strict", func(ctx context.Context, env *envelope.Envelope, p strictPayload) error {
		t.Error("handler ran despite undecodable payload")
		return nil
	})

	env := envelope.New("test.strict").WithPayload("strict", []byte(`{"count": "not a number"}`))
	if err := producer.Publish(env); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	waitFor(t, time.Second, func() bool { return errs.Load() == 1 }, "decode failure surfaces via error hook")
}
