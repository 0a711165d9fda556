package meshbus_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	meshbus "github.com/meshbus/meshbus"
)

func newMesh(t *testing.T) *meshbus.Mesh {
	t.Helper()
	conf := &meshbus.Config{
		Channel:           "facade.test",
		HeartbeatInterval: 50 * time.Millisecond,
		DiscoveryDelay:    10 * time.Millisecond,
		AckTimeout:        100 * time.Millisecond,
	}
	m, err := meshbus.NewMesh(conf, meshbus.NewNopLogger(), meshbus.MeshOptions{})
	if err != nil {
		t.Fatalf("NewMesh: %v", err)
	}
	t.Cleanup(func() { _ = m.Stop() })
	return m
}

func TestFacadeRequestReply(t *testing.T) {
	m := newMesh(t)
	ctx := context.Background()

	client, err := m.Endpoint(ctx, meshbus.EndpointConfig{ServiceID: "client", ServiceType: "Client"})
	if err != nil {
		t.Fatalf("Endpoint(client): %v", err)
	}
	server, err := m.Endpoint(ctx, meshbus.EndpointConfig{ServiceID: "server", ServiceType: "Server"})
	if err != nil {
		t.Fatalf("Endpoint(server): %v", err)
	}

	type ping struct {
		Seq int `json:"seq"`
	}
	if err := meshbus.RegisterJSONHandler(server, "app.ping", func(ctx context.Context, env *meshbus.Envelope, p ping) error {
		return server.Respond(env, meshbus.TypeAcknowledgment, "", nil)
	}); err != nil {
		t.Fatalf("RegisterJSONHandler: %v", err)
	}

	found, err := client.Discover(ctx, "Server")
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if !found.Confirmed || len(found.ServiceIDs) != 1 {
		t.Fatalf("discovery result = %+v", found)
	}

	env, err := meshbus.NewEnvelope("app.ping").WithJSONPayload("ping", ping{Seq: 1})
	if err != nil {
		t.Fatalf("WithJSONPayload: %v", err)
	}
	if !client.SendWithAck(ctx, env, found.ServiceIDs[0], meshbus.SendOptions{}) {
		t.Fatal("SendWithAck = false")
	}
}

func TestFacadeShutdownParticipants(t *testing.T) {
	m := newMesh(t)

	var drained atomic.Bool
	if err := m.Shutdown().Register(meshbus.ShutdownParticipant{
		ID:       "drain-jobs",
		Priority: 1000,
		Run: func(ctx context.Context) error {
			drained.Store(true)
			return nil
		},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !drained.Load() {
		t.Fatal("participant did not run")
	}
	if got := m.Shutdown().State(); got != meshbus.ShutdownTerminated {
		t.Fatalf("state = %v", got)
	}
}

func TestFacadeCreateULID(t *testing.T) {
	a := meshbus.CreateULID()
	b := meshbus.CreateULID()
	if a == "" || a == b {
		t.Fatalf("ids not unique: %q %q", a, b)
	}
	if a >= b {
		t.Fatalf("ids not monotonic: %q then %q", a, b)
	}
}
