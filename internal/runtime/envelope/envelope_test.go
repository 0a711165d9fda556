package envelope

import (
	"errors"
	"strings"
	"testing"
	"time"

	errspkg "github.com/meshbus/meshbus/internal/runtime/errors"
)

func TestNewSetsTypeAndTimestamp(t *testing.T) {
	before := time.Now().UTC()
	env := New(TypeDebug)
	after := time.Now().UTC()

	if env.Type != TypeDebug {
		t.Fatalf("expected type %s, got %s", TypeDebug, env.Type)
	}
	if env.ID != "" {
		t.Fatalf("expected empty id before publish, got %s", env.ID)
	}
	if env.Timestamp.Before(before) || env.Timestamp.After(after) {
		t.Fatalf("timestamp %v outside [%v, %v]", env.Timestamp, before, after)
	}
}

func TestEnsureIDIsIdempotent(t *testing.T) {
	env := New(TypeDebug)
	env.EnsureID()
	first := env.ID
	if first == "" {
		t.Fatal("expected id to be assigned")
	}
	env.EnsureID()
	if env.ID != first {
		t.Fatalf("expected id to be stable, got %s then %s", first, env.ID)
	}
}

func TestNewResponseCorrelates(t *testing.T) {
	req := New(TypeServiceDiscovery)
	req.EnsureID()
	req.SenderID = "engine-1"

	resp := NewResponse(req, TypeServiceDiscoveryResponse)
	if resp.InResponseTo != req.ID {
		t.Fatalf("expected correlation id %s, got %s", req.ID, resp.InResponseTo)
	}
	if resp.ReceiverID != "engine-1" {
		t.Fatalf("expected response addressed to sender, got %q", resp.ReceiverID)
	}
	if !resp.IsResponse() {
		t.Fatal("expected IsResponse to be true")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		env  *Envelope
	}{
		{
			name: "broadcast without correlation",
			env: &Envelope{
				ID:        "01ARZ3NDEKTSV4RRFFQ69G5FAV",
				Type:      TypeDebug,
				SenderID:  "ui-1",
				Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
			},
		},
		{
			name: "unicast response with payload",
			env: &Envelope{
				ID:           "01ARZ3NDEKTSV4RRFFQ69G5FB0",
				Type:         TypeGenericResponse,
				SenderID:     "resource-1",
				ReceiverID:   "engine-1",
				InResponseTo: "01ARZ3NDEKTSV4RRFFQ69G5FAV",
				PayloadType:  "game.deck",
				Payload:      []byte(`{"cards":52}`),
				Timestamp:    time.Date(2025, 6, 1, 12, 0, 1, 0, time.UTC),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.env)
			if err != nil {
				t.Fatalf("encode failed: %v", err)
			}

			decoded, err := Decode(data)
			if err != nil {
				t.Fatalf("decode failed: %v", err)
			}

			if decoded.ID != tt.env.ID || decoded.Type != tt.env.Type {
				t.Fatalf("identity fields did not round trip: %#v", decoded)
			}
			if decoded.ReceiverID != tt.env.ReceiverID {
				t.Fatalf("expected receiver %q, got %q", tt.env.ReceiverID, decoded.ReceiverID)
			}
			if decoded.InResponseTo != tt.env.InResponseTo {
				t.Fatalf("expected correlation %q, got %q", tt.env.InResponseTo, decoded.InResponseTo)
			}
			if string(decoded.Payload) != string(tt.env.Payload) {
				t.Fatalf("payload did not round trip: %q", decoded.Payload)
			}
			if !decoded.Timestamp.Equal(tt.env.Timestamp) {
				t.Fatalf("timestamp did not round trip: %v", decoded.Timestamp)
			}
		})
	}
}

func TestAbsentOptionalFieldsAreOmitted(t *testing.T) {
	env := New(TypeHeartbeat)
	env.EnsureID()
	env.SenderID = "engine-1"

	data, err := Encode(env)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	wire := string(data)
	if strings.Contains(wire, "receiverId") {
		t.Fatalf("expected receiverId to be omitted, got %s", wire)
	}
	if strings.Contains(wire, "inResponseTo") {
		t.Fatalf("expected inResponseTo to be omitted, got %s", wire)
	}
}

func TestDecodeRejectsMalformedInput(t *testing.T) {
	if _, err := Decode([]byte("{not json")); err == nil {
		t.Fatal("expected error for malformed input")
	}
	if _, err := Decode([]byte(`{"id":"x"}`)); !errors.Is(err, errspkg.ErrEnvelopeTypeRequired) {
		t.Fatalf("expected ErrEnvelopeTypeRequired, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	var nilEnv *Envelope
	if err := nilEnv.Validate(); !errors.Is(err, errspkg.ErrEnvelopeRequired) {
		t.Fatalf("expected ErrEnvelopeRequired, got %v", err)
	}
	if err := (&Envelope{}).Validate(); !errors.Is(err, errspkg.ErrEnvelopeTypeRequired) {
		t.Fatalf("expected ErrEnvelopeTypeRequired, got %v", err)
	}
}

func TestCloneIsDeep(t *testing.T) {
	env := New(TypeDebug).WithPayload("raw", []byte("abc"))
	env.EnsureID()

	clone := env.Clone()
	clone.Payload[0] = 'z'

	if env.Payload[0] != 'a' {
		t.Fatal("expected clone payload to be independent")
	}
	if clone.ID != env.ID {
		t.Fatal("expected clone to keep the id")
	}
}

func TestRegistrationPayloadRoundTrip(t *testing.T) {
	reg := Registration{
		ServiceID:    "resource-1",
		ServiceType:  "Resource",
		ServiceName:  "deck provider",
		Capabilities: []string{"deck", "shuffle"},
		InstanceID:   "550e8400-e29b-41d4-a716-446655440000",
	}

	env, err := NewRegistration(reg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.Type != TypeServiceRegistration {
		t.Fatalf("expected registration type, got %s", env.Type)
	}
	if env.PayloadType != PayloadTypeRegistration {
		t.Fatalf("expected payload type %s, got %s", PayloadTypeRegistration, env.PayloadType)
	}

	decoded, err := env.RegistrationPayload()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decoded.ServiceID != reg.ServiceID || decoded.ServiceType != reg.ServiceType {
		t.Fatalf("registration did not round trip: %#v", decoded)
	}
	if len(decoded.Capabilities) != 2 {
		t.Fatalf("expected capabilities to round trip, got %v", decoded.Capabilities)
	}
}

func TestNewRegistrationValidatesInput(t *testing.T) {
	tests := []struct {
		name string
		reg  Registration
		want error
	}{
		{name: "missing id", reg: Registration{ServiceType: "Engine"}, want: errspkg.ErrServiceIDRequired},
		{name: "missing type", reg: Registration{ServiceID: "engine-1"}, want: errspkg.ErrServiceTypeRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewRegistration(tt.reg); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestDiscoveryRequestRoundTrip(t *testing.T) {
	env, err := NewDiscoveryRequest(DiscoveryRequest{WantedType: "Resource", Requester: "engine-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	req, err := env.DiscoveryPayload()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.WantedType != "Resource" || req.Requester != "engine-1" {
		t.Fatalf("discovery request did not round trip: %#v", req)
	}

	if _, err := NewDiscoveryRequest(DiscoveryRequest{}); !errors.Is(err, errspkg.ErrServiceTypeRequired) {
		t.Fatalf("expected ErrServiceTypeRequired, got %v", err)
	}
}
