// Package envelope defines the unit of communication exchanged over the bus:
// a typed, correlated record with an opaque payload. Core message types cover
// registration, discovery, heartbeats, and acknowledgments; everything else
// is a domain type the substrate carries without interpreting.
package envelope

import (
	"fmt"
	"time"

	errspkg "github.com/meshbus/meshbus/internal/runtime/errors"
	"github.com/meshbus/meshbus/internal/runtime/ids"
	"github.com/meshbus/meshbus/internal/runtime/jsoncodec"
)

// Type tags an envelope so endpoints can route it to a handler. The core
// types below are understood by the runtime itself; hosts add their own.
type Type string

const (
	TypeServiceRegistration      Type = "core.service_registration"
	TypeHeartbeat                Type = "core.heartbeat"
	TypeAcknowledgment           Type = "core.acknowledgment"
	TypeGenericResponse          Type = "core.generic_response"
	TypeDebug                    Type = "core.debug"
	TypeServiceDiscovery         Type = "core.service_discovery"
	TypeServiceDiscoveryResponse Type = "core.service_discovery_response"
)

// Payload type discriminators for the payloads the runtime itself produces.
const (
	PayloadTypeRegistration     = "core.registration"
	PayloadTypeDiscoveryRequest = "core.discovery_request"
)

// Envelope is the immutable unit of communication. An empty ReceiverID means
// broadcast; a non-empty one narrows processing, not delivery, because the
// transport fans every envelope out to every bound endpoint regardless.
type Envelope struct {
	ID           string    `json:"id"`
	Type         Type      `json:"type"`
	SenderID     string    `json:"senderId"`
	ReceiverID   string    `json:"receiverId,omitempty"`
	InResponseTo string    `json:"inResponseTo,omitempty"`
	PayloadType  string    `json:"payloadType,omitempty"`
	Payload      []byte    `json:"payload,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// New constructs an envelope of the given type with the timestamp set. The
// id is left empty; the publishing endpoint assigns one if the sender did
// not.
func New(t Type) *Envelope {
	return &Envelope{
		Type:      t,
		Timestamp: time.Now().UTC(),
	}
}

// NewResponse constructs an envelope correlated to a prior one, addressed
// back at its sender.
func NewResponse(to *Envelope, t Type) *Envelope {
	resp := New(t)
	if to != nil {
		resp.InResponseTo = to.ID
		resp.ReceiverID = to.SenderID
	}
	return resp
}

// WithPayload attaches an opaque payload and its discriminator.
func (e *Envelope) WithPayload(payloadType string, payload []byte) *Envelope {
	e.PayloadType = payloadType
	e.Payload = payload
	return e
}

// WithJSONPayload marshals v and attaches it as the payload.
func (e *Envelope) WithJSONPayload(payloadType string, v any) (*Envelope, error) {
	payload, err := jsoncodec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("meshbus: marshal %s payload: %w", payloadType, err)
	}
	return e.WithPayload(payloadType, payload), nil
}

// EnsureID assigns a fresh ULID when the sender did not set one.
func (e *Envelope) EnsureID() {
	if e.ID == "" {
		e.ID = ids.CreateULID()
	}
}

// IsBroadcast reports whether the envelope is addressed to everyone.
func (e *Envelope) IsBroadcast() bool {
	return e.ReceiverID == ""
}

// IsResponse reports whether the envelope correlates to a prior one.
func (e *Envelope) IsResponse() bool {
	return e.InResponseTo != ""
}

// Clone returns a deep copy. Retried publishes reuse the same id, so the
// envelope itself must never be shared with handlers that could mutate it.
func (e *Envelope) Clone() *Envelope {
	clone := *e
	if e.Payload != nil {
		clone.Payload = make([]byte, len(e.Payload))
		copy(clone.Payload, e.Payload)
	}
	return &clone
}

// Validate fails fast on envelopes that can never be dispatched.
func (e *Envelope) Validate() error {
	if e == nil {
		return errspkg.ErrEnvelopeRequired
	}
	if e.Type == "" {
		return errspkg.ErrEnvelopeTypeRequired
	}
	return nil
}

// Encode serializes the envelope to its JSON wire format. Absent receiver and
// correlation ids are omitted entirely so they round-trip as empty.
func Encode(e *Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	data, err := jsoncodec.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("meshbus: encode envelope %s: %w", e.ID, err)
	}
	return data, nil
}

// Decode parses an envelope from its wire format.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := jsoncodec.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("meshbus: decode envelope: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// DecodePayload unmarshals the payload into v.
func (e *Envelope) DecodePayload(v any) error {
	if err := jsoncodec.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("meshbus: decode %s payload: %w", e.PayloadType, err)
	}
	return nil
}

// Registration is the payload carried by ServiceRegistration and Heartbeat
// envelopes.
type Registration struct {
	ServiceID    string   `json:"serviceId"`
	ServiceType  string   `json:"serviceType"`
	ServiceName  string   `json:"serviceName,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	InstanceID   string   `json:"instanceId,omitempty"`
}

// NewRegistration builds a broadcast envelope announcing a service.
func NewRegistration(reg Registration) (*Envelope, error) {
	if reg.ServiceID == "" {
		return nil, errspkg.ErrServiceIDRequired
	}
	if reg.ServiceType == "" {
		return nil, errspkg.ErrServiceTypeRequired
	}
	return New(TypeServiceRegistration).WithJSONPayload(PayloadTypeRegistration, reg)
}

// NewHeartbeat builds a broadcast heartbeat carrying the same registration
// payload, so late joiners converge from heartbeats alone.
func NewHeartbeat(reg Registration) (*Envelope, error) {
	if reg.ServiceID == "" {
		return nil, errspkg.ErrServiceIDRequired
	}
	return New(TypeHeartbeat).WithJSONPayload(PayloadTypeRegistration, reg)
}

// RegistrationPayload decodes the registration carried by the envelope.
func (e *Envelope) RegistrationPayload() (Registration, error) {
	var reg Registration
	err := e.DecodePayload(&reg)
	return reg, err
}

// DiscoveryRequest is the payload of a ServiceDiscovery envelope.
type DiscoveryRequest struct {
	WantedType string `json:"wantedType"`
	Requester  string `json:"requester,omitempty"`
}

// NewDiscoveryRequest builds a broadcast probe for a service type.
func NewDiscoveryRequest(req DiscoveryRequest) (*Envelope, error) {
	if req.WantedType == "" {
		return nil, errspkg.ErrServiceTypeRequired
	}
	return New(TypeServiceDiscovery).WithJSONPayload(PayloadTypeDiscoveryRequest, req)
}

// DiscoveryPayload decodes the discovery request carried by the envelope.
func (e *Envelope) DiscoveryPayload() (DiscoveryRequest, error) {
	var req DiscoveryRequest
	err := e.DecodePayload(&req)
	return req, err
}
