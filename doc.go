// Package meshbus is an in-process publish/subscribe substrate for composing
// an application out of loosely coupled services. Every envelope published on
// a channel fans out to every endpoint bound to it; endpoints filter by sender
// and receiver id, so unicast is emulated over broadcast and the transport
// stays trivial. The default transport is Watermill's in-memory Go channel
// Pub/Sub, and anything implementing Transport can replace it.
//
// A Mesh owns the shared pieces: the transport, the fan-out Bus, the service
// Registry, Prometheus metrics, and the ShutdownCoordinator. Endpoints are
// created through it, announce themselves on start, heartbeat on a fixed
// interval, and route inbound envelopes to registered handlers. A minimal
// setup fills Config, creates a Mesh, creates endpoints, registers handlers,
// and calls Start.
//
// # Discovery
//
// Services find each other by type, not by address. Discover broadcasts
// probes and re-announcements until a peer of the wanted type turns up in the
// registry, periodically widening the search to the alternate well-known
// channels, and finally falling back to a statically configured id when one
// exists. Results carry a Confirmed flag so callers can tell a live
// observation from a fallback guess.
//
// # Reliable delivery
//
// The bus itself never reports delivery failure. SendWithAck layers
// correlation on top: it publishes an envelope addressed to one receiver,
// waits for the matching acknowledgment, and re-publishes on timeout with
// optionally doubling waits. The outcome is a plain boolean; an absent ack is
// an expected condition, not an error. Receivers suppress retried duplicates
// by envelope id and re-emit the acknowledgment instead of re-running the
// handler.
//
// # Shutdown
//
// The ShutdownCoordinator runs registered participants exactly once in
// descending priority order, each with its own timeout and panic isolation,
// then releases tracked closers in reverse registration order. It can be
// armed to trigger on SIGINT/SIGTERM.
package meshbus
