package runtime

import (
	"context"
	"fmt"

	"github.com/meshbus/meshbus/internal/runtime/envelope"
)

// RegisterJSONHandler routes envelopes of the given type through a typed
// handler, decoding the payload into T first. A payload that does not decode
// fails the dispatch; the typed handler never sees partial input.
func RegisterJSONHandler[T any](e *Endpoint, t envelope.Type, h func(ctx context.Context, env *envelope.Envelope, payload T) error) error {
	return e.RegisterHandler(t, func(ctx context.Context, env *envelope.Envelope) error {
		var payload T
		if err := env.DecodePayload(&payload); err != nil {
			return fmt.Errorf("decoding %s payload: %w", t, err)
		}
		return h(ctx, env, payload)
	})
}
