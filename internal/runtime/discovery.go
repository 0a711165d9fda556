package runtime

import (
	"context"

	"github.com/meshbus/meshbus/internal/runtime/envelope"
	errspkg "github.com/meshbus/meshbus/internal/runtime/errors"
	loggingpkg "github.com/meshbus/meshbus/internal/runtime/logging"
)

// DiscoveryResult carries the ids found for a service type. Confirmed is
// false when the ids come from the static fallback table rather than a live
// observation.
type DiscoveryResult struct {
	ServiceIDs []string
	Confirmed  bool
}

// Discover blocks until at least one service of the wanted type is known to
// the registry, broadcasting probes and re-announcing itself between checks.
// Every few attempts it widens the search to the alternate channels, for
// peers that bound elsewhere. After the attempt budget it falls back to the
// configured static id, if any; otherwise it fails with
// ErrDiscoveryExhausted.
func (e *Endpoint) Discover(ctx context.Context, serviceType string) (DiscoveryResult, error) {
	if serviceType == "" {
		return DiscoveryResult{}, errspkg.ErrServiceTypeRequired
	}

	for attempt := 1; attempt <= e.conf.DiscoveryMaxAttempts; attempt++ {
		if ids := e.registry.FindByType(serviceType); len(ids) > 0 {
			return DiscoveryResult{ServiceIDs: ids, Confirmed: true}, nil
		}

		if err := e.probe(serviceType); err != nil {
			e.logger.Debug("Discovery probe failed", loggingpkg.LogFields{
				"wanted_type": serviceType,
				"error":       err.Error(),
			})
		}
		if err := e.Announce(); err != nil {
			e.logger.Debug("Discovery announcement failed", loggingpkg.LogFields{
				"error": err.Error(),
			})
		}

		if e.conf.DiscoverySweepEvery > 0 && attempt%e.conf.DiscoverySweepEvery == 0 {
			e.sweepAlternates(serviceType)
		}

		if err := sleepCtx(ctx, e.conf.DiscoveryDelay); err != nil {
			return DiscoveryResult{}, err
		}
	}

	if ids := e.registry.FindByType(serviceType); len(ids) > 0 {
		return DiscoveryResult{ServiceIDs: ids, Confirmed: true}, nil
	}

	if staticID, ok := e.conf.StaticServiceIDs[serviceType]; ok && staticID != "" {
		e.logger.Info("Discovery falling back to static id", loggingpkg.LogFields{
			"wanted_type": serviceType,
			"service_id":  staticID,
		})
		return DiscoveryResult{ServiceIDs: []string{staticID}, Confirmed: false}, nil
	}

	e.logger.Error("Discovery exhausted", errspkg.ErrDiscoveryExhausted, loggingpkg.LogFields{
		"wanted_type": serviceType,
		"attempts":    e.conf.DiscoveryMaxAttempts,
	})
	return DiscoveryResult{}, errspkg.ErrDiscoveryExhausted
}

func (e *Endpoint) probe(serviceType string) error {
	req, err := envelope.NewDiscoveryRequest(envelope.DiscoveryRequest{
		WantedType: serviceType,
		Requester:  e.id,
	})
	if err != nil {
		return err
	}
	return e.Publish(req)
}

// sweepAlternates pushes a probe and a registration onto each alternate
// channel. Failures are logged and ignored; the sweep is best effort on top
// of the primary-channel retry loop.
func (e *Endpoint) sweepAlternates(serviceType string) {
	for _, channel := range e.bus.AlternateChannels() {
		req, err := envelope.NewDiscoveryRequest(envelope.DiscoveryRequest{
			WantedType: serviceType,
			Requester:  e.id,
		})
		if err == nil {
			if err := e.publishOn(channel, req); err != nil {
				e.logger.Debug("Alternate-channel probe failed", loggingpkg.LogFields{
					"channel": channel,
					"error":   err.Error(),
				})
			}
		}

		reg, err := envelope.NewRegistration(e.registration())
		if err == nil {
			if err := e.publishOn(channel, reg); err != nil {
				e.logger.Debug("Alternate-channel announcement failed", loggingpkg.LogFields{
					"channel": channel,
					"error":   err.Error(),
				})
			}
		}
	}
}
