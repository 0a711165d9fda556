package config

import (
	"errors"
	"fmt"
	"time"
)

// Defaults applied by WithDefaults for zero-valued fields.
const (
	DefaultChannel           = "mesh.bus"
	DefaultBindMaxRetries    = 5
	DefaultBindRetryDelay    = 100 * time.Millisecond
	DefaultPollTimeout       = 50 * time.Millisecond
	DefaultDispatchBatch     = 32
	DefaultHeartbeatInterval = 2 * time.Second

	DefaultDiscoveryMaxAttempts = 10
	DefaultDiscoveryDelay       = 500 * time.Millisecond
	DefaultDiscoverySweepEvery  = 3

	DefaultAckTimeout    = 2 * time.Second
	DefaultAckMaxRetries = 3
	DefaultAckMaxBackoff = 8 * time.Second

	DefaultDuplicateWindow         = 512
	DefaultExpiryMissedHeartbeats  = 3
	DefaultShutdownStepTimeout     = 5 * time.Second
	DefaultShutdownOverallTimeout  = 30 * time.Second
	DefaultAlternateChannelOffsets = 3
)

// Config groups the runtime settings shared by the bus, endpoints, discovery,
// reliable delivery, and shutdown. Zero values fall back to defaults.
type Config struct {
	// Channel is the broadcast channel every endpoint binds by default.
	Channel string
	// AlternateChannels are additional well-known channels probed during
	// widened discovery sweeps, for environments where more than one
	// transport endpoint may be bound for the same logical role. When empty,
	// WithDefaults derives Channel.1 .. Channel.N.
	AlternateChannels []string

	// Bind retry policy for transport handle creation.
	BindMaxRetries int
	BindRetryDelay time.Duration

	// PollTimeout bounds how long a receive loop blocks on the transport, so
	// cancellation is observed promptly.
	PollTimeout time.Duration
	// DispatchBatch caps envelopes processed per dispatch iteration so queue
	// draining stays fair with the endpoint's periodic work.
	DispatchBatch int

	// HeartbeatInterval is the cadence of the standing announcement loop.
	HeartbeatInterval time.Duration

	// Discovery tuning.
	DiscoveryMaxAttempts int
	DiscoveryDelay       time.Duration
	DiscoverySweepEvery  int
	// StaticServiceIDs maps singleton service types to well-known ids used
	// as a last-resort discovery fallback.
	StaticServiceIDs map[string]string

	// Reliable delivery tuning. AckTimeout is the first attempt's wait;
	// exponential sends double it per retry up to AckMaxBackoff.
	AckTimeout     time.Duration
	AckMaxRetries  int
	AckMaxBackoff  time.Duration
	AckExponential bool

	// DuplicateWindow is the number of recently seen envelope ids each
	// endpoint remembers for duplicate suppression. Zero picks the default,
	// negative disables suppression.
	DuplicateWindow int

	// ExpiryMissedHeartbeats removes a registry record after this many
	// heartbeat intervals without a sighting. Zero picks the default,
	// negative disables expiry.
	ExpiryMissedHeartbeats int

	// Shutdown tuning.
	ShutdownStepTimeout    time.Duration
	ShutdownOverallTimeout time.Duration

	// Metrics configuration.
	MetricsEnabled bool
	// MetricsPort is the port where Prometheus metrics are exposed.
	MetricsPort int
}

// WithDefaults returns a copy with defaults applied to zero values.
func (c Config) WithDefaults() Config {
	if c.Channel == "" {
		c.Channel = DefaultChannel
	}
	if len(c.AlternateChannels) == 0 {
		for i := 1; i <= DefaultAlternateChannelOffsets; i++ {
			c.AlternateChannels = append(c.AlternateChannels, fmt.Sprintf("%s.%d", c.Channel, i))
		}
	}
	if c.BindMaxRetries == 0 {
		c.BindMaxRetries = DefaultBindMaxRetries
	}
	if c.BindRetryDelay == 0 {
		c.BindRetryDelay = DefaultBindRetryDelay
	}
	if c.PollTimeout == 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	if c.DispatchBatch == 0 {
		c.DispatchBatch = DefaultDispatchBatch
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.DiscoveryMaxAttempts == 0 {
		c.DiscoveryMaxAttempts = DefaultDiscoveryMaxAttempts
	}
	if c.DiscoveryDelay == 0 {
		c.DiscoveryDelay = DefaultDiscoveryDelay
	}
	if c.DiscoverySweepEvery == 0 {
		c.DiscoverySweepEvery = DefaultDiscoverySweepEvery
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.AckMaxRetries == 0 {
		c.AckMaxRetries = DefaultAckMaxRetries
	}
	if c.AckMaxBackoff == 0 {
		c.AckMaxBackoff = DefaultAckMaxBackoff
	}
	if c.DuplicateWindow == 0 {
		c.DuplicateWindow = DefaultDuplicateWindow
	}
	if c.ExpiryMissedHeartbeats == 0 {
		c.ExpiryMissedHeartbeats = DefaultExpiryMissedHeartbeats
	}
	if c.ShutdownStepTimeout == 0 {
		c.ShutdownStepTimeout = DefaultShutdownStepTimeout
	}
	if c.ShutdownOverallTimeout == 0 {
		c.ShutdownOverallTimeout = DefaultShutdownOverallTimeout
	}
	return c
}

// Validate checks that the configuration is internally consistent. Disabling
// a feature requires the explicit negative value, not a typo'd zero, so
// negatives are accepted only where they mean "off".
func (c *Config) Validate() error {
	var errs []error

	errs = append(errs, c.validateTiming()...)
	errs = append(errs, c.validateDiscovery()...)
	errs = append(errs, c.validatePorts()...)

	return errors.Join(errs...)
}

func (c *Config) validateTiming() []error {
	var errs []error
	if c.BindMaxRetries < 0 {
		errs = append(errs, errors.New("bind: max retries cannot be negative"))
	}
	if c.BindRetryDelay < 0 {
		errs = append(errs, errors.New("bind: retry delay cannot be negative"))
	}
	if c.PollTimeout < 0 {
		errs = append(errs, errors.New("poll: timeout cannot be negative"))
	}
	if c.DispatchBatch < 0 {
		errs = append(errs, errors.New("dispatch: batch size cannot be negative"))
	}
	if c.HeartbeatInterval < 0 {
		errs = append(errs, errors.New("heartbeat: interval cannot be negative"))
	}
	if c.AckTimeout < 0 {
		errs = append(errs, errors.New("ack: timeout cannot be negative"))
	}
	if c.AckMaxRetries < 0 {
		errs = append(errs, errors.New("ack: max retries cannot be negative"))
	}
	if c.AckMaxBackoff > 0 && c.AckTimeout > 0 && c.AckTimeout > c.AckMaxBackoff {
		errs = append(errs, errors.New("ack: timeout cannot exceed max backoff"))
	}
	if c.ShutdownStepTimeout < 0 {
		errs = append(errs, errors.New("shutdown: step timeout cannot be negative"))
	}
	if c.ShutdownOverallTimeout < 0 {
		errs = append(errs, errors.New("shutdown: overall timeout cannot be negative"))
	}
	return errs
}

func (c *Config) validateDiscovery() []error {
	var errs []error
	if c.DiscoveryMaxAttempts < 0 {
		errs = append(errs, errors.New("discovery: max attempts cannot be negative"))
	}
	if c.DiscoveryDelay < 0 {
		errs = append(errs, errors.New("discovery: delay cannot be negative"))
	}
	if c.DiscoverySweepEvery < 0 {
		errs = append(errs, errors.New("discovery: sweep cadence cannot be negative"))
	}
	for serviceType, id := range c.StaticServiceIDs {
		if serviceType == "" || id == "" {
			errs = append(errs, fmt.Errorf("discovery: static id mapping %q -> %q is incomplete", serviceType, id))
		}
	}
	return errs
}

func (c *Config) validatePorts() []error {
	var errs []error
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		errs = append(errs, fmt.Errorf("metrics: invalid port %d", c.MetricsPort))
	}
	return errs
}

// ValidateConfig is a convenience function to validate a config pointer.
func ValidateConfig(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	return c.Validate()
}
