package runtime

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	configpkg "github.com/meshbus/meshbus/internal/runtime/config"
	"github.com/meshbus/meshbus/internal/runtime/envelope"
	loggingpkg "github.com/meshbus/meshbus/internal/runtime/logging"
)

// ServiceRecord describes one service observed on the bus. Records are
// returned by value; callers never share registry state.
type ServiceRecord struct {
	ServiceID    string
	ServiceType  string
	ServiceName  string
	Capabilities []string
	InstanceID   string
	FirstSeen    time.Time
	LastSeen     time.Time
}

func (r ServiceRecord) clone() ServiceRecord {
	if r.Capabilities != nil {
		caps := make([]string, len(r.Capabilities))
		copy(caps, r.Capabilities)
		r.Capabilities = caps
	}
	return r
}

// RegistryListener is notified outside the registry's locks, so listeners
// may call back into the registry.
type RegistryListener func(record ServiceRecord)

// Registry tracks every service seen on the bus, keyed by service id.
// Reads are lock-free against an immutable snapshot map that writers swap
// atomically; discovery polls FindByType frequently, so reads must never
// contend with registration traffic.
type Registry struct {
	conf   *configpkg.Config
	logger loggingpkg.ServiceLogger

	mu       sync.Mutex
	records  map[string]ServiceRecord
	snapshot atomic.Pointer[map[string]ServiceRecord]

	onRegistered []RegistryListener
	onExpired    []RegistryListener

	metrics *Metrics
	now     func() time.Time
}

// NewRegistry creates an empty registry. The config must already have
// defaults applied.
func NewRegistry(conf *configpkg.Config, logger loggingpkg.ServiceLogger, m *Metrics) *Registry {
	r := &Registry{
		conf:    conf,
		logger:  logger,
		records: make(map[string]ServiceRecord),
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
	empty := map[string]ServiceRecord{}
	r.snapshot.Store(&empty)
	return r
}

// Observe upserts the record for a registration or heartbeat payload and
// reports whether the service was seen for the first time. Repeated
// observations update the existing record in place; they never replace
// FirstSeen.
func (r *Registry) Observe(reg envelope.Registration) bool {
	if reg.ServiceID == "" {
		return false
	}

	now := r.now()

	r.mu.Lock()
	record, exists := r.records[reg.ServiceID]
	if !exists {
		record = ServiceRecord{
			ServiceID: reg.ServiceID,
			FirstSeen: now,
		}
	}
	if reg.ServiceType != "" {
		record.ServiceType = reg.ServiceType
	}
	if reg.ServiceName != "" {
		record.ServiceName = reg.ServiceName
	}
	if len(reg.Capabilities) > 0 {
		record.Capabilities = append([]string(nil), reg.Capabilities...)
	}
	if reg.InstanceID != "" {
		record.InstanceID = reg.InstanceID
	}
	record.LastSeen = now
	r.records[reg.ServiceID] = record
	r.publishSnapshotLocked()

	var listeners []RegistryListener
	if !exists {
		listeners = append([]RegistryListener(nil), r.onRegistered...)
	}
	r.mu.Unlock()

	if !exists {
		r.logger.Info("Service registered", loggingpkg.LogFields{
			"service_id":   reg.ServiceID,
			"service_type": reg.ServiceType,
		})
	}
	for _, fn := range listeners {
		fn(record.clone())
	}
	return !exists
}

// Get returns the record for a service id.
func (r *Registry) Get(serviceID string) (ServiceRecord, bool) {
	snap := *r.snapshot.Load()
	record, ok := snap[serviceID]
	if !ok {
		return ServiceRecord{}, false
	}
	return record.clone(), true
}

// FindByType returns the ids of all known services of the given type,
// sorted for deterministic results.
func (r *Registry) FindByType(serviceType string) []string {
	snap := *r.snapshot.Load()
	var ids []string
	for id, record := range snap {
		if record.ServiceType == serviceType {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Snapshot returns a copy of every known record.
func (r *Registry) Snapshot() []ServiceRecord {
	snap := *r.snapshot.Load()
	out := make([]ServiceRecord, 0, len(snap))
	for _, record := range snap {
		out = append(out, record.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServiceID < out[j].ServiceID })
	return out
}

// Len returns the number of known services.
func (r *Registry) Len() int {
	return len(*r.snapshot.Load())
}

// OnRegistered adds a listener invoked the first time a service id is seen.
func (r *Registry) OnRegistered(fn RegistryListener) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.onRegistered = append(r.onRegistered, fn)
	r.mu.Unlock()
}

// OnExpired adds a listener invoked when a record is expired for missed
// heartbeats.
func (r *Registry) OnExpired(fn RegistryListener) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.onExpired = append(r.onExpired, fn)
	r.mu.Unlock()
}

// ExpireStale removes records whose LastSeen is older than the configured
// number of heartbeat intervals and returns the expired records. Expiry is
// disabled when ExpiryMissedHeartbeats is negative.
func (r *Registry) ExpireStale(now time.Time) []ServiceRecord {
	if r.conf.ExpiryMissedHeartbeats <= 0 {
		return nil
	}
	cutoff := now.Add(-time.Duration(r.conf.ExpiryMissedHeartbeats) * r.conf.HeartbeatInterval)

	r.mu.Lock()
	var expired []ServiceRecord
	for id, record := range r.records {
		if record.LastSeen.Before(cutoff) {
			expired = append(expired, record)
			delete(r.records, id)
		}
	}
	var listeners []RegistryListener
	if len(expired) > 0 {
		r.publishSnapshotLocked()
		listeners = append([]RegistryListener(nil), r.onExpired...)
	}
	r.mu.Unlock()

	for _, record := range expired {
		r.logger.Info("Service expired", loggingpkg.LogFields{
			"service_id":   record.ServiceID,
			"service_type": record.ServiceType,
			"last_seen":    record.LastSeen,
		})
		for _, fn := range listeners {
			fn(record.clone())
		}
	}
	return expired
}

// RunJanitor expires stale records on the heartbeat cadence until ctx is
// cancelled. It returns immediately when expiry is disabled.
func (r *Registry) RunJanitor(ctx context.Context) {
	if r.conf.ExpiryMissedHeartbeats <= 0 {
		return
	}
	ticker := time.NewTicker(r.conf.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ExpireStale(r.now())
		}
	}
}

func (r *Registry) publishSnapshotLocked() {
	snap := make(map[string]ServiceRecord, len(r.records))
	for id, record := range r.records {
		snap[id] = record
	}
	r.snapshot.Store(&snap)
	r.metrics.setRegistrySize(len(snap))
}
