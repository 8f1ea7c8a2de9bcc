package publisher

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/cartelemetry/config"
	"github.com/c360/cartelemetry/errors"
	"github.com/c360/cartelemetry/metric"
)

// Default tuning for publishers constructed by the registry.
const (
	DefaultBatchWindow     = 100 * time.Millisecond
	DefaultPullInterval    = 60 * time.Second
	DefaultThrottleBacklog = 50
)

// Deps carries everything registry-built publishers need. Nil sources make
// the corresponding kind unavailable.
type Deps struct {
	Logger  *slog.Logger
	Metrics *metric.Metrics

	// Bus is the vehicle property event source.
	Bus PropertyBus

	// Netstats supplies network traffic summaries for the connectivity
	// publisher.
	Netstats NetstatsSource

	// Stats supplies process stat reports for the stats publisher.
	Stats StatsSource

	// BatchWindow bounds the fan-out rate of the vehicle property stream.
	BatchWindow time.Duration

	// PullInterval is the default poll period for periodic publishers when
	// the subscriber spec leaves it unset.
	PullInterval time.Duration

	// ThrottleBacklog is the per-stream queued-task count above which
	// periodic publishers skip pull cycles.
	ThrottleBacklog int

	// OnFailure is called when any publisher fails irrecoverably.
	OnFailure FailureFunc
}

// Registry hands out publishers by kind, constructing each lazily on first
// use. A publisher, once built, lives until RemoveAll.
type Registry struct {
	mu   sync.Mutex
	pubs map[config.PublisherKind]Publisher
	deps Deps
}

// NewRegistry creates an empty registry. Publishers are built on first Get.
func NewRegistry(deps Deps) *Registry {
	deps.Logger = orDefaultLogger(deps.Logger)
	if deps.BatchWindow <= 0 {
		deps.BatchWindow = DefaultBatchWindow
	}
	if deps.PullInterval <= 0 {
		deps.PullInterval = DefaultPullInterval
	}
	if deps.ThrottleBacklog <= 0 {
		deps.ThrottleBacklog = DefaultThrottleBacklog
	}
	if deps.OnFailure == nil {
		deps.OnFailure = func(error) {}
	}
	return &Registry{
		pubs: make(map[config.PublisherKind]Publisher),
		deps: deps,
	}
}

// Get returns the publisher for kind, constructing it if needed.
func (r *Registry) Get(kind config.PublisherKind) (Publisher, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.pubs[kind]; ok {
		return p, nil
	}

	p, err := r.build(kind)
	if err != nil {
		return nil, err
	}
	r.pubs[kind] = p
	return p, nil
}

func (r *Registry) build(kind config.PublisherKind) (Publisher, error) {
	switch kind {
	case config.PublisherVehicleProperty:
		if r.deps.Bus == nil {
			return nil, errors.WrapFatal(errors.ErrPublisherFailed, "Registry", "Get",
				"no property bus configured")
		}
		return newVehiclePropertyPublisher(r.deps), nil
	case config.PublisherStats:
		if r.deps.Stats == nil {
			return nil, errors.WrapFatal(errors.ErrPublisherFailed, "Registry", "Get",
				"no stats source configured")
		}
		return newStatsPublisher(r.deps), nil
	case config.PublisherConnectivity:
		if r.deps.Netstats == nil {
			return nil, errors.WrapFatal(errors.ErrPublisherFailed, "Registry", "Get",
				"no netstats source configured")
		}
		return newConnectivityPublisher(r.deps), nil
	case config.PublisherMemInfo:
		return newMemInfoPublisher(r.deps), nil
	default:
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Get",
			fmt.Sprintf("unknown publisher kind %q", kind))
	}
}

// RemoveAll stops every built publisher and drops it from the registry.
func (r *Registry) RemoveAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for kind, p := range r.pubs {
		p.RemoveAllDataSubscribers()
		delete(r.pubs, kind)
	}
}
