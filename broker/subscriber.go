package broker

import (
	"time"

	"github.com/c360/cartelemetry/config"
	"github.com/c360/cartelemetry/pkg/bundle"
)

// Subscriber binds one script handler of a metrics config to the publisher
// stream it consumes from. Publishers hold subscribers through the
// publisher.DataSubscriber interface and invoke Push on delivery.
type Subscriber struct {
	broker *Broker
	config *config.MetricsConfig
	spec   config.SubscriberSpec
}

func newSubscriber(b *Broker, cfg *config.MetricsConfig, spec config.SubscriberSpec) *Subscriber {
	return &Subscriber{broker: b, config: cfg, spec: spec}
}

// ConfigName returns the owning metrics config name.
func (s *Subscriber) ConfigName() string { return s.config.Name }

// Handler returns the script function this subscriber feeds.
func (s *Subscriber) Handler() string { return s.spec.Handler }

// Priority returns the subscriber's scheduling priority.
func (s *Subscriber) Priority() int { return s.spec.Priority }

// Spec returns the publisher selector this subscriber consumes from.
func (s *Subscriber) Spec() config.PublisherSpec { return s.spec.Publisher }

// Push wraps a delivered payload into a Task and hands it to the broker's
// scheduling queue. Safe to call from any goroutine.
func (s *Subscriber) Push(data *bundle.Bundle) {
	s.broker.pushTask(&Task{
		Priority:   s.spec.Priority,
		CreatedAt:  time.Now(),
		Subscriber: s,
		Data:       data,
		LargeData:  data.ApproxSize() >= s.broker.largeDataBytes,
	})
}

// Backlog returns how many of this subscriber's tasks are still queued.
// Periodic publishers use it to throttle themselves when the consumer side
// falls behind.
func (s *Subscriber) Backlog() int {
	return s.broker.queue.CountIf(func(t *Task) bool { return t.Subscriber == s })
}
