package publisher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/cartelemetry/config"
	"github.com/c360/cartelemetry/errors"
	"github.com/c360/cartelemetry/metric"
	"github.com/c360/cartelemetry/pkg/bundle"
)

// maxConsecutivePullFailures is the streak of failed pulls after which a
// periodic publisher declares itself irrecoverable.
const maxConsecutivePullFailures = 10

// pullFunc performs one pull and returns the payload to fan out. A nil
// bundle with a nil error means nothing to publish yet (baseline seeding).
type pullFunc func(ctx context.Context) (*bundle.Bundle, error)

// pullStream is one polling loop keyed by a kind-specific parameter tuple.
type pullStream struct {
	subs   map[DataSubscriber]struct{}
	cancel context.CancelFunc
}

// pullPublisher is the shared machinery of the periodic-pull kinds: keyed
// subscriber sets, one polling goroutine per key, backlog self-throttling
// and failure streak tracking. Concrete kinds plug in key derivation and
// the pull itself.
type pullPublisher struct {
	kind            config.PublisherKind
	logger          *slog.Logger
	metrics         *metric.Metrics
	defaultInterval time.Duration
	throttleBacklog int
	onFailure       FailureFunc

	// keyFor derives the stream key from a validated spec.
	keyFor func(spec config.PublisherSpec) string

	// newPull builds the pull closure for one stream. Baseline state lives
	// inside the closure.
	newPull func(spec config.PublisherSpec) pullFunc

	mu      sync.Mutex
	streams map[string]*pullStream
}

func newPullPublisher(kind config.PublisherKind, deps Deps) *pullPublisher {
	return &pullPublisher{
		kind:            kind,
		logger:          deps.Logger.With("publisher", string(kind)),
		metrics:         deps.Metrics,
		defaultInterval: deps.PullInterval,
		throttleBacklog: deps.ThrottleBacklog,
		onFailure:       deps.OnFailure,
		streams:         make(map[string]*pullStream),
	}
}

func (p *pullPublisher) Kind() config.PublisherKind { return p.kind }

// AddDataSubscriber registers sub, starting the polling loop for its key on
// first registration.
func (p *pullPublisher) AddDataSubscriber(sub DataSubscriber) error {
	spec := sub.Spec()
	if spec.Kind != p.kind {
		return errors.WrapInvalid(errors.ErrInvalidSubscriber, "pullPublisher", "AddDataSubscriber",
			"subscriber kind "+string(spec.Kind)+" does not match "+string(p.kind))
	}
	if err := spec.Validate(); err != nil {
		return errors.Wrap(err, "pullPublisher", "AddDataSubscriber", "validate spec")
	}

	key := p.keyFor(spec)
	interval := time.Duration(spec.Interval)
	if interval <= 0 {
		interval = p.defaultInterval
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	stream, ok := p.streams[key]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		stream = &pullStream{
			subs:   make(map[DataSubscriber]struct{}),
			cancel: cancel,
		}
		p.streams[key] = stream
		go p.run(ctx, key, p.newPull(spec), interval)
		p.logger.Debug("pull stream started", "key", key, "interval", interval)
	}
	stream.subs[sub] = struct{}{}
	return nil
}

// RemoveDataSubscriber deregisters sub, stopping its key's polling loop
// once the subscriber set drains.
func (p *pullPublisher) RemoveDataSubscriber(sub DataSubscriber) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, stream := range p.streams {
		if _, ok := stream.subs[sub]; !ok {
			continue
		}
		delete(stream.subs, sub)
		if len(stream.subs) == 0 {
			stream.cancel()
			delete(p.streams, key)
			p.logger.Debug("pull stream stopped", "key", key)
		}
		return
	}
}

// RemoveAllDataSubscribers stops every polling loop.
func (p *pullPublisher) RemoveAllDataSubscribers() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, stream := range p.streams {
		stream.cancel()
		delete(p.streams, key)
	}
}

func (p *pullPublisher) HasDataSubscriber(sub DataSubscriber) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, stream := range p.streams {
		if _, ok := stream.subs[sub]; ok {
			return true
		}
	}
	return false
}

// run is one stream's polling loop.
func (p *pullPublisher) run(ctx context.Context, key string, pull pullFunc, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if backlog := p.backlogFor(key); backlog > p.throttleBacklog {
			p.logger.Debug("skipping pull, subscribers backlogged",
				"key", key, "backlog", backlog)
			continue
		}

		b, err := pull(ctx)
		if err != nil {
			failures++
			if p.metrics != nil {
				p.metrics.PullErrors.WithLabelValues(string(p.kind)).Inc()
			}
			p.logger.Warn("pull failed", "key", key, "error", err, "streak", failures)
			if failures >= maxConsecutivePullFailures {
				p.onFailure(errors.WrapFatal(errors.ErrPublisherFailed, "pullPublisher", "run",
					"pull failure streak for "+string(p.kind)))
				return
			}
			continue
		}
		failures = 0
		if b == nil {
			continue
		}
		p.fanOut(key, b)
	}
}

// backlogFor sums the queued-task backlog across a key's subscribers.
func (p *pullPublisher) backlogFor(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	stream, ok := p.streams[key]
	if !ok {
		return 0
	}
	total := 0
	for sub := range stream.subs {
		total += sub.Backlog()
	}
	return total
}

// fanOut delivers one payload to every subscriber of a key. The bundle is
// shared, not copied; payloads are immutable once published.
func (p *pullPublisher) fanOut(key string, b *bundle.Bundle) {
	p.mu.Lock()
	stream, ok := p.streams[key]
	if !ok {
		p.mu.Unlock()
		return
	}
	subs := make([]DataSubscriber, 0, len(stream.subs))
	for sub := range stream.subs {
		subs = append(subs, sub)
	}
	p.mu.Unlock()

	for _, sub := range subs {
		sub.Push(b)
	}
	if p.metrics != nil {
		p.metrics.DataPushed.WithLabelValues(string(p.kind)).Add(float64(len(subs)))
	}
}
