package publisher

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/cartelemetry/config"
	"github.com/c360/cartelemetry/errors"
	"github.com/c360/cartelemetry/metric"
	"github.com/c360/cartelemetry/pkg/bundle"
)

// vehiclePropertyPublisher fans vehicle property change events out to
// subscribers, one stream per property id. Raw events are coalesced inside
// a batching window so a chatty property produces one payload per window
// rather than one script task per event. A per-stream rate limiter built
// from the subscribers' read_rate_hz caps event intake before batching.
type vehiclePropertyPublisher struct {
	logger      *slog.Logger
	metrics     *metric.Metrics
	bus         PropertyBus
	batchWindow time.Duration

	mu      sync.Mutex
	streams map[int32]*propertyStream
}

type propertyStream struct {
	subs        map[DataSubscriber]struct{}
	unsubscribe func()
	limiter     *rate.Limiter // nil means unlimited

	// Open batch. Guarded by the publisher mutex.
	pending      *bundle.Bundle
	pendingCount int
	timer        *time.Timer
}

func newVehiclePropertyPublisher(deps Deps) Publisher {
	return &vehiclePropertyPublisher{
		logger:      deps.Logger.With("publisher", string(config.PublisherVehicleProperty)),
		metrics:     deps.Metrics,
		bus:         deps.Bus,
		batchWindow: deps.BatchWindow,
		streams:     make(map[int32]*propertyStream),
	}
}

func (p *vehiclePropertyPublisher) Kind() config.PublisherKind {
	return config.PublisherVehicleProperty
}

// AddDataSubscriber registers sub, subscribing to the property bus on the
// first subscriber for a property id.
func (p *vehiclePropertyPublisher) AddDataSubscriber(sub DataSubscriber) error {
	spec := sub.Spec()
	if spec.Kind != config.PublisherVehicleProperty {
		return errors.WrapInvalid(errors.ErrInvalidSubscriber, "vehiclePropertyPublisher", "AddDataSubscriber",
			"subscriber kind "+string(spec.Kind)+" is not vehicleproperty")
	}
	if err := spec.Validate(); err != nil {
		return errors.Wrap(err, "vehiclePropertyPublisher", "AddDataSubscriber", "validate spec")
	}
	propID := spec.PropertyID

	p.mu.Lock()
	defer p.mu.Unlock()
	stream, ok := p.streams[propID]
	if !ok {
		stream = &propertyStream{subs: make(map[DataSubscriber]struct{})}
		unsubscribe, err := p.bus.SubscribeProperty(propID, func(ev PropertyEvent) {
			p.onEvent(propID, ev)
		})
		if err != nil {
			return errors.WrapTransient(errors.ErrSubscriptionFailed, "vehiclePropertyPublisher", "AddDataSubscriber",
				fmt.Sprintf("subscribe property %d", propID))
		}
		stream.unsubscribe = unsubscribe
		p.streams[propID] = stream
		p.logger.Debug("property stream started", "property_id", propID)
	}
	stream.subs[sub] = struct{}{}
	stream.limiter = limiterFor(stream.subs)
	return nil
}

// limiterFor builds the intake limiter from the highest read_rate_hz among
// a stream's subscribers. Zero everywhere means unlimited.
func limiterFor(subs map[DataSubscriber]struct{}) *rate.Limiter {
	maxHz := 0.0
	for sub := range subs {
		if hz := sub.Spec().ReadRateHz; hz > maxHz {
			maxHz = hz
		}
	}
	if maxHz <= 0 {
		return nil
	}
	burst := int(maxHz)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(maxHz), burst)
}

func (p *vehiclePropertyPublisher) RemoveDataSubscriber(sub DataSubscriber) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for propID, stream := range p.streams {
		if _, ok := stream.subs[sub]; !ok {
			continue
		}
		delete(stream.subs, sub)
		if len(stream.subs) == 0 {
			p.closeStreamLocked(propID, stream)
		} else {
			stream.limiter = limiterFor(stream.subs)
		}
		return
	}
}

func (p *vehiclePropertyPublisher) RemoveAllDataSubscribers() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for propID, stream := range p.streams {
		p.closeStreamLocked(propID, stream)
	}
}

func (p *vehiclePropertyPublisher) closeStreamLocked(propID int32, stream *propertyStream) {
	stream.unsubscribe()
	if stream.timer != nil {
		stream.timer.Stop()
	}
	stream.pending = nil
	delete(p.streams, propID)
	p.logger.Debug("property stream stopped", "property_id", propID)
}

func (p *vehiclePropertyPublisher) HasDataSubscriber(sub DataSubscriber) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, stream := range p.streams {
		if _, ok := stream.subs[sub]; ok {
			return true
		}
	}
	return false
}

// onEvent appends one bus event to the property's open batch, opening a
// new batching window if none is pending. Runs on the bus delivery
// goroutine.
func (p *vehiclePropertyPublisher) onEvent(propID int32, ev PropertyEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	stream, ok := p.streams[propID]
	if !ok {
		return
	}
	if stream.limiter != nil && !stream.limiter.Allow() {
		return
	}

	if stream.pending == nil {
		b := bundle.New()
		b.PutInt("property_id", propID)
		b.PutInt("area_id", ev.AreaID)
		stream.pending = b
		stream.pendingCount = 0
		// An event arriving while the window is open joins the pending
		// batch; the timer is never restarted.
		stream.timer = time.AfterFunc(p.batchWindow, func() { p.flush(propID) })
	}
	appendEvent(stream.pending, ev)
	stream.pendingCount++
}

// appendEvent grows the batch's parallel arrays with one event.
func appendEvent(b *bundle.Bundle, ev PropertyEvent) {
	b.AppendLong("timestamp_millis", ev.TimestampNanos/int64(time.Millisecond))
	b.AppendInt("status", ev.Status)
	switch {
	case ev.BoolValue != nil:
		v := int64(0)
		if *ev.BoolValue {
			v = 1
		}
		b.AppendLong("long_values", v)
	case ev.LongValue != nil:
		b.AppendLong("long_values", *ev.LongValue)
	case ev.FloatValue != nil:
		b.AppendFloat("float_values", *ev.FloatValue)
	case ev.StringValue != nil:
		b.AppendString("string_values", *ev.StringValue)
	}
}

// flush closes a batching window and fans the batch out.
func (p *vehiclePropertyPublisher) flush(propID int32) {
	p.mu.Lock()
	stream, ok := p.streams[propID]
	if !ok || stream.pending == nil {
		p.mu.Unlock()
		return
	}
	batch := stream.pending
	count := stream.pendingCount
	stream.pending = nil
	stream.pendingCount = 0
	batch.PutInt("size", int32(count))
	batch.PutLong(KeyCollectedAtMillis, nowMillis())

	subs := make([]DataSubscriber, 0, len(stream.subs))
	for sub := range stream.subs {
		subs = append(subs, sub)
	}
	p.mu.Unlock()

	for _, sub := range subs {
		sub.Push(batch)
	}
	if p.metrics != nil {
		name := string(config.PublisherVehicleProperty)
		p.metrics.BatchesFlushed.WithLabelValues(name).Inc()
		p.metrics.DataPushed.WithLabelValues(name).Add(float64(len(subs)))
	}
}
