// Package publisher implements the data sources that feed subscriber
// scripts: a NATS-backed vehicle property stream and periodic pullers for
// process stats, network traffic and memory pressure.
//
// Publishers are created lazily, start pulling when their first subscriber
// arrives and stop when their last subscriber leaves. Payload delivery goes
// through the DataSubscriber interface so this package stays independent of
// the scheduling layer above it.
package publisher

import (
	"log/slog"
	"time"

	"github.com/c360/cartelemetry/config"
	"github.com/c360/cartelemetry/pkg/bundle"
)

// DataSubscriber is the consumer side of a publisher stream. The scheduling
// layer implements it; Push may be called from any publisher goroutine.
type DataSubscriber interface {
	ConfigName() string
	Handler() string
	Priority() int
	Spec() config.PublisherSpec
	Push(data *bundle.Bundle)

	// Backlog reports how many payloads pushed to this subscriber are still
	// waiting to execute. Periodic publishers skip pull cycles while their
	// subscribers are backlogged.
	Backlog() int
}

// Publisher fans one kind of telemetry data out to its subscribers.
// Implementations are safe for concurrent use.
type Publisher interface {
	Kind() config.PublisherKind

	// AddDataSubscriber registers sub. The first subscriber for a stream key
	// starts the underlying collection.
	AddDataSubscriber(sub DataSubscriber) error

	// RemoveDataSubscriber deregisters sub. Removing the last subscriber of
	// a stream key stops its collection. Unknown subscribers are ignored.
	RemoveDataSubscriber(sub DataSubscriber)

	// RemoveAllDataSubscribers deregisters everything and stops all
	// collection.
	RemoveAllDataSubscribers()

	HasDataSubscriber(sub DataSubscriber) bool
}

// FailureFunc is invoked when a publisher hits an irrecoverable failure.
// The scheduling layer uses it to disable itself.
type FailureFunc func(err error)

// Bundle keys shared by all publishers.
const (
	KeyCollectedAtMillis = "collected_at_millis"
	KeyDurationMillis    = "duration_millis"
)

// nowMillis returns wall time in ms for collection timestamps.
func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func orDefaultLogger(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
