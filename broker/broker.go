// Package broker schedules script executions over telemetry data pushed by
// publishers. A single worker goroutine serializes all scheduling decisions
// through a command inbox; producers touch only the concurrency-safe task
// queue and the inbox.
package broker

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/c360/cartelemetry/config"
	"github.com/c360/cartelemetry/errors"
	"github.com/c360/cartelemetry/metric"
	"github.com/c360/cartelemetry/pkg/bundle"
	"github.com/c360/cartelemetry/publisher"
	"github.com/c360/cartelemetry/resultstore"
	"github.com/c360/cartelemetry/runner"
)

// DefaultLargeDataBytes is the payload size above which the runner is told
// to use its out-of-band data channel.
const DefaultLargeDataBytes = 48 * 1024

const commandBuffer = 128

// PublisherResolver hands out publishers by kind. *publisher.Registry
// satisfies it.
type PublisherResolver interface {
	Get(kind config.PublisherKind) (publisher.Publisher, error)
}

// Options configures a Broker.
type Options struct {
	Logger     *slog.Logger
	Metrics    *metric.Metrics
	Publishers PublisherResolver
	Store      *resultstore.Store
	Runner     runner.Runner

	// InitialPriority is the admission threshold at startup. Zero means
	// only priority-0 system tasks run until the admission monitor reports.
	InitialPriority int

	// LargeDataBytes overrides DefaultLargeDataBytes when positive.
	LargeDataBytes int

	// OnFinalResult, when set, observes every persisted final report. The
	// live result stream hangs off this hook.
	OnFinalResult func(configName string, final *bundle.Bundle)

	// OnScriptError, when set, observes every persisted error record.
	OnScriptError func(configName, kind, message, trace string)
}

// Broker owns the task queue, the subscriber registrations and the
// single-flight execution slot.
type Broker struct {
	logger  *slog.Logger
	metrics *metric.Metrics
	pubs    PublisherResolver
	store   *resultstore.Store
	runner  runner.Runner

	queue          *taskQueue
	largeDataBytes int
	onFinalResult  func(string, *bundle.Bundle)
	onScriptError  func(configName, kind, message, trace string)

	// threshold and disabled are read outside the worker goroutine.
	threshold atomic.Int32
	disabled  atomic.Bool

	// Worker-goroutine state. Never touched off the worker.
	subscriptions map[string][]*Subscriber
	running       bool

	commands chan func()
	schedule chan struct{}
	started  atomic.Bool
	stopping atomic.Bool
	done     chan struct{}
	stopped  chan struct{}
}

// New creates a Broker. Call Start before using it.
func New(opts Options) (*Broker, error) {
	if opts.Publishers == nil || opts.Store == nil || opts.Runner == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Broker", "New",
			"publishers, store and runner are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.LargeDataBytes <= 0 {
		opts.LargeDataBytes = DefaultLargeDataBytes
	}

	b := &Broker{
		logger:         opts.Logger.With("component", "broker"),
		metrics:        opts.Metrics,
		pubs:           opts.Publishers,
		store:          opts.Store,
		runner:         opts.Runner,
		queue:          newTaskQueue(),
		largeDataBytes: opts.LargeDataBytes,
		onFinalResult:  opts.OnFinalResult,
		onScriptError:  opts.OnScriptError,
		subscriptions:  make(map[string][]*Subscriber),
		commands:       make(chan func(), commandBuffer),
		schedule:       make(chan struct{}, 1),
		done:           make(chan struct{}),
		stopped:        make(chan struct{}),
	}
	b.threshold.Store(int32(opts.InitialPriority))
	if b.metrics != nil {
		b.metrics.AdmissionPriority.Set(float64(opts.InitialPriority))
	}
	return b, nil
}

// Start launches the scheduling worker.
func (b *Broker) Start(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return errors.ErrAlreadyStarted
	}
	go b.loop(ctx)
	return nil
}

// Stop shuts the worker down, waiting up to timeout for the in-flight
// command to finish. Queued tasks are abandoned; the result store keeps any
// state already persisted.
func (b *Broker) Stop(timeout time.Duration) error {
	if !b.started.Load() || !b.stopping.CompareAndSwap(false, true) {
		return nil
	}
	close(b.done)
	select {
	case <-b.stopped:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrShuttingDown, "Broker", "Stop",
			"worker did not exit in time")
	}
}

func (b *Broker) loop(ctx context.Context) {
	defer close(b.stopped)
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		case fn := <-b.commands:
			fn()
		case <-b.schedule:
			b.scheduleNext()
		}
	}
}

// post runs fn on the worker goroutine. Drops the command once the broker
// is shutting down.
func (b *Broker) post(fn func()) {
	select {
	case b.commands <- fn:
	case <-b.done:
	}
}

// signalSchedule coalesces schedule attempts into the single-slot channel.
func (b *Broker) signalSchedule() {
	select {
	case b.schedule <- struct{}{}:
	default:
	}
}

// Disabled reports whether the broker reached its terminal disabled state.
func (b *Broker) Disabled() bool { return b.disabled.Load() }

// QueueLen reports the current scheduling queue depth.
func (b *Broker) QueueLen() int { return b.queue.Len() }

// AddConfig installs a metrics config and subscribes each of its handlers to
// its publisher. Adding a name that is already installed is a no-op. A
// subscriber rejected by its publisher is logged and skipped; the rest of
// the config still installs. The aggregated subscription error is returned.
func (b *Broker) AddConfig(cfg *config.MetricsConfig) error {
	if b.disabled.Load() {
		return errors.ErrBrokerDisabled
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	reply := make(chan error, 1)
	b.post(func() { reply <- b.addConfig(cfg) })
	select {
	case err := <-reply:
		return err
	case <-b.done:
		return errors.ErrShuttingDown
	}
}

func (b *Broker) addConfig(cfg *config.MetricsConfig) error {
	if _, ok := b.subscriptions[cfg.Name]; ok {
		b.logger.Debug("config already installed", "config", cfg.Name)
		return nil
	}

	var subs []*Subscriber
	var errs []error
	for i := range cfg.Subscribers {
		spec := cfg.Subscribers[i]
		pub, err := b.pubs.Get(spec.Publisher.Kind)
		if err != nil {
			b.logger.Warn("publisher unavailable",
				"config", cfg.Name, "handler", spec.Handler, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", spec.Handler, err))
			continue
		}
		sub := newSubscriber(b, cfg, spec)
		if err := pub.AddDataSubscriber(sub); err != nil {
			b.logger.Warn("subscription rejected",
				"config", cfg.Name, "handler", spec.Handler, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", spec.Handler, err))
			continue
		}
		subs = append(subs, sub)
	}

	b.subscriptions[cfg.Name] = subs
	b.logger.Info("config installed",
		"config", cfg.Name, "version", cfg.Version,
		"subscribers", len(subs), "failed", len(errs))
	return stderrors.Join(errs...)
}

// RemoveConfig unsubscribes every handler of the named config and purges
// its queued tasks. Publishers are detached before the purge so no new task
// can slip in for a config being removed. Unknown names are a no-op.
func (b *Broker) RemoveConfig(name string) {
	reply := make(chan struct{})
	b.post(func() {
		b.removeConfig(name)
		close(reply)
	})
	select {
	case <-reply:
	case <-b.done:
	}
}

func (b *Broker) removeConfig(name string) {
	subs, ok := b.subscriptions[name]
	if !ok {
		return
	}
	delete(b.subscriptions, name)

	for _, sub := range subs {
		pub, err := b.pubs.Get(sub.Spec().Kind)
		if err != nil {
			continue
		}
		pub.RemoveDataSubscriber(sub)
	}

	purged := b.queue.RemoveIf(func(t *Task) bool {
		return t.Subscriber.ConfigName() == name
	})
	if b.metrics != nil {
		b.metrics.TasksPurged.Add(float64(purged))
		b.metrics.TasksQueued.Set(float64(b.queue.Len()))
	}
	b.store.RemoveConfig(name)
	b.logger.Info("config removed", "config", name, "purged_tasks", purged)
}

// SetAdmissionPriority updates the threshold: queued tasks whose priority
// number is at most p are eligible to run. Triggers a schedule attempt.
func (b *Broker) SetAdmissionPriority(p int) {
	if p < 0 {
		p = 0
	}
	if p > config.PriorityMax {
		p = config.PriorityMax
	}
	b.threshold.Store(int32(p))
	if b.metrics != nil {
		b.metrics.AdmissionPriority.Set(float64(p))
	}
	b.signalSchedule()
}

// pushTask enqueues a task from a publisher delivery goroutine.
func (b *Broker) pushTask(t *Task) {
	if b.disabled.Load() {
		return
	}
	b.queue.Add(t)
	if b.metrics != nil {
		b.metrics.TasksQueued.Set(float64(b.queue.Len()))
	}
	b.signalSchedule()
}

// NotifyPublisherFailure drives the broker into its terminal disabled
// state: every config is torn down and no further work is accepted. Wired
// as the publisher registry's failure callback.
func (b *Broker) NotifyPublisherFailure(cause error) {
	if !b.disabled.CompareAndSwap(false, true) {
		return
	}
	b.logger.Error("disabling broker after publisher failure", "error", cause)
	if b.metrics != nil {
		b.metrics.BrokerDisabled.Set(1)
	}
	b.post(func() {
		for name := range b.subscriptions {
			b.removeConfig(name)
		}
	})
}

// scheduleNext runs on the worker goroutine only. Dequeues and invokes the
// head task when nothing is running and the head clears the admission
// threshold.
func (b *Broker) scheduleNext() {
	if b.running || b.disabled.Load() {
		return
	}
	task := b.queue.PollEligible(int(b.threshold.Load()))
	if task == nil {
		return
	}
	if b.metrics != nil {
		b.metrics.TasksQueued.Set(float64(b.queue.Len()))
	}

	name := task.Subscriber.ConfigName()
	inv := runner.Invocation{
		ConfigName: name,
		Script:     task.Subscriber.config.Script,
		Handler:    task.Subscriber.Handler(),
		Data:       task.Data,
		SavedState: b.store.GetInterim(name),
		LargeData:  task.LargeData,
	}

	b.running = true
	l := &executionListener{broker: b, task: task, startedAt: time.Now()}
	if err := b.runner.Invoke(context.Background(), inv, l); err != nil {
		// Hand-off failed; the task goes back unchanged and the next
		// schedule trigger retries.
		b.running = false
		b.queue.Add(task)
		if b.metrics != nil {
			b.metrics.TasksRequeued.Inc()
			b.metrics.TasksQueued.Set(float64(b.queue.Len()))
		}
		b.logger.Warn("runner unavailable, task re-enqueued",
			"config", name, "handler", inv.Handler, "error", err)
		return
	}
	b.logger.Debug("script invoked", "config", name, "handler", inv.Handler,
		"priority", task.Priority, "large_data", task.LargeData)
}

// executionListener marshals runner completions back onto the worker
// goroutine. Exactly one callback fires per invocation.
type executionListener struct {
	broker    *Broker
	task      *Task
	startedAt time.Time
}

func (l *executionListener) OnSuccess(interim *bundle.Bundle) {
	l.broker.post(func() { l.broker.onCompletion(l, "success", interim, nil, nil) })
}

func (l *executionListener) OnScriptFinished(final *bundle.Bundle) {
	l.broker.post(func() { l.broker.onCompletion(l, "finished", nil, final, nil) })
}

func (l *executionListener) OnError(kind, message, trace string) {
	l.broker.post(func() {
		l.broker.onCompletion(l, "error", nil, nil,
			&resultstore.ScriptError{Kind: kind, Message: message, Trace: trace})
	})
}

// onCompletion persists the outcome, clears the execution slot and schedules
// the next task. Runs on the worker goroutine. A config removed while its
// script was in flight gets its result dropped.
func (b *Broker) onCompletion(l *executionListener, outcome string, interim, final *bundle.Bundle, scriptErr *resultstore.ScriptError) {
	b.running = false
	name := l.task.Subscriber.ConfigName()

	if b.metrics != nil {
		b.metrics.TasksExecuted.WithLabelValues(outcome).Inc()
		b.metrics.ScriptDuration.Observe(time.Since(l.startedAt).Seconds())
	}

	if _, exists := b.subscriptions[name]; !exists {
		b.logger.Debug("dropping result for removed config",
			"config", name, "outcome", outcome)
		b.signalSchedule()
		return
	}

	switch outcome {
	case "success":
		b.store.PutInterim(name, interim)
	case "finished":
		b.store.PutFinal(name, final)
		if b.onFinalResult != nil {
			b.onFinalResult(name, final)
		}
	case "error":
		b.store.PutError(name, scriptErr)
		if b.onScriptError != nil {
			b.onScriptError(name, scriptErr.Kind, scriptErr.Message, scriptErr.Trace)
		}
		b.logger.Warn("script failed", "config", name,
			"kind", scriptErr.Kind, "message", scriptErr.Message)
	}
	b.signalSchedule()
}
