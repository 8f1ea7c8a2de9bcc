package broker

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/cartelemetry/config"
	"github.com/c360/cartelemetry/errors"
	"github.com/c360/cartelemetry/pkg/bundle"
	"github.com/c360/cartelemetry/publisher"
	"github.com/c360/cartelemetry/resultstore"
	"github.com/c360/cartelemetry/runner"
)

type fakePublisher struct {
	mu         sync.Mutex
	subs       []publisher.DataSubscriber
	rejectWith map[string]error
}

func (p *fakePublisher) Kind() config.PublisherKind { return config.PublisherMemInfo }

func (p *fakePublisher) AddDataSubscriber(sub publisher.DataSubscriber) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.rejectWith[sub.Handler()]; err != nil {
		return err
	}
	p.subs = append(p.subs, sub)
	return nil
}

func (p *fakePublisher) RemoveDataSubscriber(sub publisher.DataSubscriber) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, s := range p.subs {
		if s == sub {
			p.subs = append(p.subs[:i], p.subs[i+1:]...)
			return
		}
	}
}

func (p *fakePublisher) RemoveAllDataSubscribers() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs = nil
}

func (p *fakePublisher) HasDataSubscriber(sub publisher.DataSubscriber) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.subs {
		if s == sub {
			return true
		}
	}
	return false
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

type fakeResolver struct{ pub *fakePublisher }

func (r *fakeResolver) Get(config.PublisherKind) (publisher.Publisher, error) {
	return r.pub, nil
}

type invocationRecord struct {
	inv      runner.Invocation
	listener runner.Listener
}

type fakeRunner struct {
	mu       sync.Mutex
	records  []invocationRecord
	failWith error
}

func (r *fakeRunner) Invoke(_ context.Context, inv runner.Invocation, l runner.Listener) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return r.failWith
	}
	r.records = append(r.records, invocationRecord{inv: inv, listener: l})
	return nil
}

func (r *fakeRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

func (r *fakeRunner) record(i int) invocationRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.records[i]
}

func (r *fakeRunner) setFailure(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failWith = err
}

type brokerFixture struct {
	broker *Broker
	pub    *fakePublisher
	runner *fakeRunner
	store  *resultstore.Store
}

func newFixture(t *testing.T, initialPriority int) *brokerFixture {
	t.Helper()

	store, err := resultstore.New(t.TempDir(), resultstore.Options{})
	require.NoError(t, err)
	require.NoError(t, store.Start(context.Background()))
	t.Cleanup(func() { _ = store.Stop(time.Second) })

	pub := &fakePublisher{}
	run := &fakeRunner{}
	b, err := New(Options{
		Publishers:      &fakeResolver{pub: pub},
		Store:           store,
		Runner:          run,
		InitialPriority: initialPriority,
	})
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Stop(time.Second) })

	return &brokerFixture{broker: b, pub: pub, runner: run, store: store}
}

func testConfig(name string, handlers ...config.SubscriberSpec) *config.MetricsConfig {
	return &config.MetricsConfig{
		Name:        name,
		Version:     1,
		Script:      "function onData(data, state) end",
		Subscribers: handlers,
	}
}

func subSpec(handler string, priority int) config.SubscriberSpec {
	return config.SubscriberSpec{
		Handler:   handler,
		Priority:  priority,
		Publisher: config.PublisherSpec{Kind: config.PublisherMemInfo},
	}
}

func waitInvocations(t *testing.T, r *fakeRunner, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return r.count() >= n },
		2*time.Second, 5*time.Millisecond)
}

func TestBroker_AddConfigSubscribes(t *testing.T) {
	f := newFixture(t, config.PriorityMax)

	cfg := testConfig("cfg", subSpec("onData", 10), subSpec("onOther", 20))
	require.NoError(t, f.broker.AddConfig(cfg))
	assert.Equal(t, 2, f.pub.count())

	// Re-adding the same name is a no-op.
	require.NoError(t, f.broker.AddConfig(cfg))
	assert.Equal(t, 2, f.pub.count())
}

func TestBroker_AddConfigPartialFailure(t *testing.T) {
	f := newFixture(t, config.PriorityMax)
	f.pub.rejectWith = map[string]error{"bad": errors.ErrInvalidSubscriber}

	cfg := testConfig("cfg", subSpec("bad", 10), subSpec("good", 20))
	err := f.broker.AddConfig(cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidSubscriber)

	// The healthy subscriber still installed.
	assert.Equal(t, 1, f.pub.count())
}

func TestBroker_PushRunsScriptAndPersistsFinal(t *testing.T) {
	f := newFixture(t, config.PriorityMax)
	require.NoError(t, f.broker.AddConfig(testConfig("cfg", subSpec("onData", 10))))

	data := bundle.New()
	data.PutInt("reading", 7)
	f.pub.subs[0].Push(data)

	waitInvocations(t, f.runner, 1)
	rec := f.runner.record(0)
	assert.Equal(t, "cfg", rec.inv.ConfigName)
	assert.Equal(t, "onData", rec.inv.Handler)
	assert.Nil(t, rec.inv.SavedState)
	got, ok := rec.inv.Data.GetInt("reading")
	require.True(t, ok)
	assert.Equal(t, int32(7), got)

	final := bundle.New()
	final.PutString("report", "done")
	rec.listener.OnScriptFinished(final)

	require.Eventually(t, func() bool {
		b, err := f.store.GetFinal(context.Background(), "cfg", false)
		if err != nil {
			return false
		}
		s, _ := b.GetString("report")
		return s == "done"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBroker_InterimStateCarriesIntoNextRun(t *testing.T) {
	f := newFixture(t, config.PriorityMax)
	require.NoError(t, f.broker.AddConfig(testConfig("cfg", subSpec("onData", 10))))
	sub := f.pub.subs[0]

	sub.Push(bundle.New())
	waitInvocations(t, f.runner, 1)

	interim := bundle.New()
	interim.PutLong("count", 42)
	f.runner.record(0).listener.OnSuccess(interim)

	sub.Push(bundle.New())
	waitInvocations(t, f.runner, 2)

	saved := f.runner.record(1).inv.SavedState
	require.NotNil(t, saved)
	count, ok := saved.GetLong("count")
	require.True(t, ok)
	assert.Equal(t, int64(42), count)
}

func TestBroker_PriorityOrderAndSingleFlight(t *testing.T) {
	// Threshold 0 keeps everything queued until we open admission.
	f := newFixture(t, 0)
	cfg := testConfig("cfg",
		subSpec("low", 50), subSpec("urgent", 1), subSpec("mid", 10))
	require.NoError(t, f.broker.AddConfig(cfg))

	for _, sub := range f.pub.subs {
		sub.Push(bundle.New())
	}
	require.Eventually(t, func() bool { return f.broker.QueueLen() == 3 },
		time.Second, 5*time.Millisecond)
	assert.Zero(t, f.runner.count())

	f.broker.SetAdmissionPriority(config.PriorityMax)

	waitInvocations(t, f.runner, 1)
	assert.Equal(t, "urgent", f.runner.record(0).inv.Handler)
	// Single flight: nothing else runs until the first completes.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.runner.count())

	f.runner.record(0).listener.OnScriptFinished(bundle.New())
	waitInvocations(t, f.runner, 2)
	assert.Equal(t, "mid", f.runner.record(1).inv.Handler)

	f.runner.record(1).listener.OnScriptFinished(bundle.New())
	waitInvocations(t, f.runner, 3)
	assert.Equal(t, "low", f.runner.record(2).inv.Handler)
}

func TestBroker_FIFOWithinPriority(t *testing.T) {
	f := newFixture(t, 0)
	require.NoError(t, f.broker.AddConfig(testConfig("cfg", subSpec("onData", 10))))
	sub := f.pub.subs[0]

	first := bundle.New()
	first.PutInt("n", 1)
	second := bundle.New()
	second.PutInt("n", 2)
	sub.Push(first)
	sub.Push(second)
	require.Eventually(t, func() bool { return f.broker.QueueLen() == 2 },
		time.Second, 5*time.Millisecond)

	f.broker.SetAdmissionPriority(config.PriorityMax)
	waitInvocations(t, f.runner, 1)
	n, _ := f.runner.record(0).inv.Data.GetInt("n")
	assert.Equal(t, int32(1), n)

	f.runner.record(0).listener.OnScriptFinished(bundle.New())
	waitInvocations(t, f.runner, 2)
	n, _ = f.runner.record(1).inv.Data.GetInt("n")
	assert.Equal(t, int32(2), n)
}

func TestBroker_ThresholdHoldsBackLowPriority(t *testing.T) {
	f := newFixture(t, 50)
	require.NoError(t, f.broker.AddConfig(testConfig("cfg", subSpec("onData", 80))))

	f.pub.subs[0].Push(bundle.New())
	require.Eventually(t, func() bool { return f.broker.QueueLen() == 1 },
		time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, f.runner.count())

	f.broker.SetAdmissionPriority(config.PriorityMax)
	waitInvocations(t, f.runner, 1)
}

func TestBroker_RemoveConfigPurgesAndUnsubscribes(t *testing.T) {
	f := newFixture(t, 0)
	require.NoError(t, f.broker.AddConfig(testConfig("cfg", subSpec("onData", 10))))
	sub := f.pub.subs[0]

	sub.Push(bundle.New())
	sub.Push(bundle.New())
	require.Eventually(t, func() bool { return f.broker.QueueLen() == 2 },
		time.Second, 5*time.Millisecond)

	f.broker.RemoveConfig("cfg")
	assert.Zero(t, f.broker.QueueLen())
	assert.Zero(t, f.pub.count())

	f.broker.SetAdmissionPriority(config.PriorityMax)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, f.runner.count())
}

func TestBroker_StaleResultDroppedAfterRemoval(t *testing.T) {
	f := newFixture(t, config.PriorityMax)
	require.NoError(t, f.broker.AddConfig(testConfig("cfg", subSpec("onData", 10))))

	f.pub.subs[0].Push(bundle.New())
	waitInvocations(t, f.runner, 1)

	// Removal while the script is in flight; the completion must not
	// persist anything.
	f.broker.RemoveConfig("cfg")
	f.runner.record(0).listener.OnScriptFinished(bundle.New())

	time.Sleep(100 * time.Millisecond)
	_, err := f.store.GetFinal(context.Background(), "cfg", false)
	assert.ErrorIs(t, err, errors.ErrRecordNotFound)
}

func TestBroker_RunnerFailureReenqueues(t *testing.T) {
	f := newFixture(t, config.PriorityMax)
	require.NoError(t, f.broker.AddConfig(testConfig("cfg", subSpec("onData", 10))))

	f.runner.setFailure(errors.ErrRunnerUnavailable)
	f.pub.subs[0].Push(bundle.New())

	// The task bounces back into the queue untouched.
	require.Eventually(t, func() bool { return f.broker.QueueLen() == 1 },
		time.Second, 5*time.Millisecond)
	assert.Zero(t, f.runner.count())

	f.runner.setFailure(nil)
	f.broker.SetAdmissionPriority(config.PriorityMax)
	waitInvocations(t, f.runner, 1)
	assert.Zero(t, f.broker.QueueLen())
}

func TestBroker_ScriptErrorPersisted(t *testing.T) {
	f := newFixture(t, config.PriorityMax)
	require.NoError(t, f.broker.AddConfig(testConfig("cfg", subSpec("onData", 10))))

	f.pub.subs[0].Push(bundle.New())
	waitInvocations(t, f.runner, 1)
	f.runner.record(0).listener.OnError(runner.ErrorKindScript, "boom", "stack")

	require.Eventually(t, func() bool {
		se, err := f.store.GetError(context.Background(), "cfg", false)
		return err == nil && se.Kind == runner.ErrorKindScript && se.Message == "boom"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBroker_PublisherFailureDisables(t *testing.T) {
	f := newFixture(t, config.PriorityMax)
	require.NoError(t, f.broker.AddConfig(testConfig("cfg", subSpec("onData", 10))))
	sub := f.pub.subs[0]

	f.broker.NotifyPublisherFailure(errors.ErrConnectionLost)
	require.Eventually(t, func() bool { return f.pub.count() == 0 },
		time.Second, 5*time.Millisecond)
	assert.True(t, f.broker.Disabled())

	// Disabled is terminal: no new configs, pushes dropped.
	err := f.broker.AddConfig(testConfig("other", subSpec("h", 10)))
	assert.ErrorIs(t, err, errors.ErrBrokerDisabled)
	sub.Push(bundle.New())
	assert.Zero(t, f.broker.QueueLen())
}

func TestBroker_LargeDataFlag(t *testing.T) {
	f := newFixture(t, config.PriorityMax)
	require.NoError(t, f.broker.AddConfig(testConfig("cfg", subSpec("onData", 10))))

	big := bundle.New()
	big.PutString("blob", strings.Repeat("x", DefaultLargeDataBytes))
	f.pub.subs[0].Push(big)

	waitInvocations(t, f.runner, 1)
	assert.True(t, f.runner.record(0).inv.LargeData)
}

func TestBroker_ResultHooksObservePersistedRecords(t *testing.T) {
	store, err := resultstore.New(t.TempDir(), resultstore.Options{})
	require.NoError(t, err)
	require.NoError(t, store.Start(context.Background()))
	t.Cleanup(func() { _ = store.Stop(time.Second) })

	pub := &fakePublisher{}
	run := &fakeRunner{}

	type errRecord struct{ config, kind, message string }
	finals := make(chan string, 1)
	errs := make(chan errRecord, 1)

	b, err := New(Options{
		Publishers:      &fakeResolver{pub: pub},
		Store:           store,
		Runner:          run,
		InitialPriority: config.PriorityMax,
		OnFinalResult: func(name string, final *bundle.Bundle) {
			report, _ := final.GetString("report")
			finals <- name + "/" + report
		},
		OnScriptError: func(name, kind, message, _ string) {
			errs <- errRecord{name, kind, message}
		},
	})
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Stop(time.Second) })

	require.NoError(t, b.AddConfig(testConfig("cfg", subSpec("onData", 10))))

	pub.subs[0].Push(bundle.New())
	waitInvocations(t, run, 1)
	final := bundle.New()
	final.PutString("report", "done")
	run.record(0).listener.OnScriptFinished(final)

	select {
	case got := <-finals:
		assert.Equal(t, "cfg/done", got)
	case <-time.After(2 * time.Second):
		t.Fatal("final result hook never fired")
	}

	pub.subs[0].Push(bundle.New())
	waitInvocations(t, run, 2)
	run.record(1).listener.OnError(runner.ErrorKindScript, "boom", "stack")

	select {
	case got := <-errs:
		assert.Equal(t, errRecord{"cfg", runner.ErrorKindScript, "boom"}, got)
	case <-time.After(2 * time.Second):
		t.Fatal("script error hook never fired")
	}
}
