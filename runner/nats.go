package runner

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/cartelemetry/errors"
	"github.com/c360/cartelemetry/natsclient"
	"github.com/c360/cartelemetry/pkg/bundle"
)

// DefaultSubject is where the script executor listens for invocations.
const DefaultSubject = "telemetry.runner.invoke"

// DefaultInvokeTimeout bounds how long an invocation may stay in flight
// before it is reported as a runtime error.
const DefaultInvokeTimeout = 2 * time.Minute

// request is the wire form of one invocation. ReplyTo names the inbox the
// executor must publish its single result message to.
type request struct {
	ID      uint64 `json:"id"`
	ReplyTo string `json:"reply_to"`
	Invocation
}

// result is the wire form of an execution outcome.
type result struct {
	Status    string         `json:"status"`
	Interim   *bundle.Bundle `json:"interim,omitempty"`
	Final     *bundle.Bundle `json:"final,omitempty"`
	ErrorKind string         `json:"error_kind,omitempty"`
	Message   string         `json:"message,omitempty"`
	Trace     string         `json:"trace,omitempty"`
}

// Result statuses on the wire.
const (
	statusSuccess  = "success"
	statusFinished = "finished"
	statusError    = "error"
)

// NATSRunner ships invocations to the out-of-process executor over NATS.
// Each invocation gets its own reply inbox carrying exactly one result
// message; a watchdog converts a silent executor into a runtime error so
// the scheduling slot is always released.
type NATSRunner struct {
	client  *natsclient.Client
	subject string
	timeout time.Duration
	logger  *slog.Logger
	nextID  atomic.Uint64
}

// NATSRunnerOptions tune a NATSRunner. Zero values pick defaults.
type NATSRunnerOptions struct {
	Subject       string
	InvokeTimeout time.Duration
	Logger        *slog.Logger
}

// NewNATSRunner creates a runner publishing to the executor's subject.
func NewNATSRunner(client *natsclient.Client, opts NATSRunnerOptions) (*NATSRunner, error) {
	if client == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "NATSRunner", "NewNATSRunner",
			"client is required")
	}
	if opts.Subject == "" {
		opts.Subject = DefaultSubject
	}
	if opts.InvokeTimeout <= 0 {
		opts.InvokeTimeout = DefaultInvokeTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &NATSRunner{
		client:  client,
		subject: opts.Subject,
		timeout: opts.InvokeTimeout,
		logger:  opts.Logger.With("component", "runner"),
	}, nil
}

// Invoke publishes the invocation and wires l to the reply inbox. Returns
// an error only when hand-off fails; afterwards exactly one callback fires.
func (r *NATSRunner) Invoke(_ context.Context, inv Invocation, l Listener) error {
	conn := r.client.Conn()
	if conn == nil {
		return errors.WrapTransient(errors.ErrRunnerUnavailable, "NATSRunner", "Invoke",
			"no NATS connection")
	}

	req := request{
		ID:         r.nextID.Add(1),
		ReplyTo:    nats.NewInbox(),
		Invocation: inv,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return errors.WrapInvalid(err, "NATSRunner", "Invoke", "encode invocation")
	}

	// One callback total: whichever of result delivery and watchdog wins.
	var done atomic.Bool
	var timer atomic.Pointer[time.Timer]

	sub, err := conn.Subscribe(req.ReplyTo, func(msg *nats.Msg) {
		if !done.CompareAndSwap(false, true) {
			return
		}
		if t := timer.Load(); t != nil {
			t.Stop()
		}
		dispatchResult(msg.Data, l, r.logger)
	})
	if err != nil {
		return errors.WrapTransient(err, "NATSRunner", "Invoke", "subscribe reply inbox")
	}
	if err := sub.AutoUnsubscribe(1); err != nil {
		_ = sub.Unsubscribe()
		return errors.WrapTransient(err, "NATSRunner", "Invoke", "limit reply inbox")
	}

	timer.Store(time.AfterFunc(r.timeout, func() {
		if !done.CompareAndSwap(false, true) {
			return
		}
		_ = sub.Unsubscribe()
		r.logger.Warn("invocation timed out",
			"config", inv.ConfigName, "handler", inv.Handler, "timeout", r.timeout)
		l.OnError(ErrorKindRuntime, "script executor did not respond", "")
	}))

	if err := conn.Publish(r.subject, payload); err != nil {
		if done.CompareAndSwap(false, true) {
			timer.Load().Stop()
			_ = sub.Unsubscribe()
		}
		return errors.WrapTransient(err, "NATSRunner", "Invoke", "publish invocation")
	}
	return nil
}

// dispatchResult decodes one result message and fires the matching listener
// callback. Undecodable or unknown results become runtime errors so the
// caller never leaks its execution slot.
func dispatchResult(data []byte, l Listener, logger *slog.Logger) {
	var res result
	if err := json.Unmarshal(data, &res); err != nil {
		logger.Warn("undecodable runner result", "error", err)
		l.OnError(ErrorKindRuntime, "undecodable executor result", "")
		return
	}
	switch res.Status {
	case statusSuccess:
		l.OnSuccess(res.Interim)
	case statusFinished:
		l.OnScriptFinished(res.Final)
	case statusError:
		kind := res.ErrorKind
		if kind == "" {
			kind = ErrorKindRuntime
		}
		l.OnError(kind, res.Message, res.Trace)
	default:
		logger.Warn("unknown runner result status", "status", res.Status)
		l.OnError(ErrorKindRuntime, "unknown executor result status "+res.Status, "")
	}
}
