// Package runner defines the script execution contract between the broker
// and the out-of-process script executor, plus the NATS transport that
// carries invocations to it.
//
// Execution is asynchronous: Invoke hands the invocation to the executor and
// returns, and exactly one Listener callback fires later with the outcome.
package runner

import (
	"context"

	"github.com/c360/cartelemetry/pkg/bundle"
)

// Error kinds reported by the executor through Listener.OnError.
const (
	ErrorKindScript  = "script_error"
	ErrorKindRuntime = "runtime_error"
	ErrorKindLua     = "lua_error"
)

// Invocation carries everything the executor needs to run one script handler
// against one payload.
type Invocation struct {
	ConfigName string         `json:"config_name"`
	Script     string         `json:"script"`
	Handler    string         `json:"handler"`
	Data       *bundle.Bundle `json:"data"`
	SavedState *bundle.Bundle `json:"saved_state,omitempty"`

	// LargeData marks payloads the executor should read through its
	// out-of-band channel rather than inline.
	LargeData bool `json:"large_data,omitempty"`
}

// Listener receives the outcome of one invocation. Exactly one method is
// called per invocation, from the transport's callback goroutine.
type Listener interface {
	// OnSuccess reports a handler that ran and produced interim state to
	// carry into its next invocation.
	OnSuccess(interim *bundle.Bundle)

	// OnScriptFinished reports a script that produced its final report.
	OnScriptFinished(final *bundle.Bundle)

	// OnError reports a failed run. kind is one of the ErrorKind constants.
	OnError(kind, message, trace string)
}

// Runner submits invocations for asynchronous execution. A non-nil error
// means the invocation was never handed off and the caller keeps ownership
// of the task.
type Runner interface {
	Invoke(ctx context.Context, inv Invocation, l Listener) error
}
