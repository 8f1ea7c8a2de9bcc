package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClass_String(t *testing.T) {
	assert.Equal(t, "transient", ErrorTransient.String())
	assert.Equal(t, "invalid", ErrorInvalid.String())
	assert.Equal(t, "fatal", ErrorFatal.String())
	assert.Equal(t, "unknown", ErrorClass(42).String())
}

func TestWrap(t *testing.T) {
	base := stderrors.New("disk full")
	err := Wrap(base, "ResultStore", "PutFinal", "write record")

	require.Error(t, err)
	assert.Equal(t, "ResultStore.PutFinal: write record failed: disk full", err.Error())
	assert.True(t, stderrors.Is(err, base))

	assert.NoError(t, Wrap(nil, "ResultStore", "PutFinal", "write record"))
}

func TestWrapTransient(t *testing.T) {
	err := WrapTransient(ErrRunnerUnavailable, "Broker", "scheduleNext", "invoke script")

	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.False(t, IsFatal(err))
	assert.True(t, stderrors.Is(err, ErrRunnerUnavailable))

	var ce *ClassifiedError
	require.True(t, stderrors.As(err, &ce))
	assert.Equal(t, ErrorTransient, ce.Class)
	assert.Equal(t, "Broker", ce.Component)
	assert.Equal(t, "scheduleNext", ce.Operation)
}

func TestWrapInvalid(t *testing.T) {
	err := WrapInvalid(ErrInvalidSubscriber, "StatsPublisher", "AddDataSubscriber", "validate params")

	assert.True(t, IsInvalid(err))
	assert.False(t, IsTransient(err))
	assert.Equal(t, ErrorInvalid, Classify(err))
}

func TestWrapFatal(t *testing.T) {
	err := WrapFatal(ErrPublisherFailed, "Registry", "notifyFailure", "publisher teardown")

	assert.True(t, IsFatal(err))
	assert.Equal(t, ErrorFatal, Classify(err))
}

func TestIsTransient_SentinelErrors(t *testing.T) {
	transient := []error{
		ErrRunnerUnavailable,
		ErrNoConnection,
		ErrConnectionLost,
		ErrStorageUnavailable,
		context.DeadlineExceeded,
	}
	for _, err := range transient {
		assert.True(t, IsTransient(err), "expected transient: %v", err)
	}

	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(ErrInvalidSubscriber))
}

func TestIsTransient_PatternMatch(t *testing.T) {
	assert.True(t, IsTransient(fmt.Errorf("nats: connection closed")))
	assert.True(t, IsTransient(fmt.Errorf("request timeout")))
	assert.False(t, IsTransient(fmt.Errorf("parse failure")))
}

func TestClassify_DefaultsToTransient(t *testing.T) {
	assert.Equal(t, ErrorTransient, Classify(stderrors.New("mystery failure")))
}

func TestClassifiedError_Unwrap(t *testing.T) {
	base := stderrors.New("base")
	err := WrapTransient(base, "C", "M", "A")

	var ce *ClassifiedError
	require.True(t, stderrors.As(err, &ce))
	assert.True(t, stderrors.Is(ce.Unwrap(), base))
}
