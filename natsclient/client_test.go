package natsclient

import (
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/cartelemetry/errors"
)

func TestNewClient_RequiresURL(t *testing.T) {
	_, err := NewClient("")
	assert.Error(t, err)
}

func TestNewClient_AppliesOptions(t *testing.T) {
	c, err := NewClient("nats://127.0.0.1:4222",
		WithName("test-client"),
		WithMaxReconnects(3),
		WithReconnectWait(time.Second),
		WithTimeout(2*time.Second),
		WithDrainTimeout(4*time.Second),
	)
	require.NoError(t, err)

	assert.Equal(t, "nats://127.0.0.1:4222", c.URL())
	assert.Equal(t, "test-client", c.clientName)
	assert.Equal(t, 3, c.maxReconnects)
	assert.Equal(t, time.Second, c.reconnectWait)
	assert.Equal(t, 2*time.Second, c.timeout)
	assert.Equal(t, 4*time.Second, c.drainTimeout)
	assert.Equal(t, StatusDisconnected, c.Status())
}

func TestClient_PublishWithoutConnection(t *testing.T) {
	c, err := NewClient("nats://127.0.0.1:4222")
	require.NoError(t, err)

	err = c.Publish("telemetry.test", []byte("x"))
	assert.True(t, stderrors.Is(err, errors.ErrNoConnection))

	_, err = c.Subscribe("telemetry.test", nil)
	assert.True(t, stderrors.Is(err, errors.ErrNoConnection))
}

func TestClient_CloseIsIdempotent(t *testing.T) {
	c, err := NewClient("nats://127.0.0.1:4222")
	require.NoError(t, err)

	c.Close()
	c.Close()
	assert.Equal(t, StatusClosed, c.Status())
}

func TestConnectionStatus_String(t *testing.T) {
	cases := map[ConnectionStatus]string{
		StatusDisconnected: "disconnected",
		StatusConnecting:   "connecting",
		StatusConnected:    "connected",
		StatusReconnecting: "reconnecting",
		StatusClosed:       "closed",
	}
	for status, want := range cases {
		assert.Equal(t, want, status.String())
	}
}
