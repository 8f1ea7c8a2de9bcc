// Package natsclient provides a managed NATS connection shared by the
// vehicle property bus and the script runner transport.
package natsclient

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/cartelemetry/errors"
	"github.com/c360/cartelemetry/pkg/retry"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusClosed
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Client manages one NATS connection with reconnect handling and status
// callbacks. Safe for concurrent use.
type Client struct {
	url    string
	logger *slog.Logger
	status atomic.Value // stores ConnectionStatus

	maxReconnects int
	reconnectWait time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration
	clientName    string

	onDisconnect     func(error)
	onReconnect      func()
	onConnectionLost func(error)

	mu     sync.RWMutex
	conn   *nats.Conn
	closed atomic.Bool
}

// NewClient creates a client for url. Connect must be called before use.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	if url == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Client", "NewClient", "url is required")
	}
	c := &Client{
		url:           url,
		logger:        slog.Default(),
		maxReconnects: -1,
		reconnectWait: 2 * time.Second,
		timeout:       5 * time.Second,
		drainTimeout:  30 * time.Second,
		clientName:    "cartelemetry",
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}
	c.status.Store(StatusDisconnected)
	c.logger = c.logger.With("component", "natsclient")
	return c, nil
}

// URL returns the NATS server URL
func (c *Client) URL() string { return c.url }

// Status returns the current connection status
func (c *Client) Status() ConnectionStatus {
	val := c.status.Load()
	if val == nil {
		return StatusDisconnected
	}
	return val.(ConnectionStatus)
}

// Conn returns the underlying connection, or nil before Connect.
func (c *Client) Conn() *nats.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

// Connect dials the server, retrying with backoff until ctx is canceled or
// the dial budget is spent.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return errors.ErrShuttingDown
	}
	c.status.Store(StatusConnecting)

	conn, err := retry.DoWithResult(ctx, retry.Dial(), func() (*nats.Conn, error) {
		return nats.Connect(c.url, c.natsOptions()...)
	})
	if err != nil {
		c.status.Store(StatusDisconnected)
		return errors.WrapTransient(err, "Client", "Connect", "dial "+c.url)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.status.Store(StatusConnected)
	c.logger.Info("connected to NATS", "url", c.url)
	return nil
}

func (c *Client) natsOptions() []nats.Option {
	return []nats.Option{
		nats.Name(c.clientName),
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.Timeout(c.timeout),
		nats.DrainTimeout(c.drainTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.status.Store(StatusReconnecting)
			c.logger.Warn("NATS disconnected", "error", err)
			if c.onDisconnect != nil {
				c.onDisconnect(err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.status.Store(StatusConnected)
			c.logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
			if c.onReconnect != nil {
				c.onReconnect()
			}
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if c.closed.Load() {
				return
			}
			err := nc.LastError()
			c.status.Store(StatusDisconnected)
			c.logger.Error("NATS connection lost", "error", err)
			if c.onConnectionLost != nil {
				c.onConnectionLost(errors.WrapFatal(errors.ErrConnectionLost, "Client", "ClosedHandler",
					"reconnect attempts exhausted"))
			}
		}),
	}
}

// Publish sends data on subject.
func (c *Client) Publish(subject string, data []byte) error {
	conn := c.Conn()
	if conn == nil {
		return errors.ErrNoConnection
	}
	if err := conn.Publish(subject, data); err != nil {
		return errors.WrapTransient(err, "Client", "Publish", "publish "+subject)
	}
	return nil
}

// Subscribe registers h for subject.
func (c *Client) Subscribe(subject string, h nats.MsgHandler) (*nats.Subscription, error) {
	conn := c.Conn()
	if conn == nil {
		return nil, errors.ErrNoConnection
	}
	sub, err := conn.Subscribe(subject, h)
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "Subscribe", "subscribe "+subject)
	}
	return sub, nil
}

// Close drains and closes the connection. Safe to call more than once.
func (c *Client) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.status.Store(StatusClosed)
	if conn == nil {
		return
	}
	if err := conn.Drain(); err != nil {
		c.logger.Warn("drain failed, closing hard", "error", err)
		conn.Close()
	}
}
