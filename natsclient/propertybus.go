package natsclient

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/c360/cartelemetry/publisher"
)

// DefaultPropertySubjectPrefix is where vehicle property events arrive;
// the property id is the final token.
const DefaultPropertySubjectPrefix = "car.property"

// PropertyBus adapts the NATS connection to the publisher package's
// property event source. Events are JSON-encoded PropertyEvent messages,
// one subject per property id.
type PropertyBus struct {
	client *Client
	prefix string
	logger *slog.Logger
}

// NewPropertyBus wraps client. An empty prefix picks the default.
func NewPropertyBus(client *Client, prefix string, logger *slog.Logger) *PropertyBus {
	if prefix == "" {
		prefix = DefaultPropertySubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PropertyBus{
		client: client,
		prefix: prefix,
		logger: logger.With("component", "propertybus"),
	}
}

// SubscribeProperty registers h for one property's event subject and
// returns the unsubscribe func. Undecodable events are logged and dropped.
func (b *PropertyBus) SubscribeProperty(propertyID int32, h func(publisher.PropertyEvent)) (func(), error) {
	subject := fmt.Sprintf("%s.%d", b.prefix, propertyID)
	sub, err := b.client.Subscribe(subject, func(msg *nats.Msg) {
		var ev publisher.PropertyEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			b.logger.Warn("dropping undecodable property event",
				"subject", msg.Subject, "error", err)
			return
		}
		if ev.PropertyID == 0 {
			ev.PropertyID = propertyID
		}
		h(ev)
	})
	if err != nil {
		return nil, err
	}
	return func() { _ = sub.Unsubscribe() }, nil
}
