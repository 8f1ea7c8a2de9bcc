// Package config defines the metrics configuration model and the daemon
// configuration for cartelemetry.
//
// A MetricsConfig is a named, versioned bundle describing one collection
// script and its data subscriptions. Configs are immutable once installed; a
// newer version replaces an older one only via explicit remove-then-add.
package config

import (
	"encoding/json"
	"fmt"

	"github.com/c360/cartelemetry/errors"
)

// PublisherKind identifies a publisher parameterization.
type PublisherKind string

// Supported publisher kinds.
const (
	PublisherVehicleProperty PublisherKind = "vehicleproperty"
	PublisherStats           PublisherKind = "stats"
	PublisherConnectivity    PublisherKind = "connectivity"
	PublisherMemInfo         PublisherKind = "meminfo"
)

// Priority bounds for subscribers. Lower is more urgent.
const (
	PriorityMin = 1
	PriorityMax = 100
)

// Transport values accepted by the connectivity publisher.
const (
	TransportCellular  = "cellular"
	TransportWifi      = "wifi"
	TransportEthernet  = "ethernet"
	TransportBluetooth = "bluetooth"
)

// OEM management values accepted by the connectivity publisher.
const (
	OEMNone    = "none"
	OEMManaged = "managed"
)

// PublisherSpec parameterizes one publisher kind. Only the fields for the
// spec's Kind are meaningful; Validate enforces that.
type PublisherSpec struct {
	Kind PublisherKind `json:"kind" yaml:"kind"`

	// vehicleproperty
	PropertyID int32   `json:"property_id,omitempty" yaml:"property_id,omitempty"`
	ReadRateHz float64 `json:"read_rate_hz,omitempty" yaml:"read_rate_hz,omitempty"`

	// stats
	Query string `json:"query,omitempty" yaml:"query,omitempty"`

	// connectivity
	Transport string `json:"transport,omitempty" yaml:"transport,omitempty"`
	OEMType   string `json:"oem_type,omitempty" yaml:"oem_type,omitempty"`

	// meminfo
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	// Poll interval for the periodic-pull kinds (stats, connectivity,
	// meminfo). Zero picks the publisher default.
	Interval Duration `json:"interval,omitempty" yaml:"interval,omitempty"`
}

// Validate checks the publisher spec for the declared kind.
func (ps *PublisherSpec) Validate() error {
	switch ps.Kind {
	case PublisherVehicleProperty:
		if ps.PropertyID <= 0 {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "PublisherSpec", "Validate",
				"vehicleproperty requires a positive property_id")
		}
		if ps.ReadRateHz < 0 {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "PublisherSpec", "Validate",
				"read_rate_hz cannot be negative")
		}
	case PublisherStats:
		if ps.Query == "" {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "PublisherSpec", "Validate",
				"stats requires a query")
		}
	case PublisherConnectivity:
		switch ps.Transport {
		case TransportCellular, TransportWifi, TransportEthernet, TransportBluetooth:
		default:
			return errors.WrapInvalid(errors.ErrInvalidConfig, "PublisherSpec", "Validate",
				fmt.Sprintf("unknown transport %q", ps.Transport))
		}
		switch ps.OEMType {
		case OEMNone, OEMManaged:
		default:
			return errors.WrapInvalid(errors.ErrInvalidConfig, "PublisherSpec", "Validate",
				fmt.Sprintf("unknown oem_type %q", ps.OEMType))
		}
	case PublisherMemInfo:
		// Path is optional; the publisher defaults to /proc/meminfo.
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "PublisherSpec", "Validate",
			fmt.Sprintf("unknown publisher kind %q", ps.Kind))
	}
	if ps.Interval < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "PublisherSpec", "Validate",
			"interval cannot be negative")
	}
	return nil
}

// SubscriberSpec binds one script handler to one publisher parameterization
// with a priority.
type SubscriberSpec struct {
	Handler   string        `json:"handler" yaml:"handler"`
	Priority  int           `json:"priority" yaml:"priority"`
	Publisher PublisherSpec `json:"publisher" yaml:"publisher"`
}

// Validate checks handler, priority bounds and the publisher spec.
func (ss *SubscriberSpec) Validate() error {
	if ss.Handler == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "SubscriberSpec", "Validate",
			"handler is required")
	}
	if ss.Priority < PriorityMin || ss.Priority > PriorityMax {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "SubscriberSpec", "Validate",
			fmt.Sprintf("priority %d outside [%d,%d]", ss.Priority, PriorityMin, PriorityMax))
	}
	return ss.Publisher.Validate()
}

// MetricsConfig describes one collection script and its subscriptions.
type MetricsConfig struct {
	Name        string           `json:"name" yaml:"name"`
	Version     int              `json:"version" yaml:"version"`
	Script      string           `json:"script" yaml:"script"`
	Subscribers []SubscriberSpec `json:"subscribers" yaml:"subscribers"`
}

// Validate checks the whole config including every subscriber spec.
func (mc *MetricsConfig) Validate() error {
	if mc.Name == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "MetricsConfig", "Validate",
			"name is required")
	}
	if mc.Version < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "MetricsConfig", "Validate",
			"version cannot be negative")
	}
	if mc.Script == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "MetricsConfig", "Validate",
			"script is required")
	}
	if len(mc.Subscribers) == 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "MetricsConfig", "Validate",
			"at least one subscriber is required")
	}
	for i := range mc.Subscribers {
		if err := mc.Subscribers[i].Validate(); err != nil {
			return errors.Wrap(err, "MetricsConfig", "Validate",
				fmt.Sprintf("subscriber %d (%s)", i, mc.Subscribers[i].Handler))
		}
	}
	return nil
}

// ParseMetricsConfig decodes and validates a JSON metrics config.
func ParseMetricsConfig(data []byte) (*MetricsConfig, error) {
	var mc MetricsConfig
	if err := json.Unmarshal(data, &mc); err != nil {
		return nil, errors.WrapInvalid(err, "MetricsConfig", "ParseMetricsConfig", "decode JSON")
	}
	if err := mc.Validate(); err != nil {
		return nil, err
	}
	return &mc, nil
}
