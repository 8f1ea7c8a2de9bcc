package publisher

import (
	"context"
	"time"

	"github.com/c360/cartelemetry/pkg/bundle"
)

// PropertyEvent is one vehicle property change delivered by the property
// bus. Exactly one value field is set, matching the property's type.
type PropertyEvent struct {
	PropertyID     int32 `json:"property_id"`
	AreaID         int32 `json:"area_id"`
	Status         int32 `json:"status"`
	TimestampNanos int64 `json:"timestamp_nanos"`

	BoolValue   *bool    `json:"bool_value,omitempty"`
	LongValue   *int64   `json:"long_value,omitempty"`
	FloatValue  *float64 `json:"float_value,omitempty"`
	StringValue *string  `json:"string_value,omitempty"`
}

// PropertyBus delivers vehicle property change events. SubscribeProperty
// registers h for one property and returns an unsubscribe func. Handlers
// run on the bus's delivery goroutine.
type PropertyBus interface {
	SubscribeProperty(propertyID int32, h func(PropertyEvent)) (func(), error)
}

// NetstatsEntry is one per-UID, per-tag traffic counter row.
type NetstatsEntry struct {
	UID     int32
	Tag     int32
	RxBytes int64
	TxBytes int64
}

// NetstatsSnapshot is a point-in-time traffic summary for one transport.
type NetstatsSnapshot struct {
	CollectedAt time.Time
	Entries     []NetstatsEntry
}

// NetstatsSource supplies traffic snapshots. transport and oemType take the
// config package's Transport* and OEM* values.
type NetstatsSource interface {
	Summary(ctx context.Context, transport, oemType string) (*NetstatsSnapshot, error)
}

type netstatsKey struct {
	uid int32
	tag int32
}

// Subtract returns the per-row counter delta since base. Rows whose
// counters went backwards (counter reset) report their current values;
// rows with no traffic since base are dropped.
func (s *NetstatsSnapshot) Subtract(base *NetstatsSnapshot) *NetstatsSnapshot {
	prev := make(map[netstatsKey]NetstatsEntry, len(base.Entries))
	for _, e := range base.Entries {
		prev[netstatsKey{e.UID, e.Tag}] = e
	}

	diff := &NetstatsSnapshot{CollectedAt: s.CollectedAt}
	for _, e := range s.Entries {
		if p, ok := prev[netstatsKey{e.UID, e.Tag}]; ok {
			rx, tx := e.RxBytes-p.RxBytes, e.TxBytes-p.TxBytes
			if rx < 0 || tx < 0 {
				rx, tx = e.RxBytes, e.TxBytes
			}
			e.RxBytes, e.TxBytes = rx, tx
		}
		if e.RxBytes == 0 && e.TxBytes == 0 {
			continue
		}
		diff.Entries = append(diff.Entries, e)
	}
	return diff
}

// ToBundle converts the snapshot into the payload format scripts consume:
// parallel arrays aggregated per (uid, tag), plus collection timestamp and
// the duration the counters cover.
func (s *NetstatsSnapshot) ToBundle(duration time.Duration) *bundle.Bundle {
	agg := make(map[netstatsKey]NetstatsEntry, len(s.Entries))
	order := make([]netstatsKey, 0, len(s.Entries))
	for _, e := range s.Entries {
		k := netstatsKey{e.UID, e.Tag}
		if cur, ok := agg[k]; ok {
			cur.RxBytes += e.RxBytes
			cur.TxBytes += e.TxBytes
			agg[k] = cur
		} else {
			agg[k] = e
			order = append(order, k)
		}
	}

	b := bundle.New()
	b.PutLong(KeyCollectedAtMillis, s.CollectedAt.UnixMilli())
	b.PutLong(KeyDurationMillis, duration.Milliseconds())
	b.PutInt("size", int32(len(order)))
	for _, k := range order {
		e := agg[k]
		b.AppendInt("uid", e.UID)
		b.AppendInt("tag", e.Tag)
		b.AppendLong("rx_bytes", e.RxBytes)
		b.AppendLong("tx_bytes", e.TxBytes)
	}
	return b
}

// ProcessStat is one process row in a stats report.
type ProcessStat struct {
	UID           int32
	Name          string
	CPUTimeMillis int64
	RSSBytes      int64
	MajorFaults   int64
}

// StatsReport is a point-in-time process stats pull for one query.
type StatsReport struct {
	CollectedAt time.Time
	Processes   []ProcessStat
}

// StatsSource supplies process stat reports for a named query.
type StatsSource interface {
	Pull(ctx context.Context, query string) (*StatsReport, error)
}

type statsKey struct {
	uid  int32
	name string
}

// Subtract returns the since-base delta for the counter columns. RSS is a
// gauge and reports its current value. Processes new since base report
// their full counters.
func (r *StatsReport) Subtract(base *StatsReport) *StatsReport {
	prev := make(map[statsKey]ProcessStat, len(base.Processes))
	for _, p := range base.Processes {
		prev[statsKey{p.UID, p.Name}] = p
	}

	diff := &StatsReport{CollectedAt: r.CollectedAt}
	for _, p := range r.Processes {
		if b, ok := prev[statsKey{p.UID, p.Name}]; ok {
			cpu, faults := p.CPUTimeMillis-b.CPUTimeMillis, p.MajorFaults-b.MajorFaults
			if cpu < 0 || faults < 0 {
				cpu, faults = p.CPUTimeMillis, p.MajorFaults
			}
			p.CPUTimeMillis, p.MajorFaults = cpu, faults
		}
		diff.Processes = append(diff.Processes, p)
	}
	return diff
}

// ToBundle converts the report into parallel arrays keyed the way scripts
// expect.
func (r *StatsReport) ToBundle(duration time.Duration) *bundle.Bundle {
	b := bundle.New()
	b.PutLong(KeyCollectedAtMillis, r.CollectedAt.UnixMilli())
	b.PutLong(KeyDurationMillis, duration.Milliseconds())
	b.PutInt("size", int32(len(r.Processes)))
	for _, p := range r.Processes {
		b.AppendInt("uid", p.UID)
		b.AppendString("process_name", p.Name)
		b.AppendLong("cpu_time_millis", p.CPUTimeMillis)
		b.AppendLong("rss_bytes", p.RSSBytes)
		b.AppendLong("major_faults", p.MajorFaults)
	}
	return b
}
