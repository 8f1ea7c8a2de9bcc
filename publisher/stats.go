package publisher

import (
	"context"

	"github.com/c360/cartelemetry/config"
	"github.com/c360/cartelemetry/pkg/bundle"
)

// newStatsPublisher builds the periodic process stats publisher. Each query
// string is one stream. Counter columns (cpu time, major faults) are
// reported as deltas since the previous pull; rss is a gauge.
func newStatsPublisher(deps Deps) Publisher {
	p := newPullPublisher(config.PublisherStats, deps)
	source := deps.Stats

	p.keyFor = func(spec config.PublisherSpec) string { return spec.Query }
	p.newPull = func(spec config.PublisherSpec) pullFunc {
		var baseline *StatsReport
		return func(ctx context.Context) (*bundle.Bundle, error) {
			report, err := source.Pull(ctx, spec.Query)
			if err != nil {
				return nil, err
			}
			if baseline == nil {
				baseline = report
				return nil, nil
			}
			diff := report.Subtract(baseline)
			covered := report.CollectedAt.Sub(baseline.CollectedAt)
			baseline = report
			if len(diff.Processes) == 0 {
				return nil, nil
			}
			b := diff.ToBundle(covered)
			b.PutString("query", spec.Query)
			return b, nil
		}
	}
	return p
}
