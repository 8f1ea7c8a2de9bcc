package publisher

import (
	"context"

	"github.com/c360/cartelemetry/config"
	"github.com/c360/cartelemetry/pkg/bundle"
)

// newConnectivityPublisher builds the periodic network traffic publisher.
// Each (transport, oem_type) pair is one stream; the first pull of a stream
// only seeds the delta baseline and publishes nothing.
func newConnectivityPublisher(deps Deps) Publisher {
	p := newPullPublisher(config.PublisherConnectivity, deps)
	source := deps.Netstats

	p.keyFor = func(spec config.PublisherSpec) string {
		return spec.Transport + "/" + spec.OEMType
	}
	p.newPull = func(spec config.PublisherSpec) pullFunc {
		var baseline *NetstatsSnapshot
		return func(ctx context.Context) (*bundle.Bundle, error) {
			snap, err := source.Summary(ctx, spec.Transport, spec.OEMType)
			if err != nil {
				return nil, err
			}
			if baseline == nil {
				baseline = snap
				return nil, nil
			}
			diff := snap.Subtract(baseline)
			covered := snap.CollectedAt.Sub(baseline.CollectedAt)
			baseline = snap
			if len(diff.Entries) == 0 {
				return nil, nil
			}
			b := diff.ToBundle(covered)
			b.PutString("transport", spec.Transport)
			b.PutString("oem_type", spec.OEMType)
			return b, nil
		}
	}
	return p
}
