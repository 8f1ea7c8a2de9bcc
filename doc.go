// Package cartelemetry provides an on-device vehicle telemetry pipeline:
// publishers collect platform data, a broker schedules analysis scripts
// over that data under system-load admission control, and a durable
// result store keeps interim state and final reports across restarts.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│           Publishers                │  vehicleproperty, connectivity,
//	│  (batching, pull loops, throttling) │  stats, meminfo
//	└─────────────────────────────────────┘
//	           ↓ push telemetry bundles
//	┌─────────────────────────────────────┐
//	│             Broker                  │  priority queue, admission
//	│   (single-flight script scheduling) │  threshold, single worker
//	└─────────────────────────────────────┘
//	           ↓ invoke over NATS
//	┌─────────────────────────────────────┐
//	│          Script Runner              │  request/reply to the
//	│     (out-of-process executor)       │  executor service
//	└─────────────────────────────────────┘
//	           ↓ interim / final / error
//	┌─────────────────────────────────────┐
//	│          Result Store               │  write-behind cache,
//	│   (per-config durable records)      │  retention sweeps
//	└─────────────────────────────────────┘
//
// The admission monitor samples system load and memory pressure and moves
// the broker's priority threshold, so low-priority analysis yields when
// the platform is busy.
//
// Package layout:
//   - config: metrics config model and daemon configuration
//   - publisher: data collection and fan-out to subscribers
//   - broker: task queue, scheduling and subscription lifecycle
//   - runner: script executor transport
//   - resultstore: durable interim state and report persistence
//   - admission: system pressure sampling and threshold mapping
//   - stream: live WebSocket fan-out of final reports
//   - metric: Prometheus metrics registry and endpoint
//   - natsclient: shared NATS connection management
package cartelemetry
