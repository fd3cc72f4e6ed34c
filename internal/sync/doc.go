// Package sync keeps the MQTT broker in step with gateway state.
//
// The engine sits between the bus-facing orchestrator and the broker:
//
//   - Publishes discovery configs at most once per device attribute per
//     broker session, tracked in an explicit session value that resets
//     on disconnect and whenever Home Assistant announces a restart.
//   - Publishes attribute values retained; anything the broker does not
//     confirm lands in the durable SQLite queue instead of being lost.
//   - Replays the queue in insertion order on a fixed interval, removing
//     messages only after confirmed delivery.
//   - Heartbeats the bridge availability topic below the entities'
//     expire_after window.
//
// Broker callbacks never run business logic directly; they emit events
// consumed by the engine's run loop, so all session state is touched
// from one goroutine plus the mutex-guarded discovery path.
package sync
