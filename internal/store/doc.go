// Package store persists gateway state in SQLite.
//
// Three concerns live here:
//
//   - Device snapshots: the last known attribute values for each meter,
//     restored at startup so dashboards show data before the first poll.
//   - Outbound queue: MQTT messages that could not be delivered, replayed
//     in FIFO order when the broker connection recovers. A message leaves
//     the queue only after the broker confirms delivery (Ack).
//   - Reading history: numeric values per device attribute, pruned on a
//     retention schedule.
//
// The schema is managed by the database package's migration runner; see
// the migrations directory at the repository root.
package store
