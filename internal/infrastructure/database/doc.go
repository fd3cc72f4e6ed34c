// Package database manages the gateway's embedded SQLite database.
//
// The database holds the last-known state of every discovered meter, the
// durable outbound MQTT queue, and a bounded state history. WAL mode is
// enabled by default so a crash between calls loses at most the in-flight
// operation, never prior state.
//
// Schema changes are applied through embedded SQL migrations registered by
// the migrations package; see Migrate.
package database
