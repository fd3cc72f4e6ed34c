// Package mbus implements the M-Bus (Meter-Bus, EN 13757) side of the
// gateway: link-layer frames, device discovery, and meter readout over a
// serial level converter.
//
// # Components
//
//   - Frame codec: short/control/long frames, the ACK byte, checksums,
//     and the SELECT-by-mask frame used for secondary addressing
//   - Records: parsing the variable data structure (fixed header plus
//     DIF/VIF records) into named, unit-tagged readings
//   - Bus: the serial port plus the exclusive-use lock and the bus-wide
//     circuit breaker
//   - Scanner: secondary-address collision-resolution tree search and
//     primary-address range probing
//   - Reader: single-device read cycles for both address kinds
//
// # Addressing
//
// Primary addresses are integers 0-250 assigned at commissioning.
// Secondary addresses are 16 hex digits (8-digit identification plus
// manufacturer, version, medium) and are matched via SELECT frames whose
// wildcard F nibbles match any digit. Discovery instantiates the
// identification digits one position at a time: a garbled reply means
// several meters share the prefix, and the search descends a digit
// deeper until each meter is isolated.
//
// # Concurrency
//
// The physical bus carries one exchange at a time. Scanner and Reader
// hold the bus mutex for the full duration of a scan or read, so
// concurrent requests serialize. The circuit breaker guards the whole
// line: repeated transport failures open it and all attempts are
// short-circuited until the cooling-off timeout elapses.
package mbus
