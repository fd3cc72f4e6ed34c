// Package hass builds Home Assistant MQTT discovery payloads and topic
// names for the gateway's meters.
//
// Everything here is pure: object IDs, topic strings, classification,
// and config structs. Publishing, session tracking, and queueing live
// in the sync package.
package hass
