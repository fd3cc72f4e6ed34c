// Package mqtt provides MQTT client connectivity for the M-Bus gateway.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) on the bridge availability topic
//   - Connection health monitoring
//
// # Architecture
//
// The gateway speaks the Home Assistant MQTT discovery convention: retained
// discovery configs under the discovery prefix, per-attribute state topics,
// and a single bridge availability topic carrying "online"/"offline". The
// LWT is bound to that availability topic so a crashed gateway is visible
// immediately.
//
//	M-Bus meters ↔ Gateway ↔ MQTT Broker ↔ Home Assistant
//
// Delivery confirmation matters here: callers treat any Publish error as
// "not confirmed" and hand the message to the durable queue in the store
// package for redelivery. The client itself never buffers.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT, cfg.HomeAssistant.BridgeStateTopic)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.SetOnConnect(func() { /* session bring-up */ })
//	err = client.Publish("mbus/12345678/energy/state", []byte("42.7"), 1, true)
package mqtt
