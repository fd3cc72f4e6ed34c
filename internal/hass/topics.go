package hass

import "fmt"

// Home Assistant component types used by the gateway.
const (
	ComponentSensor       = "sensor"
	ComponentBinarySensor = "binary_sensor"
)

// StatusTopic is where Home Assistant announces its own availability.
// The gateway resends all discovery when "online" appears here.
const StatusTopic = "homeassistant/status"

// Availability payloads for the bridge state topic.
const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"
)

// DiscoveryTopic builds the retained config topic for one entity.
func DiscoveryTopic(discoveryPrefix, component, objectID string) string {
	return fmt.Sprintf("%s/%s/%s/config", discoveryPrefix, component, objectID)
}

// StateTopic builds the per-attribute state topic for one meter.
// The attribute is sanitized to the same slug used in the object ID.
func StateTopic(topicPrefix, deviceID, attribute string) string {
	return fmt.Sprintf("%s/device/%s/%s", topicPrefix, deviceID, SanitizeAttribute(attribute))
}
