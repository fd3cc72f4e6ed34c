package hass

// DeviceInfo is the shared device-identity block embedded in every
// entity config. Home Assistant groups entities carrying the same
// identifiers under one registry device.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

// Availability references the shared bridge state topic so every entity
// follows the gateway's online/offline announcements.
type Availability struct {
	Topic               string `json:"topic"`
	PayloadAvailable    string `json:"payload_available"`
	PayloadNotAvailable string `json:"payload_not_available"`
}

// EntityConfig is the discovery payload published retained to
// {discovery_prefix}/{component}/{object_id}/config.
type EntityConfig struct {
	Name              string         `json:"name"`
	UniqueID          string         `json:"unique_id"`
	StateTopic        string         `json:"state_topic"`
	Device            DeviceInfo     `json:"device"`
	Availability      []Availability `json:"availability"`
	ExpireAfter       int            `json:"expire_after,omitempty"`
	UnitOfMeasurement string         `json:"unit_of_measurement,omitempty"`
	DeviceClass       string         `json:"device_class,omitempty"`
	Icon              string         `json:"icon,omitempty"`
	PayloadOn         string         `json:"payload_on,omitempty"`
	PayloadOff        string         `json:"payload_off,omitempty"`
}

// EntityParams carries everything needed to build one entity config.
type EntityParams struct {
	DiscoveryPrefix  string
	TopicPrefix      string
	BridgeStateTopic string
	ExpireAfter      int

	DeviceID  string
	Attribute string
	Unit      string
	Device    DeviceInfo
}

// BuildEntity builds the discovery topic and payload for one device
// attribute. The component (sensor or binary_sensor) is chosen by
// classification of the attribute name.
func BuildEntity(p EntityParams) (topic string, cfg EntityConfig) {
	class := Classify(p.Attribute, p.Unit)
	objectID := ObjectID(p.DeviceID, p.Attribute)

	cfg = EntityConfig{
		Name:       p.Attribute,
		UniqueID:   objectID,
		StateTopic: StateTopic(p.TopicPrefix, p.DeviceID, p.Attribute),
		Device:     p.Device,
		Availability: []Availability{{
			Topic:               p.BridgeStateTopic,
			PayloadAvailable:    PayloadOnline,
			PayloadNotAvailable: PayloadOffline,
		}},
		ExpireAfter: p.ExpireAfter,
		DeviceClass: class.DeviceClass,
		Icon:        class.Icon,
	}

	if p.Unit != "" {
		cfg.UnitOfMeasurement = p.Unit
	}
	if class.Component == ComponentBinarySensor {
		cfg.PayloadOn = PayloadOnline
		cfg.PayloadOff = PayloadOffline
	}

	return DiscoveryTopic(p.DiscoveryPrefix, class.Component, objectID), cfg
}
