package hass

import "strings"

// Class is the semantic classification of one attribute: which Home
// Assistant component it maps to and the device_class/icon hints shown
// in the UI.
type Class struct {
	Component   string
	DeviceClass string
	Icon        string
}

// Classify picks a component, device class, and icon from keywords in
// the attribute name and its unit. Unknown attributes fall back to a
// plain gauge sensor.
func Classify(attrName, unit string) Class {
	name := strings.ToLower(attrName)
	unit = strings.ToLower(unit)

	switch {
	case strings.Contains(name, "energy"), unit == "kwh", unit == "wh", unit == "mwh":
		return Class{ComponentSensor, "energy", "mdi:lightning-bolt"}
	case strings.Contains(name, "power"), unit == "w", unit == "kw", unit == "mw":
		return Class{ComponentSensor, "power", "mdi:flash"}
	case strings.Contains(name, "temperature"), unit == "°c", unit == "c":
		return Class{ComponentSensor, "temperature", "mdi:thermometer"}
	case strings.Contains(name, "voltage"), unit == "v":
		return Class{ComponentSensor, "voltage", "mdi:lightning-bolt"}
	case strings.Contains(name, "current"), unit == "a":
		return Class{ComponentSensor, "current", "mdi:current-ac"}
	case strings.Contains(name, "volume"), strings.Contains(name, "flow"), unit == "m³", unit == "m³/h":
		return Class{ComponentSensor, "", "mdi:water"}
	case strings.Contains(name, "ip"):
		return Class{ComponentSensor, "", "mdi:ip-network"}
	case strings.Contains(name, "status"):
		return Class{ComponentBinarySensor, "", "mdi:check-circle"}
	case strings.Contains(name, "uptime"):
		return Class{ComponentSensor, "", "mdi:clock"}
	default:
		return Class{ComponentSensor, "", "mdi:gauge"}
	}
}
