package sync

import (
	"fmt"
	"math"
	"strconv"
)

// DeviceMeta identifies one meter in discovery payloads.
type DeviceMeta struct {
	DeviceID     string
	Name         string
	Manufacturer string
	Model        string
	SWVersion    string
}

// Attribute is one published value of a meter.
type Attribute struct {
	Name  string
	Unit  string
	Value any
}

// formatValue renders an attribute value as a state payload. Numbers
// are limited to four decimal places, matching the precision of parsed
// meter records.
func formatValue(value any) string {
	switch v := value.(type) {
	case float64:
		return strconv.FormatFloat(math.Round(v*10000)/10000, 'f', -1, 64)
	case float32:
		return formatValue(float64(v))
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprint(v)
	}
}
