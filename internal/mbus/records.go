package mbus

import (
	"fmt"
	"math"
	"strings"
)

// Record is one measured value from a meter readout.
//
// Value is either a float64 (scaled per the VIF multiplier) or a string
// (variable-length text records, raw dumps of unhandled encodings); it is
// never both over a record's lifetime. A device's record list is replaced
// wholesale on every successful read.
type Record struct {
	Name         string
	Value        any
	Unit         string
	FunctionCode string
}

// DeviceData is the parsed content of one RSP_UD variable data response.
type DeviceData struct {
	Manufacturer   string
	Identification string
	Medium         string
	AccessNumber   byte
	Status         byte
	Records        []Record
}

// Function field names, indexed by bits 4-5 of the DIF.
var functionNames = [4]string{"instantaneous", "maximum", "minimum", "error"}

// ParseDeviceData parses the payload of a variable data response frame.
//
// Payload layout (EN 13757-3, LSB-first mode):
//
//	id(4, BCD LSB first) man(2) version(1) medium(1) access(1) status(1) signature(2)
//
// followed by DIF/VIF data records. Records with encodings this gateway
// does not understand are skipped rather than failing the whole readout;
// a truncated fixed header is a decode error.
func ParseDeviceData(f Frame) (*DeviceData, error) {
	if !f.IsDataResponse() {
		return nil, fmt.Errorf("%w: C=0x%02X CI=0x%02X is not a data response", ErrUnexpectedFrame, f.Control, f.CI)
	}
	if len(f.Payload) < 12 {
		return nil, fmt.Errorf("%w: fixed data header truncated (%d bytes)", ErrFrameDecode, len(f.Payload))
	}

	p := f.Payload

	d := &DeviceData{
		Identification: decodeBCD(p[0:4]),
		Manufacturer:   decodeManufacturer(uint16(p[4]) | uint16(p[5])<<8),
		Medium:         mediumName(p[7]),
		AccessNumber:   p[8],
		Status:         p[9],
	}
	// p[6] is the version byte, p[10:12] the signature; neither is surfaced.

	d.Records = parseRecords(p[12:])
	return d, nil
}

// parseRecords walks the DIF/VIF record chain, producing one Record per
// data information block it can decode.
func parseRecords(data []byte) []Record {
	var records []Record
	i := 0

	for i < len(data) {
		dif := data[i]
		i++

		// 0x0F / 0x1F introduce manufacturer-specific data that runs to
		// the end of the payload; 0x2F is an idle filler byte.
		if dif == 0x0F || dif == 0x1F {
			break
		}
		if dif == 0x2F {
			continue
		}

		function := functionNames[(dif>>4)&0x03]

		// Skip DIFE chain (storage number, tariff). Values are still
		// decoded; only the sub-record addressing is ignored.
		for i < len(data) && data[i-1]&0x80 != 0 {
			i++
		}
		if i >= len(data) {
			break
		}

		vif := data[i]
		i++
		// Skip VIFE chain.
		for i < len(data) && data[i-1]&0x80 != 0 {
			i++
		}

		value, consumed, ok := decodeValue(dif&0x0F, data[i:])
		if !ok {
			break
		}
		i += consumed
		if value == nil {
			continue
		}

		unit, multiplier := vifUnit(vif & 0x7F)
		rec := Record{
			Unit:         unit,
			FunctionCode: function,
		}
		switch v := value.(type) {
		case float64:
			rec.Value = roundValue(v * multiplier)
		default:
			rec.Value = value
		}
		rec.Name = friendlyName(unit, len(records))
		records = append(records, rec)
	}

	return records
}

// decodeValue decodes a record value per the DIF data field (low nibble).
// Returns the value, the number of bytes consumed, and whether the
// encoding was understood and complete.
func decodeValue(dataField byte, data []byte) (any, int, bool) {
	intLE := func(n int) (float64, bool) {
		if len(data) < n {
			return 0, false
		}
		var v int64
		for j := n - 1; j >= 0; j-- {
			v = v<<8 | int64(data[j])
		}
		// Sign-extend.
		if n < 8 && data[n-1]&0x80 != 0 {
			v -= 1 << (8 * uint(n))
		}
		return float64(v), true
	}

	switch dataField {
	case 0x0: // no data
		return nil, 0, true
	case 0x1, 0x2, 0x3, 0x4, 0x6, 0x7:
		n := int(dataField)
		if dataField == 0x6 {
			n = 6
		}
		if dataField == 0x7 {
			n = 8
		}
		v, ok := intLE(n)
		return v, n, ok
	case 0x5: // 32-bit real
		if len(data) < 4 {
			return nil, 0, false
		}
		bits := uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24
		return float64(math.Float32frombits(bits)), 4, true
	case 0x9, 0xA, 0xB, 0xC, 0xE: // BCD 2/4/6/8/12 digits
		n := int(dataField - 0x8)
		if dataField == 0xE {
			n = 6
		}
		if len(data) < n {
			return nil, 0, false
		}
		v, ok := bcdValue(data[:n])
		if !ok {
			return nil, 0, false
		}
		return v, n, true
	case 0xD: // variable length
		if len(data) < 1 {
			return nil, 0, false
		}
		n := int(data[0])
		if len(data) < 1+n {
			return nil, 0, false
		}
		// Text is transmitted reversed.
		buf := make([]byte, n)
		for j := 0; j < n; j++ {
			buf[j] = data[n-j]
		}
		return string(buf), 1 + n, true
	default: // 0x8 selection for readout, 0xF special
		return nil, 0, false
	}
}

// bcdValue converts LSB-first packed BCD into a float64.
func bcdValue(data []byte) (float64, bool) {
	var v float64
	for i := len(data) - 1; i >= 0; i-- {
		hi := data[i] >> 4
		lo := data[i] & 0x0F
		if hi > 9 || lo > 9 {
			return 0, false
		}
		v = v*100 + float64(hi)*10 + float64(lo)
	}
	return v, true
}

// decodeBCD renders LSB-first packed BCD bytes as their digit string,
// most significant digit first. Used for the identification number.
func decodeBCD(data []byte) string {
	var sb strings.Builder
	for i := len(data) - 1; i >= 0; i-- {
		fmt.Fprintf(&sb, "%02x", data[i])
	}
	return sb.String()
}

// decodeManufacturer unpacks the 2-byte manufacturer field into its
// three-letter FLAG association code (three 5-bit letters, A=1).
func decodeManufacturer(m uint16) string {
	letters := []byte{
		byte((m>>10)&0x1F) + 'A' - 1,
		byte((m>>5)&0x1F) + 'A' - 1,
		byte(m&0x1F) + 'A' - 1,
	}
	for _, l := range letters {
		if l < 'A' || l > 'Z' {
			return "Unknown"
		}
	}
	return string(letters)
}

// mediumName maps the medium code from the fixed data header to a name.
func mediumName(code byte) string {
	switch code {
	case 0x00:
		return "Other"
	case 0x01:
		return "Oil"
	case 0x02:
		return "Electricity"
	case 0x03:
		return "Gas"
	case 0x04:
		return "Heat"
	case 0x05:
		return "Steam"
	case 0x06:
		return "Warm water"
	case 0x07:
		return "Water"
	case 0x08:
		return "Heat cost allocator"
	case 0x0A, 0x0B:
		return "Cooling"
	case 0x0C:
		return "Heat (flow)"
	case 0x0D:
		return "Heat / Cooling"
	case 0x15:
		return "Hot water"
	case 0x16:
		return "Cold water"
	case 0x17:
		return "Dual water"
	case 0x18:
		return "Pressure"
	default:
		return fmt.Sprintf("Unknown (0x%02X)", code)
	}
}

// vifUnit maps a primary VIF (extension bit stripped) to a display unit
// and the multiplier that converts the raw value into that unit.
func vifUnit(vif byte) (unit string, multiplier float64) {
	switch {
	case vif <= 0x07: // energy, 10^(n-3) Wh, reported in kWh
		return "kWh", math.Pow10(int(vif&0x07) - 6)
	case vif <= 0x0F: // energy, 10^n J
		return "J", math.Pow10(int(vif & 0x07))
	case vif <= 0x17: // volume, 10^(n-6) m³
		return "m³", math.Pow10(int(vif&0x07) - 6)
	case vif <= 0x1F: // mass, 10^(n-3) kg
		return "kg", math.Pow10(int(vif&0x07) - 3)
	case vif <= 0x27: // on time
		return onTimeUnit(vif & 0x03), 1
	case vif <= 0x2F: // power, 10^(n-3) W
		return "W", math.Pow10(int(vif&0x07) - 3)
	case vif <= 0x37: // power, 10^n J/h
		return "J/h", math.Pow10(int(vif & 0x07))
	case vif <= 0x3F: // volume flow, 10^(n-6) m³/h
		return "m³/h", math.Pow10(int(vif&0x07) - 6)
	case vif >= 0x58 && vif <= 0x5B: // flow temperature, 10^(n-3) °C
		return "°C", math.Pow10(int(vif&0x03) - 3)
	case vif >= 0x5C && vif <= 0x5F: // return temperature
		return "°C", math.Pow10(int(vif&0x03) - 3)
	case vif >= 0x60 && vif <= 0x63: // temperature difference, K
		return "K", math.Pow10(int(vif&0x03) - 3)
	case vif >= 0x64 && vif <= 0x67: // external temperature
		return "°C", math.Pow10(int(vif&0x03) - 3)
	case vif == 0x6C || vif == 0x6D: // date / date+time
		return "", 1
	case vif == 0x78: // fabrication number
		return "", 1
	default:
		return "", 1
	}
}

// onTimeUnit maps the on-time resolution bits to a unit.
func onTimeUnit(n byte) string {
	switch n {
	case 0:
		return "s"
	case 1:
		return "min"
	case 2:
		return "h"
	default:
		return "d"
	}
}

// friendlyName derives a human-readable attribute name from a record's
// unit. Records without a recognised unit become numbered meter readings.
func friendlyName(unit string, index int) string {
	switch strings.ToLower(unit) {
	case "":
		return fmt.Sprintf("Meter reading %d", index)
	case "kwh", "wh", "mwh", "j":
		return fmt.Sprintf("Energy (%s)", unit)
	case "w", "kw", "mw", "j/h":
		return fmt.Sprintf("Power (%s)", unit)
	case "v", "kv":
		return fmt.Sprintf("Voltage (%s)", unit)
	case "a", "ma":
		return fmt.Sprintf("Current (%s)", unit)
	case "°c", "c", "k":
		return fmt.Sprintf("Temperature (%s)", unit)
	case "m³", "m3", "l":
		return fmt.Sprintf("Volume (%s)", unit)
	case "m³/h":
		return fmt.Sprintf("Flow (%s)", unit)
	default:
		return fmt.Sprintf("Reading %d (%s)", index, unit)
	}
}

// roundValue limits decoded values to four decimal places, matching how
// readings are rendered on state topics.
func roundValue(v float64) float64 {
	return math.Round(v*10000) / 10000
}
