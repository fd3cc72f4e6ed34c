package hass

import "strings"

// SanitizeAttribute converts an attribute name into a topic-safe slug:
// lowercased, runs of non-alphanumeric characters collapsed to a single
// underscore, leading and trailing underscores trimmed.
//
// The result must be byte-stable across runs. Home Assistant keys its
// entity registry on the object ID, so a drifting slug would register
// duplicate entities for the same meter attribute.
func SanitizeAttribute(name string) string {
	var b strings.Builder
	b.Grow(len(name))

	lastUnderscore := true // trims leading separators
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}

	return strings.TrimRight(b.String(), "_")
}

// ObjectID derives the stable Home Assistant object ID for one device
// attribute.
func ObjectID(deviceID, attribute string) string {
	return SanitizeAttribute(deviceID + " " + attribute)
}
