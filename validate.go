package timekeeper

import (
	"regexp"
	"strings"
)

const MINIMUMINTERVALSECONDS = 1

const (
	ERR_PRIMARYREQUIRED = "Primary time server required."
	ERR_INVALIDHOSTNAME = "Invalid hostname. Use letters, numbers, dots, and hyphens only."
	ERR_INTERVAL        = "Interval must be 1 second or greater."
)

var hostnamePattern = regexp.MustCompile(`^[A-Za-z0-9.-]+$`)

//NormalizeHostname trims whitespace. All slot input goes through this
func NormalizeHostname(s string) string {
	return strings.TrimSpace(s)
}

//ValidateSlot returns error message for slot or empty string if valid. Blank non-primary slot is valid
func ValidateSlot(index int, hostname string) string {
	hostname = NormalizeHostname(hostname)
	if hostname == "" {
		if index == 0 {
			return ERR_PRIMARYREQUIRED
		}
		return ""
	}
	if !hostnamePattern.MatchString(hostname) {
		return ERR_INVALIDHOSTNAME
	}
	return ""
}

func ValidateInterval(seconds int) string {
	if seconds < MINIMUMINTERVALSECONDS {
		return ERR_INTERVAL
	}
	return ""
}
