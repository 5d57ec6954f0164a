package ops

import "strings"

// benignMarkers are transport/network error substrings that never justify a
// process exit. Observed wordings from the upstream transport and the OS.
var benignMarkers = []string{
	"terminated",
	"other side closed",
	"ECONNRESET",
	"socket hang up",
	"UND_ERR_SOCKET",
	"ECONNREFUSED",
	"ETIMEDOUT",
}

// desyncMarkers identify decryption-state incidents. Recovery happens through
// the per-sender eviction on the next inbound, not here.
var desyncMarkers = []string{
	"Over 2000 messages into the future",
	"SessionError",
	"Failed to decrypt message",
	"Invalid patch mac",
	"Bad MAC",
}

// IsBenignDisconnect reports whether the error text matches a known transient
// network failure.
func IsBenignDisconnect(errText string) bool {
	for _, marker := range benignMarkers {
		if strings.Contains(errText, marker) {
			return true
		}
	}
	return false
}

// IsSessionDesync reports whether the error text matches a decryption-state
// signature.
func IsSessionDesync(errText string) bool {
	for _, marker := range desyncMarkers {
		if strings.Contains(errText, marker) {
			return true
		}
	}
	return false
}
