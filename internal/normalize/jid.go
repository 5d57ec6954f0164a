package normalize

import "strings"

// StatusBroadcastJid is the broadcast address for status posts; inbound from
// it is never processed.
const StatusBroadcastJid = "status@broadcast"

const (
	groupDomain     = "g.us"
	broadcastDomain = "broadcast"
)

// SplitJid returns the local part and domain of a chat address.
func SplitJid(jid string) (user, domain string) {
	if i := strings.IndexByte(jid, '@'); i >= 0 {
		return jid[:i], jid[i+1:]
	}
	return jid, ""
}

// UserPart returns the address local part with any device or agent suffix
// stripped: "1234:5" and "1234.0" both yield "1234".
func UserPart(jid string) string {
	user, _ := SplitJid(jid)
	if i := strings.IndexByte(user, ':'); i >= 0 {
		user = user[:i]
	}
	if i := strings.IndexByte(user, '.'); i >= 0 {
		user = user[:i]
	}
	return user
}

// IsGroupOrBroadcast reports whether the address names a group or broadcast
// chat. Those are used as-is for replies.
func IsGroupOrBroadcast(jid string) bool {
	_, domain := SplitJid(jid)
	return domain == groupDomain || domain == broadcastDomain
}

// CanonicalUserJid rebuilds a 1:1 address from its stripped local part.
func CanonicalUserJid(jid string) string {
	_, domain := SplitJid(jid)
	if domain == "" {
		return UserPart(jid)
	}
	return UserPart(jid) + "@" + domain
}
