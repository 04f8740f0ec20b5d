package transport

import "strings"

// Address servers used when qualifying recipients.
const (
	UserServer  = "s.whatsapp.net"
	GroupServer = "g.us"
)

// NormalizeJID strips a colon-suffixed device id, returning the canonical
// bare-JID form ("123:45@s.whatsapp.net" -> "123@s.whatsapp.net").
func NormalizeJID(jid string) string {
	if i := strings.IndexByte(jid, ':'); i >= 0 {
		return jid[:i] + "@" + UserServer
	}
	return jid
}

// FormatRecipient qualifies a bare phone number with the user server.
// Already-qualified addresses pass through unchanged.
func FormatRecipient(recipient string) string {
	if strings.ContainsRune(recipient, '@') {
		return recipient
	}
	return recipient + "@" + UserServer
}

// IsGroupJID reports whether an address names a group.
func IsGroupJID(jid string) bool {
	return strings.HasSuffix(jid, "@"+GroupServer)
}
