package bus

import "time"

// Event is a tenant-scoped domain event published on the bus.
type Event struct {
	Kind      string
	UserID    string
	Timestamp time.Time
	Payload   any
}

// QRTopic is the per-user topic carrying QR payloads and auth status strings
// ("Connected!", "Reconnecting!", "expired!").
func QRTopic(userID string) string {
	return "qr." + userID
}

// StatusTopic is the per-user topic carrying lifecycle state changes.
func StatusTopic(userID string) string {
	return "status." + userID
}

// InboundTopic is the per-user topic carrying parsed inbound messages.
// Subscribe to InboundPrefix to observe every tenant.
func InboundTopic(userID string) string {
	return InboundPrefix + userID
}

// InboundPrefix matches inbound message events for all users.
const InboundPrefix = "inbound."
