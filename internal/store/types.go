package store

// User is the durable record for one tenant. Rows are never hard-deleted by
// the gateway; deauthorization sets IsValid to false.
type User struct {
	ID         int64
	UserID     string
	Name       string
	Number     string
	AvatarURL  string
	IsValid    bool
	IsLoggedIn bool
}

// Scheduled message statuses.
const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// ScheduledMessage is a persisted message awaiting dispatch. Content and
// Recipients hold the JSON-serialized payload and recipient list.
type ScheduledMessage struct {
	ID           int64
	UserID       string
	Type         string
	Content      string
	Recipients   string
	ScheduleDate int64 // unix milliseconds
	Status       string
	FailedReason string
}

// RoutingRule mirrors inbound messages from one address to another for a
// user. At most one rule exists per unordered (FromJID, ToJID) pair.
type RoutingRule struct {
	ID        string
	UserID    string
	FromJID   string
	ToJID     string
	FromName  string
	ToName    string
	CreatedAt int64
}
