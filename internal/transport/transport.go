// Package transport defines the capability boundary to the messaging
// network. The rest of the gateway depends only on these interfaces; the
// whatsmeow-backed implementation lives in internal/wa.
package transport

import (
	"context"
	"errors"
)

// ErrAvatarNotFound is returned by FetchAvatar when the target has no
// accessible picture (not set, or not authorized to view it).
var ErrAvatarNotFound = errors.New("avatar not found")

// DisconnectReason classifies why a connection closed. The orchestrator's
// reconnect policy branches on it.
type DisconnectReason int

const (
	// ReasonUnknown covers transient failures (network blips, stream
	// errors). The orchestrator retries these eagerly.
	ReasonUnknown DisconnectReason = iota
	// ReasonUnauthorized is an explicit auth rejection. Terminal.
	ReasonUnauthorized
	// ReasonTimedOut means the pairing window expired before a scan.
	ReasonTimedOut
	// ReasonUserRequested is a local, caller-initiated close.
	ReasonUserRequested
	// ReasonBadSession means the stored credentials are unusable and must
	// be purged before the next attempt.
	ReasonBadSession
	// ReasonReset is the periodic forced reset; treated like a transient
	// close so the session is immediately re-established.
	ReasonReset
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonUnauthorized:
		return "unauthorized"
	case ReasonTimedOut:
		return "timed out"
	case ReasonUserRequested:
		return "user requested"
	case ReasonBadSession:
		return "bad session"
	case ReasonReset:
		return "reset"
	default:
		return "unknown"
	}
}

// EventKind enumerates connection events.
type EventKind string

const (
	EventQR                  EventKind = "qr"
	EventOpen                EventKind = "open"
	EventClosed              EventKind = "closed"
	EventMessage             EventKind = "message"
	EventGroupsUpserted      EventKind = "groups_upserted"
	EventGroupsUpdated       EventKind = "groups_updated"
	EventParticipantsUpdated EventKind = "participants_updated"
)

// Event is one lifecycle or content event emitted by a connection.
// Exactly the fields relevant to Kind are set.
type Event struct {
	Kind EventKind

	QR           string           // EventQR: raw pairing payload
	Reason       DisconnectReason // EventClosed
	Message      *InboundMessage  // EventMessage
	Groups       []*GroupInfo     // EventGroupsUpserted
	GroupPatches []*GroupPatch    // EventGroupsUpdated
	Participants *ParticipantsUpdate
}

// Participant is one member of a group.
type Participant struct {
	ID           string
	IsAdmin      bool
	IsSuperAdmin bool
}

// GroupInfo is the transport's view of a group's metadata.
type GroupInfo struct {
	ID           string
	Subject      string
	OwnerJID     string
	IsCommunity  bool
	Participants []Participant
}

// GroupPatch is a partial group metadata update; nil fields are unchanged.
type GroupPatch struct {
	ID      string
	Subject *string
	Owner   *string
}

// Participant update actions.
const (
	ParticipantAdd    = "add"
	ParticipantRemove = "remove"
)

// ParticipantsUpdate reports members joining or leaving a group.
type ParticipantsUpdate struct {
	GroupID      string
	Action       string
	Participants []string
}

// MessageKind classifies an inbound message's content.
type MessageKind string

const (
	KindText         MessageKind = "text"
	KindImage        MessageKind = "image"
	KindVideo        MessageKind = "video"
	KindAudio        MessageKind = "audio"
	KindSticker      MessageKind = "sticker"
	KindDocument     MessageKind = "document"
	KindContact      MessageKind = "contact"
	KindLocation     MessageKind = "location"
	KindLiveLocation MessageKind = "live_location"
	KindPoll         MessageKind = "poll"
	KindUnknown      MessageKind = "unknown"
)

// HasMedia reports whether the kind carries downloadable binary content.
func (k MessageKind) HasMedia() bool {
	switch k {
	case KindImage, KindVideo, KindAudio, KindSticker, KindDocument:
		return true
	}
	return false
}

// InboundMessage is a normalized received message.
type InboundMessage struct {
	ID       string
	ChatJID  string // origin address
	Sender   string
	PushName string
	Kind     MessageKind

	Text    string
	Caption string

	MimeType string
	FileName string
	PTT      bool

	VCard string

	Latitude  float64
	Longitude float64
	Live      *LiveLocation

	// MediaRef is an implementation-owned handle used by DownloadMedia.
	MediaRef any
}

// LiveLocation carries the extra fields of a live-location share.
type LiveLocation struct {
	AccuracyMeters int32
	SpeedMps       float32
	DegreesNorth   int32
	Caption        string
	SequenceNumber int64
	TimeOffset     int32
}

// Location is a static coordinate pair.
type Location struct {
	Latitude  float64
	Longitude float64
}

// Poll describes a poll creation payload.
type Poll struct {
	Name            string
	Options         []string
	SelectableCount int
}

// SendPayload is the union of everything a session can send. Kind selects
// which fields are read.
type SendPayload struct {
	Kind MessageKind

	Text    string
	Caption string

	Data     []byte
	MimeType string
	FileName string
	PTT      bool

	VCard       string
	DisplayName string

	Location *Location
	Live     *LiveLocation
	Poll     *Poll
}

// Conn is one live, event-emitting session against the messaging network.
// Handles are owned exclusively by the session orchestrator.
type Conn interface {
	// Events returns the connection's event stream. The channel is closed
	// after the terminal EventClosed is delivered.
	Events() <-chan Event

	// Send delivers a payload to a fully-qualified address and returns the
	// server-assigned message id.
	Send(ctx context.Context, to string, payload SendPayload) (string, error)

	// IsRegistered reports whether a non-group address maps to an account
	// on the network.
	IsRegistered(ctx context.Context, address string) (bool, error)

	// RequestPairingCode starts phone-number pairing for an E.164 number.
	RequestPairingCode(ctx context.Context, e164 string) (string, error)

	// FetchGroups pulls the full current set of participating groups.
	FetchGroups(ctx context.Context) (map[string]*GroupInfo, error)

	// FetchAvatar returns the avatar URL for a user or group id.
	FetchAvatar(ctx context.Context, id string) (string, error)

	// DownloadMedia fetches the binary content of a media message.
	DownloadMedia(ctx context.Context, msg *InboundMessage) ([]byte, error)

	// SelfJID returns the session's own normalized address, or "" before
	// the connection opens.
	SelfJID() string

	// SelfName returns the session's own display name.
	SelfName() string

	// Logout performs a protocol-level logout, invalidating credentials
	// on the server side.
	Logout(ctx context.Context) error

	// Close terminates the connection locally. The reason is echoed back
	// on the event stream as the terminal EventClosed.
	Close(reason DisconnectReason)
}

// Dialer creates connections and owns the credential material backing them.
type Dialer interface {
	// Dial starts a session for a user. The returned Conn emits EventQR
	// events until authenticated, then EventOpen.
	Dial(ctx context.Context, userID string) (Conn, error)

	// PurgeCredentials deletes all persisted authentication material for
	// a user.
	PurgeCredentials(userID string) error
}
