package wa

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hmartins/wagate/internal/transport"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
)

// eventBuffer bounds the connection's outbound event channel. The
// orchestrator drains it continuously; the buffer only absorbs bursts.
const eventBuffer = 64

// conn is one live whatsmeow session exposed through transport.Conn.
type conn struct {
	userID string
	client *whatsmeow.Client
	logger *zap.Logger

	events chan transport.Event

	mu     sync.Mutex
	closed bool
}

func newConn(userID string, client *whatsmeow.Client, logger *zap.Logger) *conn {
	return &conn{
		userID: userID,
		client: client,
		logger: logger,
		events: make(chan transport.Event, eventBuffer),
	}
}

func (c *conn) Events() <-chan transport.Event {
	return c.events
}

// emit delivers an event to the consumer. After the terminal EventClosed
// everything else is dropped, and EventClosed itself closes the channel.
func (c *conn) emit(evt transport.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if evt.Kind == transport.EventClosed {
		c.closed = true
		select {
		case c.events <- evt:
		default:
			c.logger.Warn("event buffer full, close event dropped")
		}
		close(c.events)
		return
	}
	select {
	case c.events <- evt:
	default:
		c.logger.Warn("event buffer full, event dropped", zap.String("kind", string(evt.Kind)))
	}
}

// handleEvent is the whatsmeow event handler. It translates client events
// into the transport's domain events.
func (c *conn) handleEvent(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Connected:
		c.emit(transport.Event{Kind: transport.EventOpen})

	case *events.LoggedOut:
		c.logger.Warn("logged out by server", zap.String("reason", evt.Reason.String()))
		c.emit(transport.Event{Kind: transport.EventClosed, Reason: transport.ReasonUnauthorized})

	case *events.StreamReplaced:
		c.emit(transport.Event{Kind: transport.EventClosed, Reason: transport.ReasonBadSession})

	case *events.ClientOutdated:
		c.emit(transport.Event{Kind: transport.EventClosed, Reason: transport.ReasonBadSession})

	case *events.Disconnected:
		c.emit(transport.Event{Kind: transport.EventClosed, Reason: transport.ReasonUnknown})

	case *events.ConnectFailure:
		c.logger.Warn("connect failure", zap.String("reason", evt.Reason.String()))
		c.emit(transport.Event{Kind: transport.EventClosed, Reason: transport.ReasonUnknown})

	case *events.Message:
		if evt.Info.IsFromMe {
			return
		}
		c.emit(transport.Event{Kind: transport.EventMessage, Message: parseMessage(evt)})

	case *events.JoinedGroup:
		c.emit(transport.Event{
			Kind:   transport.EventGroupsUpserted,
			Groups: []*transport.GroupInfo{convertGroupInfo(&evt.GroupInfo)},
		})

	case *events.GroupInfo:
		c.handleGroupInfo(evt)
	}
}

// handleGroupInfo splits a whatsmeow group change into metadata patches and
// participant updates.
func (c *conn) handleGroupInfo(evt *events.GroupInfo) {
	groupID := evt.JID.String()

	if evt.Name != nil {
		subject := evt.Name.Name
		c.emit(transport.Event{
			Kind:         transport.EventGroupsUpdated,
			GroupPatches: []*transport.GroupPatch{{ID: groupID, Subject: &subject}},
		})
	}

	if len(evt.Join) > 0 {
		c.emit(transport.Event{
			Kind: transport.EventParticipantsUpdated,
			Participants: &transport.ParticipantsUpdate{
				GroupID:      groupID,
				Action:       transport.ParticipantAdd,
				Participants: jidStrings(evt.Join),
			},
		})
	}
	if len(evt.Leave) > 0 {
		c.emit(transport.Event{
			Kind: transport.EventParticipantsUpdated,
			Participants: &transport.ParticipantsUpdate{
				GroupID:      groupID,
				Action:       transport.ParticipantRemove,
				Participants: jidStrings(evt.Leave),
			},
		})
	}
}

// pumpQR relays pairing codes from the QR channel. A timeout is surfaced as
// a terminal close so the owner can stop waiting; whatsmeow has already torn
// the socket down by then.
func (c *conn) pumpQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case "code":
			c.emit(transport.Event{Kind: transport.EventQR, QR: item.Code})
		case "success":
			// events.Connected delivers the open.
			return
		case "timeout":
			c.emit(transport.Event{Kind: transport.EventClosed, Reason: transport.ReasonTimedOut})
			return
		default:
			if item.Error != nil {
				c.logger.Warn("qr channel error", zap.Error(item.Error))
				c.emit(transport.Event{Kind: transport.EventClosed, Reason: transport.ReasonUnknown})
				return
			}
		}
	}
}

func (c *conn) Send(ctx context.Context, to string, payload transport.SendPayload) (string, error) {
	jid, err := parseRecipient(to)
	if err != nil {
		return "", err
	}
	msg, err := c.buildMessage(ctx, payload)
	if err != nil {
		return "", err
	}
	resp, err := c.client.SendMessage(ctx, jid, msg)
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return resp.ID, nil
}

func (c *conn) IsRegistered(ctx context.Context, address string) (bool, error) {
	resp, err := c.client.IsOnWhatsApp(ctx, []string{address})
	if err != nil {
		return false, fmt.Errorf("check registration: %w", err)
	}
	if len(resp) == 0 {
		return false, nil
	}
	return resp[0].IsIn, nil
}

func (c *conn) RequestPairingCode(ctx context.Context, e164 string) (string, error) {
	code, err := c.client.PairPhone(ctx, e164, true, whatsmeow.PairClientChrome, "Chrome (Linux)")
	if err != nil {
		return "", fmt.Errorf("request pairing code: %w", err)
	}
	return code, nil
}

func (c *conn) FetchGroups(ctx context.Context) (map[string]*transport.GroupInfo, error) {
	groups, err := c.client.GetJoinedGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("get joined groups: %w", err)
	}
	out := make(map[string]*transport.GroupInfo, len(groups))
	for _, g := range groups {
		info := convertGroupInfo(g)
		out[info.ID] = info
	}
	return out, nil
}

func (c *conn) FetchAvatar(ctx context.Context, id string) (string, error) {
	jid, err := types.ParseJID(id)
	if err != nil {
		return "", fmt.Errorf("parse jid: %w", err)
	}
	info, err := c.client.GetProfilePictureInfo(ctx, jid, &whatsmeow.GetProfilePictureParams{})
	if err != nil {
		if errors.Is(err, whatsmeow.ErrProfilePictureNotSet) ||
			errors.Is(err, whatsmeow.ErrProfilePictureUnauthorized) {
			return "", transport.ErrAvatarNotFound
		}
		return "", fmt.Errorf("get profile picture: %w", err)
	}
	if info == nil || info.URL == "" {
		return "", transport.ErrAvatarNotFound
	}
	return info.URL, nil
}

func (c *conn) DownloadMedia(ctx context.Context, msg *transport.InboundMessage) ([]byte, error) {
	raw, ok := msg.MediaRef.(*waE2E.Message)
	if !ok {
		return nil, fmt.Errorf("message %s carries no downloadable media", msg.ID)
	}
	data, err := c.client.DownloadAny(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("download media: %w", err)
	}
	return data, nil
}

func (c *conn) SelfJID() string {
	if c.client.Store.ID == nil {
		return ""
	}
	return c.client.Store.ID.ToNonAD().String()
}

func (c *conn) SelfName() string {
	return c.client.Store.PushName
}

func (c *conn) Logout(ctx context.Context) error {
	return c.client.Logout(ctx)
}

// Close tears the socket down and echoes the reason as the terminal event.
// Safe to call more than once.
func (c *conn) Close(reason transport.DisconnectReason) {
	c.client.Disconnect()
	c.emit(transport.Event{Kind: transport.EventClosed, Reason: reason})
}

func convertGroupInfo(g *types.GroupInfo) *transport.GroupInfo {
	info := &transport.GroupInfo{
		ID:          g.JID.String(),
		Subject:     g.Name,
		OwnerJID:    g.OwnerJID.String(),
		IsCommunity: g.IsParent,
	}
	for _, p := range g.Participants {
		info.Participants = append(info.Participants, transport.Participant{
			ID:           p.JID.ToNonAD().String(),
			IsAdmin:      p.IsAdmin,
			IsSuperAdmin: p.IsSuperAdmin,
		})
	}
	return info
}

func jidStrings(jids []types.JID) []string {
	out := make([]string, len(jids))
	for i, j := range jids {
		out[i] = j.ToNonAD().String()
	}
	return out
}

// parseRecipient parses a fully-qualified address, defaulting bare numbers
// to the user server.
func parseRecipient(to string) (types.JID, error) {
	jid, err := types.ParseJID(to)
	if err != nil {
		jid = types.NewJID(to, types.DefaultUserServer)
	}
	if jid.User == "" {
		return types.JID{}, fmt.Errorf("invalid recipient %q", to)
	}
	return jid, nil
}
