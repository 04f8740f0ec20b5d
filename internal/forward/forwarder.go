// Package forward mirrors inbound messages to other chats according to the
// user's routing rules.
package forward

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/hmartins/wagate/internal/bus"
	"github.com/hmartins/wagate/internal/store"
	"github.com/hmartins/wagate/internal/transport"
	"go.uber.org/zap"
)

// Sessions provides the live connection the forwarded copy is sent on.
type Sessions interface {
	Live(userID string) (transport.Conn, bool)
}

// Forwarder consumes the inbound message stream and re-sends each message
// once per matching routing rule. Rules are independent: a failed forward
// for one destination never blocks the others.
type Forwarder struct {
	db       *store.DB
	sessions Sessions
	bus      *bus.Bus
	mediaDir string
	logger   *zap.Logger

	cancel context.CancelFunc
}

// New creates the forwarder. mediaDir is the staging area for downloaded
// media files; each file is removed after the forwards complete.
func New(db *store.DB, sessions Sessions, b *bus.Bus, mediaDir string, logger *zap.Logger) *Forwarder {
	return &Forwarder{
		db:       db,
		sessions: sessions,
		bus:      b,
		mediaDir: mediaDir,
		logger:   logger,
	}
}

// Start subscribes to the inbound stream for all users.
func (f *Forwarder) Start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)
	events, unsubscribe := f.bus.Subscribe(bus.InboundPrefix, 256)
	go func() {
		defer unsubscribe()
		for {
			select {
			case evt := <-events:
				msg, ok := evt.Payload.(*transport.InboundMessage)
				if !ok {
					continue
				}
				f.handle(ctx, evt.UserID, msg)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the consume loop.
func (f *Forwarder) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
}

func (f *Forwarder) handle(ctx context.Context, userID string, msg *transport.InboundMessage) {
	rules, err := f.db.RoutingRulesByOrigin(userID, msg.ChatJID)
	if err != nil {
		f.logger.Error("load routing rules", zap.String("user_id", userID), zap.Error(err))
		return
	}
	if len(rules) == 0 {
		return
	}

	if msg.Kind == transport.KindPoll {
		f.logger.Info("poll message not forwarded",
			zap.String("user_id", userID), zap.String("from", msg.ChatJID))
		return
	}

	conn, ok := f.sessions.Live(userID)
	if !ok {
		f.logger.Warn("no live session, forwards dropped",
			zap.String("user_id", userID), zap.String("from", msg.ChatJID))
		return
	}

	payload, cleanup, err := f.buildPayload(ctx, conn, msg)
	if cleanup != nil {
		defer cleanup()
	}
	if err != nil {
		f.logger.Error("build forward payload",
			zap.String("user_id", userID),
			zap.String("message_id", msg.ID),
			zap.Error(err))
		return
	}
	if payload == nil {
		f.logger.Info("unsupported message kind not forwarded",
			zap.String("user_id", userID), zap.String("kind", string(msg.Kind)))
		return
	}

	for _, rule := range rules {
		if _, err := conn.Send(ctx, rule.ToJID, *payload); err != nil {
			f.logger.Error("forward failed",
				zap.String("user_id", userID),
				zap.String("rule_id", rule.ID),
				zap.String("to", rule.ToJID),
				zap.Error(err))
			continue
		}
		f.logger.Info("message forwarded",
			zap.String("user_id", userID),
			zap.String("from", msg.ChatJID),
			zap.String("to", rule.ToJID))
	}
}

// buildPayload reconstructs a sendable payload from an inbound message.
// A nil payload with nil error means the kind is not forwardable. Media
// kinds stage the content through a temp file so oversized downloads never
// sit in memory twice; cleanup removes it.
func (f *Forwarder) buildPayload(ctx context.Context, conn transport.Conn,
	msg *transport.InboundMessage) (*transport.SendPayload, func(), error) {
	switch {
	case msg.Kind == transport.KindText:
		return &transport.SendPayload{Kind: transport.KindText, Text: msg.Text}, nil, nil

	case msg.Kind.HasMedia():
		data, err := conn.DownloadMedia(ctx, msg)
		if err != nil {
			return nil, nil, fmt.Errorf("download media: %w", err)
		}
		tempPath := filepath.Join(f.mediaDir, uuid.NewString())
		if err := os.WriteFile(tempPath, data, 0600); err != nil {
			return nil, nil, fmt.Errorf("stage media: %w", err)
		}
		cleanup := func() {
			if err := os.Remove(tempPath); err != nil {
				f.logger.Warn("remove staged media", zap.String("path", tempPath), zap.Error(err))
			}
		}
		staged, err := os.ReadFile(tempPath)
		if err != nil {
			return nil, cleanup, fmt.Errorf("read staged media: %w", err)
		}
		return &transport.SendPayload{
			Kind:     msg.Kind,
			Data:     staged,
			Caption:  msg.Caption,
			MimeType: msg.MimeType,
			FileName: msg.FileName,
			PTT:      msg.PTT,
		}, cleanup, nil

	case msg.Kind == transport.KindContact:
		return &transport.SendPayload{
			Kind:        transport.KindContact,
			DisplayName: msg.PushName,
			VCard:       msg.VCard,
		}, nil, nil

	case msg.Kind == transport.KindLocation:
		return &transport.SendPayload{
			Kind:     transport.KindLocation,
			Location: &transport.Location{Latitude: msg.Latitude, Longitude: msg.Longitude},
		}, nil, nil

	case msg.Kind == transport.KindLiveLocation:
		if msg.Live == nil {
			return &transport.SendPayload{
				Kind:     transport.KindLocation,
				Location: &transport.Location{Latitude: msg.Latitude, Longitude: msg.Longitude},
			}, nil, nil
		}
		live := *msg.Live
		return &transport.SendPayload{
			Kind:     transport.KindLiveLocation,
			Location: &transport.Location{Latitude: msg.Latitude, Longitude: msg.Longitude},
			Live:     &live,
		}, nil, nil

	default:
		return nil, nil, nil
	}
}
