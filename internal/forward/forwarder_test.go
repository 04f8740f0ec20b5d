package forward

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hmartins/wagate/internal/bus"
	"github.com/hmartins/wagate/internal/store"
	"github.com/hmartins/wagate/internal/transport"
	"go.uber.org/zap"
)

type forwardConn struct {
	mu        sync.Mutex
	sent      []sentMessage
	failTo    string
	mediaData []byte
	mediaErr  error
}

type sentMessage struct {
	to      string
	payload transport.SendPayload
}

func (c *forwardConn) Events() <-chan transport.Event { return nil }

func (c *forwardConn) Send(_ context.Context, to string, payload transport.SendPayload) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if to == c.failTo {
		return "", errors.New("send refused")
	}
	c.sent = append(c.sent, sentMessage{to: to, payload: payload})
	return "SRV-1", nil
}

func (c *forwardConn) IsRegistered(context.Context, string) (bool, error) { return true, nil }

func (c *forwardConn) RequestPairingCode(context.Context, string) (string, error) {
	return "", errors.New("not implemented")
}

func (c *forwardConn) FetchGroups(context.Context) (map[string]*transport.GroupInfo, error) {
	return nil, errors.New("not implemented")
}

func (c *forwardConn) FetchAvatar(context.Context, string) (string, error) {
	return "", transport.ErrAvatarNotFound
}

func (c *forwardConn) DownloadMedia(context.Context, *transport.InboundMessage) ([]byte, error) {
	if c.mediaErr != nil {
		return nil, c.mediaErr
	}
	return c.mediaData, nil
}

func (c *forwardConn) SelfJID() string                  { return "5511999999999@s.whatsapp.net" }
func (c *forwardConn) SelfName() string                 { return "Tester" }
func (c *forwardConn) Logout(context.Context) error     { return nil }
func (c *forwardConn) Close(transport.DisconnectReason) {}

func (c *forwardConn) sentCopy() []sentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]sentMessage, len(c.sent))
	copy(out, c.sent)
	return out
}

type liveSessions struct {
	conn transport.Conn
}

func (s *liveSessions) Live(string) (transport.Conn, bool) {
	if s.conn == nil {
		return nil, false
	}
	return s.conn, true
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func insertRule(t *testing.T, db *store.DB, userID, from, to string) {
	t.Helper()
	err := db.InsertRoutingRule(&store.RoutingRule{
		ID:        uuid.NewString(),
		UserID:    userID,
		FromJID:   from,
		ToJID:     to,
		CreatedAt: time.Now().UnixMilli(),
	})
	if err != nil {
		t.Fatal(err)
	}
}

func testForwarder(t *testing.T, conn transport.Conn) (*Forwarder, *store.DB) {
	t.Helper()
	db := testDB(t)
	f := New(db, &liveSessions{conn: conn}, bus.New(), t.TempDir(), zap.NewNop())
	return f, db
}

func TestForwardTextPerRule(t *testing.T) {
	conn := &forwardConn{}
	f, db := testForwarder(t, conn)
	insertRule(t, db, "u1", "origin@g.us", "dest1@g.us")
	insertRule(t, db, "u1", "origin@g.us", "dest2@g.us")
	insertRule(t, db, "u1", "other@g.us", "dest3@g.us")

	f.handle(context.Background(), "u1", &transport.InboundMessage{
		ID:      "m1",
		ChatJID: "origin@g.us",
		Kind:    transport.KindText,
		Text:    "hello",
	})

	sent := conn.sentCopy()
	if len(sent) != 2 {
		t.Fatalf("forwards = %d, want 2", len(sent))
	}
	targets := map[string]bool{}
	for _, s := range sent {
		targets[s.to] = true
		if s.payload.Kind != transport.KindText || s.payload.Text != "hello" {
			t.Errorf("payload = %+v", s.payload)
		}
	}
	if !targets["dest1@g.us"] || !targets["dest2@g.us"] {
		t.Errorf("targets = %v", targets)
	}
}

func TestForwardNoMatchingRule(t *testing.T) {
	conn := &forwardConn{}
	f, db := testForwarder(t, conn)
	insertRule(t, db, "u1", "other@g.us", "dest@g.us")

	f.handle(context.Background(), "u1", &transport.InboundMessage{
		ChatJID: "origin@g.us",
		Kind:    transport.KindText,
		Text:    "hello",
	})

	if len(conn.sentCopy()) != 0 {
		t.Error("nothing should be forwarded without a matching rule")
	}
}

func TestForwardSkipsPolls(t *testing.T) {
	conn := &forwardConn{}
	f, db := testForwarder(t, conn)
	insertRule(t, db, "u1", "origin@g.us", "dest@g.us")

	f.handle(context.Background(), "u1", &transport.InboundMessage{
		ChatJID: "origin@g.us",
		Kind:    transport.KindPoll,
	})

	if len(conn.sentCopy()) != 0 {
		t.Error("polls must not be forwarded")
	}
}

func TestForwardSkipsUnknownKinds(t *testing.T) {
	conn := &forwardConn{}
	f, db := testForwarder(t, conn)
	insertRule(t, db, "u1", "origin@g.us", "dest@g.us")

	f.handle(context.Background(), "u1", &transport.InboundMessage{
		ChatJID: "origin@g.us",
		Kind:    transport.KindUnknown,
	})

	if len(conn.sentCopy()) != 0 {
		t.Error("unknown kinds must not be forwarded")
	}
}

func TestForwardDroppedWithoutLiveSession(t *testing.T) {
	db := testDB(t)
	f := New(db, &liveSessions{}, bus.New(), t.TempDir(), zap.NewNop())
	insertRule(t, db, "u1", "origin@g.us", "dest@g.us")

	// Must not panic; the message is simply dropped.
	f.handle(context.Background(), "u1", &transport.InboundMessage{
		ChatJID: "origin@g.us",
		Kind:    transport.KindText,
		Text:    "hello",
	})
}

func TestForwardMediaStagesAndCleansUp(t *testing.T) {
	conn := &forwardConn{mediaData: []byte("jpeg-bytes")}
	db := testDB(t)
	mediaDir := t.TempDir()
	f := New(db, &liveSessions{conn: conn}, bus.New(), mediaDir, zap.NewNop())
	insertRule(t, db, "u1", "origin@g.us", "dest@g.us")

	f.handle(context.Background(), "u1", &transport.InboundMessage{
		ChatJID:  "origin@g.us",
		Kind:     transport.KindImage,
		Caption:  "look",
		MimeType: "image/jpeg",
	})

	sent := conn.sentCopy()
	if len(sent) != 1 {
		t.Fatalf("forwards = %d, want 1", len(sent))
	}
	p := sent[0].payload
	if p.Kind != transport.KindImage || string(p.Data) != "jpeg-bytes" {
		t.Errorf("payload = %+v", p)
	}
	if p.Caption != "look" || p.MimeType != "image/jpeg" {
		t.Errorf("metadata = %q/%q", p.Caption, p.MimeType)
	}

	entries, err := os.ReadDir(mediaDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("staged files left behind: %d", len(entries))
	}
}

func TestForwardFailureIsolation(t *testing.T) {
	conn := &forwardConn{failTo: "dest1@g.us"}
	f, db := testForwarder(t, conn)
	insertRule(t, db, "u1", "origin@g.us", "dest1@g.us")
	insertRule(t, db, "u1", "origin@g.us", "dest2@g.us")

	f.handle(context.Background(), "u1", &transport.InboundMessage{
		ChatJID: "origin@g.us",
		Kind:    transport.KindText,
		Text:    "hello",
	})

	sent := conn.sentCopy()
	if len(sent) != 1 || sent[0].to != "dest2@g.us" {
		t.Errorf("sent = %+v, want the surviving destination only", sent)
	}
}

func TestForwardLiveLocationWithoutDetails(t *testing.T) {
	conn := &forwardConn{}
	f, db := testForwarder(t, conn)
	insertRule(t, db, "u1", "origin@g.us", "dest@g.us")

	f.handle(context.Background(), "u1", &transport.InboundMessage{
		ChatJID:   "origin@g.us",
		Kind:      transport.KindLiveLocation,
		Latitude:  -23.55,
		Longitude: -46.63,
	})

	sent := conn.sentCopy()
	if len(sent) != 1 {
		t.Fatalf("forwards = %d, want 1", len(sent))
	}
	p := sent[0].payload
	if p.Kind != transport.KindLocation || p.Location == nil {
		t.Fatalf("payload = %+v, want plain location fallback", p)
	}
	if p.Location.Latitude != -23.55 || p.Location.Longitude != -46.63 {
		t.Errorf("coords = %v/%v", p.Location.Latitude, p.Location.Longitude)
	}
}

func TestStartConsumesInboundStream(t *testing.T) {
	conn := &forwardConn{}
	db := testDB(t)
	b := bus.New()
	f := New(db, &liveSessions{conn: conn}, b, t.TempDir(), zap.NewNop())
	insertRule(t, db, "u1", "origin@g.us", "dest@g.us")

	f.Start(context.Background())
	defer f.Stop()

	b.Publish(bus.Event{
		Kind:      bus.InboundTopic("u1"),
		UserID:    "u1",
		Timestamp: time.Now(),
		Payload: &transport.InboundMessage{
			ChatJID: "origin@g.us",
			Kind:    transport.KindText,
			Text:    "hello",
		},
	})

	deadline := time.Now().Add(2 * time.Second)
	for len(conn.sentCopy()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("published message was not forwarded")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
