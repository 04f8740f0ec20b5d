package message

import (
	"context"
	"encoding/base64"
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/hmartins/wagate/internal/store"
	"github.com/hmartins/wagate/internal/transport"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

type sendConn struct {
	mu           sync.Mutex
	sent         []string
	payloads     []transport.SendPayload
	nextID       int
	unregistered map[string]bool
	failTo       string
}

func (c *sendConn) Events() <-chan transport.Event { return nil }

func (c *sendConn) Send(_ context.Context, to string, payload transport.SendPayload) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if to == c.failTo {
		return "", errors.New("send refused")
	}
	c.nextID++
	c.sent = append(c.sent, to)
	c.payloads = append(c.payloads, payload)
	return "SRV-" + strconv.Itoa(c.nextID), nil
}

func (c *sendConn) IsRegistered(_ context.Context, address string) (bool, error) {
	return !c.unregistered[address], nil
}

func (c *sendConn) RequestPairingCode(context.Context, string) (string, error) {
	return "", errors.New("not implemented")
}

func (c *sendConn) FetchGroups(context.Context) (map[string]*transport.GroupInfo, error) {
	return nil, errors.New("not implemented")
}

func (c *sendConn) FetchAvatar(context.Context, string) (string, error) {
	return "", transport.ErrAvatarNotFound
}

func (c *sendConn) DownloadMedia(context.Context, *transport.InboundMessage) ([]byte, error) {
	return nil, errors.New("not implemented")
}

func (c *sendConn) SelfJID() string                  { return "5511999999999@s.whatsapp.net" }
func (c *sendConn) SelfName() string                 { return "Tester" }
func (c *sendConn) Logout(context.Context) error     { return nil }
func (c *sendConn) Close(transport.DisconnectReason) {}

type stubSessions struct {
	conn      *sendConn
	ensureErr error
}

func (s *stubSessions) Ensure(context.Context, string) (transport.Conn, error) {
	if s.ensureErr != nil {
		return nil, s.ensureErr
	}
	return s.conn, nil
}

func (s *stubSessions) IsConnected(string) bool { return s.ensureErr == nil }

func testService(t *testing.T, conn *sendConn) (*Service, *store.DB, clockwork.Clock) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	clock := clockwork.NewFakeClock()
	svc := NewService(db, &stubSessions{conn: conn}, clock, 0, zap.NewNop())
	return svc, db, clock
}

func textRequest(recipients ...string) SendRequest {
	return SendRequest{
		UserID:     "u1",
		Recipients: recipients,
		Type:       TypeText,
		Content:    Content{Text: "hello"},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     SendRequest
		wantErr bool
	}{
		{"valid text", textRequest("5511888888888"), false},
		{"missing user", SendRequest{Recipients: []string{"x"}, Type: TypeText, Content: Content{Text: "hi"}}, true},
		{"no recipients", SendRequest{UserID: "u1", Type: TypeText, Content: Content{Text: "hi"}}, true},
		{"missing type", SendRequest{UserID: "u1", Recipients: []string{"x"}}, true},
		{"text without text", SendRequest{UserID: "u1", Recipients: []string{"x"}, Type: TypeText}, true},
		{"media without media", SendRequest{UserID: "u1", Recipients: []string{"x"}, Type: TypeMedia}, true},
		{"poll without options", SendRequest{UserID: "u1", Recipients: []string{"x"}, Type: TypePoll,
			Content: Content{Poll: &Poll{Name: "q", Options: []string{"only"}}}}, true},
		{"valid poll", SendRequest{UserID: "u1", Recipients: []string{"x"}, Type: TypePoll,
			Content: Content{Poll: &Poll{Name: "q", Options: []string{"a", "b"}}}}, false},
		{"unknown type", SendRequest{UserID: "u1", Recipients: []string{"x"}, Type: "gif"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSendImmediate(t *testing.T) {
	conn := &sendConn{}
	svc, _, _ := testService(t, conn)

	res, err := svc.Send(context.Background(), textRequest("5511888888888", "group@g.us"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != store.StatusSent {
		t.Errorf("status = %q, want sent", res.Status)
	}
	if res.MessageID != "SRV-2" {
		t.Errorf("id = %q, want the last recipient's id", res.MessageID)
	}
	if len(conn.sent) != 2 {
		t.Fatalf("sends = %d, want 2", len(conn.sent))
	}
	if conn.sent[0] != "5511888888888@s.whatsapp.net" {
		t.Errorf("recipient = %q, want qualified address", conn.sent[0])
	}
	if conn.sent[1] != "group@g.us" {
		t.Errorf("group recipient = %q, must pass through unchanged", conn.sent[1])
	}
}

func TestSendSkipsUnregisteredRecipients(t *testing.T) {
	conn := &sendConn{unregistered: map[string]bool{"5511777777777@s.whatsapp.net": true}}
	svc, _, _ := testService(t, conn)

	res, err := svc.Send(context.Background(), textRequest("5511777777777", "5511888888888"))
	if err != nil {
		t.Fatal(err)
	}
	if len(conn.sent) != 1 || conn.sent[0] != "5511888888888@s.whatsapp.net" {
		t.Errorf("sent = %v, unregistered recipient must be skipped", conn.sent)
	}
	if res.Status != store.StatusSent {
		t.Errorf("status = %q, want sent (last recipient succeeded)", res.Status)
	}
}

func TestSendAllRecipientsInvalid(t *testing.T) {
	conn := &sendConn{unregistered: map[string]bool{"5511777777777@s.whatsapp.net": true}}
	svc, _, _ := testService(t, conn)

	res, err := svc.Send(context.Background(), textRequest("5511777777777"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != store.StatusFailed {
		t.Errorf("status = %q, want failed", res.Status)
	}
	if res.MessageID != fallbackMessageID {
		t.Errorf("id = %q, want fallback id", res.MessageID)
	}
}

func TestSendLastStatusWins(t *testing.T) {
	conn := &sendConn{failTo: "5511888888888@s.whatsapp.net"}
	svc, _, _ := testService(t, conn)

	// First recipient succeeds, second fails: the batch reports failed.
	res, err := svc.Send(context.Background(), textRequest("5511999999999", "5511888888888"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != store.StatusFailed {
		t.Errorf("status = %q, want failed", res.Status)
	}
	if res.MessageID != "SRV-1" {
		t.Errorf("id = %q, want the successful recipient's id preserved", res.MessageID)
	}
}

func TestSendEnsureFailure(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	svc := NewService(db, &stubSessions{ensureErr: errors.New("dial failed")},
		clockwork.NewFakeClock(), 0, zap.NewNop())

	if _, err := svc.Send(context.Background(), textRequest("5511888888888")); err == nil {
		t.Error("expected the session error to surface")
	}
}

func TestSendFutureDateSchedules(t *testing.T) {
	conn := &sendConn{}
	svc, db, clock := testService(t, conn)

	req := textRequest("5511888888888")
	req.ScheduleDate = clock.Now().Add(time.Hour)

	res, err := svc.Send(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != store.StatusPending {
		t.Errorf("status = %q, want pending", res.Status)
	}
	if len(conn.sent) != 0 {
		t.Error("scheduled message must not be sent immediately")
	}

	id, err := strconv.ParseInt(res.MessageID, 10, 64)
	if err != nil {
		t.Fatalf("id = %q, want the store-assigned row id", res.MessageID)
	}
	pending, err := db.PendingScheduledMessages()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ID != id {
		t.Fatalf("pending = %+v", pending)
	}
	if pending[0].ScheduleDate != req.ScheduleDate.UnixMilli() {
		t.Errorf("schedule date = %d, want %d", pending[0].ScheduleDate, req.ScheduleDate.UnixMilli())
	}
}

func TestSendPastDateSendsNow(t *testing.T) {
	conn := &sendConn{}
	svc, db, clock := testService(t, conn)

	req := textRequest("5511888888888")
	req.ScheduleDate = clock.Now().Add(-time.Hour)

	res, err := svc.Send(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != store.StatusSent {
		t.Errorf("status = %q, want sent", res.Status)
	}
	pending, err := db.PendingScheduledMessages()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Error("past-dated request must not be queued")
	}
}

func TestListScheduledDecodesPayload(t *testing.T) {
	conn := &sendConn{}
	svc, _, clock := testService(t, conn)

	req := SendRequest{
		UserID:       "u1",
		Recipients:   []string{"5511888888888", "group@g.us"},
		Type:         TypePoll,
		Content:      Content{Poll: &Poll{Name: "lunch?", Options: []string{"yes", "no"}, SelectableOptionsCount: 1}},
		ScheduleDate: clock.Now().Add(time.Hour),
	}
	if _, err := svc.Send(context.Background(), req); err != nil {
		t.Fatal(err)
	}

	list, err := svc.ListScheduled("u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("len = %d, want 1", len(list))
	}
	m := list[0]
	if m.Type != TypePoll || m.Content.Poll == nil || m.Content.Poll.Name != "lunch?" {
		t.Errorf("content = %+v", m.Content)
	}
	if len(m.Recipients) != 2 {
		t.Errorf("recipients = %v", m.Recipients)
	}
	if m.Status != store.StatusPending {
		t.Errorf("status = %q", m.Status)
	}
}

func TestDeleteScheduled(t *testing.T) {
	conn := &sendConn{}
	svc, _, clock := testService(t, conn)

	req := textRequest("5511888888888")
	req.ScheduleDate = clock.Now().Add(time.Hour)
	res, err := svc.Send(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	id, _ := strconv.ParseInt(res.MessageID, 10, 64)

	if err := svc.DeleteScheduled(id); err != nil {
		t.Fatal(err)
	}
	if err := svc.DeleteScheduled(id); !errors.Is(err, ErrScheduledNotFound) {
		t.Errorf("second delete err = %v, want ErrScheduledNotFound", err)
	}
}

func TestBuildPayloadMediaBuffer(t *testing.T) {
	data := []byte{0xff, 0xd8, 0xff, 0xe0}
	content := Content{
		Media:   &Media{Buffer: base64.StdEncoding.EncodeToString(data), FileName: "photo.jpg"},
		Caption: "look",
	}

	payload, err := BuildPayload(context.Background(), TypeMedia, content)
	if err != nil {
		t.Fatal(err)
	}
	if payload.Kind != transport.KindImage {
		t.Errorf("kind = %q, want image from .jpg", payload.Kind)
	}
	if string(payload.Data) != string(data) {
		t.Error("decoded bytes do not match")
	}
	if payload.MimeType != "image/jpeg" || payload.Caption != "look" {
		t.Errorf("mime = %q caption = %q", payload.MimeType, payload.Caption)
	}
}

func TestBuildPayloadMediaKinds(t *testing.T) {
	tests := []struct {
		filename string
		want     transport.MessageKind
		mime     string
	}{
		{"clip.mp4", transport.KindVideo, "video/mp4"},
		{"song.mp3", transport.KindAudio, "audio/mpeg"},
		{"report.pdf", transport.KindDocument, "application/pdf"},
		{"archive.zip", transport.KindDocument, "application/octet-stream"},
	}
	for _, tt := range tests {
		content := Content{Media: &Media{Buffer: base64.StdEncoding.EncodeToString([]byte("x")), FileName: tt.filename}}
		payload, err := BuildPayload(context.Background(), TypeMedia, content)
		if err != nil {
			t.Fatal(err)
		}
		if payload.Kind != tt.want || payload.MimeType != tt.mime {
			t.Errorf("%s: kind = %q mime = %q, want %q/%q", tt.filename, payload.Kind, payload.MimeType, tt.want, tt.mime)
		}
	}
}

func TestBuildPayloadMediaRequiresSource(t *testing.T) {
	if _, err := BuildPayload(context.Background(), TypeMedia, Content{Media: &Media{}}); err == nil {
		t.Error("media without url or buffer should fail")
	}
	if _, err := BuildPayload(context.Background(), TypeMedia, Content{
		Media: &Media{Buffer: "not-base64!!"},
	}); err == nil {
		t.Error("invalid base64 should fail")
	}
}
