package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hmartins/wagate/internal/store"
	"github.com/hmartins/wagate/internal/transport"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

type recordingConn struct {
	mu      sync.Mutex
	sent    []string
	sendErr error
}

func (c *recordingConn) Events() <-chan transport.Event { return nil }

func (c *recordingConn) Send(_ context.Context, to string, _ transport.SendPayload) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return "", c.sendErr
	}
	c.sent = append(c.sent, to)
	return "SRV-1", nil
}

func (c *recordingConn) IsRegistered(context.Context, string) (bool, error) { return true, nil }

func (c *recordingConn) RequestPairingCode(context.Context, string) (string, error) {
	return "", errors.New("not implemented")
}

func (c *recordingConn) FetchGroups(context.Context) (map[string]*transport.GroupInfo, error) {
	return nil, errors.New("not implemented")
}

func (c *recordingConn) FetchAvatar(context.Context, string) (string, error) {
	return "", transport.ErrAvatarNotFound
}

func (c *recordingConn) DownloadMedia(context.Context, *transport.InboundMessage) ([]byte, error) {
	return nil, errors.New("not implemented")
}

func (c *recordingConn) SelfJID() string                  { return "5511999999999@s.whatsapp.net" }
func (c *recordingConn) SelfName() string                 { return "Tester" }
func (c *recordingConn) Logout(context.Context) error     { return nil }
func (c *recordingConn) Close(transport.DisconnectReason) {}

type fakeSessions struct {
	conn      *recordingConn
	ensureErr error
	connected bool
}

func (s *fakeSessions) Ensure(context.Context, string) (transport.Conn, error) {
	if s.ensureErr != nil {
		return nil, s.ensureErr
	}
	return s.conn, nil
}

func (s *fakeSessions) IsConnected(string) bool { return s.connected }

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

func insertRow(t *testing.T, db *store.DB, userID string, scheduleDate time.Time) int64 {
	t.Helper()
	id, err := db.InsertScheduledMessage(&store.ScheduledMessage{
		UserID:       userID,
		Type:         "text",
		Content:      `{"text":"hello"}`,
		Recipients:   `["5511888888888"]`,
		ScheduleDate: scheduleDate.UnixMilli(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func rowByID(t *testing.T, db *store.DB, userID string, id int64) store.ScheduledMessage {
	t.Helper()
	rows, err := db.ScheduledMessagesForUser(userID)
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range rows {
		if m.ID == id {
			return m
		}
	}
	t.Fatalf("row %d not found", id)
	return store.ScheduledMessage{}
}

func TestSweepWindowSelection(t *testing.T) {
	db := testDB(t)
	sessions := &fakeSessions{conn: &recordingConn{}, connected: true}
	clock := clockwork.NewFakeClock()
	d := New(db, sessions, clock, time.Minute, 5*time.Minute, 0, zap.NewNop())

	now := clock.Now()
	due := insertRow(t, db, "u1", now.Add(-time.Minute))
	future := insertRow(t, db, "u1", now.Add(time.Hour))
	stale := insertRow(t, db, "u1", now.Add(-time.Hour))

	d.Sweep(context.Background())

	if got := rowByID(t, db, "u1", due).Status; got != store.StatusSent {
		t.Errorf("due row status = %q, want sent", got)
	}
	if got := rowByID(t, db, "u1", future).Status; got != store.StatusPending {
		t.Errorf("future row status = %q, want pending", got)
	}
	if got := rowByID(t, db, "u1", stale).Status; got != store.StatusPending {
		t.Errorf("stale row status = %q, want pending (left for inspection)", got)
	}

	if len(sessions.conn.sent) != 1 {
		t.Fatalf("sends = %d, want 1", len(sessions.conn.sent))
	}
	if sessions.conn.sent[0] != "5511888888888@s.whatsapp.net" {
		t.Errorf("recipient = %q, want qualified address", sessions.conn.sent[0])
	}
}

func TestSweepUserNotConnected(t *testing.T) {
	db := testDB(t)
	sessions := &fakeSessions{conn: &recordingConn{}, connected: false}
	clock := clockwork.NewFakeClock()
	d := New(db, sessions, clock, time.Minute, 5*time.Minute, 0, zap.NewNop())

	id := insertRow(t, db, "u1", clock.Now().Add(-time.Minute))
	d.Sweep(context.Background())

	m := rowByID(t, db, "u1", id)
	if m.Status != store.StatusFailed {
		t.Errorf("status = %q, want failed", m.Status)
	}
	if m.FailedReason != "user not connected" {
		t.Errorf("reason = %q", m.FailedReason)
	}
	if len(sessions.conn.sent) != 0 {
		t.Error("nothing should be sent without an open session")
	}
}

func TestSweepEnsureFailure(t *testing.T) {
	db := testDB(t)
	sessions := &fakeSessions{ensureErr: errors.New("dial failed")}
	clock := clockwork.NewFakeClock()
	d := New(db, sessions, clock, time.Minute, 5*time.Minute, 0, zap.NewNop())

	id := insertRow(t, db, "u1", clock.Now().Add(-time.Minute))
	d.Sweep(context.Background())

	m := rowByID(t, db, "u1", id)
	if m.Status != store.StatusFailed {
		t.Errorf("status = %q, want failed", m.Status)
	}
	if m.FailedReason != "failed to initialize connection" {
		t.Errorf("reason = %q", m.FailedReason)
	}
}

func TestSweepSendFailureIsolation(t *testing.T) {
	db := testDB(t)
	failing := &recordingConn{sendErr: errors.New("send refused")}
	sessions := &fakeSessions{conn: failing, connected: true}
	clock := clockwork.NewFakeClock()
	d := New(db, sessions, clock, time.Minute, 5*time.Minute, 0, zap.NewNop())

	first := insertRow(t, db, "u1", clock.Now().Add(-2*time.Minute))
	second := insertRow(t, db, "u1", clock.Now().Add(-time.Minute))

	d.Sweep(context.Background())

	// Both rows were attempted despite the first one failing.
	if got := rowByID(t, db, "u1", first).Status; got != store.StatusFailed {
		t.Errorf("first status = %q, want failed", got)
	}
	if got := rowByID(t, db, "u1", second).Status; got != store.StatusFailed {
		t.Errorf("second status = %q, want failed", got)
	}
}

func TestSweepUndecodableContent(t *testing.T) {
	db := testDB(t)
	sessions := &fakeSessions{conn: &recordingConn{}, connected: true}
	clock := clockwork.NewFakeClock()
	d := New(db, sessions, clock, time.Minute, 5*time.Minute, 0, zap.NewNop())

	id, err := db.InsertScheduledMessage(&store.ScheduledMessage{
		UserID:       "u1",
		Type:         "text",
		Content:      `{not json`,
		Recipients:   `["5511888888888"]`,
		ScheduleDate: clock.Now().Add(-time.Minute).UnixMilli(),
	})
	if err != nil {
		t.Fatal(err)
	}

	d.Sweep(context.Background())

	m := rowByID(t, db, "u1", id)
	if m.Status != store.StatusFailed {
		t.Errorf("status = %q, want failed", m.Status)
	}
	if len(sessions.conn.sent) != 0 {
		t.Error("undecodable row must not reach the transport")
	}
}

func TestSweepIsExactlyOnce(t *testing.T) {
	db := testDB(t)
	sessions := &fakeSessions{conn: &recordingConn{}, connected: true}
	clock := clockwork.NewFakeClock()
	d := New(db, sessions, clock, time.Minute, 5*time.Minute, 0, zap.NewNop())

	insertRow(t, db, "u1", clock.Now().Add(-time.Minute))

	d.Sweep(context.Background())
	d.Sweep(context.Background())

	if len(sessions.conn.sent) != 1 {
		t.Errorf("sends = %d, want 1 (sent rows leave the pending set)", len(sessions.conn.sent))
	}
}
