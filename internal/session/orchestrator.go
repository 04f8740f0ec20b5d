package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hmartins/wagate/internal/bus"
	"github.com/hmartins/wagate/internal/groups"
	"github.com/hmartins/wagate/internal/store"
	"github.com/hmartins/wagate/internal/transport"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

var (
	// ErrAlreadyConnected is returned when an operation requires a
	// disconnected session but the user's session is open.
	ErrAlreadyConnected = errors.New("user is already connected")
	// ErrNotConnected is returned when an operation requires an open
	// session and one could not be established.
	ErrNotConnected = errors.New("user is not connected")
	// ErrUnauthorized is surfaced to callers waiting on an attempt that
	// ended in an explicit auth rejection.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrAuthenticationExpired is surfaced when the pairing window closes
	// before the QR is scanned.
	ErrAuthenticationExpired = errors.New("authentication expired")
)

// ConnectionStatus is the externally visible view of one user's session.
type ConnectionStatus struct {
	State              State
	Connected          bool
	LastConnectedAt    time.Time
	LastDisconnectedAt time.Time
}

// Orchestrator owns the authoritative lifecycle state per user: it is the
// single mutator of connection status and the live-handle registry. Other
// components never hold a Conn directly; they request operations here.
type Orchestrator struct {
	dialer transport.Dialer
	db     *store.DB
	bus    *bus.Bus
	groups *groups.Cache
	clock  clockwork.Clock
	retry  RetryPolicy
	logger *zap.Logger

	resetInterval time.Duration
	warmupDelay   time.Duration

	mu       sync.Mutex
	sessions map[string]*session
}

type qrResult struct {
	qr  string
	err error
}

// session holds all mutable per-user state. Its mutex serializes lifecycle
// transitions for the user; events for a user are processed one at a time
// because each live connection has exactly one pump goroutine.
type session struct {
	userID string

	mu    sync.Mutex
	state State
	conn  transport.Conn
	gen   int // attempt generation; events from stale conns are ignored

	pendingQR string
	waiters   []chan qrResult
	ready     chan struct{} // closed once the current attempt has a conn or failed
	dialErr   error

	attempts           int
	lastConnectedAt    time.Time
	lastDisconnectedAt time.Time
	cancelReset        context.CancelFunc
}

// New creates the orchestrator and binds itself as the group cache's
// connection source.
func New(dialer transport.Dialer, db *store.DB, b *bus.Bus, cache *groups.Cache,
	clock clockwork.Clock, retry RetryPolicy, resetInterval, warmupDelay time.Duration,
	logger *zap.Logger) *Orchestrator {
	o := &Orchestrator{
		dialer:        dialer,
		db:            db,
		bus:           b,
		groups:        cache,
		clock:         clock,
		retry:         retry,
		resetInterval: resetInterval,
		warmupDelay:   warmupDelay,
		logger:        logger,
		sessions:      make(map[string]*session),
	}
	cache.BindSource(o)
	return o
}

func (o *Orchestrator) get(userID string) *session {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.sessions[userID]
	if !ok {
		s = &session{userID: userID, state: Disconnected}
		o.sessions[userID] = s
	}
	return s
}

// CreateConnection starts a session attempt for the user and blocks until
// the first QR payload is produced (returned as a PNG data URL), the
// session opens without needing one, or the attempt fails.
func (o *Orchestrator) CreateConnection(ctx context.Context, userID string) (string, error) {
	s := o.get(userID)

	s.mu.Lock()
	if s.state == Open {
		s.mu.Unlock()
		return "", ErrAlreadyConnected
	}
	if s.pendingQR != "" {
		qr := s.pendingQR
		s.mu.Unlock()
		return qr, nil
	}
	ch := make(chan qrResult, 1)
	s.waiters = append(s.waiters, ch)
	if s.state == Disconnected || s.state == Deauthorized {
		o.startAttemptLocked(s)
	}
	s.mu.Unlock()

	select {
	case res := <-ch:
		return res.qr, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// InitializeOrGetQR behaves as CreateConnection but returns the cached QR
// immediately when one is pending for the user.
func (o *Orchestrator) InitializeOrGetQR(ctx context.Context, userID string) (string, error) {
	return o.CreateConnection(ctx, userID)
}

// CachedQR returns the user's pending QR data URL, or "".
func (o *Orchestrator) CachedQR(userID string) string {
	s := o.get(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingQR
}

// IsConnected reports whether the user's session is open.
func (o *Orchestrator) IsConnected(userID string) bool {
	s := o.get(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == Open
}

// Status returns the user's connection status snapshot.
func (o *Orchestrator) Status(userID string) ConnectionStatus {
	s := o.get(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return ConnectionStatus{
		State:              s.state,
		Connected:          s.state == Open,
		LastConnectedAt:    s.lastConnectedAt,
		LastDisconnectedAt: s.lastDisconnectedAt,
	}
}

// Live returns the user's live connection, if the session is open.
// Implements groups.ConnSource.
func (o *Orchestrator) Live(userID string) (transport.Conn, bool) {
	s := o.get(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Open || s.conn == nil {
		return nil, false
	}
	return s.conn, true
}

// Ensure returns the user's connection, establishing a session attempt if
// none is in flight. The returned connection may still be authenticating;
// callers that need an open session should settle and re-check IsConnected.
func (o *Orchestrator) Ensure(ctx context.Context, userID string) (transport.Conn, error) {
	s := o.get(userID)

	s.mu.Lock()
	if s.conn != nil {
		conn := s.conn
		s.mu.Unlock()
		return conn, nil
	}
	if s.state == Disconnected || s.state == Deauthorized {
		o.startAttemptLocked(s)
	}
	ready := s.ready
	s.mu.Unlock()

	if ready == nil {
		return nil, ErrNotConnected
	}
	select {
	case <-ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		if s.dialErr != nil {
			return nil, s.dialErr
		}
		return nil, ErrNotConnected
	}
	return s.conn, nil
}

// CloseConnection gracefully terminates the user's session with a
// user-requested cause, which suppresses auto-reconnect. Idempotent.
func (o *Orchestrator) CloseConnection(userID string) {
	s := o.get(userID)
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.Close(transport.ReasonUserRequested)
		o.logger.Info("connection close requested", zap.String("user_id", userID))
	}
}

// Logout performs a protocol-level logout, closes the session, and purges
// all persisted authentication material. Idempotent if already disconnected.
func (o *Orchestrator) Logout(ctx context.Context, userID string) error {
	s := o.get(userID)
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		if err := conn.Logout(ctx); err != nil {
			o.logger.Warn("protocol logout failed", zap.String("user_id", userID), zap.Error(err))
		}
		conn.Close(transport.ReasonUserRequested)
	}
	if err := o.dialer.PurgeCredentials(userID); err != nil {
		return err
	}
	if err := o.db.SetUserLoggedIn(userID, false); err != nil {
		o.logger.Warn("update user record failed", zap.String("user_id", userID), zap.Error(err))
	}
	o.logger.Info("user logged out", zap.String("user_id", userID))
	return nil
}

// GeneratePairingCode starts a session attempt (if needed) and requests a
// numeric pairing code for the given E.164 number.
func (o *Orchestrator) GeneratePairingCode(ctx context.Context, userID, e164 string) (string, error) {
	if o.IsConnected(userID) {
		return "", ErrAlreadyConnected
	}
	conn, err := o.Ensure(ctx, userID)
	if err != nil {
		return "", err
	}
	return conn.RequestPairingCode(ctx, e164)
}

// ResumeValidUsers re-establishes a session for every user whose last known
// auth state was valid, after the warm-up delay. Runs in the calling
// goroutine; callers start it in the background so start-up is not blocked.
func (o *Orchestrator) ResumeValidUsers(ctx context.Context) {
	select {
	case <-o.clock.After(o.warmupDelay):
	case <-ctx.Done():
		return
	}

	ids, err := o.db.ValidUserIDs()
	if err != nil {
		o.logger.Error("load valid users", zap.Error(err))
		return
	}
	for _, userID := range ids {
		s := o.get(userID)
		s.mu.Lock()
		if s.state == Disconnected {
			o.startAttemptLocked(s)
		}
		s.mu.Unlock()
		o.logger.Info("resuming session", zap.String("user_id", userID))
	}
}

// CloseAll terminates every live session. Used at daemon shutdown.
func (o *Orchestrator) CloseAll() {
	o.mu.Lock()
	ids := make([]string, 0, len(o.sessions))
	for id := range o.sessions {
		ids = append(ids, id)
	}
	o.mu.Unlock()
	for _, id := range ids {
		o.CloseConnection(id)
	}
}

// startAttemptLocked begins a connection attempt. Caller holds s.mu.
func (o *Orchestrator) startAttemptLocked(s *session) {
	if err := s.transition(Connecting); err != nil {
		o.logger.Warn("connect skipped", zap.String("user_id", s.userID), zap.Error(err))
		return
	}
	s.gen++
	s.dialErr = nil
	s.ready = make(chan struct{})
	gen := s.gen
	ready := s.ready

	if err := o.db.SetUserLoggedIn(s.userID, true); err != nil {
		o.logger.Warn("update user record failed", zap.String("user_id", s.userID), zap.Error(err))
	}
	o.publishStatus(s.userID, Connecting)
	o.logger.Info("initializing connection", zap.String("user_id", s.userID))

	go o.dialAndPump(s, gen, ready)
}

func (o *Orchestrator) dialAndPump(s *session, gen int, ready chan struct{}) {
	conn, err := o.dialer.Dial(context.Background(), s.userID)

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		if conn != nil {
			conn.Close(transport.ReasonUserRequested)
		}
		close(ready)
		return
	}
	if err != nil {
		o.logger.Error("connection attempt failed", zap.String("user_id", s.userID), zap.Error(err))
		s.dialErr = err
		_ = s.transition(Disconnected)
		o.failWaitersLocked(s, err)
		s.mu.Unlock()
		close(ready)
		o.publishStatus(s.userID, Disconnected)
		return
	}
	s.conn = conn
	s.mu.Unlock()
	close(ready)

	for evt := range conn.Events() {
		switch evt.Kind {
		case transport.EventQR:
			o.handleQR(s, gen, evt.QR)
		case transport.EventOpen:
			o.handleOpen(s, gen, conn)
		case transport.EventClosed:
			o.handleClosed(s, gen, evt.Reason)
		case transport.EventMessage:
			o.publishInbound(s.userID, evt.Message)
		case transport.EventGroupsUpserted:
			o.groups.ApplyUpsert(s.userID, evt.Groups)
			o.groups.StartEnrichment(s.userID)
		case transport.EventGroupsUpdated:
			o.groups.ApplyPatches(s.userID, evt.GroupPatches)
		case transport.EventParticipantsUpdated:
			o.groups.ApplyParticipants(s.userID, conn.SelfJID(), evt.Participants)
		}
	}
}

func (o *Orchestrator) handleQR(s *session, gen int, payload string) {
	rendered, err := renderQR(payload)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	if err != nil {
		o.logger.Error("qr render failed", zap.String("user_id", s.userID), zap.Error(err))
		o.failWaitersLocked(s, err)
		return
	}
	s.pendingQR = rendered
	if s.state == Connecting {
		_ = s.transition(AwaitingAuth)
	}
	o.resolveWaitersLocked(s, rendered)
	o.publishQR(s.userID, rendered)
	o.logger.Info("qr code issued", zap.String("user_id", s.userID))
}

func (o *Orchestrator) handleOpen(s *session, gen int, conn transport.Conn) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.pendingQR = ""
	s.lastConnectedAt = o.clock.Now()
	s.attempts = 0
	_ = s.transition(Open)
	o.resolveWaitersLocked(s, "")
	o.armResetLocked(s, conn)
	s.mu.Unlock()

	o.publishQR(s.userID, "Connected!")
	o.publishStatus(s.userID, Open)
	o.logger.Info("connection opened", zap.String("user_id", s.userID))

	o.upsertUserRecord(s.userID, conn)

	go func() {
		if err := o.groups.Refresh(context.Background(), s.userID, conn); err != nil {
			o.logger.Warn("group refresh failed", zap.String("user_id", s.userID), zap.Error(err))
		}
		o.groups.StartEnrichment(s.userID)
	}()
}

func (o *Orchestrator) handleClosed(s *session, gen int, reason transport.DisconnectReason) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	if s.cancelReset != nil {
		s.cancelReset()
		s.cancelReset = nil
	}
	s.conn = nil
	s.pendingQR = ""
	s.lastDisconnectedAt = o.clock.Now()

	o.logger.Info("connection closed",
		zap.String("user_id", s.userID),
		zap.String("reason", reason.String()))

	if err := o.db.SetUserValidity(s.userID, false); err != nil {
		o.logger.Warn("update user record failed", zap.String("user_id", s.userID), zap.Error(err))
	}

	switch reason {
	case transport.ReasonUnauthorized:
		_ = s.transition(Deauthorized)
		o.failWaitersLocked(s, ErrUnauthorized)
		s.mu.Unlock()
		if err := o.db.MarkUserDeauthorized(s.userID); err != nil {
			o.logger.Warn("update user record failed", zap.String("user_id", s.userID), zap.Error(err))
		}
		if err := o.dialer.PurgeCredentials(s.userID); err != nil {
			o.logger.Error("purge credentials failed", zap.String("user_id", s.userID), zap.Error(err))
		}
		o.publishStatus(s.userID, Deauthorized)

	case transport.ReasonTimedOut:
		_ = s.transition(Disconnected)
		o.failWaitersLocked(s, ErrAuthenticationExpired)
		s.mu.Unlock()
		o.publishQR(s.userID, "expired!")
		o.publishStatus(s.userID, Disconnected)

	case transport.ReasonUserRequested:
		_ = s.transition(Disconnected)
		o.failWaitersLocked(s, ErrNotConnected)
		s.mu.Unlock()
		o.publishStatus(s.userID, Disconnected)

	case transport.ReasonBadSession:
		_ = s.transition(Disconnected)
		o.failWaitersLocked(s, ErrNotConnected)
		s.mu.Unlock()
		if err := o.dialer.PurgeCredentials(s.userID); err != nil {
			o.logger.Error("purge credentials failed", zap.String("user_id", s.userID), zap.Error(err))
		}
		o.publishStatus(s.userID, Disconnected)

	default:
		// Transient: retry per policy.
		_ = s.transition(Reconnecting)
		s.attempts++
		delay, retry := o.retry.Next(s.attempts)
		if !retry {
			_ = s.transition(Disconnected)
			o.failWaitersLocked(s, ErrNotConnected)
			s.mu.Unlock()
			o.publishStatus(s.userID, Disconnected)
			return
		}
		o.publishQR(s.userID, "Reconnecting!")
		o.publishStatus(s.userID, Reconnecting)
		if delay > 0 {
			userID := s.userID
			s.mu.Unlock()
			o.logger.Info("reconnect scheduled", zap.String("user_id", userID), zap.Duration("delay", delay))
			o.clock.Sleep(delay)
			s.mu.Lock()
			if s.gen != gen || s.state != Reconnecting {
				s.mu.Unlock()
				return
			}
		}
		o.startAttemptLocked(s)
		s.mu.Unlock()
	}
}

// armResetLocked schedules the periodic forced reset for a freshly opened
// connection. The timer is cancelled when the connection closes, so it
// never outlives the handle it guards.
func (o *Orchestrator) armResetLocked(s *session, conn transport.Conn) {
	if o.resetInterval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelReset = cancel
	userID := s.userID
	go func() {
		select {
		case <-o.clock.After(o.resetInterval):
			o.logger.Info("periodic connection reset", zap.String("user_id", userID))
			conn.Close(transport.ReasonReset)
		case <-ctx.Done():
		}
	}()
}

func (o *Orchestrator) upsertUserRecord(userID string, conn transport.Conn) {
	selfJID := conn.SelfJID()
	avatar := ""
	if url, err := conn.FetchAvatar(context.Background(), selfJID); err == nil {
		avatar = url
	}
	u := &store.User{
		UserID:     userID,
		Name:       conn.SelfName(),
		Number:     numberFromJID(selfJID),
		AvatarURL:  avatar,
		IsValid:    true,
		IsLoggedIn: true,
	}
	if err := o.db.UpsertUser(u); err != nil {
		o.logger.Error("upsert user record failed", zap.String("user_id", userID), zap.Error(err))
	}
}

// resolveWaitersLocked delivers the first QR (or an empty payload when the
// session opened without one) to every pending CreateConnection caller.
func (o *Orchestrator) resolveWaitersLocked(s *session, qr string) {
	for _, ch := range s.waiters {
		ch <- qrResult{qr: qr}
	}
	s.waiters = nil
}

func (o *Orchestrator) failWaitersLocked(s *session, err error) {
	for _, ch := range s.waiters {
		ch <- qrResult{err: err}
	}
	s.waiters = nil
}

func (o *Orchestrator) publishQR(userID, payload string) {
	o.bus.Publish(bus.Event{
		Kind:      bus.QRTopic(userID),
		UserID:    userID,
		Timestamp: o.clock.Now(),
		Payload:   payload,
	})
}

func (o *Orchestrator) publishStatus(userID string, state State) {
	o.bus.Publish(bus.Event{
		Kind:      bus.StatusTopic(userID),
		UserID:    userID,
		Timestamp: o.clock.Now(),
		Payload:   string(state),
	})
}

func (o *Orchestrator) publishInbound(userID string, msg *transport.InboundMessage) {
	if msg == nil {
		return
	}
	o.bus.Publish(bus.Event{
		Kind:      bus.InboundTopic(userID),
		UserID:    userID,
		Timestamp: o.clock.Now(),
		Payload:   msg,
	})
}
