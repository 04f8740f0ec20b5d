// Package dispatch sweeps the scheduled message queue and delivers rows
// whose schedule date has arrived.
package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hmartins/wagate/internal/message"
	"github.com/hmartins/wagate/internal/store"
	"github.com/hmartins/wagate/internal/transport"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Sessions is the orchestrator surface the dispatcher needs.
type Sessions interface {
	Ensure(ctx context.Context, userID string) (transport.Conn, error)
	IsConnected(userID string) bool
}

// Dispatcher polls for due scheduled messages on a fixed interval. A row is
// selected when its schedule date falls inside [now-window, now]; rows older
// than the window are left pending and logged each sweep.
type Dispatcher struct {
	db       *store.DB
	sessions Sessions
	clock    clockwork.Clock
	logger   *zap.Logger

	interval time.Duration
	window   time.Duration
	settle   time.Duration

	cancel context.CancelFunc
}

// New creates the dispatcher. settle is how long to wait after ensuring a
// session before checking that it actually opened.
func New(db *store.DB, sessions Sessions, clock clockwork.Clock,
	interval, window, settle time.Duration, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		db:       db,
		sessions: sessions,
		clock:    clock,
		logger:   logger,
		interval: interval,
		window:   window,
		settle:   settle,
	}
}

// Start begins the sweep loop.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	go d.loop(ctx)
}

// Stop cancels the sweep loop.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
}

func (d *Dispatcher) loop(ctx context.Context) {
	ticker := d.clock.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			d.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Sweep processes every due pending row exactly once: each selected row
// ends the sweep as sent or failed. Failures never abort the sweep.
func (d *Dispatcher) Sweep(ctx context.Context) {
	pending, err := d.db.PendingScheduledMessages()
	if err != nil {
		d.logger.Error("load scheduled messages", zap.Error(err))
		return
	}

	now := d.clock.Now()
	windowStart := now.Add(-d.window).UnixMilli()
	for i := range pending {
		m := &pending[i]
		if m.ScheduleDate > now.UnixMilli() {
			continue
		}
		if m.ScheduleDate < windowStart {
			d.logger.Warn("scheduled message missed its window",
				zap.Int64("id", m.ID),
				zap.String("user_id", m.UserID),
				zap.Int64("schedule_date", m.ScheduleDate))
			continue
		}
		d.dispatch(ctx, m)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, m *store.ScheduledMessage) {
	conn, err := d.sessions.Ensure(ctx, m.UserID)
	if err != nil {
		d.logger.Error("session unavailable for scheduled message",
			zap.Int64("id", m.ID), zap.String("user_id", m.UserID), zap.Error(err))
		d.setStatus(m.ID, store.StatusFailed, "failed to initialize connection")
		return
	}

	// The session may still be authenticating; give it a moment to open.
	d.clock.Sleep(d.settle)
	if !d.sessions.IsConnected(m.UserID) {
		d.logger.Warn("user not connected, scheduled message failed",
			zap.Int64("id", m.ID), zap.String("user_id", m.UserID))
		d.setStatus(m.ID, store.StatusFailed, "user not connected")
		return
	}

	var content message.Content
	if err := json.Unmarshal([]byte(m.Content), &content); err != nil {
		d.setStatus(m.ID, store.StatusFailed, "undecodable content: "+err.Error())
		return
	}
	var recipients []string
	if err := json.Unmarshal([]byte(m.Recipients), &recipients); err != nil {
		d.setStatus(m.ID, store.StatusFailed, "undecodable recipients: "+err.Error())
		return
	}

	payload, err := message.BuildPayload(ctx, m.Type, content)
	if err != nil {
		d.setStatus(m.ID, store.StatusFailed, err.Error())
		return
	}

	for _, recipient := range recipients {
		to := transport.FormatRecipient(recipient)
		if _, err := conn.Send(ctx, to, payload); err != nil {
			d.logger.Error("scheduled send failed",
				zap.Int64("id", m.ID),
				zap.String("user_id", m.UserID),
				zap.String("recipient", to),
				zap.Error(err))
			d.setStatus(m.ID, store.StatusFailed, err.Error())
			return
		}
	}

	d.setStatus(m.ID, store.StatusSent, "")
	d.logger.Info("scheduled message dispatched",
		zap.Int64("id", m.ID), zap.String("user_id", m.UserID), zap.Int("recipients", len(recipients)))
}

func (d *Dispatcher) setStatus(id int64, status, reason string) {
	if err := d.db.SetScheduledMessageStatus(id, status, reason); err != nil {
		d.logger.Error("update scheduled message status", zap.Int64("id", id), zap.Error(err))
	}
}
