// Package message implements the send API: immediate multi-recipient
// delivery or future-dated scheduling, plus scheduled message management.
package message

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hmartins/wagate/internal/store"
	"github.com/hmartins/wagate/internal/transport"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

var (
	// ErrInvalidRecipient marks a non-group recipient that is not a
	// registered account. Recorded per recipient, never fatal to the batch.
	ErrInvalidRecipient = errors.New("recipient is not a registered account")
	// ErrScheduledNotFound is returned when deleting a scheduled message
	// that does not exist.
	ErrScheduledNotFound = errors.New("scheduled message not found")
)

// fallbackMessageID is returned when no recipient produced a server id.
const fallbackMessageID = "000000000000"

// Sessions is the orchestrator surface the send path needs.
type Sessions interface {
	Ensure(ctx context.Context, userID string) (transport.Conn, error)
	IsConnected(userID string) bool
}

// SendRequest is one send-message call.
type SendRequest struct {
	UserID       string
	Recipients   []string
	Type         string
	Content      Content
	ScheduleDate time.Time // zero value means send immediately
}

// SendResult reports the outcome. For multi-recipient sends the id and
// status reflect the last recipient attempted.
type SendResult struct {
	MessageID string
	Status    string
	Timestamp time.Time
}

// ScheduledMessage is a stored scheduled message with its payload decoded.
type ScheduledMessage struct {
	ID           int64     `json:"id"`
	UserID       string    `json:"userId"`
	Type         string    `json:"type"`
	Content      Content   `json:"content"`
	Recipients   []string  `json:"recipients"`
	ScheduleDate time.Time `json:"scheduleDate"`
	Status       string    `json:"status"`
	FailedReason string    `json:"failedReason,omitempty"`
}

// Service sends messages and manages the scheduled queue.
type Service struct {
	db       *store.DB
	sessions Sessions
	clock    clockwork.Clock
	spacing  time.Duration
	logger   *zap.Logger
}

// NewService creates the send service. spacing is the pause between
// consecutive recipient sends.
func NewService(db *store.DB, sessions Sessions, clock clockwork.Clock,
	spacing time.Duration, logger *zap.Logger) *Service {
	return &Service{
		db:       db,
		sessions: sessions,
		clock:    clock,
		spacing:  spacing,
		logger:   logger,
	}
}

// Validate checks the request shape the way the API contract requires.
func (r *SendRequest) Validate() error {
	if r.UserID == "" {
		return errors.New("user ID is required")
	}
	if len(r.Recipients) == 0 {
		return errors.New("at least one recipient is required")
	}
	if r.Type == "" {
		return errors.New("message content and type are required")
	}
	switch r.Type {
	case TypeText:
		if r.Content.Text == "" {
			return errors.New("text content is required for text messages")
		}
	case TypePoll:
		if r.Content.Poll == nil || r.Content.Poll.Name == "" || len(r.Content.Poll.Options) < 2 {
			return errors.New("poll name and at least two options are required for poll messages")
		}
	case TypeMedia:
		if r.Content.Media == nil {
			return errors.New("media object is missing in the content")
		}
	default:
		return fmt.Errorf("unsupported message type %q", r.Type)
	}
	return nil
}

// Send delivers the message now, or persists it for dispatch when the
// schedule date lies in the future.
func (s *Service) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if !req.ScheduleDate.IsZero() && req.ScheduleDate.After(s.clock.Now()) {
		return s.schedule(req)
	}
	return s.sendNow(ctx, req)
}

func (s *Service) schedule(req SendRequest) (*SendResult, error) {
	contentJSON, err := json.Marshal(req.Content)
	if err != nil {
		return nil, fmt.Errorf("encode content: %w", err)
	}
	recipientsJSON, err := json.Marshal(req.Recipients)
	if err != nil {
		return nil, fmt.Errorf("encode recipients: %w", err)
	}

	id, err := s.db.InsertScheduledMessage(&store.ScheduledMessage{
		UserID:       req.UserID,
		Type:         req.Type,
		Content:      string(contentJSON),
		Recipients:   string(recipientsJSON),
		ScheduleDate: req.ScheduleDate.UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("schedule message: %w", err)
	}

	s.logger.Info("message scheduled",
		zap.String("user_id", req.UserID),
		zap.Int64("id", id),
		zap.Time("schedule_date", req.ScheduleDate))
	return &SendResult{
		MessageID: strconv.FormatInt(id, 10),
		Status:    store.StatusPending,
		Timestamp: s.clock.Now(),
	}, nil
}

// sendNow sends to each recipient in turn. Invalid recipients are skipped;
// the result carries the last recipient's id and status.
func (s *Service) sendNow(ctx context.Context, req SendRequest) (*SendResult, error) {
	conn, err := s.sessions.Ensure(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	payload, err := BuildPayload(ctx, req.Type, req.Content)
	if err != nil {
		return nil, err
	}

	messageID := ""
	status := store.StatusPending
	for _, recipient := range req.Recipients {
		to := transport.FormatRecipient(recipient)

		if !transport.IsGroupJID(to) {
			registered, err := conn.IsRegistered(ctx, to)
			if err != nil || !registered {
				if err == nil {
					err = ErrInvalidRecipient
				}
				s.logger.Warn("invalid recipient skipped",
					zap.String("user_id", req.UserID),
					zap.String("recipient", to),
					zap.Error(err))
				status = store.StatusFailed
				continue
			}
		}

		s.clock.Sleep(s.spacing)
		id, err := conn.Send(ctx, to, payload)
		if err != nil {
			s.logger.Error("send failed",
				zap.String("user_id", req.UserID),
				zap.String("recipient", to),
				zap.Error(err))
			status = store.StatusFailed
			continue
		}
		messageID = id
		status = store.StatusSent
		s.logger.Info("message sent",
			zap.String("user_id", req.UserID),
			zap.String("recipient", to),
			zap.String("message_id", id))
	}

	if messageID == "" {
		messageID = fallbackMessageID
	}
	return &SendResult{MessageID: messageID, Status: status, Timestamp: s.clock.Now()}, nil
}

// ListScheduled returns the user's scheduled messages with payloads decoded.
func (s *Service) ListScheduled(userID string) ([]ScheduledMessage, error) {
	rows, err := s.db.ScheduledMessagesForUser(userID)
	if err != nil {
		return nil, err
	}
	out := make([]ScheduledMessage, 0, len(rows))
	for _, row := range rows {
		m := ScheduledMessage{
			ID:           row.ID,
			UserID:       row.UserID,
			Type:         row.Type,
			ScheduleDate: time.UnixMilli(row.ScheduleDate),
			Status:       row.Status,
			FailedReason: row.FailedReason,
		}
		if err := json.Unmarshal([]byte(row.Content), &m.Content); err != nil {
			s.logger.Warn("undecodable scheduled content", zap.Int64("id", row.ID), zap.Error(err))
		}
		if err := json.Unmarshal([]byte(row.Recipients), &m.Recipients); err != nil {
			s.logger.Warn("undecodable scheduled recipients", zap.Int64("id", row.ID), zap.Error(err))
		}
		out = append(out, m)
	}
	return out, nil
}

// DeleteScheduled removes a scheduled message by id.
func (s *Service) DeleteScheduled(id int64) error {
	n, err := s.db.DeleteScheduledMessage(id)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrScheduledNotFound
	}
	return nil
}
