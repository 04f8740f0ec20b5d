// Package chats manages routing rules: which origin chats are mirrored to
// which destinations for each user.
package chats

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hmartins/wagate/internal/store"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned when a rule id does not exist for the user.
	ErrNotFound = errors.New("routing rule not found")
	// ErrDuplicate is returned when the (from, to) pair already exists for
	// the user in either direction.
	ErrDuplicate = errors.New("routing rule already exists for this chat pair")
)

// Rule is the external view of one routing rule.
type Rule struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	FromJID   string    `json:"from"`
	ToJID     string    `json:"to"`
	FromName  string    `json:"fromName,omitempty"`
	ToName    string    `json:"toName,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Service owns routing rule writes. The mutex serializes the
// check-then-insert so two concurrent saves cannot create a symmetric
// duplicate pair.
type Service struct {
	db     *store.DB
	logger *zap.Logger

	mu sync.Mutex
}

// NewService creates the routing rule service.
func NewService(db *store.DB, logger *zap.Logger) *Service {
	return &Service{db: db, logger: logger}
}

// Save creates a routing rule after checking that neither the pair nor its
// reverse already exists for the user.
func (s *Service) Save(userID, fromJID, toJID, fromName, toName string) (*Rule, error) {
	if userID == "" || fromJID == "" || toJID == "" {
		return nil, errors.New("userId, from and to are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	forward, err := s.db.RoutingRuleExists(userID, fromJID, toJID)
	if err != nil {
		return nil, fmt.Errorf("check routing rule: %w", err)
	}
	reverse, err := s.db.RoutingRuleExists(userID, toJID, fromJID)
	if err != nil {
		return nil, fmt.Errorf("check routing rule: %w", err)
	}
	if forward || reverse {
		return nil, ErrDuplicate
	}

	r := &store.RoutingRule{
		ID:        uuid.NewString(),
		UserID:    userID,
		FromJID:   fromJID,
		ToJID:     toJID,
		FromName:  fromName,
		ToName:    toName,
		CreatedAt: time.Now().UnixMilli(),
	}
	if err := s.db.InsertRoutingRule(r); err != nil {
		return nil, fmt.Errorf("insert routing rule: %w", err)
	}

	s.logger.Info("routing rule saved",
		zap.String("user_id", userID),
		zap.String("rule_id", r.ID),
		zap.String("from", fromJID),
		zap.String("to", toJID))
	return toRule(r), nil
}

// Read returns one rule by id, scoped to the user.
func (s *Service) Read(userID, id string) (*Rule, error) {
	r, err := s.db.GetRoutingRule(id)
	if err != nil {
		return nil, err
	}
	if r == nil || r.UserID != userID {
		return nil, ErrNotFound
	}
	return toRule(r), nil
}

// List returns all of the user's rules, newest first.
func (s *Service) List(userID string) ([]Rule, error) {
	rows, err := s.db.RoutingRulesForUser(userID)
	if err != nil {
		return nil, err
	}
	out := make([]Rule, 0, len(rows))
	for i := range rows {
		out = append(out, *toRule(&rows[i]))
	}
	return out, nil
}

// Delete removes a rule scoped to the user.
func (s *Service) Delete(userID, id string) error {
	n, err := s.db.DeleteRoutingRule(userID, id)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	s.logger.Info("routing rule deleted", zap.String("user_id", userID), zap.String("rule_id", id))
	return nil
}

func toRule(r *store.RoutingRule) *Rule {
	return &Rule{
		ID:        r.ID,
		UserID:    r.UserID,
		FromJID:   r.FromJID,
		ToJID:     r.ToJID,
		FromName:  r.FromName,
		ToName:    r.ToName,
		CreatedAt: time.UnixMilli(r.CreatedAt),
	}
}
