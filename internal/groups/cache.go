// Package groups maintains the per-user group metadata cache. All mutations
// go through the cache's serialized merge operations; event handlers never
// touch entries directly.
package groups

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hmartins/wagate/internal/transport"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// ErrNotFound is returned by List for users whose groups have never been
// synchronized.
var ErrNotFound = errors.New("no saved groups for user")

// ConnSource provides the live connection for a user, if any. Implemented
// by the session orchestrator.
type ConnSource interface {
	Live(userID string) (transport.Conn, bool)
}

// Group is one cached group's metadata.
type Group struct {
	ID                string
	Subject           string
	OwnerJID          string
	IsCommunity       bool
	Participants      []transport.Participant
	ImageURL          string // "" = not fetched yet
	PendingImageFetch bool
}

// clone returns a snapshot copy safe to hand to callers.
func (g *Group) clone() Group {
	out := *g
	out.Participants = make([]transport.Participant, len(g.Participants))
	copy(out.Participants, g.Participants)
	return out
}

// Cache holds group metadata per user, merged incrementally from transport
// events and full refreshes.
type Cache struct {
	logger *zap.Logger
	clock  clockwork.Clock

	minDelay       time.Duration
	maxDelay       time.Duration
	placeholderURL string

	mu       sync.Mutex
	users    map[string]map[string]*Group
	sweeping map[string]bool

	source ConnSource
}

// NewCache creates an empty group metadata cache. minDelay/maxDelay bound
// the randomized pause before each avatar fetch; placeholderURL is assigned
// to groups whose avatar cannot be fetched.
func NewCache(clock clockwork.Clock, minDelay, maxDelay time.Duration, placeholderURL string, logger *zap.Logger) *Cache {
	return &Cache{
		logger:         logger,
		clock:          clock,
		minDelay:       minDelay,
		maxDelay:       maxDelay,
		placeholderURL: placeholderURL,
		users:          make(map[string]map[string]*Group),
		sweeping:       make(map[string]bool),
	}
}

// BindSource attaches the connection source used by the enrichment sweep.
func (c *Cache) BindSource(source ConnSource) {
	c.source = source
}

// List returns a snapshot of the user's groups. Fails with ErrNotFound if
// the user has never had groups synchronized.
func (c *Cache) List(userID string) ([]Group, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries, ok := c.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]Group, 0, len(entries))
	for _, g := range entries {
		out = append(out, g.clone())
	}
	return out, nil
}

// Refresh pulls the full current group set from the transport and merges it
// into the cache. Groups present in cache but absent from the new set are
// logged, not deleted.
func (c *Cache) Refresh(ctx context.Context, userID string, conn transport.Conn) error {
	fetched, err := conn.FetchGroups(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	existing := c.users[userID]
	updated := make(map[string]*Group, len(fetched))
	for id, info := range fetched {
		if prev, ok := existing[id]; ok {
			updated[id] = mergeGroup(prev, info)
		} else {
			updated[id] = newGroup(info)
		}
	}
	for id := range existing {
		if _, ok := fetched[id]; !ok {
			c.logger.Info("group no longer present",
				zap.String("user_id", userID), zap.String("group_id", id))
		}
	}
	c.users[userID] = updated
	c.mu.Unlock()

	c.logger.Info("groups refreshed", zap.String("user_id", userID), zap.Int("count", len(updated)))
	return nil
}

// ApplyUpsert merges upserted groups into the cache.
func (c *Cache) ApplyUpsert(userID string, infos []*transport.GroupInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := c.ensureUserLocked(userID)
	for _, info := range infos {
		if prev, ok := entries[info.ID]; ok {
			entries[info.ID] = mergeGroup(prev, info)
		} else {
			entries[info.ID] = newGroup(info)
		}
	}
}

// ApplyPatches applies partial metadata updates. Patches for groups not in
// the cache are ignored.
func (c *Cache) ApplyPatches(userID string, patches []*transport.GroupPatch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := c.users[userID]
	if entries == nil {
		return
	}
	for _, p := range patches {
		g, ok := entries[p.ID]
		if !ok {
			continue
		}
		if p.Subject != nil {
			g.Subject = *p.Subject
		}
		if p.Owner != nil {
			g.OwnerJID = *p.Owner
		}
	}
}

// ApplyParticipants merges a participants-update event. If the removed set
// includes the session's own identity, the entire group entry is deleted.
func (c *Cache) ApplyParticipants(userID, selfJID string, upd *transport.ParticipantsUpdate) {
	if upd == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := c.users[userID]
	if entries == nil {
		return
	}
	g, ok := entries[upd.GroupID]
	if !ok {
		c.logger.Warn("participants update for unknown group",
			zap.String("user_id", userID), zap.String("group_id", upd.GroupID))
		return
	}

	self := transport.NormalizeJID(selfJID)

	switch upd.Action {
	case transport.ParticipantAdd:
		for _, jid := range upd.Participants {
			g.Participants = append(g.Participants, transport.Participant{
				ID: transport.NormalizeJID(jid),
			})
		}
	case transport.ParticipantRemove:
		removed := make(map[string]bool, len(upd.Participants))
		for _, jid := range upd.Participants {
			removed[transport.NormalizeJID(jid)] = true
		}
		if removed[self] {
			delete(entries, upd.GroupID)
			c.logger.Info("removed from group, entry deleted",
				zap.String("user_id", userID), zap.String("group_id", upd.GroupID))
			return
		}
		kept := g.Participants[:0]
		for _, p := range g.Participants {
			if !removed[transport.NormalizeJID(p.ID)] {
				kept = append(kept, p)
			}
		}
		g.Participants = kept
	}
}

func (c *Cache) ensureUserLocked(userID string) map[string]*Group {
	entries, ok := c.users[userID]
	if !ok {
		entries = make(map[string]*Group)
		c.users[userID] = entries
	}
	return entries
}

// newGroup builds a cache entry for a group seen for the first time.
func newGroup(info *transport.GroupInfo) *Group {
	g := &Group{
		ID:                info.ID,
		Subject:           info.Subject,
		OwnerJID:          info.OwnerJID,
		IsCommunity:       info.IsCommunity,
		PendingImageFetch: true,
	}
	g.Participants = make([]transport.Participant, len(info.Participants))
	copy(g.Participants, info.Participants)
	return g
}

// mergeGroup merges fresh transport metadata over a cached entry. The
// transport's values win for all fields except the image, which is
// preserved once fetched.
func mergeGroup(prev *Group, info *transport.GroupInfo) *Group {
	g := &Group{
		ID:                info.ID,
		Subject:           info.Subject,
		OwnerJID:          info.OwnerJID,
		IsCommunity:       info.IsCommunity,
		ImageURL:          prev.ImageURL,
		PendingImageFetch: prev.PendingImageFetch,
	}
	g.Participants = mergeParticipants(prev.Participants, info.Participants)
	return g
}

// mergeParticipants merges by id: the transport's current entries win on
// conflict, cached extras survive.
func mergeParticipants(prev, next []transport.Participant) []transport.Participant {
	merged := make([]transport.Participant, len(next))
	copy(merged, next)
	seen := make(map[string]bool, len(next))
	for _, p := range next {
		seen[p.ID] = true
	}
	for _, p := range prev {
		if !seen[p.ID] {
			merged = append(merged, p)
		}
	}
	return merged
}
