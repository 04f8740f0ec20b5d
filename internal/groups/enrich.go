package groups

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/hmartins/wagate/internal/transport"
	"go.uber.org/zap"
)

// StartEnrichment kicks off a background avatar sweep for the user. At most
// one sweep runs per user; a second trigger while one is in flight is a
// no-op — entries it misses keep PendingImageFetch set for the next cycle.
func (c *Cache) StartEnrichment(userID string) {
	c.mu.Lock()
	if c.sweeping[userID] {
		c.mu.Unlock()
		return
	}
	c.sweeping[userID] = true
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.sweeping, userID)
			c.mu.Unlock()
		}()
		c.sweep(userID)
	}()
}

// sweep fetches avatar URLs for every group that still lacks one, pausing a
// randomized interval before each fetch to avoid bursting the transport.
func (c *Cache) sweep(userID string) {
	for _, groupID := range c.pendingGroupIDs(userID) {
		community, stillPending := c.peek(userID, groupID)
		if !stillPending {
			continue
		}

		// Community groups never expose an avatar; assign the
		// placeholder without a network call.
		if community {
			c.setImage(userID, groupID, c.placeholderURL)
			continue
		}

		c.clock.Sleep(c.jitter())

		conn, ok := c.source.Live(userID)
		if !ok {
			c.logger.Info("no active connection, enrichment aborted",
				zap.String("user_id", userID))
			return
		}

		url, err := conn.FetchAvatar(context.Background(), groupID)
		if err != nil {
			if errors.Is(err, transport.ErrAvatarNotFound) {
				c.setImage(userID, groupID, c.placeholderURL)
				continue
			}
			// Transient: leave PendingImageFetch for the next cycle.
			c.logger.Warn("avatar fetch failed",
				zap.String("user_id", userID),
				zap.String("group_id", groupID),
				zap.Error(err))
			continue
		}
		c.setImage(userID, groupID, url)
		c.logger.Info("group avatar fetched",
			zap.String("user_id", userID), zap.String("group_id", groupID))
	}
}

func (c *Cache) pendingGroupIDs(userID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []string
	for id, g := range c.users[userID] {
		if g.ImageURL == "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// peek returns the group's community flag and whether it still needs an
// image. Groups can disappear or get an image mid-sweep.
func (c *Cache) peek(userID, groupID string) (community, stillPending bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.users[userID][groupID]
	if !ok || g.ImageURL != "" {
		return false, false
	}
	return g.IsCommunity, true
}

func (c *Cache) setImage(userID, groupID, url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if g, ok := c.users[userID][groupID]; ok {
		g.ImageURL = url
		g.PendingImageFetch = false
	}
}

func (c *Cache) jitter() (d time.Duration) {
	if c.maxDelay <= c.minDelay {
		return c.minDelay
	}
	return c.minDelay + time.Duration(rand.Int63n(int64(c.maxDelay-c.minDelay)))
}
