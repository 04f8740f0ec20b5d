package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hmartins/wagate/internal/bus"
	"github.com/hmartins/wagate/internal/config"
	"github.com/hmartins/wagate/internal/groups"
	"github.com/hmartins/wagate/internal/phone"
	"github.com/hmartins/wagate/internal/session"
	"go.uber.org/zap"
)

type createConnectionRequest struct {
	UserID string `json:"userId" binding:"required"`
}

type generatePairingCodeRequest struct {
	UserID      string `json:"userId" binding:"required"`
	PhoneNumber string `json:"phoneNumber" binding:"required"`
}

func (s *Server) createConnection(c *gin.Context) {
	var req createConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := config.ValidateUserID(req.UserID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if _, err := s.orch.CreateConnection(c.Request.Context(), req.UserID); err != nil {
		if errors.Is(err, session.ErrAlreadyConnected) {
			c.JSON(http.StatusOK, gin.H{"message": "User is already connected"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create connection: " + err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": "Connection initiated successfully"})
}

func (s *Server) closeConnection(c *gin.Context) {
	s.orch.CloseConnection(c.Param("userId"))
	c.JSON(http.StatusOK, gin.H{"message": "Connection closed successfully"})
}

func (s *Server) logout(c *gin.Context) {
	if err := s.orch.Logout(c.Request.Context(), c.Param("userId")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to logout: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Logged out successfully"})
}

func (s *Server) getQR(c *gin.Context) {
	qr := s.orch.CachedQR(c.Param("userId"))
	if qr == "" {
		c.JSON(http.StatusOK, gin.H{"qr": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"qr": qr})
}

// qrStream pushes QR payloads and auth status strings over SSE. The
// subscription is removed when the client goes away, and a connection
// attempt is started in the background if none is live.
func (s *Server) qrStream(c *gin.Context) {
	userID := c.Param("userId")
	if err := config.ValidateUserID(userID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	events, unsubscribe := s.bus.Subscribe(bus.QRTopic(userID), 16)
	defer unsubscribe()

	go func() {
		if _, err := s.orch.InitializeOrGetQR(c.Request.Context(), userID); err != nil {
			s.logger.Warn("qr stream init failed", zap.String("user_id", userID), zap.Error(err))
		}
	}()

	// Replay the cached QR so late subscribers see the current code.
	if qr := s.orch.CachedQR(userID); qr != "" {
		fmt.Fprintf(c.Writer, "data: %s\n\n", sseBody(qr))
		c.Writer.Flush()
	}

	c.Stream(func(w io.Writer) bool {
		select {
		case evt, ok := <-events:
			if !ok {
				return false
			}
			payload, ok := evt.Payload.(string)
			if !ok {
				return true
			}
			fmt.Fprintf(w, "data: %s\n\n", sseBody(payload))
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func sseBody(qrCode string) string {
	return fmt.Sprintf(`{"qrCode":%q,"timestamp":%q}`, qrCode, time.Now().Format(time.RFC3339))
}

func (s *Server) getStatus(c *gin.Context) {
	st := s.orch.Status(c.Param("userId"))
	c.JSON(http.StatusOK, gin.H{"status": gin.H{
		"state":              string(st.State),
		"isConnected":        st.Connected,
		"lastConnectedAt":    timeOrNil(st.LastConnectedAt),
		"lastDisconnectedAt": timeOrNil(st.LastDisconnectedAt),
	}})
}

func timeOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Format(time.RFC3339)
}

func (s *Server) isConnected(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"connected": s.orch.IsConnected(c.Param("userId"))})
}

func (s *Server) generatePairingCode(c *gin.Context) {
	var req generatePairingCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	number, err := phone.NormalizeE164(req.PhoneNumber)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	code, err := s.orch.GeneratePairingCode(c.Request.Context(), req.UserID, number)
	if err != nil {
		if errors.Is(err, session.ErrAlreadyConnected) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "User is already connected"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pairingCode": code})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "OK",
		"message": "WhatsApp service is running and healthy",
	})
}

func (s *Server) getUserDetails(c *gin.Context) {
	userID := c.Param("userId")
	u, err := s.db.GetUser(userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if u == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"userId":     u.UserID,
		"name":       u.Name,
		"number":     u.Number,
		"avatar":     u.AvatarURL,
		"isValid":    u.IsValid,
		"isLoggedIn": u.IsLoggedIn,
	})
}

func (s *Server) getSavedGroups(c *gin.Context) {
	list, err := s.groups.List(c.Param("userId"))
	if err != nil {
		if errors.Is(err, groups.ErrNotFound) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	out := make([]gin.H, 0, len(list))
	for _, g := range list {
		participants := make([]gin.H, 0, len(g.Participants))
		for _, p := range g.Participants {
			participants = append(participants, gin.H{
				"id":           p.ID,
				"isAdmin":      p.IsAdmin,
				"isSuperAdmin": p.IsSuperAdmin,
			})
		}
		out = append(out, gin.H{
			"id":           g.ID,
			"subject":      g.Subject,
			"owner":        g.OwnerJID,
			"isCommunity":  g.IsCommunity,
			"imageUrl":     g.ImageURL,
			"participants": participants,
		})
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "groups": out})
}
