package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hmartins/wagate/internal/message"
)

type sendMessageRequest struct {
	UserID       string          `json:"userId"`
	Recipients   []string        `json:"recipients"`
	Type         string          `json:"type"`
	Content      message.Content `json:"content"`
	ScheduleDate *time.Time      `json:"scheduleDate,omitempty"`
}

func (s *Server) sendMessage(c *gin.Context) {
	var body sendMessageRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": err.Error()})
		return
	}

	req := message.SendRequest{
		UserID:     body.UserID,
		Recipients: body.Recipients,
		Type:       body.Type,
		Content:    body.Content,
	}
	if body.ScheduleDate != nil {
		req.ScheduleDate = *body.ScheduleDate
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": err.Error()})
		return
	}

	result, err := s.msgs.Send(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"message": "Failed to send message: " + err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"messageId": result.MessageID,
		"status":    result.Status,
		"timestamp": result.Timestamp.Format(time.RFC3339),
	})
}

func (s *Server) listScheduled(c *gin.Context) {
	msgs, err := s.msgs.ListScheduled(c.Param("userId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "messages": msgs})
}

func (s *Server) deleteScheduled(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
		return
	}
	if err := s.msgs.DeleteScheduled(id); err != nil {
		if errors.Is(err, message.ErrScheduledNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
