package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/hmartins/wagate/internal/chats"
)

type saveChatRequest struct {
	UserID   string `json:"userId" binding:"required"`
	From     string `json:"from" binding:"required"`
	To       string `json:"to" binding:"required"`
	FromName string `json:"fromName"`
	ToName   string `json:"toName"`
}

func (s *Server) saveChat(c *gin.Context) {
	var req saveChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rule, err := s.chats.Save(req.UserID, req.From, req.To, req.FromName, req.ToName)
	if err != nil {
		if errors.Is(err, chats.ErrDuplicate) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, rule)
}

func (s *Server) listChats(c *gin.Context) {
	rules, err := s.chats.List(c.Param("userId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"chats": rules})
}

func (s *Server) readChat(c *gin.Context) {
	rule, err := s.chats.Read(c.Param("userId"), c.Param("chatId"))
	if err != nil {
		if errors.Is(err, chats.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (s *Server) deleteChat(c *gin.Context) {
	if err := s.chats.Delete(c.Param("userId"), c.Param("chatId")); err != nil {
		if errors.Is(err, chats.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
