// Package httpapi exposes the gateway's operations over HTTP. Handlers are
// thin pass-throughs: validation and status mapping only, all semantics live
// in the services.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hmartins/wagate/internal/bus"
	"github.com/hmartins/wagate/internal/chats"
	"github.com/hmartins/wagate/internal/groups"
	"github.com/hmartins/wagate/internal/message"
	"github.com/hmartins/wagate/internal/session"
	"github.com/hmartins/wagate/internal/store"
	"go.uber.org/zap"
)

// Server is the HTTP front-end.
type Server struct {
	addr   string
	logger *zap.Logger

	orch   *session.Orchestrator
	groups *groups.Cache
	db     *store.DB
	msgs   *message.Service
	chats  *chats.Service
	bus    *bus.Bus

	httpServer *http.Server
}

// NewServer wires the router.
func NewServer(addr string, orch *session.Orchestrator, cache *groups.Cache,
	db *store.DB, msgs *message.Service, chatSvc *chats.Service, b *bus.Bus,
	logger *zap.Logger) *Server {
	s := &Server{
		addr:   addr,
		logger: logger,
		orch:   orch,
		groups: cache,
		db:     db,
		msgs:   msgs,
		chats:  chatSvc,
		bus:    b,
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	wa := r.Group("/whatsapp")
	{
		wa.POST("/connect", s.createConnection)
		wa.POST("/close-connection/:userId", s.closeConnection)
		wa.POST("/logout/:userId", s.logout)
		wa.GET("/qr/:userId", s.getQR)
		wa.GET("/qr-stream/:userId", s.qrStream)
		wa.GET("/status/:userId", s.getStatus)
		wa.GET("/is-connected/:userId", s.isConnected)
		wa.POST("/generate-pairing-code", s.generatePairingCode)
		wa.GET("/health", s.health)
		wa.GET("/user/:userId", s.getUserDetails)
		wa.GET("/groups/:userId", s.getSavedGroups)
		wa.POST("/send-message", s.sendMessage)
	}

	msgs2 := r.Group("/messages")
	{
		msgs2.GET("/scheduled/:userId", s.listScheduled)
		msgs2.DELETE("/scheduled/:id", s.deleteScheduled)
	}

	ch := r.Group("/chats")
	{
		ch.POST("", s.saveChat)
		ch.GET("/:userId", s.listChats)
		ch.GET("/:userId/:chatId", s.readChat)
		ch.DELETE("/:userId/:chatId", s.deleteChat)
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until Shutdown. Blocks; callers run it in a goroutine.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
