// Package api provides the HTTP control API of a messaging node
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/rs/zerolog/log"

	"github.com/ZentaChain/zentalk-p2pmsg/pkg/network"
	"github.com/ZentaChain/zentalk-p2pmsg/pkg/storage"
)

// Node is the part of network.Node the API drives
type Node interface {
	ID() peer.ID
	FullAddrs() []string
	Peers() []peer.ID
	Registry() *network.PeerRegistry
	Send(p peer.ID, data []byte) error
	Broadcast(data []byte) (int, error)
	ConnectionCount() int
	PendingEvents(p peer.ID) int
	RoutingTableSize() int
}

// Server represents the HTTP API server
type Server struct {
	node       Node
	history    *storage.History // Nil: history endpoints return 503
	router     *gin.Engine
	limiter    *RateLimiter
	port       int
	httpServer *http.Server
	startedAt  time.Time
}

// Config holds server configuration
type Config struct {
	Port         int
	EnableCORS   bool
	RateLimit    int // Requests per minute, zero disables
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default server configuration
func DefaultConfig() *Config {
	return &Config{
		Port:         8080,
		EnableCORS:   true,
		RateLimit:    100,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// NewServer creates a new HTTP API server for node. history may be nil.
func NewServer(node Node, history *storage.History, config *Config) (*Server, error) {
	if node == nil {
		return nil, errors.New("node is required")
	}
	if config == nil {
		config = DefaultConfig()
	}

	if gin.Mode() != gin.TestMode {
		gin.SetMode(gin.ReleaseMode)
	}

	server := &Server{
		node:      node,
		history:   history,
		router:    gin.New(),
		port:      config.Port,
		startedAt: time.Now(),
	}

	server.setupMiddleware(config)
	server.setupRoutes()

	server.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", server.port),
		Handler:      server.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	return server, nil
}

func (s *Server) setupMiddleware(config *Config) {
	if config.EnableCORS {
		s.router.Use(CORSMiddleware())
	}

	if config.RateLimit > 0 {
		s.limiter = NewRateLimiter(config.RateLimit)
		s.router.Use(RateLimitMiddleware(s.limiter))
	}

	s.router.Use(LoggingMiddleware())
	s.router.Use(gin.Recovery())
}

func (s *Server) setupRoutes() {
	v1 := s.router.Group("/api/v1")
	{
		messages := v1.Group("/messages")
		{
			messages.POST("", s.handleSend)
			messages.GET("", s.handleListMessages)
		}

		network := v1.Group("/network")
		{
			network.GET("/peers", s.handlePeers)
			network.GET("/health", s.handleHealth)
		}

		node := v1.Group("/node")
		{
			node.GET("/info", s.handleNodeInfo)
		}
	}

	// Health check endpoint (outside versioning)
	s.router.GET("/health", s.handleHealth)
}

// Handler returns the router, for embedding or tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves HTTP until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", s.port).Msg("HTTP API server starting")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.stopLimiter()
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down HTTP API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.stopLimiter()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Stop stops the HTTP server
func (s *Server) Stop() error {
	s.stopLimiter()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) stopLimiter() {
	if s.limiter != nil {
		s.limiter.Stop()
	}
}
