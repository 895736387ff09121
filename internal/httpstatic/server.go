// Package httpstatic hosts the viewer's static web root plus two GET-only
// admin endpoints (/healthz, /stats) used for liveness and observability.
// It is deliberately read-only: nothing here ever mutates gateway state.
package httpstatic

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/robotstream/gateway/internal/logging"
	"github.com/robotstream/gateway/internal/media"
	"github.com/robotstream/gateway/internal/registry"
)

// Config describes where the viewer assets live and which port to serve on.
type Config struct {
	Port    uint16
	WebRoot string
}

// StatsSource is the read-only view httpstatic needs into the running
// gateway to answer /stats.
type StatsSource interface {
	MediaStats() media.Stats
	RegistryStats() registry.Stats
}

// Server hosts the static viewer page and admin endpoints.
type Server struct {
	cfg    Config
	stats  StatsSource
	engine *gin.Engine
	server *http.Server
	log    logging.Logger
}

// New builds a Server; it performs no I/O until Start.
func New(cfg Config, stats StatsSource) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{cfg: cfg, stats: stats, engine: engine, log: logging.For("http")}
	engine.GET("/healthz", s.handleHealthz)
	engine.GET("/stats", s.handleStats)
	engine.Static("/", cfg.WebRoot)

	return s
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Port),
		Handler: s.engine,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("http listener stopped: %v", err)
		}
	}()

	s.log.Info("http serving %s on :%d", s.cfg.WebRoot, s.cfg.Port)
	return nil
}

// Stop gracefully shuts the listener down.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(context.Background())
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStats(c *gin.Context) {
	mediaStats := s.stats.MediaStats()
	registryStats := s.stats.RegistryStats()

	c.JSON(http.StatusOK, gin.H{
		"media": gin.H{
			"frames_received": mediaStats.FramesReceived,
			"bytes_received":  mediaStats.BytesReceived,
			"reconnect_count": mediaStats.ReconnectCount,
			"connected":       mediaStats.Connected,
		},
		"peers": gin.H{
			"total_peers":      registryStats.TotalPeers,
			"connected_peers":  registryStats.ConnectedPeers,
			"total_bytes_sent": registryStats.TotalBytesSent,
		},
	})
}
