package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"meshboard/internal/gateway"
)

// Server is the optional operator-facing HTTP surface: health, prometheus
// exposition, node cache snapshots, and delivery counters.
type Server struct {
	gw   *gateway.Gateway
	name string
	http *http.Server
}

func New(gw *gateway.Gateway, name, listen string, corsOrigins []string) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	// Middleware: keep it lean
	r.Use(gin.Recovery())
	if len(corsOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: corsOrigins,
			AllowMethods: []string{"GET"},
			AllowHeaders: []string{"Origin", "Content-Type"},
			MaxAge:       12 * time.Hour,
		}))
	}

	s := &Server{
		gw:   gw,
		name: name,
		http: &http.Server{Addr: listen, Handler: r},
	}

	r.GET("/health", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/nodes", s.nodes)
	r.GET("/stats", s.stats)
	return s
}

// Start serves in the background. Listen errors other than a clean close are
// logged, not fatal; the gateway runs fine without its admin surface.
func (s *Server) Start() {
	go func() {
		log.Info().Str("listen", s.http.Addr).Msg("admin server listening")
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("admin server failed")
		}
	}()
}

func (s *Server) Stop(ctx context.Context) {
	if err := s.http.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("admin server shutdown incomplete")
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"gateway": s.name,
		"uptime":  s.gw.Uptime().String(),
		"synced":  s.gw.Synced(),
		"node_id": s.gw.NodeID(),
		"nodes":   s.gw.Nodes().Len(),
	})
}

func (s *Server) nodes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"nodes": s.gw.Nodes().Snapshot(),
	})
}

func (s *Server) stats(c *gin.Context) {
	c.JSON(http.StatusOK, s.gw.Stats())
}
