// Package api exposes read-only status endpoints over gin. The arb
// core is driven by the controller loop, not by HTTP, so the surface
// is observational: spreads, positions, balances, locks, history.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/PENG1028/TradingFetcher/internal/account"
	"github.com/PENG1028/TradingFetcher/internal/controller"
	"github.com/PENG1028/TradingFetcher/internal/events"
	"github.com/PENG1028/TradingFetcher/internal/feed"
	"github.com/PENG1028/TradingFetcher/internal/monitor"
	"github.com/PENG1028/TradingFetcher/pkg/db"
)

// Server wires HTTP endpoints around the running components.
type Server struct {
	Router  *gin.Engine
	Bus     *events.Bus
	Queries *db.Queries
	Feed    *feed.Aggregator
	Account *account.Synchronizer
	Locks   *controller.LockTable
	Metrics *monitor.SystemMetrics
	Meta    SystemMeta
}

// SystemMeta describes runtime status exposed to clients.
type SystemMeta struct {
	DryRun  bool
	Symbols []string
	Version string
}

func NewServer(bus *events.Bus, queries *db.Queries, agg *feed.Aggregator, acct *account.Synchronizer, locks *controller.LockTable, metrics *monitor.SystemMetrics, meta SystemMeta) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(metrics))
	r.Use(RateLimitMiddleware())
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:  r,
		Bus:     bus,
		Queries: queries,
		Feed:    agg,
		Account: acct,
		Locks:   locks,
		Metrics: metrics,
		Meta:    meta,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.GET("/system/status", s.getSystemStatus)
		api.GET("/metrics", s.getMetrics)
		api.GET("/spreads", s.getSpreads)
		api.GET("/quotes", s.getQuotes)
		api.GET("/positions", s.getPositions)
		api.GET("/balances", s.getBalances)
		api.GET("/locks", s.getLocks)
		api.GET("/arbs", s.getCompletedArbs)
		api.GET("/trades", s.getTrades)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
