package api

import (
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/PENG1028/TradingFetcher/internal/feed"
)

type listQuery struct {
	Limit int `form:"limit"`
}

func (q *listQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

func (s *Server) getSystemStatus(c *gin.Context) {
	status := gin.H{
		"dry_run":   s.Meta.DryRun,
		"symbols":   s.Meta.Symbols,
		"version":   s.Meta.Version,
		"timestamp": time.Now(),
	}
	if s.Account != nil {
		status["tradable"] = s.Account.Tradable()
		status["open_positions"] = s.Account.PositionCount()
	}
	if s.Bus != nil {
		status["dropped_events"] = s.Bus.Dropped()
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) getMetrics(c *gin.Context) {
	if s.Metrics == nil {
		respondError(c, http.StatusServiceUnavailable, "metrics_unavailable", "metrics not configured")
		return
	}
	c.JSON(http.StatusOK, s.Metrics.GetSnapshot())
}

// getSpreads returns current cross-venue spreads, best first.
func (s *Server) getSpreads(c *gin.Context) {
	if s.Feed == nil {
		respondError(c, http.StatusServiceUnavailable, "feed_unavailable", "price feed not configured")
		return
	}
	_, spreads := s.Feed.Snapshot()

	out := make([]feed.Spread, 0, len(spreads))
	for _, sp := range spreads {
		out = append(out, sp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NetPct > out[j].NetPct })

	c.JSON(http.StatusOK, gin.H{"spreads": out, "count": len(out)})
}

func (s *Server) getQuotes(c *gin.Context) {
	if s.Feed == nil {
		respondError(c, http.StatusServiceUnavailable, "feed_unavailable", "price feed not configured")
		return
	}
	quotes, _ := s.Feed.Snapshot()
	c.JSON(http.StatusOK, gin.H{"quotes": quotes})
}

func (s *Server) getPositions(c *gin.Context) {
	if s.Account == nil {
		respondError(c, http.StatusServiceUnavailable, "account_unavailable", "account sync not configured")
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": s.Account.Positions()})
}

func (s *Server) getBalances(c *gin.Context) {
	if s.Account == nil {
		respondError(c, http.StatusServiceUnavailable, "account_unavailable", "account sync not configured")
		return
	}
	c.JSON(http.StatusOK, gin.H{"balances": s.Account.Balances()})
}

func (s *Server) getLocks(c *gin.Context) {
	if s.Locks == nil {
		respondError(c, http.StatusServiceUnavailable, "locks_unavailable", "controller not configured")
		return
	}
	held := s.Locks.Held()
	c.JSON(http.StatusOK, gin.H{"held": held, "count": len(held)})
}

func (s *Server) getCompletedArbs(c *gin.Context) {
	if s.Queries == nil {
		respondError(c, http.StatusServiceUnavailable, "db_unavailable", "database not configured")
		return
	}
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "bad_query", err.Error())
		return
	}
	q.normalize()

	arbs, err := s.Queries.RecentCompletedArbs(c.Request.Context(), q.Limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "query_failed", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"arbs": arbs, "count": len(arbs)})
}

func (s *Server) getTrades(c *gin.Context) {
	if s.Queries == nil {
		respondError(c, http.StatusServiceUnavailable, "db_unavailable", "database not configured")
		return
	}
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "bad_query", err.Error())
		return
	}
	q.normalize()

	trades, err := s.Queries.RecentTrades(c.Request.Context(), q.Limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "query_failed", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades, "count": len(trades)})
}
