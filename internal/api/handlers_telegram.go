package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/events"
)

// POST /telegram/messages/:uid?message=...&category=
func (s *Server) handleEnqueueMessage(c *gin.Context) {
	msg := c.Query("message")
	if msg == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message query parameter is required"})
		return
	}
	ctx := c.Request.Context()
	uid, err := s.resolver.ResolveToUID(ctx, c.Param("uid"))
	if err != nil {
		s.fail(c, err)
		return
	}
	category := c.Query("category")
	if category == "" {
		category = events.CategoryStart
	}
	e := &events.Entry{
		Timestamp: time.Now().UTC(),
		UserID:    uid,
		EventType: "manual_message",
		Status:    events.StatusPending,
		Category:  category,
		Content:   msg,
	}
	if err := s.dispatcher.Enqueue(ctx, e); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"queued": true, "okx_uid": uid})
}

// GET /telegram/logs/:uid — chat-id or uid accepted.
func (s *Server) handleLogs(c *gin.Context) {
	uid, err := s.resolver.ResolveToUID(c.Request.Context(), c.Param("uid"))
	if err != nil {
		s.fail(c, err)
		return
	}
	s.writeLogs(c, uid)
}

// GET /telegram/logs/by_okx_uid/:uid
func (s *Server) handleLogsByUID(c *gin.Context) {
	s.writeLogs(c, c.Param("uid"))
}

func (s *Server) writeLogs(c *gin.Context, uid string) {
	limit, _ := strconv.ParseInt(c.DefaultQuery("limit", "50"), 10, 64)
	offset, _ := strconv.ParseInt(c.DefaultQuery("offset", "0"), 10, 64)
	logs, err := s.dispatcher.RecentLogs(c.Request.Context(), uid, limit, offset,
		c.Query("category"), c.Query("strategy_type"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"okx_uid": uid, "logs": logs, "count": len(logs)})
}

// GET /telegram/stats/:uid
func (s *Server) handleStats(c *gin.Context) {
	uid, err := s.resolver.ResolveToUID(c.Request.Context(), c.Param("uid"))
	if err != nil {
		s.fail(c, err)
		return
	}
	stats, err := s.dispatcher.Stats(c.Request.Context(), uid)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"okx_uid": uid, "stats": stats})
}
