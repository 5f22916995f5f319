package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/scheduler"
)

type startRequest struct {
	UserID    string `json:"user_id" binding:"required"`
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
}

// POST /trading/start?restart=true
func (s *Server) handleTradingStart(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}
	restart, _ := strconv.ParseBool(c.Query("restart"))

	res, err := s.controller.Start(c.Request.Context(), scheduler.StartRequest{
		UserID:    req.UserID,
		Symbol:    req.Symbol,
		Timeframe: req.Timeframe,
		Restart:   restart,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type stopRequest struct {
	OkxUID string `json:"okx_uid"`
}

// POST /trading/stop — body {okx_uid} or ?user_id=
func (s *Server) handleTradingStop(c *gin.Context) {
	var req stopRequest
	_ = c.ShouldBindJSON(&req)
	id := req.OkxUID
	if id == "" {
		id = c.Query("user_id")
	}
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "okx_uid or user_id is required"})
		return
	}
	uid, err := s.controller.Stop(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"okx_uid": uid, "status": scheduler.StatusStopped})
}

// POST /trading/start_all_users
func (s *Server) handleStartAllUsers(c *gin.Context) {
	res, err := s.controller.StartAllRunning(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// POST /trading/stop_all_running_users
func (s *Server) handleStopAllUsers(c *gin.Context) {
	res, err := s.controller.StopAllRunning(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stopped_users": res.Restarted, "errors": res.Errors})
}

// GET /trading/running_users
func (s *Server) handleRunningUsers(c *gin.Context) {
	users, err := s.controller.RunningUsers(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	uids := make([]string, 0, len(users))
	seen := map[string]bool{}
	for _, u := range users {
		if !seen[u.UID] {
			seen[u.UID] = true
			uids = append(uids, u.UID)
		}
	}
	c.JSON(http.StatusOK, gin.H{"running_users": uids, "pairs": users})
}

// GET /trading/status/:uid[/:symbol]
func (s *Server) handleTradingStatus(c *gin.Context) {
	info, err := s.controller.Status(c.Request.Context(), c.Param("uid"), c.Param("symbol"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}
