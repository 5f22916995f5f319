package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/exchange"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/store"
)

type registerRequest struct {
	UserID     string `json:"user_id" binding:"required"`
	APIKey     string `json:"api_key" binding:"required"`
	Secret     string `json:"secret" binding:"required"`
	Passphrase string `json:"passphrase" binding:"required"`
}

// POST /user/register
func (s *Server) handleUserRegister(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id, api_key, secret and passphrase are required"})
		return
	}
	ctx := c.Request.Context()
	uid, err := s.resolver.ResolveToUID(ctx, req.UserID)
	if err != nil {
		s.fail(c, err)
		return
	}
	if err := s.creds.Save(ctx, uid, exchange.Credentials{
		Key:        req.APIKey,
		Secret:     req.Secret,
		Passphrase: req.Passphrase,
	}); err != nil {
		s.fail(c, err)
		return
	}
	// A chat-id registration also records the identity mapping.
	if uid != req.UserID {
		if err := s.resolver.StoreMapping(ctx, req.UserID, uid); err != nil {
			s.logger.Warn().Err(err).Str("okx_uid", uid).Msg("mapping write failed on register")
		}
	}
	if _, err := s.settings.Get(ctx, uid); err != nil {
		s.logger.Warn().Err(err).Str("okx_uid", uid).Msg("settings default-init failed on register")
	}
	c.JSON(http.StatusOK, gin.H{"okx_uid": uid, "registered": true})
}

// GET /user/:uid
func (s *Server) handleUserGet(c *gin.Context) {
	ctx := c.Request.Context()
	uid, err := s.resolver.ResolveToUID(ctx, c.Param("uid"))
	if err != nil {
		s.fail(c, err)
		return
	}
	info, err := s.controller.Status(ctx, uid, "")
	if err != nil {
		s.fail(c, err)
		return
	}
	stats, _ := s.store.HGetAll(ctx, store.UserStatsKey(uid))
	chatID, _ := s.resolver.ResolveToChatID(ctx, uid)
	c.JSON(http.StatusOK, gin.H{
		"okx_uid": uid,
		"chat_id": chatID,
		"status":  info,
		"stats":   stats,
	})
}

// GET /user/:uid/okx_uid — forward mapping lookup for a chat id.
func (s *Server) handleMappingGet(c *gin.Context) {
	uid, err := s.resolver.ResolveToUID(c.Request.Context(), c.Param("uid"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": c.Param("uid"), "okx_uid": uid})
}

// POST /user/:uid/okx_uid/:okx_uid — write both mapping directions.
func (s *Server) handleMappingSet(c *gin.Context) {
	chatID := c.Param("uid")
	uid := c.Param("okx_uid")
	if err := s.resolver.StoreMapping(c.Request.Context(), chatID, uid); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chat_id": chatID, "okx_uid": uid})
}

// GET /user/okx/:uid/telegram — reverse lookup.
func (s *Server) handleReverseLookup(c *gin.Context) {
	chatID, err := s.resolver.ResolveToChatID(c.Request.Context(), c.Param("uid"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if chatID == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "no linked chat id"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"okx_uid": c.Param("uid"), "chat_id": chatID})
}
