package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/settings"
)

// GET /settings/:uid
func (s *Server) handleSettingsGet(c *gin.Context) {
	ctx := c.Request.Context()
	uid, err := s.resolver.ResolveToUID(ctx, c.Param("uid"))
	if err != nil {
		s.fail(c, err)
		return
	}
	set, err := s.settings.Get(ctx, uid)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, set)
}

// PUT /settings/:uid — strict replacement of the whole settings blob.
func (s *Server) handleSettingsPut(c *gin.Context) {
	ctx := c.Request.Context()
	uid, err := s.resolver.ResolveToUID(ctx, c.Param("uid"))
	if err != nil {
		s.fail(c, err)
		return
	}
	var set settings.Settings
	if err := c.ShouldBindJSON(&set); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed settings payload"})
		return
	}
	if err := s.settings.Set(ctx, uid, set); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, set)
}

// POST /settings/:uid/reset
func (s *Server) handleSettingsReset(c *gin.Context) {
	ctx := c.Request.Context()
	uid, err := s.resolver.ResolveToUID(ctx, c.Param("uid"))
	if err != nil {
		s.fail(c, err)
		return
	}
	set, err := s.settings.Reset(ctx, uid)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, set)
}

// GET /settings/:uid/dual_side
func (s *Server) handleDualSideGet(c *gin.Context) {
	ctx := c.Request.Context()
	uid, err := s.resolver.ResolveToUID(ctx, c.Param("uid"))
	if err != nil {
		s.fail(c, err)
		return
	}
	d, err := s.settings.GetDualSide(ctx, uid)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// PUT /settings/:uid/dual_side
func (s *Server) handleDualSidePut(c *gin.Context) {
	ctx := c.Request.Context()
	uid, err := s.resolver.ResolveToUID(ctx, c.Param("uid"))
	if err != nil {
		s.fail(c, err)
		return
	}
	var d settings.DualSide
	if err := c.ShouldBindJSON(&d); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed dual-side payload"})
		return
	}
	if err := s.settings.SetDualSide(ctx, uid, d); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// presetUID resolves the owner of a preset request from ?user_id.
func (s *Server) presetUID(c *gin.Context) (string, bool) {
	id := c.Query("user_id")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id query parameter is required"})
		return "", false
	}
	uid, err := s.resolver.ResolveToUID(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return "", false
	}
	return uid, true
}

type presetRequest struct {
	Name        string            `json:"name" binding:"required,max=50"`
	Description string            `json:"description" binding:"max=200"`
	IsDefault   bool              `json:"is_default"`
	Settings    settings.Settings `json:"settings"`
}

// POST /presets?user_id=
func (s *Server) handlePresetCreate(c *gin.Context) {
	uid, ok := s.presetUID(c)
	if !ok {
		return
	}
	var req presetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name (<=50 chars) is required, description <=200 chars"})
		return
	}
	p, err := s.presets.Create(c.Request.Context(), uid, req.Name, req.Description, req.IsDefault, req.Settings)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

// GET /presets?user_id=
func (s *Server) handlePresetList(c *gin.Context) {
	uid, ok := s.presetUID(c)
	if !ok {
		return
	}
	list, err := s.presets.List(c.Request.Context(), uid)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"presets": list})
}

// GET /presets/:id?user_id=
func (s *Server) handlePresetGet(c *gin.Context) {
	uid, ok := s.presetUID(c)
	if !ok {
		return
	}
	p, err := s.presets.Get(c.Request.Context(), uid, c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// PUT /presets/:id?user_id=
func (s *Server) handlePresetUpdate(c *gin.Context) {
	uid, ok := s.presetUID(c)
	if !ok {
		return
	}
	var req presetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name (<=50 chars) is required, description <=200 chars"})
		return
	}
	p, err := s.presets.Update(c.Request.Context(), uid, c.Param("id"), req.Name, req.Description, req.Settings)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// DELETE /presets/:id?user_id=
func (s *Server) handlePresetDelete(c *gin.Context) {
	uid, ok := s.presetUID(c)
	if !ok {
		return
	}
	if err := s.presets.Delete(c.Request.Context(), uid, c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": c.Param("id")})
}

// POST /presets/:id/default?user_id=
func (s *Server) handlePresetSetDefault(c *gin.Context) {
	uid, ok := s.presetUID(c)
	if !ok {
		return
	}
	if err := s.presets.SetDefault(c.Request.Context(), uid, c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"default": c.Param("id")})
}
