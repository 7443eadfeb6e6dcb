package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nghyane/qwen-pool-proxy/internal/apierr"
	"github.com/nghyane/qwen-pool-proxy/internal/cryptoutil"
	"github.com/nghyane/qwen-pool-proxy/internal/dispatcher"
	"github.com/nghyane/qwen-pool-proxy/internal/store"
)

func respondError(c *gin.Context, err error) {
	if apiErr, ok := err.(*apierr.Error); ok {
		c.JSON(apiErr.Status, gin.H{"success": false, "error": apiErr.Message})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"database": gin.H{
			"token_count": s.pool.Size(),
		},
	})
}

func (s *Server) handleMetrics(c *gin.Context) {
	_, _, entries := s.pool.Status(s.cfg.Location)
	valid := 0
	for _, e := range entries {
		if !e.IsExpired {
			valid++
		}
	}
	today := time.Now().In(s.cfg.Location).Format("2006-01-02")
	totalToday, _, _, err := s.store.ReadUsage(today)
	if err != nil {
		respondError(c, apierr.Internal(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"tokens": gin.H{
			"total": len(entries),
			"valid": valid,
		},
		"usage": gin.H{
			"today": totalToday,
		},
	})
}

type loginRequest struct {
	Password string `json:"password" binding:"required"`
}

func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierr.BadRequest("invalid request body: %v", err))
		return
	}
	if req.Password != s.cfg.Password {
		respondError(c, apierr.AuthRejected())
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// uploadTokenRequest is the shape accepted by /upload-token.
type uploadTokenRequest struct {
	AccessToken  string `json:"access_token" binding:"required"`
	RefreshToken string `json:"refresh_token" binding:"required"`
	ExpiresAt    *int64 `json:"expiry_date"`
}

func (s *Server) uploadToken(c *gin.Context) error {
	var req uploadTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return apierr.BadRequest("invalid request body: %v", err)
	}
	id := cryptoutil.TokenIDFor(req.RefreshToken)
	tok := store.Token{
		ID:           id,
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		ExpiresAt:    req.ExpiresAt,
		UploadedAt:   time.Now().UnixMilli(),
	}
	if err := s.pool.Upload(tok); err != nil {
		return apierr.Internal(err)
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "id": id})
	return nil
}

func (s *Server) handleUploadToken(c *gin.Context) {
	if err := s.uploadToken(c); err != nil {
		respondError(c, err)
	}
}

func (s *Server) handleTokenStatus(c *gin.Context) {
	hasToken, count, entries := s.pool.Status(s.cfg.Location)
	c.JSON(http.StatusOK, gin.H{
		"hasToken":   hasToken,
		"tokenCount": count,
		"tokens":     entries,
	})
}

type tokenIDRequest struct {
	ID string `json:"tokenId" binding:"required"`
}

func (s *Server) handleRefreshSingleToken(c *gin.Context) {
	var req tokenIDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierr.BadRequest("invalid request body: %v", err))
		return
	}
	result, ok := s.pool.RefreshOne(c.Request.Context(), req.ID)
	if !ok {
		respondError(c, apierr.NotFound("token %q not found", req.ID))
		return
	}
	message := "token refreshed"
	if !result.Success {
		message = result.Error
	}
	c.JSON(http.StatusOK, gin.H{"success": result.Success, "tokenId": req.ID, "message": message})
}

func (s *Server) handleDeleteToken(c *gin.Context) {
	var req tokenIDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierr.BadRequest("invalid request body: %v", err))
		return
	}
	existed, err := s.pool.Delete(req.ID)
	if err != nil {
		respondError(c, apierr.Internal(err))
		return
	}
	if !existed {
		respondError(c, apierr.NotFound("token %q not found", req.ID))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "tokenId": req.ID})
}

func (s *Server) handleDeleteAllTokens(c *gin.Context) {
	deleted, err := s.pool.DeleteAll()
	if err != nil {
		respondError(c, apierr.Internal(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "deletedCount": deleted})
}

func (s *Server) handleRefreshAll(c *gin.Context) {
	results, remaining := s.pool.RefreshAll(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"success": true, "refreshResults": results, "remainingTokens": remaining})
}

func (s *Server) handleOAuthInit(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 12*time.Second)
	defer cancel()
	result, err := s.oauth.Init(ctx)
	if err != nil {
		respondError(c, apierr.Internal(err))
		return
	}
	c.JSON(http.StatusOK, result)
}

type oauthStateRequest struct {
	StateID string `json:"stateId" binding:"required"`
}

func (s *Server) handleOAuthPoll(c *gin.Context) {
	var req oauthStateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierr.BadRequest("invalid request body: %v", err))
		return
	}
	result, err := s.oauth.Poll(c.Request.Context(), req.StateID)
	if err != nil {
		respondError(c, apierr.Internal(err))
		return
	}
	if result.Success && result.Token != nil {
		if err := s.pool.Upload(*result.Token); err != nil {
			respondError(c, apierr.Internal(err))
			return
		}
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleOAuthCancel(c *gin.Context) {
	var req oauthStateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierr.BadRequest("invalid request body: %v", err))
		return
	}
	s.oauth.Cancel(req.StateID)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleUsage(c *gin.Context) {
	date := c.Query("date")
	if date == "" {
		date = time.Now().In(s.cfg.Location).Format("2006-01-02")
	}
	totalTokens, callCount, models, err := s.store.ReadUsage(date)
	if err != nil {
		respondError(c, apierr.Internal(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"date":               date,
		"total_tokens_today": totalTokens,
		"total_calls_today":  callCount,
		"models":             models,
	})
}

func (s *Server) handleDeleteUsage(c *gin.Context) {
	date := c.Query("date")
	if date == "" {
		respondError(c, apierr.BadRequest("date query parameter is required"))
		return
	}
	rows, err := s.store.DeleteUsage(date)
	if err != nil {
		respondError(c, apierr.Internal(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "deletedCount": rows})
}

func (s *Server) handleAvailableDates(c *gin.Context) {
	dates, err := s.store.ListAvailableDates()
	if err != nil {
		respondError(c, apierr.Internal(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"dates": dates})
}

func (s *Server) handleChat(c *gin.Context) {
	s.forwardChat(c)
}

var supportedModels = []string{"qwen3-coder-plus", "qwen3-coder-flash"}

func (s *Server) handleListModels(c *gin.Context) {
	data := make([]gin.H, 0, len(supportedModels))
	for _, m := range supportedModels {
		data = append(data, gin.H{"id": m, "object": "model", "owned_by": "qwen"})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

func (s *Server) handleChatCompletions(c *gin.Context) {
	s.forwardChat(c)
}

func (s *Server) forwardChat(c *gin.Context) {
	var req dispatcher.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierr.BadRequest("invalid request body: %v", err))
		return
	}
	if err := s.dispatcher.ForwardChat(c.Request.Context(), &req, c.Writer); err != nil {
		respondError(c, err)
	}
}
