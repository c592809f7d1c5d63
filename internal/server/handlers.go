package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Martian-dev/mailsync/internal/sync"
)

// Error codes returned to callers. Failure details stay in the logs.
const (
	CodeInvalidRequest  = "INVALID_REQUEST"
	CodeAccountNotFound = "ACCOUNT_NOT_FOUND"
	CodeFailedToSync    = "FAILED_TO_SYNC"
	CodeInternal        = "INTERNAL_ERROR"
)

type initialSyncRequest struct {
	AccountID string `json:"accountId" binding:"required"`
	UserID    string `json:"userId" binding:"required"`
}

type initialSyncResponse struct {
	Success    bool    `json:"success"`
	DeltaToken *string `json:"deltaToken"`
	Complete   bool    `json:"complete"`
	Messages   int     `json:"messages"`
}

func (s *Server) handleInitialSync(c *gin.Context) {
	var req initialSyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": CodeInvalidRequest})
		return
	}

	// A caller may only sync their own accounts.
	if user, ok := currentUser(c); ok && user.ID != req.UserID {
		c.JSON(http.StatusNotFound, gin.H{"error": CodeAccountNotFound})
		return
	}

	result, err := s.syncs.SyncAccount(c.Request.Context(), sync.SyncRequest{
		AccountID: req.AccountID,
		UserID:    req.UserID,
		UserJWT:   bearerToken(c),
	})
	if err != nil {
		if _, classified := sync.KindOf(err); !classified && errors.Is(err, sync.ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": CodeAccountNotFound})
			return
		}
		s.logger.Error("initial sync failed", "account_id", req.AccountID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": CodeFailedToSync})
		return
	}

	resp := initialSyncResponse{
		Success:  true,
		Complete: result.Success(),
		Messages: result.Persisted,
	}
	if !result.FinalCursor.IsZero() {
		token := string(result.FinalCursor)
		resp.DeltaToken = &token
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSyncStatus(c *gin.Context) {
	accountID := c.Param("id")

	account, err := s.status.GetAccount(c.Request.Context(), accountID)
	if err != nil {
		if errors.Is(err, sync.ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": CodeAccountNotFound})
			return
		}
		s.logger.Error("failed to load account", "account_id", accountID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": CodeInternal})
		return
	}
	if user, ok := currentUser(c); ok && user.ID != account.UserID {
		c.JSON(http.StatusNotFound, gin.H{"error": CodeAccountNotFound})
		return
	}

	status, err := s.status.GetSyncStatus(c.Request.Context(), accountID)
	if errors.Is(err, sync.ErrAccountNotFound) {
		c.JSON(http.StatusOK, gin.H{
			"account_id": accountID,
			"status":     "NEVER_SYNCED",
			"running":    false,
		})
		return
	}
	if err != nil {
		s.logger.Error("failed to load sync status", "account_id", accountID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": CodeInternal})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"account_id":     status.AccountID,
		"status":         status.Status,
		"cursor":         status.Cursor,
		"last_error":     status.LastError,
		"retry_count":    status.RetryCount,
		"last_synced_at": status.LastSyncedAt,
		"updated_at":     status.UpdatedAt,
		"running":        s.isRunning(accountID),
	})
}

func (s *Server) handleRunning(c *gin.Context) {
	running := s.syncs.Running()
	if user, ok := currentUser(c); ok {
		own := running[:0:0]
		for _, rs := range running {
			if rs.UserID == user.ID {
				own = append(own, rs)
			}
		}
		running = own
	}
	c.JSON(http.StatusOK, gin.H{"syncs": running})
}

func (s *Server) isRunning(accountID string) bool {
	for _, rs := range s.syncs.Running() {
		if rs.AccountID == accountID {
			return true
		}
	}
	return false
}
