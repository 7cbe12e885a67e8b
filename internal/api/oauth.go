package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/provider/aurinko"
	"github.com/Martian-dev/mailsync/internal/store"
	mailsync "github.com/Martian-dev/mailsync/internal/sync"
)

func (s *Server) callbackURL() string {
	return strings.TrimRight(s.opts.PublicURL, "/") + "/api/aurinko/callback"
}

// authorizeURL returns the provider URL that connects a mailbox for the caller.
func (s *Server) authorizeURL(c *gin.Context) {
	service := aurinko.ServiceType(c.DefaultQuery("serviceType", string(aurinko.ServiceGoogle)))
	if service != aurinko.ServiceGoogle && service != aurinko.ServiceOffice365 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported serviceType"})
		return
	}
	state, err := auth.SignState([]byte(s.opts.SigningSecret), c.GetString(ctxUserID))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": s.opts.Provider.AuthorizeURL(service, s.callbackURL(), state)})
}

// oauthCallback finishes the OAuth round trip, stores the account and starts
// its initial sync in the background.
func (s *Server) oauthCallback(c *gin.Context) {
	if c.Query("status") != "success" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "account connection failed"})
		return
	}
	userID, err := auth.VerifyState([]byte(s.opts.SigningSecret), c.Query("state"))
	if err != nil {
		s.log.WithError(err).Warn("rejected oauth callback")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid state"})
		return
	}

	ctx := c.Request.Context()
	grant, err := s.opts.Provider.ExchangeCode(ctx, c.Query("code"))
	if err != nil {
		writeError(c, err)
		return
	}
	details, err := s.opts.Provider.AccountDetails(ctx, grant.AccessToken)
	if err != nil {
		writeError(c, err)
		return
	}

	account := store.Account{
		ID:           grant.AccountID.String(),
		UserID:       userID,
		AccessToken:  grant.AccessToken,
		EmailAddress: details.Email,
		Name:         details.Name,
	}
	if err := s.opts.Store.UpsertAccount(ctx, account); err != nil {
		writeError(c, err)
		return
	}
	s.log.WithFields(log.Fields{"account_id": account.ID, "user_id": userID}).Info("account connected")

	s.opts.Syncer.TriggerAsync(account.ID, mailsync.ModeInitial)
	c.Redirect(http.StatusFound, s.opts.AppRedirect)
}

type initialSyncRequest struct {
	AccountID string `json:"accountId" binding:"required"`
	UserID    string `json:"userId" binding:"required"`
}

// initialSync runs an initial sync in the request and reports its outcome.
func (s *Server) initialSync(c *gin.Context) {
	var req initialSyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.UserID != c.GetString(ctxUserID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "userId does not match caller"})
		return
	}
	if _, err := s.opts.Store.GetAccountForUser(c.Request.Context(), req.AccountID, req.UserID); err != nil {
		writeError(c, err)
		return
	}

	res, err := s.opts.Syncer.SyncAccount(c.Request.Context(), req.AccountID, mailsync.ModeInitial)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newSyncResponse(res))
}

type syncResponse struct {
	Mode         string `json:"mode"`
	Records      int    `json:"records"`
	Persisted    int    `json:"persisted"`
	Skipped      int    `json:"skipped"`
	Pages        int    `json:"pages"`
	Acknowledged bool   `json:"acknowledged"`
	DurationMS   int64  `json:"durationMs"`
}

func newSyncResponse(res *mailsync.Result) syncResponse {
	return syncResponse{
		Mode:         string(res.Mode),
		Records:      res.Records,
		Persisted:    res.Persisted,
		Skipped:      res.Skipped,
		Pages:        res.Pages,
		Acknowledged: res.Acknowledged,
		DurationMS:   res.Duration.Milliseconds(),
	}
}
