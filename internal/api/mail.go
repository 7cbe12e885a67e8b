package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/Martian-dev/mailsync/internal/outbound"
	"github.com/Martian-dev/mailsync/internal/store"
	mailsync "github.com/Martian-dev/mailsync/internal/sync"
)

type accountResponse struct {
	ID           string `json:"id"`
	EmailAddress string `json:"emailAddress"`
	Name         string `json:"name"`
	SyncStatus   string `json:"syncStatus"`
	LastError    string `json:"lastError,omitempty"`
	LastSyncedAt int64  `json:"lastSyncedAt,omitempty"`
	Ready        bool   `json:"ready"`
}

func newAccountResponse(a store.Account) accountResponse {
	return accountResponse{
		ID:           a.ID,
		EmailAddress: a.EmailAddress,
		Name:         a.Name,
		SyncStatus:   a.SyncStatus,
		LastError:    a.LastError.String,
		LastSyncedAt: a.LastSyncedAt.Int64,
		Ready:        a.HasCursor(),
	}
}

func (s *Server) listAccounts(c *gin.Context) {
	accounts, err := s.opts.Store.ListAccountsByUser(c.Request.Context(), c.GetString(ctxUserID))
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]accountResponse, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, newAccountResponse(a))
	}
	c.JSON(http.StatusOK, out)
}

// syncAccount runs a sync now. mode defaults to auto.
func (s *Server) syncAccount(c *gin.Context) {
	mode, ok := mailsync.ParseMode(c.Query("mode"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mode must be auto, initial or incremental"})
		return
	}
	res, err := s.opts.Syncer.SyncAccount(c.Request.Context(), currentAccount(c).ID, mode)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newSyncResponse(res))
}

func threadFilter(c *gin.Context) (store.ThreadFilter, bool) {
	f := store.ThreadFilter{Tab: c.DefaultQuery("tab", store.TabInbox)}
	if v := c.Query("done"); v != "" {
		done, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "done must be a boolean"})
			return f, false
		}
		f.Done = &done
	}
	if v := c.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return f, false
		}
		f.Limit = limit
	}
	return f, true
}

func (s *Server) listThreads(c *gin.Context) {
	f, ok := threadFilter(c)
	if !ok {
		return
	}
	threads, err := s.opts.Store.ListThreads(c.Request.Context(), currentAccount(c).ID, f)
	if err != nil {
		writeError(c, err)
		return
	}
	if threads == nil {
		threads = []store.ThreadView{}
	}
	c.JSON(http.StatusOK, threads)
}

func (s *Server) countThreads(c *gin.Context) {
	f, ok := threadFilter(c)
	if !ok {
		return
	}
	n, err := s.opts.Store.CountThreads(c.Request.Context(), currentAccount(c).ID, f)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": n})
}

func (s *Server) replyDetails(c *gin.Context) {
	env, err := s.opts.Sender.ReplyDetails(c.Request.Context(), currentAccount(c).ID, c.Param("threadId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, env)
}

func (s *Server) send(c *gin.Context) {
	var env outbound.Envelope
	if err := c.ShouldBindJSON(&env); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := s.opts.Sender.Send(c.Request.Context(), currentAccount(c).ID, env)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id})
}

func (s *Server) suggestions(c *gin.Context) {
	addrs, err := s.opts.Store.SuggestAddresses(c.Request.Context(), currentAccount(c).ID, c.Query("q"), 10)
	if err != nil {
		writeError(c, err)
		return
	}
	if addrs == nil {
		addrs = []store.AddressView{}
	}
	c.JSON(http.StatusOK, addrs)
}
