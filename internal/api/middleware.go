package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailsync/internal/store"
)

const (
	ctxUserID  = "user_id"
	ctxAccount = "account"
)

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		entry := s.log.WithFields(log.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"elapsed": time.Since(start).String(),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("request failed")
			return
		}
		entry.Debug("request")
	}
}

func (s *Server) authRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.opts.Verifier == nil {
			userID := c.GetHeader("X-User-Id")
			if userID == "" {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing X-User-Id header"})
				return
			}
			c.Set(ctxUserID, userID)
			c.Next()
			return
		}

		user, err := s.opts.Verifier.UserFromRequest(c.Request)
		if err != nil {
			s.log.WithError(err).Debug("authentication failed")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(ctxUserID, user.ID)
		c.Next()
	}
}

// accountScope loads the :id account and rejects callers that do not own it.
func (s *Server) accountScope() gin.HandlerFunc {
	return func(c *gin.Context) {
		account, err := s.opts.Store.GetAccountForUser(c.Request.Context(), c.Param("id"), c.GetString(ctxUserID))
		if err != nil {
			writeError(c, err)
			c.Abort()
			return
		}
		c.Set(ctxAccount, account)
		c.Next()
	}
}

func currentAccount(c *gin.Context) *store.Account {
	return c.MustGet(ctxAccount).(*store.Account)
}
