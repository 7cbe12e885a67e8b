package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	mailsync "github.com/Martian-dev/mailsync/internal/sync"
	"github.com/Martian-dev/mailsync/internal/syncerr"
)

const (
	headerSignature = "X-Aurinko-Signature"
	headerTimestamp = "X-Aurinko-Request-Timestamp"
	maxWebhookBody  = 1 << 20
)

type webhookNotification struct {
	Subscription json.Number `json:"subscription"`
	Resource     string      `json:"resource"`
	AccountID    json.Number `json:"accountId"`
	Payloads     []struct {
		ID         string `json:"id"`
		ChangeType string `json:"changeType"`
	} `json:"payloads"`
}

// webhook accepts change notifications and schedules an incremental sync for
// the notified account. Provider validation requests are echoed back.
func (s *Server) webhook(c *gin.Context) {
	if token := c.Query("validationToken"); token != "" {
		c.String(http.StatusOK, token)
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	if err := s.verifySignature(c.GetHeader(headerTimestamp), c.GetHeader(headerSignature), body); err != nil {
		s.log.WithError(err).Warn("rejected webhook")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	var note webhookNotification
	if err := json.Unmarshal(body, &note); err != nil || note.AccountID.String() == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed notification"})
		return
	}

	accountID := note.AccountID.String()
	logger := s.log.WithFields(log.Fields{"account_id": accountID, "changes": len(note.Payloads)})
	if _, err := s.opts.Store.GetAccount(c.Request.Context(), accountID); err != nil {
		if errors.Is(err, syncerr.ErrAccountNotFound) {
			// Acknowledge so the provider stops redelivering.
			logger.Info("webhook for unknown account ignored")
			c.Status(http.StatusOK)
			return
		}
		writeError(c, err)
		return
	}

	logger.Debug("webhook received")
	s.opts.Syncer.TriggerAsync(accountID, mailsync.ModeIncremental)
	c.Status(http.StatusOK)
}

// verifySignature checks an HMAC-SHA256 over "v0:{timestamp}:{body}" keyed
// with the signing secret.
func (s *Server) verifySignature(timestamp, signature string, body []byte) error {
	if s.opts.SigningSecret == "" {
		return errors.New("webhook signing secret not configured")
	}
	if timestamp == "" || signature == "" {
		return errors.New("missing signature headers")
	}
	sent, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return errors.New("malformed timestamp")
	}
	age := s.now().Sub(time.Unix(sent, 0))
	if age < -s.opts.WebhookTolerance || age > s.opts.WebhookTolerance {
		return errors.New("timestamp outside tolerance")
	}

	got, err := hex.DecodeString(signature)
	if err != nil {
		return errors.New("malformed signature")
	}
	if !hmac.Equal(got, signWebhook([]byte(s.opts.SigningSecret), timestamp, body)) {
		return errors.New("signature mismatch")
	}
	return nil
}

func signWebhook(secret []byte, timestamp string, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte("v0:" + timestamp + ":"))
	mac.Write(body)
	return mac.Sum(nil)
}
