// Package api exposes mailbox connection, sync triggers and mailbox reads
// over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/outbound"
	"github.com/Martian-dev/mailsync/internal/provider/aurinko"
	"github.com/Martian-dev/mailsync/internal/store"
	mailsync "github.com/Martian-dev/mailsync/internal/sync"
)

// Syncer starts account syncs.
type Syncer interface {
	SyncAccount(ctx context.Context, accountID string, mode mailsync.Mode) (*mailsync.Result, error)
	TriggerAsync(accountID string, mode mailsync.Mode)
}

// OAuthProvider connects mailboxes.
type OAuthProvider interface {
	AuthorizeURL(service aurinko.ServiceType, returnURL, state string) string
	ExchangeCode(ctx context.Context, code string) (*aurinko.TokenGrant, error)
	AccountDetails(ctx context.Context, token string) (*aurinko.AccountDetails, error)
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

type Options struct {
	Store    *store.Store
	Syncer   Syncer
	Provider OAuthProvider
	Sender   *outbound.Sender
	// Verifier authenticates callers. Nil disables authentication and
	// trusts the X-User-Id header, for local development only.
	Verifier auth.Verifier

	// PublicURL is where the provider redirects back to after OAuth.
	PublicURL string
	// AppRedirect is where the browser lands after a mailbox is connected.
	AppRedirect string
	// SigningSecret signs OAuth state and verifies webhook signatures.
	SigningSecret string
	// WebhookTolerance bounds the age of a signed webhook timestamp.
	WebhookTolerance time.Duration

	Health map[string]HealthCheck
	Logger log.FieldLogger
}

type Server struct {
	opts Options
	log  log.FieldLogger
	now  func() time.Time
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	if opts.AppRedirect == "" {
		opts.AppRedirect = "/mail"
	}
	if opts.WebhookTolerance <= 0 {
		opts.WebhookTolerance = 5 * time.Minute
	}
	return &Server{
		opts: opts,
		log:  opts.Logger.WithField("component", "api"),
		now:  time.Now,
	}
}

// Handler builds the gin engine with every route registered.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", s.healthz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/api/aurinko/callback", s.oauthCallback)
	r.POST("/api/aurinko/webhook", s.webhook)

	authorized := r.Group("/api")
	authorized.Use(s.authRequired())
	authorized.GET("/aurinko/authorize", s.authorizeURL)
	authorized.POST("/initial-sync", s.initialSync)
	authorized.GET("/accounts", s.listAccounts)

	account := authorized.Group("/accounts/:id")
	account.Use(s.accountScope())
	account.POST("/sync", s.syncAccount)
	account.GET("/threads", s.listThreads)
	account.GET("/threads/count", s.countThreads)
	account.GET("/threads/:threadId/reply", s.replyDetails)
	account.POST("/send", s.send)
	account.GET("/suggestions", s.suggestions)

	return r
}

func (s *Server) healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := gin.H{}
	if s.opts.Store != nil {
		if err := s.opts.Store.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			checks["database"] = err.Error()
		} else {
			checks["database"] = "ok"
		}
	}
	for name, check := range s.opts.Health {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			checks[name] = err.Error()
			continue
		}
		checks[name] = "ok"
	}
	c.JSON(status, checks)
}
