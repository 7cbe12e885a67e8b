package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Martian-dev/mailsync/internal/api"
	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/config"
	natsjs "github.com/Martian-dev/mailsync/internal/nats"
	"github.com/Martian-dev/mailsync/internal/outbound"
	"github.com/Martian-dev/mailsync/internal/retry"
	mailsync "github.com/Martian-dev/mailsync/internal/sync"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, poller and index dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	health := map[string]api.HealthCheck{}

	var verifier auth.Verifier
	if cfg.Auth.JWKSURL != "" {
		v, err := auth.NewJWTVerifier(ctx, cfg.Auth.JWKSURL, 0)
		if err != nil {
			return err
		}
		verifier = v
	} else {
		log.Warn("auth.jwks_url not set, trusting X-User-Id header")
	}

	var publisher *natsjs.Publisher
	if cfg.NATS.URL != "" {
		publisher, err = natsjs.NewPublisher(cfg.NATS.URL, cfg.NATS.Stream)
		if err != nil {
			return err
		}
		defer publisher.Close()
		if err := publisher.EnsureStream(ctx); err != nil {
			return err
		}
		health["nats"] = func(context.Context) error {
			if !publisher.Healthy() {
				return errors.New("not connected")
			}
			return nil
		}
	} else {
		log.Warn("nats.url not set, index events stay in the outbox")
	}

	gin.SetMode(gin.ReleaseMode)
	server := api.New(api.Options{
		Store:         a.store,
		Syncer:        a.manager,
		Provider:      a.client,
		Sender:        outbound.NewSender(a.store, a.client, nil),
		Verifier:      verifier,
		PublicURL:     cfg.Server.PublicURL,
		AppRedirect:   cfg.Server.AppRedirect,
		SigningSecret: cfg.Aurinko.ClientSecret,
		Health:        health,
	})
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	poller := mailsync.NewPoller(a.manager, a.store, mailsync.PollerConfig{
		Interval:    cfg.Sync.GetPollInterval(),
		Concurrency: cfg.Sync.PollConcurrency,
		Backoff: retry.BackoffConfig{
			InitialInterval: cfg.Sync.GetPollInterval(),
			MaxInterval:     30 * time.Minute,
			Multiplier:      2.0,
		},
	}, nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return poller.Run(gctx) })
	if publisher != nil {
		dispatcher := mailsync.NewDispatcher(a.store, publisher, mailsync.DispatcherConfig{
			Batch:   cfg.NATS.DispatchBatch,
			Idle:    cfg.NATS.GetDispatchIdle(),
			Backoff: cfg.NATS.GetPublishBackoff(),
		}, nil)
		g.Go(func() error { return dispatcher.Run(gctx) })
	}
	g.Go(func() error {
		log.WithField("addr", cfg.Server.Addr).Info("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("http shutdown")
		}
		return a.manager.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
