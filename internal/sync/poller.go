package sync

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Martian-dev/mailsync/internal/retry"
	"github.com/Martian-dev/mailsync/internal/store"
	"github.com/Martian-dev/mailsync/internal/syncerr"
)

// PollerConfig controls the periodic incremental sync loop.
type PollerConfig struct {
	Interval    time.Duration
	Concurrency int
	// Backoff spaces out retries of accounts whose last run failed.
	Backoff retry.BackoffConfig
}

// Poller runs incremental syncs for every hooked account on a ticker.
type Poller struct {
	manager *Manager
	store   *store.Store
	cfg     PollerConfig
	delay   func(int) time.Duration
	now     func() time.Time
	log     log.FieldLogger

	mu       sync.Mutex
	failures map[string]failure
}

type failure struct {
	count     int
	notBefore time.Time
}

func NewPoller(manager *Manager, st *store.Store, cfg PollerConfig, logger log.FieldLogger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Backoff.InitialInterval <= 0 {
		cfg.Backoff = retry.BackoffConfig{
			InitialInterval: cfg.Interval,
			MaxInterval:     30 * time.Minute,
			Multiplier:      2,
			Jitter:          true,
		}
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Poller{
		manager:  manager,
		store:    st,
		cfg:      cfg,
		delay:    retry.ExponentialBackoff(cfg.Backoff),
		now:      time.Now,
		log:      logger.WithField("component", "poller"),
		failures: make(map[string]failure),
	}
}

// Run ticks until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.log.WithField("interval", p.cfg.Interval).Info("poller started")
	for {
		select {
		case <-ctx.Done():
			p.log.Info("poller stopped")
			return nil
		case <-ticker.C:
			if err := p.Tick(ctx); err != nil && ctx.Err() == nil {
				p.log.WithError(err).Warn("poll tick failed")
			}
		}
	}
}

// Tick syncs every eligible account once, in parallel up to Concurrency.
func (p *Poller) Tick(ctx context.Context) error {
	accounts, err := p.store.ListSyncableAccounts(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for _, account := range accounts {
		if !p.due(account.ID) {
			continue
		}
		id := account.ID
		g.Go(func() error {
			_, err := p.manager.SyncAccount(gctx, id, ModeIncremental)
			p.record(id, err)
			return nil
		})
	}
	return g.Wait()
}

func (p *Poller) due(accountID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.failures[accountID]
	return !ok || !p.now().Before(f.notBefore)
}

func (p *Poller) record(accountID string, err error) {
	logger := p.log.WithField("account_id", accountID)

	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case err == nil:
		delete(p.failures, accountID)
		return
	case errors.Is(err, syncerr.ErrSyncInProgress), errors.Is(err, context.Canceled):
		return
	}

	f := p.failures[accountID]
	f.count++
	wait := p.delay(f.count)
	f.notBefore = p.now().Add(wait)
	p.failures[accountID] = f

	logError(logger.WithFields(log.Fields{"failures": f.count, "next_attempt_in": wait}), err, "incremental sync failed")
}
