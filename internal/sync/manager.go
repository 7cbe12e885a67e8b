package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailsync/internal/metrics"
	"github.com/Martian-dev/mailsync/internal/store"
	"github.com/Martian-dev/mailsync/internal/syncerr"
)

// Manager runs syncs for many accounts, one at a time per account.
type Manager struct {
	store    *store.Store
	runner   *Runner
	leases   *LeaseTable
	leaseTTL time.Duration
	log      log.FieldLogger

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	runnersMutex sync.RWMutex
	runners      map[string]*activeRun
}

type activeRun struct {
	lease  *Lease
	cancel context.CancelFunc
}

// NewManager creates sync manager
func NewManager(st *store.Store, runner *Runner, leaseTTL time.Duration, logger log.FieldLogger) *Manager {
	if leaseTTL <= 0 {
		leaseTTL = 10 * time.Minute
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:    st,
		runner:   runner,
		leases:   NewLeaseTable(),
		leaseTTL: leaseTTL,
		log:      logger.WithField("component", "manager"),
		baseCtx:  ctx,
		cancel:   cancel,
		runners:  make(map[string]*activeRun),
	}
}

// SyncAccount runs one sync of accountID and records the outcome on the
// account. A concurrent run for the same account is rejected with
// syncerr.ErrSyncInProgress.
func (m *Manager) SyncAccount(ctx context.Context, accountID string, mode Mode) (*Result, error) {
	lease, err := m.leases.Acquire(accountID, m.leaseTTL)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	runCtx, cancel := context.WithCancel(withLease(ctx, lease))
	defer cancel()
	go lease.KeepAlive(runCtx)

	run := &activeRun{lease: lease, cancel: cancel}
	m.runnersMutex.Lock()
	m.runners[accountID] = run
	m.runnersMutex.Unlock()
	defer func() {
		m.runnersMutex.Lock()
		if m.runners[accountID] == run {
			delete(m.runners, accountID)
		}
		m.runnersMutex.Unlock()
	}()

	account, err := m.store.GetAccount(runCtx, accountID)
	if err != nil {
		return nil, err
	}
	if mode == ModeAuto {
		mode = ModeIncremental
		if !account.HasCursor() {
			mode = ModeInitial
		}
	}

	metrics.SyncInFlight.Inc()
	defer metrics.SyncInFlight.Dec()
	start := time.Now()

	// Status writes must land even when the run was cancelled.
	statusCtx := context.WithoutCancel(ctx)
	if err := m.store.UpdateSyncStatus(statusCtx, accountID, store.StatusSyncing, ""); err != nil {
		m.log.WithError(err).WithField("account_id", accountID).Warn("failed to record sync start")
	}

	var res *Result
	switch mode {
	case ModeInitial:
		res, err = m.runner.InitialSync(runCtx, account)
	case ModeIncremental:
		res, err = m.runner.IncrementalSync(runCtx, account)
	default:
		err = syncerr.State("sync_account", fmt.Errorf("unknown sync mode %q", mode))
	}
	metrics.SyncDuration.WithLabelValues(string(mode)).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.SyncRunsTotal.WithLabelValues(string(mode), metrics.ResultFailure).Inc()
		if serr := m.store.UpdateSyncStatus(statusCtx, accountID, store.StatusError, err.Error()); serr != nil {
			m.log.WithError(serr).WithField("account_id", accountID).Warn("failed to record sync error")
		}
		if syncerr.IsAuth(err) {
			if serr := m.store.MarkNeedsReauth(statusCtx, accountID); serr != nil {
				m.log.WithError(serr).WithField("account_id", accountID).Warn("failed to flag account for re-authentication")
			}
		}
		return nil, err
	}

	metrics.SyncRunsTotal.WithLabelValues(string(mode), metrics.ResultSuccess).Inc()
	if res.Cursor == account.Cursor() {
		if err := m.store.MarkSynced(statusCtx, accountID); err != nil {
			m.log.WithError(err).WithField("account_id", accountID).Warn("failed to record sync status")
		}
	}
	return res, nil
}

// TriggerAsync starts SyncAccount in the background. The run is bound to
// the manager's lifetime, not to the caller's request.
func (m *Manager) TriggerAsync(accountID string, mode Mode) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		logger := m.log.WithFields(log.Fields{"account_id": accountID, "mode": mode})
		logger.Debug("sync start")
		_, err := m.SyncAccount(m.baseCtx, accountID, mode)
		switch {
		case err == nil:
			logger.Debug("sync stop")
		case errors.Is(err, syncerr.ErrSyncInProgress):
			logger.Info("sync already running, trigger dropped")
		case errors.Is(err, context.Canceled):
			logger.Info("sync cancelled")
		default:
			logError(logger, err, "background sync failed")
		}
	}()
}

// Running returns the ids of accounts with a sync in progress.
func (m *Manager) Running() []string {
	return m.leases.Keys()
}

// IsRunning checks if a sync is running for accountID
func (m *Manager) IsRunning(accountID string) bool {
	return m.leases.Held(accountID)
}

// StopSync cancels the run for accountID, if any.
func (m *Manager) StopSync(accountID string) bool {
	m.runnersMutex.RLock()
	defer m.runnersMutex.RUnlock()
	run, ok := m.runners[accountID]
	if ok {
		run.cancel()
	}
	return ok
}

// Shutdown cancels background runs and waits for them or for ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancel()
	m.runnersMutex.RLock()
	for id, run := range m.runners {
		m.log.WithField("account_id", id).Info("stopping sync")
		run.cancel()
	}
	m.runnersMutex.RUnlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// logError logs auth failures at error level and everything else as a
// warning to be retried later.
func logError(logger log.FieldLogger, err error, msg string) {
	entry := logger.WithError(err).WithField("kind", syncerr.KindOf(err))
	if syncerr.IsAuth(err) {
		entry.Error(msg)
		return
	}
	entry.Warn(msg)
}
