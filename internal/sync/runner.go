package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailsync/internal/logging"
	"github.com/Martian-dev/mailsync/internal/metrics"
	"github.com/Martian-dev/mailsync/internal/provider/aurinko"
	"github.com/Martian-dev/mailsync/internal/store"
	"github.com/Martian-dev/mailsync/internal/syncerr"
)

// RunnerConfig bounds the delta protocol.
type RunnerConfig struct {
	SyncOptions        aurinko.SyncOptions
	WindowPollInterval time.Duration
	WindowMaxAttempts  int
	MaxPages           int
}

func (c *RunnerConfig) applyDefaults() {
	if c.WindowPollInterval <= 0 {
		c.WindowPollInterval = time.Second
	}
	if c.WindowMaxAttempts <= 0 {
		c.WindowMaxAttempts = 30
	}
	if c.MaxPages <= 0 {
		c.MaxPages = 500
	}
}

// Result describes a finished run.
type Result struct {
	Mode         Mode
	Records      int
	Persisted    int
	Skipped      int
	Pages        int
	Cursor       string
	Acknowledged bool
	Duration     time.Duration
}

// Runner executes one sync of one account. It holds no per-account state;
// exclusivity is the Manager's job.
type Runner struct {
	source  DeltaSource
	applier Applier
	cursors CursorStore
	cfg     RunnerConfig
	log     log.FieldLogger
}

func NewRunner(source DeltaSource, applier Applier, cursors CursorStore, cfg RunnerConfig, logger log.FieldLogger) *Runner {
	cfg.applyDefaults()
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Runner{
		source:  source,
		applier: applier,
		cursors: cursors,
		cfg:     cfg,
		log:     logger.WithField("component", "sync"),
	}
}

// InitialSync pulls the whole configured window, commits it, stores the
// resulting cursor and only then acknowledges the window to the provider.
func (r *Runner) InitialSync(ctx context.Context, account *store.Account) (*Result, error) {
	start := time.Now()
	st := r.track(account.ID, ModeInitial)
	defer st.finish()

	st.to(StateWindowPending)
	window, err := r.waitForWindow(ctx, account.AccessToken)
	if err != nil {
		return nil, err
	}

	st.to(StateDraining)
	records, cursor, pages, err := r.drain(ctx, account.AccessToken, window.SyncUpdatedToken)
	if err != nil {
		return nil, err
	}

	report, err := r.applier.Apply(ctx, account.ID, records)
	if err != nil {
		return nil, err
	}
	st.to(StateCommitted)

	if err := checkLease(ctx, "save_cursor"); err != nil {
		return nil, err
	}
	if err := r.cursors.SaveCursor(ctx, account.ID, cursor); err != nil {
		return nil, fmt.Errorf("failed to save cursor: %w", err)
	}
	st.to(StateCursorAdvanced)

	res := &Result{
		Mode:      ModeInitial,
		Records:   report.Total,
		Persisted: report.Persisted,
		Skipped:   report.Skipped,
		Pages:     pages,
		Cursor:    cursor,
	}

	// The cursor is durable at this point; a failed acknowledgement only
	// means the next incremental run sees the window again.
	if err := checkLease(ctx, "ack_window"); err != nil {
		return nil, err
	}
	if _, err := r.source.PullDelta(ctx, account.AccessToken, aurinko.DeltaRequest{DeltaToken: cursor}); err != nil {
		st.log.WithError(err).Warn("sync window acknowledgement failed")
	} else {
		res.Acknowledged = true
	}

	res.Duration = time.Since(start)
	st.log.WithFields(log.Fields{
		"records":   res.Records,
		"persisted": res.Persisted,
		"skipped":   res.Skipped,
		"pages":     res.Pages,
		"cursor":    logging.Redact(cursor),
		"duration":  res.Duration,
	}).Info("initial sync complete")
	return res, nil
}

// IncrementalSync drains changes since the stored cursor. It never talks to
// the provider for an account without one.
func (r *Runner) IncrementalSync(ctx context.Context, account *store.Account) (*Result, error) {
	if !account.HasCursor() {
		return nil, syncerr.State("incremental_sync", fmt.Errorf("%w: %s", syncerr.ErrAccountNotReady, account.ID))
	}
	start := time.Now()
	st := r.track(account.ID, ModeIncremental)
	defer st.finish()

	st.to(StateDraining)
	records, cursor, pages, err := r.drain(ctx, account.AccessToken, account.Cursor())
	if err != nil {
		return nil, err
	}

	report, err := r.applier.Apply(ctx, account.ID, records)
	if err != nil {
		return nil, err
	}
	st.to(StateCommitted)

	if cursor != account.Cursor() {
		if err := checkLease(ctx, "save_cursor"); err != nil {
			return nil, err
		}
		if err := r.cursors.SaveCursor(ctx, account.ID, cursor); err != nil {
			return nil, fmt.Errorf("failed to save cursor: %w", err)
		}
		st.to(StateCursorAdvanced)
	}

	res := &Result{
		Mode:      ModeIncremental,
		Records:   report.Total,
		Persisted: report.Persisted,
		Skipped:   report.Skipped,
		Pages:     pages,
		Cursor:    cursor,
		Duration:  time.Since(start),
	}
	st.log.WithFields(log.Fields{
		"records":   res.Records,
		"persisted": res.Persisted,
		"pages":     res.Pages,
		"cursor":    logging.Redact(cursor),
	}).Debug("incremental sync complete")
	return res, nil
}

func (r *Runner) waitForWindow(ctx context.Context, token string) (*aurinko.SyncWindow, error) {
	for attempt := 1; ; attempt++ {
		window, err := r.source.StartSync(ctx, token, r.cfg.SyncOptions)
		if err != nil {
			return nil, err
		}
		if window.Ready {
			return window, nil
		}
		if attempt >= r.cfg.WindowMaxAttempts {
			return nil, syncerr.Transient("start_sync",
				fmt.Errorf("%w after %d attempts", syncerr.ErrWindowNotReady, attempt))
		}

		timer := time.NewTimer(r.cfg.WindowPollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// drain follows page tokens from seed until the provider stops returning
// one. The latest non-empty delta token wins; seed is kept if none comes.
func (r *Runner) drain(ctx context.Context, token, seed string) ([]json.RawMessage, string, int, error) {
	var records []json.RawMessage
	cursor := seed
	req := aurinko.DeltaRequest{DeltaToken: seed}

	for pages := 0; ; {
		if pages >= r.cfg.MaxPages {
			return nil, "", pages, syncerr.Data("pull_delta",
				fmt.Errorf("%w: more than %d pages", syncerr.ErrTooManyPages, r.cfg.MaxPages))
		}
		page, err := r.source.PullDelta(ctx, token, req)
		if err != nil {
			return nil, "", pages, err
		}
		pages++
		records = append(records, page.Records...)
		if page.NextDeltaToken != "" {
			cursor = page.NextDeltaToken
		}
		if page.NextPageToken == "" {
			return records, cursor, pages, nil
		}
		req = aurinko.DeltaRequest{PageToken: page.NextPageToken}
	}
}

type runState struct {
	state State
	log   log.FieldLogger
}

func (r *Runner) track(accountID string, mode Mode) *runState {
	st := &runState{
		state: StateNotStarted,
		log:   r.log.WithFields(log.Fields{"account_id": accountID, "mode": mode}),
	}
	metrics.SyncState.WithLabelValues(string(st.state)).Inc()
	return st
}

func (s *runState) to(next State) {
	metrics.SyncState.WithLabelValues(string(s.state)).Dec()
	metrics.SyncState.WithLabelValues(string(next)).Inc()
	s.log.WithFields(log.Fields{"from": s.state, "to": next}).Debug("sync state")
	s.state = next
}

func (s *runState) finish() {
	metrics.SyncState.WithLabelValues(string(s.state)).Dec()
}
