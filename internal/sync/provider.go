package sync

import (
	"context"
	"encoding/json"

	"github.com/Martian-dev/mailsync/internal/provider/aurinko"
	"github.com/Martian-dev/mailsync/internal/reconcile"
)

// Mode selects which sync protocol a run uses.
type Mode string

const (
	// ModeAuto runs an initial sync when no cursor is stored and an
	// incremental sync otherwise.
	ModeAuto        Mode = "auto"
	ModeInitial     Mode = "initial"
	ModeIncremental Mode = "incremental"
)

// ParseMode maps user input onto a Mode.
func ParseMode(s string) (Mode, bool) {
	switch Mode(s) {
	case "", ModeAuto:
		return ModeAuto, true
	case ModeInitial:
		return ModeInitial, true
	case ModeIncremental:
		return ModeIncremental, true
	}
	return "", false
}

// State is a step of one sync run.
type State string

const (
	StateNotStarted     State = "NOT_STARTED"
	StateWindowPending  State = "WINDOW_PENDING"
	StateDraining       State = "DRAINING"
	StateCommitted      State = "COMMITTED"
	StateCursorAdvanced State = "CURSOR_ADVANCED"
)

// DeltaSource is the provider side of the delta protocol.
type DeltaSource interface {
	StartSync(ctx context.Context, token string, opts aurinko.SyncOptions) (*aurinko.SyncWindow, error)
	PullDelta(ctx context.Context, token string, req aurinko.DeltaRequest) (*aurinko.DeltaPage, error)
}

// Applier persists a drained batch of raw records.
type Applier interface {
	Apply(ctx context.Context, accountID string, records []json.RawMessage) (reconcile.Report, error)
}

// CursorStore persists the delta token once a batch is committed.
type CursorStore interface {
	SaveCursor(ctx context.Context, accountID, cursor string) error
}
