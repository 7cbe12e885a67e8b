package sync

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailsync/internal/provider/aurinko"
	"github.com/Martian-dev/mailsync/internal/syncerr"
)

func TestInitialSyncEndToEnd(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.source.windows = []aurinko.SyncWindow{{Ready: false}, {Ready: true, SyncUpdatedToken: "T1"}}
	h.source.pages["d:T1"] = &aurinko.DeltaPage{
		Records:       []json.RawMessage{msg(t, "m1", "th1", 0), msg(t, "m2", "th1", time.Minute)},
		NextPageToken: "P1",
	}
	h.source.pages["p:P1"] = &aurinko.DeltaPage{
		Records:        []json.RawMessage{msg(t, "m3", "th2", 2*time.Minute)},
		NextDeltaToken: "T2",
	}
	// The acknowledging pull returns records that must not be stored.
	h.source.pages["d:T2"] = &aurinko.DeltaPage{Records: []json.RawMessage{msg(t, "ghost", "th3", 0)}}

	var cursorAtAck string
	h.source.onPull = func(req aurinko.DeltaRequest) {
		if req.DeltaToken == "T2" {
			cursorAtAck, _ = h.store.LoadCursor(ctx, "acc")
		}
	}

	res, err := h.runner.InitialSync(ctx, h.account(t))
	require.NoError(t, err)

	assert.Equal(t, 2, h.source.startCalls)
	assert.Equal(t, []string{"d:T1", "p:P1", "d:T2"}, h.source.pullKeys())
	assert.Equal(t, "T2", cursorAtAck, "cursor must be durable before the acknowledgement")
	assert.Equal(t, 3, res.Persisted)
	assert.Equal(t, 2, res.Pages)
	assert.Equal(t, "T2", res.Cursor)
	assert.True(t, res.Acknowledged)

	counts, err := h.store.Counts(ctx, "acc")
	require.NoError(t, err)
	assert.Equal(t, 3, counts.Messages)
	assert.Equal(t, 2, counts.Threads)
	assert.Equal(t, "T2", h.account(t).Cursor())
}

func TestDrainFollowsPagesAndKeepsLatestDeltaToken(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.store.SaveCursor(ctx, "acc", "D0"))
	h.source.pages["d:D0"] = &aurinko.DeltaPage{Records: msgs(t, 2, "a"), NextPageToken: "P1", NextDeltaToken: "D-early"}
	h.source.pages["p:P1"] = &aurinko.DeltaPage{Records: msgs(t, 2, "b"), NextPageToken: "P2"}
	h.source.pages["p:P2"] = &aurinko.DeltaPage{Records: msgs(t, 2, "c"), NextDeltaToken: "D1"}

	res, err := h.runner.IncrementalSync(ctx, h.account(t))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Pages)
	assert.Equal(t, 6, res.Persisted)
	assert.Equal(t, "D1", res.Cursor)
	assert.Equal(t, []string{"d:D0", "p:P1", "p:P2"}, h.source.pullKeys(), "incremental sync sends no acknowledgement")
	assert.Equal(t, "D1", h.account(t).Cursor())
}

func TestIncrementalSyncKeepsCursorWhenNoneReturned(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.store.SaveCursor(ctx, "acc", "D0"))

	res, err := h.runner.IncrementalSync(ctx, h.account(t))
	require.NoError(t, err)
	assert.Equal(t, "D0", res.Cursor)
	assert.Zero(t, res.Records)
	assert.Equal(t, "D0", h.account(t).Cursor())
}

func TestIncrementalSyncRequiresCursor(t *testing.T) {
	h := newHarness(t)

	_, err := h.runner.IncrementalSync(context.Background(), h.account(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, syncerr.ErrAccountNotReady)
	assert.True(t, syncerr.IsState(err))
	assert.Empty(t, h.source.pullKeys())
}

func TestWindowWaitIsCapped(t *testing.T) {
	h := newHarness(t)

	_, err := h.runner.InitialSync(context.Background(), h.account(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, syncerr.ErrWindowNotReady)
	assert.True(t, syncerr.IsRetryable(err))
	assert.Equal(t, 5, h.source.startCalls)
	assert.Empty(t, h.account(t).Cursor())
}

func TestWindowWaitHonorsCancellation(t *testing.T) {
	h := newHarness(t)
	h.runner.cfg.WindowPollInterval = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.runner.InitialSync(ctx, h.account(t))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, h.source.startCalls)
}

func TestFailedAcknowledgementKeepsCommittedCursor(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.source.windows = []aurinko.SyncWindow{{Ready: true, SyncUpdatedToken: "T1"}}
	h.source.pages["d:T1"] = &aurinko.DeltaPage{Records: msgs(t, 3, "m"), NextDeltaToken: "T2"}
	h.source.errs["d:T2"] = syncerr.Transient("pull_delta", errors.New("connection reset"))

	res, err := h.runner.InitialSync(ctx, h.account(t))
	require.NoError(t, err)
	assert.False(t, res.Acknowledged)
	assert.Equal(t, "T2", h.account(t).Cursor())

	// The unacknowledged window is served again; replay must converge.
	delete(h.source.errs, "d:T2")
	h.source.pages["d:T2"] = &aurinko.DeltaPage{Records: msgs(t, 3, "m"), NextDeltaToken: "T3"}
	res, err = h.runner.IncrementalSync(ctx, h.account(t))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Persisted)

	counts, err := h.store.Counts(ctx, "acc")
	require.NoError(t, err)
	assert.Equal(t, 3, counts.Messages)
	assert.Equal(t, 1, counts.Threads)
	assert.Equal(t, "T3", h.account(t).Cursor())
}

func TestPullFailureDoesNotAdvanceCursor(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.store.SaveCursor(ctx, "acc", "D0"))
	h.source.pages["d:D0"] = &aurinko.DeltaPage{Records: msgs(t, 2, "a"), NextPageToken: "P1"}
	h.source.errs["p:P1"] = syncerr.Auth("pull_delta", errors.New("401"))

	_, err := h.runner.IncrementalSync(ctx, h.account(t))
	require.Error(t, err)
	assert.True(t, syncerr.IsAuth(err))
	assert.Equal(t, "D0", h.account(t).Cursor())

	counts, err := h.store.Counts(ctx, "acc")
	require.NoError(t, err)
	assert.Zero(t, counts.Messages)
}

func TestMalformedRecordsDoNotBlockCursor(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	records := msgs(t, 10, "m")
	records[6] = json.RawMessage(`{"id":"m6","sentAt":"2024-05-01T08:06:00Z","from":{"address":"a@b.c"}}`)
	h.source.windows = []aurinko.SyncWindow{{Ready: true, SyncUpdatedToken: "T1"}}
	h.source.pages["d:T1"] = &aurinko.DeltaPage{Records: records, NextDeltaToken: "T2"}

	res, err := h.runner.InitialSync(ctx, h.account(t))
	require.NoError(t, err)
	assert.Equal(t, 10, res.Records)
	assert.Equal(t, 9, res.Persisted)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, "T2", h.account(t).Cursor())
}

func TestTooManyPagesIsDataError(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.store.SaveCursor(ctx, "acc", "D0"))
	h.source.pages["d:D0"] = &aurinko.DeltaPage{NextPageToken: "loop"}
	h.source.pages["p:loop"] = &aurinko.DeltaPage{NextPageToken: "loop"}

	_, err := h.runner.IncrementalSync(ctx, h.account(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, syncerr.ErrTooManyPages)
	assert.True(t, syncerr.IsData(err))
	assert.Len(t, h.source.pullKeys(), 10)
	assert.Equal(t, "D0", h.account(t).Cursor())
}
