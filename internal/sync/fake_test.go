package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailsync/internal/provider/aurinko"
	"github.com/Martian-dev/mailsync/internal/reconcile"
	"github.com/Martian-dev/mailsync/internal/store"
)

// fakeSource is a scripted provider. Pages are keyed "d:<deltaToken>" or
// "p:<pageToken>"; unknown keys return an empty page.
type fakeSource struct {
	mu         sync.Mutex
	windows    []aurinko.SyncWindow
	startCalls int
	pages      map[string]*aurinko.DeltaPage
	errs       map[string]error
	pulls      []aurinko.DeltaRequest
	onPull     func(req aurinko.DeltaRequest)
	startGate  chan struct{}
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		pages: make(map[string]*aurinko.DeltaPage),
		errs:  make(map[string]error),
	}
}

func (f *fakeSource) StartSync(ctx context.Context, _ string, _ aurinko.SyncOptions) (*aurinko.SyncWindow, error) {
	if f.startGate != nil {
		select {
		case <-f.startGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	if len(f.windows) == 0 {
		return &aurinko.SyncWindow{}, nil
	}
	w := f.windows[0]
	if len(f.windows) > 1 {
		f.windows = f.windows[1:]
	}
	return &w, nil
}

func key(req aurinko.DeltaRequest) string {
	if req.PageToken != "" {
		return "p:" + req.PageToken
	}
	return "d:" + req.DeltaToken
}

func (f *fakeSource) PullDelta(_ context.Context, _ string, req aurinko.DeltaRequest) (*aurinko.DeltaPage, error) {
	f.mu.Lock()
	f.pulls = append(f.pulls, req)
	hook := f.onPull
	err := f.errs[key(req)]
	page := f.pages[key(req)]
	f.mu.Unlock()

	if hook != nil {
		hook(req)
	}
	if err != nil {
		return nil, err
	}
	if page == nil {
		return &aurinko.DeltaPage{}, nil
	}
	cp := *page
	return &cp, nil
}

func (f *fakeSource) pullKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, len(f.pulls))
	for i, r := range f.pulls {
		keys[i] = key(r)
	}
	return keys
}

var t0 = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func msg(t *testing.T, id, threadID string, offset time.Duration, labels ...string) json.RawMessage {
	t.Helper()
	if len(labels) == 0 {
		labels = []string{"inbox"}
	}
	b, err := json.Marshal(map[string]any{
		"id":        id,
		"threadId":  threadID,
		"sentAt":    t0.Add(offset).Format(time.RFC3339),
		"subject":   "subject " + id,
		"from":      map[string]string{"address": "sender@example.com"},
		"to":        []map[string]string{{"address": "me@example.com"}},
		"sysLabels": labels,
	})
	require.NoError(t, err)
	return b
}

func msgs(t *testing.T, n int, prefix string) []json.RawMessage {
	out := make([]json.RawMessage, n)
	for i := range out {
		out[i] = msg(t, fmt.Sprintf("%s%d", prefix, i), "thread-"+prefix, time.Duration(i)*time.Minute)
	}
	return out
}

type harness struct {
	store   *store.Store
	source  *fakeSource
	runner  *Runner
	manager *Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, store.Options{Path: filepath.Join(t.TempDir(), "mail.db")})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.UpsertAccount(ctx, store.Account{ID: "acc", UserID: "user", AccessToken: "tok"}))

	src := newFakeSource()
	runner := NewRunner(src, reconcile.New(st, reconcile.Options{}), st, RunnerConfig{
		WindowPollInterval: time.Millisecond,
		WindowMaxAttempts:  5,
		MaxPages:           10,
	}, nil)
	mgr := NewManager(st, runner, time.Minute, nil)
	t.Cleanup(func() { _ = mgr.Shutdown(context.Background()) })
	return &harness{store: st, source: src, runner: runner, manager: mgr}
}

func (h *harness) account(t *testing.T) *store.Account {
	t.Helper()
	a, err := h.store.GetAccount(context.Background(), "acc")
	require.NoError(t, err)
	return a
}
