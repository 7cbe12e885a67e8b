package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/outbound"
	"github.com/Martian-dev/mailsync/internal/provider/aurinko"
	"github.com/Martian-dev/mailsync/internal/reconcile"
	"github.com/Martian-dev/mailsync/internal/store"
	mailsync "github.com/Martian-dev/mailsync/internal/sync"
	"github.com/Martian-dev/mailsync/internal/syncerr"
)

const secret = "client-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

type headerVerifier struct{}

func (headerVerifier) UserFromRequest(r *http.Request) (*auth.User, error) {
	id := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if id == "" {
		return nil, errors.New("no token")
	}
	return &auth.User{ID: id}, nil
}

type trigger struct {
	AccountID string
	Mode      mailsync.Mode
}

type fakeSyncer struct {
	mu       sync.Mutex
	triggers []trigger
	calls    []trigger
	err      error
}

func (f *fakeSyncer) SyncAccount(_ context.Context, id string, mode mailsync.Mode) (*mailsync.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, trigger{id, mode})
	if f.err != nil {
		return nil, f.err
	}
	return &mailsync.Result{Mode: mode, Records: 3, Persisted: 3, Pages: 1, Cursor: "secret-cursor"}, nil
}

func (f *fakeSyncer) TriggerAsync(id string, mode mailsync.Mode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers = append(f.triggers, trigger{id, mode})
}

type fakeProvider struct {
	grant *aurinko.TokenGrant
	err   error
}

func (f *fakeProvider) AuthorizeURL(service aurinko.ServiceType, returnURL, state string) string {
	return fmt.Sprintf("https://provider.test/authorize?service=%s&return=%s&state=%s", service, returnURL, state)
}

func (f *fakeProvider) ExchangeCode(_ context.Context, code string) (*aurinko.TokenGrant, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.grant, nil
}

func (f *fakeProvider) AccountDetails(_ context.Context, token string) (*aurinko.AccountDetails, error) {
	return &aurinko.AccountDetails{Email: "new@example.com", Name: "New"}, nil
}

type nopSender struct{}

func (nopSender) SendMessage(context.Context, string, aurinko.OutgoingMessage) (string, error) {
	return "sent-1", nil
}

type harness struct {
	srv      *Server
	handler  http.Handler
	store    *store.Store
	syncer   *fakeSyncer
	provider *fakeProvider
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, store.Options{Path: filepath.Join(t.TempDir(), "api.db")})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	require.NoError(t, st.UpsertAccount(ctx, store.Account{ID: "acc-1", UserID: "alice", AccessToken: "tok-1", EmailAddress: "alice@example.com"}))
	require.NoError(t, st.UpsertAccount(ctx, store.Account{ID: "acc-2", UserID: "bob", AccessToken: "tok-2", EmailAddress: "bob@example.com"}))

	h := &harness{
		store:    st,
		syncer:   &fakeSyncer{},
		provider: &fakeProvider{grant: &aurinko.TokenGrant{AccountID: "777", AccessToken: "new-tok"}},
	}
	h.srv = New(Options{
		Store:         st,
		Syncer:        h.syncer,
		Provider:      h.provider,
		Sender:        outbound.NewSender(st, nopSender{}, nil),
		Verifier:      headerVerifier{},
		PublicURL:     "https://app.test/",
		AppRedirect:   "/mail",
		SigningSecret: secret,
	})
	h.handler = h.srv.Handler()
	return h
}

func (h *harness) do(method, path, user string, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+user)
	}
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	h := newHarness(t)
	w := h.do(http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"database":"ok"`)
}

func TestRequiresCaller(t *testing.T) {
	h := newHarness(t)
	w := h.do(http.MethodGet, "/api/accounts", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestListAccountsHidesTokens(t *testing.T) {
	h := newHarness(t)
	w := h.do(http.MethodGet, "/api/accounts", "alice", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "tok-1")

	var accounts []accountResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &accounts))
	require.Len(t, accounts, 1)
	assert.Equal(t, "acc-1", accounts[0].ID)
	assert.False(t, accounts[0].Ready)
}

func TestAccountOwnership(t *testing.T) {
	h := newHarness(t)
	w := h.do(http.MethodPost, "/api/accounts/acc-2/sync", "alice", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Empty(t, h.syncer.calls)
}

func TestManualSync(t *testing.T) {
	h := newHarness(t)
	w := h.do(http.MethodPost, "/api/accounts/acc-1/sync", "alice", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "secret-cursor")
	assert.Equal(t, []trigger{{"acc-1", mailsync.ModeAuto}}, h.syncer.calls)

	w = h.do(http.MethodPost, "/api/accounts/acc-1/sync?mode=bogus", "alice", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	h.syncer.err = syncerr.State("sync", syncerr.ErrSyncInProgress)
	w = h.do(http.MethodPost, "/api/accounts/acc-1/sync", "alice", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), `"kind":"state"`)
}

func TestInitialSyncRoute(t *testing.T) {
	h := newHarness(t)

	w := h.do(http.MethodPost, "/api/initial-sync", "alice", `{"accountId":"acc-1","userId":"alice"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []trigger{{"acc-1", mailsync.ModeInitial}}, h.syncer.calls)

	w = h.do(http.MethodPost, "/api/initial-sync", "alice", `{"accountId":"acc-2","userId":"bob"}`)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = h.do(http.MethodPost, "/api/initial-sync", "alice", `{"accountId":"acc-2","userId":"alice"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.do(http.MethodPost, "/api/initial-sync", "alice", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOAuthFlow(t *testing.T) {
	h := newHarness(t)

	w := h.do(http.MethodGet, "/api/aurinko/authorize?serviceType=Office365", "carol", "")
	require.Equal(t, http.StatusOK, w.Code)
	var out struct {
		URL string `json:"url"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Contains(t, out.URL, "return=https://app.test/api/aurinko/callback")
	state := out.URL[strings.Index(out.URL, "state=")+len("state="):]

	w = h.do(http.MethodGet, "/api/aurinko/callback?status=success&code=abc&state="+state, "", "")
	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/mail", w.Header().Get("Location"))

	account, err := h.store.GetAccountForUser(context.Background(), "777", "carol")
	require.NoError(t, err)
	assert.Equal(t, "new-tok", account.AccessToken)
	assert.Equal(t, "new@example.com", account.EmailAddress)
	assert.Equal(t, []trigger{{"777", mailsync.ModeInitial}}, h.syncer.triggers)
}

func TestOAuthCallbackRejects(t *testing.T) {
	h := newHarness(t)

	w := h.do(http.MethodGet, "/api/aurinko/callback?status=failure", "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(http.MethodGet, "/api/aurinko/callback?status=success&code=abc&state=forged", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	state, err := auth.SignState([]byte(secret), "carol")
	require.NoError(t, err)
	h.provider.err = syncerr.Auth("exchange_code", &aurinko.APIError{Op: "exchange_code", StatusCode: 401})
	w = h.do(http.MethodGet, "/api/aurinko/callback?status=success&code=abc&state="+state, "", "")
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Empty(t, h.syncer.triggers)
}

func signedWebhook(t *testing.T, body string, at time.Time) *http.Request {
	t.Helper()
	ts := strconv.FormatInt(at.Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/api/aurinko/webhook", strings.NewReader(body))
	req.Header.Set(headerTimestamp, ts)
	req.Header.Set(headerSignature, hex.EncodeToString(signWebhook([]byte(secret), ts, []byte(body))))
	return req
}

func TestWebhook(t *testing.T) {
	h := newHarness(t)
	serve := func(req *http.Request) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		h.handler.ServeHTTP(w, req)
		return w
	}

	w := h.do(http.MethodPost, "/api/aurinko/webhook?validationToken=abc123", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "abc123", w.Body.String())

	require.NoError(t, h.store.UpsertAccount(context.Background(), store.Account{ID: "123", UserID: "alice", AccessToken: "tok-3"}))
	body := `{"subscription":1,"resource":"/email/messages","accountId":123,"payloads":[{"id":"m1","changeType":"created"}]}`
	w = serve(signedWebhook(t, body, time.Now()))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []trigger{{"123", mailsync.ModeIncremental}}, h.syncer.triggers)

	tampered := signedWebhook(t, body, time.Now())
	tampered.Body = http.NoBody
	w = serve(tampered)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = serve(signedWebhook(t, body, time.Now().Add(-time.Hour)))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	unknown := `{"accountId":999}`
	w = serve(signedWebhook(t, unknown, time.Now()))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, h.syncer.triggers, 1)
}

func TestThreadsAndSuggestions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	raw := func(id, thread, label string, sent time.Time) json.RawMessage {
		b, err := json.Marshal(map[string]any{
			"id": id, "threadId": thread, "sentAt": sent.Format(time.RFC3339), "subject": "s-" + thread,
			"from":      map[string]string{"name": "Dana Scully", "address": "dana@example.com"},
			"to":        []map[string]string{{"address": "alice@example.com"}},
			"sysLabels": []string{label},
		})
		require.NoError(t, err)
		return b
	}
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	_, err := reconcile.New(h.store, reconcile.Options{}).Apply(ctx, "acc-1", []json.RawMessage{
		raw("m1", "t1", "inbox", base),
		raw("m2", "t2", "inbox", base.Add(time.Hour)),
		raw("m3", "t3", "sent", base.Add(2*time.Hour)),
	})
	require.NoError(t, err)

	w := h.do(http.MethodGet, "/api/accounts/acc-1/threads?tab=inbox&done=false", "alice", "")
	require.Equal(t, http.StatusOK, w.Code)
	var threads []store.ThreadView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &threads))
	require.Len(t, threads, 2)
	assert.Equal(t, "t2", threads[0].ProviderThreadID)
	require.Len(t, threads[0].Messages, 1)

	w = h.do(http.MethodGet, "/api/accounts/acc-1/threads/count?tab=sent", "alice", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"count":1}`, w.Body.String())

	w = h.do(http.MethodGet, "/api/accounts/acc-1/threads?tab=spam", "alice", "")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = h.do(http.MethodGet, "/api/accounts/acc-1/threads?done=maybe", "alice", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(http.MethodGet, "/api/accounts/acc-1/suggestions?q=scully", "alice", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "dana@example.com")

	w = h.do(http.MethodGet, "/api/accounts/acc-1/threads/"+threads[0].ID+"/reply", "alice", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"subject":"Re: s-t2"`)

	w = h.do(http.MethodGet, "/api/accounts/acc-1/threads/missing/reply", "alice", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSend(t *testing.T) {
	h := newHarness(t)

	w := h.do(http.MethodPost, "/api/accounts/acc-1/send", "alice",
		`{"from":{"address":"alice@example.com"},"to":[{"address":"bob@example.com"}],"subject":"hi","body":"yo"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.JSONEq(t, `{"id":"sent-1"}`, w.Body.String())

	w = h.do(http.MethodPost, "/api/accounts/acc-1/send", "alice", `{"from":{"address":"alice@example.com"}}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{syncerr.State("get", syncerr.ErrAccountNotFound), http.StatusNotFound},
		{syncerr.Auth("pull", errors.New("401")), http.StatusBadGateway},
		{syncerr.State("sync", syncerr.ErrAccountNotReady), http.StatusConflict},
		{syncerr.Data("apply", syncerr.ErrTooManyMalformed), http.StatusUnprocessableEntity},
		{syncerr.Transient("pull", errors.New("503")), http.StatusServiceUnavailable},
		{&aurinko.APIError{StatusCode: 400}, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
