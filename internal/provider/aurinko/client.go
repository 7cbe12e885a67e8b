// Package aurinko is a thin typed client for the Aurinko unified email API:
// sync windows, delta pulls, message sending and the OAuth code exchange.
// It owns parameter and credential encoding and maps HTTP failures onto the
// syncerr taxonomy; it holds no business logic.
package aurinko

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/mailsync/internal/metrics"
	"github.com/Martian-dev/mailsync/internal/retry"
	"github.com/Martian-dev/mailsync/internal/syncerr"
)

const DefaultBaseURL = "https://api.aurinko.io/v1"

// maxErrorBody bounds how much of a failed response is kept in APIError.
const maxErrorBody = 4 << 10

// APIError is a non-2xx provider response.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
	retryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("aurinko %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

// RetryAfter exposes the Retry-After hint to the retry package.
func (e *APIError) RetryAfter() time.Duration {
	return e.retryAfter
}

// Options configure a Client. Zero values fall back to defaults.
type Options struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
	Retry        retry.BackoffConfig
	Transport    http.RoundTripper
	Logger       log.FieldLogger
}

// Client talks to the provider. It is safe for concurrent use; the access
// token is supplied per call because every account has its own.
type Client struct {
	baseURL      string
	clientID     string
	clientSecret string
	timeout      time.Duration
	transport    http.RoundTripper
	retry        retry.BackoffConfig
	log          log.FieldLogger
}

func NewClient(opts Options) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		clientID:     opts.ClientID,
		clientSecret: opts.ClientSecret,
		timeout:      opts.Timeout,
		transport:    opts.Transport,
		retry:        opts.Retry,
		log:          opts.Logger,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.timeout <= 0 {
		c.timeout = 30 * time.Second
	}
	if c.transport == nil {
		c.transport = http.DefaultTransport
	}
	if c.retry.InitialInterval <= 0 {
		c.retry = retry.DefaultBackoffConfig()
	}
	if c.log == nil {
		c.log = log.StandardLogger()
	}
	c.log = c.log.WithField("component", "aurinko")
	return c
}

// StartSync asks the provider to prepare a sync window. The window may not
// be ready yet; callers poll until Ready is true.
func (c *Client) StartSync(ctx context.Context, token string, opts SyncOptions) (*SyncWindow, error) {
	q := url.Values{}
	if opts.DaysWithin > 0 {
		q.Set("daysWithin", strconv.Itoa(opts.DaysWithin))
	}
	if opts.BodyType != "" {
		q.Set("bodyType", opts.BodyType)
	}

	var window SyncWindow
	err := c.do(ctx, request{
		op:     "start_sync",
		method: http.MethodPost,
		path:   "/email/sync",
		query:  q,
		body:   struct{}{},
		token:  token,
	}, &window)
	if err != nil {
		return nil, err
	}
	if window.Ready && window.SyncUpdatedToken == "" {
		return nil, syncerr.Data("start_sync", errors.New("ready window without syncUpdatedToken"))
	}
	return &window, nil
}

// PullDelta fetches one page of updated records, either the first page after
// a delta token or a follow-up page.
func (c *Client) PullDelta(ctx context.Context, token string, req DeltaRequest) (*DeltaPage, error) {
	if (req.DeltaToken == "") == (req.PageToken == "") {
		return nil, syncerr.State("pull_delta", errors.New("exactly one of deltaToken or pageToken must be set"))
	}

	q := url.Values{}
	if req.DeltaToken != "" {
		q.Set("deltaToken", req.DeltaToken)
	} else {
		q.Set("pageToken", req.PageToken)
	}

	var page DeltaPage
	if err := c.do(ctx, request{
		op:     "pull_delta",
		method: http.MethodGet,
		path:   "/email/sync/updated",
		query:  q,
		token:  token,
	}, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// SendMessage submits msg and returns the id the provider assigned to it.
// Sends are never retried: a timed-out send may still have been delivered.
func (c *Client) SendMessage(ctx context.Context, token string, msg OutgoingMessage) (string, error) {
	var resp sendResponse
	err := c.do(ctx, request{
		op:      "send_message",
		method:  http.MethodPost,
		path:    "/email/messages",
		query:   url.Values{"returnIds": {"true"}},
		body:    msg,
		token:   token,
		noRetry: true,
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", syncerr.Data("send_message", errors.New("response without message id"))
	}
	return resp.ID, nil
}

type request struct {
	op      string
	method  string
	path    string
	query   url.Values
	body    any
	token   string // bearer credential; empty means client basic auth
	noRetry bool
}

func (c *Client) do(ctx context.Context, r request, out any) error {
	var payload []byte
	if r.body != nil {
		var err error
		payload, err = json.Marshal(r.body)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", r.op, err)
		}
	}

	httpClient := c.httpClient(r.token)
	cfg := c.retry
	if r.noRetry {
		cfg.MaxRetries = 0
	}
	cfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		c.log.WithFields(log.Fields{
			"op":      r.op,
			"attempt": attempt,
			"delay":   delay,
		}).WithError(err).Warn("retrying provider request")
	}

	return retry.Do(ctx, cfg, func(ctx context.Context) error {
		return c.once(ctx, httpClient, r, payload, out)
	})
}

func (c *Client) httpClient(token string) *http.Client {
	if token == "" {
		return &http.Client{Timeout: c.timeout, Transport: c.transport}
	}
	return &http.Client{
		Timeout: c.timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}),
			Base:   c.transport,
		},
	}
}

func (c *Client) once(ctx context.Context, httpClient *http.Client, r request, payload []byte, out any) error {
	u := c.baseURL + r.path
	if len(r.query) > 0 {
		u += "?" + r.query.Encode()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, u, body)
	if err != nil {
		return fmt.Errorf("create %s request: %w", r.op, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.token == "" && c.clientID != "" {
		req.SetBasicAuth(c.clientID, c.clientSecret)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		metrics.ProviderRequestsTotal.WithLabelValues(r.op, "network_error").Inc()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return syncerr.Transient(r.op, err)
	}
	defer resp.Body.Close()

	metrics.ProviderRequestsTotal.WithLabelValues(r.op, strconv.Itoa(resp.StatusCode)).Inc()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return syncerr.Transient(r.op, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classify(r.op, resp, data)
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		if out != nil {
			return syncerr.Data(r.op, errors.New("empty response body"))
		}
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return syncerr.Data(r.op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func classify(op string, resp *http.Response, data []byte) error {
	apiErr := &APIError{
		Op:         op,
		StatusCode: resp.StatusCode,
		Body:       truncate(string(data), maxErrorBody),
		retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return syncerr.Auth(op, apiErr)
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return syncerr.Transient(op, apiErr)
	default:
		return apiErr
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
