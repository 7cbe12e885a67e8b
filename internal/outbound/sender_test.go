package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailsync/internal/provider/aurinko"
	"github.com/Martian-dev/mailsync/internal/reconcile"
	"github.com/Martian-dev/mailsync/internal/store"
	"github.com/Martian-dev/mailsync/internal/syncerr"
)

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) SendMessage(ctx context.Context, token string, msg aurinko.OutgoingMessage) (string, error) {
	args := m.Called(ctx, token, msg)
	return args.String(0), args.Error(1)
}

func newTestSender(t *testing.T) (*Sender, *mockProvider, *store.Store) {
	t.Helper()
	st, err := store.Open(context.Background(), store.Options{Path: filepath.Join(t.TempDir(), "mail.db")})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.UpsertAccount(context.Background(), store.Account{
		ID: "acc", UserID: "u", AccessToken: "tok", EmailAddress: "me@example.com", Name: "Me",
	}))
	p := &mockProvider{}
	return NewSender(st, p, nil), p, st
}

func TestSendSubmitsEnvelope(t *testing.T) {
	s, p, st := newTestSender(t)
	p.On("SendMessage", mock.Anything, "tok", mock.MatchedBy(func(m aurinko.OutgoingMessage) bool {
		return m.Subject == "hi" && len(m.To) == 1 && m.To[0].Address == "you@example.com" && m.InReplyTo == "<x@y>"
	})).Return("sent-1", nil).Once()

	id, err := s.Send(context.Background(), "acc", Envelope{
		From:      Address{Address: "me@example.com"},
		To:        []Address{{Address: " you@example.com "}},
		Subject:   "hi",
		Body:      "<p>hello</p>",
		InReplyTo: "<x@y>",
	})
	require.NoError(t, err)
	assert.Equal(t, "sent-1", id)
	p.AssertExpectations(t)

	counts, err := st.Counts(context.Background(), "acc")
	require.NoError(t, err)
	assert.Zero(t, counts.Messages, "sending never writes mail rows")
}

func TestSendValidation(t *testing.T) {
	s, p, _ := newTestSender(t)

	tests := []struct {
		name string
		env  Envelope
	}{
		{"no recipients", Envelope{From: Address{Address: "me@example.com"}}},
		{"no sender", Envelope{To: []Address{{Address: "you@example.com"}}}},
		{"bad recipient", Envelope{From: Address{Address: "me@example.com"}, To: []Address{{Address: "nope"}}}},
		{"bad reply-to", Envelope{
			From:    Address{Address: "me@example.com"},
			To:      []Address{{Address: "you@example.com"}},
			ReplyTo: &Address{Address: "broken"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Send(context.Background(), "acc", tt.env)
			require.Error(t, err)
			assert.True(t, syncerr.IsData(err))
		})
	}
	p.AssertNotCalled(t, "SendMessage", mock.Anything, mock.Anything, mock.Anything)
}

func TestSendPropagatesProviderError(t *testing.T) {
	s, p, _ := newTestSender(t)
	apiErr := &aurinko.APIError{Op: "send_message", StatusCode: 400, Body: "invalid recipient"}
	p.On("SendMessage", mock.Anything, mock.Anything, mock.Anything).Return("", apiErr)

	_, err := s.Send(context.Background(), "acc", Envelope{
		From: Address{Address: "me@example.com"},
		Cc:   []Address{{Address: "you@example.com"}},
	})
	var got *aurinko.APIError
	require.True(t, errors.As(err, &got))
	assert.Equal(t, "invalid recipient", got.Body)
}

func TestSendUnknownAccount(t *testing.T) {
	s, _, _ := newTestSender(t)
	_, err := s.Send(context.Background(), "missing", Envelope{
		From: Address{Address: "me@example.com"},
		To:   []Address{{Address: "you@example.com"}},
	})
	assert.ErrorIs(t, err, syncerr.ErrAccountNotFound)
}

func record(t *testing.T, fields map[string]any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(fields)
	require.NoError(t, err)
	return b
}

func TestReplyDetails(t *testing.T) {
	ctx := context.Background()
	s, _, st := newTestSender(t)
	base := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	_, err := reconcile.New(st, reconcile.Options{}).Apply(ctx, "acc", []json.RawMessage{
		record(t, map[string]any{
			"id": "m1", "threadId": "t1", "sentAt": base.Format(time.RFC3339),
			"subject":           "Lunch?",
			"internetMessageId": "<m1@mail>",
			"from":              map[string]string{"name": "Alice", "address": "alice@example.com"},
			"to":                []map[string]string{{"address": "me@example.com"}, {"address": "bob@example.com"}},
			"cc":                []map[string]string{{"address": "carol@example.com"}, {"address": "ME@example.com"}},
			"sysLabels":         []string{"inbox"},
		}),
		record(t, map[string]any{
			"id": "m2", "threadId": "t1", "sentAt": base.Add(time.Hour).Format(time.RFC3339),
			"subject":   "Re: Lunch?",
			"from":      map[string]string{"address": "me@example.com"},
			"to":        []map[string]string{{"address": "alice@example.com"}},
			"sysLabels": []string{"sent"},
		}),
	})
	require.NoError(t, err)

	thread, err := st.GetThreadByProviderID(ctx, "acc", "t1")
	require.NoError(t, err)

	env, err := s.ReplyDetails(ctx, "acc", thread.ID)
	require.NoError(t, err)
	assert.Equal(t, "Re: Lunch?", env.Subject)
	assert.Equal(t, "<m1@mail>", env.InReplyTo)
	assert.Equal(t, "t1", env.ThreadID)
	assert.Equal(t, "me@example.com", env.From.Address)

	var to []string
	for _, a := range env.To {
		to = append(to, a.Address)
	}
	assert.Equal(t, []string{"alice@example.com", "bob@example.com"}, to)
	require.Len(t, env.Cc, 1)
	assert.Equal(t, "carol@example.com", env.Cc[0].Address)

	_, err = s.ReplyDetails(ctx, "acc", "missing")
	assert.ErrorIs(t, err, syncerr.ErrThreadNotFound)
}
