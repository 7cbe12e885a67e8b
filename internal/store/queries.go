package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/Martian-dev/mailsync/internal/syncerr"
)

// Thread list tabs.
const (
	TabInbox  = "inbox"
	TabSent   = "sent"
	TabDrafts = "drafts"
)

const (
	defaultThreadLimit = 15
	maxThreadLimit     = 100
	maxSuggestions     = 10
)

// ThreadFilter selects threads for listing and counting.
type ThreadFilter struct {
	Tab   string
	Done  *bool
	Limit int
}

// AddressView is an address as shown to API callers.
type AddressView struct {
	Name    string `db:"name" json:"name,omitempty"`
	Address string `db:"address" json:"address"`
}

// MessageView is a message with its participants resolved.
type MessageView struct {
	ID                string        `db:"id" json:"id"`
	ProviderMessageID string        `db:"provider_message_id" json:"providerMessageId"`
	ThreadID          string        `db:"thread_id" json:"threadId"`
	InternetMessageID string        `db:"internet_message_id" json:"internetMessageId"`
	Subject           string        `db:"subject" json:"subject"`
	Body              string        `db:"body" json:"body"`
	BodySnippet       string        `db:"body_snippet" json:"bodySnippet"`
	EmailLabel        string        `db:"email_label" json:"emailLabel"`
	SysLabels         StringList    `db:"sys_labels" json:"sysLabels"`
	SentAt            int64         `db:"sent_at" json:"sentAt"`
	From              AddressView   `db:"-" json:"from"`
	To                []AddressView `db:"-" json:"to"`
	Cc                []AddressView `db:"-" json:"cc"`
	Bcc               []AddressView `db:"-" json:"bcc"`
	ReplyTo           []AddressView `db:"-" json:"replyTo"`
}

// ThreadView is a thread with its messages in send order.
type ThreadView struct {
	Thread
	Messages []MessageView `json:"messages"`
}

func tabClause(tab string) (string, error) {
	switch tab {
	case "", TabInbox:
		return "inbox_status = 1", nil
	case TabSent:
		return "sent_status = 1", nil
	case TabDrafts:
		return "draft_status = 1", nil
	default:
		return "", syncerr.Data("list_threads", fmt.Errorf("unknown tab %q", tab))
	}
}

func threadWhere(accountID string, f ThreadFilter) (string, []any, error) {
	tab, err := tabClause(f.Tab)
	if err != nil {
		return "", nil, err
	}
	where := "account_id = ? AND " + tab
	args := []any{accountID}
	if f.Done != nil {
		where += " AND done = ?"
		args = append(args, *f.Done)
	}
	return where, args, nil
}

// ListThreads returns the newest threads of a tab with their messages.
func (s *Store) ListThreads(ctx context.Context, accountID string, f ThreadFilter) ([]ThreadView, error) {
	where, args, err := threadWhere(accountID, f)
	if err != nil {
		return nil, err
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultThreadLimit
	}
	if limit > maxThreadLimit {
		limit = maxThreadLimit
	}

	var threads []Thread
	if err := s.db.SelectContext(ctx, &threads,
		`SELECT * FROM threads WHERE `+where+` ORDER BY last_message_date DESC, id LIMIT ?`,
		append(args, limit)...); err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	if len(threads) == 0 {
		return []ThreadView{}, nil
	}

	ids := make([]string, len(threads))
	for i, th := range threads {
		ids[i] = th.ID
	}
	messages, err := s.messagesForThreads(ctx, ids)
	if err != nil {
		return nil, err
	}

	byThread := make(map[string][]MessageView, len(threads))
	for _, m := range messages {
		byThread[m.ThreadID] = append(byThread[m.ThreadID], m)
	}
	views := make([]ThreadView, len(threads))
	for i, th := range threads {
		views[i] = ThreadView{Thread: th, Messages: byThread[th.ID]}
		if views[i].Messages == nil {
			views[i].Messages = []MessageView{}
		}
	}
	return views, nil
}

// CountThreads counts threads matching f, ignoring its limit.
func (s *Store) CountThreads(ctx context.Context, accountID string, f ThreadFilter) (int, error) {
	where, args, err := threadWhere(accountID, f)
	if err != nil {
		return 0, err
	}
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM threads WHERE `+where, args...); err != nil {
		return 0, fmt.Errorf("failed to count threads: %w", err)
	}
	return n, nil
}

// ThreadMessages returns a thread's messages ordered by sent_at. The thread
// must belong to accountID.
func (s *Store) ThreadMessages(ctx context.Context, accountID, threadID string) ([]MessageView, error) {
	if _, err := s.GetThread(ctx, accountID, threadID); err != nil {
		return nil, err
	}
	return s.messagesForThreads(ctx, []string{threadID})
}

func (s *Store) messagesForThreads(ctx context.Context, threadIDs []string) ([]MessageView, error) {
	query, args, err := sqlx.In(`
		SELECT id, provider_message_id, thread_id, internet_message_id, subject, body,
			body_snippet, email_label, sys_labels, sent_at
		FROM messages WHERE thread_id IN (?)
		ORDER BY sent_at ASC, id`, threadIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to build message query: %w", err)
	}
	var messages []MessageView
	if err := s.db.SelectContext(ctx, &messages, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	if len(messages) == 0 {
		return messages, nil
	}
	if err := s.attachParticipants(ctx, messages); err != nil {
		return nil, err
	}
	return messages, nil
}

type participantRow struct {
	MessageID string `db:"message_id"`
	Role      string `db:"role"`
	Name      string `db:"name"`
	Address   string `db:"address"`
}

func (s *Store) attachParticipants(ctx context.Context, messages []MessageView) error {
	ids := make([]string, len(messages))
	index := make(map[string]int, len(messages))
	for i, m := range messages {
		ids[i] = m.ID
		index[m.ID] = i
	}
	query, args, err := sqlx.In(`
		SELECT ma.message_id, ma.role, ea.name, ea.address
		FROM message_addresses ma
		JOIN email_addresses ea ON ea.id = ma.address_id
		WHERE ma.message_id IN (?)
		ORDER BY ea.address`, ids)
	if err != nil {
		return fmt.Errorf("failed to build participant query: %w", err)
	}
	var rows []participantRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to load participants: %w", err)
	}
	for _, r := range rows {
		m := &messages[index[r.MessageID]]
		addr := AddressView{Name: r.Name, Address: r.Address}
		switch r.Role {
		case RoleFrom:
			m.From = addr
		case RoleTo:
			m.To = append(m.To, addr)
		case RoleCc:
			m.Cc = append(m.Cc, addr)
		case RoleBcc:
			m.Bcc = append(m.Bcc, addr)
		case RoleReplyTo:
			m.ReplyTo = append(m.ReplyTo, addr)
		}
	}
	return nil
}

// SuggestAddresses returns up to limit known addresses whose address or
// name contains q, case-insensitively.
func (s *Store) SuggestAddresses(ctx context.Context, accountID, q string, limit int) ([]AddressView, error) {
	if limit <= 0 || limit > maxSuggestions {
		limit = maxSuggestions
	}
	pattern := "%" + escapeLike(strings.ToLower(strings.TrimSpace(q))) + "%"
	suggestions := []AddressView{}
	if err := s.db.SelectContext(ctx, &suggestions, `
		SELECT name, address FROM email_addresses
		WHERE account_id = ?
		  AND (address LIKE ? ESCAPE '\' OR LOWER(name) LIKE ? ESCAPE '\')
		ORDER BY address
		LIMIT ?
	`, accountID, pattern, pattern, limit); err != nil {
		return nil, fmt.Errorf("failed to suggest addresses: %w", err)
	}
	return suggestions, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// MailboxCounts summarizes what is stored for an account.
type MailboxCounts struct {
	Threads     int `db:"threads"`
	Messages    int `db:"messages"`
	Addresses   int `db:"addresses"`
	Attachments int `db:"attachments"`
}

// Counts returns row counts for an account.
func (s *Store) Counts(ctx context.Context, accountID string) (MailboxCounts, error) {
	var c MailboxCounts
	err := s.db.GetContext(ctx, &c, `
		SELECT
			(SELECT COUNT(*) FROM threads WHERE account_id = ?) AS threads,
			(SELECT COUNT(*) FROM messages WHERE account_id = ?) AS messages,
			(SELECT COUNT(*) FROM email_addresses WHERE account_id = ?) AS addresses,
			(SELECT COUNT(*) FROM attachments a JOIN messages m ON m.id = a.message_id WHERE m.account_id = ?) AS attachments
	`, accountID, accountID, accountID, accountID)
	if err != nil {
		return c, fmt.Errorf("failed to count mailbox rows: %w", err)
	}
	return c, nil
}

// GetThread loads a thread by id. Threads of other accounts are reported
// as syncerr.ErrThreadNotFound.
func (s *Store) GetThread(ctx context.Context, accountID, threadID string) (*Thread, error) {
	return s.getThread(ctx, `SELECT * FROM threads WHERE id = ? AND account_id = ?`, threadID, accountID)
}

// GetThreadByProviderID loads a thread by the provider's thread id.
func (s *Store) GetThreadByProviderID(ctx context.Context, accountID, providerThreadID string) (*Thread, error) {
	return s.getThread(ctx, `SELECT * FROM threads WHERE provider_thread_id = ? AND account_id = ?`, providerThreadID, accountID)
}

func (s *Store) getThread(ctx context.Context, query, key, accountID string) (*Thread, error) {
	var th Thread
	err := s.db.GetContext(ctx, &th, query, key, accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, syncerr.State("get_thread", fmt.Errorf("%w: %s", syncerr.ErrThreadNotFound, key))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load thread: %w", err)
	}
	return &th, nil
}
