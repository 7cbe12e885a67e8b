package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Participant roles in message_addresses.
const (
	RoleFrom    = "from"
	RoleTo      = "to"
	RoleCc      = "cc"
	RoleBcc     = "bcc"
	RoleReplyTo = "reply_to"
)

// StringList is a []string persisted as a JSON array.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *StringList) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("cannot scan %T into StringList", src)
	}
	return json.Unmarshal(raw, (*[]string)(l))
}

// Thread is the rollup row for one provider conversation.
type Thread struct {
	ID               string `db:"id" json:"id"`
	AccountID        string `db:"account_id" json:"accountId"`
	ProviderThreadID string `db:"provider_thread_id" json:"providerThreadId"`
	Subject          string `db:"subject" json:"subject"`
	LastMessageDate  int64  `db:"last_message_date" json:"lastMessageDate"`
	InboxStatus      bool   `db:"inbox_status" json:"inboxStatus"`
	SentStatus       bool   `db:"sent_status" json:"sentStatus"`
	DraftStatus      bool   `db:"draft_status" json:"draftStatus"`
	Done             bool   `db:"done" json:"done"`
	CreatedAt        int64  `db:"created_at" json:"createdAt"`
	UpdatedAt        int64  `db:"updated_at" json:"updatedAt"`
}

// Message is a stored message row.
type Message struct {
	ID                 string     `db:"id"`
	AccountID          string     `db:"account_id"`
	ProviderMessageID  string     `db:"provider_message_id"`
	ThreadID           string     `db:"thread_id"`
	InternetMessageID  string     `db:"internet_message_id"`
	Subject            string     `db:"subject"`
	Body               string     `db:"body"`
	BodySnippet        string     `db:"body_snippet"`
	SentAt             int64      `db:"sent_at"`
	ReceivedAt         int64      `db:"received_at"`
	CreatedTime        int64      `db:"created_time"`
	LastModifiedTime   int64      `db:"last_modified_time"`
	EmailLabel         string     `db:"email_label"`
	SysLabels          StringList `db:"sys_labels"`
	Keywords           StringList `db:"keywords"`
	SysClassifications StringList `db:"sys_classifications"`
	Sensitivity        string     `db:"sensitivity"`
	HasAttachments     bool       `db:"has_attachments"`
	InReplyTo          string     `db:"in_reply_to"`
	References         string     `db:"references_header"`
	ThreadIndex        string     `db:"thread_index"`
	InternetHeaders    string     `db:"internet_headers"`
	NativeProperties   string     `db:"native_properties"`
	FolderID           string     `db:"folder_id"`
	Omitted            StringList `db:"omitted"`
	FromAddressID      string     `db:"from_address_id"`
	CreatedAt          int64      `db:"created_at"`
	UpdatedAt          int64      `db:"updated_at"`
}

// Attachment is attachment metadata for a message.
type Attachment struct {
	ID                   string `db:"id"`
	MessageID            string `db:"message_id"`
	ProviderAttachmentID string `db:"provider_attachment_id"`
	Name                 string `db:"name"`
	MimeType             string `db:"mime_type"`
	Size                 int64  `db:"size"`
	Inline               bool   `db:"inline"`
	ContentID            string `db:"content_id"`
	Content              string `db:"content"`
	ContentLocation      string `db:"content_location"`
}

// Participant links a message to an address under a role.
type Participant struct {
	AddressID string
	Role      string
}

// NormalizeAddress trims and lower-cases an email address.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// UpsertAddress returns the id of the account's address row, creating it if
// needed. A non-empty name replaces the stored display name.
func (t *Tx) UpsertAddress(ctx context.Context, accountID, address, name, raw string) (string, error) {
	address = NormalizeAddress(address)
	if address == "" {
		return "", errors.New("empty email address")
	}
	var id string
	err := t.tx.GetContext(ctx, &id, `
		INSERT INTO email_addresses (id, account_id, address, name, raw)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account_id, address) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE email_addresses.name END,
			raw = CASE WHEN excluded.raw != '' THEN excluded.raw ELSE email_addresses.raw END
		RETURNING id
	`, uuid.NewString(), accountID, address, name, raw)
	if err != nil {
		return "", fmt.Errorf("failed to upsert address: %w", err)
	}
	return id, nil
}

// ThreadByProviderID returns the thread or nil when it does not exist yet.
func (t *Tx) ThreadByProviderID(ctx context.Context, accountID, providerThreadID string) (*Thread, error) {
	var th Thread
	err := t.tx.GetContext(ctx, &th, `
		SELECT * FROM threads WHERE account_id = ? AND provider_thread_id = ?
	`, accountID, providerThreadID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load thread: %w", err)
	}
	return &th, nil
}

// ThreadByID returns the thread with the given surrogate id.
func (t *Tx) ThreadByID(ctx context.Context, id string) (*Thread, error) {
	var th Thread
	if err := t.tx.GetContext(ctx, &th, `SELECT * FROM threads WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("failed to load thread: %w", err)
	}
	return &th, nil
}

// SaveThread inserts or fully rewrites a thread row. The rollup itself is
// computed by the caller.
func (t *Tx) SaveThread(ctx context.Context, th *Thread) error {
	now := nowMillis()
	if th.ID == "" {
		th.ID = uuid.NewString()
	}
	if th.CreatedAt == 0 {
		th.CreatedAt = now
	}
	th.UpdatedAt = now
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO threads (id, account_id, provider_thread_id, subject, last_message_date,
			inbox_status, sent_status, draft_status, done, created_at, updated_at)
		VALUES (:id, :account_id, :provider_thread_id, :subject, :last_message_date,
			:inbox_status, :sent_status, :draft_status, :done, :created_at, :updated_at)
		ON CONFLICT(account_id, provider_thread_id) DO UPDATE SET
			subject = excluded.subject,
			last_message_date = excluded.last_message_date,
			inbox_status = excluded.inbox_status,
			sent_status = excluded.sent_status,
			draft_status = excluded.draft_status,
			done = excluded.done,
			updated_at = excluded.updated_at
	`, th)
	if err != nil {
		return fmt.Errorf("failed to save thread: %w", err)
	}
	return nil
}

// MessageByProviderID returns the message or nil when it is not stored yet.
func (t *Tx) MessageByProviderID(ctx context.Context, accountID, providerMessageID string) (*Message, error) {
	var m Message
	err := t.tx.GetContext(ctx, &m, `
		SELECT * FROM messages WHERE account_id = ? AND provider_message_id = ?
	`, accountID, providerMessageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load message: %w", err)
	}
	return &m, nil
}

// UpsertMessage inserts m or overwrites the mutable fields of the existing
// row. id, thread_id and created_at survive a replay.
func (t *Tx) UpsertMessage(ctx context.Context, m *Message) error {
	now := nowMillis()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt == 0 {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	if m.InternetHeaders == "" {
		m.InternetHeaders = "[]"
	}
	if m.NativeProperties == "" {
		m.NativeProperties = "{}"
	}
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO messages (id, account_id, provider_message_id, thread_id, internet_message_id,
			subject, body, body_snippet, sent_at, received_at, created_time, last_modified_time,
			email_label, sys_labels, keywords, sys_classifications, sensitivity, has_attachments,
			in_reply_to, references_header, thread_index, internet_headers, native_properties,
			folder_id, omitted, from_address_id, created_at, updated_at)
		VALUES (:id, :account_id, :provider_message_id, :thread_id, :internet_message_id,
			:subject, :body, :body_snippet, :sent_at, :received_at, :created_time, :last_modified_time,
			:email_label, :sys_labels, :keywords, :sys_classifications, :sensitivity, :has_attachments,
			:in_reply_to, :references_header, :thread_index, :internet_headers, :native_properties,
			:folder_id, :omitted, :from_address_id, :created_at, :updated_at)
		ON CONFLICT(account_id, provider_message_id) DO UPDATE SET
			internet_message_id = excluded.internet_message_id,
			subject = excluded.subject,
			body = excluded.body,
			body_snippet = excluded.body_snippet,
			sent_at = excluded.sent_at,
			received_at = excluded.received_at,
			last_modified_time = excluded.last_modified_time,
			email_label = excluded.email_label,
			sys_labels = excluded.sys_labels,
			keywords = excluded.keywords,
			sys_classifications = excluded.sys_classifications,
			sensitivity = excluded.sensitivity,
			has_attachments = excluded.has_attachments,
			in_reply_to = excluded.in_reply_to,
			references_header = excluded.references_header,
			thread_index = excluded.thread_index,
			internet_headers = excluded.internet_headers,
			native_properties = excluded.native_properties,
			folder_id = excluded.folder_id,
			omitted = excluded.omitted,
			from_address_id = excluded.from_address_id,
			updated_at = excluded.updated_at
	`, m)
	if err != nil {
		return fmt.Errorf("failed to upsert message: %w", err)
	}
	return nil
}

// ReplaceLabels sets the message's label rows to exactly labels.
func (t *Tx) ReplaceLabels(ctx context.Context, messageID string, labels []string) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM message_labels WHERE message_id = ?`, messageID); err != nil {
		return fmt.Errorf("failed to clear labels: %w", err)
	}
	for _, label := range labels {
		if label == "" {
			continue
		}
		if _, err := t.tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO message_labels (message_id, label) VALUES (?, ?)
		`, messageID, label); err != nil {
			return fmt.Errorf("failed to insert label: %w", err)
		}
	}
	return nil
}

// ReplaceParticipants sets the message's address roles to exactly ps.
func (t *Tx) ReplaceParticipants(ctx context.Context, messageID string, ps []Participant) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM message_addresses WHERE message_id = ?`, messageID); err != nil {
		return fmt.Errorf("failed to clear participants: %w", err)
	}
	for _, p := range ps {
		if _, err := t.tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO message_addresses (message_id, address_id, role) VALUES (?, ?, ?)
		`, messageID, p.AddressID, p.Role); err != nil {
			return fmt.Errorf("failed to insert participant: %w", err)
		}
	}
	return nil
}

// UpsertAttachment stores attachment metadata keyed by provider attachment id.
func (t *Tx) UpsertAttachment(ctx context.Context, a *Attachment) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO attachments (id, message_id, provider_attachment_id, name, mime_type, size,
			inline, content_id, content, content_location)
		VALUES (:id, :message_id, :provider_attachment_id, :name, :mime_type, :size,
			:inline, :content_id, :content, :content_location)
		ON CONFLICT(message_id, provider_attachment_id) DO UPDATE SET
			name = excluded.name,
			mime_type = excluded.mime_type,
			size = excluded.size,
			inline = excluded.inline,
			content_id = excluded.content_id,
			content = excluded.content,
			content_location = excluded.content_location
	`, a)
	if err != nil {
		return fmt.Errorf("failed to upsert attachment: %w", err)
	}
	return nil
}
