package aurinko

import (
	"encoding/json"
	"time"
)

// EmailAddress is a participant as reported by the provider.
type EmailAddress struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address" validate:"required,email"`
	Raw     string `json:"raw,omitempty"`
}

type EmailAttachment struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	MimeType        string `json:"mimeType"`
	Size            int64  `json:"size"`
	Inline          bool   `json:"inline"`
	ContentID       string `json:"contentId,omitempty"`
	Content         string `json:"content,omitempty"`
	ContentLocation string `json:"contentLocation,omitempty"`
}

type EmailHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// EmailMessage is one record of a delta page.
type EmailMessage struct {
	ID                   string            `json:"id" validate:"required"`
	ThreadID             string            `json:"threadId" validate:"required"`
	CreatedTime          time.Time         `json:"createdTime"`
	LastModifiedTime     time.Time         `json:"lastModifiedTime"`
	SentAt               time.Time         `json:"sentAt" validate:"required"`
	ReceivedAt           time.Time         `json:"receivedAt"`
	InternetMessageID    string            `json:"internetMessageId"`
	Subject              string            `json:"subject"`
	SysLabels            []string          `json:"sysLabels"`
	Keywords             []string          `json:"keywords"`
	SysClassifications   []string          `json:"sysClassifications"`
	Sensitivity          string            `json:"sensitivity"`
	MeetingMessageMethod string            `json:"meetingMessageMethod,omitempty"`
	From                 EmailAddress      `json:"from"`
	To                   []EmailAddress    `json:"to"`
	Cc                   []EmailAddress    `json:"cc"`
	Bcc                  []EmailAddress    `json:"bcc"`
	ReplyTo              []EmailAddress    `json:"replyTo"`
	HasAttachments       bool              `json:"hasAttachments"`
	Body                 string            `json:"body,omitempty"`
	BodySnippet          string            `json:"bodySnippet,omitempty"`
	Attachments          []EmailAttachment `json:"attachments"`
	InReplyTo            string            `json:"inReplyTo,omitempty"`
	References           string            `json:"references,omitempty"`
	ThreadIndex          string            `json:"threadIndex,omitempty"`
	InternetHeaders      []EmailHeader     `json:"internetHeaders"`
	NativeProperties     map[string]string `json:"nativeProperties,omitempty"`
	FolderID             string            `json:"folderId,omitempty"`
	Omitted              []string          `json:"omitted"`
}

// SyncOptions parameterize the sync window request.
type SyncOptions struct {
	DaysWithin int
	BodyType   string // "html" or "text"
}

// SyncWindow is the answer to a start-sync request. Tokens are only
// meaningful once Ready is true.
type SyncWindow struct {
	SyncUpdatedToken string `json:"syncUpdatedToken"`
	SyncDeletedToken string `json:"syncDeletedToken"`
	Ready            bool   `json:"ready"`
}

// DeltaRequest selects a delta pull. Exactly one field must be set.
type DeltaRequest struct {
	DeltaToken string
	PageToken  string
}

// DeltaPage is one page of updated records. Records are kept raw so a
// single bad record can be rejected without losing the page.
type DeltaPage struct {
	NextPageToken  string            `json:"nextPageToken,omitempty"`
	NextDeltaToken string            `json:"nextDeltaToken,omitempty"`
	Length         int               `json:"length"`
	Records        []json.RawMessage `json:"records"`
}

// OutgoingMessage is the body of a send request.
type OutgoingMessage struct {
	From       EmailAddress   `json:"from"`
	Subject    string         `json:"subject"`
	Body       string         `json:"body"`
	InReplyTo  string         `json:"inReplyTo,omitempty"`
	References string         `json:"references,omitempty"`
	ThreadID   string         `json:"threadId,omitempty"`
	To         []EmailAddress `json:"to"`
	Cc         []EmailAddress `json:"cc,omitempty"`
	Bcc        []EmailAddress `json:"bcc,omitempty"`
	ReplyTo    []EmailAddress `json:"replyTo,omitempty"`
}

type sendResponse struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId,omitempty"`
}

// TokenGrant is the result of exchanging an OAuth authorization code.
type TokenGrant struct {
	AccountID   json.Number `json:"accountId"`
	AccessToken string      `json:"accessToken"`
	UserID      string      `json:"userId"`
	UserSession string      `json:"userSession"`
}

type AccountDetails struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}
