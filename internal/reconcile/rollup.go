package reconcile

import (
	"strings"

	"github.com/Martian-dev/mailsync/internal/store"
)

// Email labels stored on messages.
const (
	LabelInbox = "inbox"
	LabelSent  = "sent"
	LabelDraft = "draft"
)

// Flags are the thread status bits contributed by one message.
type Flags struct {
	Inbox bool
	Sent  bool
	Draft bool
}

// LabelFlags derives status flags from provider system labels.
func LabelFlags(sysLabels []string) Flags {
	var f Flags
	for _, l := range sysLabels {
		switch strings.ToLower(l) {
		case "inbox", "important":
			f.Inbox = true
		case "sent":
			f.Sent = true
		case "draft":
			f.Draft = true
		}
	}
	return f
}

// EmailLabel picks the single folder a message is filed under.
func EmailLabel(sysLabels []string) string {
	f := LabelFlags(sysLabels)
	switch {
	case f.Inbox:
		return LabelInbox
	case f.Sent:
		return LabelSent
	case f.Draft:
		return LabelDraft
	default:
		return LabelInbox
	}
}

// Incoming is what one reconciled message contributes to its thread.
type Incoming struct {
	AccountID        string
	ProviderThreadID string
	Subject          string
	SentAt           int64
	Flags            Flags
	NewMessage       bool // the message was not stored before
}

// MergeRollup folds a message into its thread. existing is nil for a new
// thread. The date only moves forward and flags only turn on; done is
// cleared when a new inbox message arrives and kept otherwise.
func MergeRollup(existing *store.Thread, in Incoming) store.Thread {
	if existing == nil {
		return store.Thread{
			AccountID:        in.AccountID,
			ProviderThreadID: in.ProviderThreadID,
			Subject:          in.Subject,
			LastMessageDate:  in.SentAt,
			InboxStatus:      in.Flags.Inbox,
			SentStatus:       in.Flags.Sent,
			DraftStatus:      in.Flags.Draft,
		}
	}

	th := *existing
	if in.SentAt >= th.LastMessageDate {
		th.LastMessageDate = in.SentAt
		if in.Subject != "" {
			th.Subject = in.Subject
		}
	}
	th.InboxStatus = th.InboxStatus || in.Flags.Inbox
	th.SentStatus = th.SentStatus || in.Flags.Sent
	th.DraftStatus = th.DraftStatus || in.Flags.Draft
	if in.NewMessage && in.Flags.Inbox {
		th.Done = false
	}
	return th
}
