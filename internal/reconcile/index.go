package reconcile

import (
	"fmt"
	"strings"
	"time"

	"github.com/k3a/html2text"

	"github.com/Martian-dev/mailsync/internal/provider/aurinko"
)

// EventMessageUpserted is the outbox event type for index documents.
const EventMessageUpserted = "message.upserted"

// IndexDocument is the search projection of one stored message.
type IndexDocument struct {
	AccountID         string    `json:"accountId"`
	MessageID         string    `json:"messageId"`
	ProviderMessageID string    `json:"providerMessageId"`
	ThreadID          string    `json:"threadId"`
	ProviderThreadID  string    `json:"providerThreadId"`
	Subject           string    `json:"subject"`
	Body              string    `json:"body"`
	From              string    `json:"from"`
	To                []string  `json:"to"`
	Labels            []string  `json:"labels"`
	SentAt            time.Time `json:"sentAt"`
}

// IndexSubject is the NATS subject index documents of an account go to.
func IndexSubject(accountID string) string {
	return "mail." + accountID + "." + EventMessageUpserted
}

// IndexMsgID is the publish dedup id for one version of a message.
func IndexMsgID(accountID, providerMessageID string, version time.Time) string {
	return fmt.Sprintf("%s|%s|%s|%d", EventMessageUpserted, accountID, providerMessageID, version.UnixMilli())
}

// plainBody turns a provider body into indexable text.
func plainBody(msg *aurinko.EmailMessage) string {
	body := strings.TrimSpace(msg.Body)
	if body == "" {
		return msg.BodySnippet
	}
	if text := strings.TrimSpace(html2text.HTML2Text(body)); text != "" {
		return text
	}
	return msg.BodySnippet
}

func buildDocument(accountID, messageID, threadID string, msg *aurinko.EmailMessage) IndexDocument {
	to := make([]string, 0, len(msg.To)+len(msg.Cc))
	for _, list := range [][]aurinko.EmailAddress{msg.To, msg.Cc} {
		for _, a := range list {
			if validAddress(a.Address) {
				to = append(to, formatAddress(a))
			}
		}
	}
	labels := msg.SysLabels
	if labels == nil {
		labels = []string{}
	}
	return IndexDocument{
		AccountID:         accountID,
		MessageID:         messageID,
		ProviderMessageID: msg.ID,
		ThreadID:          threadID,
		ProviderThreadID:  msg.ThreadID,
		Subject:           msg.Subject,
		Body:              plainBody(msg),
		From:              formatAddress(msg.From),
		To:                to,
		Labels:            labels,
		SentAt:            msg.SentAt.UTC(),
	}
}

func formatAddress(a aurinko.EmailAddress) string {
	if a.Name == "" {
		return a.Address
	}
	return a.Name + " <" + a.Address + ">"
}
