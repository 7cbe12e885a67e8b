package outbound

import (
	"context"
	"fmt"
	"strings"

	"github.com/Martian-dev/mailsync/internal/store"
	"github.com/Martian-dev/mailsync/internal/syncerr"
)

// ReplyDetails prefills a reply to the newest message in a thread that was
// not sent by the account itself.
func (s *Sender) ReplyDetails(ctx context.Context, accountID, threadID string) (*Envelope, error) {
	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	thread, err := s.store.GetThread(ctx, accountID, threadID)
	if err != nil {
		return nil, err
	}
	messages, err := s.store.ThreadMessages(ctx, accountID, threadID)
	if err != nil {
		return nil, err
	}

	self := store.NormalizeAddress(account.EmailAddress)
	var last *store.MessageView
	for i := len(messages) - 1; i >= 0; i-- {
		if store.NormalizeAddress(messages[i].From.Address) != self {
			last = &messages[i]
			break
		}
	}
	if last == nil {
		return nil, syncerr.State("reply_details", fmt.Errorf("%w: no external message in %s", syncerr.ErrThreadNotFound, threadID))
	}

	subject := last.Subject
	if !strings.HasPrefix(strings.ToLower(subject), "re:") {
		subject = "Re: " + subject
	}

	seen := map[string]bool{self: true}
	pick := func(list []store.AddressView) []Address {
		var out []Address
		for _, a := range list {
			addr := store.NormalizeAddress(a.Address)
			if seen[addr] {
				continue
			}
			seen[addr] = true
			out = append(out, Address{Name: a.Name, Address: a.Address})
		}
		return out
	}

	to := pick(append([]store.AddressView{last.From}, last.To...))
	cc := pick(last.Cc)

	return &Envelope{
		From:      Address{Name: account.Name, Address: account.EmailAddress},
		To:        to,
		Cc:        cc,
		Subject:   subject,
		InReplyTo: last.InternetMessageID,
		ThreadID:  thread.ProviderThreadID,
	}, nil
}
