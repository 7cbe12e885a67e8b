// Package outbound submits user-composed mail through the provider. It never
// writes local mail state; sent messages arrive through a later sync.
package outbound

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	log "github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailsync/internal/provider/aurinko"
	"github.com/Martian-dev/mailsync/internal/store"
	"github.com/Martian-dev/mailsync/internal/syncerr"
)

// Address is a sender or recipient.
type Address struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address" validate:"required,email"`
}

// Envelope is a message to send.
type Envelope struct {
	From       Address   `json:"from"`
	To         []Address `json:"to" validate:"dive"`
	Cc         []Address `json:"cc,omitempty" validate:"dive"`
	Bcc        []Address `json:"bcc,omitempty" validate:"dive"`
	ReplyTo    *Address  `json:"replyTo,omitempty"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	InReplyTo  string    `json:"inReplyTo,omitempty"`
	References string    `json:"references,omitempty"`
	ThreadID   string    `json:"threadId,omitempty"`
}

// MessageSender is the provider call used to submit mail.
type MessageSender interface {
	SendMessage(ctx context.Context, token string, msg aurinko.OutgoingMessage) (string, error)
}

type Sender struct {
	store    *store.Store
	provider MessageSender
	validate *validator.Validate
	log      log.FieldLogger
}

func NewSender(st *store.Store, provider MessageSender, logger log.FieldLogger) *Sender {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Sender{
		store:    st,
		provider: provider,
		validate: validator.New(),
		log:      logger.WithField("component", "outbound"),
	}
}

// Validate checks env without sending it.
func (s *Sender) Validate(env Envelope) error {
	if err := s.validate.Struct(env); err != nil {
		return syncerr.Data("send", err)
	}
	if env.ReplyTo != nil {
		if err := s.validate.Struct(env.ReplyTo); err != nil {
			return syncerr.Data("send", err)
		}
	}
	if len(env.To)+len(env.Cc)+len(env.Bcc) == 0 {
		return syncerr.Data("send", fmt.Errorf("at least one recipient is required"))
	}
	return nil
}

// Send submits env for accountID and returns the provider message id.
// Provider failures are returned unchanged.
func (s *Sender) Send(ctx context.Context, accountID string, env Envelope) (string, error) {
	if err := s.Validate(env); err != nil {
		return "", err
	}
	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return "", err
	}

	msg := aurinko.OutgoingMessage{
		From:       toProvider(env.From),
		Subject:    env.Subject,
		Body:       env.Body,
		InReplyTo:  env.InReplyTo,
		References: env.References,
		ThreadID:   env.ThreadID,
		To:         toProviderList(env.To),
		Cc:         toProviderList(env.Cc),
		Bcc:        toProviderList(env.Bcc),
	}
	if env.ReplyTo != nil {
		msg.ReplyTo = []aurinko.EmailAddress{toProvider(*env.ReplyTo)}
	}

	id, err := s.provider.SendMessage(ctx, account.AccessToken, msg)
	if err != nil {
		s.log.WithField("account_id", accountID).WithError(err).Warn("send failed")
		return "", err
	}
	s.log.WithFields(log.Fields{"account_id": accountID, "message_id": id}).Info("message sent")
	return id, nil
}

func toProvider(a Address) aurinko.EmailAddress {
	return aurinko.EmailAddress{Name: a.Name, Address: strings.TrimSpace(a.Address)}
}

func toProviderList(list []Address) []aurinko.EmailAddress {
	if len(list) == 0 {
		return nil
	}
	out := make([]aurinko.EmailAddress, len(list))
	for i, a := range list {
		out[i] = toProvider(a)
	}
	return out
}
