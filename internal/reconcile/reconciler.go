// Package reconcile turns raw provider delta records into normalized rows.
// Every record is written in its own transaction, keyed by provider ids, so
// replaying a batch converges on the same state.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailsync/internal/metrics"
	"github.com/Martian-dev/mailsync/internal/provider/aurinko"
	"github.com/Martian-dev/mailsync/internal/store"
	"github.com/Martian-dev/mailsync/internal/syncerr"
)

// DefaultMaxMalformedRatio is used when Options leave the ratio unset.
const DefaultMaxMalformedRatio = 0.5

type Options struct {
	// MaxMalformedRatio is the share of malformed records above which the
	// whole batch is rejected before anything is written.
	MaxMalformedRatio float64
	Logger            log.FieldLogger
}

// Report summarizes one Apply call.
type Report struct {
	Total     int
	Persisted int
	Inserted  int
	Skipped   int
	Errors    []error
	Documents []IndexDocument
}

type Reconciler struct {
	store    *store.Store
	maxRatio float64
	log      log.FieldLogger
}

func New(s *store.Store, opts Options) *Reconciler {
	r := &Reconciler{store: s, maxRatio: opts.MaxMalformedRatio, log: opts.Logger}
	if r.maxRatio <= 0 {
		r.maxRatio = DefaultMaxMalformedRatio
	}
	if r.log == nil {
		r.log = log.StandardLogger()
	}
	r.log = r.log.WithField("component", "reconcile")
	return r
}

// Apply decodes and stores records for accountID in received order.
// Malformed records are skipped and reported; a store failure aborts the
// batch with the records before it already committed.
func (r *Reconciler) Apply(ctx context.Context, accountID string, records []json.RawMessage) (Report, error) {
	report := Report{Total: len(records)}

	decoded := make([]*aurinko.EmailMessage, 0, len(records))
	for i, raw := range records {
		msg, err := Decode(raw)
		if err != nil {
			report.Skipped++
			report.Errors = append(report.Errors, err)
			r.log.WithFields(log.Fields{
				"account_id": accountID,
				"index":      i,
				"record_id":  peekID(raw),
			}).WithError(err).Warn("skipping malformed record")
			continue
		}
		decoded = append(decoded, msg)
	}
	metrics.RecordsTotal.WithLabelValues(metrics.ResultSkipped).Add(float64(report.Skipped))

	if report.Total > 0 && float64(report.Skipped)/float64(report.Total) > r.maxRatio {
		return report, syncerr.Data("reconcile", fmt.Errorf("%w: %d of %d records",
			syncerr.ErrTooManyMalformed, report.Skipped, report.Total))
	}

	for _, msg := range decoded {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		doc, inserted, err := r.applyOne(ctx, accountID, msg)
		if err != nil {
			metrics.RecordsTotal.WithLabelValues(metrics.ResultFailure).Inc()
			return report, fmt.Errorf("failed to store message %s: %w", msg.ID, err)
		}
		metrics.RecordsTotal.WithLabelValues(metrics.ResultSuccess).Inc()
		report.Persisted++
		if inserted {
			report.Inserted++
		}
		report.Documents = append(report.Documents, doc)
	}

	r.log.WithFields(log.Fields{
		"account_id": accountID,
		"records":    report.Total,
		"persisted":  report.Persisted,
		"inserted":   report.Inserted,
		"skipped":    report.Skipped,
	}).Debug("batch reconciled")
	return report, nil
}

func (r *Reconciler) applyOne(ctx context.Context, accountID string, msg *aurinko.EmailMessage) (IndexDocument, bool, error) {
	var (
		doc      IndexDocument
		inserted bool
	)
	err := r.store.WithTx(ctx, func(tx *store.Tx) error {
		fromID, err := tx.UpsertAddress(ctx, accountID, msg.From.Address, msg.From.Name, msg.From.Raw)
		if err != nil {
			return err
		}
		participants := []store.Participant{{AddressID: fromID, Role: store.RoleFrom}}
		for _, group := range []struct {
			role string
			list []aurinko.EmailAddress
		}{
			{store.RoleTo, msg.To},
			{store.RoleCc, msg.Cc},
			{store.RoleBcc, msg.Bcc},
			{store.RoleReplyTo, msg.ReplyTo},
		} {
			for _, a := range group.list {
				if !validAddress(a.Address) {
					continue
				}
				id, err := tx.UpsertAddress(ctx, accountID, a.Address, a.Name, a.Raw)
				if err != nil {
					return err
				}
				participants = append(participants, store.Participant{AddressID: id, Role: group.role})
			}
		}

		existing, err := tx.MessageByProviderID(ctx, accountID, msg.ID)
		if err != nil {
			return err
		}
		inserted = existing == nil

		var thread *store.Thread
		if existing != nil {
			thread, err = tx.ThreadByID(ctx, existing.ThreadID)
		} else {
			thread, err = tx.ThreadByProviderID(ctx, accountID, msg.ThreadID)
		}
		if err != nil {
			return err
		}

		rollup := MergeRollup(thread, Incoming{
			AccountID:        accountID,
			ProviderThreadID: msg.ThreadID,
			Subject:          msg.Subject,
			SentAt:           msg.SentAt.UnixMilli(),
			Flags:            LabelFlags(msg.SysLabels),
			NewMessage:       inserted,
		})
		if err := tx.SaveThread(ctx, &rollup); err != nil {
			return err
		}

		row, err := messageRow(accountID, rollup.ID, fromID, msg)
		if err != nil {
			return err
		}
		if existing != nil {
			row.ID = existing.ID
			row.CreatedAt = existing.CreatedAt
		}
		if err := tx.UpsertMessage(ctx, row); err != nil {
			return err
		}
		if err := tx.ReplaceLabels(ctx, row.ID, msg.SysLabels); err != nil {
			return err
		}
		if err := tx.ReplaceParticipants(ctx, row.ID, participants); err != nil {
			return err
		}
		for _, att := range msg.Attachments {
			if att.ID == "" {
				continue
			}
			if err := tx.UpsertAttachment(ctx, &store.Attachment{
				MessageID:            row.ID,
				ProviderAttachmentID: att.ID,
				Name:                 att.Name,
				MimeType:             att.MimeType,
				Size:                 att.Size,
				Inline:               att.Inline,
				ContentID:            att.ContentID,
				Content:              att.Content,
				ContentLocation:      att.ContentLocation,
			}); err != nil {
				return err
			}
		}

		doc = buildDocument(accountID, row.ID, rollup.ID, msg)
		payload, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("failed to marshal index document: %w", err)
		}
		version := msg.LastModifiedTime
		if version.IsZero() {
			version = msg.SentAt
		}
		return tx.AppendOutbox(ctx, IndexSubject(accountID), EventMessageUpserted, payload,
			IndexMsgID(accountID, msg.ID, version))
	})
	return doc, inserted, err
}

func messageRow(accountID, threadID, fromID string, msg *aurinko.EmailMessage) (*store.Message, error) {
	headers, err := json.Marshal(msg.InternetHeaders)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal headers: %w", err)
	}
	props, err := json.Marshal(msg.NativeProperties)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal native properties: %w", err)
	}
	if msg.InternetHeaders == nil {
		headers = []byte("[]")
	}
	if msg.NativeProperties == nil {
		props = []byte("{}")
	}
	return &store.Message{
		AccountID:          accountID,
		ProviderMessageID:  msg.ID,
		ThreadID:           threadID,
		InternetMessageID:  msg.InternetMessageID,
		Subject:            msg.Subject,
		Body:               msg.Body,
		BodySnippet:        msg.BodySnippet,
		SentAt:             msg.SentAt.UnixMilli(),
		ReceivedAt:         millis(msg.ReceivedAt),
		CreatedTime:        millis(msg.CreatedTime),
		LastModifiedTime:   millis(msg.LastModifiedTime),
		EmailLabel:         EmailLabel(msg.SysLabels),
		SysLabels:          msg.SysLabels,
		Keywords:           msg.Keywords,
		SysClassifications: msg.SysClassifications,
		Sensitivity:        msg.Sensitivity,
		HasAttachments:     msg.HasAttachments || len(msg.Attachments) > 0,
		InReplyTo:          msg.InReplyTo,
		References:         msg.References,
		ThreadIndex:        msg.ThreadIndex,
		InternetHeaders:    string(headers),
		NativeProperties:   string(props),
		FolderID:           msg.FolderID,
		Omitted:            msg.Omitted,
		FromAddressID:      fromID,
	}, nil
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
