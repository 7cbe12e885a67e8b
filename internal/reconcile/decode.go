package reconcile

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/Martian-dev/mailsync/internal/provider/aurinko"
	"github.com/Martian-dev/mailsync/internal/store"
	"github.com/Martian-dev/mailsync/internal/syncerr"
)

var validate = validator.New()

// Decode parses and validates one raw delta record. Any failure is a
// syncerr.KindData error.
func Decode(raw json.RawMessage) (*aurinko.EmailMessage, error) {
	var msg aurinko.EmailMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, syncerr.Data("decode_record", err)
	}
	if err := validate.Struct(&msg); err != nil {
		if msg.ID != "" {
			err = fmt.Errorf("record %s: %w", msg.ID, err)
		}
		return nil, syncerr.Data("decode_record", err)
	}
	return &msg, nil
}

// validAddress reports whether a participant can be stored.
func validAddress(addr string) bool {
	addr = store.NormalizeAddress(addr)
	return addr != "" && validate.Var(addr, "email") == nil
}

// peekID extracts the record id from a record that failed to decode.
func peekID(raw json.RawMessage) string {
	var probe struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(raw, &probe)
	return probe.ID
}
