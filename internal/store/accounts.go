package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Martian-dev/mailsync/internal/syncerr"
)

// Account sync statuses.
const (
	StatusNew     = "NEW"
	StatusSyncing = "SYNCING"
	StatusHooked  = "HOOKED"
	StatusError   = "ERROR"
)

// Account is a connected mailbox. ID is the provider's account id.
type Account struct {
	ID             string         `db:"id"`
	UserID         string         `db:"user_id"`
	EmailAddress   string         `db:"email_address"`
	Name           string         `db:"name"`
	AccessToken    string         `db:"access_token"`
	NextDeltaToken sql.NullString `db:"next_delta_token"`
	SyncStatus     string         `db:"sync_status"`
	LastError      sql.NullString `db:"last_error"`
	RetryCount     int            `db:"retry_count"`
	LastSyncedAt   sql.NullInt64  `db:"last_synced_at"`
	// NeedsReauth is set when the provider rejected the token. The poller
	// skips the account until a new token is stored.
	NeedsReauth    bool           `db:"needs_reauth"`
	CreatedAt      int64          `db:"created_at"`
	UpdatedAt      int64          `db:"updated_at"`
}

// Cursor returns the stored delta token, or "" before the first initial sync.
func (a *Account) Cursor() string {
	if !a.NextDeltaToken.Valid {
		return ""
	}
	return a.NextDeltaToken.String
}

// HasCursor reports whether the account completed an initial sync.
func (a *Account) HasCursor() bool {
	return a.Cursor() != ""
}

const accountColumns = `id, user_id, email_address, name, access_token, next_delta_token,
	sync_status, last_error, retry_count, last_synced_at, needs_reauth, created_at, updated_at`

// UpsertAccount creates the account or, when it already exists, refreshes
// only its access token and non-empty profile fields and clears the
// re-authentication flag. The cursor is never touched here.
func (s *Store) UpsertAccount(ctx context.Context, a Account) error {
	if a.ID == "" || a.UserID == "" {
		return errors.New("account id and user id are required")
	}
	now := nowMillis()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, user_id, email_address, name, access_token, sync_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			access_token = excluded.access_token,
			needs_reauth = 0,
			email_address = CASE WHEN excluded.email_address != '' THEN excluded.email_address ELSE accounts.email_address END,
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE accounts.name END,
			updated_at = excluded.updated_at
	`, a.ID, a.UserID, a.EmailAddress, a.Name, a.AccessToken, StatusNew, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert account: %w", err)
	}
	return nil
}

// GetAccount loads one account. A missing row is syncerr.ErrAccountNotFound.
func (s *Store) GetAccount(ctx context.Context, id string) (*Account, error) {
	var a Account
	err := s.db.GetContext(ctx, &a, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, syncerr.State("get_account", fmt.Errorf("%w: %s", syncerr.ErrAccountNotFound, id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	return &a, nil
}

// GetAccountForUser loads an account only if userID owns it.
func (s *Store) GetAccountForUser(ctx context.Context, id, userID string) (*Account, error) {
	a, err := s.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.UserID != userID {
		return nil, syncerr.State("get_account", fmt.Errorf("%w: %s", syncerr.ErrAccountNotFound, id))
	}
	return a, nil
}

// ListAccountsByUser returns the accounts owned by userID.
func (s *Store) ListAccountsByUser(ctx context.Context, userID string) ([]Account, error) {
	var accounts []Account
	if err := s.db.SelectContext(ctx, &accounts,
		`SELECT `+accountColumns+` FROM accounts WHERE user_id = ? ORDER BY created_at`, userID); err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return accounts, nil
}

// ListSyncableAccounts returns every account that has a stored cursor and a
// token the provider has not rejected.
func (s *Store) ListSyncableAccounts(ctx context.Context) ([]Account, error) {
	var accounts []Account
	if err := s.db.SelectContext(ctx, &accounts, `
		SELECT `+accountColumns+` FROM accounts
		WHERE next_delta_token IS NOT NULL AND next_delta_token != ''
		  AND needs_reauth = 0
		ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to list syncable accounts: %w", err)
	}
	return accounts, nil
}

// LoadCursor returns the account's delta token, "" when none is stored.
func (s *Store) LoadCursor(ctx context.Context, accountID string) (string, error) {
	var cursor sql.NullString
	err := s.db.GetContext(ctx, &cursor, `SELECT next_delta_token FROM accounts WHERE id = ?`, accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", syncerr.State("load_cursor", fmt.Errorf("%w: %s", syncerr.ErrAccountNotFound, accountID))
	}
	if err != nil {
		return "", fmt.Errorf("failed to load cursor: %w", err)
	}
	return cursor.String, nil
}

// SaveCursor stores the delta token after a batch has been committed and
// marks the account as hooked.
func (s *Store) SaveCursor(ctx context.Context, accountID, cursor string) error {
	if cursor == "" {
		return syncerr.State("save_cursor", errors.New("refusing to store empty cursor"))
	}
	now := nowMillis()
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts
		SET next_delta_token = ?,
		    sync_status = ?,
		    last_error = NULL,
		    retry_count = 0,
		    needs_reauth = 0,
		    last_synced_at = ?,
		    updated_at = ?
		WHERE id = ?
	`, cursor, StatusHooked, now, now, accountID)
	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return syncerr.State("save_cursor", fmt.Errorf("%w: %s", syncerr.ErrAccountNotFound, accountID))
	}
	return nil
}

// UpdateSyncStatus updates sync status with error info. A non-empty errMsg
// is recorded as last_error and bumps the retry counter.
func (s *Store) UpdateSyncStatus(ctx context.Context, accountID, status, errMsg string) error {
	var lastErr sql.NullString
	if errMsg != "" {
		lastErr = sql.NullString{String: errMsg, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE accounts
		SET sync_status = ?,
		    last_error = CASE WHEN ? IS NOT NULL THEN ? ELSE last_error END,
		    retry_count = CASE WHEN ? IS NOT NULL THEN retry_count + 1 ELSE retry_count END,
		    updated_at = ?
		WHERE id = ?
	`, status, lastErr, lastErr, lastErr, nowMillis(), accountID)
	if err != nil {
		return fmt.Errorf("failed to update sync status: %w", err)
	}
	return nil
}

// MarkSynced records a successful run that left the cursor unchanged. Like
// SaveCursor it clears the error state.
func (s *Store) MarkSynced(ctx context.Context, accountID string) error {
	now := nowMillis()
	_, err := s.db.ExecContext(ctx, `
		UPDATE accounts
		SET sync_status = ?,
		    last_error = NULL,
		    retry_count = 0,
		    needs_reauth = 0,
		    last_synced_at = ?,
		    updated_at = ?
		WHERE id = ?
	`, StatusHooked, now, now, accountID)
	if err != nil {
		return fmt.Errorf("failed to mark account synced: %w", err)
	}
	return nil
}

// MarkNeedsReauth flags an account whose token the provider rejected.
func (s *Store) MarkNeedsReauth(ctx context.Context, accountID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET needs_reauth = 1, updated_at = ? WHERE id = ?`, nowMillis(), accountID)
	if err != nil {
		return fmt.Errorf("failed to flag account for re-authentication: %w", err)
	}
	return nil
}
