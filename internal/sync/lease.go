package sync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Martian-dev/mailsync/internal/syncerr"
)

type leaseEntry struct {
	token     uint64
	expiresAt time.Time
}

// LeaseTable grants at most one live lease per account. Holders renew their
// lease while they run; a lease that was not renewed within its TTL may be
// taken over, after which the stale holder's Renew, Valid and Release see
// that it no longer owns the key.
type LeaseTable struct {
	mu     sync.Mutex
	leases map[string]leaseEntry
	next   uint64
	now    func() time.Time
}

func NewLeaseTable() *LeaseTable {
	return &LeaseTable{leases: make(map[string]leaseEntry), now: time.Now}
}

// Lease is one holder's claim on a key.
type Lease struct {
	table *LeaseTable
	key   string
	token uint64
	ttl   time.Duration
	once  sync.Once
}

// Acquire takes the lease for key. A live lease held by someone else is
// rejected with syncerr.ErrSyncInProgress.
func (t *LeaseTable) Acquire(key string, ttl time.Duration) (*Lease, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if l, ok := t.leases[key]; ok && now.Before(l.expiresAt) {
		return nil, syncerr.State("acquire_lease", fmt.Errorf("%w: %s", syncerr.ErrSyncInProgress, key))
	}

	t.next++
	t.leases[key] = leaseEntry{token: t.next, expiresAt: now.Add(ttl)}
	return &Lease{table: t, key: key, token: t.next, ttl: ttl}, nil
}

// Renew extends the lease by its TTL. It returns false once the lease was
// released or taken over.
func (l *Lease) Renew() bool {
	t := l.table
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.leases[l.key]
	if !ok || e.token != l.token {
		return false
	}
	e.expiresAt = t.now().Add(l.ttl)
	t.leases[l.key] = e
	return true
}

// Valid reports whether l still owns its key and has not expired.
func (l *Lease) Valid() bool {
	t := l.table
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.leases[l.key]
	return ok && e.token == l.token && t.now().Before(e.expiresAt)
}

// Release frees the key if l still owns it. Safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		t := l.table
		t.mu.Lock()
		defer t.mu.Unlock()
		if e, ok := t.leases[l.key]; ok && e.token == l.token {
			delete(t.leases, l.key)
		}
	})
}

// KeepAlive renews l every third of its TTL until ctx is done.
func (l *Lease) KeepAlive(ctx context.Context) {
	interval := l.ttl / 3
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !l.Renew() {
				return
			}
		}
	}
}

// Held reports whether key has a live lease.
func (t *LeaseTable) Held(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.leases[key]
	return ok && t.now().Before(l.expiresAt)
}

// Keys returns the keys with live leases, sorted.
func (t *LeaseTable) Keys() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	keys := make([]string, 0, len(t.leases))
	for k, l := range t.leases {
		if now.Before(l.expiresAt) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

type leaseCtxKey struct{}

// withLease attaches the caller's lease so the runner can confirm ownership
// before it writes the cursor or acknowledges a window.
func withLease(ctx context.Context, l *Lease) context.Context {
	return context.WithValue(ctx, leaseCtxKey{}, l)
}

// checkLease fails with syncerr.ErrLeaseLost when ctx carries a lease that
// is no longer owned. A ctx without a lease passes.
func checkLease(ctx context.Context, op string) error {
	l, ok := ctx.Value(leaseCtxKey{}).(*Lease)
	if !ok || l.Valid() {
		return nil
	}
	return syncerr.State(op, fmt.Errorf("%w: %s", syncerr.ErrLeaseLost, l.key))
}
