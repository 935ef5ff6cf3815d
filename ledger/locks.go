package ledger

import (
	"context"
	"sync"
)

// KeyLocker serializes work on a key. Lock blocks until key is held or ctx
// is done and returns the release func. An empty key is a no-op.
type KeyLocker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// AccountLocks serializes balance-affecting work per account key.
//
// Balances are recomputed from the log every time, so two verifications
// spending from the same wallet must not overlap: each would see the
// other's funds as still available. Entries are reference counted and
// removed when the last holder unlocks.
type AccountLocks struct {
	mu    sync.Mutex
	locks map[string]*accountLock
}

type accountLock struct {
	ch   chan struct{} // buffered(1): holding the token means holding the lock
	refs int
}

func NewAccountLocks() *AccountLocks {
	return &AccountLocks{locks: make(map[string]*accountLock)}
}

// Lock blocks until key is held or ctx is done. The returned func releases
// the lock. An empty key is a no-op.
func (l *AccountLocks) Lock(ctx context.Context, key string) (func(), error) {
	if key == "" {
		return func() {}, nil
	}

	l.mu.Lock()
	al, ok := l.locks[key]
	if !ok {
		al = &accountLock{ch: make(chan struct{}, 1)}
		l.locks[key] = al
	}
	al.refs++
	l.mu.Unlock()

	select {
	case al.ch <- struct{}{}:
		return func() { l.release(key, al) }, nil
	case <-ctx.Done():
		l.drop(key, al)
		return nil, ctx.Err()
	}
}

func (l *AccountLocks) release(key string, al *accountLock) {
	<-al.ch
	l.drop(key, al)
}

func (l *AccountLocks) drop(key string, al *accountLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	al.refs--
	if al.refs == 0 {
		delete(l.locks, key)
	}
}

// Held returns the number of keys currently tracked.
func (l *AccountLocks) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

// WalletKey is the lock key for spending from a user's wallet bucket.
func WalletKey(user UserID, wallet WalletType) string {
	if user == "" {
		return ""
	}
	return "wallet:" + string(user) + ":" + string(wallet.Bucket())
}

// CampaignKey is the lock key for an airdrop campaign budget.
func CampaignKey(id CampaignID) string {
	if id == "" {
		return ""
	}
	return "campaign:" + string(id)
}

// LockKey returns the key serializing verification of tx: the campaign for
// airdrops, the sender's wallet bucket otherwise. Queues partition on it.
func LockKey(tx Transaction) string {
	if tx.Type == TxAirdrop {
		return CampaignKey(tx.Data.Campaign)
	}
	return WalletKey(tx.From.User, tx.From.WalletType)
}

// =============================================================================
// STACKED LOCKS
// =============================================================================

type stackedLocks []KeyLocker

// StackLocks takes every locker in order and releases them in reverse.
// Put the in-process AccountLocks first so a process holds at most one
// shared lock per key.
func StackLocks(lockers ...KeyLocker) KeyLocker {
	return stackedLocks(lockers)
}

func (s stackedLocks) Lock(ctx context.Context, key string) (func(), error) {
	releases := make([]func(), 0, len(s))
	release := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, l := range s {
		unlock, err := l.Lock(ctx, key)
		if err != nil {
			release()
			return nil, err
		}
		releases = append(releases, unlock)
	}
	return release, nil
}
