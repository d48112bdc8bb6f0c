package testutil

import (
	"sync"
	"time"

	"github.com/ArkEcosystem/mainsail-sub003/syncer"
)

// An EphemeralBanStore is an in-memory implementation of a syncer.BanStore.
type EphemeralBanStore struct {
	mu   sync.Mutex
	bans map[string]time.Time
}

// Ban bans ip until the given time.
func (bs *EphemeralBanStore) Ban(ip string, until time.Time, reason string) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.bans[ip] = until
	return nil
}

// Banned reports whether ip is banned. Expired bans are deleted.
func (bs *EphemeralBanStore) Banned(ip string) (bool, error) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	until, ok := bs.bans[ip]
	if !ok {
		return false, nil
	} else if time.Now().After(until) {
		delete(bs.bans, ip)
		return false, nil
	}
	return true, nil
}

// Len returns the number of stored bans, including expired ones that have
// not been read yet.
func (bs *EphemeralBanStore) Len() int {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return len(bs.bans)
}

var _ syncer.BanStore = (*EphemeralBanStore)(nil)

// NewEphemeralBanStore returns a new EphemeralBanStore.
func NewEphemeralBanStore() *EphemeralBanStore {
	return &EphemeralBanStore{
		bans: make(map[string]time.Time),
	}
}
