// Package mainsail provides the persistent stores used by the peer-to-peer
// engine in package syncer.
package mainsail

import (
	"bytes"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
	"go.sia.tech/core/types"
)

var bucketBans = []byte("bans")

// A ban is the stored value of a banned IP.
type ban struct {
	Until  time.Time
	Reason string
}

func (b ban) encode() []byte {
	var buf bytes.Buffer
	e := types.NewEncoder(&buf)
	e.WriteUint64(uint64(b.Until.UnixNano()))
	e.WriteString(b.Reason)
	e.Flush()
	return buf.Bytes()
}

func (b *ban) decode(buf []byte) error {
	d := types.NewBufDecoder(buf)
	b.Until = time.Unix(0, int64(d.ReadUint64()))
	b.Reason = d.ReadString()
	return d.Err()
}

// BoltBanStore implements syncer.BanStore with a BoltDB database.
type BoltBanStore struct {
	db *bbolt.DB
}

// Ban bans ip until the given time. An existing ban is replaced.
func (bs *BoltBanStore) Ban(ip string, until time.Time, reason string) error {
	return bs.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBans).Put([]byte(ip), ban{Until: until, Reason: reason}.encode())
	})
}

// Banned reports whether ip is banned. An expired ban is deleted.
func (bs *BoltBanStore) Banned(ip string) (banned bool, err error) {
	var expired bool
	err = bs.db.View(func(tx *bbolt.Tx) error {
		buf := tx.Bucket(bucketBans).Get([]byte(ip))
		if buf == nil {
			return nil
		}
		var b ban
		if err := b.decode(buf); err != nil {
			return fmt.Errorf("failed to decode ban for %q: %w", ip, err)
		}
		banned = time.Now().Before(b.Until)
		expired = !banned
		return nil
	})
	if err != nil || !expired {
		return
	}
	return false, bs.Unban(ip)
}

// Unban lifts the ban on ip, if any.
func (bs *BoltBanStore) Unban(ip string) error {
	return bs.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBans).Delete([]byte(ip))
	})
}

// Bans returns the expiry of every unexpired ban.
func (bs *BoltBanStore) Bans() (map[string]time.Time, error) {
	bans := make(map[string]time.Time)
	err := bs.db.View(func(tx *bbolt.Tx) error {
		now := time.Now()
		return tx.Bucket(bucketBans).ForEach(func(k, v []byte) error {
			var b ban
			if err := b.decode(v); err != nil {
				return fmt.Errorf("failed to decode ban for %q: %w", k, err)
			} else if now.Before(b.Until) {
				bans[string(k)] = b.Until
			}
			return nil
		})
	})
	return bans, err
}

// Close closes the BoltDB database.
func (bs *BoltBanStore) Close() error {
	return bs.db.Close()
}

// NewBoltBanStore creates a new BoltBanStore.
func NewBoltBanStore(db *bbolt.DB) (*BoltBanStore, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketBans)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bans bucket: %w", err)
	}
	return &BoltBanStore{db: db}, nil
}

// OpenBoltBanStore opens a BoltDB database.
func OpenBoltBanStore(path string) (*BoltBanStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	bs, err := NewBoltBanStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return bs, nil
}
