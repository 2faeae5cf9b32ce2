package p2p

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
)

const banKeyPrefix = "ban:"

type banRecord struct {
	Until time.Time `json:"until"`
}

// BanStore persists the ban-until clock for peerIds across process
// restarts. The directory's new/tried buckets stay in-memory only (per
// spec); this store exists only so a freshly restarted process does not
// immediately re-admit a peer it banned moments before exiting.
type BanStore struct {
	db *leveldb.DB
}

// OpenBanStore opens (creating if absent) a LevelDB database at path.
func OpenBanStore(path string) (*BanStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open ban store: %w", err)
	}
	return &BanStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *BanStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SetBan records peerId as banned until the given deadline.
func (s *BanStore) SetBan(peerID string, until time.Time) error {
	if s == nil {
		return nil
	}
	payload, err := json.Marshal(banRecord{Until: until})
	if err != nil {
		return err
	}
	return s.db.Put([]byte(banKeyPrefix+peerID), payload, nil)
}

// IsBanned reports whether peerId is currently within its persisted ban
// window.
func (s *BanStore) IsBanned(peerID string, now time.Time) (bool, time.Time) {
	if s == nil {
		return false, time.Time{}
	}
	raw, err := s.db.Get([]byte(banKeyPrefix+peerID), nil)
	if err != nil {
		return false, time.Time{}
	}
	var rec banRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return false, time.Time{}
	}
	if now.After(rec.Until) {
		return false, rec.Until
	}
	return true, rec.Until
}

// ClearBan removes any persisted ban for peerId.
func (s *BanStore) ClearBan(peerID string) error {
	if s == nil {
		return nil
	}
	return s.db.Delete([]byte(banKeyPrefix+peerID), nil)
}
