package p2p

import (
	"path/filepath"
	"testing"
	"time"
)

func TestBanStoreSetIsBannedClear(t *testing.T) {
	store, err := OpenBanStore(filepath.Join(t.TempDir(), "bans.db"))
	if err != nil {
		t.Fatalf("OpenBanStore: %v", err)
	}
	defer store.Close()

	peerID := "10.0.0.1:9000"
	until := time.Now().Add(time.Hour)

	if banned, _ := store.IsBanned(peerID, time.Now()); banned {
		t.Fatal("expected peer to not be banned yet")
	}

	if err := store.SetBan(peerID, until); err != nil {
		t.Fatalf("SetBan: %v", err)
	}

	banned, deadline := store.IsBanned(peerID, time.Now())
	if !banned {
		t.Fatal("expected peer to be banned")
	}
	if !deadline.Equal(until) {
		t.Fatalf("expected deadline %v, got %v", until, deadline)
	}

	if banned, _ := store.IsBanned(peerID, until.Add(time.Second)); banned {
		t.Fatal("expected ban to have expired")
	}

	if err := store.ClearBan(peerID); err != nil {
		t.Fatalf("ClearBan: %v", err)
	}
	if banned, _ := store.IsBanned(peerID, time.Now()); banned {
		t.Fatal("expected ban to be cleared")
	}
}

func TestBanStoreNilReceiverIsInert(t *testing.T) {
	var store *BanStore
	if banned, _ := store.IsBanned("x", time.Now()); banned {
		t.Fatal("expected nil store to report not banned")
	}
	if err := store.SetBan("x", time.Now()); err != nil {
		t.Fatalf("expected nil store SetBan to be a no-op, got %v", err)
	}
	if err := store.ClearBan("x"); err != nil {
		t.Fatalf("expected nil store ClearBan to be a no-op, got %v", err)
	}
}
