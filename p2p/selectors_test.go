package p2p

import "testing"

func TestDefaultSelectForConnectionRespectsLimit(t *testing.T) {
	infos := []PeerInfo{
		{IPAddress: "10.0.0.1", WSPort: 1},
		{IPAddress: "10.0.0.2", WSPort: 2},
		{IPAddress: "10.0.0.3", WSPort: 3},
	}
	selected := DefaultSelectForConnection(SelectForConnectionParams{Peers: infos, PeerLimit: 2})
	if len(selected) != 2 {
		t.Fatalf("expected 2 selected, got %d", len(selected))
	}
}

func TestDefaultSelectForConnectionCapsAtAvailable(t *testing.T) {
	infos := []PeerInfo{{IPAddress: "10.0.0.1", WSPort: 1}}
	selected := DefaultSelectForConnection(SelectForConnectionParams{Peers: infos, PeerLimit: 5})
	if len(selected) != 1 {
		t.Fatalf("expected 1 selected, got %d", len(selected))
	}
}

func TestDefaultSelectForConnectionZeroLimitReturnsEmpty(t *testing.T) {
	infos := []PeerInfo{{IPAddress: "10.0.0.1", WSPort: 1}}
	selected := DefaultSelectForConnection(SelectForConnectionParams{Peers: infos, PeerLimit: 0})
	if len(selected) != 0 {
		t.Fatalf("expected 0 selected, got %d", len(selected))
	}
}

func TestDefaultSelectForRequestEmptyPeersReturnsEmpty(t *testing.T) {
	selected := DefaultSelectForRequest(SelectForRequestParams{Peers: nil, PeerLimit: 1})
	if len(selected) != 0 {
		t.Fatalf("expected no peers found, got %d", len(selected))
	}
}
