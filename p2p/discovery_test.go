package p2p

import (
	"context"
	"encoding/json"
	"testing"
)

type fakeRequester struct {
	id      string
	respond func(ctx context.Context, packet Packet) (Packet, error)
}

func (f *fakeRequester) ID() string { return f.id }

func (f *fakeRequester) Request(ctx context.Context, packet Packet) (Packet, error) {
	return f.respond(ctx, packet)
}

func mustGetPeersResponse(t *testing.T, peers ...PeerInfo) Packet {
	t.Helper()
	data, err := json.Marshal(getPeersResponsePayload{Peers: peers})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return Packet{Name: "getPeers", Data: data}
}

func TestDiscoveryRunDedupesAcrossPeers(t *testing.T) {
	shared := PeerInfo{IPAddress: "10.0.0.1", WSPort: 1}
	unique := PeerInfo{IPAddress: "10.0.0.2", WSPort: 2}

	sample := []discoveryRequester{
		&fakeRequester{id: "a", respond: func(ctx context.Context, p Packet) (Packet, error) {
			return mustGetPeersResponse(t, shared, unique), nil
		}},
		&fakeRequester{id: "b", respond: func(ctx context.Context, p Packet) (Packet, error) {
			return mustGetPeersResponse(t, shared), nil
		}},
	}

	d := NewDiscovery(nil)
	found := d.Run(context.Background(), sample, nil, nil)
	if len(found) != 2 {
		t.Fatalf("expected 2 deduped peers, got %d", len(found))
	}
}

func TestDiscoveryRunFiltersBlacklist(t *testing.T) {
	blocked := PeerInfo{IPAddress: "10.0.0.9", WSPort: 9}
	allowed := PeerInfo{IPAddress: "10.0.0.10", WSPort: 10}

	sample := []discoveryRequester{
		&fakeRequester{id: "a", respond: func(ctx context.Context, p Packet) (Packet, error) {
			return mustGetPeersResponse(t, blocked, allowed), nil
		}},
	}

	d := NewDiscovery(nil)
	found := d.Run(context.Background(), sample, map[string]struct{}{"10.0.0.9": {}}, nil)
	if len(found) != 1 || found[0].IPAddress != "10.0.0.10" {
		t.Fatalf("expected only the allowed peer, got %+v", found)
	}
}

func TestDiscoveryRunReportsFailureAndContinues(t *testing.T) {
	var failed []string
	sample := []discoveryRequester{
		&fakeRequester{id: "broken", respond: func(ctx context.Context, p Packet) (Packet, error) {
			return Packet{}, ErrRequestFail
		}},
		&fakeRequester{id: "ok", respond: func(ctx context.Context, p Packet) (Packet, error) {
			return mustGetPeersResponse(t, PeerInfo{IPAddress: "10.0.0.5", WSPort: 5}), nil
		}},
	}

	d := NewDiscovery(nil)
	found := d.Run(context.Background(), sample, nil, func(peerID string, err error) {
		failed = append(failed, peerID)
	})

	if len(failed) != 1 || failed[0] != "broken" {
		t.Fatalf("expected failure callback for 'broken', got %v", failed)
	}
	if len(found) != 1 {
		t.Fatalf("expected discovery to still return the successful peer, got %+v", found)
	}
}
