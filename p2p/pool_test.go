package p2p

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func newTestPoolConfig() Config {
	cfg := Config{}
	cfg.setDefaults()
	cfg.ConnectTimeout = 200 * time.Millisecond
	cfg.AckTimeout = 500 * time.Millisecond
	return cfg
}

func drainEvents(t *testing.T, ch <-chan Event, want int, timeout time.Duration) []Event {
	t.Helper()
	var out []Event
	deadline := time.After(timeout)
	for len(out) < want {
		select {
		case ev := <-ch:
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timed out waiting for %d events, got %d: %+v", want, len(out), out)
		}
	}
	return out
}

// Scenario 1: inbound eviction.
func TestPoolScenarioInboundEviction(t *testing.T) {
	cfg := newTestPoolConfig()
	cfg.MaxInboundConnections = 2
	cfg.MaxOutboundConnections = 0
	pool := NewPool(cfg, nil, nil, nil, nil, nil)
	defer pool.RemoveAllPeers()

	events, unsub := pool.Subscribe(32)
	defer unsub()

	add := func(ip string) {
		socket := newFakeSocket()
		if _, err := pool.AddInboundPeer(context.Background(), PeerInfo{IPAddress: ip, WSPort: 5000}, socket); err != nil {
			t.Fatalf("AddInboundPeer(%s): %v", ip, err)
		}
	}

	add("1.1.1.1")
	add("2.2.2.2")
	add("3.3.3.3")

	closeEvents := 0
	timeout := time.After(time.Second)
	for closeEvents == 0 {
		select {
		case ev := <-events:
			if ev.Kind == EventCloseInbound {
				closeEvents++
			}
		case <-timeout:
			t.Fatal("timed out waiting for a closeInbound event")
		}
	}
	if closeEvents != 1 {
		t.Fatalf("expected exactly one closeInbound event, got %d", closeEvents)
	}

	inbound, _ := pool.GetPeersCountPerKind()
	if inbound != 2 {
		t.Fatalf("expected 2 inbound peers, got %d", inbound)
	}
	if !pool.HasPeer(PeerID("3.3.3.3", 5000)) {
		t.Fatal("expected 3.3.3.3:5000 to be present")
	}
	onePresent := pool.HasPeer(PeerID("1.1.1.1", 5000)) != pool.HasPeer(PeerID("2.2.2.2", 5000))
	if !onePresent {
		t.Fatal("expected exactly one of 1.1.1.1:5000 / 2.2.2.2:5000 to remain")
	}
}

// Scenario 2: discovery ingestion.
func TestPoolScenarioDiscoveryIngestion(t *testing.T) {
	cfg := newTestPoolConfig()
	pool := NewPool(cfg, nil, nil, nil, nil, nil)
	defer pool.RemoveAllPeers()

	socketA, remoteA := newFakeSocket(), newFakeSocket()
	pipeSockets(socketA, remoteA)
	remoteA.onRequest("getPeers", func(data []byte) ([]byte, error) {
		resp := getPeersResponsePayload{Peers: []PeerInfo{
			{IPAddress: "10.0.0.2", WSPort: 5000},
			{IPAddress: "10.0.0.3", WSPort: 5000},
		}}
		return json.Marshal(resp)
	})

	if _, err := pool.AddOutboundPeer(context.Background(), PeerID("10.0.0.1", 5000), PeerInfo{IPAddress: "10.0.0.1", WSPort: 5000}, socketA); err != nil {
		t.Fatalf("AddOutboundPeer: %v", err)
	}

	found := pool.RunDiscovery(context.Background(), []PeerInfo{{IPAddress: "10.0.0.1", WSPort: 5000}}, []string{"10.0.0.2"})
	if len(found) != 1 || found[0].IPAddress != "10.0.0.3" {
		t.Fatalf("expected only 10.0.0.3:5000, got %+v", found)
	}
}

// Scenario 3: request with no peers.
func TestPoolScenarioRequestWithNoPeers(t *testing.T) {
	pool := NewPool(newTestPoolConfig(), nil, nil, nil, nil, nil)
	defer pool.RemoveAllPeers()

	_, err := pool.Request(context.Background(), Packet{Name: "getBlocks"})
	if !IsRequestFail(err) {
		t.Fatalf("expected RequestFail, got %v", err)
	}
}

// Scenario 4: ban lifecycle.
func TestPoolScenarioBanLifecycle(t *testing.T) {
	cfg := newTestPoolConfig()
	cfg.BanThreshold = 10
	cfg.PeerBanTime = 50 * time.Millisecond
	pool := NewPool(cfg, nil, nil, nil, nil, nil)
	defer pool.RemoveAllPeers()

	socket := newFakeSocket()
	peerID := PeerID("4.4.4.4", 5000)
	if _, err := pool.AddInboundPeer(context.Background(), PeerInfo{IPAddress: "4.4.4.4", WSPort: 5000}, socket); err != nil {
		t.Fatalf("AddInboundPeer: %v", err)
	}

	events, unsub := pool.Subscribe(32)
	defer unsub()

	start := time.Now()
	if err := pool.ApplyPenalty(peerID, 10); err != nil {
		t.Fatalf("ApplyPenalty: %v", err)
	}

	banEvents := drainEvents(t, events, 1, time.Second)
	if banEvents[0].Kind != EventBanPeer || banEvents[0].PeerID != peerID {
		t.Fatalf("expected banPeer(%s), got %+v", peerID, banEvents[0])
	}

	var unbanEv Event
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == EventUnbanPeer {
				unbanEv = ev
			}
		case <-deadline:
			t.Fatal("timed out waiting for unbanPeer")
		}
		if unbanEv.Kind == EventUnbanPeer {
			break
		}
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("expected unbanPeer at least 50ms after ban, got %v", elapsed)
	}
	if unbanEv.PeerID != peerID {
		t.Fatalf("expected unbanPeer(%s), got %+v", peerID, unbanEv)
	}
	if pool.HasPeer(peerID) {
		t.Fatal("expected peer to be removed from the map after the ban-driven close")
	}
}

// A banned peerId is rejected with ErrPeerBanned, not ErrDuplicatePeer: a
// banned remote is not a duplicate of anything in the live map.
func TestPoolAddInboundPeerRejectsBannedWithDedicatedError(t *testing.T) {
	cfg := newTestPoolConfig()
	cfg.BanThreshold = 1
	cfg.PeerBanTime = time.Minute
	pool := NewPool(cfg, nil, nil, nil, nil, nil)
	defer pool.RemoveAllPeers()

	socket := newFakeSocket()
	peerID := PeerID("6.6.6.6", 5000)
	if _, err := pool.AddInboundPeer(context.Background(), PeerInfo{IPAddress: "6.6.6.6", WSPort: 5000}, socket); err != nil {
		t.Fatalf("AddInboundPeer: %v", err)
	}

	events, unsub := pool.Subscribe(8)
	defer unsub()
	if err := pool.ApplyPenalty(peerID, 1); err != nil {
		t.Fatalf("ApplyPenalty: %v", err)
	}
	drainEvents(t, events, 1, time.Second) // wait for banPeer + the ban-driven close to settle

	_, err := pool.AddInboundPeer(context.Background(), PeerInfo{IPAddress: "6.6.6.6", WSPort: 5000}, newFakeSocket())
	if !IsPeerBanned(err) {
		t.Fatalf("expected ErrPeerBanned, got %v", err)
	}
	if IsDuplicatePeer(err) {
		t.Fatal("a banned peer must not be classified as a duplicate")
	}
}

// Scenario 5: nodeInfo fan-out with one faulty peer.
func TestPoolScenarioNodeInfoFanoutWithFaultyPeer(t *testing.T) {
	pool := NewPool(newTestPoolConfig(), nil, nil, nil, nil, nil)
	defer pool.RemoveAllPeers()

	goodIPs := []string{"5.5.5.1", "5.5.5.2"}
	for _, ip := range goodIPs {
		socket, remote := newFakeSocket(), newFakeSocket()
		pipeSockets(socket, remote)
		if _, err := pool.AddInboundPeer(context.Background(), PeerInfo{IPAddress: ip, WSPort: 5000}, socket); err != nil {
			t.Fatalf("AddInboundPeer(%s): %v", ip, err)
		}
	}

	// The faulty peer's socket has no linked remote, so Send fails.
	faultySocket := newFakeSocket()
	if _, err := pool.AddInboundPeer(context.Background(), PeerInfo{IPAddress: "5.5.5.3", WSPort: 5000}, faultySocket); err != nil {
		t.Fatalf("AddInboundPeer(faulty): %v", err)
	}

	events, unsub := pool.Subscribe(32)
	defer unsub()

	pool.ApplyNodeInfo(NodeInfo{Height: 42})

	failures := drainEvents(t, events, 1, time.Second)
	if failures[0].Kind != EventFailedToPushNodeInfo {
		t.Fatalf("expected failedToPushNodeInfo, got %+v", failures[0])
	}
}

// Scenario 6: duplicate outbound.
func TestPoolScenarioDuplicateOutbound(t *testing.T) {
	pool := NewPool(newTestPoolConfig(), nil, nil, nil, nil, nil)
	defer pool.RemoveAllPeers()

	socket := newFakeSocket()
	info1 := PeerInfo{IPAddress: "1.2.3.4", WSPort: 5000, DiscoveredAttributes: &DiscoveredPeerInfo{Height: 10}}
	peer1, err := pool.AddOutboundPeer(context.Background(), "X", info1, socket)
	if err != nil {
		t.Fatalf("first AddOutboundPeer: %v", err)
	}

	info2 := PeerInfo{IPAddress: "1.2.3.4", WSPort: 5000, DiscoveredAttributes: &DiscoveredPeerInfo{Height: 20}}
	peer2, err := pool.AddOutboundPeer(context.Background(), "X", info2, nil)
	if err != nil {
		t.Fatalf("second AddOutboundPeer: %v", err)
	}

	if peer1 != peer2 {
		t.Fatal("expected the second call to return the same connection, not a duplicate")
	}

	_, outbound := pool.GetPeersCountPerKind()
	if outbound != 1 {
		t.Fatalf("expected map size 1, got %d outbound", outbound)
	}

	stored := pool.GetPeer("X").Info()
	if stored.DiscoveredAttributes == nil || stored.DiscoveredAttributes.Height != 20 {
		t.Fatalf("expected stored height 20, got %+v", stored.DiscoveredAttributes)
	}

	events, unsub := pool.Subscribe(32)
	defer unsub()
	peer2.ApplyPenalty(1)

	select {
	case <-events:
	case <-time.After(100 * time.Millisecond):
	}
	// A single subscription path: emitting again must not produce events
	// from a stale, duplicated registration.
	peer2.Disconnect()
	closeEvents := drainEvents(t, events, 1, time.Second)
	if len(closeEvents) != 1 {
		t.Fatalf("expected exactly one close event from the single live connection, got %d", len(closeEvents))
	}
}
