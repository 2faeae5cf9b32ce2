package p2p

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

// PeerPool owns the live-peer map, enforces inbound/outbound capacity
// limits, wires per-peer events into a single subscriber surface, and
// drives discovery, eviction, and bans. It is the single-writer
// authority over the peer map: every mutation takes pool.mu.
type PeerPool struct {
	cfg     Config
	logger  *slog.Logger
	metrics *poolMetrics
	dialer  Dialer

	directory   *PeerDirectory
	discover    *Discovery
	banStore    *BanStore
	bus         *EventBus
	rateLimiter *poolRateLimiter

	mu            sync.RWMutex
	peers         map[string]*PeerConnection
	inboundCount  int
	outboundCount int
	nodeInfo      *NodeInfo
	bannedUntil   map[string]time.Time
	banTimers     map[string]*time.Timer

	wg sync.WaitGroup

	shuffleStop chan struct{}
	shuffleOnce sync.Once
}

// NewPool constructs a pool ready to accept inbound sockets and dial
// outbound candidates. dialer may be nil if the host never calls an
// operation that dials (AddOutboundPeer with a nil socket, or
// TriggerNewConnections/FetchStatusAndCreatePeers).
func NewPool(cfg Config, dialer Dialer, directory *PeerDirectory, banStore *BanStore, metrics *poolMetrics, logger *slog.Logger) *PeerPool {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	pool := &PeerPool{
		cfg:         cfg,
		logger:      logger,
		metrics:     metrics,
		dialer:      dialer,
		directory:   directory,
		discover:    NewDiscovery(logger),
		banStore:    banStore,
		bus:         NewEventBus(),
		rateLimiter: newPoolRateLimiter(cfg.PoolRateLimitPerSecond, cfg.PoolRateLimitBurst),
		peers:       make(map[string]*PeerConnection),
		bannedUntil: make(map[string]time.Time),
		banTimers:   make(map[string]*time.Timer),
	}
	if cfg.OutboundEvictionInterval > 0 {
		pool.startShuffle()
	}
	return pool
}

// Subscribe registers a new subscriber on the pool's single fanned-in
// event stream.
func (pool *PeerPool) Subscribe(buffer int) (<-chan Event, func()) {
	return pool.bus.Subscribe(buffer)
}

// ApplyNodeInfo stores info and asynchronously pushes it to every current
// peer. Per-peer failures emit failedToPushNodeInfo and never fail this
// call.
func (pool *PeerPool) ApplyNodeInfo(info NodeInfo) {
	pool.mu.Lock()
	pool.nodeInfo = &info
	peers := pool.snapshotPeersLocked()
	pool.mu.Unlock()

	pool.wg.Add(1)
	go func() {
		defer pool.wg.Done()
		pool.pushNodeInfo(info, peers)
	}()
}

const nodeInfoPushConcurrency = 8

func (pool *PeerPool) pushNodeInfo(info NodeInfo, peers []*PeerConnection) {
	sem := make(chan struct{}, nodeInfoPushConcurrency)
	var wg sync.WaitGroup
	for _, peer := range peers {
		peer := peer
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := peer.ApplyNodeInfo(info); err != nil {
				pool.logger.Warn("failed to push node info", "peer", peer.ID(), "error", err)
				pool.bus.Emit(Event{Kind: EventFailedToPushNodeInfo, PeerID: peer.ID(), Err: err})
			}
		}()
	}
	wg.Wait()
}

// Request runs selectForRequest with limit 1 over connected peers and
// forwards to RequestFromPeer.
func (pool *PeerPool) Request(ctx context.Context, packet Packet) (Packet, error) {
	pool.mu.RLock()
	peers := pool.snapshotPeersLocked()
	nodeInfo := pool.nodeInfo
	pool.mu.RUnlock()

	selected := pool.cfg.PeerSelectionForRequest(SelectForRequestParams{
		Peers:     peers,
		NodeInfo:  nodeInfo,
		PeerLimit: 1,
		Request:   packet,
	})
	if len(selected) == 0 {
		return Packet{}, fmt.Errorf("no peers found in peer selection: %w", ErrRequestFail)
	}
	return pool.RequestFromPeer(ctx, packet, selected[0].ID())
}

// RequestFromPeer forwards packet directly to peerID.
func (pool *PeerPool) RequestFromPeer(ctx context.Context, packet Packet, peerID string) (Packet, error) {
	peer := pool.GetPeer(peerID)
	if peer == nil {
		return Packet{}, wrapf(ErrRequestFail, "peer %s not in pool", peerID)
	}
	start := time.Now()
	resp, err := peer.Request(ctx, packet)
	pool.metrics.recordRequest(ctx, time.Since(start), err)
	return resp, err
}

// Send runs selectForSend with cfg.SendPeerLimit and forwards to
// SendToPeer on each selected peer. Per-peer failures are logged, never
// returned: the host observes them only through its own log pipeline,
// since the closed event-kind enumeration in this module does not carry
// a dedicated "send failed" event.
func (pool *PeerPool) Send(message Packet) {
	pool.mu.RLock()
	peers := pool.snapshotPeersLocked()
	nodeInfo := pool.nodeInfo
	pool.mu.RUnlock()

	selected := pool.cfg.PeerSelectionForSend(SelectForSendParams{
		Peers:     peers,
		NodeInfo:  nodeInfo,
		PeerLimit: pool.cfg.SendPeerLimit,
		Message:   message,
	})
	for _, peer := range selected {
		if err := pool.SendToPeer(message, peer.ID()); err != nil {
			pool.logger.Warn("send to peer failed", "peer", peer.ID(), "error", err)
		}
	}
}

// SendToPeer sends message to peerID directly.
func (pool *PeerPool) SendToPeer(message Packet, peerID string) error {
	peer := pool.GetPeer(peerID)
	if peer == nil {
		return wrapf(ErrSendFail, "peer %s not in pool", peerID)
	}
	return peer.Send(message)
}

// FetchStatusAndCreatePeers attempts an outbound connect+status fetch for
// every seed; successes are added as outbound peers and returned,
// failures emit failedToFetchPeerInfo and are dropped from the result.
func (pool *PeerPool) FetchStatusAndCreatePeers(ctx context.Context, seeds []PeerInfo) []DiscoveredPeerInfo {
	results := make([]DiscoveredPeerInfo, 0, len(seeds))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, seed := range seeds {
		seed := seed
		wg.Add(1)
		go func() {
			defer wg.Done()
			peer, err := pool.AddOutboundPeer(ctx, seed.PeerID(), seed, nil)
			if err != nil {
				pool.bus.Emit(Event{Kind: EventFailedToFetchPeerInfo, PeerID: seed.PeerID(), Err: err})
				return
			}
			if err := pool.waitConnected(ctx, peer); err != nil {
				pool.bus.Emit(Event{Kind: EventFailedToFetchPeerInfo, PeerID: seed.PeerID(), Err: err})
				return
			}
			info, err := peer.FetchStatus(ctx)
			if err != nil {
				pool.bus.Emit(Event{Kind: EventFailedToFetchPeerInfo, PeerID: seed.PeerID(), Err: err})
				return
			}
			mu.Lock()
			results = append(results, info)
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results
}

// waitConnected blocks until peer leaves StateConnecting, or ctx is done.
func (pool *PeerPool) waitConnected(ctx context.Context, peer *PeerConnection) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		switch peer.State() {
		case StateConnected:
			return nil
		case StateClosed, StateBanned:
			return wrapf(ErrFetchInfoFail, "peer %s did not connect", peer.ID())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunDiscovery ensures each known peer has an outbound entry, samples up
// to MaxPeerDiscoveryProbeSampleSize of the pool's connected peers,
// invokes Discovery, and updates peer info for any discovered peer
// already in the map.
func (pool *PeerPool) RunDiscovery(ctx context.Context, knownPeers []PeerInfo, blacklist []string) []DiscoveredPeerInfo {
	for _, info := range knownPeers {
		if pool.GetPeer(info.PeerID()) == nil {
			if _, err := pool.AddOutboundPeer(ctx, info.PeerID(), info, nil); err != nil {
				pool.logger.Warn("failed to ensure outbound entry for known peer", "peer", info.PeerID(), "error", err)
			}
		}
	}

	pool.mu.RLock()
	connected := pool.snapshotPeersLocked()
	pool.mu.RUnlock()

	sample := sampleConnected(connected, MaxPeerDiscoveryProbeSampleSize)
	requesters := make([]discoveryRequester, 0, len(sample))
	for _, peer := range sample {
		requesters = append(requesters, peer)
	}

	blacklistSet := make(map[string]struct{}, len(blacklist))
	for _, ip := range blacklist {
		blacklistSet[ip] = struct{}{}
	}

	found := pool.discover.Run(ctx, requesters, blacklistSet, func(peerID string, err error) {
		pool.bus.Emit(Event{Kind: EventFailedToFetchPeerInfo, PeerID: peerID, Err: err})
	})
	pool.metrics.recordDiscovered(len(found))

	out := make([]DiscoveredPeerInfo, 0, len(found))
	for _, info := range found {
		discovered := DiscoveredPeerInfo{IPAddress: info.IPAddress, WSPort: info.WSPort}
		if info.DiscoveredAttributes != nil {
			discovered = *info.DiscoveredAttributes
			discovered.IPAddress = info.IPAddress
			discovered.WSPort = info.WSPort
		}
		out = append(out, discovered)

		if existing := pool.GetPeer(info.PeerID()); existing != nil {
			existing.setInfo(info)
		}
	}
	return out
}

func sampleConnected(peers []*PeerConnection, max int) []*PeerConnection {
	connected := make([]*PeerConnection, 0, len(peers))
	for _, p := range peers {
		if p.State() == StateConnected {
			connected = append(connected, p)
		}
	}
	if len(connected) <= max {
		return connected
	}
	rand.Shuffle(len(connected), func(i, j int) { connected[i], connected[j] = connected[j], connected[i] })
	return connected[:max]
}

// TriggerNewConnections filters candidates already present in the map,
// runs selectForConnection with the remaining outbound headroom, and adds
// the selected candidates as outbound entries.
func (pool *PeerPool) TriggerNewConnections(ctx context.Context, candidates []PeerInfo) {
	pool.mu.RLock()
	fresh := make([]PeerInfo, 0, len(candidates))
	for _, c := range candidates {
		if _, exists := pool.peers[c.PeerID()]; !exists {
			fresh = append(fresh, c)
		}
	}
	headroom := pool.cfg.MaxOutboundConnections - pool.outboundCount
	pool.mu.RUnlock()

	if headroom <= 0 || len(fresh) == 0 {
		return
	}

	selected := pool.cfg.PeerSelectionForConnection(SelectForConnectionParams{
		Peers:     fresh,
		PeerLimit: headroom,
	})
	for _, info := range selected {
		if _, err := pool.AddOutboundPeer(ctx, info.PeerID(), info, nil); err != nil {
			pool.logger.Warn("failed to add candidate outbound peer", "peer", info.PeerID(), "error", err)
		}
	}
}

// AddInboundPeer adds a freshly accepted inbound socket. If the pool is
// at its inbound cap, a random existing inbound peer is evicted first.
// Fails with ErrPeerBanned if peerInfo's peerId is currently banned, or
// ErrDuplicatePeer if it already exists.
func (pool *PeerPool) AddInboundPeer(ctx context.Context, info PeerInfo, socket Socket) (*PeerConnection, error) {
	if until, banned := pool.isBannedNow(info.PeerID()); banned {
		return nil, wrapf(ErrPeerBanned, "peer %s is banned until %s", info.PeerID(), until)
	}

	peerID := info.PeerID()
	pool.mu.Lock()
	if _, exists := pool.peers[peerID]; exists {
		pool.mu.Unlock()
		return nil, wrapf(ErrDuplicatePeer, "peer %s", peerID)
	}

	var evicted *PeerConnection
	if pool.cfg.MaxInboundConnections > 0 && pool.inboundCount >= pool.cfg.MaxInboundConnections {
		evicted = pool.pickRandomLocked(KindInbound)
	}

	peer := newPeerConnection(info, KindInbound, socket, pool.cfg, pool, pool.logger, nil)
	pool.peers[peerID] = peer
	pool.inboundCount++
	pool.mu.Unlock()

	if evicted != nil {
		evicted.Disconnect()
	}

	if err := peer.start(ctx); err != nil {
		return nil, err
	}
	pool.refreshMetrics()
	return peer, nil
}

// AddOutboundPeer is idempotent: if peerID already exists, its PeerInfo
// is updated and the existing connection returned. Otherwise a new
// outbound connection is added; if socket is nil it dials lazily via the
// pool's Dialer. Fails with ErrPeerBanned if info's peerId is currently
// banned.
func (pool *PeerPool) AddOutboundPeer(ctx context.Context, peerID string, info PeerInfo, socket Socket) (*PeerConnection, error) {
	if until, banned := pool.isBannedNow(info.PeerID()); banned {
		return nil, wrapf(ErrPeerBanned, "peer %s is banned until %s", info.PeerID(), until)
	}

	pool.mu.Lock()
	if existing, ok := pool.peers[peerID]; ok {
		existing.setInfo(info)
		pool.mu.Unlock()
		return existing, nil
	}
	peer := newPeerConnection(info, KindOutbound, socket, pool.cfg, pool, pool.logger, pool.dialer)
	pool.peers[peerID] = peer
	pool.outboundCount++
	pool.mu.Unlock()
	pool.refreshMetrics()

	if socket != nil {
		if err := peer.start(ctx); err != nil {
			return nil, err
		}
		return peer, nil
	}

	pool.wg.Add(1)
	go func() {
		defer pool.wg.Done()
		if err := peer.start(ctx); err != nil {
			pool.logger.Warn("outbound dial failed", "peer", peerID, "error", err)
		}
	}()
	return peer, nil
}

// RemovePeer disconnects and removes peerID. Returns false if it was not
// present.
func (pool *PeerPool) RemovePeer(peerID string) bool {
	pool.mu.RLock()
	peer, ok := pool.peers[peerID]
	pool.mu.RUnlock()
	if !ok {
		return false
	}
	peer.Disconnect()
	return true
}

// ApplyPenalty forwards weight to peerId's connection. Fails with
// PeerNotFound if the peer is absent.
func (pool *PeerPool) ApplyPenalty(peerID string, weight int) error {
	peer := pool.GetPeer(peerID)
	if peer == nil {
		return wrapf(ErrPeerNotFound, "peer %s", peerID)
	}
	peer.ApplyPenalty(weight)
	return nil
}

// GetPeers returns every connection of the given kind, or every
// connection if kind is nil.
func (pool *PeerPool) GetPeers(kind *PeerKind) []*PeerConnection {
	pool.mu.RLock()
	defer pool.mu.RUnlock()
	out := make([]*PeerConnection, 0, len(pool.peers))
	for _, p := range pool.peers {
		if kind == nil || p.Kind() == *kind {
			out = append(out, p)
		}
	}
	return out
}

// GetPeer returns the connection for peerID, or nil.
func (pool *PeerPool) GetPeer(peerID string) *PeerConnection {
	pool.mu.RLock()
	defer pool.mu.RUnlock()
	return pool.peers[peerID]
}

// HasPeer reports whether peerID is currently in the map.
func (pool *PeerPool) HasPeer(peerID string) bool {
	pool.mu.RLock()
	defer pool.mu.RUnlock()
	_, ok := pool.peers[peerID]
	return ok
}

// GetAllPeerInfos returns a snapshot of every connection's PeerInfo.
func (pool *PeerPool) GetAllPeerInfos() []PeerInfo {
	pool.mu.RLock()
	defer pool.mu.RUnlock()
	out := make([]PeerInfo, 0, len(pool.peers))
	for _, p := range pool.peers {
		out = append(out, p.Info())
	}
	return out
}

// GetPeersCountPerKind returns the current inbound and outbound counts.
func (pool *PeerPool) GetPeersCountPerKind() (inbound int, outbound int) {
	pool.mu.RLock()
	defer pool.mu.RUnlock()
	return pool.inboundCount, pool.outboundCount
}

// RemoveAllPeers cancels the outbound-shuffle timer and every outstanding
// ban timer, then disconnects every peer.
func (pool *PeerPool) RemoveAllPeers() {
	pool.stopShuffle()

	pool.mu.Lock()
	peers := make([]*PeerConnection, 0, len(pool.peers))
	for _, p := range pool.peers {
		peers = append(peers, p)
	}
	for _, t := range pool.banTimers {
		t.Stop()
	}
	pool.banTimers = make(map[string]*time.Timer)
	pool.mu.Unlock()

	for _, p := range peers {
		p.Disconnect()
	}
	pool.wg.Wait()
}

func (pool *PeerPool) snapshotPeersLocked() []*PeerConnection {
	out := make([]*PeerConnection, 0, len(pool.peers))
	for _, p := range pool.peers {
		out = append(out, p)
	}
	return out
}

func (pool *PeerPool) pickRandomLocked(kind PeerKind) *PeerConnection {
	var candidates []*PeerConnection
	for _, p := range pool.peers {
		if p.Kind() == kind {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	return candidates[rand.Intn(len(candidates))]
}

func (pool *PeerPool) isBannedNow(peerID string) (time.Time, bool) {
	pool.mu.RLock()
	until, ok := pool.bannedUntil[peerID]
	pool.mu.RUnlock()
	if ok && time.Now().Before(until) {
		return until, true
	}
	if pool.banStore != nil {
		if banned, deadline := pool.banStore.IsBanned(peerID, time.Now()); banned {
			return deadline, true
		}
	}
	return time.Time{}, false
}

func (pool *PeerPool) refreshMetrics() {
	pool.mu.RLock()
	inbound, outbound := pool.inboundCount, pool.outboundCount
	pool.mu.RUnlock()
	pool.metrics.setPeerCount(KindInbound, inbound)
	pool.metrics.setPeerCount(KindOutbound, outbound)
}

// allowInbound is the peerSink half of the pool-wide rate ceiling: every
// PeerConnection consults this before admitting an inbound request or
// message, in addition to its own per-peer tokenBucket.
func (pool *PeerPool) allowInbound() bool {
	return pool.rateLimiter.allow()
}

// handlePeerEvent is the peerSink implementation: every PeerConnection
// this pool owns reports its lifecycle events here. The live-peer map
// doubles as the dispatch table described by the typed-subscription
// redesign, so there is no separate per-peer handler registry to leak.
func (pool *PeerPool) handlePeerEvent(ev Event) {
	switch ev.Kind {
	case EventCloseOutbound, EventCloseInbound, EventConnectAbortOutbound:
		pool.removeFromMap(ev.PeerID)
	case EventConnectOutbound:
		pool.wg.Add(1)
		go func() {
			defer pool.wg.Done()
			pool.onConnectOutbound(ev.PeerID)
		}()
	case EventBanPeer:
		pool.recordBan(ev.PeerID)
		pool.bus.Emit(ev)
		pool.disconnectBanned(ev.PeerID)
		return
	}
	pool.bus.Emit(ev)
}

func (pool *PeerPool) removeFromMap(peerID string) {
	pool.mu.Lock()
	peer, ok := pool.peers[peerID]
	if ok {
		delete(pool.peers, peerID)
		if peer.Kind() == KindInbound {
			pool.inboundCount--
		} else {
			pool.outboundCount--
		}
	}
	pool.mu.Unlock()
	if ok {
		pool.refreshMetrics()
	}
}

func (pool *PeerPool) onConnectOutbound(peerID string) {
	peer := pool.GetPeer(peerID)
	if peer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), pool.cfg.AckTimeout)
	defer cancel()

	info, err := peer.FetchStatus(ctx)
	if err != nil {
		pool.bus.Emit(Event{Kind: EventFailedToFetchPeerInfo, PeerID: peerID, Err: err})
		return
	}

	updated := peer.Info()
	updated.DiscoveredAttributes = &info
	peer.setInfo(updated)
	if pool.directory != nil {
		pool.directory.Update(updated)
	}
	pool.bus.Emit(Event{Kind: EventDiscoveredPeer, PeerID: peerID, Info: info})
}

// recordBan applies the ban's state effects (persisted deadline, unban
// timer, metrics) without touching the peer's connection. It runs before
// the ban event reaches the bus so a subscriber reacting to banPeer
// observes consistent state immediately.
func (pool *PeerPool) recordBan(peerID string) {
	until := time.Now().Add(pool.cfg.PeerBanTime)

	pool.mu.Lock()
	pool.bannedUntil[peerID] = until
	pool.mu.Unlock()

	if pool.banStore != nil {
		if err := pool.banStore.SetBan(peerID, until); err != nil {
			pool.logger.Warn("failed to persist ban", "peer", peerID, "error", err)
		}
	}
	pool.metrics.recordBan()

	timer := time.AfterFunc(pool.cfg.PeerBanTime, func() {
		pool.mu.Lock()
		delete(pool.bannedUntil, peerID)
		delete(pool.banTimers, peerID)
		pool.mu.Unlock()
		if pool.banStore != nil {
			_ = pool.banStore.ClearBan(peerID)
		}
		pool.bus.Emit(Event{Kind: EventUnbanPeer, PeerID: peerID})
	})
	pool.mu.Lock()
	pool.banTimers[peerID] = timer
	pool.mu.Unlock()
}

// disconnectBanned tears down the banned peer's live connection. Called
// after the banPeer event has already reached the bus, so the resulting
// closeInbound/closeOutbound event is observed strictly after it.
func (pool *PeerPool) disconnectBanned(peerID string) {
	if peer := pool.GetPeer(peerID); peer != nil {
		peer.Disconnect()
	}
}

func (pool *PeerPool) startShuffle() {
	pool.shuffleStop = make(chan struct{})
	ticker := time.NewTicker(pool.cfg.OutboundEvictionInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				pool.shuffleOutbound()
			case <-pool.shuffleStop:
				return
			}
		}
	}()
}

func (pool *PeerPool) stopShuffle() {
	pool.shuffleOnce.Do(func() {
		if pool.shuffleStop != nil {
			close(pool.shuffleStop)
		}
	})
}

// shuffleOutbound evicts one random outbound peer, freeing a slot for a
// fresh dial on the next TriggerNewConnections. This only ever touches
// outbound peers, matching the retained source behavior despite kind
// being a general parameter elsewhere.
func (pool *PeerPool) shuffleOutbound() {
	pool.mu.RLock()
	victim := pool.pickRandomLocked(KindOutbound)
	pool.mu.RUnlock()
	if victim != nil {
		victim.Disconnect()
	}
}
