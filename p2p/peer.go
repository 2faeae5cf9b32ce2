package p2p

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// peerSink is the callback surface a PeerConnection drives. The owning
// PeerPool implements it directly: the live-peer map doubles as the
// dispatch table, so unregistration is just removing the peer from that
// map (no separate subscription bookkeeping can leak).
type peerSink interface {
	handlePeerEvent(Event)
	allowInbound() bool
}

// Dialer opens an outbound Socket to the remote described by info.
// PeerConnection owns the dial attempt so that dial failure can be
// reported as the documented connectAbortOutbound event rather than a
// synchronous error the caller has to translate itself.
type Dialer interface {
	Dial(ctx context.Context, info PeerInfo) (Socket, error)
}

// PeerConnection owns one socket to one remote, translates between typed
// packets and the underlying channel, and reports lifecycle events to its
// sink.
type PeerConnection struct {
	id     string
	kind   PeerKind
	cfg    Config
	sink   peerSink
	logger *slog.Logger
	dialer Dialer

	mu      sync.Mutex
	info    PeerInfo
	state   PeerState
	penalty int
	socket  Socket

	limiter *tokenBucket

	closeOnce sync.Once
	done      chan struct{}
}

func newPeerConnection(info PeerInfo, kind PeerKind, socket Socket, cfg Config, sink peerSink, logger *slog.Logger, dialer Dialer) *PeerConnection {
	if logger == nil {
		logger = slog.Default()
	}
	p := &PeerConnection{
		id:     info.PeerID(),
		kind:   kind,
		cfg:    cfg,
		sink:   sink,
		logger: logger,
		dialer: dialer,
		info:   info,
		state:  StateConnecting,
		socket: socket,
		done:   make(chan struct{}),
	}
	if cfg.RateLimitPerSecond > 0 {
		p.limiter = newTokenBucket(cfg.RateLimitPerSecond, cfg.RateLimitBurst)
	}
	return p
}

// ID returns the canonical peerId.
func (p *PeerConnection) ID() string { return p.id }

// Kind returns inbound/outbound.
func (p *PeerConnection) Kind() PeerKind { return p.kind }

// State returns the current lifecycle state.
func (p *PeerConnection) State() PeerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Info returns the last known PeerInfo for this connection.
func (p *PeerConnection) Info() PeerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.info
}

// setInfo replaces the stored PeerInfo; used when re-adding an outbound
// peer that already exists updates its attributes instead of duplicating
// the connection.
func (p *PeerConnection) setInfo(info PeerInfo) {
	p.mu.Lock()
	p.info = info
	p.mu.Unlock()
}

// start brings the connection live. If a socket was supplied at
// construction (an accepted inbound socket, or a pre-connected outbound
// one), this just begins consuming it. Otherwise, for an outbound
// connection with a dialer, it performs the dial: success emits
// connectOutbound and begins consuming the socket, failure emits
// connectAbortOutbound and leaves the connection closed.
func (p *PeerConnection) start(ctx context.Context) error {
	if p.kind == KindOutbound && p.socketRef() == nil {
		dialCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
		defer cancel()

		socket, err := p.dialer.Dial(dialCtx, p.Info())
		if err != nil {
			p.mu.Lock()
			p.state = StateClosed
			p.mu.Unlock()
			p.emit(EventConnectAbortOutbound, func(e *Event) { e.Err = err })
			return err
		}

		p.mu.Lock()
		p.socket = socket
		p.state = StateConnected
		p.mu.Unlock()

		p.emit(EventConnectOutbound, nil)
		go p.readLoop()
		return nil
	}

	p.mu.Lock()
	p.state = StateConnected
	p.mu.Unlock()
	if p.kind == KindOutbound {
		p.emit(EventConnectOutbound, nil)
	}
	go p.readLoop()
	return nil
}

func (p *PeerConnection) readLoop() {
	socket := p.socketRef()
	for {
		select {
		case ev, ok := <-socket.Incoming():
			if !ok {
				p.terminate(nil)
				return
			}
			p.dispatch(ev)
			if ev.Kind == SocketEventClosed {
				return
			}
		case <-p.done:
			return
		}
	}
}

func (p *PeerConnection) socketRef() Socket {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.socket
}

func (p *PeerConnection) dispatch(ev SocketEvent) {
	if ev.Kind != SocketEventClosed {
		if p.limiter != nil && !p.limiter.allow(time.Now()) {
			p.logger.Warn("peer exceeded inbound rate limit", "peer", p.id)
			return
		}
		if !p.sink.allowInbound() {
			p.logger.Warn("pool exceeded inbound rate limit", "peer", p.id)
			return
		}
	}

	switch ev.Kind {
	case SocketEventRequest:
		requestID := ev.RequestID
		socket := p.socketRef()
		p.emit(EventRequestReceived, func(e *Event) {
			e.Request = &InboundRequest{
				Name: ev.Name,
				Data: ev.Data,
				Reply: func(data []byte, err error) {
					if replyErr := socket.Reply(requestID, data, err); replyErr != nil {
						p.logger.Warn("failed to reply to peer request", "peer", p.id, "error", replyErr)
					}
				},
			}
		})
	case SocketEventMessage:
		p.emit(EventMessageReceived, func(e *Event) {
			e.Message = &InboundMessage{Name: ev.Name, Data: ev.Data}
		})
	case SocketEventClosed:
		p.terminate(ev.Err)
	}
}

// Request sends a named request and blocks for the reply or ctx's
// deadline / cfg.AckTimeout, whichever is sooner. Concurrent calls are
// independently correlated by the underlying Socket; this method is safe
// to call concurrently.
func (p *PeerConnection) Request(ctx context.Context, packet Packet) (Packet, error) {
	if p.State() != StateConnected {
		return Packet{}, wrapf(ErrRequestFail, "peer %s not connected", p.id)
	}

	correlationID := uuid.NewString()
	ctx, cancel := context.WithTimeout(ctx, p.cfg.AckTimeout)
	defer cancel()

	start := time.Now()
	data, err := p.socketRef().Request(ctx, packet.Name, packet.Data)
	latency := time.Since(start)

	if err != nil {
		if ctx.Err() != nil {
			p.logger.Warn("request timed out", "peer", p.id, "correlation_id", correlationID, "procedure", packet.Name)
			return Packet{}, wrapf(ErrRequestTimeout, "peer %s procedure %s", p.id, packet.Name)
		}
		return Packet{}, wrapf(ErrRequestFail, "peer %s procedure %s: %v", p.id, packet.Name, err)
	}

	p.logger.Debug("request completed", "peer", p.id, "correlation_id", correlationID, "procedure", packet.Name, "latency_ms", latency.Milliseconds())
	return Packet{Name: packet.Name, Data: data}, nil
}

// Send is fire-and-forget; it fails if the connection is not connected.
func (p *PeerConnection) Send(packet Packet) error {
	if p.State() != StateConnected {
		return wrapf(ErrSendFail, "peer %s not connected", p.id)
	}
	if err := p.socketRef().Send(packet.Name, packet.Data); err != nil {
		return wrapf(ErrSendFail, "peer %s procedure %s: %v", p.id, packet.Name, err)
	}
	return nil
}

// FetchStatus is a convenience request returning the remote's advertised
// NodeInfo-equivalent.
func (p *PeerConnection) FetchStatus(ctx context.Context) (DiscoveredPeerInfo, error) {
	resp, err := p.Request(ctx, Packet{Name: "getStatus"})
	if err != nil {
		return DiscoveredPeerInfo{}, wrapf(ErrFetchInfoFail, "peer %s: %v", p.id, err)
	}
	var info DiscoveredPeerInfo
	if err := unmarshalPacket(resp, &info); err != nil {
		return DiscoveredPeerInfo{}, wrapf(ErrFetchInfoFail, "peer %s: decode status: %v", p.id, err)
	}
	return info, nil
}

// ApplyNodeInfo pushes the local node's state to the remote.
func (p *PeerConnection) ApplyNodeInfo(info NodeInfo) error {
	data, err := marshalPacket(info)
	if err != nil {
		return wrapf(ErrPushFail, "peer %s: encode node info: %v", p.id, err)
	}
	if err := p.Send(Packet{Name: "nodeInfo", Data: data}); err != nil {
		return wrapf(ErrPushFail, "peer %s: %v", p.id, err)
	}
	return nil
}

// ApplyPenalty accumulates weight; once the running total reaches
// cfg.BanThreshold the connection transitions to banned and emits
// banPeer.
func (p *PeerConnection) ApplyPenalty(weight int) {
	p.mu.Lock()
	if p.state == StateClosed || p.state == StateBanned {
		p.mu.Unlock()
		return
	}
	p.penalty += weight
	banned := p.penalty >= p.cfg.BanThreshold
	if banned {
		p.state = StateBanned
	}
	p.mu.Unlock()

	if banned {
		p.emit(EventBanPeer, nil)
	}
}

// Disconnect idempotently tears down the connection.
func (p *PeerConnection) Disconnect() {
	p.terminate(nil)
}

func (p *PeerConnection) terminate(err error) {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.state = StateClosing
		socket := p.socket
		p.mu.Unlock()

		if socket != nil {
			_ = socket.Close()
		}
		close(p.done)

		p.mu.Lock()
		p.state = StateClosed
		p.mu.Unlock()

		kind := EventCloseOutbound
		if p.kind == KindInbound {
			kind = EventCloseInbound
		}
		p.emit(kind, func(e *Event) { e.Err = err })
	})
}

func (p *PeerConnection) emit(kind EventKind, extra func(*Event)) {
	ev := Event{Kind: kind, PeerID: p.id}
	if extra != nil {
		extra(&ev)
	}
	p.sink.handlePeerEvent(ev)
}
