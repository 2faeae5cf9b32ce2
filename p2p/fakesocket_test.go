package p2p

import (
	"context"
	"fmt"
	"sync"
)

// fakeSocket is an in-memory Socket used by tests in place of a real
// wire transport. Two fakeSockets are linked by pipeSockets so that a
// Request/Send on one side surfaces as an incoming event on the other.
type fakeSocket struct {
	mu       sync.Mutex
	peer     *fakeSocket
	incoming chan SocketEvent
	closed   bool

	handlers map[string]func(data []byte) ([]byte, error)

	pending map[string]chan SocketEvent
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		incoming: make(chan SocketEvent, 32),
		handlers: make(map[string]func(data []byte) ([]byte, error)),
		pending:  make(map[string]chan SocketEvent),
	}
}

// pipeSockets links a and b so traffic sent on one arrives as incoming
// events on the other.
func pipeSockets(a, b *fakeSocket) {
	a.peer = b
	b.peer = a
}

// onRequest registers a handler invoked synchronously when the peer side
// issues a request with the given name; it is used to fake the other
// end's getPeers/getStatus responders in tests that don't stand up a
// second PeerConnection.
func (s *fakeSocket) onRequest(name string, handler func(data []byte) ([]byte, error)) {
	s.mu.Lock()
	s.handlers[name] = handler
	s.mu.Unlock()
}

func (s *fakeSocket) Request(ctx context.Context, name string, data []byte) ([]byte, error) {
	s.mu.Lock()
	peer := s.peer
	closed := s.closed
	s.mu.Unlock()
	if closed || peer == nil {
		return nil, fmt.Errorf("fakeSocket: not connected")
	}

	peer.mu.Lock()
	handler, ok := peer.handlers[name]
	peer.mu.Unlock()
	if ok {
		return handler(data)
	}

	requestID := fmt.Sprintf("req-%p-%s", s, name)
	reply := make(chan SocketEvent, 1)
	s.mu.Lock()
	s.pending[requestID] = reply
	s.mu.Unlock()

	peer.incoming <- SocketEvent{Kind: SocketEventRequest, Name: name, Data: data, RequestID: requestID}

	select {
	case ev := <-reply:
		if ev.Err != nil {
			return nil, ev.Err
		}
		return ev.Data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeSocket) Send(name string, data []byte) error {
	s.mu.Lock()
	peer := s.peer
	closed := s.closed
	s.mu.Unlock()
	if closed || peer == nil {
		return fmt.Errorf("fakeSocket: not connected")
	}
	peer.incoming <- SocketEvent{Kind: SocketEventMessage, Name: name, Data: data}
	return nil
}

func (s *fakeSocket) Reply(requestID string, data []byte, replyErr error) error {
	s.mu.Lock()
	peer := s.peer
	s.mu.Unlock()
	if peer == nil {
		return fmt.Errorf("fakeSocket: not connected")
	}
	peer.mu.Lock()
	reply, ok := peer.pending[requestID]
	delete(peer.pending, requestID)
	peer.mu.Unlock()
	if !ok {
		return fmt.Errorf("fakeSocket: no pending request %s", requestID)
	}
	reply <- SocketEvent{Data: data, Err: replyErr}
	return nil
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.incoming <- SocketEvent{Kind: SocketEventClosed}
	close(s.incoming)
	return nil
}

func (s *fakeSocket) Incoming() <-chan SocketEvent {
	return s.incoming
}

// fakeSink records every event handed to it by a PeerConnection.
type fakeSink struct {
	mu     sync.Mutex
	events []Event
	ch     chan Event
	allow  bool
}

func newFakeSink() *fakeSink {
	return &fakeSink{ch: make(chan Event, 64), allow: true}
}

// setAllowInbound controls the sink's pool-wide rate gate, letting tests
// simulate the pool-wide limiter rejecting an inbound dispatch.
func (s *fakeSink) setAllowInbound(v bool) {
	s.mu.Lock()
	s.allow = v
	s.mu.Unlock()
}

func (s *fakeSink) handlePeerEvent(ev Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	s.ch <- ev
}

func (s *fakeSink) allowInbound() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allow
}

func (s *fakeSink) all() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// fakeDialer always returns a pre-built socket for a given peer id, or an
// error if none is registered.
type fakeDialer struct {
	mu      sync.Mutex
	sockets map[string]Socket
	errs    map[string]error
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{sockets: make(map[string]Socket), errs: make(map[string]error)}
}

func (d *fakeDialer) set(peerID string, socket Socket) {
	d.mu.Lock()
	d.sockets[peerID] = socket
	d.mu.Unlock()
}

func (d *fakeDialer) setErr(peerID string, err error) {
	d.mu.Lock()
	d.errs[peerID] = err
	d.mu.Unlock()
}

func (d *fakeDialer) Dial(ctx context.Context, info PeerInfo) (Socket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err, ok := d.errs[info.PeerID()]; ok {
		return nil, err
	}
	socket, ok := d.sockets[info.PeerID()]
	if !ok {
		return nil, fmt.Errorf("fakeDialer: no socket registered for %s", info.PeerID())
	}
	return socket, nil
}
