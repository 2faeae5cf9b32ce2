// Package wsconn implements p2p.Socket over a websocket connection,
// multiplexing named requests, fire-and-forget messages, and replies onto
// a single duplex stream.
package wsconn

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/google/uuid"

	"github.com/kplusq/lisk-sdk/p2p"
)

const (
	writeTimeout = 10 * time.Second
	readLimit    = 4 << 20 // 4 MiB
)

type envelopeKind string

const (
	envelopeRequest  envelopeKind = "request"
	envelopeResponse envelopeKind = "response"
	envelopeMessage  envelopeKind = "message"
)

type envelope struct {
	Kind  envelopeKind    `json:"kind"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Socket wraps a *websocket.Conn, implementing p2p.Socket.
type Socket struct {
	conn *websocket.Conn

	mu      sync.Mutex
	pending map[string]chan envelope
	closed  bool

	incoming chan p2p.SocketEvent

	readWG sync.WaitGroup
}

// Dial opens an outbound websocket connection to url and wraps it as a
// p2p.Socket. It implements p2p.Dialer when adapted by DialerFunc.
func Dial(ctx context.Context, url string) (*Socket, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("wsconn: dial %s: %w", url, err)
	}
	return newSocket(conn), nil
}

// Accept upgrades an inbound HTTP request to a websocket and wraps it as
// a p2p.Socket.
func Accept(w http.ResponseWriter, r *http.Request) (*Socket, error) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return nil, fmt.Errorf("wsconn: accept: %w", err)
	}
	return newSocket(conn), nil
}

func newSocket(conn *websocket.Conn) *Socket {
	conn.SetReadLimit(readLimit)
	s := &Socket{
		conn:     conn,
		pending:  make(map[string]chan envelope),
		incoming: make(chan p2p.SocketEvent, 32),
	}
	s.readWG.Add(1)
	go s.readLoop()
	return s
}

// Incoming exposes the socket's inbound event stream.
func (s *Socket) Incoming() <-chan p2p.SocketEvent {
	return s.incoming
}

// Request sends a named request envelope and blocks for its matching
// response, or ctx's deadline.
func (s *Socket) Request(ctx context.Context, name string, data []byte) ([]byte, error) {
	id := uuid.NewString()
	reply := make(chan envelope, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("wsconn: socket closed")
	}
	s.pending[id] = reply
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	if err := s.writeEnvelope(ctx, envelope{Kind: envelopeRequest, ID: id, Name: name, Data: data}); err != nil {
		return nil, err
	}

	select {
	case env := <-reply:
		if env.Error != "" {
			return nil, fmt.Errorf("wsconn: remote error: %s", env.Error)
		}
		return env.Data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send writes a fire-and-forget named message.
func (s *Socket) Send(name string, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return s.writeEnvelope(ctx, envelope{Kind: envelopeMessage, Name: name, Data: data})
}

// Reply answers an inbound request identified by requestID.
func (s *Socket) Reply(requestID string, data []byte, replyErr error) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	env := envelope{Kind: envelopeResponse, ID: requestID, Data: data}
	if replyErr != nil {
		env.Error = replyErr.Error()
	}
	return s.writeEnvelope(ctx, env)
}

// Close shuts down the underlying connection and waits for the read loop
// to drain.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.conn.Close(websocket.StatusNormalClosure, "closing")
	s.readWG.Wait()
	return err
}

func (s *Socket) writeEnvelope(ctx context.Context, env envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("wsconn: encode envelope: %w", err)
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := s.conn.Write(writeCtx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("wsconn: write: %w", err)
	}
	return nil
}

func (s *Socket) readLoop() {
	defer s.readWG.Done()
	defer close(s.incoming)

	for {
		_, raw, err := s.conn.Read(context.Background())
		if err != nil {
			s.emitClosed(err)
			return
		}

		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}

		switch env.Kind {
		case envelopeRequest:
			s.incoming <- p2p.SocketEvent{Kind: p2p.SocketEventRequest, Name: env.Name, Data: env.Data, RequestID: env.ID}
		case envelopeMessage:
			s.incoming <- p2p.SocketEvent{Kind: p2p.SocketEventMessage, Name: env.Name, Data: env.Data}
		case envelopeResponse:
			s.mu.Lock()
			reply, ok := s.pending[env.ID]
			s.mu.Unlock()
			if ok {
				reply <- env
			}
		}
	}
}

func (s *Socket) emitClosed(err error) {
	s.mu.Lock()
	alreadyClosed := s.closed
	s.closed = true
	s.mu.Unlock()

	var reportErr error
	if !alreadyClosed && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		reportErr = err
	}
	s.incoming <- p2p.SocketEvent{Kind: p2p.SocketEventClosed, Err: reportErr}
}

// DialerFunc adapts Dial to p2p.Dialer using a function that derives a
// connection URL from a p2p.PeerInfo.
type DialerFunc func(info p2p.PeerInfo) string

// Dial implements p2p.Dialer.
func (f DialerFunc) Dial(ctx context.Context, info p2p.PeerInfo) (p2p.Socket, error) {
	return Dial(ctx, f(info))
}
