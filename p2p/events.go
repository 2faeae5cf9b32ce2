package p2p

import "sync"

// EventKind enumerates every event the pool can emit. This replaces a
// string-named event hub with a closed, statically-typed set per the
// retained architecture decision: the pool exposes a finite set of event
// kinds rather than letting subscribers register on arbitrary names.
type EventKind int

const (
	EventRequestReceived EventKind = iota
	EventMessageReceived
	EventConnectOutbound
	EventConnectAbortOutbound
	EventCloseOutbound
	EventCloseInbound
	EventOutboundSocketError
	EventInboundSocketError
	EventUpdatedPeerInfo
	EventFailedPeerInfoUpdate
	EventBanPeer
	EventUnbanPeer
	EventDiscoveredPeer
	EventFailedToFetchPeerInfo
	EventFailedToPushNodeInfo
)

func (k EventKind) String() string {
	switch k {
	case EventRequestReceived:
		return "requestReceived"
	case EventMessageReceived:
		return "messageReceived"
	case EventConnectOutbound:
		return "connectOutbound"
	case EventConnectAbortOutbound:
		return "connectAbortOutbound"
	case EventCloseOutbound:
		return "closeOutbound"
	case EventCloseInbound:
		return "closeInbound"
	case EventOutboundSocketError:
		return "outboundSocketError"
	case EventInboundSocketError:
		return "inboundSocketError"
	case EventUpdatedPeerInfo:
		return "updatedPeerInfo"
	case EventFailedPeerInfoUpdate:
		return "failedPeerInfoUpdate"
	case EventBanPeer:
		return "banPeer"
	case EventUnbanPeer:
		return "unbanPeer"
	case EventDiscoveredPeer:
		return "discoveredPeer"
	case EventFailedToFetchPeerInfo:
		return "failedToFetchPeerInfo"
	case EventFailedToPushNodeInfo:
		return "failedToPushNodeInfo"
	default:
		return "unknown"
	}
}

// Event is the single payload shape carried on the pool's event stream.
// Fields not relevant to Kind are left zero.
type Event struct {
	Kind   EventKind
	PeerID string
	Info   DiscoveredPeerInfo
	Err    error

	// Request is populated only for EventRequestReceived; Reply must be
	// called exactly once by the subscriber that handles the request.
	Request *InboundRequest

	// Message is populated only for EventMessageReceived.
	Message *InboundMessage
}

// InboundRequest is a request received from a peer, awaiting a reply.
type InboundRequest struct {
	Name  string
	Data  []byte
	Reply func(data []byte, err error)
}

// InboundMessage is a fire-and-forget message received from a peer.
type InboundMessage struct {
	Name string
	Data []byte
}

// EventBus fans a single internal event source out to any number of
// subscribers. Subscription and unsubscription are explicit, so a
// removed peer cannot leak a subscription: the bus only ever forwards
// events the pool itself hands it, never lets peers subscribe directly.
type EventBus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[int]chan Event)}
}

// Subscribe registers a new subscriber with the given channel buffer size
// and returns the receive channel plus an unsubscribe function. Calling
// the unsubscribe function is idempotent and closes the channel.
func (b *EventBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsubscribe
}

// Emit delivers ev to every current subscriber. A subscriber whose buffer
// is full is skipped for this event rather than blocking the emitter;
// the event is still observed by every other subscriber and the drop is
// the caller's responsibility to log.
func (b *EventBus) Emit(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close unsubscribes every current subscriber.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
