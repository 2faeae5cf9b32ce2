// Package p2p implements the peer pool: bounded inbound/outbound peer
// management, request/response and fire-and-forget messaging, periodic
// discovery, and reputation-based bans over an abstract duplex transport.
package p2p

import "fmt"

// PeerKind distinguishes who dialed whom. It replaces class-identity
// polymorphism with an explicit tagged field.
type PeerKind int

const (
	KindInbound PeerKind = iota
	KindOutbound
)

func (k PeerKind) String() string {
	if k == KindInbound {
		return "inbound"
	}
	return "outbound"
}

// PeerState is the PeerConnection lifecycle state.
type PeerState int

const (
	StateConnecting PeerState = iota
	StateConnected
	StateClosing
	StateClosed
	StateBanned
)

func (s PeerState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateBanned:
		return "banned"
	default:
		return "unknown"
	}
}

// PeerInfo is the identity and advertised attributes of a remote node.
type PeerInfo struct {
	IPAddress            string                `json:"ipAddress"`
	WSPort               int                   `json:"wsPort"`
	DiscoveredAttributes *DiscoveredPeerInfo   `json:"discoveredAttributes,omitempty"`
}

// PeerID returns the canonical "ip:port" key for this peer.
func (p PeerInfo) PeerID() string {
	return PeerID(p.IPAddress, p.WSPort)
}

// PeerID builds the canonical peer key from its two constituent parts.
func PeerID(ip string, wsPort int) string {
	return fmt.Sprintf("%s:%d", ip, wsPort)
}

// NodeInfo is the local node's advertised state, propagated to every peer
// whenever it changes.
type NodeInfo struct {
	Version         string `json:"version"`
	Height          uint64 `json:"height"`
	Broadhash       string `json:"broadhash"`
	Nonce           string `json:"nonce"`
	OS              string `json:"os"`
	WSPort          int    `json:"wsPort"`
	HTTPPort        int    `json:"httpPort"`
	ProtocolVersion string `json:"protocolVersion"`
}

// DiscoveredPeerInfo is a remote's advertised NodeInfo-equivalent, learned
// via fetchStatus or discovery. It shares shape with NodeInfo deliberately:
// a peer's advertised state looks the same whether we asked it directly or
// heard about it secondhand from discovery.
type DiscoveredPeerInfo struct {
	IPAddress       string `json:"ipAddress"`
	WSPort          int    `json:"wsPort"`
	Version         string `json:"version"`
	Height          uint64 `json:"height"`
	Broadhash       string `json:"broadhash"`
	Nonce           string `json:"nonce"`
	OS              string `json:"os"`
	HTTPPort        int    `json:"httpPort"`
	ProtocolVersion string `json:"protocolVersion"`
}

// PeerID returns the canonical "ip:port" key for the peer this info
// describes.
func (d DiscoveredPeerInfo) PeerID() string {
	return PeerID(d.IPAddress, d.WSPort)
}

// Packet is a named request or fire-and-forget message exchanged with a
// peer. Name identifies the procedure on the other end ("getPeers",
// "getStatus", ...); Data is the JSON-encoded payload.
type Packet struct {
	Name string          `json:"name"`
	Data []byte          `json:"data,omitempty"`
}
