package p2p

import "math/rand"

// SelectForSendParams bundles the arguments passed to a for-send selector.
type SelectForSendParams struct {
	Peers     []*PeerConnection
	NodeInfo  *NodeInfo
	PeerLimit int
	Message   Packet
}

// SelectForRequestParams bundles the arguments passed to a for-request
// selector.
type SelectForRequestParams struct {
	Peers     []*PeerConnection
	NodeInfo  *NodeInfo
	PeerLimit int
	Request   Packet
}

// SelectForConnectionParams bundles the arguments passed to a
// for-connection selector. Unlike the other two selectors, this one
// chooses among dial *candidates* (PeerInfo) rather than live
// connections, since no PeerConnection exists before a candidate is
// dialed.
type SelectForConnectionParams struct {
	Peers     []PeerInfo
	PeerLimit int
}

// SelectForSendFunc, SelectForRequestFunc, and SelectForConnectionFunc are
// the three pluggable, pure selector shapes. A selector must only ever
// return a subset of its input peers; it may assume nothing about order.
type (
	SelectForSendFunc       func(SelectForSendParams) []*PeerConnection
	SelectForRequestFunc    func(SelectForRequestParams) []*PeerConnection
	SelectForConnectionFunc func(SelectForConnectionParams) []PeerInfo
)

// DefaultSelectForSend returns a random subset of size min(PeerLimit,
// len(Peers)).
func DefaultSelectForSend(p SelectForSendParams) []*PeerConnection {
	return randomSubset(p.Peers, p.PeerLimit)
}

// DefaultSelectForRequest returns a random subset of size min(PeerLimit,
// len(Peers)). Returning an empty slice is a legal outcome the caller must
// handle as "no peer available".
func DefaultSelectForRequest(p SelectForRequestParams) []*PeerConnection {
	return randomSubset(p.Peers, p.PeerLimit)
}

// DefaultSelectForConnection returns a random subset of size
// min(PeerLimit, len(Peers)).
func DefaultSelectForConnection(p SelectForConnectionParams) []PeerInfo {
	return randomInfoSubset(p.Peers, p.PeerLimit)
}

func randomSubset(peers []*PeerConnection, limit int) []*PeerConnection {
	if limit <= 0 || len(peers) == 0 {
		return nil
	}
	if limit >= len(peers) {
		limit = len(peers)
	}
	shuffled := make([]*PeerConnection, len(peers))
	copy(shuffled, peers)
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	return shuffled[:limit]
}

func randomInfoSubset(infos []PeerInfo, limit int) []PeerInfo {
	if limit <= 0 || len(infos) == 0 {
		return nil
	}
	if limit >= len(infos) {
		limit = len(infos)
	}
	shuffled := make([]PeerInfo, len(infos))
	copy(shuffled, infos)
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	return shuffled[:limit]
}
