package p2p

import (
	"context"
	"encoding/json"
	"log/slog"
)

// getPeersRequestPayload and getPeersResponsePayload are the wire shapes
// exchanged during discovery, named after the procedure they ride on.
type getPeersRequestPayload struct {
	Limit int `json:"limit"`
}

type getPeersResponsePayload struct {
	Peers []PeerInfo `json:"peers"`
}

// discoveryRequester is the slice of PeerConnection that Discovery needs:
// a single correlated request. Keeping the dependency this narrow lets
// discovery be tested against a fake without building a whole peer.
type discoveryRequester interface {
	ID() string
	Request(ctx context.Context, packet Packet) (Packet, error)
}

// Discovery probes a sample of connected peers for their known peer
// lists and returns a deduplicated, blacklist-filtered union. A per-peer
// probe failure is swallowed and reported via onFailure; discovery itself
// never fails.
type Discovery struct {
	logger *slog.Logger
}

// NewDiscovery constructs a Discovery. A nil logger falls back to
// slog.Default().
func NewDiscovery(logger *slog.Logger) *Discovery {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discovery{logger: logger}
}

// Run probes every peer in sample for its peer list, unions the results,
// drops entries whose IP is in blacklist, and returns the deduplicated
// set. onFailure is invoked (never with a nil error) for each peer whose
// probe failed; it must not block.
func (d *Discovery) Run(ctx context.Context, sample []discoveryRequester, blacklist map[string]struct{}, onFailure func(peerID string, err error)) []PeerInfo {
	seen := make(map[string]PeerInfo)

	for _, peer := range sample {
		req := getPeersRequestPayload{Limit: MaxPeerListBatchSize}
		data, err := json.Marshal(req)
		if err != nil {
			continue
		}
		resp, err := peer.Request(ctx, Packet{Name: "getPeers", Data: data})
		if err != nil {
			d.logger.Warn("discovery probe failed", "peer", peer.ID(), "error", err)
			if onFailure != nil {
				onFailure(peer.ID(), err)
			}
			continue
		}

		var payload getPeersResponsePayload
		if err := json.Unmarshal(resp.Data, &payload); err != nil {
			d.logger.Warn("discovery probe returned malformed payload", "peer", peer.ID(), "error", err)
			if onFailure != nil {
				onFailure(peer.ID(), err)
			}
			continue
		}

		for _, info := range payload.Peers {
			if blacklist != nil {
				if _, blocked := blacklist[info.IPAddress]; blocked {
					continue
				}
			}
			seen[info.PeerID()] = info
		}
	}

	out := make([]PeerInfo, 0, len(seen))
	for _, info := range seen {
		out = append(out, info)
	}
	return out
}
