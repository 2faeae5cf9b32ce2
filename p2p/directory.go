package p2p

import (
	"math/rand"
	"sync"
)

// directoryTier names the two buckets a PeerDirectory tracks.
type directoryTier int

const (
	tierNew directoryTier = iota
	tierTried
)

const defaultBucketCount = 64

// PeerDirectory is a two-tier, bucketed catalog of known peer addresses:
// "new" addresses heard about but never successfully connected to, and
// "tried" addresses that have been. It is independent of the live
// PeerPool map — it is consulted by discovery, not the connection table.
type PeerDirectory struct {
	mu          sync.Mutex
	secret      directorySecret
	bucketSize  int
	newBuckets  []map[string]PeerInfo
	triedBuckets []map[string]PeerInfo
}

// NewPeerDirectory constructs an empty directory with bucketSize buckets
// per tier. A bucketSize of 0 selects the default.
func NewPeerDirectory(bucketSize int) (*PeerDirectory, error) {
	if bucketSize <= 0 {
		bucketSize = defaultBucketCount
	}
	secret, err := newDirectorySecret()
	if err != nil {
		return nil, err
	}
	d := &PeerDirectory{
		secret:       secret,
		bucketSize:   bucketSize,
		newBuckets:   make([]map[string]PeerInfo, bucketSize),
		triedBuckets: make([]map[string]PeerInfo, bucketSize),
	}
	for i := range d.newBuckets {
		d.newBuckets[i] = make(map[string]PeerInfo)
		d.triedBuckets[i] = make(map[string]PeerInfo)
	}
	return d, nil
}

func (d *PeerDirectory) bucketFor(ip string) int {
	return bucket(ip, d.secret, d.bucketSize)
}

func (d *PeerDirectory) bucketsFor(tier directoryTier) []map[string]PeerInfo {
	if tier == tierNew {
		return d.newBuckets
	}
	return d.triedBuckets
}

// Add inserts info into the given tier's bucket, evicting a random
// existing entry in that bucket if it is already full. capacityPerBucket
// of 0 means unbounded.
func (d *PeerDirectory) Add(tier directoryTier, info PeerInfo, capacityPerBucket int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	idx := d.bucketFor(info.IPAddress)
	b := d.bucketsFor(tier)[idx]

	if capacityPerBucket > 0 && len(b) >= capacityPerBucket {
		if _, exists := b[info.PeerID()]; !exists {
			evictRandomKey(b)
		}
	}
	b[info.PeerID()] = info
}

// Remove deletes peerID from the given tier, if present.
func (d *PeerDirectory) Remove(tier directoryTier, peerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ip, _ := splitPeerID(peerID)
	idx := d.bucketFor(ip)
	delete(d.bucketsFor(tier)[idx], peerID)
}

// Find returns the entry for peerID in the given tier, if present.
func (d *PeerDirectory) Find(tier directoryTier, peerID string) (PeerInfo, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ip, _ := splitPeerID(peerID)
	idx := d.bucketFor(ip)
	info, ok := d.bucketsFor(tier)[idx][peerID]
	return info, ok
}

// Get returns a snapshot of every entry currently in the given tier.
func (d *PeerDirectory) Get(tier directoryTier) []PeerInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []PeerInfo
	for _, b := range d.bucketsFor(tier) {
		for _, info := range b {
			out = append(out, info)
		}
	}
	return out
}

// Update moves peerID from "new" to "tried" (or refreshes its tried entry)
// after a successful fetchStatus, recording the latest PeerInfo.
func (d *PeerDirectory) Update(info PeerInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	idx := d.bucketFor(info.IPAddress)
	delete(d.newBuckets[idx], info.PeerID())
	d.triedBuckets[idx][info.PeerID()] = info
}

func evictRandomKey(b map[string]PeerInfo) {
	n := rand.Intn(len(b))
	i := 0
	for k := range b {
		if i == n {
			delete(b, k)
			return
		}
		i++
	}
}

func splitPeerID(peerID string) (ip string, port string) {
	for i := len(peerID) - 1; i >= 0; i-- {
		if peerID[i] == ':' {
			return peerID[:i], peerID[i+1:]
		}
	}
	return peerID, ""
}
