package p2p

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"lukechampine.com/blake3"
)

// directorySecret is 32 bytes of randomness generated once per
// PeerDirectory and mixed into every bucket hash, so an adversary outside
// the process cannot predict which bucket a given address will land in.
type directorySecret [32]byte

func newDirectorySecret() (directorySecret, error) {
	var s directorySecret
	if _, err := rand.Read(s[:]); err != nil {
		return s, fmt.Errorf("generate directory secret: %w", err)
	}
	return s, nil
}

// bucket resolves the deterministic bucket index for ipAddress, keyed by
// secret, within [0, bucketSize). This fulfils the bucketing contract the
// hinted source left stubbed: same (ipAddress, secret) always maps to the
// same bucket, and distinct addresses spread roughly evenly across
// buckets.
func bucket(ipAddress string, secret directorySecret, bucketSize int) int {
	if bucketSize <= 0 {
		return 0
	}
	h := blake3.New(32, secret[:])
	h.Write([]byte(ipAddress))
	sum := h.Sum(nil)
	var acc uint64
	for _, b := range sum[:8] {
		acc = acc<<8 | uint64(b)
	}
	return int(acc % uint64(bucketSize))
}

// NodeIdentity is an optional cryptographic identity a host may derive for
// itself; the pool does not require one (peer identity is "ip:port"), but
// a host wiring the reference transport can attach its NodeID to
// handshake material the way the teacher repo derives its own NodeID. It
// carries only the derived NodeID, not the private key.
type NodeIdentity struct {
	NodeID string
}

// DeriveNodeIdentity hashes an uncompressed secp256k1 public key with
// Keccak256 to produce a stable, human-legible node identifier.
func DeriveNodeIdentity(pubKeyUncompressed []byte) NodeIdentity {
	if len(pubKeyUncompressed) == 0 {
		return NodeIdentity{}
	}
	hash := ethcrypto.Keccak256(pubKeyUncompressed[1:])
	return NodeIdentity{NodeID: "0x" + hex.EncodeToString(hash)}
}

// LoadOrCreateNodeIdentity reads a hex-encoded secp256k1 private key from
// path, generating and persisting one if absent, and derives the node's
// identity from it. A host calls this once at startup so its NodeID is
// stable across restarts, the same lifecycle the teacher's own identity
// key follows.
func LoadOrCreateNodeIdentity(path string) (NodeIdentity, error) {
	if strings.TrimSpace(path) == "" {
		return NodeIdentity{}, fmt.Errorf("p2p: identity key path must be provided")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return NodeIdentity{}, fmt.Errorf("p2p: create identity directory: %w", err)
		}
	}

	if raw, err := os.ReadFile(path); err == nil {
		keyBytes, decodeErr := hex.DecodeString(strings.TrimSpace(string(raw)))
		if decodeErr != nil {
			return NodeIdentity{}, fmt.Errorf("p2p: decode identity key: %w", decodeErr)
		}
		priv, parseErr := ethcrypto.ToECDSA(keyBytes)
		if parseErr != nil {
			return NodeIdentity{}, fmt.Errorf("p2p: parse identity key: %w", parseErr)
		}
		return DeriveNodeIdentity(ethcrypto.FromECDSAPub(&priv.PublicKey)), nil
	} else if !os.IsNotExist(err) {
		return NodeIdentity{}, fmt.Errorf("p2p: read identity key: %w", err)
	}

	priv, err := ethcrypto.GenerateKey()
	if err != nil {
		return NodeIdentity{}, fmt.Errorf("p2p: generate identity key: %w", err)
	}
	encoded := hex.EncodeToString(ethcrypto.FromECDSA(priv))
	if err := os.WriteFile(path, []byte(encoded), 0o600); err != nil {
		return NodeIdentity{}, fmt.Errorf("p2p: persist identity key: %w", err)
	}
	return DeriveNodeIdentity(ethcrypto.FromECDSAPub(&priv.PublicKey)), nil
}
