// Package seeds resolves the pool's bootstrap peer list from a signed
// DNS-based seed registry plus static seed entries bundled in the
// registry itself.
package seeds

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
)

const (
	recordPrefix             = "peerseed:v1:"
	defaultLookupPrefix      = "_peerseed."
	defaultRefreshInterval   = 15 * time.Minute
	supportedRegistryVersion = 1
)

var errEmptyRegistry = errors.New("seeds: registry payload must not be empty")

// Registry models the operator-supplied seed configuration: a set of DNS
// authorities permitted to publish signed seed records, plus optional
// static seeds. Resolve always includes the active static seeds alongside
// whatever the authorities return, whether or not any authority answers.
type Registry struct {
	Version        int            `json:"version"`
	RefreshSeconds int            `json:"refreshSeconds,omitempty"`
	Authorities    []Authority    `json:"authorities"`
	StaticSeeds    []StaticRecord `json:"static"`
}

// Authority describes one DNS zone authorized to sign seed records.
type Authority struct {
	Domain    string `json:"domain"`
	Algorithm string `json:"algorithm"`
	PublicKey string `json:"publicKey"`
	Lookup    string `json:"lookup,omitempty"`
	NotBefore int64  `json:"notBefore,omitempty"`
	NotAfter  int64  `json:"notAfter,omitempty"`
}

// StaticRecord is a seed bundled directly in the registry, bypassing DNS.
type StaticRecord struct {
	PeerID    string `json:"peerId"`
	Address   string `json:"address"`
	Source    string `json:"source,omitempty"`
	NotBefore int64  `json:"notBefore,omitempty"`
	NotAfter  int64  `json:"notAfter,omitempty"`
}

// ResolvedSeed is a validated seed produced by a DNS authority or the
// static section.
type ResolvedSeed struct {
	PeerID    string
	IPAddress string
	WSPort    int
	Source    string
	NotBefore int64
	NotAfter  int64
}

// Active reports whether the seed is currently within its validity window.
func (s ResolvedSeed) Active(now time.Time) bool {
	if s.NotBefore > 0 && now.Unix() < s.NotBefore {
		return false
	}
	if s.NotAfter > 0 && now.Unix() > s.NotAfter {
		return false
	}
	return true
}

// Resolver abstracts DNS TXT lookups so tests can supply fixtures instead
// of hitting the network.
type Resolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// Parse builds a Registry from its JSON configuration payload.
func Parse(raw []byte) (*Registry, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return nil, errEmptyRegistry
	}
	var reg Registry
	if err := json.Unmarshal([]byte(trimmed), &reg); err != nil {
		return nil, fmt.Errorf("seeds: invalid JSON payload: %w", err)
	}
	if reg.Version == 0 {
		reg.Version = supportedRegistryVersion
	}
	if reg.Version != supportedRegistryVersion {
		return nil, fmt.Errorf("seeds: unsupported version %d", reg.Version)
	}
	if err := reg.validate(); err != nil {
		return nil, err
	}
	return &reg, nil
}

// RefreshInterval returns the configured DNS re-poll cadence.
func (r *Registry) RefreshInterval() time.Duration {
	if r == nil || r.RefreshSeconds <= 0 {
		return defaultRefreshInterval
	}
	return time.Duration(r.RefreshSeconds) * time.Second
}

// Static resolves only the currently active static fallback entries.
func (r *Registry) Static(now time.Time) []ResolvedSeed {
	if r == nil {
		return nil
	}
	results := make([]ResolvedSeed, 0, len(r.StaticSeeds))
	for _, entry := range r.StaticSeeds {
		seed, err := entry.toSeed()
		if err != nil || !seed.Active(now) {
			continue
		}
		results = append(results, seed)
	}
	return dedupeSeeds(results)
}

// Resolve queries every configured DNS authority and merges the validated
// signed seeds with the static fallback entries.
func (r *Registry) Resolve(ctx context.Context, now time.Time, resolver Resolver) ([]ResolvedSeed, error) {
	if r == nil {
		return nil, nil
	}
	results := r.Static(now)
	if len(r.Authorities) == 0 {
		return results, nil
	}
	if resolver == nil {
		resolver = NewDNSResolver("")
	}
	var errs []error
	for _, auth := range r.Authorities {
		if !auth.active(now) {
			continue
		}
		seeds, err := auth.resolve(ctx, now, resolver)
		if len(seeds) > 0 {
			results = append(results, seeds...)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	results = dedupeSeeds(results)
	if len(errs) > 0 {
		return results, errors.Join(errs...)
	}
	return results, nil
}

func (r *Registry) validate() error {
	for i := range r.Authorities {
		if err := r.Authorities[i].validate(); err != nil {
			return fmt.Errorf("seeds: authority #%d: %w", i+1, err)
		}
	}
	for i := range r.StaticSeeds {
		if err := r.StaticSeeds[i].validate(); err != nil {
			return fmt.Errorf("seeds: static seed #%d: %w", i+1, err)
		}
	}
	return nil
}

func (a Authority) validate() error {
	if strings.TrimSpace(a.Domain) == "" {
		return errors.New("domain must not be empty")
	}
	algo := a.Algorithm
	if algo == "" {
		algo = "ed25519"
	}
	if strings.ToLower(strings.TrimSpace(algo)) != "ed25519" {
		return fmt.Errorf("unsupported algorithm %q", a.Algorithm)
	}
	if _, err := a.decodePublicKey(); err != nil {
		return err
	}
	if a.NotAfter > 0 && a.NotBefore > 0 && a.NotAfter < a.NotBefore {
		return errors.New("notAfter must be >= notBefore")
	}
	return nil
}

func (a Authority) active(now time.Time) bool {
	if a.NotBefore > 0 && now.Unix() < a.NotBefore {
		return false
	}
	if a.NotAfter > 0 && now.Unix() > a.NotAfter {
		return false
	}
	return true
}

func (a Authority) resolve(ctx context.Context, now time.Time, resolver Resolver) ([]ResolvedSeed, error) {
	name := strings.TrimSpace(a.Lookup)
	if name == "" {
		name = defaultLookupPrefix + strings.TrimSpace(a.Domain)
	}
	txtRecords, err := resolver.LookupTXT(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("dns %s lookup failed: %w", name, err)
	}
	pubKey, err := a.decodePublicKey()
	if err != nil {
		return nil, err
	}
	seeds := make([]ResolvedSeed, 0, len(txtRecords))
	var errs []error
	for _, record := range txtRecords {
		seed, err := a.parseTXT(record, pubKey)
		if err != nil {
			errs = append(errs, fmt.Errorf("dns %s invalid record: %w", name, err))
			continue
		}
		if !seed.Active(now) {
			continue
		}
		seeds = append(seeds, seed)
	}
	seeds = dedupeSeeds(seeds)
	if len(errs) > 0 {
		return seeds, errors.Join(errs...)
	}
	return seeds, nil
}

func (a Authority) decodePublicKey() ([]byte, error) {
	trimmed := strings.TrimSpace(a.PublicKey)
	if trimmed == "" {
		return nil, errors.New("publicKey must not be empty")
	}
	keyBytes, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid publicKey encoding: %w", err)
	}
	if len(keyBytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("publicKey must be %d bytes", ed25519.PublicKeySize)
	}
	return keyBytes, nil
}

func (a Authority) parseTXT(record string, publicKey []byte) (ResolvedSeed, error) {
	trimmed := strings.TrimSpace(record)
	if !strings.HasPrefix(trimmed, recordPrefix) {
		return ResolvedSeed{}, fmt.Errorf("record missing prefix %q", recordPrefix)
	}
	payload := strings.TrimPrefix(trimmed, recordPrefix)
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return ResolvedSeed{}, fmt.Errorf("base64 decode: %w", err)
	}
	var entry dnsRecord
	if err := json.Unmarshal(raw, &entry); err != nil {
		return ResolvedSeed{}, fmt.Errorf("invalid JSON payload: %w", err)
	}
	return entry.toSeed(strings.TrimSpace(a.Domain), publicKey)
}

func (s StaticRecord) toSeed() (ResolvedSeed, error) {
	if err := s.validate(); err != nil {
		return ResolvedSeed{}, err
	}
	ip, port, err := splitHostPort(s.Address)
	if err != nil {
		return ResolvedSeed{}, err
	}
	source := strings.TrimSpace(s.Source)
	if source == "" {
		source = "registry.static"
	}
	return ResolvedSeed{
		PeerID:    normalizePeerID(s.PeerID),
		IPAddress: ip,
		WSPort:    port,
		Source:    source,
		NotBefore: s.NotBefore,
		NotAfter:  s.NotAfter,
	}, nil
}

func (s StaticRecord) validate() error {
	if strings.TrimSpace(s.PeerID) == "" {
		return errors.New("peerId must not be empty")
	}
	if strings.TrimSpace(s.Address) == "" {
		return errors.New("address must not be empty")
	}
	if s.NotAfter > 0 && s.NotBefore > 0 && s.NotAfter < s.NotBefore {
		return errors.New("notAfter must be >= notBefore")
	}
	return nil
}

type dnsRecord struct {
	PeerID    string `json:"peerId"`
	Address   string `json:"address"`
	NotBefore int64  `json:"notBefore,omitempty"`
	NotAfter  int64  `json:"notAfter,omitempty"`
	Signature string `json:"signature"`
}

func (d dnsRecord) toSeed(domain string, publicKey []byte) (ResolvedSeed, error) {
	peerID := normalizePeerID(d.PeerID)
	if peerID == "" {
		return ResolvedSeed{}, errors.New("peerId must not be empty")
	}
	ip, port, err := splitHostPort(d.Address)
	if err != nil {
		return ResolvedSeed{}, err
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(d.Signature))
	if err != nil {
		return ResolvedSeed{}, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return ResolvedSeed{}, fmt.Errorf("signature must be %d bytes", ed25519.SignatureSize)
	}
	message := buildSigningMessage(peerID, d.Address, d.NotBefore, d.NotAfter, domain)
	if !ed25519.Verify(publicKey, message, sig) {
		return ResolvedSeed{}, errors.New("signature verification failed")
	}
	return ResolvedSeed{
		PeerID:    peerID,
		IPAddress: ip,
		WSPort:    port,
		Source:    "dns:" + domain,
		NotBefore: d.NotBefore,
		NotAfter:  d.NotAfter,
	}, nil
}

func buildSigningMessage(peerID, addr string, notBefore, notAfter int64, domain string) []byte {
	normalizedDomain := strings.ToLower(strings.TrimSpace(domain))
	var b strings.Builder
	b.WriteString(peerID)
	b.WriteString("\n")
	b.WriteString(addr)
	b.WriteString("\n")
	fmt.Fprintf(&b, "%d\n%d\n", notBefore, notAfter)
	b.WriteString(normalizedDomain)
	return []byte(b.String())
}

func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "", 0, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port in %q: %w", addr, err)
	}
	return host, port, nil
}

func normalizePeerID(value string) string {
	return strings.TrimSpace(value)
}

func dedupeSeeds(in []ResolvedSeed) []ResolvedSeed {
	if len(in) <= 1 {
		return append([]ResolvedSeed(nil), in...)
	}
	seen := make(map[string]struct{}, len(in))
	result := make([]ResolvedSeed, 0, len(in))
	for _, seed := range in {
		key := seed.PeerID + "@" + seed.IPAddress
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		result = append(result, seed)
	}
	return result
}

// dnsResolver implements Resolver over a miekg/dns client, bypassing the
// Go runtime resolver so seed lookups can target a specific recursive
// server when one is configured.
type dnsResolver struct {
	client *dns.Client
	server string
}

// NewDNSResolver builds a Resolver that issues TXT queries directly via
// miekg/dns. If server is empty, the first nameserver listed in
// /etc/resolv.conf is used, or 8.8.8.8:53 when that file cannot be read or
// lists none.
func NewDNSResolver(server string) Resolver {
	r := &dnsResolver{client: &dns.Client{Timeout: 5 * time.Second}}
	if server != "" {
		r.server = server
		return r
	}
	if cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf"); err == nil && len(cfg.Servers) > 0 {
		r.server = net.JoinHostPort(cfg.Servers[0], cfg.Port)
	} else {
		r.server = "8.8.8.8:53"
	}
	return r
}

func (r *dnsResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeTXT)

	reply, _, err := r.client.ExchangeContext(ctx, msg, r.server)
	if err != nil {
		return nil, fmt.Errorf("dns exchange: %w", err)
	}
	if reply.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("dns rcode %s for %s", dns.RcodeToString[reply.Rcode], name)
	}

	var out []string
	for _, rr := range reply.Answer {
		if txt, ok := rr.(*dns.TXT); ok {
			out = append(out, strings.Join(txt.Txt, ""))
		}
	}
	return out, nil
}
