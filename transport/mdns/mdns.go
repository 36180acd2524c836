// Package mdns provides local-network peer discovery over multicast DNS.
//
// A Discoverer advertises this node as a "_zeta-social._tcp" service whose
// TXT records carry its peer ID and mesh addresses, and periodically queries
// for other instances. Newly seen peers are reported as discovered; peers
// that stop answering for longer than the TTL are reported as expired.
package mdns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/mdns"
	"go.uber.org/zap"

	"github.com/kabili207/zeta-go/core/identity"
	"github.com/kabili207/zeta-go/transport"
)

// Compile-time interface check.
var _ transport.Discovery = (*Discoverer)(nil)

const (
	// DefaultService is the advertised service type.
	DefaultService = "_zeta-social._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultQueryInterval is how often the network is queried.
	DefaultQueryInterval = 30 * time.Second
	// DefaultQueryTimeout bounds a single query.
	DefaultQueryTimeout = 5 * time.Second
	// DefaultTTL is how long a peer stays known without answering.
	DefaultTTL = 2 * time.Minute

	txtMaxLen   = 255
	txtIDKey    = "id="
	txtAddrsKey = "addrs="
)

// ErrNoPeerID is returned by Start without a local peer ID.
var ErrNoPeerID = errors.New("mdns: peer ID is required")

// Config configures a Discoverer.
type Config struct {
	// PeerID is this node's peer ID. Required.
	PeerID string
	// Port is the advertised service port. Zero disables advertising; the
	// discoverer then only queries.
	Port int
	// Addresses are the mesh addresses published in TXT records.
	Addresses []string
	// Service is the service type. Default: "_zeta-social._tcp".
	Service string
	// Domain is the mDNS domain. Default: "local.".
	Domain string
	// Interface restricts advertising and queries to one network interface.
	Interface string
	// QueryInterval is the time between queries. Default: 30s.
	QueryInterval time.Duration
	// QueryTimeout bounds a single query. Default: 5s.
	QueryTimeout time.Duration
	// TTL is how long an unseen peer is kept before it expires.
	// Default: 2m.
	TTL time.Duration
	// DisableIPv6 restricts queries to IPv4.
	DisableIPv6 bool
	// Logger for discovery events. Falls back to zap.NewNop() if nil.
	Logger *zap.Logger
}

type peerEntry struct {
	addrs    []string
	lastSeen time.Time
}

// Discoverer advertises and discovers peers on the local network.
type Discoverer struct {
	cfg Config
	log *zap.Logger

	mu           sync.RWMutex
	server       *mdns.Server
	peers        map[string]peerEntry
	running      bool
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	peerHandler  transport.PeerHandler
	stateHandler transport.StateHandler

	// overridable for testing
	nowFn   func() time.Time
	queryFn func(*mdns.QueryParam) error
}

// New creates a Discoverer.
func New(cfg Config) *Discoverer {
	if cfg.Service == "" {
		cfg.Service = DefaultService
	}
	if cfg.Domain == "" {
		cfg.Domain = DefaultDomain
	}
	if cfg.QueryInterval <= 0 {
		cfg.QueryInterval = DefaultQueryInterval
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = DefaultQueryTimeout
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Discoverer{
		cfg:     cfg,
		log:     logger.Named("mdns"),
		peers:   make(map[string]peerEntry),
		nowFn:   time.Now,
		queryFn: mdns.Query,
	}
}

// Name returns "mdns".
func (d *Discoverer) Name() string {
	return "mdns"
}

// Start advertises this node (when a port is configured) and begins
// querying. A failure to advertise is logged; querying still runs.
func (d *Discoverer) Start(ctx context.Context) error {
	if d.cfg.PeerID == "" {
		return ErrNoPeerID
	}

	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true
	handler := d.stateHandler
	d.mu.Unlock()

	if d.cfg.Port > 0 {
		if err := d.startServer(); err != nil {
			d.log.Warn("mDNS advertising disabled", zap.Error(err))
		}
	}

	d.wg.Add(2)
	go d.queryLoop(ctx)
	go d.cleanupLoop(ctx)

	if handler != nil {
		handler(d, transport.EventConnected)
	}
	return nil
}

// Stop ends advertising and querying.
func (d *Discoverer) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	cancel := d.cancel
	server := d.server
	d.server = nil
	handler := d.stateHandler
	d.mu.Unlock()

	cancel()
	d.wg.Wait()

	var err error
	if server != nil {
		err = server.Shutdown()
	}
	if handler != nil {
		handler(d, transport.EventDisconnected)
	}
	return err
}

// IsConnected returns true while the discoverer is running.
func (d *Discoverer) IsConnected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.running
}

// SetPeerHandler sets the callback for discovered and expired peers.
func (d *Discoverer) SetPeerHandler(fn transport.PeerHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peerHandler = fn
}

// SetStateHandler sets the callback for state changes.
func (d *Discoverer) SetStateHandler(fn transport.StateHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stateHandler = fn
}

func (d *Discoverer) iface() *net.Interface {
	if d.cfg.Interface == "" {
		return nil
	}
	iface, err := net.InterfaceByName(d.cfg.Interface)
	if err != nil {
		d.log.Warn("interface not found", zap.String("interface", d.cfg.Interface), zap.Error(err))
		return nil
	}
	return iface
}

func (d *Discoverer) startServer() error {
	instance := "zeta-" + identity.PeerID(d.cfg.PeerID).ShortString()
	txt := buildTXTRecords(d.cfg.PeerID, d.cfg.Addresses)

	service, err := mdns.NewMDNSService(instance, d.cfg.Service, d.cfg.Domain, "", d.cfg.Port, nil, txt)
	if err != nil {
		return fmt.Errorf("creating mDNS service: %w", err)
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: service, Iface: d.iface()})
	if err != nil {
		return fmt.Errorf("starting mDNS server: %w", err)
	}

	d.mu.Lock()
	d.server = server
	d.mu.Unlock()

	d.log.Info("advertising on mDNS",
		zap.String("instance", instance),
		zap.String("service", d.cfg.Service),
		zap.Int("port", d.cfg.Port))
	return nil
}

func (d *Discoverer) queryLoop(ctx context.Context) {
	defer d.wg.Done()

	d.runQuery(ctx)

	ticker := time.NewTicker(d.cfg.QueryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.runQuery(ctx)
		}
	}
}

func (d *Discoverer) runQuery(ctx context.Context) {
	entries := make(chan *mdns.ServiceEntry, 16)
	params := &mdns.QueryParam{
		Service:             d.cfg.Service,
		Domain:              d.cfg.Domain,
		Timeout:             d.cfg.QueryTimeout,
		Interface:           d.iface(),
		Entries:             entries,
		WantUnicastResponse: true,
		DisableIPv6:         d.cfg.DisableIPv6,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			if ctx.Err() == nil {
				d.handleEntry(entry)
			}
		}
	}()

	if err := d.queryFn(params); err != nil {
		d.log.Debug("mDNS query failed", zap.Error(err))
	}
	close(entries)
	<-done
}

func (d *Discoverer) cleanupLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.TTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.expire()
		}
	}
}

// handleEntry records a query answer. A peer not yet known is reported as
// discovered.
func (d *Discoverer) handleEntry(entry *mdns.ServiceEntry) {
	peerID, addrs, ok := parseEntry(entry)
	if !ok || peerID == d.cfg.PeerID {
		return
	}
	if _, err := identity.ParsePeerID(peerID); err != nil {
		d.log.Debug("ignoring entry with invalid peer ID", zap.String("id", peerID), zap.Error(err))
		return
	}

	d.mu.Lock()
	_, known := d.peers[peerID]
	d.peers[peerID] = peerEntry{addrs: addrs, lastSeen: d.nowFn()}
	handler := d.peerHandler
	d.mu.Unlock()

	if known || handler == nil {
		return
	}
	d.log.Debug("discovered peer", zap.String("peer", peerID), zap.Strings("addrs", addrs))
	handler(transport.PeerEvent{
		Kind:      transport.PeerDiscovered,
		PeerID:    peerID,
		Addresses: addrs,
		Substrate: d.Name(),
	})
}

// expire forgets peers unseen for longer than the TTL and reports them.
func (d *Discoverer) expire() {
	cutoff := d.nowFn().Add(-d.cfg.TTL)

	d.mu.Lock()
	var gone []string
	for id, e := range d.peers {
		if e.lastSeen.Before(cutoff) {
			delete(d.peers, id)
			gone = append(gone, id)
		}
	}
	handler := d.peerHandler
	d.mu.Unlock()

	if handler == nil {
		return
	}
	for _, id := range gone {
		d.log.Debug("peer expired", zap.String("peer", id))
		handler(transport.PeerEvent{
			Kind:      transport.PeerExpired,
			PeerID:    id,
			Substrate: d.Name(),
		})
	}
}

// Peers returns the number of currently known peers.
func (d *Discoverer) Peers() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.peers)
}

// parseEntry extracts the peer ID and addresses from a query answer. When
// the TXT records carry no addresses the A/AAAA records and port are used.
func parseEntry(entry *mdns.ServiceEntry) (string, []string, bool) {
	if entry == nil {
		return "", nil, false
	}

	var peerID string
	var addrs []string
	for _, txt := range entry.InfoFields {
		switch {
		case strings.HasPrefix(txt, txtIDKey):
			peerID = strings.TrimPrefix(txt, txtIDKey)
		case strings.HasPrefix(txt, txtAddrsKey):
			for _, a := range strings.Split(strings.TrimPrefix(txt, txtAddrsKey), ",") {
				if a != "" {
					addrs = append(addrs, a)
				}
			}
		}
	}
	if peerID == "" {
		return "", nil, false
	}

	if len(addrs) == 0 {
		if entry.AddrV4 != nil {
			addrs = append(addrs, fmt.Sprintf("/ip4/%s/tcp/%d", entry.AddrV4, entry.Port))
		}
		if entry.AddrV6 != nil {
			addrs = append(addrs, fmt.Sprintf("/ip6/%s/tcp/%d", entry.AddrV6, entry.Port))
		}
	}
	if len(addrs) == 0 {
		return "", nil, false
	}
	return peerID, dedupe(addrs), true
}

// buildTXTRecords builds TXT records within the 255-byte record limit.
// Addresses are split across as many "addrs=" records as needed.
func buildTXTRecords(peerID string, addrs []string) []string {
	txt := []string{txtIDKey + peerID}

	cur := txtAddrsKey
	for _, a := range addrs {
		if a == "" || len(txtAddrsKey)+len(a) > txtMaxLen {
			continue
		}
		sep := ""
		if cur != txtAddrsKey {
			sep = ","
		}
		if len(cur)+len(sep)+len(a) > txtMaxLen {
			txt = append(txt, cur)
			cur, sep = txtAddrsKey, ""
		}
		cur += sep + a
	}
	if cur != txtAddrsKey {
		txt = append(txt, cur)
	}
	return txt
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
