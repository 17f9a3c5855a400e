package discovery

import (
	"net"
	"sort"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"

	"valqueue.node/vqn/internal/types"
)

// Peer is one node announced over mDNS.
type Peer struct {
	Instance string
	Hostname string
	Port     int
	Addrs    []net.IP
	Txt      map[string]string
}

// Wallet returns the wallet the peer announced, if any.
func (p *Peer) Wallet() string {
	return p.Txt["wallet"]
}

// Address returns the peer's first IPv4 address as a node address.
func (p *Peer) Address() (types.NodeAddress, bool) {
	if len(p.Addrs) == 0 || p.Port <= 0 || p.Port > 65535 {
		return types.NodeAddress{}, false
	}
	ip := p.Addrs[0].To4()
	if ip == nil {
		return types.NodeAddress{}, false
	}
	return types.NodeAddress{IP: ip.String(), Port: uint16(p.Port)}, true
}

// PeerStore is a thread-safe set of discovered peers keyed by instance name.
type PeerStore struct {
	mtx   sync.RWMutex
	peers map[string]*Peer
}

// NewPeerStore creates an empty PeerStore.
func NewPeerStore() *PeerStore {
	return &PeerStore{peers: make(map[string]*Peer)}
}

// AddFromServiceEntry adds or updates a peer from a zeroconf entry.
func (ps *PeerStore) AddFromServiceEntry(e *zeroconf.ServiceEntry) *Peer {
	if e == nil {
		return nil
	}
	txt := make(map[string]string, len(e.Text))
	for _, t := range e.Text {
		if k, v, ok := strings.Cut(t, "="); ok {
			txt[k] = v
		}
	}

	peer := &Peer{
		Instance: e.Instance,
		Hostname: e.HostName,
		Port:     e.Port,
		Addrs:    append([]net.IP(nil), e.AddrIPv4...),
		Txt:      txt,
	}
	ps.mtx.Lock()
	ps.peers[e.Instance] = peer
	ps.mtx.Unlock()
	return peer
}

// Remove removes a peer by instance name.
func (ps *PeerStore) Remove(instance string) {
	ps.mtx.Lock()
	defer ps.mtx.Unlock()
	delete(ps.peers, instance)
}

// List returns a snapshot of known peers ordered by instance.
func (ps *PeerStore) List() []*Peer {
	ps.mtx.RLock()
	out := make([]*Peer, 0, len(ps.peers))
	for _, p := range ps.peers {
		out = append(out, p)
	}
	ps.mtx.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out
}

// Addresses returns the node address of every peer that announced one.
func (ps *PeerStore) Addresses() []types.NodeAddress {
	var out []types.NodeAddress
	for _, p := range ps.List() {
		if a, ok := p.Address(); ok {
			out = append(out, a)
		}
	}
	return out
}
