// Package discovery finds other nodes on the local network and hands their
// addresses to the node's address book. Two mechanisms are offered: mDNS
// announcement and browsing (zeroconf), and a TCP scan of a subnet for the
// node port.
package discovery

import (
	"context"
	"fmt"
	"os"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"valqueue.node/vqn/internal/types"
)

// Sink receives discovered node addresses. node.Node implements it.
type Sink interface {
	AddPeer(addr types.NodeAddress) bool
}

// MDNS announces the local node and feeds browsed peers into a Sink.
type MDNS struct {
	serviceName string
	port        int
	wallet      string
	sink        Sink
	peerStore   *PeerStore
	log         *zap.Logger
}

// NewMDNS returns an mDNS service for the node listening on port.
func NewMDNS(serviceName string, port int, wallet string, sink Sink, log *zap.Logger) *MDNS {
	if log == nil {
		log = zap.NewNop()
	}
	return &MDNS{
		serviceName: serviceName,
		port:        port,
		wallet:      wallet,
		sink:        sink,
		peerStore:   NewPeerStore(),
		log:         log.Named("mdns"),
	}
}

// Peers returns the peers seen so far.
func (s *MDNS) Peers() []*Peer {
	return s.peerStore.List()
}

// Run announces the service and browses until ctx is cancelled.
func (s *MDNS) Run(ctx context.Context) error {
	hostname, _ := os.Hostname()
	instance := fmt.Sprintf("%s-%d", hostname, s.port)

	server, err := zeroconf.Register(instance, s.serviceName, "local.", s.port,
		[]string{"wallet=" + s.wallet, "ver=" + types.Version}, nil)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}
	defer server.Shutdown()
	s.log.Info("announced service",
		zap.String("service", s.serviceName),
		zap.String("instance", instance))

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("mdns resolver: %w", err)
	}

	// The resolver closes entries once ctx is done.
	entries := make(chan *zeroconf.ServiceEntry)
	go func() {
		for entry := range entries {
			s.handle(entry, instance)
		}
	}()

	if err := resolver.Browse(ctx, s.serviceName, "local.", entries); err != nil {
		return fmt.Errorf("mdns browse: %w", err)
	}
	<-ctx.Done()
	s.log.Info("browsing stopped")
	return nil
}

func (s *MDNS) handle(entry *zeroconf.ServiceEntry, self string) {
	if entry.Instance == self {
		return
	}
	if entry.TTL == 0 {
		s.log.Debug("peer withdrawn", zap.String("instance", entry.Instance))
		s.peerStore.Remove(entry.Instance)
		return
	}
	p := s.peerStore.AddFromServiceEntry(entry)
	addr, ok := p.Address()
	if !ok {
		s.log.Debug("peer without address", zap.String("instance", entry.Instance))
		return
	}
	if s.sink.AddPeer(addr) {
		s.log.Info("peer discovered",
			zap.String("instance", entry.Instance),
			zap.String("address", addr.String()),
			zap.String("wallet", types.Prefix(p.Wallet(), 12)))
	}
}
