package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"valqueue.node/vqn/internal/types"
)

const (
	scanConcurrency = 50
	// scanLimit caps the hosts probed per subnet; larger subnets fall back
	// to the /24 around the local address.
	scanLimit = 512
)

// Scanner probes a subnet for hosts accepting TCP connections on the node
// port.
type Scanner struct {
	port    int
	subnet  string
	timeout time.Duration
	log     *zap.Logger
}

// NewScanner returns a scanner for port. subnet is a CIDR or a single IPv4
// address, which stands for its /24; empty scans every up, non-loopback
// interface.
func NewScanner(port int, subnet string, log *zap.Logger) *Scanner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scanner{
		port:    port,
		subnet:  subnet,
		timeout: 500 * time.Millisecond,
		log:     log.Named("scanner"),
	}
}

// Discover scans and adds every responder to sink. It returns the number of
// addresses new to the sink.
func (s *Scanner) Discover(ctx context.Context, sink Sink) (int, error) {
	found, err := s.Scan(ctx)
	if err != nil {
		return 0, err
	}
	added := 0
	for _, addr := range found {
		if sink.AddPeer(addr) {
			added++
		}
	}
	s.log.Info("scan complete",
		zap.Int("responders", len(found)),
		zap.Int("added", added))
	return added, nil
}

// Scan returns the addresses that accepted a connection.
func (s *Scanner) Scan(ctx context.Context) ([]types.NodeAddress, error) {
	nets, err := s.targets()
	if err != nil {
		return nil, err
	}

	results := make(chan types.NodeAddress)
	var g errgroup.Group
	g.SetLimit(scanConcurrency)
	go func() {
		for _, n := range nets {
			s.log.Debug("scanning subnet", zap.String("subnet", n.String()))
			for _, ip := range hosts(n) {
				if ctx.Err() != nil {
					break
				}
				ip := ip
				g.Go(func() error {
					if s.checkPort(ctx, ip) {
						results <- types.NodeAddress{IP: ip, Port: uint16(s.port)}
					}
					return nil
				})
			}
		}
		_ = g.Wait()
		close(results)
	}()

	var out []types.NodeAddress
	for a := range results {
		s.log.Debug("found active host", zap.String("address", a.String()))
		out = append(out, a)
	}
	return out, ctx.Err()
}

func (s *Scanner) targets() ([]*net.IPNet, error) {
	if s.subnet != "" {
		if _, n, err := net.ParseCIDR(s.subnet); err == nil {
			return []*net.IPNet{n}, nil
		}
		ip := net.ParseIP(s.subnet).To4()
		if ip == nil {
			return nil, fmt.Errorf("scan subnet %q: not an IPv4 address or CIDR", s.subnet)
		}
		return []*net.IPNet{{IP: ip.Mask(net.CIDRMask(24, 32)), Mask: net.CIDRMask(24, 32)}}, nil
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}
	var out []*net.IPNet
	for _, i := range ifaces {
		if i.Flags&net.FlagUp == 0 || i.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := i.Addrs()
		if err != nil {
			s.log.Warn("interface addresses", zap.String("interface", i.Name), zap.Error(err))
			continue
		}
		for _, a := range addrs {
			n, ok := a.(*net.IPNet)
			if !ok || n.IP.To4() == nil || n.IP.IsLinkLocalUnicast() {
				continue
			}
			if ones, _ := n.Mask.Size(); ones < 23 {
				n = &net.IPNet{IP: n.IP.To4().Mask(net.CIDRMask(24, 32)), Mask: net.CIDRMask(24, 32)}
			}
			out = append(out, n)
		}
	}
	return out, nil
}

// hosts lists the host addresses of n, without network and broadcast.
func hosts(n *net.IPNet) []string {
	ip := n.IP.To4()
	if ip == nil || len(n.Mask) != 4 {
		return nil
	}
	start := binaryIP(ip.Mask(n.Mask))
	end := start | ^binaryIP(net.IP(n.Mask))
	if end-start > scanLimit {
		start = binaryIP(ip) & 0xFFFFFF00
		end = start | 0xFF
	}
	var out []string
	for i := start + 1; i < end; i++ {
		out = append(out, net.IPv4(byte(i>>24), byte(i>>16), byte(i>>8), byte(i)).String())
	}
	return out
}

func (s *Scanner) checkPort(ctx context.Context, ip string) bool {
	d := net.Dialer{Timeout: s.timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(ip, strconv.Itoa(s.port)))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func binaryIP(ip net.IP) uint32 {
	ip = ip.To4()
	return uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
}
