package discovery

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"peermesh/internal/addrutil"
	"peermesh/internal/stunutil"
)

const (
	scanDialTimeout     = 1 * time.Second
	scanExchangeTimeout = 2 * time.Second
	stunQueryTimeout    = 5 * time.Second
)

// Scan probes candidate hosts on each local subnet over TCP: it connects to
// the announce port, sends this node's announcement and reads the peer's in
// return. Firewalled segments that drop UDP broadcast still pass this.
type Scan struct {
	self       Announcement
	listenPort int
	interval   time.Duration
	offsets    []int
	stun       []string
	log        *zap.Logger

	track *tracker
}

// NewScan announces on listenPort and probes the given host offsets within
// every local /24 each interval. A peer silent for maxMisses rounds is
// retracted.
func NewScan(self Announcement, listenPort int, interval time.Duration, offsets []int, maxMisses int, stunServers []string, log *zap.Logger) *Scan {
	return &Scan{
		self:       self,
		listenPort: listenPort,
		interval:   interval,
		offsets:    offsets,
		stun:       stunServers,
		log:        log.Named("discovery.scan"),
		track:      newTracker(maxMisses),
	}
}

func (s *Scan) Run(ctx context.Context, out chan<- Observation) error {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(s.listenPort))
	if err != nil {
		return err
	}
	defer ln.Close()
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.resolvePublicAddr(ctx)
	s.log.Info("scan discovery listening", zap.Int("port", s.listenPort))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.handleInbound(ctx, conn, out)
			}()
		}
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		case <-ticker.C:
			s.probeRound(ctx, out)
			for _, id := range s.track.Sweep() {
				s.log.Info("peer silent, retracting", zap.String("peer", id))
				if !emit(ctx, out, RetractPeer(id, MethodScan)) {
					wg.Wait()
					return nil
				}
			}
		}
	}
}

// handleInbound answers one peer-initiated announce exchange.
func (s *Scan) handleInbound(ctx context.Context, conn net.Conn, out chan<- Observation) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(scanExchangeTimeout))

	ann, err := readAnnouncement(conn)
	if err != nil {
		return
	}
	if ann.NodeID == s.self.NodeID {
		return
	}
	conn.Write(s.self.Encode())

	s.observe(ctx, conn.RemoteAddr(), ann, out)
}

// probeRound announces to every candidate host on every local subnet.
func (s *Scan) probeRound(ctx context.Context, out chan<- Observation) {
	prefixes, err := addrutil.LocalPrefixes()
	if err != nil {
		s.log.Warn("enumerating interfaces failed", zap.Error(err))
		return
	}
	for _, prefix := range prefixes {
		for _, host := range addrutil.CandidateHosts(prefix, s.offsets) {
			if ctx.Err() != nil {
				return
			}
			s.probeHost(ctx, host, out)
		}
	}
}

func (s *Scan) probeHost(ctx context.Context, host netip.Addr, out chan<- Observation) {
	target := net.JoinHostPort(host.String(), strconv.Itoa(s.listenPort))
	d := net.Dialer{Timeout: scanDialTimeout}
	conn, err := d.DialContext(ctx, "tcp", target)
	if err != nil {
		return // expected: most candidate hosts run nothing
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(scanExchangeTimeout))

	if _, err := conn.Write(s.self.Encode()); err != nil {
		return
	}
	ann, err := readAnnouncement(conn)
	if err != nil || ann.NodeID == s.self.NodeID {
		return
	}
	s.observe(ctx, conn.RemoteAddr(), ann, out)
}

// observe converts a received announcement into an Announce observation,
// preferring the peer's advertised public host over the source host we
// exchanged with.
func (s *Scan) observe(ctx context.Context, remote net.Addr, ann Announcement, out chan<- Observation) {
	s.track.Mark(ann.NodeID)
	emit(ctx, out, Announce(ann.NodeID, ann.DialAddr(remote), ann.Capability, MethodScan))
}

// resolvePublicAddr optionally enriches our announcement with the
// STUN-mapped address so peers outside this segment can be told where to
// reach us.
func (s *Scan) resolvePublicAddr(ctx context.Context) {
	if len(s.stun) == 0 {
		return
	}
	addr, nat, err := stunutil.PublicAddr(ctx, s.stun, stunQueryTimeout)
	if err != nil {
		s.log.Debug("stun resolution failed", zap.Error(err))
		return
	}
	s.self.PublicAddr = addr
	s.self.NATType = nat
	s.log.Info("resolved public address", zap.String("addr", addr), zap.String("nat", nat))
}

// readAnnouncement reads one JSON announcement from a stream. A streaming
// decode returns as soon as one complete value arrives, so neither side has
// to close its write half first.
func readAnnouncement(r io.Reader) (Announcement, error) {
	var a Announcement
	if err := json.NewDecoder(io.LimitReader(r, maxAnnouncementSize)).Decode(&a); err != nil {
		return Announcement{}, err
	}
	if err := a.validate(); err != nil {
		return Announcement{}, err
	}
	return a, nil
}
