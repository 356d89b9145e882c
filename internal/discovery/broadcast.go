package discovery

import (
	"context"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"peermesh/internal/addrutil"
	"peermesh/internal/stunutil"
)

// Broadcast announces over UDP to every local subnet's broadcast address
// and listens for announcements from others, answering each with a unicast
// reply so both sides learn of each other within one interval.
type Broadcast struct {
	self     Announcement
	port     int
	interval time.Duration
	stun     []string
	log      *zap.Logger

	track *tracker
}

// NewBroadcast announces/listens on the given UDP port every interval. A
// peer silent for maxMisses rounds is retracted.
func NewBroadcast(self Announcement, port int, interval time.Duration, maxMisses int, stunServers []string, log *zap.Logger) *Broadcast {
	return &Broadcast{
		self:     self,
		port:     port,
		interval: interval,
		stun:     stunServers,
		log:      log.Named("discovery.broadcast"),
		track:    newTracker(maxMisses),
	}
}

func (b *Broadcast) Run(ctx context.Context, out chan<- Observation) error {
	laddr, err := net.ResolveUDPAddr("udp4", ":"+strconv.Itoa(b.port))
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return err
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	b.resolvePublicAddr(ctx)
	b.log.Info("broadcast discovery listening", zap.Int("port", b.port))

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.readLoop(ctx, conn, out)
	}()

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			<-done
			return nil
		case <-ticker.C:
			b.announceRound(conn)
			for _, id := range b.track.Sweep() {
				b.log.Info("peer silent, retracting", zap.String("peer", id))
				if !emit(ctx, out, RetractPeer(id, MethodBroadcast)) {
					<-done
					return nil
				}
			}
		}
	}
}

func (b *Broadcast) readLoop(ctx context.Context, conn *net.UDPConn, out chan<- Observation) {
	buf := make([]byte, maxAnnouncementSize)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		ann, err := DecodeAnnouncement(buf[:n])
		if err != nil || ann.NodeID == b.self.NodeID {
			continue
		}

		b.track.Mark(ann.NodeID)
		if !emit(ctx, out, Announce(ann.NodeID, ann.DialAddr(src), ann.Capability, MethodBroadcast)) {
			return
		}
		// Unicast reply so a newly started peer doesn't wait a full
		// interval for our next broadcast.
		if !ann.Reply {
			reply := b.self
			reply.Reply = true
			conn.WriteToUDP(reply.Encode(), src)
		}
	}
}

func (b *Broadcast) announceRound(conn *net.UDPConn) {
	prefixes, err := addrutil.LocalPrefixes()
	if err != nil {
		b.log.Warn("enumerating interfaces failed", zap.Error(err))
		return
	}
	payload := b.self.Encode()
	for _, prefix := range prefixes {
		bc, ok := addrutil.BroadcastAddr(prefix)
		if !ok {
			continue
		}
		dst := &net.UDPAddr{IP: bc.AsSlice(), Port: b.port}
		if _, err := conn.WriteToUDP(payload, dst); err != nil {
			b.log.Debug("broadcast send failed", zap.String("dst", dst.String()), zap.Error(err))
		}
	}
}

func (b *Broadcast) resolvePublicAddr(ctx context.Context) {
	if len(b.stun) == 0 {
		return
	}
	addr, nat, err := stunutil.PublicAddr(ctx, b.stun, stunQueryTimeout)
	if err != nil {
		b.log.Debug("stun resolution failed", zap.Error(err))
		return
	}
	b.self.PublicAddr = addr
	b.self.NATType = nat
}
