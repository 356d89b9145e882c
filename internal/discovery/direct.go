package discovery

import (
	"context"

	"go.uber.org/zap"

	"peermesh/internal/addrutil"
	"peermesh/internal/capability"
)

// Direct announces exactly one operator-specified peer. The identity is
// synthetic ("peer-<host>") and the capability unknown; both firm up when
// the peer answers a topology collection.
type Direct struct {
	addr string
	log  *zap.Logger
}

func NewDirect(addr string, log *zap.Logger) *Direct {
	return &Direct{addr: addr, log: log.Named("discovery.direct")}
}

func (d *Direct) Run(ctx context.Context, out chan<- Observation) error {
	id := "peer-" + addrutil.Host(d.addr)
	d.log.Info("announcing direct peer", zap.String("peer", id), zap.String("addr", d.addr))
	emit(ctx, out, Announce(id, d.addr, capability.Unknown(), MethodDirect))
	<-ctx.Done()
	return nil
}
