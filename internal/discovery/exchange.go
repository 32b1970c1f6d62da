package discovery

import (
	"context"
	"net"
	"runtime"
	"time"

	"github.com/go-ibnet/ibnet/internal/ibnerr"
	"github.com/go-ibnet/ibnet/internal/jobqueue"
	"github.com/go-ibnet/ibnet/internal/logging"
	"github.com/go-ibnet/ibnet/internal/wire"
	"github.com/go-ibnet/ibnet/internal/workerctl"
)

// pollInterval is the read deadline the exchange worker's socket polls on
// when idle, matching the 10ms cap the job worker and engines use.
const pollInterval = 10 * time.Millisecond

// ExchangeWorkerConfig configures a new ExchangeWorker.
type ExchangeWorkerConfig struct {
	Port        int
	BindAddr    string // empty means all interfaces
	OwnNodeID   uint16
	Ident       uint32
	LID         uint16
	Jobs        *jobqueue.Queue
	Context     *Context
	CPUAffinity int // negative means unpinned
}

// ExchangeWorker owns the non-blocking UDP socket peers use to discover
// each other and exchange queue pair parameters (SPEC_FULL.md section 4.7).
type ExchangeWorker struct {
	conn        *net.UDPConn
	ownNodeID   uint16
	ident       uint32
	lid         uint16
	jobs        *jobqueue.Queue
	cpuAffinity int
}

func NewExchangeWorker(cfg ExchangeWorkerConfig) (*ExchangeWorker, error) {
	var ip net.IP
	if cfg.BindAddr != "" {
		ip = net.ParseIP(cfg.BindAddr)
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: cfg.Port})
	if err != nil {
		return nil, ibnerr.Wrap("NewExchangeWorker", err)
	}
	if err := conn.SetReadBuffer(1 << 20); err != nil {
		logging.Debug("exchange: set read buffer failed", "err", err)
	}
	return &ExchangeWorker{
		conn:        conn,
		ownNodeID:   cfg.OwnNodeID,
		ident:       cfg.Ident,
		lid:         cfg.LID,
		jobs:        cfg.Jobs,
		cpuAffinity: cfg.CPUAffinity,
	}, nil
}

// SendTo implements discovery.Sender for the Discovery Context's outbound
// requests.
func (w *ExchangeWorker) SendTo(ip string, port int, pkt wire.Packet) error {
	addr := &net.UDPAddr{IP: net.ParseIP(ip), Port: port}
	_, err := w.conn.WriteToUDP(wire.Marshal(pkt), addr)
	return err
}

// LocalPort reports the port the socket actually bound to, useful when Port
// was 0 in the config.
func (w *ExchangeWorker) LocalPort() int {
	return w.conn.LocalAddr().(*net.UDPAddr).Port
}

// Run drives the receive loop until ctx is cancelled, per go-ublk's Runner
// convention of observing a context rather than supporting preemption.
func (w *ExchangeWorker) Run(ctx context.Context) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if w.cpuAffinity >= 0 {
		if err := workerctl.PinCurrentThread(w.cpuAffinity); err != nil {
			logging.Warn("exchange: failed to set cpu affinity", "cpu", w.cpuAffinity, "err", err)
		}
	}

	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := w.conn.SetReadDeadline(time.Now().Add(pollInterval)); err != nil {
			logging.Debug("exchange: set read deadline failed", "err", err)
		}
		n, addr, err := w.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			logging.Debug("exchange: read failed", "err", err)
			continue
		}
		pkt, ok := wire.Unmarshal(buf[:n])
		if !ok {
			continue
		}
		w.dispatch(pkt, addr)
	}
}

func (w *ExchangeWorker) dispatch(pkt wire.Packet, addr *net.UDPAddr) {
	switch pkt.Type {
	case wire.PacketDiscoveryRequest:
		resp := wire.Packet{Type: wire.PacketDiscoveryResponse, NodeID: w.ownNodeID, Ident: w.ident, LID: w.lid}
		if _, err := w.conn.WriteToUDP(wire.Marshal(resp), addr); err != nil {
			logging.Debug("exchange: send discovery response failed", "addr", addr.String(), "err", err)
		}
	case wire.PacketDiscoveryResponse:
		w.jobs.PushWait(jobqueue.Job{Kind: jobqueue.Discovered, NodeID: pkt.NodeID, IP: addr.IP.String(), LID: pkt.LID, Ident: pkt.Ident})
	case wire.PacketConnectionInfo:
		w.jobs.PushWait(jobqueue.Job{Kind: jobqueue.CreateWithRemote, NodeID: pkt.NodeID, IP: addr.IP.String(), Ident: pkt.Ident, LID: pkt.LID, QPIds: pkt.QPIds})
	default:
		logging.Debug("exchange: unrecognized packet type, dropping", "type", pkt.Type, "addr", addr.String())
	}
}

func (w *ExchangeWorker) Close() error {
	return w.conn.Close()
}
