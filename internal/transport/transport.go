// Package transport owns the UDP socket and the reliable-send discipline
// (spec §4.4).
package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/lsnp/lsnp/internal/logger"
	"github.com/lsnp/lsnp/internal/lsnperr"
	"github.com/lsnp/lsnp/internal/metrics"
)

// DeliveryResult is the terminal outcome of a reliable send (spec invariant iii).
type DeliveryResult string

const (
	Acked  DeliveryResult = "acked"
	Failed DeliveryResult = "failed"
)

// Inbound is a received, not-yet-decoded datagram.
type Inbound struct {
	Data []byte
	Addr *net.UDPAddr
}

// Transport owns the single UDP socket shared by broadcast send, unicast
// send, and the reliable-send retry discipline.
type Transport struct {
	conn          *net.UDPConn
	broadcastAddr *net.UDPAddr
	limiter       *rate.Limiter
	retrySchedule []time.Duration
	log           *logger.Logger

	inbound chan Inbound

	mu      sync.Mutex
	pending map[string]*pendingSend // keyed by pendingKey(dest, MESSAGE_ID)
	closed  bool
}

// pendingKey disambiguates in-flight sends by destination as well as
// MESSAGE_ID: group fan-out (spec §4.8) reuses one MESSAGE_ID across several
// recipients, so MESSAGE_ID alone cannot key this map.
func pendingKey(dest *net.UDPAddr, messageID string) string {
	return dest.String() + "|" + messageID
}

type pendingSend struct {
	messageID string
	dest      *net.UDPAddr
	raw       []byte
	attempt   int
	result    chan DeliveryResult
	timer     *time.Timer
	done      bool
}

// Options configures a new Transport.
type Options struct {
	Port          int
	RetrySchedule []time.Duration
	// SendRateLimit caps outbound datagrams/sec; 0 disables pacing.
	SendRateLimit float64
	SendBurst     int
}

// New binds the UDP socket and prepares the reliable-send machinery. It does
// not start the receive loop; call Run for that.
func New(opts Options) (*Transport, error) {
	conn, err := listenUDP(opts.Port)
	if err != nil {
		return nil, err
	}

	localIP, err := PrimaryOutboundIP()
	if err != nil {
		localIP = net.IPv4zero
	}
	bcastIP := directedBroadcast(localIP)

	var limiter *rate.Limiter
	if opts.SendRateLimit > 0 {
		burst := opts.SendBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.SendRateLimit), burst)
	}

	schedule := opts.RetrySchedule
	if len(schedule) == 0 {
		schedule = []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	}

	return &Transport{
		conn:          conn,
		broadcastAddr: &net.UDPAddr{IP: bcastIP, Port: conn.LocalAddr().(*net.UDPAddr).Port},
		limiter:       limiter,
		retrySchedule: schedule,
		log:           logger.New("transport"),
		inbound:       make(chan Inbound, 256),
		pending:       make(map[string]*pendingSend),
	}, nil
}

// LocalAddr returns the bound local address.
func (t *Transport) LocalAddr() *net.UDPAddr {
	return t.conn.LocalAddr().(*net.UDPAddr)
}

// BroadcastAddr returns the computed directed-broadcast destination.
func (t *Transport) BroadcastAddr() *net.UDPAddr {
	return t.broadcastAddr
}

// Inbound exposes the channel of received (not yet decoded) datagrams.
func (t *Transport) Inbound() <-chan Inbound {
	return t.inbound
}

// Run starts the receive pump. It blocks until ctx is cancelled or the
// socket is closed; it never panics on a read error — other read errors are
// logged and the loop continues (spec §7: "Transport and codec errors are contained within the
// receive pump").
func (t *Transport) Run(ctx context.Context) {
	buf := make([]byte, 65536)
	go func() {
		<-ctx.Done()
		t.Close()
	}()
	for {
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if t.isClosed() {
				close(t.inbound)
				return
			}
			t.log.Warn("receive error: %v", err)
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case t.inbound <- Inbound{Data: data, Addr: addr}:
		case <-ctx.Done():
			close(t.inbound)
			return
		default:
			// Inbound queue saturated: drop rather than block the pump (spec §5:
			// handlers/the pump must never block on a slow consumer).
			t.log.Warn("inbound queue full, dropping datagram from %v", addr)
		}
	}
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Close releases the socket and fails every in-flight reliable send.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	for _, p := range t.pending {
		t.finish(p, Failed)
	}
	t.mu.Unlock()
	return t.conn.Close()
}

func (t *Transport) pace(ctx context.Context) {
	if t.limiter == nil {
		return
	}
	_ = t.limiter.Wait(ctx)
}

// SendBroadcast sends raw bytes best-effort to the LAN broadcast address. No
// ACK, no retry (spec §4.4).
func (t *Transport) SendBroadcast(ctx context.Context, raw []byte) error {
	t.pace(ctx)
	_, err := t.conn.WriteToUDP(raw, t.broadcastAddr)
	if err != nil {
		return lsnperr.ErrTransportError
	}
	return nil
}

// SendUnicast sends raw bytes best-effort to dest. No ACK, no retry.
func (t *Transport) SendUnicast(ctx context.Context, raw []byte, dest *net.UDPAddr) error {
	t.pace(ctx)
	_, err := t.conn.WriteToUDP(raw, dest)
	if err != nil {
		return lsnperr.ErrTransportError
	}
	return nil
}

// SendReliable queues raw (carrying messageID) for ACK-required delivery to
// dest, with the exponential retry schedule of spec §4.4. It returns a
// channel that receives exactly one DeliveryResult (invariant iii).
func (t *Transport) SendReliable(ctx context.Context, messageID string, raw []byte, dest *net.UDPAddr) <-chan DeliveryResult {
	result := make(chan DeliveryResult, 1)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		result <- Failed
		return result
	}
	p := &pendingSend{
		messageID: messageID,
		dest:      dest,
		raw:       raw,
		result:    result,
	}
	t.pending[pendingKey(dest, messageID)] = p
	t.mu.Unlock()

	t.pace(ctx)
	t.conn.WriteToUDP(raw, dest)

	t.scheduleRetry(p)
	return result
}

func (t *Transport) scheduleRetry(p *pendingSend) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || p.done {
		return
	}
	if p.attempt >= len(t.retrySchedule) {
		metrics.RetriesExhausted.Inc()
		t.finish(p, Failed)
		return
	}
	delay := t.retrySchedule[p.attempt]
	p.attempt++
	p.timer = time.AfterFunc(delay, func() { t.retry(p) })
}

func (t *Transport) retry(p *pendingSend) {
	t.mu.Lock()
	if t.closed || p.done {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	t.conn.WriteToUDP(p.raw, p.dest)
	t.scheduleRetry(p)
}

// HandleAck discharges a pending reliable send matched by (source, MESSAGE_ID)
// (spec §4.4: "On matching ACK ... the entry is discharged and the future
// resolves acked"). It is a no-op if no such send is pending (a late or
// duplicate ACK, or one from an unexpected source).
func (t *Transport) HandleAck(messageID string, src *net.UDPAddr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[pendingKey(src, messageID)]
	if !ok || p.done {
		return
	}
	t.finish(p, Acked)
}

// finish must be called with t.mu held.
func (t *Transport) finish(p *pendingSend, result DeliveryResult) {
	if p.done {
		return
	}
	p.done = true
	if p.timer != nil {
		p.timer.Stop()
	}
	delete(t.pending, pendingKey(p.dest, p.messageID))
	p.result <- result
	close(p.result)
}

// PendingCount reports the number of in-flight reliable sends (for metrics/debug).
func (t *Transport) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
