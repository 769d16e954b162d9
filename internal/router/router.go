// Package router implements the single inbound dispatch pump (spec §4.5):
// decode -> dedupe -> token check -> handler lookup, generalized from the
// teacher's switch-based p2p/server.go dispatch into a registered handler
// table so services plug in independently.
package router

import (
	"context"
	"strings"
	"time"

	"github.com/lsnp/lsnp/internal/dedupe"
	"github.com/lsnp/lsnp/internal/logger"
	"github.com/lsnp/lsnp/internal/lsnperr"
	"github.com/lsnp/lsnp/internal/metrics"
	"github.com/lsnp/lsnp/internal/token"
	"github.com/lsnp/lsnp/internal/transport"
	"github.com/lsnp/lsnp/internal/wire"
)

// Handler processes one dispatched frame. Handlers run synchronously on the
// dispatching goroutine and do their work inline; there is no per-service
// mailbox, so a slow handler delays every frame queued behind it.
type Handler func(frame wire.Frame)

// idField maps a frame type to the header carrying the sender's claimed
// UserID, for the dedupe fingerprint and the IP-consistency guard. Types not
// listed use FROM; PROFILE/PING/PONG/REVOKE use USER_ID and GROUP_UPDATE
// uses CREATOR (original_source's ID_FIELD_MAP).
var idField = map[wire.FrameType]string{
	wire.TypeProfile: "USER_ID",
	wire.TypePing:    "USER_ID",
	wire.TypePong:    "USER_ID",
	wire.TypeRevoke:  "USER_ID",
	wire.TypePost:        "FROM",
	wire.TypeLike:        "FROM",
	wire.TypeGroupUpdate: "CREATOR",
}

func senderField(t wire.FrameType) string {
	if f, ok := idField[t]; ok {
		return f
	}
	return "FROM"
}

// noFingerprint are idempotent-by-content types that dedupe never needs to
// suppress: PING/PONG, and ACK, whose MESSAGE_ID names the acknowledged
// frame and carries no sender, so fingerprinting it would collapse ACKs
// from different recipients and collide with FILE_COMPLETE/FILE_CANCEL.
var noFingerprint = map[wire.FrameType]bool{
	wire.TypePing: true,
	wire.TypePong: true,
	wire.TypeAck:  true,
}

// Router owns the handler table and the shared dedupe/token state.
type Router struct {
	dedupe   *dedupe.Cache
	checker  *token.Checker
	handlers map[wire.FrameType]Handler
	log      *logger.Logger
	now      func() time.Time
	touch    func(userID string, ts time.Time)
}

// New creates a Router backed by the given dedupe cache and token checker.
func New(dc *dedupe.Cache, checker *token.Checker) *Router {
	return &Router{
		dedupe:   dc,
		checker:  checker,
		handlers: make(map[wire.FrameType]Handler),
		log:      logger.New("router"),
		now:      time.Now,
	}
}

// OnAuthenticFrame installs a hook invoked, for every frame that passes
// dedupe and token checks, with the sender's claimed UserID and the receipt
// time. Spec §4.6: "last_seen is updated by any authentic frame from that
// peer — not only PONG" — the presence service wires this to the registry.
func (r *Router) OnAuthenticFrame(f func(userID string, ts time.Time)) {
	r.touch = f
}

// Register installs the handler for a frame type. Intended to be called once
// per type during startup by each service.
func (r *Router) Register(t wire.FrameType, h Handler) {
	r.handlers[t] = h
}

// Dispatch runs one inbound datagram through decode -> IP-consistency guard
// -> dedupe -> token check -> handler lookup. It never blocks on the handler
// beyond the handler's own (non-blocking, by contract) body.
func (r *Router) Dispatch(datagram transport.Inbound) {
	frame, err := wire.Decode(datagram.Data)
	if err != nil {
		r.log.Debug("drop: decode error from %v: %v", datagram.Addr, err)
		metrics.FramesDropped.WithLabelValues("malformed_frame").Inc()
		return
	}
	frame.Source = datagram.Addr
	metrics.FramesReceived.WithLabelValues(string(frame.Type)).Inc()

	if !r.checkIdentityConsistency(frame) {
		r.log.Debug("drop: %s from %v: %v", frame.Type, datagram.Addr, lsnperr.ErrUnauthorized)
		metrics.FramesDropped.WithLabelValues("unauthorized").Inc()
		return
	}

	if !noFingerprint[frame.Type] {
		if mid := frame.Get("MESSAGE_ID"); mid != "" {
			fp := dedupe.Fingerprint{UserID: frame.Get(senderField(frame.Type)), MessageID: mid}
			if !r.dedupe.Observe(fp) {
				r.log.Debug("drop: %s %s: %v", frame.Type, mid, lsnperr.ErrDuplicate)
				metrics.FramesDropped.WithLabelValues("duplicate").Inc()
				return
			}
		}
	}

	if scope, required := wire.RequiredScope(frame.Type); required {
		raw := frame.Get("TOKEN")
		reason := r.checker.Check(raw, token.Scope(scope), r.now())
		if reason != token.OK {
			r.log.Debug("drop: %s (%s): %v", frame.Type, reason, lsnperr.ErrUnauthorized)
			metrics.FramesDropped.WithLabelValues("unauthorized").Inc()
			return
		}
	}

	if r.touch != nil {
		if uid := frame.Get(senderField(frame.Type)); uid != "" {
			r.touch(uid, r.now())
		}
	}

	h, ok := r.handlers[frame.Type]
	if !ok {
		r.log.Debug("drop: no handler registered for %s", frame.Type)
		metrics.FramesDropped.WithLabelValues("unknown_type").Inc()
		return
	}
	h(frame)
}

// checkIdentityConsistency rejects a frame whose declared user_id claims an
// IP that doesn't match the UDP source address (original_source's
// src/utils/auth.py IP-vs-declared-user_id guard; supplements the distilled
// spec, enforcing invariant (i)).
func (r *Router) checkIdentityConsistency(frame wire.Frame) bool {
	uid := frame.Get(senderField(frame.Type))
	if uid == "" || !strings.Contains(uid, "@") {
		return true
	}
	_, declaredIP, ok := strings.Cut(uid, "@")
	if !ok {
		return true
	}
	if frame.Source == nil {
		return true
	}
	return declaredIP == frame.Source.IP.String()
}

// Run drains the transport's inbound channel into Dispatch until ctx is
// cancelled or the channel closes.
func Run(ctx context.Context, tr *transport.Transport, r *Router) {
	for {
		select {
		case <-ctx.Done():
			return
		case datagram, ok := <-tr.Inbound():
			if !ok {
				return
			}
			r.Dispatch(datagram)
		}
	}
}
