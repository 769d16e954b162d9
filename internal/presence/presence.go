// Package presence implements PROFILE/PING/PONG broadcast and the
// stale/evict sweep (spec §4.6).
package presence

import (
	"context"
	"time"

	"github.com/lsnp/lsnp/internal/config"
	"github.com/lsnp/lsnp/internal/logger"
	"github.com/lsnp/lsnp/internal/registry"
	"github.com/lsnp/lsnp/internal/router"
	"github.com/lsnp/lsnp/internal/token"
	"github.com/lsnp/lsnp/internal/transport"
	"github.com/lsnp/lsnp/internal/uiadapter"
	"github.com/lsnp/lsnp/internal/wire"
)

// Self describes the local identity presence broadcasts on behalf of.
type Self struct {
	UserID      string
	DisplayName string
	Status      registry.Status
}

// Service owns the registry, the presence tickers, and the revocation set.
type Service struct {
	self       Self
	reg        *registry.Registry
	revocation *token.RevocationSet
	tr         *transport.Transport
	bus        *uiadapter.Bus
	cfg        config.Config
	log        *logger.Logger
}

// New creates a presence service for the given local identity.
func New(self Self, reg *registry.Registry, revocation *token.RevocationSet, tr *transport.Transport, bus *uiadapter.Bus, cfg config.Config) *Service {
	return &Service{
		self:       self,
		reg:        reg,
		revocation: revocation,
		tr:         tr,
		bus:        bus,
		cfg:        cfg,
		log:        logger.New("presence"),
	}
}

// SetStatus updates the local status broadcast in future PROFILE frames.
func (s *Service) SetStatus(status registry.Status) {
	s.self.Status = status
}

// RegisterHandlers installs PROFILE/PING/PONG/REVOKE handlers and wires the
// "any authentic frame updates last_seen" rule (spec §4.6, testable property 3).
func (s *Service) RegisterHandlers(r *router.Router) {
	r.OnAuthenticFrame(func(userID string, ts time.Time) {
		if userID == s.self.UserID {
			return
		}
		// The hook runs before any handler, so this is where a new peer is
		// first created; handleProfile then sees it as existing.
		if p, created := s.reg.Touch(userID, ts); created {
			s.bus.Publish(uiadapter.Event{Kind: uiadapter.EventPeerAdded, Payload: p})
		}
	})

	r.Register(wire.TypeProfile, s.handleProfile)
	r.Register(wire.TypePing, s.handlePing)
	r.Register(wire.TypePong, s.handlePong)
	r.Register(wire.TypeRevoke, s.handleRevoke)
}

func (s *Service) handleProfile(f wire.Frame) {
	userID := f.Get("USER_ID")
	if userID == s.self.UserID {
		return
	}
	_, existed := s.reg.Get(userID)
	p := s.reg.UpdateProfile(userID, f.Get("DISPLAY_NAME"), registry.Status(f.Get("STATUS")), time.Now())
	kind := uiadapter.EventPeerUpdated
	if !existed {
		kind = uiadapter.EventPeerAdded
	}
	s.bus.Publish(uiadapter.Event{Kind: kind, Payload: p})
}

func (s *Service) handlePing(f wire.Frame) {
	userID := f.Get("USER_ID")
	if userID == s.self.UserID || f.Source == nil {
		return
	}
	s.reg.Touch(userID, time.Now())

	fields := wire.NewFields().
		Set("USER_ID", s.self.UserID).
		Set("TO", userID).
		Set("TOKEN", s.mintToken(token.ScopePresence))
	raw, err := wire.Encode(wire.TypePong, fields, nil)
	if err != nil {
		s.log.Warn("encode PONG: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.tr.SendUnicast(ctx, raw, f.Source); err != nil {
		s.log.Warn("send PONG to %v: %v", f.Source, err)
	}
}

func (s *Service) handlePong(f wire.Frame) {
	userID := f.Get("USER_ID")
	if userID == s.self.UserID {
		return
	}
	s.reg.Touch(userID, time.Now())
}

func (s *Service) handleRevoke(f wire.Frame) {
	userID := f.Get("USER_ID")
	if userID == s.self.UserID {
		return
	}
	s.reg.Revoke(userID)
	s.revocation.Revoke(userID, time.Now())
	p, _ := s.reg.Get(userID)
	s.bus.Publish(uiadapter.Event{Kind: uiadapter.EventPeerUpdated, Payload: p})
}

func (s *Service) mintToken(scope token.Scope) string {
	return token.Mint(s.self.UserID, scope, s.cfg.TokenTTL, time.Now())
}

func (s *Service) broadcastProfile(ctx context.Context) {
	fields := wire.NewFields().
		Set("USER_ID", s.self.UserID).
		Set("DISPLAY_NAME", s.self.DisplayName).
		Set("STATUS", string(s.self.Status)).
		Set("TOKEN", s.mintToken(token.ScopeBroadcast))
	raw, err := wire.Encode(wire.TypeProfile, fields, nil)
	if err != nil {
		s.log.Warn("encode PROFILE: %v", err)
		return
	}
	if err := s.tr.SendBroadcast(ctx, raw); err != nil {
		s.log.Warn("broadcast PROFILE: %v", err)
	}
}

func (s *Service) broadcastPing(ctx context.Context) {
	fields := wire.NewFields().
		Set("USER_ID", s.self.UserID).
		Set("TOKEN", s.mintToken(token.ScopePresence))
	raw, err := wire.Encode(wire.TypePing, fields, nil)
	if err != nil {
		s.log.Warn("encode PING: %v", err)
		return
	}
	if err := s.tr.SendBroadcast(ctx, raw); err != nil {
		s.log.Warn("broadcast PING: %v", err)
	}
}

// Run starts the startup burst (immediate PROFILE + PING), the periodic
// PROFILE/PING tickers, and the stale/evict sweep. It blocks until ctx is
// cancelled.
func (s *Service) Run(ctx context.Context) {
	s.broadcastProfile(ctx)
	s.broadcastPing(ctx)

	profileTicker := time.NewTicker(s.cfg.ProfileInterval)
	pingTicker := time.NewTicker(s.cfg.PingInterval)
	sweepTicker := time.NewTicker(s.cfg.StaleThreshold)
	defer profileTicker.Stop()
	defer pingTicker.Stop()
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.broadcastRevoke()
			return
		case <-profileTicker.C:
			s.broadcastProfile(ctx)
		case <-pingTicker.C:
			s.broadcastPing(ctx)
		case <-sweepTicker.C:
			s.sweep()
		}
	}
}

func (s *Service) sweep() {
	deactivated, evicted := s.reg.SweepActivity(time.Now(), s.cfg.StaleThreshold, s.cfg.EvictThreshold)
	for _, uid := range deactivated {
		p, _ := s.reg.Get(uid)
		s.bus.Publish(uiadapter.Event{Kind: uiadapter.EventPeerUpdated, Payload: p})
	}
	for _, uid := range evicted {
		s.bus.Publish(uiadapter.Event{Kind: uiadapter.EventPeerRemoved, Payload: uid})
	}
}

// broadcastRevoke is sent on shutdown (spec §4.6).
func (s *Service) broadcastRevoke() {
	fields := wire.NewFields().Set("USER_ID", s.self.UserID)
	raw, err := wire.Encode(wire.TypeRevoke, fields, nil)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.tr.SendBroadcast(ctx, raw)
}
