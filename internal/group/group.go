// Package group implements group creation, membership, and group chat
// fan-out (spec §4.7, §9: group ids embed their creator so collisions are
// structurally impossible).
package group

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/lsnp/lsnp/internal/ids"
	"github.com/lsnp/lsnp/internal/logger"
	"github.com/lsnp/lsnp/internal/lsnperr"
	"github.com/lsnp/lsnp/internal/registry"
	"github.com/lsnp/lsnp/internal/router"
	"github.com/lsnp/lsnp/internal/token"
	"github.com/lsnp/lsnp/internal/transport"
	"github.com/lsnp/lsnp/internal/uiadapter"
	"github.com/lsnp/lsnp/internal/wire"
)

// Group is a named set of members with a single creator-authority owner
// (spec §3, §4.7: membership changes are only valid from GROUP_ID's creator).
type Group struct {
	GroupID string
	Name    string
	Creator string
	Members map[string]bool
	Updated time.Time
}

func (g Group) memberList() []string {
	out := make([]string, 0, len(g.Members))
	for m := range g.Members {
		out = append(out, m)
	}
	return out
}

// Service owns the local mirror of every known group and the per-member
// GROUP_CHAT fan-out.
type Service struct {
	selfUserID string
	peerPort   int
	reg        *registry.Registry
	tr         *transport.Transport
	bus        *uiadapter.Bus
	tokenTTL   time.Duration
	log        *logger.Logger

	mu     sync.Mutex
	groups map[string]*Group
}

// New creates a group service for the given local identity. peerPort is the
// well-known LSNP port every peer listens on (spec §6.3): UserIDs carry only
// an IP, so unicast addressing assumes one shared port across the LAN.
func New(selfUserID string, peerPort int, reg *registry.Registry, tr *transport.Transport, bus *uiadapter.Bus, tokenTTL time.Duration) *Service {
	return &Service{
		selfUserID: selfUserID,
		peerPort:   peerPort,
		reg:        reg,
		tr:         tr,
		bus:        bus,
		tokenTTL:   tokenTTL,
		log:        logger.New("group"),
		groups:     make(map[string]*Group),
	}
}

// RegisterHandlers installs GROUP_UPDATE/GROUP_CHAT handlers. ACK frames for
// group chat deliveries are matched by the shared transport's pending-send
// table and handled by messaging.Service's ACK registration; callers must
// wire messaging alongside group for group chat delivery results to resolve.
func (s *Service) RegisterHandlers(r *router.Router) {
	r.Register(wire.TypeGroupUpdate, s.handleGroupUpdate)
	r.Register(wire.TypeGroupChat, s.handleGroupChat)
}

func (s *Service) mintToken(scope token.Scope) string {
	return token.Mint(s.selfUserID, scope, s.tokenTTL, time.Now())
}

// Create mints a new group owned by the local peer and broadcasts the
// initial GROUP_UPDATE.
func (s *Service) Create(ctx context.Context, name string, members []string) (string, error) {
	groupID := ids.NewGroupID(s.selfUserID)
	memberSet := map[string]bool{s.selfUserID: true}
	for _, m := range members {
		memberSet[m] = true
	}

	s.mu.Lock()
	s.groups[groupID] = &Group{GroupID: groupID, Name: name, Creator: s.selfUserID, Members: memberSet, Updated: time.Now()}
	s.mu.Unlock()

	return groupID, s.broadcastUpdate(ctx, groupID)
}

// UpdateMembers replaces a group's membership. Only the creator may call
// this with effect; a non-creator's GROUP_UPDATE is accepted on the wire but
// ignored locally (spec §4.7 membership authority).
func (s *Service) UpdateMembers(ctx context.Context, groupID string, members []string) error {
	s.mu.Lock()
	g, ok := s.groups[groupID]
	if !ok || g.Creator != s.selfUserID {
		s.mu.Unlock()
		return nil
	}
	memberSet := map[string]bool{s.selfUserID: true}
	for _, m := range members {
		memberSet[m] = true
	}
	g.Members = memberSet
	g.Updated = time.Now()
	s.mu.Unlock()

	return s.broadcastUpdate(ctx, groupID)
}

func (s *Service) broadcastUpdate(ctx context.Context, groupID string) error {
	s.mu.Lock()
	g := *s.groups[groupID]
	s.mu.Unlock()

	fields := wire.NewFields().
		Set("GROUP_ID", g.GroupID).
		Set("CREATOR", g.Creator).
		Set("MEMBERS", strings.Join(g.memberList(), ",")).
		Set("NAME", g.Name).
		Set("TOKEN", s.mintToken(token.ScopeBroadcast))
	raw, err := wire.Encode(wire.TypeGroupUpdate, fields, nil)
	if err != nil {
		return err
	}
	return s.tr.SendBroadcast(ctx, raw)
}

// handleGroupUpdate mirrors an incoming membership change with
// last-writer-wins semantics, but only from the group's creator (spec §4.7).
func (s *Service) handleGroupUpdate(f wire.Frame) {
	groupID := f.Get("GROUP_ID")
	creator := f.Get("CREATOR")
	if ids.GroupCreator(groupID) != "" && ids.GroupCreator(groupID) != creator {
		s.log.Debug("drop: GROUP_UPDATE creator %q doesn't match group_id authority", creator)
		return
	}

	members := map[string]bool{}
	for _, m := range strings.Split(f.Get("MEMBERS"), ",") {
		if m != "" {
			members[m] = true
		}
	}
	now := time.Now()

	s.mu.Lock()
	existing, ok := s.groups[groupID]
	if ok && existing.Creator != creator {
		s.mu.Unlock()
		s.log.Debug("drop: GROUP_UPDATE from non-authoritative creator for %s", groupID)
		return
	}
	if ok && now.Before(existing.Updated) {
		s.mu.Unlock()
		return
	}
	s.groups[groupID] = &Group{GroupID: groupID, Name: f.Get("NAME"), Creator: creator, Members: members, Updated: now}
	isMember := members[s.selfUserID]
	s.mu.Unlock()

	if isMember {
		s.bus.Publish(uiadapter.Event{Kind: uiadapter.EventGroupMessageReceived, Payload: GroupUpdateApplied{GroupID: groupID, Name: f.Get("NAME"), Members: members}})
	}
}

// GroupUpdateApplied is the payload of an EventGroupMessageReceived event
// raised for a membership change (as distinct from a chat message).
type GroupUpdateApplied struct {
	GroupID string
	Name    string
	Members map[string]bool
}

// SendGroupChat fans content out as one GROUP_CHAT per member (excluding the
// sender), reusing the same MESSAGE_ID on every recipient frame (spec §4.8's
// wire table), each with its own ACK + retry. The group send as a whole is
// considered delivered if any recipient acks, and failed only if every
// recipient fails. Reusing one MESSAGE_ID across concurrent unicast sends to
// distinct destinations is safe because the transport's pending-send table
// keys on (destination, MESSAGE_ID), not MESSAGE_ID alone.
func (s *Service) SendGroupChat(ctx context.Context, groupID, content string) (string, <-chan transport.DeliveryResult) {
	groupMessageID := ids.NewMessageID()

	s.mu.Lock()
	g, ok := s.groups[groupID]
	var recipients []string
	if ok {
		for m := range g.Members {
			if m != s.selfUserID {
				recipients = append(recipients, m)
			}
		}
	}
	s.mu.Unlock()

	out := make(chan transport.DeliveryResult, 1)
	if !ok || len(recipients) == 0 {
		out <- transport.Failed
		close(out)
		return groupMessageID, out
	}

	results := make([]<-chan transport.DeliveryResult, 0, len(recipients))
	for _, member := range recipients {
		dest := s.resolveAddr(member)
		if dest == nil {
			s.log.Warn("group %s member %s: %v", groupID, member, lsnperr.ErrUnknownPeer)
			continue
		}
		fields := wire.NewFields().
			Set("MESSAGE_ID", groupMessageID).
			Set("GROUP_ID", groupID).
			Set("FROM", s.selfUserID).
			Set("TO", member).
			Set("TOKEN", s.mintToken(token.ScopeChat))
		raw, err := wire.Encode(wire.TypeGroupChat, fields, []byte(content))
		if err != nil {
			s.log.Warn("encode GROUP_CHAT: %v", err)
			continue
		}
		results = append(results, s.tr.SendReliable(ctx, groupMessageID, raw, dest))
	}

	if len(results) == 0 {
		out <- transport.Failed
		close(out)
		return groupMessageID, out
	}

	go func() {
		anyAcked := false
		for _, r := range results {
			if <-r == transport.Acked {
				anyAcked = true
			}
		}
		if anyAcked {
			out <- transport.Acked
		} else {
			out <- transport.Failed
		}
		close(out)
	}()
	return groupMessageID, out
}

func (s *Service) resolveAddr(userID string) *net.UDPAddr {
	_, ip, ok := strings.Cut(userID, "@")
	if !ok {
		return nil
	}
	return &net.UDPAddr{IP: net.ParseIP(ip), Port: s.peerPort}
}

// handleGroupChat replies with an ACK carrying the same MESSAGE_ID the
// frame arrived with; the sender's transport matches it against the pending
// entry it registered for this (destination, MESSAGE_ID) pair in
// SendGroupChat.
func (s *Service) handleGroupChat(f wire.Frame) {
	groupID := f.Get("GROUP_ID")
	to := f.Get("TO")
	if to != s.selfUserID {
		return
	}

	ackFields := wire.NewFields().Set("MESSAGE_ID", f.Get("MESSAGE_ID"))
	raw, err := wire.Encode(wire.TypeAck, ackFields, nil)
	if err == nil && f.Source != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		s.tr.SendUnicast(ctx, raw, f.Source)
		cancel()
	}

	s.bus.Publish(uiadapter.Event{Kind: uiadapter.EventGroupMessageReceived, Payload: GroupChatReceived{
		GroupID:   groupID,
		MessageID: f.Get("MESSAGE_ID"),
		From:      f.Get("FROM"),
		Content:   string(f.Body),
		Received:  time.Now(),
	}})
}

// GroupChatReceived is the payload of an EventGroupMessageReceived event
// raised for an actual chat message (as distinct from a membership change).
type GroupChatReceived struct {
	GroupID   string
	MessageID string
	From      string
	Content   string
	Received  time.Time
}

// Get returns a snapshot of a known group.
func (s *Service) Get(groupID string) (Group, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	if !ok {
		return Group{}, false
	}
	return *g, true
}
