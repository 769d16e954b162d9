// Package messaging implements direct chat, posts, and likes (spec §4.7,
// §4.8): CHAT/ACK over the reliable-send discipline, and best-effort
// broadcast POST/LIKE with an append-only timeline.
package messaging

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/lsnp/lsnp/internal/ids"
	"github.com/lsnp/lsnp/internal/logger"
	"github.com/lsnp/lsnp/internal/lsnperr"
	"github.com/lsnp/lsnp/internal/router"
	"github.com/lsnp/lsnp/internal/token"
	"github.com/lsnp/lsnp/internal/transport"
	"github.com/lsnp/lsnp/internal/uiadapter"
	"github.com/lsnp/lsnp/internal/wire"
)

// DeliveryState tracks a sent chat message's outcome (spec invariant iii).
type DeliveryState string

const (
	Pending DeliveryState = "pending"
	Acked   DeliveryState = "acked"
	Failed  DeliveryState = "failed"
)

// Post is a broadcast timeline entry (spec §3).
type Post struct {
	PostID  string
	From    string
	Content string
	Posted  time.Time
	Likes   map[string]bool // liker user_id -> liked
}

// Service owns outbound chat delivery bookkeeping and the local post timeline.
type Service struct {
	selfUserID string
	tr         *transport.Transport
	bus        *uiadapter.Bus
	tokenTTL   time.Duration
	log        *logger.Logger

	mu         sync.Mutex
	deliveries map[string]DeliveryState // message_id -> state
	posts      map[string]*Post         // post_id -> post
}

// New creates a messaging service for the given local identity.
func New(selfUserID string, tr *transport.Transport, bus *uiadapter.Bus, tokenTTL time.Duration) *Service {
	return &Service{
		selfUserID: selfUserID,
		tr:         tr,
		bus:        bus,
		tokenTTL:   tokenTTL,
		log:        logger.New("messaging"),
		deliveries: make(map[string]DeliveryState),
		posts:      make(map[string]*Post),
	}
}

// RegisterHandlers installs CHAT/ACK/POST/LIKE handlers.
func (s *Service) RegisterHandlers(r *router.Router) {
	r.Register(wire.TypeChat, s.handleChat)
	r.Register(wire.TypeAck, s.handleAck)
	r.Register(wire.TypePost, s.handlePost)
	r.Register(wire.TypeLike, s.handleLike)
}

func (s *Service) mintToken(scope token.Scope) string {
	return token.Mint(s.selfUserID, scope, s.tokenTTL, time.Now())
}

// SendChat delivers content to toUserID at dest with ACK + retry (spec
// §4.7). The returned channel resolves exactly once (acked or failed).
func (s *Service) SendChat(ctx context.Context, toUserID string, dest *net.UDPAddr, content string) (string, <-chan transport.DeliveryResult) {
	messageID := ids.NewMessageID()
	fields := wire.NewFields().
		Set("MESSAGE_ID", messageID).
		Set("FROM", s.selfUserID).
		Set("TO", toUserID).
		Set("TOKEN", s.mintToken(token.ScopeChat))
	raw, err := wire.Encode(wire.TypeChat, fields, []byte(content))
	if err != nil {
		s.log.Warn("encode CHAT: %v", err)
		ch := make(chan transport.DeliveryResult, 1)
		ch <- transport.Failed
		close(ch)
		return messageID, ch
	}

	s.mu.Lock()
	s.deliveries[messageID] = Pending
	s.mu.Unlock()

	result := s.tr.SendReliable(ctx, messageID, raw, dest)
	out := make(chan transport.DeliveryResult, 1)
	go func() {
		res := <-result
		s.mu.Lock()
		if res == transport.Acked {
			s.deliveries[messageID] = Acked
		} else {
			s.deliveries[messageID] = Failed
			s.log.Debug("chat %s to %s: %v", messageID, toUserID, lsnperr.ErrDeliveryFailed)
		}
		s.mu.Unlock()
		s.bus.Publish(uiadapter.Event{Kind: uiadapter.EventDMDeliveryChanged, Payload: DeliveryUpdate{
			MessageID: messageID,
			To:        toUserID,
			State:     s.deliveries[messageID],
		}})
		out <- res
		close(out)
	}()
	return messageID, out
}

// DeliveryUpdate is the payload of an EventDMDeliveryChanged event.
type DeliveryUpdate struct {
	MessageID string
	To        string
	State     DeliveryState
}

func (s *Service) handleChat(f wire.Frame) {
	from := f.Get("FROM")
	to := f.Get("TO")
	if to != s.selfUserID {
		return
	}

	fields := wire.NewFields().Set("MESSAGE_ID", f.Get("MESSAGE_ID"))
	raw, err := wire.Encode(wire.TypeAck, fields, nil)
	if err == nil && f.Source != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		s.tr.SendUnicast(ctx, raw, f.Source)
		cancel()
	}

	s.bus.Publish(uiadapter.Event{Kind: uiadapter.EventDMReceived, Payload: ChatReceived{
		MessageID: f.Get("MESSAGE_ID"),
		From:      from,
		Content:   string(f.Body),
		Received:  time.Now(),
	}})
}

// ChatReceived is the payload of an EventDMReceived event.
type ChatReceived struct {
	MessageID string
	From      string
	Content   string
	Received  time.Time
}

func (s *Service) handleAck(f wire.Frame) {
	s.tr.HandleAck(f.Get("MESSAGE_ID"), f.Source)
}

// Publish broadcasts content as a new POST (spec §4.8). Best-effort, no ACK.
func (s *Service) Publish(ctx context.Context, content string) (string, error) {
	postID := ids.NewPostID()
	fields := wire.NewFields().
		Set("POST_ID", postID).
		Set("FROM", s.selfUserID).
		Set("TOKEN", s.mintToken(token.ScopeBroadcast))
	raw, err := wire.Encode(wire.TypePost, fields, []byte(content))
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.posts[postID] = &Post{PostID: postID, From: s.selfUserID, Content: content, Posted: time.Now(), Likes: map[string]bool{}}
	s.mu.Unlock()

	return postID, s.tr.SendBroadcast(ctx, raw)
}

func (s *Service) handlePost(f wire.Frame) {
	postID := f.Get("POST_ID")
	from := f.Get("FROM")

	s.mu.Lock()
	if _, exists := s.posts[postID]; !exists {
		s.posts[postID] = &Post{PostID: postID, From: from, Content: string(f.Body), Posted: time.Now(), Likes: map[string]bool{}}
	}
	p := *s.posts[postID]
	s.mu.Unlock()

	s.bus.Publish(uiadapter.Event{Kind: uiadapter.EventPostReceived, Payload: p})
}

// Like broadcasts a LIKE for postID (spec §4.8). Set semantics: liking twice
// has no additional effect.
func (s *Service) Like(ctx context.Context, postID string) error {
	fields := wire.NewFields().
		Set("POST_ID", postID).
		Set("FROM", s.selfUserID).
		Set("TOKEN", s.mintToken(token.ScopeBroadcast))
	raw, err := wire.Encode(wire.TypeLike, fields, nil)
	if err != nil {
		return err
	}
	return s.tr.SendBroadcast(ctx, raw)
}

func (s *Service) handleLike(f wire.Frame) {
	postID := f.Get("POST_ID")
	liker := f.Get("FROM")

	s.mu.Lock()
	p, ok := s.posts[postID]
	if ok {
		p.Likes[liker] = true
	}
	s.mu.Unlock()

	if !ok {
		// LIKE for a post this peer hasn't seen yet (out-of-order broadcast
		// delivery). Accepted per spec §4.8 but has nowhere to attach yet.
		return
	}
	s.bus.Publish(uiadapter.Event{Kind: uiadapter.EventLikeReceived, Payload: LikeReceived{PostID: postID, Liker: liker}})
}

// LikeReceived is the payload of an EventLikeReceived event.
type LikeReceived struct {
	PostID string
	Liker  string
}

// Posts returns a snapshot of the local timeline.
func (s *Service) Posts() []Post {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Post, 0, len(s.posts))
	for _, p := range s.posts {
		out = append(out, *p)
	}
	return out
}

// DeliveryStateOf reports the current state of a sent chat message.
func (s *Service) DeliveryStateOf(messageID string) (DeliveryState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.deliveries[messageID]
	return st, ok
}
