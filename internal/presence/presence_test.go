package presence

import (
	"net"
	"testing"
	"time"

	"github.com/lsnp/lsnp/internal/config"
	"github.com/lsnp/lsnp/internal/dedupe"
	"github.com/lsnp/lsnp/internal/registry"
	"github.com/lsnp/lsnp/internal/router"
	"github.com/lsnp/lsnp/internal/token"
	"github.com/lsnp/lsnp/internal/transport"
	"github.com/lsnp/lsnp/internal/uiadapter"
	"github.com/lsnp/lsnp/internal/wire"
)

func newTestService(t *testing.T) (*Service, *router.Router, *registry.Registry) {
	t.Helper()
	tr, err := transport.New(transport.Options{Port: 0})
	if err != nil {
		t.Fatalf("transport.New() error = %v", err)
	}
	t.Cleanup(func() { tr.Close() })

	reg := registry.New()
	revocation := token.NewRevocationSet(time.Hour)
	checker := token.NewChecker(revocation)
	r := router.New(dedupe.New(dedupe.DefaultCap, dedupe.DefaultTTL), checker)
	bus := uiadapter.NewBus()
	cfg := config.Default()

	self := Self{UserID: "alice@127.0.0.1", DisplayName: "Alice", Status: "online"}
	svc := New(self, reg, revocation, tr, bus, cfg)
	svc.RegisterHandlers(r)
	return svc, r, reg
}

func profileFrom(userID, displayName string) transport.Inbound {
	ip, _ := splitUserID(userID)
	fields := wire.NewFields().
		Set("USER_ID", userID).
		Set("DISPLAY_NAME", displayName).
		Set("STATUS", "online").
		Set("TOKEN", token.Mint(userID, token.ScopeBroadcast, time.Hour, time.Now()))
	raw, _ := wire.Encode(wire.TypeProfile, fields, nil)
	return transport.Inbound{Data: raw, Addr: &net.UDPAddr{IP: net.ParseIP(ip), Port: 50999}}
}

func splitUserID(userID string) (ip string, ok bool) {
	for i := len(userID) - 1; i >= 0; i-- {
		if userID[i] == '@' {
			return userID[i+1:], true
		}
	}
	return "", false
}

func TestHandleProfileCreatesPeerAndPublishesPeerAdded(t *testing.T) {
	svc, r, reg := newTestService(t)
	r.Dispatch(profileFrom("bob@10.0.0.5", "Bob"))

	p, ok := reg.Get("bob@10.0.0.5")
	if !ok {
		t.Fatal("expected peer to be created")
	}
	if p.DisplayName != "Bob" {
		t.Errorf("DisplayName = %q, want Bob", p.DisplayName)
	}

	select {
	case ev := <-svc.bus.Events():
		if ev.Kind != uiadapter.EventPeerAdded {
			t.Errorf("event kind = %v, want peer_added", ev.Kind)
		}
	default:
		t.Fatal("expected a peer_added event")
	}
}

func TestHandlePingSendsPong(t *testing.T) {
	svc, r, _ := newTestService(t)

	listener, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP() error = %v", err)
	}
	defer listener.Close()

	userID := "carol@127.0.0.1"
	fields := wire.NewFields().
		Set("USER_ID", userID).
		Set("TOKEN", token.Mint(userID, token.ScopePresence, time.Hour, time.Now()))
	raw, _ := wire.Encode(wire.TypePing, fields, nil)

	addr := listener.LocalAddr().(*net.UDPAddr)
	r.Dispatch(transport.Inbound{Data: raw, Addr: addr})

	listener.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1024)
	n, _, err := listener.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("expected a PONG reply, got error: %v", err)
	}
	frame, err := wire.Decode(buf[:n])
	if err != nil {
		t.Fatalf("decode PONG: %v", err)
	}
	if frame.Type != wire.TypePong {
		t.Errorf("type = %v, want PONG", frame.Type)
	}
	if frame.Get("USER_ID") != svc.self.UserID {
		t.Errorf("USER_ID = %q, want %q", frame.Get("USER_ID"), svc.self.UserID)
	}
}

func TestHandleRevokeMarksInactiveAndRevokesToken(t *testing.T) {
	svc, r, reg := newTestService(t)
	r.Dispatch(profileFrom("dave@10.0.0.9", "Dave"))

	fields := wire.NewFields().Set("USER_ID", "dave@10.0.0.9")
	raw, _ := wire.Encode(wire.TypeRevoke, fields, nil)
	r.Dispatch(transport.Inbound{Data: raw, Addr: &net.UDPAddr{IP: net.ParseIP("10.0.0.9"), Port: 50999}})

	p, ok := reg.Get("dave@10.0.0.9")
	if !ok {
		t.Fatal("expected peer to remain in registry after revoke")
	}
	if p.Active {
		t.Error("expected peer to be inactive after REVOKE")
	}
	if !svc.revocation.IsRevoked("dave@10.0.0.9", time.Now()) {
		t.Error("expected revocation set to contain the revoked user")
	}
}

func TestOnAuthenticFrameTouchesRegistryForNonPresenceFrames(t *testing.T) {
	svc, r, reg := newTestService(t)

	tok := token.Mint("erin@10.0.0.3", token.ScopeChat, time.Hour, time.Now())
	fields := wire.NewFields().
		Set("MESSAGE_ID", "m1").
		Set("FROM", "erin@10.0.0.3").
		Set("TO", svc.self.UserID).
		Set("TOKEN", tok)
	raw, _ := wire.Encode(wire.TypeChat, fields, []byte("hi"))

	r.Register(wire.TypeChat, func(f wire.Frame) {})
	r.Dispatch(transport.Inbound{Data: raw, Addr: &net.UDPAddr{IP: net.ParseIP("10.0.0.3"), Port: 50999}})

	if _, ok := reg.Get("erin@10.0.0.3"); !ok {
		t.Error("expected a CHAT frame to touch the registry via OnAuthenticFrame")
	}
}
