package messaging

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/lsnp/lsnp/internal/dedupe"
	"github.com/lsnp/lsnp/internal/router"
	"github.com/lsnp/lsnp/internal/token"
	"github.com/lsnp/lsnp/internal/transport"
	"github.com/lsnp/lsnp/internal/uiadapter"
)

func newNode(t *testing.T, userID string) (*Service, *transport.Transport) {
	t.Helper()
	tr, err := transport.New(transport.Options{Port: 0})
	if err != nil {
		t.Fatalf("transport.New() error = %v", err)
	}
	t.Cleanup(func() { tr.Close() })

	checker := token.NewChecker(token.NewRevocationSet(time.Hour))
	r := router.New(dedupe.New(dedupe.DefaultCap, dedupe.DefaultTTL), checker)
	bus := uiadapter.NewBus()
	svc := New(userID, tr, bus, time.Hour)
	svc.RegisterHandlers(r)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go tr.Run(ctx)
	go router.Run(ctx, tr, r)

	return svc, tr
}

func TestSendChatRoundTripsToAck(t *testing.T) {
	alice, _ := newNode(t, "alice@127.0.0.1")
	_, bobTr := newNode(t, "bob@127.0.0.1")

	dest := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: bobTr.LocalAddr().Port}

	_, result := alice.SendChat(context.Background(), "bob@127.0.0.1", dest, "hi bob")
	select {
	case res := <-result:
		if res != transport.Acked {
			t.Errorf("delivery result = %v, want Acked", res)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for ACK round trip")
	}
}

func TestPublishAndLikeSetSemantics(t *testing.T) {
	svc, _ := newNode(t, "carol@127.0.0.1")
	ctx := context.Background()

	postID, err := svc.Publish(ctx, "hello world")
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	if err := svc.Like(ctx, postID); err != nil {
		t.Fatalf("Like() error = %v", err)
	}
	if err := svc.Like(ctx, postID); err != nil {
		t.Fatalf("second Like() error = %v", err)
	}

	posts := svc.Posts()
	if len(posts) != 1 {
		t.Fatalf("len(posts) = %d, want 1", len(posts))
	}
	if posts[0].PostID != postID {
		t.Errorf("PostID = %q, want %q", posts[0].PostID, postID)
	}
}
