package filetransfer

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/lsnp/lsnp/internal/dedupe"
	"github.com/lsnp/lsnp/internal/messaging"
	"github.com/lsnp/lsnp/internal/router"
	"github.com/lsnp/lsnp/internal/token"
	"github.com/lsnp/lsnp/internal/transport"
	"github.com/lsnp/lsnp/internal/uiadapter"
)

type node struct {
	userID string
	tr     *transport.Transport
	ft     *Service
	bus    *uiadapter.Bus
}

// newNode wires a transport+router+messaging+filetransfer stack. peerPort
// must be the real listener's ephemeral port for the frames to actually
// reach it in a test, since production addressing assumes one well-known
// shared port across the LAN.
func newNode(t *testing.T, userID string, peerPort, chunkSize, window int) *node {
	t.Helper()
	tr, err := transport.New(transport.Options{Port: 0})
	if err != nil {
		t.Fatalf("transport.New() error = %v", err)
	}
	t.Cleanup(func() { tr.Close() })

	checker := token.NewChecker(token.NewRevocationSet(time.Hour))
	r := router.New(dedupe.New(dedupe.DefaultCap, dedupe.DefaultTTL), checker)
	bus := uiadapter.NewBus()

	msg := messaging.New(userID, tr, bus, time.Hour)
	ft := New(userID, peerPort, tr, bus, time.Hour, chunkSize, window)
	msg.RegisterHandlers(r)
	ft.RegisterHandlers(r)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go tr.Run(ctx)
	go router.Run(ctx, tr, r)

	return &node{userID: userID, tr: tr, ft: ft, bus: bus}
}

func waitForEvent(t *testing.T, bus *uiadapter.Bus, kind uiadapter.EventKind, timeout time.Duration) uiadapter.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case e := <-bus.Events():
			if e.Kind == kind {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

// TestFileTransferRoundTripByteIdentical runs the file-transfer scenario
// without any dropped datagram: A offers a file with CHUNK_SIZE small enough
// to force several chunks, B accepts, and the assembled file on B's side
// must equal A's input byte-for-byte.
func TestFileTransferRoundTripByteIdentical(t *testing.T) {
	bob, err := transport.New(transport.Options{Port: 0})
	if err != nil {
		t.Fatalf("transport.New() error = %v", err)
	}
	t.Cleanup(func() { bob.Close() })

	bobChecker := token.NewChecker(token.NewRevocationSet(time.Hour))
	bobRouter := router.New(dedupe.New(dedupe.DefaultCap, dedupe.DefaultTTL), bobChecker)
	bobBus := uiadapter.NewBus()
	bobMsg := messaging.New("bob@127.0.0.1", bob, bobBus, time.Hour)
	bobFt := New("bob@127.0.0.1", 0, bob, bobBus, time.Hour, 1024, 8)
	bobMsg.RegisterHandlers(bobRouter)
	bobFt.RegisterHandlers(bobRouter)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go bob.Run(ctx)
	go router.Run(ctx, bob, bobRouter)

	alice := newNode(t, "alice@127.0.0.1", bob.LocalAddr().Port, 1024, 8)

	payload := bytes.Repeat([]byte("x"), 3500) // 4 chunks at 1024 bytes
	transferID, result, err := alice.ft.Offer(context.Background(), "bob@127.0.0.1", "notes.txt", payload)
	if err != nil {
		t.Fatalf("Offer() error = %v", err)
	}

	offered := waitForEvent(t, bobBus, uiadapter.EventFileOffered, 3*time.Second)
	fo := offered.Payload.(FileOffered)
	if fo.TransferID != transferID {
		t.Fatalf("offered transfer id = %q, want %q", fo.TransferID, transferID)
	}

	if err := bobFt.Accept(context.Background(), transferID); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}

	select {
	case res := <-result:
		if res != transport.Acked {
			t.Fatalf("offer delivery result = %v, want Acked", res)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for offer delivery result")
	}

	completed := waitForEvent(t, bobBus, uiadapter.EventFileCompleted, 10*time.Second)
	fc := completed.Payload.(FileCompleted)
	if !bytes.Equal(fc.Data, payload) {
		t.Fatalf("assembled file does not match original: got %d bytes, want %d bytes", len(fc.Data), len(payload))
	}

	waitForEvent(t, alice.bus, uiadapter.EventFileCompleted, 10*time.Second)

	tr, ok := alice.ft.Get(transferID)
	if !ok || tr.State != StateCompleted {
		t.Fatalf("sender transfer state = %+v, want completed", tr)
	}
	btr, ok := bobFt.Get(transferID)
	if !ok || btr.State != StateCompleted {
		t.Fatalf("receiver transfer state = %+v, want completed", btr)
	}
}

// TestOfferRejected exercises the REJECT branch: the sender's transfer
// lands in cancelled and the UI is notified.
func TestOfferRejected(t *testing.T) {
	bob, err := transport.New(transport.Options{Port: 0})
	if err != nil {
		t.Fatalf("transport.New() error = %v", err)
	}
	t.Cleanup(func() { bob.Close() })

	bobChecker := token.NewChecker(token.NewRevocationSet(time.Hour))
	bobRouter := router.New(dedupe.New(dedupe.DefaultCap, dedupe.DefaultTTL), bobChecker)
	bobBus := uiadapter.NewBus()
	bobMsg := messaging.New("bob@127.0.0.1", bob, bobBus, time.Hour)
	bobFt := New("bob@127.0.0.1", 0, bob, bobBus, time.Hour, 1024, 8)
	bobMsg.RegisterHandlers(bobRouter)
	bobFt.RegisterHandlers(bobRouter)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go bob.Run(ctx)
	go router.Run(ctx, bob, bobRouter)

	alice := newNode(t, "alice@127.0.0.1", bob.LocalAddr().Port, 1024, 8)

	transferID, _, err := alice.ft.Offer(context.Background(), "bob@127.0.0.1", "secret.txt", []byte("hello"))
	if err != nil {
		t.Fatalf("Offer() error = %v", err)
	}
	waitForEvent(t, bobBus, uiadapter.EventFileOffered, 3*time.Second)

	if err := bobFt.Reject(context.Background(), transferID); err != nil {
		t.Fatalf("Reject() error = %v", err)
	}

	waitForEvent(t, alice.bus, uiadapter.EventFileFailed, 3*time.Second)

	tr, ok := alice.ft.Get(transferID)
	if !ok || tr.State != StateCancelled {
		t.Fatalf("sender transfer state = %+v, want cancelled", tr)
	}
}

func TestSplitChunksAndVerifyChunkHash(t *testing.T) {
	data := bytes.Repeat([]byte("a"), 2500)
	chunks := splitChunks(data, 1024)
	if len(chunks) != 3 {
		t.Fatalf("len(chunks) = %d, want 3", len(chunks))
	}
	if len(chunks[0]) != 1024 || len(chunks[1]) != 1024 || len(chunks[2]) != 452 {
		t.Fatalf("unexpected chunk sizes: %d %d %d", len(chunks[0]), len(chunks[1]), len(chunks[2]))
	}

	reassembled := append(append([]byte{}, chunks[0]...), chunks[1]...)
	reassembled = append(reassembled, chunks[2]...)
	if !bytes.Equal(reassembled, data) {
		t.Fatal("reassembled chunks do not match original data")
	}

	if !verifyChunkHash(chunks[0], hashChunk(chunks[0])) {
		t.Fatal("verifyChunkHash rejected a matching hash")
	}
	if verifyChunkHash(chunks[0], hashChunk(chunks[2])) {
		t.Fatal("verifyChunkHash accepted a mismatched hash")
	}
}
