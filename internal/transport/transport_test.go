package transport

import (
	"context"
	"net"
	"testing"
	"time"
)

func newTestTransport(t *testing.T, schedule []time.Duration) *Transport {
	t.Helper()
	tr, err := New(Options{Port: 0, RetrySchedule: schedule})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestSendReliableAckedDischarges(t *testing.T) {
	tr := newTestTransport(t, []time.Duration{50 * time.Millisecond, 100 * time.Millisecond})
	dest := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: tr.LocalAddr().Port}

	result := tr.SendReliable(context.Background(), "m1", []byte("hello"), dest)
	tr.HandleAck("m1", dest)

	select {
	case res := <-result:
		if res != Acked {
			t.Errorf("result = %v, want Acked", res)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery result")
	}
}

func TestSendReliableExhaustsToFailed(t *testing.T) {
	tr := newTestTransport(t, []time.Duration{10 * time.Millisecond, 10 * time.Millisecond})
	// Send to a port nobody is listening on; no ACK will ever arrive.
	dest := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1}

	result := tr.SendReliable(context.Background(), "m2", []byte("hello"), dest)

	select {
	case res := <-result:
		if res != Failed {
			t.Errorf("result = %v, want Failed", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery result")
	}
}

func TestSendReliableResolvesExactlyOnce(t *testing.T) {
	tr := newTestTransport(t, []time.Duration{10 * time.Millisecond})
	dest := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1}

	result := tr.SendReliable(context.Background(), "m3", []byte("hello"), dest)
	tr.HandleAck("m3", dest) // races the retry-exhaustion path; only one may win
	tr.HandleAck("m3", dest) // duplicate ACK must be a no-op

	count := 0
	for res := range result {
		_ = res
		count++
	}
	if count != 1 {
		t.Errorf("delivery result channel received %d values, want exactly 1", count)
	}
}

func TestSendReliableSameMessageIDDifferentDestinations(t *testing.T) {
	tr := newTestTransport(t, []time.Duration{10 * time.Millisecond, 10 * time.Millisecond})
	live := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: tr.LocalAddr().Port}
	dead := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1}

	// Group fan-out reuses one MESSAGE_ID across recipients; the pending
	// map must key on destination too or the two sends collide.
	toLive := tr.SendReliable(context.Background(), "shared", []byte("hello"), live)
	toDead := tr.SendReliable(context.Background(), "shared", []byte("hello"), dead)
	tr.HandleAck("shared", live)

	select {
	case res := <-toLive:
		if res != Acked {
			t.Errorf("toLive result = %v, want Acked", res)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for toLive result")
	}
	select {
	case res := <-toDead:
		if res != Failed {
			t.Errorf("toDead result = %v, want Failed", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for toDead result")
	}
}

func TestDirectedBroadcastFallsBackToLimitedBroadcast(t *testing.T) {
	bc := directedBroadcast(net.ParseIP("203.0.113.250")) // not a local interface address
	if !bc.Equal(net.IPv4bcast) {
		t.Errorf("directedBroadcast() = %v, want fallback %v", bc, net.IPv4bcast)
	}
}
