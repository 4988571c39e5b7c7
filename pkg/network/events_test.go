package network

import (
	"context"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

func TestDispatcherKeepsOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := newDispatcher(1)
	go d.run(ctx)

	// Publish more than the channel buffer before anyone reads
	for i := 0; i < 20; i++ {
		d.publish(Event{Type: EventMessageReceived, Peer: peer.ID(rune('a' + i))})
	}

	for i := 0; i < 20; i++ {
		select {
		case ev := <-d.out:
			if want := peer.ID(rune('a' + i)); ev.Peer != want {
				t.Fatalf("event %d: expected peer %s, got %s", i, want, ev.Peer)
			}
			if ev.Time.IsZero() {
				t.Fatal("publish should stamp the event time")
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestDispatcherClosesOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := newDispatcher(4)
	go d.run(ctx)

	cancel()

	select {
	case _, ok := <-d.out:
		if ok {
			t.Fatal("expected no events")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event channel was not closed")
	}
}

func TestEventTypeString(t *testing.T) {
	tests := map[EventType]string{
		EventMessageReceived:  "message_received",
		EventMessageSent:      "message_sent",
		EventSendFailed:       "send_failed",
		EventPeerConnected:    "peer_connected",
		EventPeerDisconnected: "peer_disconnected",
		EventType(0):          "unknown",
	}
	for typ, want := range tests {
		if got := typ.String(); got != want {
			t.Errorf("%d: expected %q, got %q", typ, want, got)
		}
	}
}
