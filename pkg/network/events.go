package network

import (
	"context"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/ZentaChain/zentalk-p2pmsg/pkg/protocol"
)

// EventType identifies what happened
type EventType uint8

const (
	EventMessageReceived EventType = iota + 1
	EventMessageSent
	EventSendFailed
	EventPeerConnected
	EventPeerDisconnected
)

func (t EventType) String() string {
	switch t {
	case EventMessageReceived:
		return "message_received"
	case EventMessageSent:
		return "message_sent"
	case EventSendFailed:
		return "send_failed"
	case EventPeerConnected:
		return "peer_connected"
	case EventPeerDisconnected:
		return "peer_disconnected"
	default:
		return "unknown"
	}
}

// Event is surfaced to the application through Node.Events
type Event struct {
	Type    EventType
	Peer    peer.ID
	Message protocol.Message // Message events only
	Err     error            // EventSendFailed only
	Time    time.Time
}

// dispatcher decouples publishers (libp2p callbacks, poll loops) from the
// application's consumption rate. Events are never dropped and keep their
// publication order.
type dispatcher struct {
	mu     sync.Mutex
	queue  []Event
	signal chan struct{}
	out    chan Event
}

func newDispatcher(buffer int) *dispatcher {
	return &dispatcher{
		signal: make(chan struct{}, 1),
		out:    make(chan Event, buffer),
	}
}

func (d *dispatcher) publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	d.mu.Lock()
	d.queue = append(d.queue, ev)
	d.mu.Unlock()

	select {
	case d.signal <- struct{}{}:
	default:
	}
}

func (d *dispatcher) take() []Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	batch := d.queue
	d.queue = nil
	return batch
}

// run pumps queued events to out until ctx is done, then closes out
func (d *dispatcher) run(ctx context.Context) {
	defer close(d.out)

	for {
		for _, ev := range d.take() {
			select {
			case d.out <- ev:
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-d.signal:
		case <-ctx.Done():
			return
		}
	}
}
