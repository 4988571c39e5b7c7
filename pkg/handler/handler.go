// Package handler implements the per-connection protocol handler.
//
// A Handler owns the event queue of one connection. The connection runtime
// feeds it through the Notify methods and drains it with Poll, which turns
// each queued event into an instruction for the runtime. Events are
// delivered strictly in the order they were queued.
package handler

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/ZentaChain/zentalk-p2pmsg/pkg/protocol"
)

var (
	ErrHandlerClosed = errors.New("handler closed")
)

// EventKind tags a queued handler event
type EventKind uint8

const (
	// InboundReceived: a frame was read from an inbound substream
	InboundReceived EventKind = iota + 1
	// OutboundRequest: the local side wants to send a message
	OutboundRequest
	// SendFailed: an outbound attempt was cancelled by a negotiation error
	SendFailed
)

func (k EventKind) String() string {
	switch k {
	case InboundReceived:
		return "inbound_received"
	case OutboundRequest:
		return "outbound_request"
	case SendFailed:
		return "send_failed"
	default:
		return "unknown"
	}
}

// Event is a queued handler event
type Event struct {
	Kind    EventKind
	Message protocol.Message
	Err     error // set for SendFailed
}

// Action tells the connection runtime what to do with a polled event
type Action uint8

const (
	// OpenOutbound: open a substream, negotiate ProtocolID and send Message
	OpenOutbound Action = iota + 1
	// DeliverUpward: hand Message to the application
	DeliverUpward
	// ReportFailure: tell the application Message could not be sent
	ReportFailure
)

func (a Action) String() string {
	switch a {
	case OpenOutbound:
		return "open_outbound"
	case DeliverUpward:
		return "deliver_upward"
	case ReportFailure:
		return "report_failure"
	default:
		return "unknown"
	}
}

// Instruction is the runtime-level form of one event
type Instruction struct {
	Action  Action
	Message protocol.Message
	Err     error
}

// KeepAlive tells the runtime whether to keep an idle connection open
type KeepAlive bool

const (
	KeepAliveYes KeepAlive = true
	KeepAliveNo  KeepAlive = false
)

// State is derived from queue occupancy
type State uint8

const (
	Idle State = iota
	HasPendingEvent
)

func (s State) String() string {
	if s == HasPendingEvent {
		return "has_pending_event"
	}
	return "idle"
}

// Handler is the protocol handler of one connection
type Handler struct {
	mu     sync.Mutex
	queue  []Event
	closed bool

	wake chan struct{}
}

// New creates an idle handler
func New() *Handler {
	return &Handler{
		wake: make(chan struct{}, 1),
	}
}

// NotifySend queues a request to send msg on this connection
func (h *Handler) NotifySend(msg protocol.Message) error {
	return h.push(Event{Kind: OutboundRequest, Message: msg})
}

// NotifyInboundReceived queues a message read from a fully negotiated
// inbound substream
func (h *Handler) NotifyInboundReceived(data []byte) error {
	return h.push(Event{Kind: InboundReceived, Message: protocol.Message{Data: data}})
}

// NotifyNegotiationError cancels the send attempt for msg. Nothing is
// retried; the failure is queued so the runtime can surface it. Other queued
// events are untouched.
func (h *Handler) NotifyNegotiationError(msg protocol.Message, err error) error {
	log.Warn().Err(err).Int("bytes", msg.Len()).Msg("outbound substream failed, send cancelled")
	return h.push(Event{Kind: SendFailed, Message: msg, Err: err})
}

// Poll removes the oldest queued event and returns it as an instruction.
// It returns false when there is no work; the caller should then wait on
// Wake before polling again.
func (h *Handler) Poll() (Instruction, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.queue) == 0 {
		return Instruction{}, false
	}

	ev := h.queue[0]
	h.queue[0] = Event{}
	h.queue = h.queue[1:]
	if len(h.queue) == 0 {
		h.queue = nil
	}

	return translate(ev), true
}

// Wake is signalled after every successful Notify call
func (h *Handler) Wake() <-chan struct{} {
	return h.wake
}

// KeepAlive always asks the runtime to keep the connection open
func (h *Handler) KeepAlive() KeepAlive {
	return KeepAliveYes
}

// Len returns the number of queued events
func (h *Handler) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.queue)
}

// State returns Idle for an empty queue and HasPendingEvent otherwise
func (h *Handler) State() State {
	if h.Len() == 0 {
		return Idle
	}
	return HasPendingEvent
}

// Close destroys the handler and returns the events that were never
// polled, oldest first. Later Notify calls fail with ErrHandlerClosed.
func (h *Handler) Close() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true

	pending := h.queue
	h.queue = nil
	return pending
}

func (h *Handler) push(ev Event) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHandlerClosed
	}
	h.queue = append(h.queue, ev)
	h.mu.Unlock()

	select {
	case h.wake <- struct{}{}:
	default:
	}

	return nil
}

func translate(ev Event) Instruction {
	switch ev.Kind {
	case OutboundRequest:
		return Instruction{Action: OpenOutbound, Message: ev.Message}
	case InboundReceived:
		return Instruction{Action: DeliverUpward, Message: ev.Message}
	default:
		return Instruction{Action: ReportFailure, Message: ev.Message, Err: ev.Err}
	}
}
