package network

import (
	"context"
	"errors"

	libp2pnet "github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/rs/zerolog/log"

	"github.com/ZentaChain/zentalk-p2pmsg/pkg/handler"
	"github.com/ZentaChain/zentalk-p2pmsg/pkg/protocol"
)

var (
	ErrConnectionClosed = errors.New("connection closed")
)

// connection binds one libp2p connection to its protocol handler
type connection struct {
	id      string
	peer    peer.ID
	handler *handler.Handler

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newConnection(parent context.Context, conn libp2pnet.Conn) *connection {
	ctx, cancel := context.WithCancel(parent)
	return &connection{
		id:      conn.ID(),
		peer:    conn.RemotePeer(),
		handler: handler.New(),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// run drives the handler: it polls until the queue is empty, then sleeps
// until the handler is woken or the connection goes away.
func (c *connection) run(n *Node) {
	defer close(c.done)

	for {
		in, ok := c.handler.Poll()
		if !ok {
			select {
			case <-c.handler.Wake():
				continue
			case <-c.ctx.Done():
				return
			}
		}

		switch in.Action {
		case handler.OpenOutbound:
			n.wg.Add(1)
			go n.sendOutbound(c, in.Message)
		case handler.DeliverUpward:
			n.deliver(c.peer, in.Message)
		case handler.ReportFailure:
			n.reportFailure(c.peer, in.Message, in.Err)
		default:
			log.Error().Str("action", in.Action.String()).Msg("Unknown handler instruction")
		}
	}
}

// stop halts the poll loop and returns the events it never processed
func (c *connection) stop() []handler.Event {
	pending := c.handler.Close()
	c.cancel()
	<-c.done
	return pending
}

// sendOutbound performs one outbound exchange. Failures are fed back to
// the connection's handler so they surface through the same queue.
func (n *Node) sendOutbound(c *connection, msg protocol.Message) {
	defer n.wg.Done()

	if _, err := n.negotiator.Outbound(c.ctx, n.host, c.peer, msg); err != nil {
		if herr := c.handler.NotifyNegotiationError(msg, err); herr != nil {
			// Handler already closed, report directly
			n.reportFailure(c.peer, msg, err)
		}
		return
	}

	n.recordOutbound(c.peer, msg, nil)
	n.events.publish(Event{Type: EventMessageSent, Peer: c.peer, Message: msg})
}
