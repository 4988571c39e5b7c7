package network

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/connmgr"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	mocknet "github.com/libp2p/go-libp2p/p2p/net/mock"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/zentalk-p2pmsg/pkg/config"
	"github.com/ZentaChain/zentalk-p2pmsg/pkg/protocol"
	"github.com/ZentaChain/zentalk-p2pmsg/pkg/storage"
)

const eventTimeout = 5 * time.Second

func newMockNet(t *testing.T, n int) (mocknet.Mocknet, []host.Host) {
	t.Helper()

	mn, err := mocknet.FullMeshLinked(n)
	require.NoError(t, err)
	t.Cleanup(func() { mn.Close() })

	return mn, mn.Hosts()
}

func newTestNode(t *testing.T, h host.Host, opts ...Option) *Node {
	t.Helper()

	cfg := config.Default()
	cfg.StreamTimeout = 5 * time.Second

	n, err := NewNodeWithHost(context.Background(), h, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	return n
}

func connect(t *testing.T, mn mocknet.Mocknet, a, b *Node) {
	t.Helper()

	_, err := mn.ConnectPeers(a.ID(), b.ID())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return a.Registry().Contains(b.ID()) && b.Registry().Contains(a.ID())
	}, eventTimeout, 10*time.Millisecond)
}

// waitEvent returns the next event of type typ, skipping others
func waitEvent(t *testing.T, n *Node, typ EventType) Event {
	t.Helper()

	deadline := time.After(eventTimeout)
	for {
		select {
		case ev, ok := <-n.Events():
			if !ok {
				t.Fatalf("event stream closed while waiting for %s", typ)
			}
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func TestNodeDeliversMessage(t *testing.T) {
	mn, hosts := newMockNet(t, 2)
	a := newTestNode(t, hosts[0])
	b := newTestNode(t, hosts[1])
	connect(t, mn, a, b)

	require.NoError(t, a.Send(b.ID(), []byte("hello")))

	ev := waitEvent(t, b, EventMessageReceived)
	require.Equal(t, a.ID(), ev.Peer)
	require.Equal(t, []byte("hello"), ev.Message.Data)

	sent := waitEvent(t, a, EventMessageSent)
	require.Equal(t, b.ID(), sent.Peer)
	require.Equal(t, []byte("hello"), sent.Message.Data)
}

func TestNodeDeliversMaxFrame(t *testing.T) {
	mn, hosts := newMockNet(t, 2)
	a := newTestNode(t, hosts[0])
	b := newTestNode(t, hosts[1])
	connect(t, mn, a, b)

	payload := bytes.Repeat([]byte{0xAB}, protocol.MaxFrameSize)
	require.NoError(t, a.Send(b.ID(), payload))

	ev := waitEvent(t, b, EventMessageReceived)
	require.Equal(t, payload, ev.Message.Data)
}

func TestNodeDeliversEmptyMessage(t *testing.T) {
	mn, hosts := newMockNet(t, 2)
	a := newTestNode(t, hosts[0])
	b := newTestNode(t, hosts[1])
	connect(t, mn, a, b)

	require.NoError(t, a.Send(b.ID(), nil))

	ev := waitEvent(t, b, EventMessageReceived)
	require.Empty(t, ev.Message.Data)
}

func TestNodeRejectsOversizedSend(t *testing.T) {
	mn, hosts := newMockNet(t, 2)
	a := newTestNode(t, hosts[0])
	b := newTestNode(t, hosts[1])
	connect(t, mn, a, b)

	err := a.Send(b.ID(), make([]byte, protocol.MaxFrameSize+1))
	require.ErrorIs(t, err, protocol.ErrFrameTooLarge)
	require.Zero(t, a.PendingEvents(b.ID()))

	_, err = a.Broadcast(make([]byte, protocol.MaxFrameSize+1))
	require.ErrorIs(t, err, protocol.ErrFrameTooLarge)
}

func TestNodeSendUnknownPeer(t *testing.T) {
	_, hosts := newMockNet(t, 2)
	a := newTestNode(t, hosts[0])

	err := a.Send(hosts[1].ID(), []byte("hello"))
	require.ErrorIs(t, err, ErrPeerNotConnected)
}

func TestNodeSendFailsWithoutProtocol(t *testing.T) {
	mn, hosts := newMockNet(t, 2)
	a := newTestNode(t, hosts[0])

	// hosts[1] runs no protocol handler
	_, err := mn.ConnectPeers(a.ID(), hosts[1].ID())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return a.Registry().Contains(hosts[1].ID())
	}, eventTimeout, 10*time.Millisecond)

	require.NoError(t, a.Send(hosts[1].ID(), []byte("hello")))

	ev := waitEvent(t, a, EventSendFailed)
	require.Equal(t, hosts[1].ID(), ev.Peer)
	require.Equal(t, []byte("hello"), ev.Message.Data)
	require.True(t, protocol.IsNegotiationError(ev.Err))

	// The connection survives the failed substream
	require.True(t, a.Registry().Contains(hosts[1].ID()))
}

func TestNodePeerLifecycle(t *testing.T) {
	mn, hosts := newMockNet(t, 2)
	a := newTestNode(t, hosts[0])
	b := newTestNode(t, hosts[1])

	connect(t, mn, a, b)

	ev := waitEvent(t, a, EventPeerConnected)
	require.Equal(t, b.ID(), ev.Peer)
	require.Equal(t, []peer.ID{b.ID()}, a.Peers())

	require.NoError(t, mn.DisconnectPeers(a.ID(), b.ID()))

	ev = waitEvent(t, a, EventPeerDisconnected)
	require.Equal(t, b.ID(), ev.Peer)
	require.Empty(t, a.Peers())
	require.Zero(t, a.ConnectionCount())

	err := a.Send(b.ID(), []byte("late"))
	require.ErrorIs(t, err, ErrPeerNotConnected)
}

func TestNodeBroadcast(t *testing.T) {
	mn, hosts := newMockNet(t, 3)
	a := newTestNode(t, hosts[0])
	b := newTestNode(t, hosts[1])
	c := newTestNode(t, hosts[2])
	connect(t, mn, a, b)
	connect(t, mn, a, c)

	queued, err := a.Broadcast([]byte("to all"))
	require.NoError(t, err)
	require.Equal(t, 2, queued)

	for _, n := range []*Node{b, c} {
		ev := waitEvent(t, n, EventMessageReceived)
		require.Equal(t, a.ID(), ev.Peer)
		require.Equal(t, []byte("to all"), ev.Message.Data)
	}
}

func TestNodeRecordsHistory(t *testing.T) {
	histA, err := storage.NewHistory(filepath.Join(t.TempDir(), "a.db"), 0)
	require.NoError(t, err)
	defer histA.Close()

	histB, err := storage.NewHistory(filepath.Join(t.TempDir(), "b.db"), 0)
	require.NoError(t, err)
	defer histB.Close()

	mn, hosts := newMockNet(t, 2)
	a := newTestNode(t, hosts[0], WithHistory(histA))
	b := newTestNode(t, hosts[1], WithHistory(histB))
	connect(t, mn, a, b)

	require.NoError(t, a.Send(b.ID(), []byte("logged")))
	waitEvent(t, b, EventMessageReceived)
	waitEvent(t, a, EventMessageSent)

	received, err := histB.ByPeer(a.ID().String(), 10)
	require.NoError(t, err)
	require.Len(t, received, 1)
	require.Equal(t, storage.DirectionInbound, received[0].Direction)
	require.Equal(t, storage.MessageStatusReceived, received[0].Status)
	require.Equal(t, []byte("logged"), received[0].Content)

	sent, err := histA.CountByStatus(storage.MessageStatusSent)
	require.NoError(t, err)
	require.Equal(t, 1, sent)
}

func TestNodeClose(t *testing.T) {
	mn, hosts := newMockNet(t, 2)
	a := newTestNode(t, hosts[0])
	b := newTestNode(t, hosts[1])
	connect(t, mn, a, b)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	// Drain until the stream is closed
	deadline := time.After(eventTimeout)
	for {
		select {
		case _, ok := <-a.Events():
			if !ok {
				err := a.Send(b.ID(), []byte("after close"))
				require.True(t, errors.Is(err, ErrNodeClosed))
				require.Empty(t, a.Peers())
				return
			}
		case <-deadline:
			t.Fatal("event stream was not closed")
		}
	}
}

func TestNodeReconnectsWatchedPeer(t *testing.T) {
	mn, hosts := newMockNet(t, 2)
	a := newTestNode(t, hosts[0])
	b := newTestNode(t, hosts[1])

	a.mu.Lock()
	a.reconnectBackoff = 10 * time.Millisecond
	a.mu.Unlock()

	connect(t, mn, a, b)
	a.watchPeer(peer.AddrInfo{ID: b.ID(), Addrs: hosts[1].Addrs()})
	waitEvent(t, a, EventPeerConnected)

	require.NoError(t, mn.DisconnectPeers(a.ID(), b.ID()))
	waitEvent(t, a, EventPeerDisconnected)

	ev := waitEvent(t, a, EventPeerConnected)
	require.Equal(t, b.ID(), ev.Peer)
	require.True(t, a.Registry().Contains(b.ID()))
}

// recordingConnMgr tracks which peers are protected under which tags
type recordingConnMgr struct {
	connmgr.NullConnMgr

	mu        sync.Mutex
	protected map[peer.ID]map[string]bool
}

func (cm *recordingConnMgr) Protect(p peer.ID, tag string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.protected[p] == nil {
		cm.protected[p] = make(map[string]bool)
	}
	cm.protected[p][tag] = true
}

func (cm *recordingConnMgr) Unprotect(p peer.ID, tag string) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	delete(cm.protected[p], tag)
	return len(cm.protected[p]) > 0
}

func (cm *recordingConnMgr) IsProtected(p peer.ID, tag string) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.protected[p][tag]
}

type connMgrHost struct {
	host.Host
	cm *recordingConnMgr
}

func (h *connMgrHost) ConnManager() connmgr.ConnManager {
	return h.cm
}

func TestNodeProtectsKeptAliveConnections(t *testing.T) {
	mn, hosts := newMockNet(t, 2)

	cm := &recordingConnMgr{protected: make(map[peer.ID]map[string]bool)}
	a := newTestNode(t, &connMgrHost{Host: hosts[0], cm: cm})
	b := newTestNode(t, hosts[1])

	connect(t, mn, a, b)
	require.Eventually(t, func() bool {
		return cm.IsProtected(b.ID(), keepAliveTag)
	}, eventTimeout, 10*time.Millisecond)

	require.NoError(t, mn.DisconnectPeers(a.ID(), b.ID()))
	waitEvent(t, a, EventPeerDisconnected)
	require.False(t, cm.IsProtected(b.ID(), keepAliveTag))

	connect(t, mn, a, b)
	require.Eventually(t, func() bool {
		return cm.IsProtected(b.ID(), keepAliveTag)
	}, eventTimeout, 10*time.Millisecond)

	require.NoError(t, a.Close())
	require.False(t, cm.IsProtected(b.ID(), keepAliveTag))
}
