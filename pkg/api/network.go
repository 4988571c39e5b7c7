package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ZentaChain/zentalk-p2pmsg/pkg/protocol"
	"github.com/ZentaChain/zentalk-p2pmsg/pkg/storage"
)

// PeerInfo contains information about a connected peer
type PeerInfo struct {
	PeerID         string    `json:"peerId"`
	ConnectedSince time.Time `json:"connectedSince"`
	PendingEvents  int       `json:"pendingEvents"` // Queued in the peer's connection handlers
}

// PeersResponse contains list of connected peers
type PeersResponse struct {
	Success bool       `json:"success"`
	Count   int        `json:"count"`
	Peers   []PeerInfo `json:"peers"`
}

// NodeInfoResponse contains information about this node
type NodeInfoResponse struct {
	Success        bool      `json:"success"`
	NodeID         string    `json:"nodeId"`
	Addresses      []string  `json:"addresses"`
	Protocol       string    `json:"protocol"`
	MaxFrameSize   int       `json:"maxFrameSize"`
	ConnectedPeers int       `json:"connectedPeers"`
	Connections    int       `json:"connections"`
	RoutingTable   int       `json:"routingTable"`
	HistoryEnabled bool      `json:"historyEnabled"`
	StartedAt      time.Time `json:"startedAt"`
}

// HealthResponse contains node health information
type HealthResponse struct {
	Success bool   `json:"success"`
	Status  string `json:"status"` // "healthy", "degraded", "unhealthy"
	Uptime  string `json:"uptime"`
	Checks  struct {
		PeersConnected bool `json:"peersConnected"`
		HistoryOK      bool `json:"historyOk"`
	} `json:"checks"`
}

// handlePeers handles GET /api/v1/network/peers
func (s *Server) handlePeers(c *gin.Context) {
	registry := s.node.Registry()
	peers := s.node.Peers()

	peerList := make([]PeerInfo, 0, len(peers))
	for _, p := range peers {
		since, _ := registry.ConnectedSince(p)
		peerList = append(peerList, PeerInfo{
			PeerID:         p.String(),
			ConnectedSince: since,
			PendingEvents:  s.node.PendingEvents(p),
		})
	}

	c.JSON(http.StatusOK, PeersResponse{
		Success: true,
		Count:   len(peerList),
		Peers:   peerList,
	})
}

// handleNodeInfo handles GET /api/v1/node/info
func (s *Server) handleNodeInfo(c *gin.Context) {
	c.JSON(http.StatusOK, NodeInfoResponse{
		Success:        true,
		NodeID:         s.node.ID().String(),
		Addresses:      s.node.FullAddrs(),
		Protocol:       string(protocol.ProtocolID),
		MaxFrameSize:   protocol.MaxFrameSize,
		ConnectedPeers: len(s.node.Peers()),
		Connections:    s.node.ConnectionCount(),
		RoutingTable:   s.node.RoutingTableSize(),
		HistoryEnabled: s.history != nil,
		StartedAt:      s.startedAt,
	})
}

// handleHealth handles GET /api/v1/network/health and GET /health
func (s *Server) handleHealth(c *gin.Context) {
	var response HealthResponse
	response.Success = true
	response.Uptime = time.Since(s.startedAt).Round(time.Second).String()
	response.Checks.PeersConnected = len(s.node.Peers()) > 0
	response.Checks.HistoryOK = s.historyOK()

	switch {
	case !response.Checks.HistoryOK:
		response.Status = "unhealthy"
	case !response.Checks.PeersConnected:
		response.Status = "degraded"
	default:
		response.Status = "healthy"
	}

	c.JSON(http.StatusOK, response)
}

// historyOK is true when history is disabled or its database answers
func (s *Server) historyOK() bool {
	if s.history == nil {
		return true
	}
	_, err := s.history.CountByStatus(storage.MessageStatusFailed)
	return err == nil
}
