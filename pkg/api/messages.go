package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/ZentaChain/zentalk-p2pmsg/pkg/network"
	"github.com/ZentaChain/zentalk-p2pmsg/pkg/protocol"
	"github.com/ZentaChain/zentalk-p2pmsg/pkg/storage"
)

// SendRequest is the body of POST /api/v1/messages
type SendRequest struct {
	Peer string `json:"peer,omitempty"` // Empty: broadcast
	Data string `json:"data" binding:"required"`
}

// SendResponse reports how many peers a message was queued for
type SendResponse struct {
	Success bool   `json:"success"`
	Peer    string `json:"peer,omitempty"`
	Queued  int    `json:"queued"`
	Size    int    `json:"size"`
}

// MessageInfo is one history record
type MessageInfo struct {
	MessageID string `json:"messageId"`
	PeerID    string `json:"peerId"`
	Direction string `json:"direction"`
	Data      string `json:"data"`
	Timestamp int64  `json:"timestamp"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// MessagesResponse contains history records, newest first
type MessagesResponse struct {
	Success  bool          `json:"success"`
	Count    int           `json:"count"`
	Messages []MessageInfo `json:"messages"`
}

// handleSend handles POST /api/v1/messages
func (s *Server) handleSend(c *gin.Context) {
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request",
			Message: err.Error(),
			Code:    "INVALID_REQUEST",
		})
		return
	}

	data := []byte(req.Data)
	if len(data) > protocol.MaxFrameSize {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Message too large",
			Message: fmt.Sprintf("Maximum %d bytes, got %d", protocol.MaxFrameSize, len(data)),
			Code:    "MESSAGE_TOO_LARGE",
		})
		return
	}

	if req.Peer == "" {
		queued, err := s.node.Broadcast(data)
		if err != nil {
			s.sendError(c, err)
			return
		}

		c.JSON(http.StatusAccepted, SendResponse{
			Success: true,
			Queued:  queued,
			Size:    len(data),
		})
		return
	}

	target, err := peer.Decode(req.Peer)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid peer ID",
			Message: err.Error(),
			Code:    "INVALID_PEER",
		})
		return
	}

	if err := s.node.Send(target, data); err != nil {
		s.sendError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, SendResponse{
		Success: true,
		Peer:    target.String(),
		Queued:  1,
		Size:    len(data),
	})
}

func (s *Server) sendError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, protocol.ErrFrameTooLarge):
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Message too large",
			Message: err.Error(),
			Code:    "MESSAGE_TOO_LARGE",
		})
	case errors.Is(err, network.ErrPeerNotConnected):
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "Peer not connected",
			Message: err.Error(),
			Code:    "PEER_NOT_CONNECTED",
		})
	default:
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Send failed",
			Message: err.Error(),
			Code:    "SEND_FAILED",
		})
	}
}

// handleListMessages handles GET /api/v1/messages?limit=N&peer=ID
func (s *Server) handleListMessages(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error: "History disabled",
			Code:  "HISTORY_DISABLED",
		})
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "Invalid limit",
				Message: "limit must be a positive integer",
				Code:    "INVALID_LIMIT",
			})
			return
		}
		limit = parsed
	}

	var (
		records []*storage.Record
		err     error
	)
	if peerID := c.Query("peer"); peerID != "" {
		records, err = s.history.ByPeer(peerID, limit)
	} else {
		records, err = s.history.Recent(limit)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to read history",
			Message: err.Error(),
			Code:    "HISTORY_ERROR",
		})
		return
	}

	messages := make([]MessageInfo, 0, len(records))
	for _, rec := range records {
		messages = append(messages, MessageInfo{
			MessageID: rec.MessageID,
			PeerID:    rec.PeerID,
			Direction: string(rec.Direction),
			Data:      string(rec.Content),
			Timestamp: rec.Timestamp,
			Status:    string(rec.Status),
			Error:     rec.Error,
		})
	}

	c.JSON(http.StatusOK, MessagesResponse{
		Success:  true,
		Count:    len(messages),
		Messages: messages,
	})
}
