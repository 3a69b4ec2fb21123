package relay

import (
	"context"
	"errors"
	"sync"

	"chatsync/internal/models"
	"chatsync/pkg/chatapi/types"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

type outbound struct {
	data      []byte
	frameType string
}

// Conn is one participant socket. Reads run on the ServeWS goroutine, writes
// drain a bounded queue on their own goroutine.
type Conn struct {
	hub           *Hub
	ws            *websocket.Conn
	participantID string
	role          models.Role
	inboxPush     bool
	limiter       *rate.Limiter
	send          chan outbound

	// guarded by hub.mu
	rooms map[string]struct{}

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(h *Hub, ws *websocket.Conn, participantID string, role models.Role, cfg Config) *Conn {
	return &Conn{
		hub:           h,
		ws:            ws,
		participantID: participantID,
		role:          role,
		limiter:       newLimiter(cfg),
		send:          make(chan outbound, cfg.SendBuffer),
		rooms:         make(map[string]struct{}),
		done:          make(chan struct{}),
	}
}

func (c *Conn) readPump(ctx context.Context) {
	defer c.close(websocket.StatusNormalClosure, "")
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			c.logReadError(err)
			return
		}
		c.hub.handleFrame(c, data)
	}
}

func (c *Conn) logReadError(err error) {
	entry := c.hub.logger.WithFields(logrus.Fields{
		"participant_id": c.participantID,
		"close_status":   websocket.CloseStatus(err),
	})
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		entry.Debug("Socket closed by participant")
	default:
		if errors.Is(err, context.Canceled) {
			entry.Debug("Socket read cancelled")
			return
		}
		entry.WithError(err).Warn("Socket read failed")
	}
}

func (c *Conn) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case out := <-c.send:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.ws.Write(writeCtx, websocket.MessageText, out.data)
			cancel()
			if err != nil {
				c.hub.logger.WithError(err).WithField("participant_id", c.participantID).Debug("Socket write failed")
				c.close(websocket.StatusInternalError, "write failed")
				return
			}
			c.hub.metrics.RecordFrame("out", out.frameType)
		}
	}
}

// enqueue never blocks; a full queue drops the frame for this participant only
func (c *Conn) enqueue(data []byte, frameType string) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- outbound{data: data, frameType: frameType}:
	default:
		c.hub.metrics.RecordDroppedFrame("queue_full")
		c.hub.logger.WithFields(logrus.Fields{
			"participant_id": c.participantID,
			"type":           frameType,
		}).Debug("Send queue full, dropping frame")
	}
}

func (c *Conn) sendEnvelope(env types.Envelope) {
	data, err := env.Encode()
	if err != nil {
		c.hub.logger.WithError(err).Error("Failed to encode frame")
		return
	}
	c.enqueue(data, env.Type)
}

func (c *Conn) sendError(reason string) {
	c.sendEnvelope(types.Envelope{Type: types.EnvelopeError, Error: reason})
}

func (c *Conn) close(status websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		if err := c.ws.Close(status, reason); err != nil {
			_ = c.ws.CloseNow()
		}
	})
}
