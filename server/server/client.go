package server

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/ducks/shellcast/server/protocol"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024 // 64KB

	// sendBuffer is a few seconds of player updates. A control client that
	// falls further behind is disconnected rather than fed stale positions.
	sendBuffer = 64
)

// Client is one control connection. Only identified clients receive
// broadcasts and may issue transport commands.
type Client struct {
	server     *Server
	conn       *websocket.Conn
	out        chan protocol.Message
	sessionID  string
	clientName string

	mu         sync.RWMutex
	identified bool

	// done closes once; closeCode and closeText are set before it does
	// and go out in the close frame.
	done      chan struct{}
	closeOnce sync.Once
	closeCode int
	closeText string
}

func NewClient(server *Server, conn *websocket.Conn, clientName string) *Client {
	return &Client{
		server:     server,
		conn:       conn,
		out:        make(chan protocol.Message, sendBuffer),
		sessionID:  uuid.New().String(),
		clientName: clientName,
		done:       make(chan struct{}),
	}
}

// readPump feeds commands to the server until the peer goes away.
func (c *Client) readPump() {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.logger.Warn("control connection lost",
					slog.String("session", c.sessionID),
					slog.Any("error", err),
				)
			}
			c.shutdown(websocket.CloseNormalClosure, "")
			return
		}
		c.server.handleMessage(c, msgType, data)
	}
}

// writePump owns every write on the connection, including the final close
// frame, and closes the socket when it returns.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.out:
			data, err := json.Marshal(msg)
			if err != nil {
				c.server.logger.Error("failed to encode message", slog.Any("op", msg.Op), slog.Any("error", err))
				continue
			}
			if err := c.write(websocket.TextMessage, data); err != nil {
				c.shutdown(websocket.CloseAbnormalClosure, "")
				return
			}

		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.shutdown(websocket.CloseAbnormalClosure, "")
				return
			}

		case <-c.done:
			if c.closeCode != websocket.CloseAbnormalClosure {
				c.write(websocket.CloseMessage, websocket.FormatCloseMessage(c.closeCode, c.closeText))
			}
			return
		}
	}
}

func (c *Client) write(kind int, data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(kind, data)
}

// send queues msg without blocking. A full queue means the client stopped
// reading; it is disconnected with a policy close.
func (c *Client) send(msg protocol.Message) {
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.out <- msg:
	default:
		c.server.logger.Warn("disconnecting slow client",
			slog.String("session", c.sessionID),
			slog.String("client", c.name()),
		)
		c.shutdown(websocket.ClosePolicyViolation, "client too slow")
	}
}

func (c *Client) isIdentified() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identified
}

func (c *Client) identify(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if name != "" {
		c.clientName = name
	}
	c.identified = true
}

func (c *Client) name() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientName
}

// shutdown unregisters the client and tells writePump to say goodbye. It
// never touches the socket, so it is safe from any goroutine.
func (c *Client) shutdown(code int, text string) {
	c.closeOnce.Do(func() {
		c.closeCode, c.closeText = code, text
		close(c.done)
		c.server.unregisterClient(c)
		c.server.logger.Info("client disconnected",
			slog.String("session", c.sessionID),
			slog.Int("code", code),
		)
	})
}
