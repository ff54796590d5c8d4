package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alimasry/go-delta/delta"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 64 * 1024
	sendBuffer = 256
	idLength   = 8
)

// Client is one editor attached over a WebSocket. It belongs to at most one
// document session at a time.
type Client struct {
	ID    string
	Name  string
	Color string

	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu      sync.Mutex
	session *Session
}

var authorColors = []string{
	"#d1495b", "#00798c", "#edae49", "#66a182", "#2e4057",
	"#8d96a3", "#b56576", "#6d597a", "#355070", "#e56b6f",
}

func newClient(hub *Hub, conn *websocket.Conn) *Client {
	id := generateID()
	return &Client{
		ID:    id,
		Name:  "Author " + strings.ToUpper(id[:4]),
		Color: colorFor(id),
		hub:   hub,
		conn:  conn,
		send:  make(chan []byte, sendBuffer),
	}
}

// colorFor maps an id to a stable palette entry.
func colorFor(id string) string {
	h := fnv.New32a()
	h.Write([]byte(id))
	return authorColors[h.Sum32()%uint32(len(authorColors))]
}

func generateID() string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	var sb strings.Builder
	sb.Grow(idLength)
	for range idLength {
		sb.WriteByte(alphabet[rand.IntN(len(alphabet))])
	}
	return sb.String()
}

func (c *Client) currentSession() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// ReadPump consumes frames until the connection fails, then detaches the
// client from its session.
func (c *Client) ReadPump() {
	defer c.detach()

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("client %s: read error: %v", c.ID, err)
			}
			return
		}
		if err := c.handle(frame); err != nil {
			c.sendError(err.Error())
		}
	}
}

func (c *Client) detach() {
	if s := c.currentSession(); s != nil {
		s.leave <- c
	}
	c.conn.Close()
}

// handle routes a single inbound frame. The returned error is reported back
// to the sender and does not close the connection.
func (c *Client) handle(frame []byte) error {
	var msg ClientMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		return errors.New("invalid message format")
	}

	switch msg.Type {
	case MsgJoin:
		c.hub.joinDoc <- joinRequest{client: c, docID: msg.DocID}
		return nil
	case MsgOp:
		s := c.currentSession()
		if s == nil {
			return errors.New("not joined to a document")
		}
		ops, err := c.decodeOps(msg.Ops)
		if err != nil {
			return err
		}
		s.incoming <- opMessage{client: c, revision: msg.Revision, ops: ops}
		return nil
	default:
		return fmt.Errorf("unknown message type: %s", msg.Type)
	}
}

// WritePump drains the send queue and keeps the connection alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, open := <-c.send:
			if !open {
				c.writeFrame(websocket.CloseMessage, nil)
				return
			}
			if err := c.writeFrame(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.writeFrame(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) writeFrame(kind int, payload []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(kind, payload)
}

// decodeOps checks the raw ops of an op message against the schema, when one
// is configured, and decodes them. Every entry must be a JSON object.
func (c *Client) decodeOps(raw json.RawMessage) ([]*delta.Op, error) {
	if len(raw) == 0 {
		return nil, errors.New("op message has no ops")
	}
	if c.hub != nil && c.hub.validator != nil {
		if err := c.hub.validator.Ops(raw); err != nil {
			return nil, err
		}
	}
	var ops []*delta.Op
	if err := json.Unmarshal(raw, &ops); err != nil {
		return nil, fmt.Errorf("invalid ops: %w", err)
	}
	for i, op := range ops {
		if op == nil {
			return nil, fmt.Errorf("op %d is null", i)
		}
	}
	return ops, nil
}

// sendMsg queues msg without blocking. Messages to a client whose queue is
// full are dropped.
func (c *Client) sendMsg(msg ServerMessage) {
	select {
	case c.send <- msg.Encode():
	default:
	}
}

func (c *Client) sendError(message string) {
	c.sendMsg(ServerMessage{Type: MsgError, Message: message})
}

// Info returns the presence record other participants see.
func (c *Client) Info() ClientInfo {
	return ClientInfo{ID: c.ID, Name: c.Name, Color: c.Color}
}
