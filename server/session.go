package server

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/alimasry/go-delta/delta"
	"github.com/alimasry/go-delta/events"
	"github.com/alimasry/go-delta/store"
)

const publishTimeout = 100 * time.Millisecond

type opMessage struct {
	client   *Client
	revision int
	ops      []*delta.Op
}

// Session manages collaboration for a single document.
// All edits are serialized through a single goroutine.
type Session struct {
	docID     string
	doc       *delta.Document
	version   int
	store     store.DocumentStore
	publisher events.Publisher
	clients   map[*Client]bool

	incoming chan opMessage
	join     chan *Client
	leave    chan *Client
	stop     chan struct{}
}

func newSession(docID string, doc *delta.Document, version int, st store.DocumentStore, pub events.Publisher) *Session {
	if doc == nil {
		doc = delta.New(nil)
	}
	if pub == nil {
		pub = events.Nop{}
	}
	return &Session{
		docID:     docID,
		doc:       doc.Compacted(),
		version:   version,
		store:     st,
		publisher: pub,
		clients:   make(map[*Client]bool),
		incoming:  make(chan opMessage, 64),
		join:      make(chan *Client, 16),
		leave:     make(chan *Client, 16),
		stop:      make(chan struct{}),
	}
}

// Run is the session's main loop. It serializes all edits.
func (s *Session) Run() {
	for {
		select {
		case c := <-s.join:
			s.handleJoin(c)
		case c := <-s.leave:
			s.handleLeave(c)
		case om := <-s.incoming:
			s.handleOp(om)
		case <-s.stop:
			return
		}
	}
}

func (s *Session) handleJoin(c *Client) {
	s.clients[c] = true
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()

	// Send current document state to the joining client.
	c.sendMsg(ServerMessage{
		Type:     MsgDoc,
		DocID:    s.docID,
		Delta:    s.doc,
		Text:     s.doc.ToPlainText(),
		Revision: s.version,
		Clients:  s.clientInfos(),
	})

	// Notify other clients about the new user.
	for other := range s.clients {
		if other != c {
			other.sendMsg(ServerMessage{
				Type:     MsgJoin,
				ClientID: c.ID,
				Name:     c.Name,
				Color:    c.Color,
			})
		}
	}
}

func (s *Session) handleLeave(c *Client) {
	if _, ok := s.clients[c]; !ok {
		return
	}
	delete(s.clients, c)
	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()
	close(c.send)

	// Notify others.
	for other := range s.clients {
		other.sendMsg(ServerMessage{
			Type:     MsgLeave,
			ClientID: c.ID,
		})
	}
}

func (s *Session) handleOp(om opMessage) {
	if om.revision > s.version {
		om.client.sendError(fmt.Sprintf("revision %d is ahead of server revision %d", om.revision, s.version))
		return
	}
	if len(om.ops) == 0 {
		om.client.sendError("empty op batch")
		return
	}

	s.doc = appendOps(s.doc, om.ops)
	s.version++

	// Persist.
	ctx := context.Background()
	if err := s.store.UpdateContent(ctx, s.docID, s.doc, s.version); err != nil {
		log.Printf("session %s: failed to persist content: %v", s.docID, err)
	}
	if err := s.store.AppendOperation(ctx, s.docID, om.ops, s.version); err != nil {
		log.Printf("session %s: failed to persist op batch %d: %v", s.docID, s.version, err)
	}

	// Ack the sender.
	om.client.sendMsg(ServerMessage{
		Type:     MsgAck,
		DocID:    s.docID,
		Revision: s.version,
	})

	// Broadcast to other clients.
	for c := range s.clients {
		if c != om.client {
			c.sendMsg(ServerMessage{
				Type:     MsgOp,
				DocID:    s.docID,
				Revision: s.version,
				Ops:      om.ops,
				ClientID: om.client.ID,
			})
		}
	}

	pctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	err := s.publisher.Publish(pctx, events.Event{
		DocID:    s.docID,
		Revision: s.version,
		ClientID: om.client.ID,
		Ops:      om.ops,
		Text:     s.doc.ToPlainText(),
		At:       time.Now(),
	})
	if err != nil {
		log.Printf("session %s: failed to publish revision %d: %v", s.docID, s.version, err)
	}
}

// appendOps returns a compacted document with ops inserted ahead of the
// terminal line separator of doc, so the separator and its block attributes
// keep ending the document.
func appendOps(doc *delta.Document, ops []*delta.Op) *delta.Document {
	cur := doc.Ops()
	var tail *delta.Op
	if n := len(cur); n > 0 {
		if in := cur[n-1].Insert(); !in.IsEmbed() && in.Text == delta.LineSeparator {
			tail, cur = cur[n-1], cur[:n-1]
		}
	}

	b := delta.NewBuilder()
	for _, op := range cur {
		b.Push(op.Clone())
	}
	for _, op := range ops {
		b.Push(op.Clone())
	}
	if tail != nil {
		b.Push(tail.Clone())
	}
	out := b.Build()
	out.Compact()
	return out
}

func (s *Session) clientInfos() []ClientInfo {
	infos := make([]ClientInfo, 0, len(s.clients))
	for c := range s.clients {
		infos = append(infos, c.Info())
	}
	return infos
}
