package server

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/alimasry/go-delta/delta"
	"github.com/alimasry/go-delta/events"
	"github.com/alimasry/go-delta/store"
	"github.com/alimasry/go-delta/validate"
)

type joinRequest struct {
	client *Client
	docID  string
}

// Hub manages document sessions and routes clients to the right session.
type Hub struct {
	store     store.DocumentStore
	validator *validate.Validator
	publisher events.Publisher
	sessions  map[string]*Session
	mu        sync.RWMutex

	joinDoc chan joinRequest
}

func NewHub(st store.DocumentStore, v *validate.Validator, pub events.Publisher) *Hub {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Hub{
		store:     st,
		validator: v,
		publisher: pub,
		sessions:  make(map[string]*Session),
		joinDoc:   make(chan joinRequest, 64),
	}
}

// Run is the hub's main loop.
func (h *Hub) Run() {
	for req := range h.joinDoc {
		h.handleJoinDoc(req)
	}
}

func (h *Hub) handleJoinDoc(req joinRequest) {
	if req.docID == "" {
		req.client.sendError("docId is required")
		return
	}

	h.mu.Lock()
	s, ok := h.sessions[req.docID]
	if !ok {
		// Create document in store if it doesn't exist.
		ctx := context.Background()
		info, err := h.store.Get(ctx, req.docID)
		if errors.Is(err, store.ErrNotFound) {
			if err := h.store.Create(ctx, req.docID, delta.NewBuilder().Build()); err != nil && !errors.Is(err, store.ErrExists) {
				log.Printf("hub: failed to create doc %q: %v", req.docID, err)
				h.mu.Unlock()
				req.client.sendError("failed to create document")
				return
			}
			info, err = h.store.Get(ctx, req.docID)
		}
		if err != nil {
			log.Printf("hub: failed to get doc %q: %v", req.docID, err)
			h.mu.Unlock()
			req.client.sendError("failed to load document")
			return
		}

		s = newSession(req.docID, info.Delta, info.Version, h.store, h.publisher)
		h.sessions[req.docID] = s
		go s.Run()
	}
	h.mu.Unlock()

	s.join <- req.client
}

// GetSession returns the session for a document, if active.
func (h *Hub) GetSession(docID string) *Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[docID]
}
