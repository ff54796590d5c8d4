package server

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/alimasry/go-delta/delta"
	"github.com/alimasry/go-delta/store"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const maxBodySize = 1 << 20

// NewHandler creates the HTTP handler with all routes. allowOrigins lists the
// CORS origins; "*" allows any.
func NewHandler(hub *Hub, allowOrigins []string) http.Handler {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	r.Use(cors.New(corsConfig(allowOrigins)))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok"})
	})

	// WebSocket endpoint.
	r.GET("/ws", func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Printf("websocket upgrade error: %v", err)
			return
		}
		client := newClient(hub, conn)
		go client.WritePump()
		go client.ReadPump()
	})

	h := &documentHandler{hub: hub}
	r.GET("/documents", h.list)
	r.POST("/documents/:id", h.create)
	r.GET("/documents/:id", h.get)
	r.GET("/documents/:id/text", h.text)
	r.POST("/compact", h.compact)

	return r
}

func corsConfig(allowOrigins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(allowOrigins) == 0 || slices.Contains(allowOrigins, "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = allowOrigins
	}
	return cfg
}

type documentHandler struct {
	hub *Hub
}

type documentSummary struct {
	ID        string    `json:"id"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (h *documentHandler) list(c *gin.Context) {
	docs, err := h.hub.store.List(c.Request.Context())
	if err != nil {
		log.Printf("handler: list documents: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list documents"})
		return
	}
	out := make([]documentSummary, 0, len(docs))
	for _, d := range docs {
		out = append(out, documentSummary{ID: d.ID, Version: d.Version, CreatedAt: d.CreatedAt, UpdatedAt: d.UpdatedAt})
	}
	slices.SortFunc(out, func(a, b documentSummary) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	c.JSON(http.StatusOK, gin.H{"documents": out})
}

func (h *documentHandler) create(c *gin.Context) {
	id := c.Param("id")
	doc, ok := h.readDocument(c)
	if !ok {
		return
	}
	if doc.Len() == 0 {
		doc = delta.NewBuilder().Build()
	}
	doc.Compact()

	err := h.hub.store.Create(c.Request.Context(), id, doc)
	if errors.Is(err, store.ErrExists) {
		c.JSON(http.StatusConflict, gin.H{"error": "document already exists"})
		return
	}
	if err != nil {
		log.Printf("handler: create document %q: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create document"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id, "version": 0, "delta": doc})
}

func (h *documentHandler) get(c *gin.Context) {
	info, ok := h.load(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": info.ID, "version": info.Version, "delta": info.Delta})
}

func (h *documentHandler) text(c *gin.Context) {
	info, ok := h.load(c)
	if !ok {
		return
	}
	c.String(http.StatusOK, info.Delta.Compacted().ToPlainText())
}

// compact normalizes the posted document without storing it.
func (h *documentHandler) compact(c *gin.Context) {
	doc, ok := h.readDocument(c)
	if !ok {
		return
	}
	passes := doc.Compact()
	c.JSON(http.StatusOK, gin.H{"ops": doc.ToMap()["ops"], "passes": passes})
}

func (h *documentHandler) load(c *gin.Context) (*store.DocumentInfo, bool) {
	id := c.Param("id")
	info, err := h.hub.store.Get(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
		return nil, false
	}
	if err != nil {
		log.Printf("handler: get document %q: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load document"})
		return nil, false
	}
	return info, true
}

// readDocument decodes an optional {"ops": [...]} body. An empty body is an
// empty document.
func (h *documentHandler) readDocument(c *gin.Context) (*delta.Document, bool) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodySize))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return nil, false
	}
	if len(body) == 0 {
		return delta.New(nil), true
	}
	if h.hub.validator != nil {
		if err := h.hub.validator.Document(body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return nil, false
		}
	}
	var doc delta.Document
	if err := json.Unmarshal(body, &doc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	return &doc, true
}
