// Package events publishes a change feed of accepted document edits.
package events

import (
	"context"
	"time"

	"github.com/alimasry/go-delta/delta"
)

// Event describes one accepted batch of ops.
type Event struct {
	DocID    string      `json:"docId"`
	Revision int         `json:"revision"`
	ClientID string      `json:"clientId"`
	Ops      []*delta.Op `json:"ops"`
	Text     string      `json:"text"` // plain text of the document after the edit
	At       time.Time   `json:"appliedAt"`
}

// Publisher delivers events. Publish may return before the event reaches its
// destination.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Nop discards every event. It is used when no broker is configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
