package store

import (
	"context"
	"errors"
	"time"

	"github.com/alimasry/go-delta/delta"
)

var (
	ErrNotFound = errors.New("document not found")
	ErrExists   = errors.New("document already exists")
)

// DocumentInfo holds a document's compacted delta and metadata.
type DocumentInfo struct {
	ID        string
	Delta     *delta.Document
	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DocumentStore abstracts document persistence. The history of a document is
// the list of op batches appended to it, version 1 first.
// Implementations: MemoryStore, CachedStore, FirestoreStore, SQLStore, RedisStore.
type DocumentStore interface {
	Create(ctx context.Context, id string, doc *delta.Document) error
	Get(ctx context.Context, id string) (*DocumentInfo, error)
	List(ctx context.Context) ([]DocumentInfo, error)
	UpdateContent(ctx context.Context, id string, doc *delta.Document, version int) error
	AppendOperation(ctx context.Context, id string, ops []*delta.Op, version int) error
	GetOperations(ctx context.Context, id string, fromVersion int) ([][]*delta.Op, error)
}

func cloneOps(ops []*delta.Op) []*delta.Op {
	out := make([]*delta.Op, len(ops))
	for i, op := range ops {
		out[i] = op.Clone()
	}
	return out
}

func cloneDoc(doc *delta.Document) *delta.Document {
	if doc == nil {
		return delta.New(nil)
	}
	return doc.Clone()
}
