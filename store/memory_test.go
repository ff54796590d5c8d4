package store

import (
	"context"
	"testing"

	"github.com/alimasry/go-delta/delta"
)

func TestMemoryStore(t *testing.T) {
	testDocumentStore(t, NewMemoryStore(), sequentialIDs("doc"))
}

func TestMemoryStore_CopiesOnWrite(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	doc := delta.NewBuilder().Text("hello", nil).Build()
	if err := s.Create(ctx, "doc1", doc); err != nil {
		t.Fatal(err)
	}
	doc.Ops()[0].SetInsert(delta.TextInsert("changed"))

	info, err := s.Get(ctx, "doc1")
	if err != nil {
		t.Fatal(err)
	}
	if got := info.Delta.ToPlainText(); got != "hello\n" {
		t.Errorf("stored delta changed with caller's copy: %q", got)
	}
}

func TestMemoryStore_CopiesOnRead(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.Create(ctx, "doc1", delta.NewBuilder().Text("a", nil).Text("b", nil).Build())
	info, _ := s.Get(ctx, "doc1")
	info.Delta.Compact()

	again, _ := s.Get(ctx, "doc1")
	if again.Delta.Len() != 3 {
		t.Errorf("got %d ops, want 3 uncompacted ops", again.Delta.Len())
	}
}

func TestMemoryStore_InvalidVersion(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.Create(ctx, "doc1", nil)
	s.AppendOperation(ctx, "doc1", []*delta.Op{delta.Text("x", nil)}, 1)

	history, err := s.GetOperations(ctx, "doc1", 2)
	if err != nil {
		t.Errorf("version past the history: %v", err)
	}
	if len(history) != 0 {
		t.Errorf("version past the history: got %d batches, want 0", len(history))
	}
	if _, err := s.GetOperations(ctx, "doc1", -1); err == nil {
		t.Error("expected error for negative version")
	}
}

func TestMemoryStore_AppendSetsVersion(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.Create(ctx, "doc1", nil)
	if err := s.AppendOperation(ctx, "doc1", []*delta.Op{delta.Text("x", nil)}, 1); err != nil {
		t.Fatal(err)
	}
	info, _ := s.Get(ctx, "doc1")
	if info.Version != 1 {
		t.Errorf("version = %d, want 1", info.Version)
	}
}
