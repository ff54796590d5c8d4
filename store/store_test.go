package store

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alimasry/go-delta/delta"
)

func sampleDoc() *delta.Document {
	return delta.NewBuilder().
		Text("Hello ", nil).
		Text("world", delta.Attributes{"bold": true}).
		Line(delta.Attributes{"header": 1}).
		Embed("image", map[string]any{"src": "x.png"}, nil).
		Build()
}

// assertSameDelta compares documents by their JSON form, since backends may
// hand numbers back as a different Go type.
func assertSameDelta(t *testing.T, want, got *delta.Document) {
	t.Helper()
	wantJSON, err := json.Marshal(want)
	require.NoError(t, err)
	gotJSON, err := json.Marshal(got)
	require.NoError(t, err)
	assert.JSONEq(t, string(wantJSON), string(gotJSON))
}

// testDocumentStore runs the behaviour every DocumentStore shares. newID
// returns an ID not used by any other test.
func testDocumentStore(t *testing.T, s DocumentStore, newID func() string) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		id := newID()
		require.NoError(t, s.Create(ctx, id, sampleDoc()))

		info, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, id, info.ID)
		assert.Equal(t, 0, info.Version)
		assertSameDelta(t, sampleDoc(), info.Delta)
	})

	t.Run("create nil document", func(t *testing.T) {
		id := newID()
		require.NoError(t, s.Create(ctx, id, nil))

		info, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 0, info.Delta.Len())
	})

	t.Run("create duplicate", func(t *testing.T) {
		id := newID()
		require.NoError(t, s.Create(ctx, id, nil))
		assert.ErrorIs(t, s.Create(ctx, id, nil), ErrExists)
	})

	t.Run("get not found", func(t *testing.T) {
		_, err := s.Get(ctx, newID())
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("list", func(t *testing.T) {
		ids := []string{newID(), newID(), newID()}
		for _, id := range ids {
			require.NoError(t, s.Create(ctx, id, nil))
		}
		docs, err := s.List(ctx)
		require.NoError(t, err)

		seen := make(map[string]bool)
		for _, d := range docs {
			seen[d.ID] = true
		}
		for _, id := range ids {
			assert.True(t, seen[id], "missing %s", id)
		}
	})

	t.Run("update content", func(t *testing.T) {
		id := newID()
		require.NoError(t, s.Create(ctx, id, nil))
		require.NoError(t, s.UpdateContent(ctx, id, sampleDoc(), 1))

		info, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 1, info.Version)
		assertSameDelta(t, sampleDoc(), info.Delta)
	})

	t.Run("update not found", func(t *testing.T) {
		err := s.UpdateContent(ctx, newID(), sampleDoc(), 1)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("operations", func(t *testing.T) {
		id := newID()
		require.NoError(t, s.Create(ctx, id, nil))

		batches := [][]*delta.Op{
			{delta.Text("Hello", nil)},
			{delta.Text(" world", delta.Attributes{"italic": true}), delta.Embed("image", "x.png", nil)},
		}
		for i, ops := range batches {
			require.NoError(t, s.AppendOperation(ctx, id, ops, i+1))
		}

		history, err := s.GetOperations(ctx, id, 0)
		require.NoError(t, err)
		require.Len(t, history, 2)
		for i := range batches {
			assertSameDelta(t, delta.New(batches[i]), delta.New(history[i]))
		}

		history, err = s.GetOperations(ctx, id, 1)
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.True(t, history[0][1].IsEmbed())
	})

	t.Run("operations past the end", func(t *testing.T) {
		id := newID()
		require.NoError(t, s.Create(ctx, id, nil))
		require.NoError(t, s.AppendOperation(ctx, id, []*delta.Op{delta.Text("x", nil)}, 1))

		for _, from := range []int{1, 2, 10} {
			history, err := s.GetOperations(ctx, id, from)
			require.NoError(t, err, "from %d", from)
			assert.Empty(t, history, "from %d", from)
		}
	})

	t.Run("operations negative version", func(t *testing.T) {
		id := newID()
		require.NoError(t, s.Create(ctx, id, nil))
		_, err := s.GetOperations(ctx, id, -1)
		assert.Error(t, err)
	})

	t.Run("repeated append keeps first batch", func(t *testing.T) {
		id := newID()
		require.NoError(t, s.Create(ctx, id, nil))
		require.NoError(t, s.AppendOperation(ctx, id, []*delta.Op{delta.Text("x", nil)}, 1))
		require.NoError(t, s.AppendOperation(ctx, id, []*delta.Op{delta.Text("y", nil)}, 1))
		require.NoError(t, s.AppendOperation(ctx, id, []*delta.Op{delta.Text("z", nil)}, 2))

		history, err := s.GetOperations(ctx, id, 0)
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, "x", history[0][0].Insert().Text)
		assert.Equal(t, "z", history[1][0].Insert().Text)
	})

	t.Run("operations not found", func(t *testing.T) {
		_, err := s.GetOperations(ctx, newID(), 0)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

// sequentialIDs returns an ID generator scoped to one test.
func sequentialIDs(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}
