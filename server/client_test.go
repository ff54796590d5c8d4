package server

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/alimasry/go-delta/store"
)

func TestDecodeOps_RejectsNullWithoutValidator(t *testing.T) {
	c := mockClient("c1")
	c.hub = NewHub(store.NewMemoryStore(), nil, nil)

	for _, raw := range []string{`[null]`, `[{"insert":"a"},null]`} {
		ops, err := c.decodeOps(json.RawMessage(raw))
		if err == nil {
			t.Fatalf("decodeOps(%s) = %v, want error", raw, ops)
		}
		if !strings.Contains(err.Error(), "is null") {
			t.Errorf("decodeOps(%s) error = %q", raw, err)
		}
	}
}

func TestDecodeOps_RejectsNullWithValidator(t *testing.T) {
	c := mockClient("c1")
	c.hub = newTestHub(t, store.NewMemoryStore())

	if _, err := c.decodeOps(json.RawMessage(`[null]`)); err == nil {
		t.Fatal("expected error for null op")
	}
}

func TestDecodeOps_Valid(t *testing.T) {
	c := mockClient("c1")
	c.hub = NewHub(store.NewMemoryStore(), nil, nil)

	ops, err := c.decodeOps(json.RawMessage(`[{"retain":2},{"insert":"x"}]`))
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 2 {
		t.Fatalf("got %d ops, want 2", len(ops))
	}
}

func TestDecodeOps_Empty(t *testing.T) {
	c := mockClient("c1")
	if _, err := c.decodeOps(nil); err == nil {
		t.Fatal("expected error for missing ops")
	}
}

func TestHandle_NullOpDoesNotReachSession(t *testing.T) {
	c := mockClient("c1")
	c.hub = NewHub(store.NewMemoryStore(), nil, nil)
	s := newSession("doc1", nil, 0, store.NewMemoryStore(), nil)
	c.session = s

	err := c.handle([]byte(`{"type":"op","revision":0,"ops":[null]}`))
	if err == nil || !strings.Contains(err.Error(), "op 0 is null") {
		t.Fatalf("handle error = %v", err)
	}
	select {
	case om := <-s.incoming:
		t.Fatalf("op reached session: %+v", om)
	default:
	}
}

func TestHandle_Errors(t *testing.T) {
	c := mockClient("c1")
	c.hub = NewHub(store.NewMemoryStore(), nil, nil)

	tests := []struct {
		frame string
		want  string
	}{
		{`not json`, "invalid message format"},
		{`{"type":"bogus"}`, "unknown message type: bogus"},
		{`{"type":"op","ops":[{"insert":"a"}]}`, "not joined to a document"},
	}
	for _, tt := range tests {
		err := c.handle([]byte(tt.frame))
		if err == nil || err.Error() != tt.want {
			t.Errorf("handle(%s) = %v, want %q", tt.frame, err, tt.want)
		}
	}
}

func TestNewClientIdentity(t *testing.T) {
	c := newClient(nil, nil)
	if len(c.ID) != idLength {
		t.Errorf("id %q has length %d", c.ID, len(c.ID))
	}
	if !strings.HasPrefix(c.Name, "Author ") {
		t.Errorf("name = %q", c.Name)
	}
	if c.Color != colorFor(c.ID) {
		t.Errorf("color %q not stable for id %q", c.Color, c.ID)
	}
}
