package server

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alimasry/go-delta/delta"
	"github.com/alimasry/go-delta/events"
	"github.com/alimasry/go-delta/store"
)

func ctx() context.Context { return context.Background() }

// mockClient creates a client without a real WebSocket connection, for testing.
func mockClient(id string) *Client {
	return &Client{
		ID:    id,
		Name:  "Test " + id,
		Color: "#000000",
		send:  make(chan []byte, 256),
	}
}

// recvMsg reads one message from a mock client's send channel with timeout.
func recvMsg(t *testing.T, c *Client) ServerMessage {
	t.Helper()
	select {
	case data := <-c.send:
		var msg ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
		return ServerMessage{}
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, evt events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPublisher) published() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.Event(nil), p.events...)
}

func textDoc(s string) *delta.Document {
	return delta.NewBuilder().Text(s, nil).Build()
}

func startSession(t *testing.T, content string, pub events.Publisher) (*Session, store.DocumentStore) {
	t.Helper()
	st := store.NewMemoryStore()
	doc := textDoc(content)
	if err := st.Create(ctx(), "doc1", doc); err != nil {
		t.Fatal(err)
	}
	s := newSession("doc1", doc, 0, st, pub)
	go s.Run()
	t.Cleanup(func() { close(s.stop) })
	return s, st
}

func TestSession_JoinAndReceiveDoc(t *testing.T) {
	s, _ := startSession(t, "hello", nil)

	c := mockClient("c1")
	s.join <- c
	msg := recvMsg(t, c)

	if msg.Type != MsgDoc {
		t.Fatalf("expected doc message, got %q", msg.Type)
	}
	if msg.Text != "hello\n" {
		t.Errorf("text = %q, want %q", msg.Text, "hello\n")
	}
	if msg.Delta == nil || msg.Delta.Len() != 2 {
		t.Errorf("delta = %v, want 2 ops", msg.Delta)
	}
	if msg.Revision != 0 {
		t.Errorf("revision = %d, want 0", msg.Revision)
	}
}

func TestSession_OpAppendAndBroadcast(t *testing.T) {
	pub := &recordingPublisher{}
	s, st := startSession(t, "abc", pub)

	c1 := mockClient("c1")
	c2 := mockClient("c2")
	s.join <- c1
	s.join <- c2
	recvMsg(t, c1) // doc
	recvMsg(t, c2) // doc
	recvMsg(t, c1) // c2 join notification

	ops := []*delta.Op{delta.Text("def", nil)}
	s.incoming <- opMessage{client: c1, revision: 0, ops: ops}

	// c1 should get ack
	ack := recvMsg(t, c1)
	if ack.Type != MsgAck {
		t.Fatalf("expected ack, got %q", ack.Type)
	}
	if ack.Revision != 1 {
		t.Errorf("ack revision = %d, want 1", ack.Revision)
	}

	// c2 should get the ops
	broadcast := recvMsg(t, c2)
	if broadcast.Type != MsgOp {
		t.Fatalf("expected op, got %q", broadcast.Type)
	}
	if broadcast.Revision != 1 {
		t.Errorf("broadcast revision = %d, want 1", broadcast.Revision)
	}
	if broadcast.ClientID != "c1" {
		t.Errorf("broadcast clientId = %q, want %q", broadcast.ClientID, "c1")
	}
	if len(broadcast.Ops) != 1 || broadcast.Ops[0].Insert().Text != "def" {
		t.Errorf("broadcast ops = %v", broadcast.Ops)
	}

	// Persisted and compacted: "abc" and "def" merge ahead of the separator.
	info, err := st.Get(ctx(), "doc1")
	if err != nil {
		t.Fatal(err)
	}
	if info.Version != 1 || info.Delta.Len() != 2 || info.Delta.ToPlainText() != "abcdef\n" {
		t.Errorf("stored doc = %v at version %d", info.Delta.Ops(), info.Version)
	}
	history, _ := st.GetOperations(ctx(), "doc1", 0)
	if len(history) != 1 {
		t.Errorf("got %d op batches, want 1", len(history))
	}

	// Publishing follows the broadcast.
	var evts []events.Event
	deadline := time.Now().Add(2 * time.Second)
	for len(evts) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
		evts = pub.published()
	}
	if len(evts) != 1 {
		t.Fatalf("got %d events, want 1", len(evts))
	}
	if evts[0].Revision != 1 || evts[0].ClientID != "c1" || evts[0].Text != "abcdef\n" {
		t.Errorf("unexpected event: %+v", evts[0])
	}
}

func TestSession_RevisionAhead(t *testing.T) {
	s, _ := startSession(t, "abc", nil)

	c1 := mockClient("c1")
	s.join <- c1
	recvMsg(t, c1) // doc

	s.incoming <- opMessage{client: c1, revision: 5, ops: []*delta.Op{delta.Text("x", nil)}}
	msg := recvMsg(t, c1)
	if msg.Type != MsgError {
		t.Fatalf("expected error, got %q", msg.Type)
	}

	// The rejected batch did not advance the revision.
	s.incoming <- opMessage{client: c1, revision: 0, ops: []*delta.Op{delta.Text("x", nil)}}
	if ack := recvMsg(t, c1); ack.Type != MsgAck || ack.Revision != 1 {
		t.Errorf("got %s at revision %d, want ack at 1", ack.Type, ack.Revision)
	}
}

func TestSession_EmptyBatch(t *testing.T) {
	s, _ := startSession(t, "abc", nil)

	c1 := mockClient("c1")
	s.join <- c1
	recvMsg(t, c1) // doc

	s.incoming <- opMessage{client: c1, revision: 0}
	if msg := recvMsg(t, c1); msg.Type != MsgError {
		t.Fatalf("expected error, got %q", msg.Type)
	}
}

func TestSession_SequentialOps(t *testing.T) {
	s, st := startSession(t, "", nil)

	c1 := mockClient("c1")
	c2 := mockClient("c2")
	s.join <- c1
	s.join <- c2
	recvMsg(t, c1) // doc
	recvMsg(t, c2) // doc
	recvMsg(t, c1) // c2 join notification

	bold := delta.Attributes{"bold": true}
	s.incoming <- opMessage{client: c1, revision: 0, ops: []*delta.Op{delta.Text("Hello ", nil)}}
	recvMsg(t, c1) // ack
	recvMsg(t, c2) // broadcast

	// A client one revision behind still appends.
	s.incoming <- opMessage{client: c2, revision: 0, ops: []*delta.Op{delta.Text("world", bold)}}
	ack := recvMsg(t, c2)
	recvMsg(t, c1) // broadcast
	if ack.Revision != 2 {
		t.Errorf("ack revision = %d, want 2", ack.Revision)
	}

	info, _ := st.Get(ctx(), "doc1")
	want := []string{`{"insert":"Hello "}`, `{"insert":"world","attributes":{"bold":true}}`, `{"insert":"\n"}`}
	got := info.Delta.Ops()
	if len(got) != len(want) {
		t.Fatalf("got %v, want %d ops", got, len(want))
	}
	for i, op := range got {
		b, _ := json.Marshal(op)
		if string(b) != want[i] {
			t.Errorf("op %d = %s, want %s", i, b, want[i])
		}
	}
}

func TestSession_LeaveNotification(t *testing.T) {
	s, _ := startSession(t, "", nil)

	c1 := mockClient("c1")
	c2 := mockClient("c2")
	s.join <- c1
	s.join <- c2
	recvMsg(t, c1) // doc
	recvMsg(t, c2) // doc
	recvMsg(t, c1) // c2 join

	s.leave <- c2
	msg := recvMsg(t, c1)
	if msg.Type != MsgLeave {
		t.Fatalf("expected leave, got %q", msg.Type)
	}
	if msg.ClientID != "c2" {
		t.Errorf("leave clientId = %q, want %q", msg.ClientID, "c2")
	}
}

func TestAppendOps(t *testing.T) {
	header := delta.Attributes{"header": 1}
	tests := []struct {
		name string
		doc  *delta.Document
		ops  []*delta.Op
		want string
	}{
		{
			"empty document",
			delta.New(nil),
			[]*delta.Op{delta.Text("a", nil)},
			`{"ops":[{"insert":"a"},{"insert":"\n"}]}`,
		},
		{
			"merges with last line",
			textDoc("ab"),
			[]*delta.Op{delta.Text("c", nil)},
			`{"ops":[{"insert":"abc"},{"insert":"\n"}]}`,
		},
		{
			"keeps trailing block modifier",
			delta.NewBuilder().Text("Title", nil).Line(header).Build(),
			[]*delta.Op{delta.Text("!", nil)},
			`{"ops":[{"insert":"Title!"},{"insert":"\n","attributes":{"header":1}}]}`,
		},
		{
			"embed ahead of separator",
			textDoc("see"),
			[]*delta.Op{delta.Embed("image", "x.png", nil)},
			`{"ops":[{"insert":"see"},{"insert":{"image":"x.png"}},{"insert":"\n"}]}`,
		},
		{
			"new line in batch",
			textDoc("a"),
			[]*delta.Op{delta.Text("\n", nil), delta.Text("b", nil)},
			`{"ops":[{"insert":"a\nb"},{"insert":"\n"}]}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before, _ := json.Marshal(tt.doc)
			got, err := json.Marshal(appendOps(tt.doc, tt.ops))
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
			after, _ := json.Marshal(tt.doc)
			if string(before) != string(after) {
				t.Errorf("input document changed: %s -> %s", before, after)
			}
		})
	}
}
