package delta

import (
	"encoding/json"
	"fmt"
	"strings"
)

// LineSeparator ends every line, and every compacted non-empty Document.
const LineSeparator = "\n"

// Document is an ordered list of insert ops describing rich text.
// A Document owns its ops; it is not safe for concurrent use.
type Document struct {
	ops []*Op
}

// New creates a Document over ops. The slice is taken over by the Document.
func New(ops []*Op) *Document {
	return &Document{ops: ops}
}

// Ops returns the document's ops in reading order.
func (d *Document) Ops() []*Op { return d.ops }

func (d *Document) Len() int { return len(d.ops) }

// Compact normalizes the document in place and returns the number of passes
// that reduced it. Adjacent text ops with equal attributes are merged until a
// fixed point, each op is compacted, and the document is made to end in a
// bare line separator.
func (d *Document) Compact() int {
	passes := 0
	for {
		for d.CompactionPass() {
			passes++
		}
		// Pruned attributes can make neighbours mergeable again.
		if !d.compactOps() {
			break
		}
	}
	d.addMissingLineSeparator()
	return passes
}

// compactOps compacts every op and reports whether any attribute was dropped.
func (d *Document) compactOps() bool {
	changed := false
	for _, op := range d.ops {
		n := len(op.attributes)
		op.Compact()
		if len(op.attributes) != n {
			changed = true
		}
	}
	return changed
}

// CompactionPass performs one left-to-right merge scan and reports whether
// it removed any ops.
//
// Removed slots are set to nil during the scan and dropped at the end. The
// scan never merges into an embed, skips the op following an embed, and stops
// as soon as the only op left ahead is a trailing line separator.
func (d *Document) CompactionPass() bool {
	ops := d.ops
	start := len(ops)

	for i := 0; i+1 < len(ops); i++ {
		cur := ops[i]
		if cur.IsNoOp() {
			ops[i] = nil
			continue
		}
		if cur.IsEmbed() {
			continue
		}

		next := ops[i+1]
		if next.IsEmbed() {
			i++
			continue
		}
		if i+2 == len(ops) && next.insert.Text == LineSeparator {
			break
		}
		if !cur.attributes.Equal(next.attributes) {
			continue
		}

		ops[i] = Text(cur.insert.Text+next.insert.Text, cur.attributes)
		ops[i+1] = nil
		i++
	}

	kept := ops[:0]
	for _, op := range ops {
		if op != nil {
			kept = append(kept, op)
		}
	}
	clear(ops[len(kept):])
	d.ops = kept

	return start > len(d.ops)
}

// addMissingLineSeparator makes a non-empty document end in its own bare line
// separator. A trailing separator fused onto text is split off; a trailing
// no-op, which the scan never reaches, becomes the separator.
func (d *Document) addMissingLineSeparator() {
	if len(d.ops) == 0 {
		return
	}
	last := d.ops[len(d.ops)-1]
	if isLineSeparator(last) {
		return
	}
	if last.IsNoOp() {
		last.SetInsert(TextInsert(LineSeparator))
		return
	}
	if in := last.insert; endsWithLineSeparator(in) {
		last.SetInsert(TextInsert(strings.TrimSuffix(in.Text, LineSeparator)))
	}
	d.ops = append(d.ops, Text(LineSeparator, nil))
}

// ToPlainText concatenates the text inserts, skipping embeds.
func (d *Document) ToPlainText() string {
	var b strings.Builder
	for _, op := range d.ops {
		if op.insert.Kind == InsertText {
			b.WriteString(op.insert.Text)
		}
	}
	return b.String()
}

// Clone returns a deep copy of the document.
func (d *Document) Clone() *Document {
	ops := make([]*Op, len(d.ops))
	for i, op := range d.ops {
		ops[i] = op.Clone()
	}
	return New(ops)
}

// Compacted returns a compacted deep copy, leaving d untouched.
func (d *Document) Compacted() *Document {
	c := d.Clone()
	c.Compact()
	return c
}

// ToMap returns {"ops": [...]} for a compacted copy of the document.
func (d *Document) ToMap() map[string]any {
	c := d.Compacted()
	ops := make([]map[string]any, len(c.ops))
	for i, op := range c.ops {
		ops[i] = op.ToMap()
	}
	return map[string]any{"ops": ops}
}

type documentJSON struct {
	Ops []*Op `json:"ops"`
}

// MarshalJSON encodes a compacted copy of the document.
func (d *Document) MarshalJSON() ([]byte, error) {
	c := d.Compacted()
	ops := c.ops
	if ops == nil {
		ops = []*Op{}
	}
	return json.Marshal(documentJSON{Ops: ops})
}

// UnmarshalJSON decodes {"ops": [...]} as is, without compacting.
func (d *Document) UnmarshalJSON(data []byte) error {
	var w documentJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	for i, op := range w.Ops {
		if op == nil {
			return fmt.Errorf("delta: op %d is null", i)
		}
	}
	d.ops = w.Ops
	return nil
}

// FromMap builds a Document from the JSON-like form returned by ToMap.
func FromMap(m map[string]any) (*Document, error) {
	var ops []*Op
	switch raw := m["ops"].(type) {
	case nil:
	case []any:
		ops = make([]*Op, 0, len(raw))
		for i, r := range raw {
			om, ok := r.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("delta: op %d is %T, want object", i, r)
			}
			op, err := OpFromMap(om)
			if err != nil {
				return nil, fmt.Errorf("delta: op %d: %w", i, err)
			}
			ops = append(ops, op)
		}
	case []map[string]any:
		ops = make([]*Op, 0, len(raw))
		for i, om := range raw {
			op, err := OpFromMap(om)
			if err != nil {
				return nil, fmt.Errorf("delta: op %d: %w", i, err)
			}
			ops = append(ops, op)
		}
	default:
		return nil, fmt.Errorf("delta: ops must be a list, got %T", raw)
	}
	return New(ops), nil
}
