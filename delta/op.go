package delta

import (
	"encoding/json"
	"fmt"
	"strings"
)

// InsertKind tags the content carried by an Insert.
type InsertKind int

const (
	InsertText InsertKind = iota
	InsertEmbed
)

// Insert is the content of an Op: either a text fragment or a single embed
// such as {"image": "https://..."}.
type Insert struct {
	Kind      InsertKind
	Text      string
	EmbedType string
	EmbedData any // string or a JSON-like structured value
}

// TextInsert returns a text insert.
func TextInsert(s string) Insert { return Insert{Kind: InsertText, Text: s} }

// EmbedInsert returns an embed insert of the given type.
func EmbedInsert(typ string, data any) Insert {
	return Insert{Kind: InsertEmbed, EmbedType: typ, EmbedData: data}
}

func (in Insert) IsEmbed() bool { return in.Kind == InsertEmbed }

// IsEmpty reports whether the insert carries no content. Embeds always do.
func (in Insert) IsEmpty() bool { return in.Kind == InsertText && in.Text == "" }

// Value returns the JSON-like form of the insert: a string or a one-key map.
func (in Insert) Value() any {
	if in.Kind == InsertEmbed {
		return map[string]any{in.EmbedType: cloneValue(in.EmbedData)}
	}
	return in.Text
}

// Op is a single insertion with its formatting attributes.
type Op struct {
	insert     Insert
	attributes Attributes
}

// NewOp creates an Op, dropping attributes whose value IsEmptyValue.
func NewOp(insert Insert, attrs Attributes) *Op {
	op := &Op{insert: insert, attributes: Attributes{}}
	for name, value := range attrs {
		if !IsEmptyValue(value) {
			op.SetAttribute(name, value)
		}
	}
	return op
}

// Text creates a text Op.
func Text(value string, attrs Attributes) *Op {
	return NewOp(TextInsert(value), attrs)
}

// Embed creates an Op embedding data of the given type.
func Embed(typ string, data any, attrs Attributes) *Op {
	return NewOp(EmbedInsert(typ, data), attrs)
}

// BlockModifier creates a line separator carrying a single block attribute,
// e.g. BlockModifier("header", 2). A nil value means true.
func BlockModifier(typ string, value any) *Op {
	if value == nil {
		value = true
	}
	return Text(LineSeparator, Attributes{typ: value})
}

func (o *Op) Insert() Insert { return o.insert }

func (o *Op) SetInsert(in Insert) { o.insert = in }

// Attributes returns a copy of the op's attributes.
func (o *Op) Attributes() Attributes { return o.attributes.Clone() }

func (o *Op) HasAttribute(name string) bool {
	v, ok := o.attributes[name]
	return ok && v != nil
}

// Attribute returns the named attribute and whether it is set.
func (o *Op) Attribute(name string) (any, bool) {
	v, ok := o.attributes[name]
	return v, ok
}

// SetAttribute sets name unconditionally; empty values are not filtered here.
func (o *Op) SetAttribute(name string, value any) {
	if o.attributes == nil {
		o.attributes = Attributes{}
	}
	o.attributes[name] = value
}

// RemoveAttributes deletes the named attributes. Missing names are ignored.
func (o *Op) RemoveAttributes(names ...string) {
	for _, name := range names {
		delete(o.attributes, name)
	}
}

func (o *Op) IsEmbed() bool { return o.insert.IsEmbed() }

// IsBlockModifier reports whether the op is a line separator with formatting,
// i.e. it carries block attributes such as list or header for its line.
func (o *Op) IsBlockModifier() bool {
	return o.insert.Kind == InsertText && o.insert.Text == LineSeparator && len(o.attributes) > 0
}

// IsNoOp reports whether the op has neither content nor attributes.
func (o *Op) IsNoOp() bool {
	return o.insert.IsEmpty() && len(o.attributes) == 0
}

// Compact drops attributes that restate the default. Currently that is an
// indent of zero.
func (o *Op) Compact() {
	var remove []string
	if v, ok := o.attributes["indent"]; ok && isNumericZero(v) {
		remove = append(remove, "indent")
	}
	o.RemoveAttributes(remove...)
}

// Clone returns a deep copy of the op.
func (o *Op) Clone() *Op {
	in := o.insert
	in.EmbedData = cloneValue(in.EmbedData)
	attrs := o.attributes.Clone()
	if attrs == nil {
		attrs = Attributes{}
	}
	return &Op{insert: in, attributes: attrs}
}

// ToMap returns the wire form {"insert": ..., "attributes": {...}}. The
// attributes key is present only when the op has attributes.
func (o *Op) ToMap() map[string]any {
	m := map[string]any{"insert": o.insert.Value()}
	if len(o.attributes) > 0 {
		m["attributes"] = map[string]any(o.attributes.Clone())
	}
	return m
}

func (o *Op) String() string {
	if o.insert.IsEmbed() {
		return fmt.Sprintf("{%s:%v}%v", o.insert.EmbedType, o.insert.EmbedData, map[string]any(o.attributes))
	}
	if len(o.attributes) == 0 {
		return fmt.Sprintf("%q", o.insert.Text)
	}
	return fmt.Sprintf("%q%v", o.insert.Text, map[string]any(o.attributes))
}

type opJSON struct {
	Insert     any        `json:"insert"`
	Attributes Attributes `json:"attributes,omitempty"`
}

type opWire struct {
	Insert     json.RawMessage `json:"insert"`
	Attributes Attributes      `json:"attributes"`
}

func (o *Op) MarshalJSON() ([]byte, error) {
	return json.Marshal(opJSON{Insert: o.insert.Value(), Attributes: o.attributes})
}

// UnmarshalJSON decodes the wire form. An insert that is neither a string nor
// a single-key object cannot be represented and is reported as an error.
func (o *Op) UnmarshalJSON(data []byte) error {
	var w opWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if len(w.Insert) == 0 {
		return fmt.Errorf("delta: op has no insert")
	}
	var raw any
	if err := json.Unmarshal(w.Insert, &raw); err != nil {
		return fmt.Errorf("delta: decode insert: %w", err)
	}
	in, err := insertFromValue(raw)
	if err != nil {
		return err
	}
	*o = *NewOp(in, w.Attributes)
	return nil
}

// OpFromMap is the inverse of ToMap for JSON-like values as produced by
// encoding/json or a document database.
func OpFromMap(m map[string]any) (*Op, error) {
	raw, ok := m["insert"]
	if !ok {
		return nil, fmt.Errorf("delta: op has no insert")
	}
	in, err := insertFromValue(raw)
	if err != nil {
		return nil, err
	}
	var attrs Attributes
	switch a := m["attributes"].(type) {
	case nil:
	case map[string]any:
		attrs = a
	case Attributes:
		attrs = a
	default:
		return nil, fmt.Errorf("delta: attributes must be an object, got %T", a)
	}
	return NewOp(in, attrs.Clone()), nil
}

func insertFromValue(v any) (Insert, error) {
	switch t := v.(type) {
	case string:
		return TextInsert(t), nil
	case map[string]any:
		if len(t) != 1 {
			return Insert{}, fmt.Errorf("delta: embed must have exactly one key, got %d", len(t))
		}
		for typ, data := range t {
			return EmbedInsert(typ, data), nil
		}
	}
	return Insert{}, fmt.Errorf("delta: unsupported insert type %T", v)
}

// ApplyAttributes sets every significant attribute in attrs on each op.
func ApplyAttributes(ops []*Op, attrs Attributes) {
	for _, op := range ops {
		for name, value := range attrs {
			if !IsEmptyValue(value) {
				op.SetAttribute(name, value)
			}
		}
	}
}

func isNumericZero(v any) bool {
	n, ok := toFloat(v)
	return ok && n == 0
}

func endsWithLineSeparator(in Insert) bool {
	return in.Kind == InsertText && strings.HasSuffix(in.Text, LineSeparator)
}
