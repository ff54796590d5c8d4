package delta

// Builder accumulates ops and finalizes them into a Document.
//
//	doc := delta.NewBuilder().
//		Text("Hello ", nil).
//		Text("world", delta.Attributes{"bold": true}).
//		Build()
type Builder struct {
	ops []*Op
}

func NewBuilder() *Builder {
	return &Builder{}
}

// Push appends op.
func (b *Builder) Push(op *Op) *Builder {
	b.ops = append(b.ops, op)
	return b
}

func (b *Builder) Text(value string, attrs Attributes) *Builder {
	return b.Push(Text(value, attrs))
}

func (b *Builder) Embed(typ string, data any, attrs Attributes) *Builder {
	return b.Push(Embed(typ, data, attrs))
}

// Line appends a line separator carrying the block attributes of the line
// it ends.
func (b *Builder) Line(attrs Attributes) *Builder {
	return b.Push(Text(LineSeparator, attrs))
}

// Build ends the content with a bare line separator unless the last op is
// already a line separator, and returns a Document over the pushed ops.
func (b *Builder) Build() *Document {
	if n := len(b.ops); n == 0 || !isLineSeparator(b.ops[n-1]) {
		b.Line(nil)
	}
	ops := make([]*Op, len(b.ops))
	copy(ops, b.ops)
	return New(ops)
}

func isLineSeparator(op *Op) bool {
	return op.insert.Kind == InsertText && op.insert.Text == LineSeparator
}
