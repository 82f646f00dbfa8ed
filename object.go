package litb

// Object is the in-memory form of one marshalled value. Concrete types:
//
//	Singleton                 NULL, NONE, STOPITER, ELLIPSIS
//	bool                      TRUE / FALSE
//	int32, int64              INT, INT64
//	*big.Int                  LONG
//	FloatStr, float64         FLOAT, BINARY_FLOAT
//	ComplexStr, complex128    COMPLEX, BINARY_COMPLEX
//	*Bytes                    STRING
//	*Str                      UNICODE/INTERNED/ASCII/SHORT_ASCII variants
//	*Tuple                    TUPLE / SMALL_TUPLE
//	*Set                      SET / FROZENSET
//	*Code                     CODE
//
// Shared values (back-references in the stream) come out as the same
// pointer, so identity survives a round-trip.
type Object interface{}

// Singleton covers the tags that carry no payload and are never entered
// in the reference table.
type Singleton uint8

const (
	Null Singleton = iota
	None
	StopIteration
	Ellipsis
)

func (s Singleton) String() string {
	switch s {
	case Null:
		return "NULL"
	case None:
		return "None"
	case StopIteration:
		return "StopIteration"
	case Ellipsis:
		return "Ellipsis"
	}
	return "singleton?"
}

// FloatStr is a FLOAT serialized in its legacy decimal-text form. The
// text is kept verbatim so re-marshalling emits the exact source bytes.
type FloatStr string

// ComplexStr is the legacy decimal-text COMPLEX form.
type ComplexStr struct {
	Real string
	Imag string
}

// Bytes is a STRING value (raw byte string).
type Bytes struct {
	Data []byte
}

// StrKind selects which of the six unicode tags a Str round-trips as.
type StrKind uint8

const (
	StrUnicode StrKind = iota
	StrInterned
	StrASCII
	StrASCIIInterned
	StrShortASCII
	StrShortASCIIInterned
)

// Str is a unicode string value. Interning has no runtime meaning here;
// the kind only preserves the tag byte on re-marshal.
type Str struct {
	Value string
	Kind  StrKind
}

// Tuple is a TUPLE or SMALL_TUPLE. Small records which of the two tags
// the value was read with (or should be written with, when it fits).
type Tuple struct {
	Items []Object
	Small bool
}

// NewTuple builds a tuple with the tag CPython would pick for its size.
func NewTuple(items ...Object) *Tuple {
	if items == nil {
		items = []Object{}
	}
	return &Tuple{Items: items, Small: len(items) <= 255}
}

// Set is a SET or FROZENSET. Element order is the stream order.
type Set struct {
	Items  []Object
	Frozen bool
}

// Code is one compiled code object. The object-valued fields hold
// whatever the stream carried (usually *Bytes for Code and LNoTab,
// *Tuple for the sequences, *Str for Filename and Name) so that
// re-marshalling reproduces the original tags and sharing. Immutable
// after construction.
type Code struct {
	ArgCount       int32
	KwOnlyArgCount int32
	NLocals        int32
	StackSize      int32
	Flags          int32

	Code     Object
	Consts   Object
	Names    Object
	VarNames Object
	FreeVars Object
	CellVars Object
	Filename Object
	Name     Object

	FirstLineNo int32
	LNoTab      Object
}

// Bytecode returns the instruction stream, or nil if the Code field is
// not a byte string.
func (c *Code) Bytecode() []byte {
	if b, ok := c.Code.(*Bytes); ok {
		return b.Data
	}
	return nil
}

// ConstItems returns the constant pool entries, or nil if Consts is not
// a tuple.
func (c *Code) ConstItems() []Object {
	if t, ok := c.Consts.(*Tuple); ok {
		return t.Items
	}
	return nil
}

// NestedCode returns the code objects in the constant pool, in order.
func (c *Code) NestedCode() []*Code {
	var out []*Code
	for _, it := range c.ConstItems() {
		if cc, ok := it.(*Code); ok {
			out = append(out, cc)
		}
	}
	return out
}

// FilenameStr returns the filename for log output, or "?" when it is
// not a plain string.
func (c *Code) FilenameStr() string {
	if s, ok := c.Filename.(*Str); ok {
		return s.Value
	}
	return "?"
}
