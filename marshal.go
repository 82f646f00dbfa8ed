package litb

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/big"
)

// Marshaller is the mirror of Unmarshaller. Sharing is detected with a
// counting pre-pass over the value graph: an object seen more than once
// (by identity for pointer types, by value for scalars) gets flagRef on
// its first emission and a REF for every later one. This matches the
// observable output of the stock interpreter, which only flags objects
// whose reference count exceeds one.
type Marshaller struct {
	w      io.Writer
	cfg    *Config
	refs   map[Object]int
	counts map[Object]int
	next   int
	depth  int
}

func NewMarshaller(w io.Writer, cfg *Config) *Marshaller {
	if cfg == nil {
		cfg = PlainConfig(nil)
	}
	return &Marshaller{w: w, cfg: cfg, refs: make(map[Object]int)}
}

// Dump writes one tagged value.
func (m *Marshaller) Dump(obj Object) error {
	if m.counts == nil {
		m.counts = make(map[Object]int)
		m.count(obj)
	}
	return m.dumpObject(obj)
}

// DumpCodeBody writes a CODE payload without the leading tag byte, the
// layout an encrypted envelope carries as plaintext.
func (m *Marshaller) DumpCodeBody(c *Code) error {
	if m.counts == nil {
		m.counts = make(map[Object]int)
		m.countCodeFields(c)
	}
	return m.dumpCodeBody(c)
}

// count tallies occurrences of referenceable objects. Containers are
// descended only on first sight so shared subtrees are not double
// counted; code objects are descended only when their bodies share the
// current stream (plain dispatch), because each envelope owns a private
// reference table.
func (m *Marshaller) count(obj Object) {
	switch v := obj.(type) {
	case Singleton, bool, nil:
	case int32, int64, FloatStr, ComplexStr:
		m.counts[v]++
	case float64:
		if !math.IsNaN(v) {
			m.counts[v]++
		}
	case complex128:
		if !math.IsNaN(real(v)) && !math.IsNaN(imag(v)) {
			m.counts[v]++
		}
	case *big.Int, *Bytes, *Str:
		m.counts[v]++
	case *Tuple:
		m.counts[v]++
		if m.counts[v] == 1 {
			for _, it := range v.Items {
				m.count(it)
			}
		}
	case *Set:
		m.counts[v]++
		if m.counts[v] == 1 {
			for _, it := range v.Items {
				m.count(it)
			}
		}
	case *Code:
		m.counts[v]++
		if m.counts[v] == 1 && !m.cfg.EnvelopedCode {
			m.countCodeFields(v)
		}
	}
}

func (m *Marshaller) countCodeFields(c *Code) {
	for _, f := range []Object{c.Code, c.Consts, c.Names, c.VarNames,
		c.FreeVars, c.CellVars, c.Filename, c.Name, c.LNoTab} {
		m.count(f)
	}
}

func (m *Marshaller) write(b []byte) error {
	_, err := m.w.Write(b)
	return err
}

func (m *Marshaller) wByte(b byte) error {
	return m.write([]byte{b})
}

// wLong writes one unsigned little-endian 32-bit word; negative values
// travel as two's complement.
func (m *Marshaller) wLong(v int32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	return m.write(b[:])
}

func (m *Marshaller) wLong64(v int64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	return m.write(b[:])
}

// wMaybeRef emits either a REF to a previously written object or the
// object's tag, flagged when the object will recur. The table index is
// claimed before the body is written so nested occurrences resolve.
func (m *Marshaller) wMaybeRef(tag byte, key Object, body func() error) error {
	if idx, ok := m.refs[key]; ok {
		if err := m.wByte(typeRef); err != nil {
			return err
		}
		return m.wLong(int32(idx))
	}
	if m.counts[key] > 1 {
		m.refs[key] = m.next
		m.next++
		tag |= flagRef
	}
	if err := m.wByte(tag); err != nil {
		return err
	}
	return body()
}

func (m *Marshaller) dumpObject(obj Object) error {
	m.depth++
	if m.depth > maxMarshalStackDepth {
		return ErrDepthExceeded
	}
	defer func() { m.depth-- }()

	switch v := obj.(type) {
	case Singleton:
		switch v {
		case Null:
			return m.wByte(typeNull)
		case None:
			return m.wByte(typeNone)
		case StopIteration:
			return m.wByte(typeStopIter)
		case Ellipsis:
			return m.wByte(typeEllipsis)
		}
		return fmt.Errorf("unmarshallable singleton %d", v)
	case bool:
		if v {
			return m.wByte(typeTrue)
		}
		return m.wByte(typeFalse)
	case int32:
		return m.wMaybeRef(typeInt, v, func() error { return m.wLong(v) })
	case int64:
		return m.wMaybeRef(typeInt64, v, func() error { return m.wLong64(v) })
	case FloatStr:
		return m.wMaybeRef(typeFloat, v, func() error { return m.wShortBytes([]byte(v)) })
	case float64:
		return m.wMaybeRef(typeBinaryFloat, v, func() error { return m.write(float64bytes(v)) })
	case ComplexStr:
		return m.wMaybeRef(typeComplex, v, func() error {
			if err := m.wShortBytes([]byte(v.Real)); err != nil {
				return err
			}
			return m.wShortBytes([]byte(v.Imag))
		})
	case complex128:
		return m.wMaybeRef(typeBinaryComplex, v, func() error {
			if err := m.write(float64bytes(real(v))); err != nil {
				return err
			}
			return m.write(float64bytes(imag(v)))
		})
	case *big.Int:
		return m.wMaybeRef(typeLong, v, func() error { return m.wLongDigits(v) })
	case *Bytes:
		return m.wMaybeRef(typeString, v, func() error {
			if err := m.wLong(int32(len(v.Data))); err != nil {
				return err
			}
			return m.write(v.Data)
		})
	case *Str:
		return m.wMaybeRef(strTag(v), v, func() error { return m.wStrBody(v) })
	case *Tuple:
		tag := byte(typeTuple)
		small := v.Small && len(v.Items) <= 255
		if small {
			tag = typeSmallTuple
		}
		return m.wMaybeRef(tag, v, func() error {
			if small {
				if err := m.wByte(byte(len(v.Items))); err != nil {
					return err
				}
			} else {
				if err := m.wLong(int32(len(v.Items))); err != nil {
					return err
				}
			}
			for _, it := range v.Items {
				if err := m.dumpObject(it); err != nil {
					return err
				}
			}
			return nil
		})
	case *Set:
		tag := byte(typeSet)
		if v.Frozen {
			tag = typeFrozenSet
		}
		return m.wMaybeRef(tag, v, func() error {
			if err := m.wLong(int32(len(v.Items))); err != nil {
				return err
			}
			for _, it := range v.Items {
				if err := m.dumpObject(it); err != nil {
					return err
				}
			}
			return nil
		})
	case *Code:
		return m.wMaybeRef(typeCode, v, func() error { return m.cfg.DumpCode(m, v) })
	case nil:
		return fmt.Errorf("cannot marshal nil object")
	}
	return fmt.Errorf("cannot marshal %T", obj)
}

func (m *Marshaller) wShortBytes(b []byte) error {
	if len(b) > 255 {
		return fmt.Errorf("%w: literal of %d bytes", ErrSizeOutOfRange, len(b))
	}
	if err := m.wByte(byte(len(b))); err != nil {
		return err
	}
	return m.write(b)
}

// strTag picks the wire tag for a string, promoting short variants that
// no longer fit in a one-byte length.
func strTag(s *Str) byte {
	switch s.Kind {
	case StrInterned:
		return typeInterned
	case StrASCII:
		return typeASCII
	case StrASCIIInterned:
		return typeASCIIInterned
	case StrShortASCII:
		if len(s.Value) > 255 {
			return typeASCII
		}
		return typeShortASCII
	case StrShortASCIIInterned:
		if len(s.Value) > 255 {
			return typeASCIIInterned
		}
		return typeShortASCIIInterned
	}
	return typeUnicode
}

func (m *Marshaller) wStrBody(s *Str) error {
	b := []byte(s.Value)
	switch strTag(s) {
	case typeShortASCII, typeShortASCIIInterned:
		return m.wShortBytes(b)
	}
	if err := m.wLong(int32(len(b))); err != nil {
		return err
	}
	return m.write(b)
}

// wLongDigits writes the arbitrary-precision format: signed digit count
// then 15-bit little-endian digits.
func (m *Marshaller) wLongDigits(v *big.Int) error {
	if v.Sign() == 0 {
		return m.wLong(0)
	}
	abs := new(big.Int).Abs(v)
	mask := big.NewInt(1<<15 - 1)
	var digits []uint16
	for abs.Sign() > 0 {
		d := new(big.Int).And(abs, mask)
		digits = append(digits, uint16(d.Uint64()))
		abs.Rsh(abs, 15)
	}
	n := int32(len(digits))
	if v.Sign() < 0 {
		n = -n
	}
	if err := m.wLong(n); err != nil {
		return err
	}
	for _, d := range digits {
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], d)
		if err := m.write(b[:]); err != nil {
			return err
		}
	}
	return nil
}

func (m *Marshaller) dumpCodeBody(c *Code) error {
	for _, v := range []int32{c.ArgCount, c.KwOnlyArgCount, c.NLocals, c.StackSize, c.Flags} {
		if err := m.wLong(v); err != nil {
			return err
		}
	}
	for _, f := range []Object{c.Code, c.Consts, c.Names, c.VarNames,
		c.FreeVars, c.CellVars, c.Filename, c.Name} {
		if err := m.dumpObject(f); err != nil {
			return err
		}
	}
	if err := m.wLong(c.FirstLineNo); err != nil {
		return err
	}
	return m.dumpObject(c.LNoTab)
}

// DumpPlainCode writes the CODE payload inline, sharing the stream and
// reference table of the enclosing marshaller.
func DumpPlainCode(m *Marshaller, c *Code) error {
	return m.dumpCodeBody(c)
}

func float64bytes(f float64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], math.Float64bits(f))
	return b[:]
}

func float64frombytes(b []byte) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(b))
}
