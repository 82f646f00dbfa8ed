package litb

import (
	"encoding/binary"
	"fmt"
	"io"
	"math/big"
)

// Tag bytes of the compiled-module wire format. Bit 7 (flagRef) marks a
// value that occupies a slot in the reference table.
const (
	flagRef = 0x80

	typeNull               = '0'
	typeNone               = 'N'
	typeFalse              = 'F'
	typeTrue               = 'T'
	typeStopIter           = 'S'
	typeEllipsis           = '.'
	typeInt                = 'i'
	typeInt64              = 'I'
	typeFloat              = 'f'
	typeBinaryFloat        = 'g'
	typeComplex            = 'x'
	typeBinaryComplex      = 'y'
	typeLong               = 'l'
	typeString             = 's'
	typeInterned           = 't'
	typeRef                = 'r'
	typeTuple              = '('
	typeList               = '['
	typeDict               = '{'
	typeCode               = 'c'
	typeUnicode            = 'u'
	typeUnknown            = '?'
	typeSet                = '<'
	typeFrozenSet          = '>'
	typeASCII              = 'a'
	typeASCIIInterned      = 'A'
	typeSmallTuple         = ')'
	typeShortASCII         = 'z'
	typeShortASCIIInterned = 'Z'
)

const (
	maxMarshalStackDepth = 2000
	size32Max            = 0x7FFFFFFF
)

// CodeLoader reads the payload of one CODE value. The tag byte has
// already been consumed by the dispatcher.
type CodeLoader func(u *Unmarshaller) (Object, error)

// CodeDumper writes the payload of one CODE value. The tag byte has
// already been emitted.
type CodeDumper func(m *Marshaller, c *Code) error

// Config fixes the CODE dispatch and opcode table for a session. It is
// shared read-only between an unmarshaller and every nested unmarshaller
// it spawns, so an entire code tree sees one consistent dispatch.
type Config struct {
	LoadCode CodeLoader
	DumpCode CodeDumper
	Opcodes  *OpcodeMapping

	// EnvelopedCode marks that code bodies live in their own encrypted
	// streams, each with a private reference table.
	EnvelopedCode bool
}

// PlainConfig handles stock-interpreter modules: CODE payloads sit
// inline in the stream.
func PlainConfig(m *OpcodeMapping) *Config {
	return &Config{LoadCode: LoadPlainCode, DumpCode: DumpPlainCode, Opcodes: m}
}

// EncryptedConfig handles obfuscated modules: every CODE payload is
// wrapped in a (rand, length, ciphertext) envelope. Instruction streams
// are passed through untouched.
func EncryptedConfig(m *OpcodeMapping) *Config {
	return &Config{LoadCode: LoadEncryptedCode, DumpCode: DumpEncryptedCode, Opcodes: m, EnvelopedCode: true}
}

// EncryptedRemapConfig decrypts like EncryptedConfig and additionally
// rewrites each instruction stream to stock opcode numbering as it is
// loaded.
func EncryptedRemapConfig(m *OpcodeMapping) *Config {
	return &Config{LoadCode: LoadEncryptedRemapCode, DumpCode: DumpEncryptedCode, Opcodes: m, EnvelopedCode: true}
}

// Unmarshaller decodes one top-level value from a byte stream. The
// reference table, depth counter and flag stack are private to the
// instance; nested unmarshallers created for encrypted envelopes share
// only the Config.
type Unmarshaller struct {
	r     io.Reader
	cfg   *Config
	refs  []Object
	flags []bool
	depth int
}

func NewUnmarshaller(r io.Reader, cfg *Config) *Unmarshaller {
	if cfg == nil {
		cfg = PlainConfig(nil)
	}
	return &Unmarshaller{r: r, cfg: cfg}
}

// Load reads one tagged value.
func (u *Unmarshaller) Load() (Object, error) {
	return u.rObject()
}

// LoadCode reads one CODE payload with no leading tag byte, the layout
// an encrypted envelope carries as plaintext. Code objects nested in
// the payload still go through the configured CODE dispatch.
func (u *Unmarshaller) LoadCode() (Object, error) {
	return LoadPlainCode(u)
}

func (u *Unmarshaller) read(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(u.r, buf); err != nil {
		return nil, fmt.Errorf("%w: wanted %d bytes: %v", ErrTruncatedStream, n, err)
	}
	return buf, nil
}

func (u *Unmarshaller) rByte() (byte, error) {
	b, err := u.read(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (u *Unmarshaller) rLong() (int32, error) {
	b, err := u.read(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b)), nil
}

func (u *Unmarshaller) rLong64() (int64, error) {
	b, err := u.read(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b)), nil
}

// rDigit reads one 15-bit LONG digit stored as a 16-bit word.
func (u *Unmarshaller) rDigit() (uint16, error) {
	b, err := u.read(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// rSize reads a 32-bit count and bounds-checks it.
func (u *Unmarshaller) rSize() (int, error) {
	n, err := u.rLong()
	if err != nil {
		return 0, err
	}
	if n < 0 || n > size32Max {
		return 0, fmt.Errorf("%w: %d", ErrSizeOutOfRange, n)
	}
	return int(n), nil
}

// refFlagged reports whether the tag currently being decoded carried
// flagRef.
func (u *Unmarshaller) refFlagged() bool {
	return len(u.flags) > 0 && u.flags[len(u.flags)-1]
}

// rRef appends obj to the reference table if the current tag was
// flagged. Used by values whose slot may be assigned after decoding.
func (u *Unmarshaller) rRef(obj Object) Object {
	if u.refFlagged() {
		log.Debugf("adding reference %d", len(u.refs))
		u.refs = append(u.refs, obj)
	}
	return obj
}

// rRefReserve claims the next table slot before children are decoded so
// that back-references into a container under construction resolve.
// Returns -1 when the current tag was not flagged.
func (u *Unmarshaller) rRefReserve() int {
	if !u.refFlagged() {
		return -1
	}
	idx := len(u.refs)
	u.refs = append(u.refs, nil)
	log.Debugf("reserved reference %d", idx)
	return idx
}

func (u *Unmarshaller) rRefInsert(idx int, obj Object) {
	if idx >= 0 {
		u.refs[idx] = obj
	}
}

func (u *Unmarshaller) rObject() (Object, error) {
	tag, err := u.rByte()
	if err != nil {
		return nil, err
	}
	flagged := tag&flagRef != 0
	tag &^= flagRef

	u.depth++
	if u.depth > maxMarshalStackDepth {
		return nil, ErrDepthExceeded
	}
	u.flags = append(u.flags, flagged)
	defer func() {
		u.flags = u.flags[:len(u.flags)-1]
		u.depth--
	}()

	switch tag {
	case typeNull:
		return Null, nil
	case typeNone:
		return None, nil
	case typeTrue:
		return true, nil
	case typeFalse:
		return false, nil
	case typeStopIter:
		return StopIteration, nil
	case typeEllipsis:
		return Ellipsis, nil
	case typeInt:
		return u.loadInt()
	case typeInt64:
		return u.loadInt64()
	case typeFloat:
		return u.loadFloat()
	case typeBinaryFloat:
		return u.loadBinaryFloat()
	case typeComplex:
		return u.loadComplex()
	case typeBinaryComplex:
		return u.loadBinaryComplex()
	case typeLong:
		return u.loadLong()
	case typeString:
		return u.loadString()
	case typeInterned:
		return u.loadStr(StrInterned)
	case typeUnicode:
		return u.loadStr(StrUnicode)
	case typeASCII:
		return u.loadStr(StrASCII)
	case typeASCIIInterned:
		return u.loadStr(StrASCIIInterned)
	case typeShortASCII:
		return u.loadShortStr(StrShortASCII)
	case typeShortASCIIInterned:
		return u.loadShortStr(StrShortASCIIInterned)
	case typeRef:
		return u.loadRef()
	case typeTuple:
		return u.loadTuple()
	case typeSmallTuple:
		return u.loadSmallTuple()
	case typeSet:
		return u.loadSet(false)
	case typeFrozenSet:
		return u.loadSet(true)
	case typeCode:
		return u.cfg.LoadCode(u)
	case typeList, typeDict, typeUnknown:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTag, tag)
	}
	return nil, fmt.Errorf("%w: %q (%d)", ErrUnknownTag, tag, tag)
}

func (u *Unmarshaller) loadInt() (Object, error) {
	v, err := u.rLong()
	if err != nil {
		return nil, err
	}
	return u.rRef(v), nil
}

func (u *Unmarshaller) loadInt64() (Object, error) {
	v, err := u.rLong64()
	if err != nil {
		return nil, err
	}
	return u.rRef(v), nil
}

func (u *Unmarshaller) loadFloat() (Object, error) {
	n, err := u.rByte()
	if err != nil {
		return nil, err
	}
	s, err := u.read(int(n))
	if err != nil {
		return nil, err
	}
	return u.rRef(FloatStr(s)), nil
}

func (u *Unmarshaller) loadBinaryFloat() (Object, error) {
	b, err := u.read(8)
	if err != nil {
		return nil, err
	}
	return u.rRef(float64frombytes(b)), nil
}

func (u *Unmarshaller) loadComplex() (Object, error) {
	n, err := u.rByte()
	if err != nil {
		return nil, err
	}
	re, err := u.read(int(n))
	if err != nil {
		return nil, err
	}
	n, err = u.rByte()
	if err != nil {
		return nil, err
	}
	im, err := u.read(int(n))
	if err != nil {
		return nil, err
	}
	return u.rRef(ComplexStr{Real: string(re), Imag: string(im)}), nil
}

func (u *Unmarshaller) loadBinaryComplex() (Object, error) {
	re, err := u.read(8)
	if err != nil {
		return nil, err
	}
	im, err := u.read(8)
	if err != nil {
		return nil, err
	}
	return u.rRef(complex(float64frombytes(re), float64frombytes(im))), nil
}

// loadLong decodes the arbitrary-precision format: a signed digit count
// followed by 15-bit little-endian digits.
func (u *Unmarshaller) loadLong() (Object, error) {
	n, err := u.rLong()
	if err != nil {
		return nil, err
	}
	neg := n < 0
	if neg {
		n = -n
	}
	if int64(n) > size32Max {
		return nil, fmt.Errorf("%w: long digit count %d", ErrSizeOutOfRange, n)
	}
	x := new(big.Int)
	for i := int32(0); i < n; i++ {
		d, err := u.rDigit()
		if err != nil {
			return nil, err
		}
		digit := new(big.Int).Lsh(big.NewInt(int64(d)), uint(15*i))
		x.Or(x, digit)
	}
	if neg {
		x.Neg(x)
	}
	return u.rRef(x), nil
}

func (u *Unmarshaller) loadString() (Object, error) {
	n, err := u.rSize()
	if err != nil {
		return nil, err
	}
	b, err := u.read(n)
	if err != nil {
		return nil, err
	}
	return u.rRef(&Bytes{Data: b}), nil
}

func (u *Unmarshaller) loadStr(kind StrKind) (Object, error) {
	n, err := u.rSize()
	if err != nil {
		return nil, err
	}
	b, err := u.read(n)
	if err != nil {
		return nil, err
	}
	// Go strings hold arbitrary bytes, so lone surrogates encoded by the
	// producer survive the round-trip untouched.
	return u.rRef(&Str{Value: string(b), Kind: kind}), nil
}

func (u *Unmarshaller) loadShortStr(kind StrKind) (Object, error) {
	n, err := u.rByte()
	if err != nil {
		return nil, err
	}
	b, err := u.read(int(n))
	if err != nil {
		return nil, err
	}
	return u.rRef(&Str{Value: string(b), Kind: kind}), nil
}

func (u *Unmarshaller) loadRef() (Object, error) {
	n, err := u.rLong()
	if err != nil {
		return nil, err
	}
	if n < 0 || int(n) >= len(u.refs) {
		return nil, fmt.Errorf("%w: index %d of %d", ErrInvalidReference, n, len(u.refs))
	}
	obj := u.refs[n]
	if obj == nil {
		return nil, fmt.Errorf("%w: index %d is unfilled", ErrInvalidReference, n)
	}
	log.Debugf("loading reference %d", n)
	return obj, nil
}

func (u *Unmarshaller) loadTuple() (Object, error) {
	n, err := u.rSize()
	if err != nil {
		return nil, err
	}
	return u.finishTuple(n, false)
}

func (u *Unmarshaller) loadSmallTuple() (Object, error) {
	n, err := u.rByte()
	if err != nil {
		return nil, err
	}
	return u.finishTuple(int(n), true)
}

func (u *Unmarshaller) finishTuple(n int, small bool) (Object, error) {
	t := &Tuple{Items: make([]Object, 0, n), Small: small}
	idx := u.rRefReserve()
	for i := 0; i < n; i++ {
		item, err := u.rObject()
		if err != nil {
			return nil, err
		}
		t.Items = append(t.Items, item)
	}
	u.rRefInsert(idx, t)
	return t, nil
}

func (u *Unmarshaller) loadSet(frozen bool) (Object, error) {
	n, err := u.rSize()
	if err != nil {
		return nil, err
	}
	s := &Set{Items: make([]Object, 0, n), Frozen: frozen}
	idx := u.rRefReserve()
	for i := 0; i < n; i++ {
		item, err := u.rObject()
		if err != nil {
			return nil, err
		}
		s.Items = append(s.Items, item)
	}
	u.rRefInsert(idx, s)
	return s, nil
}

// LoadPlainCode reads the CODE payload straight from the current
// stream: five header longs, eight tagged values, the first line
// number, and the line-number table.
func LoadPlainCode(u *Unmarshaller) (Object, error) {
	idx := u.rRefReserve()

	var hdr [5]int32
	for i := range hdr {
		v, err := u.rLong()
		if err != nil {
			return nil, err
		}
		hdr[i] = v
	}

	var body [8]Object
	for i := range body {
		v, err := u.rObject()
		if err != nil {
			return nil, err
		}
		body[i] = v
	}

	firstLineNo, err := u.rLong()
	if err != nil {
		return nil, err
	}
	lnotab, err := u.rObject()
	if err != nil {
		return nil, err
	}

	c := &Code{
		ArgCount:       hdr[0],
		KwOnlyArgCount: hdr[1],
		NLocals:        hdr[2],
		StackSize:      hdr[3],
		Flags:          hdr[4],
		Code:           body[0],
		Consts:         body[1],
		Names:          body[2],
		VarNames:       body[3],
		FreeVars:       body[4],
		CellVars:       body[5],
		Filename:       body[6],
		Name:           body[7],
		FirstLineNo:    firstLineNo,
		LNoTab:         lnotab,
	}
	u.rRefInsert(idx, c)
	return c, nil
}
