package litb

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// The encrypted envelope replaces a CODE payload with
//
//	rand   u32 LE
//	length u32 LE        pre-padding plaintext length
//	ciphertext           ((length+15) & ~15) bytes
//
// The plaintext is the CODE payload without its leading tag byte,
// padded with zero bytes to a 16-byte multiple and enciphered with
// XXTEA under subkeys derived from (rand, length).

// envelopePadded rounds a plaintext length up to the cipher block
// granularity.
func envelopePadded(length uint32) int {
	return int((length + 15) &^ 15)
}

func bytesToWords(b []byte) []uint32 {
	words := make([]uint32, len(b)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(b[i*4:])
	}
	return words
}

func wordsToBytes(words []uint32) []byte {
	b := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(b[i*4:], w)
	}
	return b
}

// loadEnvelope reads one envelope, deciphers it and unmarshals the
// plaintext with a nested unmarshaller. The child copies the parent's
// dispatch so code objects nested in the plaintext are deciphered the
// same way, inherits the parent's depth, and starts with an unset flag
// entry and a fresh reference table: references never cross an envelope
// boundary.
func loadEnvelope(u *Unmarshaller) (Object, error) {
	randWord, err := u.rLong()
	if err != nil {
		return nil, err
	}
	length, err := u.rLong()
	if err != nil {
		return nil, err
	}
	if length < 0 {
		return nil, fmt.Errorf("%w: envelope length %d", ErrSizeOutOfRange, length)
	}

	raw, err := u.read(envelopePadded(uint32(length)))
	if err != nil {
		return nil, err
	}
	words := bytesToWords(raw)
	Decipher(words, DeriveKey(uint32(randWord), uint32(length)))
	plain := wordsToBytes(words)

	child := &Unmarshaller{
		r:     bytes.NewReader(plain),
		cfg:   u.cfg,
		flags: []bool{false},
		depth: u.depth,
	}
	return child.LoadCode()
}

// LoadEncryptedCode decrypts one enveloped code object. The slot a
// flagged CODE tag claims lives in the enclosing stream's table, so it
// is reserved here, around the envelope.
func LoadEncryptedCode(u *Unmarshaller) (Object, error) {
	idx := u.rRefReserve()
	obj, err := loadEnvelope(u)
	if err != nil {
		return nil, err
	}
	u.rRefInsert(idx, obj)
	return obj, nil
}

// LoadEncryptedRemapCode decrypts like LoadEncryptedCode and rewrites
// the decoded instruction stream to stock opcode numbering. Nested code
// objects were already rewritten by their own envelope loads, so only
// this object's bytecode is touched.
func LoadEncryptedRemapCode(u *Unmarshaller) (Object, error) {
	idx := u.rRefReserve()
	obj, err := loadEnvelope(u)
	if err != nil {
		return nil, err
	}
	if c, ok := obj.(*Code); ok && u.cfg.Opcodes != nil {
		if b := c.Bytecode(); b != nil {
			nc := *c
			nc.Code = &Bytes{Data: u.cfg.Opcodes.remapBytecode(b)}
			obj = &nc
		}
	}
	u.rRefInsert(idx, obj)
	return obj, nil
}

// DumpEncryptedCode marshals the code body into a scratch buffer with a
// nested marshaller (private reference table, same dispatch), pads,
// enciphers, and emits the envelope. rand is fixed to zero so output is
// deterministic; any constant satisfies the format.
func DumpEncryptedCode(m *Marshaller, c *Code) error {
	var buf bytes.Buffer
	child := &Marshaller{
		w:     &buf,
		cfg:   m.cfg,
		refs:  make(map[Object]int),
		depth: m.depth,
	}
	if err := child.DumpCodeBody(c); err != nil {
		return err
	}

	length := uint32(buf.Len())
	padded := make([]byte, envelopePadded(length))
	copy(padded, buf.Bytes())

	words := bytesToWords(padded)
	Encipher(words, DeriveKey(0, length))

	if err := m.wLong(0); err != nil {
		return err
	}
	if err := m.wLong(int32(length)); err != nil {
		return err
	}
	return m.write(wordsToBytes(words))
}
