package litb

import (
	"fmt"
	"io"
)

// ModuleHeaderSize is the compiled-module file preamble: magic,
// timestamp and source size. The bytes are carried through opaquely.
const ModuleHeaderSize = 12

// LoadModule reads one compiled module: the 12-byte header followed by
// a single marshalled top-level code object.
func LoadModule(r io.Reader, cfg *Config) (header []byte, code *Code, err error) {
	header = make([]byte, ModuleHeaderSize)
	if _, err = io.ReadFull(r, header); err != nil {
		return nil, nil, fmt.Errorf("%w: module header: %v", ErrTruncatedStream, err)
	}
	u := NewUnmarshaller(r, cfg)
	obj, err := u.Load()
	if err != nil {
		return nil, nil, err
	}
	code, ok := obj.(*Code)
	if !ok {
		return nil, nil, fmt.Errorf("%w: got %T", ErrNotCode, obj)
	}
	return header, code, nil
}

// DumpModule writes a compiled module: the preserved header, then the
// top-level code object through cfg's CODE dispatch.
func DumpModule(w io.Writer, header []byte, code *Code, cfg *Config) error {
	if len(header) != ModuleHeaderSize {
		return fmt.Errorf("module header must be %d bytes, got %d", ModuleHeaderSize, len(header))
	}
	if _, err := w.Write(header); err != nil {
		return err
	}
	m := NewMarshaller(w, cfg)
	return m.Dump(code)
}
