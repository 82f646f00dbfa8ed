package litb

import (
	"bytes"
	"errors"
	"testing"
)

func TestLoadModulePreservesHeader(t *testing.T) {
	c := testCode("m.py", "<module>", []byte{0x64, 0x00, 0x53, 0x00}, None)

	var buf bytes.Buffer
	if err := DumpModule(&buf, testHeader, c, nil); err != nil {
		t.Fatal(err)
	}
	header, back, err := LoadModule(&buf, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(header, testHeader) {
		t.Fatalf("header % x", header)
	}
	if !bytes.Equal(back.Bytecode(), c.Bytecode()) {
		t.Fatal("bytecode mismatch")
	}
}

func TestLoadModuleRejectsNonCode(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(testHeader)
	buf.WriteByte('N')
	_, _, err := LoadModule(&buf, nil)
	if !errors.Is(err, ErrNotCode) {
		t.Fatalf("got %v, want ErrNotCode", err)
	}
}

func TestDumpModuleRejectsBadHeader(t *testing.T) {
	c := testCode("m.py", "<module>", []byte{0x64, 0x00, 0x53, 0x00})
	var buf bytes.Buffer
	if err := DumpModule(&buf, []byte{1, 2, 3}, c, nil); err == nil {
		t.Fatal("expected error for short header")
	}
}

func TestLoadModuleTruncatedHeader(t *testing.T) {
	_, _, err := LoadModule(bytes.NewReader([]byte{1, 2, 3}), nil)
	if !errors.Is(err, ErrTruncatedStream) {
		t.Fatalf("got %v, want ErrTruncatedStream", err)
	}
}
