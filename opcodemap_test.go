package litb

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestMapping(t *testing.T, table map[byte]byte) *OpcodeMapping {
	t.Helper()
	return &OpcodeMapping{
		path:    filepath.Join(t.TempDir(), "opcode.db"),
		table:   table,
		hist:    make(map[byte]map[byte]uint64),
		missing: make(map[byte]uint64),
	}
}

func solverCode(bytecode []byte, nested ...*Code) *Code {
	consts := make([]Object, 0, len(nested)+1)
	consts = append(consts, None)
	for _, c := range nested {
		consts = append(consts, c)
	}
	return testCode("pair.py", "f", bytecode, consts...)
}

func TestSolverPairProducesMapping(t *testing.T) {
	m := newTestMapping(t, nil)

	obf := solverCode([]byte{0xFC, 0x00, 0xFC, 0x01})
	ref := solverCode([]byte{0x9C, 0x00, 0x9C, 0x01})
	m.MapCodePair(obf, ref)
	m.MapCodePair(obf, ref)
	m.Sanitize()

	require.Equal(t, byte(0x9C), m.Get(0xFC))
	require.Equal(t, 2, m.Matched)
	require.Equal(t, 0, m.LenMismatch)

	// operand bytes are never sampled
	_, ok := m.Lookup(0x00)
	require.False(t, ok)
	_, ok = m.Lookup(0x01)
	require.False(t, ok)
}

func TestSolverSkipsIdentity(t *testing.T) {
	m := newTestMapping(t, nil)

	// 0x10 maps only to itself and must be omitted from the table
	obf := solverCode([]byte{0x10, 0x00, 0xFC, 0x01})
	ref := solverCode([]byte{0x10, 0x00, 0x9C, 0x01})
	m.MapCodePair(obf, ref)
	m.Sanitize()

	_, ok := m.Lookup(0x10)
	require.False(t, ok)
	for k, v := range m.table {
		require.NotEqual(t, k, v, "identity mapping for %#x survived sanitize", k)
	}
	// identity fallthrough still answers, and is counted as missing
	require.Equal(t, byte(0x10), m.Get(0x10))
	require.Equal(t, uint64(1), m.missing[0x10])
}

func TestSolverLengthMismatchSkipped(t *testing.T) {
	m := newTestMapping(t, nil)

	obf := solverCode([]byte{0xFC, 0x00})
	ref := solverCode([]byte{0x9C, 0x00, 0x9C, 0x01})
	m.MapCodePair(obf, ref)
	m.Sanitize()

	require.Equal(t, 1, m.LenMismatch)
	require.Equal(t, 0, m.Len())
}

func TestSolverRecursesNestedConsts(t *testing.T) {
	m := newTestMapping(t, nil)

	obf := solverCode([]byte{0xFC, 0x00},
		solverCode([]byte{0xE1, 0x00, 0xE1, 0x02}))
	ref := solverCode([]byte{0x9C, 0x00},
		solverCode([]byte{0x53, 0x00, 0x53, 0x02}))
	m.MapCodePair(obf, ref)
	m.Sanitize()

	require.Equal(t, byte(0x9C), m.Get(0xFC))
	require.Equal(t, byte(0x53), m.Get(0xE1))
	require.Equal(t, 2, m.Matched)
}

func TestSolverMoreEvidenceNeverShrinksTable(t *testing.T) {
	one := newTestMapping(t, nil)
	two := newTestMapping(t, nil)

	a := solverCode([]byte{0xFC, 0x00, 0xFC, 0x01})
	b := solverCode([]byte{0x9C, 0x00, 0x9C, 0x01})
	c := solverCode([]byte{0xE1, 0x00, 0xFC, 0x01})
	d := solverCode([]byte{0x53, 0x00, 0x9C, 0x01})

	one.MapCodePair(a, b)
	one.Sanitize()
	two.MapCodePair(a, b)
	two.MapCodePair(c, d)
	two.Sanitize()

	require.GreaterOrEqual(t, two.Len(), one.Len())
	for k, v := range one.table {
		require.Equal(t, v, two.table[k])
	}
}

func TestSolverTieBreaksToLowestStockByte(t *testing.T) {
	m := newTestMapping(t, nil)
	m.hist[0xFC] = map[byte]uint64{0x9C: 3, 0x53: 3, 0xFC: 10}
	m.Sanitize()

	got, ok := m.Lookup(0xFC)
	require.True(t, ok)
	require.Equal(t, byte(0x53), got)
}

func TestMappingPersistRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opcode.db")
	m, err := OpenOpcodeMapping(path, true)
	require.NoError(t, err)
	require.False(t, m.Loaded())

	obf := solverCode([]byte{0xFC, 0x00, 0xFC, 0x01})
	ref := solverCode([]byte{0x9C, 0x00, 0x9C, 0x01})
	m.MapCodePair(obf, ref)
	require.NoError(t, m.Close())

	again, err := OpenOpcodeMapping(path, false)
	require.NoError(t, err)
	require.True(t, again.Loaded())
	require.Equal(t, byte(0x9C), again.Get(0xFC))
	require.Equal(t, map[byte]byte{0x9C: 0xFC}, again.Reverse())
}

func TestCloseKeepsLoadedTableWithoutForce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opcode.db")
	m, err := OpenOpcodeMapping(path, true)
	require.NoError(t, err)
	m.MapCodePair(
		solverCode([]byte{0xFC, 0x00}),
		solverCode([]byte{0x9C, 0x00}))
	require.NoError(t, m.Close())
	saved, err := os.ReadFile(path)
	require.NoError(t, err)

	// reopen without force, tally something else, close: file untouched
	m2, err := OpenOpcodeMapping(path, false)
	require.NoError(t, err)
	m2.MapCodePair(
		solverCode([]byte{0xE1, 0x00}),
		solverCode([]byte{0x53, 0x00}))
	require.NoError(t, m2.Close())

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, saved, after)
}
