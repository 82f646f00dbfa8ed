package litb

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

var testHeader = []byte{0x42, 0x0D, 0x0D, 0x0A, 0, 0, 0, 0, 0x0A, 0, 0x20, 0x5C}

func moduleBytes(t *testing.T, c *Code, cfg *Config) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, DumpModule(&buf, testHeader, c, cfg))
	return buf.Bytes()
}

func buildZip(t *testing.T, path string, members map[string][]byte) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, data := range members {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

func writeRefModule(t *testing.T, pyDir, member string, c *Code) {
	t.Helper()
	path := refModulePath(pyDir, member)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, moduleBytes(t, c, PlainConfig(nil)), 0644))
}

func TestGenerateOpcodeMappingFromZip(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "dist.zip")
	pyDir := filepath.Join(dir, "python")

	obf := testCode("os.py", "<module>", []byte{0xFC, 0x00, 0xFC, 0x01},
		testCode("os.py", "f", []byte{0xE1, 0x00, 0xE1, 0x02}), None)
	ref := testCode("os.py", "<module>", []byte{0x9C, 0x00, 0x9C, 0x01},
		testCode("os.py", "f", []byte{0x53, 0x00, 0x53, 0x02}), None)

	buildZip(t, zipPath, map[string][]byte{
		"lib/os.pyc":    moduleBytes(t, obf, EncryptedConfig(nil)),
		"lib/README.md": []byte("not a module"),
		"lib/orphan.pyc": moduleBytes(t,
			testCode("orphan.py", "<module>", []byte{0x11, 0x00}),
			EncryptedConfig(nil)),
	})
	writeRefModule(t, pyDir, "lib/os.pyc", ref)

	m := newTestMapping(t, nil)
	require.NoError(t, GenerateOpcodeMapping(zipPath, pyDir, m, 0))
	m.Sanitize()

	require.Equal(t, byte(0x9C), m.Get(0xFC))
	require.Equal(t, byte(0x53), m.Get(0xE1))
	// orphan.pyc has no reference module and must not contribute
	_, ok := m.Lookup(0x11)
	require.False(t, ok)
}

func TestUnpackZipWritesStockModules(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "dist.zip")
	outDir := filepath.Join(dir, "out")

	inner := testCode("app.py", "f", []byte{0xE1, 0x00, 0x53, 0x00})
	obf := testCode("app.py", "<module>", []byte{0xFC, 0x00, 0xFC, 0x01}, inner, None)
	buildZip(t, zipPath, map[string][]byte{
		"app/app.pyc": moduleBytes(t, obf, EncryptedConfig(nil)),
	})

	m := newTestMapping(t, map[byte]byte{0xFC: 0x9C, 0xE1: 0x74})
	require.NoError(t, UnpackZip(zipPath, outDir, m, 0))

	f, err := os.Open(filepath.Join(outDir, "app", "app.pyc"))
	require.NoError(t, err)
	defer f.Close()

	header, code, err := LoadModule(f, PlainConfig(nil))
	require.NoError(t, err)
	require.Equal(t, testHeader, header)
	require.Equal(t, []byte{0x9C, 0x00, 0x9C, 0x01}, code.Bytecode())
	require.Equal(t, []byte{0x74, 0x00, 0x53, 0x00}, code.NestedCode()[0].Bytecode())
}

func TestPatchZipRewritesHashes(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "dist.zip")
	outPath := filepath.Join(dir, "patched.zip")

	oldHash := "e27eae61e774b19f4053361e523c771a92e838026da42c60e6b097d9cb2bc825"
	newHash := "2f4a1c9ddb0b1b0a2f4a1c9ddb0b1b0a2f4a1c9ddb0b1b0a2f4a1c9ddb0b1b0a"

	target := testCode("environment.py", "<module>", []byte{0x64, 0x00, 0x53, 0x00},
		&Str{Value: oldHash, Kind: StrUnicode}, None)
	bystander := []byte("untouched payload")

	buildZip(t, zipPath, map[string][]byte{
		"build_number/environment.pyc": moduleBytes(t, target, EncryptedConfig(nil)),
		"assets/data.bin":              bystander,
	})

	repl := map[string]Replacement{
		"build_number/environment.pyc": {Search: oldHash, Replace: newHash},
	}
	require.NoError(t, PatchZip(zipPath, outPath, repl))

	zr, err := zip.OpenReader(outPath)
	require.NoError(t, err)
	defer zr.Close()

	var sawModule, sawBystander bool
	for _, zf := range zr.File {
		switch zf.Name {
		case "build_number/environment.pyc":
			sawModule = true
			rc, err := zf.Open()
			require.NoError(t, err)
			header, code, err := LoadModule(rc, EncryptedConfig(nil))
			rc.Close()
			require.NoError(t, err)
			require.Equal(t, testHeader, header)
			require.Equal(t, newHash, code.ConstItems()[0].(*Str).Value)
		case "assets/data.bin":
			sawBystander = true
			rc, err := zf.Open()
			require.NoError(t, err)
			var buf bytes.Buffer
			_, err = buf.ReadFrom(rc)
			rc.Close()
			require.NoError(t, err)
			require.Equal(t, bystander, buf.Bytes())
		}
	}
	require.True(t, sawModule)
	require.True(t, sawBystander)
}
