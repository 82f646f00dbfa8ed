package litb

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// The obfuscated distribution is a zip of compiled modules. The walks
// below are the three corpus operations: solving the opcode permutation
// against a reference standard library, unpacking every module to stock
// format, and rewriting integrity hashes in place.

// refModuleSuffix is the cache-file naming scheme the reference
// standard library is bytecompiled under.
const refModuleSuffix = ".cpython-36.opt-2.pyc"

// refModulePath maps a zip member like lib/os.pyc to the bytecompiled
// reference module pydir/lib/__pycache__/os.cpython-36.opt-2.pyc.
func refModulePath(pyDir, member string) string {
	stem := strings.TrimSuffix(path.Base(member), ".pyc")
	return filepath.Join(pyDir, filepath.FromSlash(path.Dir(member)),
		"__pycache__", stem+refModuleSuffix)
}

// GenerateOpcodeMapping walks every compiled module in the archive,
// decrypts it without opcode patching, pairs it with its reference
// module under pyDir, and feeds the pair to the solver. Members without
// a reference module are skipped. A non-positive limit means no limit.
func GenerateOpcodeMapping(zipPath, pyDir string, m *OpcodeMapping, limit int) error {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return err
	}
	defer zr.Close()

	total := 0
	mapped := 0
	for _, zf := range zr.File {
		if !strings.HasSuffix(zf.Name, ".pyc") {
			continue
		}
		if limit > 0 && total >= limit {
			break
		}
		total++

		obf, err := loadZipModule(zf, EncryptedConfig(nil))
		if err != nil {
			log.Warningf("skipping %s: %v", zf.Name, err)
			continue
		}

		refPath := refModulePath(pyDir, zf.Name)
		rf, err := os.Open(refPath)
		if err != nil {
			continue
		}
		_, ref, err := LoadModule(rf, PlainConfig(nil))
		rf.Close()
		if err != nil {
			log.Warningf("bad reference module %s: %v", refPath, err)
			continue
		}

		log.Infof("mapping %s to %s", obf.FilenameStr(), ref.FilenameStr())
		m.MapCodePair(obf, ref)
		mapped++
	}
	log.Infof("total compiled modules processed: %d", total)
	log.Infof("total compiled modules mapped to the reference library: %d", mapped)
	return nil
}

// UnpackZip decrypts every compiled module in the archive, normalizes
// its instruction streams through the opcode table, and writes it under
// outDir as a stock-format module with its original header. A
// non-positive limit means no limit.
func UnpackZip(zipPath, outDir string, m *OpcodeMapping, limit int) error {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return err
	}
	defer zr.Close()

	done := 0
	for _, zf := range zr.File {
		if !strings.HasSuffix(zf.Name, ".pyc") {
			continue
		}
		if limit > 0 && done >= limit {
			break
		}
		done++

		log.Infof("opening %s", zf.Name)
		rc, err := zf.Open()
		if err != nil {
			return err
		}
		header, code, err := LoadModule(rc, EncryptedRemapConfig(m))
		rc.Close()
		if err != nil {
			log.Warningf("skipping %s: %v", zf.Name, err)
			continue
		}

		outPath := filepath.Join(outDir, filepath.FromSlash(zf.Name))
		if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
			return err
		}
		f, err := os.Create(outPath)
		if err != nil {
			return err
		}
		err = DumpModule(f, header, code, PlainConfig(nil))
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("writing %s: %w", outPath, err)
		}
	}
	return nil
}

// Replacement is one constant rewrite applied to a zip member.
type Replacement struct {
	Search  string
	Replace string
}

// PatchZip copies the archive to outPath, re-encrypting the members
// named in repl with their integrity hash constants replaced. All other
// members and the archive comment are carried over verbatim.
func PatchZip(zipPath, outPath string, repl map[string]Replacement) error {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return err
	}
	defer zr.Close()

	out, err := os.Create(outPath)
	if err != nil {
		return err
	}
	zw := zip.NewWriter(out)
	if err := zw.SetComment(zr.Comment); err != nil {
		return err
	}

	for _, zf := range zr.File {
		r, ok := repl[zf.Name]
		if !ok {
			if err := copyZipMember(zw, zf); err != nil {
				zw.Close()
				out.Close()
				return err
			}
			continue
		}

		rc, err := zf.Open()
		if err != nil {
			return err
		}
		header, code, err := LoadModule(rc, EncryptedConfig(nil))
		rc.Close()
		if err != nil {
			return fmt.Errorf("decoding %s: %w", zf.Name, err)
		}

		patched, hit := ReplaceConst(code, r.Search, r.Replace)
		if !hit {
			log.Warningf("%s: constant %q not found", zf.Name, r.Search)
		}

		var buf bytes.Buffer
		if err := DumpModule(&buf, header, patched, EncryptedConfig(nil)); err != nil {
			return fmt.Errorf("re-encoding %s: %w", zf.Name, err)
		}

		hdr := zf.FileHeader
		w, err := zw.CreateHeader(&hdr)
		if err != nil {
			return err
		}
		if _, err := w.Write(buf.Bytes()); err != nil {
			return err
		}
		log.Infof("rewrote %s", zf.Name)
	}

	if err := zw.Close(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func copyZipMember(zw *zip.Writer, zf *zip.File) error {
	rc, err := zf.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	hdr := zf.FileHeader
	w, err := zw.CreateHeader(&hdr)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, rc)
	return err
}

func loadZipModule(zf *zip.File, cfg *Config) (*Code, error) {
	rc, err := zf.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	_, code, err := LoadModule(rc, cfg)
	return code, err
}
