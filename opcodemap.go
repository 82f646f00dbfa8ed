package litb

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
)

// OpcodeMapping recovers the permutation between the custom
// interpreter's opcode numbering and the stock one. Pairs of code
// objects compiled from the same source are tallied position by
// position into a histogram; Sanitize reduces the histogram to a
// winner-take-all byte table. Bytes without a mapping pass through as
// identity.
//
// Call Sanitize (or Close, which does it for you) before using Get.
type OpcodeMapping struct {
	path      string
	overwrite bool
	loaded    bool

	table   map[byte]byte
	hist    map[byte]map[byte]uint64
	missing map[byte]uint64

	// corpus counters
	LenMismatch int
	Matched     int
}

// OpenOpcodeMapping loads the table stored at path if one exists;
// otherwise it returns an empty mapping ready for corpus tallying. With
// overwrite set, Close re-derives and rewrites the table even when one
// was loaded.
func OpenOpcodeMapping(path string, overwrite bool) (*OpcodeMapping, error) {
	o := &OpcodeMapping{
		path:      path,
		overwrite: overwrite,
		table:     make(map[byte]byte),
		hist:      make(map[byte]map[byte]uint64),
		missing:   make(map[byte]uint64),
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return o, nil
		}
		return nil, err
	}
	if err := o.decode(data); err != nil {
		return nil, fmt.Errorf("opcode db %s: %w", path, err)
	}
	o.loaded = true
	return o, nil
}

// Loaded reports whether the table came from the filesystem, in which
// case corpus solving can be skipped unless a rebuild was forced.
func (o *OpcodeMapping) Loaded() bool {
	return o.loaded
}

// MapCodePair tallies one (obfuscated, stock) code object pair and
// recurses into nested code constants matched by position.
func (o *OpcodeMapping) MapCodePair(a, b *Code) {
	o.Matched++
	o.tallyPair(a, b)

	ac := a.NestedCode()
	bc := b.NestedCode()
	n := len(ac)
	if len(bc) < n {
		n = len(bc)
	}
	for i := 0; i < n; i++ {
		o.MapCodePair(ac[i], bc[i])
	}
}

// tallyPair samples opcode positions only: in the wordcode layout every
// even offset is an opcode, every odd offset an operand.
func (o *OpcodeMapping) tallyPair(a, b *Code) {
	ab := a.Bytecode()
	bb := b.Bytecode()
	if len(ab) != len(bb) {
		o.LenMismatch++
		return
	}
	for i := 0; i < len(ab); i += 2 {
		inner := o.hist[ab[i]]
		if inner == nil {
			inner = make(map[byte]uint64)
			o.hist[ab[i]] = inner
		}
		inner[bb[i]]++
	}
}

// Sanitize collapses the histogram into the byte table: for every
// obfuscated byte the most frequent stock byte wins, the identity
// candidate is excluded, and ties go to the lowest stock byte. Keys with
// no non-identity signal are dropped.
func (o *OpcodeMapping) Sanitize() {
	table := make(map[byte]byte)
	for _, k := range sortedKeys(o.hist) {
		var maxCnt uint64
		var winner byte
		found := false
		inner := o.hist[k]
		for _, j := range sortedKeys(inner) {
			if j == k {
				continue
			}
			if inner[j] > maxCnt {
				maxCnt = inner[j]
				winner = j
				found = true
			}
		}
		if found {
			table[k] = winner
		}
	}
	o.table = table
	o.missing = make(map[byte]uint64)
}

func sortedKeys[V any](m map[byte]V) []byte {
	keys := make([]byte, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Get translates one opcode byte, counting lookups that fall through to
// identity.
func (o *OpcodeMapping) Get(op byte) byte {
	mapped, ok := o.table[op]
	if !ok {
		o.missing[op]++
		return op
	}
	return mapped
}

// Lookup translates one opcode byte without touching the miss counters.
func (o *OpcodeMapping) Lookup(op byte) (byte, bool) {
	mapped, ok := o.table[op]
	return mapped, ok
}

// Len reports how many opcodes have a non-identity mapping.
func (o *OpcodeMapping) Len() int {
	return len(o.table)
}

// Reverse returns the stock-to-obfuscated view of the table.
func (o *OpcodeMapping) Reverse() map[byte]byte {
	rev := make(map[byte]byte, len(o.table))
	for k, v := range o.table {
		rev[v] = k
	}
	return rev
}

// Close finalizes the mapping: a table loaded from disk is left alone
// unless a rebuild was forced; otherwise the histogram is sanitized and
// written to the database path.
func (o *OpcodeMapping) Close() error {
	if !o.overwrite && o.loaded {
		log.Warning("NOT writing opcode map as force overwrite not set")
		return nil
	}
	log.Warningf("stats: co_len_mismatch=%d, co_matched=%d", o.LenMismatch, o.Matched)
	log.Warning("opcode map database is being sanitized and written")
	o.Sanitize()
	return o.Save()
}

// Save writes the sanitized table to the database path as a JSON object
// keyed by decimal obfuscated byte. Missing keys mean identity.
func (o *OpcodeMapping) Save() error {
	enc := make(map[string]byte, len(o.table))
	for k, v := range o.table {
		enc[strconv.Itoa(int(k))] = v
	}
	data, err := json.MarshalIndent(enc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(o.path, data, 0644)
}

func (o *OpcodeMapping) decode(data []byte) error {
	var enc map[string]byte
	if err := json.Unmarshal(data, &enc); err != nil {
		return err
	}
	table := make(map[byte]byte, len(enc))
	for k, v := range enc {
		n, err := strconv.Atoi(k)
		if err != nil || n < 0 || n > 255 {
			return fmt.Errorf("bad opcode key %q", k)
		}
		table[byte(n)] = v
	}
	o.table = table
	return nil
}
