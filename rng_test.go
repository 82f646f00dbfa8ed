package litb

import (
	"testing"
)

func TestMixKnownValues(t *testing.T) {
	if got := Mix(0, 1); got != 0x6615EB5C {
		t.Fatalf("Mix(0, 1) = %#x, want 0x6615EB5C", got)
	}
	if got := Mix(0x1234, 0x5678); got != 0xCC6633DE {
		t.Fatalf("Mix(0x1234, 0x5678) = %#x, want 0xCC6633DE", got)
	}
	if Mix(0x1234, 0x5678) != Mix(0x1234, 0x5678) {
		t.Fatal("Mix is not deterministic")
	}
}

func TestMT19937ReferenceSequence(t *testing.T) {
	// First outputs of the reference mt19937ar implementation seeded
	// with 5489.
	want := []uint32{0xD091BB5C, 0x22AE9EF6, 0xE7E1FAEE, 0xD5C31F79, 0x2082352C}
	m := NewMT19937(5489)
	for i, w := range want {
		if got := m.Next(); got != w {
			t.Fatalf("output %d = %#x, want %#x", i, got, w)
		}
	}
}

func TestDeriveKeyStable(t *testing.T) {
	want := [4]uint32{0xFDE34694, 0x26EA5D02, 0x33D72C42, 0xE8C1A3B7}
	key := DeriveKey(0, 64)
	if key != want {
		t.Fatalf("DeriveKey(0, 64) = %#x, want %#x", key, want)
	}
	// second derivation comes from the cache and must be identical
	if again := DeriveKey(0, 64); again != key {
		t.Fatalf("recomputed subkeys differ: %#x != %#x", again, key)
	}
}

func TestDeriveKeyDistinctHeaders(t *testing.T) {
	a := DeriveKey(0, 64)
	b := DeriveKey(0, 65)
	c := DeriveKey(1, 64)
	if a == b || a == c {
		t.Fatal("distinct envelope headers derived identical subkeys")
	}
}
