package litb

import (
	lru "github.com/hashicorp/golang-lru"
)

// Mix is the linear congruential mixer the obfuscated interpreter feeds
// into the Mersenne Twister seed. All arithmetic is modulo 2^32.
func Mix(a, b uint32) uint32 {
	b = (b << 13) ^ b
	c := b ^ (b >> 17)
	c = c ^ (c << 5)
	return a*69069 + c + 0x6611CB3B
}

const mtStateSize = 624

// MT19937 is the standard Matsumoto-Nishimura Mersenne Twister.
type MT19937 struct {
	mt    [mtStateSize]uint32
	index int
}

func NewMT19937(seed uint32) *MT19937 {
	m := &MT19937{index: mtStateSize}
	m.mt[0] = seed
	for i := 1; i < mtStateSize; i++ {
		m.mt[i] = 1812433253*(m.mt[i-1]^(m.mt[i-1]>>30)) + uint32(i)
	}
	return m
}

func (m *MT19937) Next() uint32 {
	if m.index >= mtStateSize {
		m.twist()
	}
	y := m.mt[m.index]
	m.index++

	y ^= y >> 11
	y ^= (y << 7) & 0x9D2C5680
	y ^= (y << 15) & 0xEFC60000
	y ^= y >> 18
	return y
}

func (m *MT19937) twist() {
	for i := 0; i < mtStateSize; i++ {
		y := (m.mt[i] & 0x80000000) + (m.mt[(i+1)%mtStateSize] & 0x7FFFFFFF)
		m.mt[i] = m.mt[(i+397)%mtStateSize] ^ (y >> 1)
		if y&1 != 0 {
			m.mt[i] ^= 0x9908B0DF
		}
	}
	m.index = 0
}

// Every module in a distribution reuses rand=0 and a small set of
// plaintext lengths, so subkey derivation is dominated by re-seeding the
// twister for headers already seen. A small LRU in front makes repeated
// envelopes cheap.
var subkeyCache *lru.Cache

func init() {
	subkeyCache, _ = lru.New(256)
}

// DeriveKey expands an envelope header (rand, length) into the four
// 32-bit XXTEA subkeys.
func DeriveKey(rand, length uint32) [4]uint32 {
	cacheKey := uint64(rand)<<32 | uint64(length)
	if v, ok := subkeyCache.Get(cacheKey); ok {
		return v.([4]uint32)
	}
	mt := NewMT19937(Mix(rand, length))
	var key [4]uint32
	for i := range key {
		key[i] = mt.Next()
	}
	subkeyCache.Add(cacheKey, key)
	return key
}
