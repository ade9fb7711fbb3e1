// Package bloom implements the Bloom filter used to fingerprint index tuples: a power of two
// sized bit array probed with enhanced double hashing.
package bloom

import (
	"math"

	"github.com/bits-and-blooms/bitset"
	"github.com/c2h5oh/datasize"
)

const (
	// MaxHashFuncs bounds the number of bits set per element.
	MaxHashFuncs = 10
	// MinBytes is the smallest bit array allocated, whatever the element count.
	MinBytes = datasize.MB
	maxPower = 32
)

// Filter is a Bloom filter. It is not safe for concurrent use.
type Filter struct {
	bits   *bitset.BitSet
	m      uint64
	k      int
	seed   uint64
	hasher Hasher
	hashes []uint64
}

// New creates a filter for about totalElems elements within workMem. The bit array holds
// at least MinBytes, at most workMem (or 2 bytes per element if smaller), rounded down to
// a power of two.
func New(totalElems int64, workMem datasize.ByteSize, seed uint64, hasher Hasher) *Filter {
	if totalElems < 1 {
		totalElems = 1
	}
	if hasher == nil {
		hasher = XxHasher
	}
	bytes := min(uint64(workMem), uint64(totalElems)*2)
	bytes = max(uint64(MinBytes), bytes)
	m := uint64(1) << bloomPower(bytes*8)
	k := optimalK(m, totalElems)
	return &Filter{
		bits:   bitset.New(uint(m)),
		m:      m,
		k:      k,
		seed:   seed,
		hasher: hasher,
		hashes: make([]uint64, k),
	}
}

// bloomPower returns the exponent of the largest power of two not above target, capped.
func bloomPower(target uint64) uint {
	power := -1
	for target > 0 && power < maxPower {
		power++
		target >>= 1
	}
	return uint(power)
}

func optimalK(m uint64, n int64) int {
	k := int(math.Round(math.Ln2 * float64(m) / float64(n)))
	return max(1, min(k, MaxHashFuncs))
}

// kHashes fills f.hashes with the bit positions of b.
func (f *Filter) kHashes(b []byte) []uint64 {
	hash := f.hasher(b, f.seed)
	x := uint64(uint32(hash)) % f.m
	y := uint64(uint32(hash>>32)) % f.m
	f.hashes[0] = x
	for i := 1; i < f.k; i++ {
		x = (x + y) % f.m
		y = (y + uint64(i)) % f.m
		f.hashes[i] = x
	}
	return f.hashes
}

// Add inserts b.
func (f *Filter) Add(b []byte) {
	for _, h := range f.kHashes(b) {
		f.bits.Set(uint(h))
	}
}

// Lacks reports whether b was certainly never added. False means b is probably present.
func (f *Filter) Lacks(b []byte) bool {
	for _, h := range f.kHashes(b) {
		if !f.bits.Test(uint(h)) {
			return true
		}
	}
	return false
}

// FillFraction returns the proportion of bits set.
func (f *Filter) FillFraction() float64 {
	return float64(f.bits.Count()) / float64(f.m)
}

// NumBits returns the size of the bit array.
func (f *Filter) NumBits() uint64 { return f.m }

// NumHashFuncs returns the number of bits set per element.
func (f *Filter) NumHashFuncs() int { return f.k }

// Free drops the bit array.
func (f *Filter) Free() {
	f.bits = nil
}
