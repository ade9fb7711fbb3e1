package bloom

import (
	"encoding/binary"

	"github.com/cespare/xxhash"
	"github.com/pkg/errors"
	"github.com/spaolacci/murmur3"
)

// Hasher returns a seeded 64-bit hash of b.
type Hasher func(b []byte, seed uint64) uint64

// XxHasher returns the xxHash hash of b, keyed by seed.
func XxHasher(b []byte, seed uint64) uint64 {
	var prefix [8]byte
	binary.LittleEndian.PutUint64(prefix[:], seed)
	d := xxhash.New()
	d.Write(prefix[:])
	d.Write(b)
	return d.Sum64()
}

// MurmurHasher returns the MurmurHash3 hash of b, keyed by seed.
func MurmurHasher(b []byte, seed uint64) uint64 {
	return murmur3.Sum64WithSeed(b, uint32(seed)^uint32(seed>>32))
}

// HasherByName resolves a configured hasher name.
func HasherByName(name string) (Hasher, error) {
	switch name {
	case "", "xxhash":
		return XxHasher, nil
	case "murmur3":
		return MurmurHasher, nil
	}
	return nil, errors.Errorf("unknown hasher %q", name)
}
