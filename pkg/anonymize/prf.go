package anonymize

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
)

// prf is the seeded pseudo-random function behind the address transform:
// HMAC-SHA256 keyed by the run seed, so the mapping is a pure function of
// the input address and the seed — two runs with the same seed produce
// identical mappings.
type prf struct {
	seed uint64
}

func newPRF(seed uint64) prf {
	return prf{seed: seed}
}

// derive returns a pseudo-random 256-bit block for input||counter, used to
// fill the anonymised suffix bits of an address. counter lets the caller
// rehash on the rare output collision.
func (p prf) derive(input []byte, counter uint32) [32]byte {
	var seedBuf [8]byte
	binary.BigEndian.PutUint64(seedBuf[:], p.seed)

	mac := hmac.New(sha256.New, seedBuf[:])
	mac.Write(input)
	var counterBuf [4]byte
	binary.BigEndian.PutUint32(counterBuf[:], counter)
	mac.Write(counterBuf[:])

	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out
}
