package hnsw

import "math/bits"

// Keyed mixing function for link integrity verification, designed to resist
// collision attacks when the salts are unknown.

const (
	mixPrime1 = 0xFF51AFD7ED558CCD
	mixPrime2 = 0xC4CEB9FE1A85EC53
	mixPrime3 = 0x9E3779B97F4A7C15
	mixPrime4 = 0xBF58476D1CE4E5B9
	mixPrime5 = 0x94D049BB133111EB
	mixPrime6 = 0x2B7E151628AED2A7
)

// pairMixer128 hashes an undirected link (the two node IDs plus the layer)
// into 128 bits under the two salts. The IDs are ordered before mixing so a
// link from A to B hashes identically to its backlink from B to A: XORing
// the hash of every link direction into an accumulator therefore cancels
// out exactly when all links are reciprocal.
func pairMixer128(salt0, salt1, id1, id2, level uint64) (uint64, uint64) {
	idA, idB := id1, id2
	if idB < idA {
		idA, idB = idB, idA
	}

	// Domain separation: whiten the salts to prevent related-key attacks.
	h1 := salt0 ^ 0xDEADBEEFDEADBEEF
	h2 := salt1 ^ 0xCAFEBABECAFEBABE

	// Mix the level into both accumulators first, so its small
	// predictable values are not a weakness.
	levelMix := level * mixPrime5
	levelMix ^= levelMix >> 32
	levelMix *= mixPrime6
	h1 ^= levelMix
	h2 ^= bits.RotateLeft64(levelMix, 31)

	h1 ^= idA
	h1 *= mixPrime1
	h1 = bits.RotateLeft64(h1, 23)
	h1 *= mixPrime2

	h2 ^= idB
	h2 *= mixPrime3
	h2 = bits.RotateLeft64(h2, 29)
	h2 *= mixPrime4

	// Three rounds of cross-mixing.
	for i := 0; i < 3; i++ {
		tmp := h1
		h1 += h2
		h2 += tmp

		h1 ^= bits.RotateLeft64(h1, 31)
		h1 *= mixPrime1
		h1 ^= salt0

		h2 ^= bits.RotateLeft64(h2, 37)
		h2 *= mixPrime2
		h2 ^= salt1
	}

	// Avalanche finalization.
	h1 ^= h1 >> 33
	h1 *= mixPrime3
	h1 ^= h1 >> 29
	h1 *= mixPrime4
	h1 ^= h1 >> 32

	h2 ^= h2 >> 33
	h2 *= mixPrime5
	h2 ^= h2 >> 29
	h2 *= mixPrime6
	h2 ^= h2 >> 32

	return h1, h2
}
