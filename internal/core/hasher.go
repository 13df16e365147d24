package core

import (
	"crypto/sha256"
	"encoding/binary"
)

const genesisSeed = "RewardPool:genesis:v1"

// HashChain links every sequenced command to the one before it:
//
//	hash[n] = SHA-256(hash[n-1] || u64le(n) || digest[n])
//
// with hash[-1] = GenesisHash(). Two replicas agree on the tip only if they
// applied the same commands with the same effects.
type HashChain struct {
	tip [32]byte
}

func NewHashChain() *HashChain {
	return &HashChain{tip: GenesisHash()}
}

// Extend appends sequence n with its state digest and returns the new tip.
func (h *HashChain) Extend(n int64, digest []byte) [32]byte {
	var seq [8]byte
	binary.LittleEndian.PutUint64(seq[:], uint64(n))

	d := sha256.New()
	d.Write(h.tip[:])
	d.Write(seq[:])
	d.Write(digest)
	copy(h.tip[:], d.Sum(nil))
	return h.tip
}

// Tip is the hash of the last sequenced command.
func (h *HashChain) Tip() [32]byte {
	return h.tip
}

// Reset moves the tip, used when restoring from a snapshot.
func (h *HashChain) Reset(tip [32]byte) {
	h.tip = tip
}

// GenesisHash is the tip before the first sequence.
func GenesisHash() [32]byte {
	return sha256.Sum256([]byte(genesisSeed))
}
