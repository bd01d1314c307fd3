package engine

import (
	"crypto/sha256"
	"encoding/binary"
)

const GenesisHashSeed = "prediction-market:genesis:v1"

// StateHasher maintains the hash chain over applied operations:
// state_hash[N] = SHA-256(state_hash[N-1] || sequence || state_digest).
// Recovery verifies each replayed operation against its stored hash, so
// corruption is pinned to an exact sequence number.
type StateHasher struct {
	prevHash [32]byte
}

// NewStateHasher starts the chain at the genesis hash.
func NewStateHasher() *StateHasher {
	return &StateHasher{prevHash: sha256.Sum256([]byte(GenesisHashSeed))}
}

// ComputeHash advances the chain by one operation and returns the new tip.
func (h *StateHasher) ComputeHash(sequence int64, stateDigest []byte) [32]byte {
	preimage := make([]byte, 0, len(h.prevHash)+8+len(stateDigest))
	preimage = append(preimage, h.prevHash[:]...)
	preimage = binary.LittleEndian.AppendUint64(preimage, uint64(sequence))
	preimage = append(preimage, stateDigest...)

	h.prevHash = sha256.Sum256(preimage)
	return h.prevHash
}

// RestorePrevHash seeds the chain tip from a snapshot so recovery can
// resume hashing without replaying from genesis.
func (h *StateHasher) RestorePrevHash(prev [32]byte) {
	h.prevHash = prev
}

// GetPrevHash returns the current chain tip.
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}
