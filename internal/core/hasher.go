package core

import (
	"RewardLedger/internal/ledger"
	"RewardLedger/internal/state"
	"crypto/sha256"
	"encoding/binary"
)

const GenesisHashSeed = "RewardLedger:genesis:v1"

// StateHasher chains checkpoint hashes epoch over epoch
type StateHasher struct {
	prevHash [32]byte
}

// NewStateHasher initializes with genesis hash
func NewStateHasher() *StateHasher {
	genesis := sha256.Sum256([]byte(GenesisHashSeed))
	return &StateHasher{
		prevHash: genesis,
	}
}

// RestoreStateHasher resumes the chain from a persisted tip.
func RestoreStateHasher(prevHash [32]byte) *StateHasher {
	return &StateHasher{prevHash: prevHash}
}

// ComputeHash calculates state_hash[N] = SHA-256(prev_hash || epoch || state_digest)
func (h *StateHasher) ComputeHash(epoch int64, stateDigest []byte) [32]byte {
	hasher := sha256.New()

	// Write prev_hash (32 bytes)
	hasher.Write(h.prevHash[:])

	// Write epoch (8 bytes LE)
	var epochBuf [8]byte
	binary.LittleEndian.PutUint64(epochBuf[:], uint64(epoch))
	hasher.Write(epochBuf[:])

	// Write state digest
	hasher.Write(stateDigest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))

	// Update prev_hash for next iteration
	h.prevHash = hash

	return hash
}

// GetPrevHash returns current chain tip
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}

// StateDigest creates canonical bytes for the balance map, in key order.
func StateDigest(balances *ledger.BalanceMap) []byte {
	digest := make([]byte, 0, balances.Len()*160)

	balances.Range(func(key ledger.BalanceKey, acc state.BalancePointsAccumulator) bool {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, path...)
		digest = append(digest, acc.CanonicalBytes()...)
		return true
	})

	return digest
}
