package core

import (
	"RewardLedger/internal/ledger"
	"RewardLedger/internal/state"
	"fmt"
)

// SequenceValidator enforces non-decreasing serial ids per balance key, across batches.
// Not thread-safe: only accessed from the single-threaded processing pass.
type SequenceValidator struct {
	lastSerial map[ledger.BalanceKey]int64 // key -> highest applied serial id
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{
		lastSerial: make(map[ledger.BalanceKey]int64),
	}
}

// ValidateSerial checks that serialID does not precede the key's watermark and advances it.
// Equal serial ids are accepted: one raw event can touch the same key twice.
func (sv *SequenceValidator) ValidateSerial(key ledger.BalanceKey, serialID int64) error {
	last, seen := sv.lastSerial[key]

	if seen && serialID < last {
		return fmt.Errorf("%w: key=%s, last_serial=%d, got=%d",
			state.ErrOutOfOrderEvent, key.AccountPath(), last, serialID)
	}

	sv.lastSerial[key] = serialID
	return nil
}

// GetLastSerial returns the watermark for key
func (sv *SequenceValidator) GetLastSerial(key ledger.BalanceKey) (int64, bool) {
	serial, ok := sv.lastSerial[key]
	return serial, ok
}

// SetLastSerial initializes a watermark (used when restoring a checkpoint)
func (sv *SequenceValidator) SetLastSerial(key ledger.BalanceKey, serialID int64) {
	sv.lastSerial[key] = serialID
}

// Forget drops the watermark of a pruned key.
func (sv *SequenceValidator) Forget(key ledger.BalanceKey) {
	delete(sv.lastSerial, key)
}

// Watermarks returns a copy of all watermarks, for checkpointing.
func (sv *SequenceValidator) Watermarks() map[ledger.BalanceKey]int64 {
	out := make(map[ledger.BalanceKey]int64, len(sv.lastSerial))
	for k, v := range sv.lastSerial {
		out[k] = v
	}
	return out
}

// Clone copies watermarks so a failed run can be discarded.
func (sv *SequenceValidator) Clone() *SequenceValidator {
	return &SequenceValidator{
		lastSerial: sv.Watermarks(),
	}
}
