package query

import "time"

// EpochResponse describes one epoch's distribution.
type EpochResponse struct {
	Epoch          int64      `json:"epoch"`
	StartTimestamp int64      `json:"start_timestamp"`
	EndTimestamp   int64      `json:"end_timestamp"`
	StartBlock     int64      `json:"start_block"`
	EndBlock       int64      `json:"end_block"`
	MerkleRoot     *string    `json:"merkle_root"` // null until finalized
	TotalAmount    string     `json:"total_amount"`
	TotalUsers     int        `json:"total_users"`
	StateHash      string     `json:"state_hash"`
	FinalizedAt    *time.Time `json:"finalized_at,omitempty"`
}

// UserProofResponse is a claimant's amount and Merkle proof for one epoch.
type UserProofResponse struct {
	Epoch      int64    `json:"epoch"`
	Address    string   `json:"address"`
	Amount     string   `json:"amount"`
	Proof      []string `json:"proof"`
	MerkleRoot string   `json:"merkle_root"`
	Verified   bool     `json:"verified"` // proof checked against the root at query time
}

// IntegrityReport is the result of checking one epoch's projection against its artifact
// metadata.
type IntegrityReport struct {
	Epoch         int64    `json:"epoch"`
	IsHealthy     bool     `json:"is_healthy"`
	RowCount      int      `json:"row_count"`
	ExpectedUsers int      `json:"expected_users"`
	RowTotal      string   `json:"row_total"`
	ExpectedTotal string   `json:"expected_total"`
	BadProofs     []string `json:"bad_proofs,omitempty"`
}
