package distribution

import (
	"RewardLedger/internal/merkle"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrAlreadyFinalized = errors.New("distribution: merkle root already set")
	ErrNotFinalized     = errors.New("distribution: merkle root not set")
	ErrUnknownUser      = errors.New("distribution: user not in distribution")
	ErrMalformed        = errors.New("distribution: malformed artifact")
)

// UserEntry is one claimant's line in the artifact.
type UserEntry struct {
	Amount string   `json:"amount"`
	Proofs []string `json:"proofs"`
}

// Metadata describes the epoch window the artifact covers.
type Metadata struct {
	Epoch            int64   `json:"epoch"`
	MerkleRoot       *string `json:"merkleRoot"`
	StartTimestamp   int64   `json:"startTimestamp"`
	EndTimestamp     int64   `json:"endTimestamp"`
	StartBlockNumber uint64  `json:"startBlockNumber"`
	EndBlockNumber   uint64  `json:"endBlockNumber"`
	TotalAmount      string  `json:"totalAmount"`
	TotalUsers       int     `json:"totalUsers"`
}

// Window is the part of Metadata the caller supplies.
type Window struct {
	Epoch            int64
	StartTimestamp   int64
	EndTimestamp     int64
	StartBlockNumber uint64
	EndBlockNumber   uint64
}

// Output is the per-epoch distribution artifact. Users are keyed by lowercase hex
// address.
type Output struct {
	Users    map[string]UserEntry `json:"users"`
	Metadata Metadata             `json:"metadata"`
}

// AddressKey is the artifact's user key for addr.
func AddressKey(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

// Build lays out a draft artifact from a built tree. The merkle root stays null until
// Finalize.
func Build(window Window, tree *merkle.Tree) *Output {
	out := &Output{
		Users: make(map[string]UserEntry, len(tree.Amounts)),
		Metadata: Metadata{
			Epoch:            window.Epoch,
			StartTimestamp:   window.StartTimestamp,
			EndTimestamp:     window.EndTimestamp,
			StartBlockNumber: window.StartBlockNumber,
			EndBlockNumber:   window.EndBlockNumber,
		},
	}

	total := new(big.Int)
	for addr, amount := range tree.Amounts {
		proof := tree.Proofs[addr]
		proofs := make([]string, len(proof))
		for i, h := range proof {
			proofs[i] = h.Hex()
		}
		out.Users[AddressKey(addr)] = UserEntry{Amount: amount.String(), Proofs: proofs}
		total.Add(total, amount)
	}

	out.Metadata.TotalAmount = total.String()
	out.Metadata.TotalUsers = len(out.Users)
	return out
}

// Finalize sets the merkle root once. Setting the same root again is a no-op.
func (o *Output) Finalize(root common.Hash) error {
	hex := root.Hex()
	if o.Metadata.MerkleRoot != nil {
		if *o.Metadata.MerkleRoot == hex {
			return nil
		}
		return fmt.Errorf("%w: epoch=%d have=%s got=%s", ErrAlreadyFinalized, o.Metadata.Epoch, *o.Metadata.MerkleRoot, hex)
	}
	o.Metadata.MerkleRoot = &hex
	return nil
}

func (o *Output) IsFinalized() bool {
	return o.Metadata.MerkleRoot != nil
}

// Root returns the finalized root.
func (o *Output) Root() (common.Hash, error) {
	if o.Metadata.MerkleRoot == nil {
		return common.Hash{}, ErrNotFinalized
	}
	return common.HexToHash(*o.Metadata.MerkleRoot), nil
}

// Entry looks up addr's line.
func (o *Output) Entry(addr common.Address) (UserEntry, *big.Int, []common.Hash, error) {
	entry, ok := o.Users[AddressKey(addr)]
	if !ok {
		return UserEntry{}, nil, nil, fmt.Errorf("%w: %s", ErrUnknownUser, AddressKey(addr))
	}
	amount, ok := new(big.Int).SetString(entry.Amount, 10)
	if !ok {
		return UserEntry{}, nil, nil, fmt.Errorf("%w: amount %q", ErrMalformed, entry.Amount)
	}
	proof := make([]common.Hash, len(entry.Proofs))
	for i, p := range entry.Proofs {
		proof[i] = common.HexToHash(p)
	}
	return entry, amount, proof, nil
}

// VerifyUser checks addr's proof against the finalized root.
func (o *Output) VerifyUser(addr common.Address) (bool, error) {
	root, err := o.Root()
	if err != nil {
		return false, err
	}
	_, amount, proof, err := o.Entry(addr)
	if err != nil {
		return false, err
	}
	return merkle.VerifyAmount(proof, root, addr, amount), nil
}

// Amounts decodes every user line.
func (o *Output) Amounts() (map[common.Address]*big.Int, error) {
	out := make(map[common.Address]*big.Int, len(o.Users))
	for key, entry := range o.Users {
		if !common.IsHexAddress(key) {
			return nil, fmt.Errorf("%w: user key %q", ErrMalformed, key)
		}
		amount, ok := new(big.Int).SetString(entry.Amount, 10)
		if !ok {
			return nil, fmt.Errorf("%w: amount %q", ErrMalformed, entry.Amount)
		}
		out[common.HexToAddress(key)] = amount
	}
	return out, nil
}

// SortedUsers returns user keys in ascending order.
func (o *Output) SortedUsers() []string {
	keys := make([]string, 0, len(o.Users))
	for k := range o.Users {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Encode writes indented JSON.
func (o *Output) Encode(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(o)
}

// Marshal is Encode into a byte slice.
func (o *Output) Marshal() ([]byte, error) {
	return json.MarshalIndent(o, "", "  ")
}

// Decode reads an artifact.
func Decode(r io.Reader) (*Output, error) {
	var out Output
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if out.Users == nil {
		out.Users = make(map[string]UserEntry)
	}
	return &out, nil
}

// Unmarshal is Decode from a byte slice.
func Unmarshal(data []byte) (*Output, error) {
	return Decode(bytes.NewReader(data))
}
