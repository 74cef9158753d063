package merkle

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"runtime"
	"sort"

	"github.com/alitto/pond/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrNegativeAmount = errors.New("merkle: negative amount")
	ErrAmountOverflow = errors.New("merkle: amount exceeds uint256")
)

// Tree is a sorted-pair keccak Merkle tree over (address, amount) leaves.
type Tree struct {
	Root    common.Hash
	Leaves  map[common.Address]common.Hash
	Proofs  map[common.Address][]common.Hash
	Amounts map[common.Address]*big.Int

	levels [][]common.Hash
}

// Proof returns the sibling path for account, bottom-up.
func (t *Tree) Proof(account common.Address) ([]common.Hash, bool) {
	p, ok := t.Proofs[account]
	return p, ok
}

// Depth is the number of levels above the leaves.
func (t *Tree) Depth() int {
	if len(t.levels) == 0 {
		return 0
	}
	return len(t.levels) - 1
}

// LeafHash is keccak256(abi.encodePacked(address, uint256)).
func LeafHash(account common.Address, amount *big.Int) (common.Hash, error) {
	if amount.Sign() < 0 {
		return common.Hash{}, fmt.Errorf("%w: %s %s", ErrNegativeAmount, account.Hex(), amount)
	}
	if amount.BitLen() > 256 {
		return common.Hash{}, fmt.Errorf("%w: %s", ErrAmountOverflow, account.Hex())
	}

	var buf [common.AddressLength + 32]byte
	copy(buf[:common.AddressLength], account[:])
	amount.FillBytes(buf[common.AddressLength:])
	return crypto.Keccak256Hash(buf[:]), nil
}

// HashPair hashes two nodes in ascending byte order.
func HashPair(a, b common.Hash) common.Hash {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return crypto.Keccak256Hash(a[:], b[:])
}

// Verify folds proof over leaf with sorted pairs and compares against root.
func Verify(proof []common.Hash, root common.Hash, leaf common.Hash) bool {
	computed := leaf
	for _, sibling := range proof {
		computed = HashPair(computed, sibling)
	}
	return computed == root
}

// VerifyAmount recomputes the leaf for (account, amount) and verifies it.
func VerifyAmount(proof []common.Hash, root common.Hash, account common.Address, amount *big.Int) bool {
	leaf, err := LeafHash(account, amount)
	if err != nil {
		return false
	}
	return Verify(proof, root, leaf)
}

// CalculateMerkleRootAndProofs builds the tree and every account's proof. Leaf hashing
// runs on a worker pool; the fold is sequential. The result does not depend on map
// iteration order. An empty map yields the zero root.
func CalculateMerkleRootAndProofs(amounts map[common.Address]*big.Int) (*Tree, error) {
	return BuildTree(amounts, runtime.GOMAXPROCS(0))
}

// BuildTree is CalculateMerkleRootAndProofs with an explicit worker count.
func BuildTree(amounts map[common.Address]*big.Int, workers int) (*Tree, error) {
	tree := &Tree{
		Leaves:  make(map[common.Address]common.Hash, len(amounts)),
		Proofs:  make(map[common.Address][]common.Hash, len(amounts)),
		Amounts: make(map[common.Address]*big.Int, len(amounts)),
	}
	if len(amounts) == 0 {
		return tree, nil
	}

	accounts := make([]common.Address, 0, len(amounts))
	for a, amt := range amounts {
		if amt == nil {
			return nil, fmt.Errorf("merkle: nil amount for %s", a.Hex())
		}
		accounts = append(accounts, a)
		tree.Amounts[a] = new(big.Int).Set(amt)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return bytes.Compare(accounts[i][:], accounts[j][:]) < 0
	})

	leaves, err := hashLeaves(accounts, amounts, workers)
	if err != nil {
		return nil, err
	}
	for i, a := range accounts {
		tree.Leaves[a] = leaves[i]
	}

	sort.Slice(leaves, func(i, j int) bool {
		return bytes.Compare(leaves[i][:], leaves[j][:]) < 0
	})
	tree.levels = buildLevels(leaves)
	tree.Root = tree.levels[len(tree.levels)-1][0]

	position := make(map[common.Hash]int, len(leaves))
	for i, l := range leaves {
		position[l] = i
	}
	for _, a := range accounts {
		tree.Proofs[a] = proofFor(tree.levels, position[tree.Leaves[a]])
	}

	return tree, nil
}

func hashLeaves(accounts []common.Address, amounts map[common.Address]*big.Int, workers int) ([]common.Hash, error) {
	if workers < 1 {
		workers = 1
	}
	leaves := make([]common.Hash, len(accounts))
	errs := make([]error, len(accounts))

	pool := pond.NewPool(workers)
	defer pool.StopAndWait()
	group := pool.NewGroup()

	for i, a := range accounts {
		amount := amounts[a]
		group.Submit(func() {
			leaves[i], errs[i] = LeafHash(a, amount)
		})
	}
	if err := group.Wait(); err != nil {
		return nil, fmt.Errorf("merkle: hash leaves: %w", err)
	}

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return leaves, nil
}

// buildLevels returns every level from the sorted leaves up to the root. An odd
// trailing node is promoted unchanged.
func buildLevels(leaves []common.Hash) [][]common.Hash {
	levels := [][]common.Hash{leaves}
	for current := leaves; len(current) > 1; {
		next := make([]common.Hash, 0, (len(current)+1)/2)
		for i := 0; i < len(current); i += 2 {
			if i+1 < len(current) {
				next = append(next, HashPair(current[i], current[i+1]))
			} else {
				next = append(next, current[i])
			}
		}
		levels = append(levels, next)
		current = next
	}
	return levels
}

func proofFor(levels [][]common.Hash, index int) []common.Hash {
	proof := make([]common.Hash, 0, len(levels))
	for _, level := range levels[:len(levels)-1] {
		if sibling := index ^ 1; sibling < len(level) {
			proof = append(proof, level[sibling])
		}
		index /= 2
	}
	return proof
}
