package ledger

import (
	"RewardLedger/internal/event"
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// MarketID is re-exported so callers keying maps need only this package.
type MarketID = event.MarketID

// BalanceKey addresses one accumulator: account -> sub-account -> market.
// It is comparable and used directly as a flat map key.
type BalanceKey struct {
	Account    common.Address
	SubAccount uint256.Int
	Market     MarketID
}

// NewBalanceKey builds the key a balance change is addressed to.
func NewBalanceKey(account common.Address, subAccount uint256.Int, market MarketID) BalanceKey {
	return BalanceKey{Account: account, SubAccount: subAccount, Market: market}
}

// AccountPath returns the string representation for storage/logging
func (k BalanceKey) AccountPath() string {
	return fmt.Sprintf("%s:%s:%d", strings.ToLower(k.Account.Hex()), k.SubAccount.Dec(), k.Market)
}

// ParseAccountPath is the inverse of AccountPath.
func ParseAccountPath(path string) (BalanceKey, error) {
	parts := strings.Split(path, ":")
	if len(parts) != 3 || !common.IsHexAddress(parts[0]) {
		return BalanceKey{}, fmt.Errorf("invalid account path %q", path)
	}
	sub, err := uint256.FromDecimal(parts[1])
	if err != nil {
		return BalanceKey{}, fmt.Errorf("invalid sub-account in %q: %w", path, err)
	}
	market, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return BalanceKey{}, fmt.Errorf("invalid market in %q: %w", path, err)
	}
	return NewBalanceKey(common.HexToAddress(parts[0]), *sub, MarketID(market)), nil
}

// Less orders keys by account, sub-account, then market.
func (k BalanceKey) Less(o BalanceKey) bool {
	if c := bytes.Compare(k.Account[:], o.Account[:]); c != 0 {
		return c < 0
	}
	if c := k.SubAccount.Cmp(&o.SubAccount); c != 0 {
		return c < 0
	}
	return k.Market < o.Market
}

// PoolHolderKey addresses one virtual liquidity holder of a pool.
type PoolHolderKey struct {
	Pool   common.Address
	Holder common.Address
}

// Less orders keys by pool, then holder.
func (k PoolHolderKey) Less(o PoolHolderKey) bool {
	if c := bytes.Compare(k.Pool[:], o.Pool[:]); c != 0 {
		return c < 0
	}
	return bytes.Compare(k.Holder[:], o.Holder[:]) < 0
}

// SortAddresses sorts addresses ascending by bytes, in place.
func SortAddresses(addrs []common.Address) {
	sortSlice(addrs, func(a, b common.Address) bool {
		return bytes.Compare(a[:], b[:]) < 0
	})
}
