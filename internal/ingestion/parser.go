package ingestion

import (
	"RewardLedger/internal/event"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Subject prefixes. The indexer publishes raw events on rewards.events.<kind> and
// virtual liquidity snapshots on rewards.snapshots.<pool>.
const (
	EventSubjectPrefix    = "rewards.events."
	SnapshotSubjectPrefix = "rewards.snapshots."
)

// Event kinds as they appear in subjects.
const (
	KindDeposit     = "deposit"
	KindWithdrawal  = "withdrawal"
	KindTransfer    = "transfer"
	KindTrade       = "trade"
	KindLiquidation = "liquidation"
	KindSnapshot    = "snapshot"
)

var ErrUnknownSubject = errors.New("unknown subject")

// KindFromSubject returns the message kind encoded in subject.
func KindFromSubject(subject string) (string, error) {
	switch {
	case strings.HasPrefix(subject, EventSubjectPrefix):
		kind := strings.TrimPrefix(subject, EventSubjectPrefix)
		switch kind {
		case KindDeposit, KindWithdrawal, KindTransfer, KindTrade, KindLiquidation:
			return kind, nil
		}
	case strings.HasPrefix(subject, SnapshotSubjectPrefix):
		return KindSnapshot, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownSubject, subject)
}

// EventSubject is the subject raw events of kind are published on.
func EventSubject(kind string) string {
	return EventSubjectPrefix + kind
}

// SnapshotSubject is the subject snapshots of pool are published on.
func SnapshotSubject(pool common.Address) string {
	return SnapshotSubjectPrefix + strings.ToLower(pool.Hex())
}

// --- JSON wire formats ---
// Field names use snake_case to match the indexer. Decimals may be quoted or bare.

type accountJSON struct {
	Owner         common.Address  `json:"owner"`
	Number        string          `json:"number"`
	EffectiveUser *common.Address `json:"effective_user,omitempty"`
}

type indexJSON struct {
	Borrow decimal.Decimal `json:"borrow"`
	Supply decimal.Decimal `json:"supply"`
}

type deltaJSON struct {
	Market   uint64          `json:"market"`
	DeltaPar decimal.Decimal `json:"delta_par"`
	Index    indexJSON       `json:"index"`
}

type headerJSON struct {
	ID        string `json:"id"`
	SerialID  int64  `json:"serial_id"`
	Timestamp int64  `json:"timestamp"`
}

type singleJSON struct {
	headerJSON
	Account   accountJSON     `json:"account"`
	Market    uint64          `json:"market"`
	AmountPar decimal.Decimal `json:"amount_par"`
	Index     indexJSON       `json:"index"`
}

type transferJSON struct {
	headerJSON
	From      accountJSON     `json:"from"`
	To        accountJSON     `json:"to"`
	Market    uint64          `json:"market"`
	AmountPar decimal.Decimal `json:"amount_par"`
	Index     indexJSON       `json:"index"`
}

type tradeJSON struct {
	headerJSON
	Taker       accountJSON `json:"taker"`
	Maker       accountJSON `json:"maker"`
	TakerDeltas []deltaJSON `json:"taker_deltas"`
}

type liquidationJSON struct {
	headerJSON
	Solid  accountJSON `json:"solid"`
	Liquid accountJSON `json:"liquid"`
	Held   deltaJSON   `json:"held"`
	Owed   deltaJSON   `json:"owed"`
}

type snapshotJSON struct {
	headerJSON
	Pool          common.Address   `json:"pool"`
	EffectiveUser common.Address   `json:"effective_user"`
	Kind          string           `json:"kind"` // "absolute" or "delta"
	BalancePar    *decimal.Decimal `json:"balance_par,omitempty"`
	DeltaPar      *decimal.Decimal `json:"delta_par,omitempty"`
}

// ParseEvent decodes a raw event of the given kind.
func ParseEvent(kind string, data []byte) (event.Event, error) {
	switch kind {
	case KindDeposit:
		return parseDeposit(data)
	case KindWithdrawal:
		return parseWithdrawal(data)
	case KindTransfer:
		return parseTransfer(data)
	case KindTrade:
		return parseTrade(data)
	case KindLiquidation:
		return parseLiquidation(data)
	default:
		return nil, fmt.Errorf("unknown event kind: %s", kind)
	}
}

func parseDeposit(data []byte) (*event.Deposit, error) {
	var j singleJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse deposit: %w", err)
	}
	if err := j.validate(); err != nil {
		return nil, fmt.Errorf("parse deposit: %w", err)
	}
	acct, err := j.Account.toAccount()
	if err != nil {
		return nil, fmt.Errorf("parse deposit account: %w", err)
	}
	market := event.MarketID(j.Market)
	return &event.Deposit{
		ID:        j.ID,
		SerialID:  j.SerialID,
		Timestamp: j.Timestamp,
		Account:   acct,
		Market:    market,
		AmountPar: j.AmountPar,
		Index:     j.Index.toIndex(market),
	}, nil
}

func parseWithdrawal(data []byte) (*event.Withdrawal, error) {
	var j singleJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse withdrawal: %w", err)
	}
	if err := j.validate(); err != nil {
		return nil, fmt.Errorf("parse withdrawal: %w", err)
	}
	acct, err := j.Account.toAccount()
	if err != nil {
		return nil, fmt.Errorf("parse withdrawal account: %w", err)
	}
	market := event.MarketID(j.Market)
	return &event.Withdrawal{
		ID:        j.ID,
		SerialID:  j.SerialID,
		Timestamp: j.Timestamp,
		Account:   acct,
		Market:    market,
		AmountPar: j.AmountPar,
		Index:     j.Index.toIndex(market),
	}, nil
}

func parseTransfer(data []byte) (*event.Transfer, error) {
	var j transferJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse transfer: %w", err)
	}
	if err := j.validate(); err != nil {
		return nil, fmt.Errorf("parse transfer: %w", err)
	}
	from, err := j.From.toAccount()
	if err != nil {
		return nil, fmt.Errorf("parse transfer from: %w", err)
	}
	to, err := j.To.toAccount()
	if err != nil {
		return nil, fmt.Errorf("parse transfer to: %w", err)
	}
	market := event.MarketID(j.Market)
	return &event.Transfer{
		ID:        j.ID,
		SerialID:  j.SerialID,
		Timestamp: j.Timestamp,
		From:      from,
		To:        to,
		Market:    market,
		AmountPar: j.AmountPar,
		Index:     j.Index.toIndex(market),
	}, nil
}

func parseTrade(data []byte) (*event.Trade, error) {
	var j tradeJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse trade: %w", err)
	}
	if err := j.validate(); err != nil {
		return nil, fmt.Errorf("parse trade: %w", err)
	}
	if len(j.TakerDeltas) == 0 {
		return nil, fmt.Errorf("parse trade: no taker_deltas")
	}
	taker, err := j.Taker.toAccount()
	if err != nil {
		return nil, fmt.Errorf("parse trade taker: %w", err)
	}
	maker, err := j.Maker.toAccount()
	if err != nil {
		return nil, fmt.Errorf("parse trade maker: %w", err)
	}
	deltas := make([]event.MarketDelta, len(j.TakerDeltas))
	for i, d := range j.TakerDeltas {
		deltas[i] = d.toDelta()
	}
	return &event.Trade{
		ID:          j.ID,
		SerialID:    j.SerialID,
		Timestamp:   j.Timestamp,
		Taker:       taker,
		Maker:       maker,
		TakerDeltas: deltas,
	}, nil
}

func parseLiquidation(data []byte) (*event.Liquidation, error) {
	var j liquidationJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse liquidation: %w", err)
	}
	if err := j.validate(); err != nil {
		return nil, fmt.Errorf("parse liquidation: %w", err)
	}
	solid, err := j.Solid.toAccount()
	if err != nil {
		return nil, fmt.Errorf("parse liquidation solid: %w", err)
	}
	liquid, err := j.Liquid.toAccount()
	if err != nil {
		return nil, fmt.Errorf("parse liquidation liquid: %w", err)
	}
	return &event.Liquidation{
		ID:        j.ID,
		SerialID:  j.SerialID,
		Timestamp: j.Timestamp,
		Solid:     solid,
		Liquid:    liquid,
		Held:      j.Held.toDelta(),
		Owed:      j.Owed.toDelta(),
	}, nil
}

// ParseSnapshot decodes a virtual liquidity snapshot and the pool it belongs to.
func ParseSnapshot(data []byte) (common.Address, event.VirtualLiquiditySnapshot, error) {
	var j snapshotJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return common.Address{}, event.VirtualLiquiditySnapshot{}, fmt.Errorf("parse snapshot: %w", err)
	}
	if err := j.validate(); err != nil {
		return common.Address{}, event.VirtualLiquiditySnapshot{}, fmt.Errorf("parse snapshot: %w", err)
	}
	if j.Pool == (common.Address{}) || j.EffectiveUser == (common.Address{}) {
		return common.Address{}, event.VirtualLiquiditySnapshot{}, fmt.Errorf("parse snapshot %s: pool and effective_user are required", j.ID)
	}

	snap := event.VirtualLiquiditySnapshot{
		ID:            j.ID,
		SerialID:      j.SerialID,
		Timestamp:     j.Timestamp,
		EffectiveUser: j.EffectiveUser,
		BalancePar:    decimal.Zero,
		DeltaPar:      decimal.Zero,
	}
	switch j.Kind {
	case "", "absolute":
		if j.BalancePar == nil {
			return common.Address{}, event.VirtualLiquiditySnapshot{}, fmt.Errorf("parse snapshot %s: absolute snapshot without balance_par", j.ID)
		}
		snap.Kind = event.SnapshotAbsolute
		snap.BalancePar = *j.BalancePar
	case "delta":
		if j.DeltaPar == nil {
			return common.Address{}, event.VirtualLiquiditySnapshot{}, fmt.Errorf("parse snapshot %s: delta snapshot without delta_par", j.ID)
		}
		snap.Kind = event.SnapshotDelta
		snap.DeltaPar = *j.DeltaPar
	default:
		return common.Address{}, event.VirtualLiquiditySnapshot{}, fmt.Errorf("parse snapshot %s: unknown kind %q", j.ID, j.Kind)
	}
	return j.Pool, snap, nil
}

func (h headerJSON) validate() error {
	if h.ID == "" {
		return errors.New("id is required")
	}
	if h.Timestamp <= 0 {
		return fmt.Errorf("event %s: timestamp must be positive", h.ID)
	}
	return nil
}

func (a accountJSON) toAccount() (event.MarginAccount, error) {
	if a.Owner == (common.Address{}) {
		return event.MarginAccount{}, errors.New("owner is required")
	}
	acct := event.MarginAccount{Owner: a.Owner}
	if a.Number != "" {
		n, err := uint256.FromDecimal(a.Number)
		if err != nil {
			return event.MarginAccount{}, fmt.Errorf("account number %q: %w", a.Number, err)
		}
		acct.Number = *n
	}
	if a.EffectiveUser != nil {
		acct.EffectiveUser = *a.EffectiveUser
	}
	return acct, nil
}

// toIndex defaults an omitted index component to 1 (no accrual).
func (i indexJSON) toIndex(market event.MarketID) event.InterestIndex {
	idx := event.UnitIndex(market)
	if !i.Borrow.IsZero() {
		idx.BorrowIndex = i.Borrow
	}
	if !i.Supply.IsZero() {
		idx.SupplyIndex = i.Supply
	}
	return idx
}

func (d deltaJSON) toDelta() event.MarketDelta {
	market := event.MarketID(d.Market)
	return event.MarketDelta{
		Market:   market,
		DeltaPar: d.DeltaPar,
		Index:    d.Index.toIndex(market),
	}
}
