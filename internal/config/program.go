package config

import (
	"RewardLedger/internal/aggregator"
	"RewardLedger/internal/distribution"
	"RewardLedger/internal/event"
	"RewardLedger/internal/ledger"
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Program is one reward program's configuration for one epoch.
type Program struct {
	Name              string            `yaml:"name"`
	Epoch             int64             `yaml:"epoch"`
	StartTimestamp    int64             `yaml:"start_timestamp"`
	EndTimestamp      int64             `yaml:"end_timestamp"`
	StartBlock        uint64            `yaml:"start_block"`
	EndBlock          uint64            `yaml:"end_block"`
	InterestOperation string            `yaml:"interest_operation"`
	Mode              string            `yaml:"mode"`
	Cumulative        bool              `yaml:"cumulative"`
	Markets           []MarketConfig    `yaml:"markets"`
	ValidMarkets      []uint64          `yaml:"valid_markets"`
	Pools             []string          `yaml:"pools"`
	Blacklist         []string          `yaml:"blacklist"`
	Remap             map[string]string `yaml:"remap"`
}

// MarketConfig weights one market.
type MarketConfig struct {
	ID              uint64      `yaml:"id"`
	PointsPerSecond string      `yaml:"points_per_second"`
	Budget          string      `yaml:"budget"`
	EndIndex        IndexConfig `yaml:"end_index"`
}

// IndexConfig is the market's interest index at the epoch end. Empty means 1.
type IndexConfig struct {
	Borrow string `yaml:"borrow"`
	Supply string `yaml:"supply"`
}

// LoadProgram reads and validates a program file.
func LoadProgram(path string) (*Program, error) {
	if path == "" {
		return nil, fmt.Errorf("program path required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open program: %w", err)
	}
	return ParseProgram(data)
}

// ParseProgram decodes and validates YAML. Unknown fields are rejected.
func ParseProgram(data []byte) (*Program, error) {
	var p Program
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&p); err != nil {
		return nil, fmt.Errorf("decode program: %w", err)
	}

	p.normalize()
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Marshal encodes the program back to YAML.
func (p *Program) Marshal() ([]byte, error) {
	return yaml.Marshal(p)
}

func (p *Program) normalize() {
	p.Name = strings.TrimSpace(p.Name)
	p.Mode = strings.ToLower(strings.TrimSpace(p.Mode))
	p.InterestOperation = strings.ToUpper(strings.TrimSpace(p.InterestOperation))
	for i := range p.Pools {
		p.Pools[i] = strings.TrimSpace(p.Pools[i])
	}
	for i := range p.Blacklist {
		p.Blacklist[i] = strings.TrimSpace(p.Blacklist[i])
	}
}

func (p *Program) validate() error {
	var errs []error
	if p.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if p.Epoch < 0 {
		errs = append(errs, fmt.Errorf("epoch must be non-negative, got %d", p.Epoch))
	}
	if p.EndTimestamp < p.StartTimestamp {
		errs = append(errs, fmt.Errorf("end_timestamp %d before start_timestamp %d", p.EndTimestamp, p.StartTimestamp))
	}
	if p.EndBlock < p.StartBlock {
		errs = append(errs, fmt.Errorf("end_block %d before start_block %d", p.EndBlock, p.StartBlock))
	}
	if _, err := event.ParseInterestOperation(p.InterestOperation); err != nil {
		errs = append(errs, err)
	}
	if _, err := aggregator.ParseRewardMode(p.Mode); err != nil {
		errs = append(errs, err)
	}

	seen := make(map[uint64]struct{}, len(p.Markets))
	for _, m := range p.Markets {
		if _, dup := seen[m.ID]; dup {
			errs = append(errs, fmt.Errorf("market %d listed twice", m.ID))
		}
		seen[m.ID] = struct{}{}
		if err := m.validate(); err != nil {
			errs = append(errs, fmt.Errorf("market %d: %w", m.ID, err))
		}
	}

	for _, a := range append(append([]string{}, p.Pools...), p.Blacklist...) {
		if !common.IsHexAddress(a) {
			errs = append(errs, fmt.Errorf("invalid address %q", a))
		}
	}
	for from, to := range p.Remap {
		if !common.IsHexAddress(from) || !common.IsHexAddress(to) {
			errs = append(errs, fmt.Errorf("invalid remap %q -> %q", from, to))
		}
	}
	return errors.Join(errs...)
}

func (m MarketConfig) validate() error {
	pps, err := parseDecimal(m.PointsPerSecond, decimal.Zero)
	if err != nil {
		return fmt.Errorf("points_per_second: %w", err)
	}
	if pps.IsNegative() {
		return fmt.Errorf("points_per_second must be non-negative")
	}
	if m.Budget != "" {
		b, ok := new(big.Int).SetString(m.Budget, 10)
		if !ok || b.Sign() < 0 {
			return fmt.Errorf("budget %q is not a non-negative integer", m.Budget)
		}
	}
	if _, err := parseDecimal(m.EndIndex.Borrow, decimal.NewFromInt(1)); err != nil {
		return fmt.Errorf("end_index.borrow: %w", err)
	}
	if _, err := parseDecimal(m.EndIndex.Supply, decimal.NewFromInt(1)); err != nil {
		return fmt.Errorf("end_index.supply: %w", err)
	}
	return nil
}

func parseDecimal(s string, def decimal.Decimal) (decimal.Decimal, error) {
	if strings.TrimSpace(s) == "" {
		return def, nil
	}
	return decimal.NewFromString(strings.TrimSpace(s))
}

// PointsPerSecond returns each configured market's weight.
func (p *Program) PointsPerSecond() map[ledger.MarketID]decimal.Decimal {
	out := make(map[ledger.MarketID]decimal.Decimal, len(p.Markets))
	for _, m := range p.Markets {
		pps, _ := parseDecimal(m.PointsPerSecond, decimal.Zero)
		out[ledger.MarketID(m.ID)] = pps
	}
	return out
}

// EndIndexes returns the epoch-end interest index per configured market.
func (p *Program) EndIndexes() map[ledger.MarketID]event.InterestIndex {
	out := make(map[ledger.MarketID]event.InterestIndex, len(p.Markets))
	for _, m := range p.Markets {
		borrow, _ := parseDecimal(m.EndIndex.Borrow, decimal.NewFromInt(1))
		supply, _ := parseDecimal(m.EndIndex.Supply, decimal.NewFromInt(1))
		out[ledger.MarketID(m.ID)] = event.InterestIndex{
			MarketID:    ledger.MarketID(m.ID),
			BorrowIndex: borrow,
			SupplyIndex: supply,
		}
	}
	return out
}

// Budgets returns the per-market budgets that are set.
func (p *Program) Budgets() map[ledger.MarketID]*big.Int {
	out := make(map[ledger.MarketID]*big.Int)
	for _, m := range p.Markets {
		if m.Budget == "" {
			continue
		}
		b, _ := new(big.Int).SetString(m.Budget, 10)
		out[ledger.MarketID(m.ID)] = b
	}
	return out
}

func (p *Program) Operation() event.InterestOperation {
	op, _ := event.ParseInterestOperation(p.InterestOperation)
	return op
}

func (p *Program) RewardMode() aggregator.RewardMode {
	mode, _ := aggregator.ParseRewardMode(p.Mode)
	return mode
}

// PoolAddresses returns the configured pools.
func (p *Program) PoolAddresses() []common.Address {
	out := make([]common.Address, len(p.Pools))
	for i, a := range p.Pools {
		out[i] = common.HexToAddress(a)
	}
	return out
}

// ReductionContext builds the aggregator's blacklist, remap, market filter and pool set.
func (p *Program) ReductionContext() aggregator.ReductionContext {
	blacklist := make([]common.Address, len(p.Blacklist))
	for i, a := range p.Blacklist {
		blacklist[i] = common.HexToAddress(a)
	}
	remap := make(map[common.Address]common.Address, len(p.Remap))
	for from, to := range p.Remap {
		remap[common.HexToAddress(from)] = common.HexToAddress(to)
	}
	valid := make([]ledger.MarketID, len(p.ValidMarkets))
	for i, m := range p.ValidMarkets {
		valid[i] = ledger.MarketID(m)
	}
	return aggregator.NewReductionContext(blacklist, remap, valid).WithPools(p.PoolAddresses())
}

func (p *Program) Window() distribution.Window {
	return distribution.Window{
		Epoch:            p.Epoch,
		StartTimestamp:   p.StartTimestamp,
		EndTimestamp:     p.EndTimestamp,
		StartBlockNumber: p.StartBlock,
		EndBlockNumber:   p.EndBlock,
	}
}
