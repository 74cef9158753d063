package event

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// InterestIndex is a market's borrow and supply index at one point in time.
// An index of 1 means no interest has accrued yet.
type InterestIndex struct {
	MarketID    MarketID
	BorrowIndex decimal.Decimal
	SupplyIndex decimal.Decimal
}

// UnitIndex returns the no-accrual index for a market.
func UnitIndex(market MarketID) InterestIndex {
	return InterestIndex{
		MarketID:    market,
		BorrowIndex: decimal.NewFromInt(1),
		SupplyIndex: decimal.NewFromInt(1),
	}
}

// InterestOperation selects how accrued interest feeds into reward points.
type InterestOperation int32

const (
	InterestOperationNothing InterestOperation = iota
	InterestOperationAddPositive
	InterestOperationAddNegative
	InterestOperationNegate
)

func (op InterestOperation) String() string {
	switch op {
	case InterestOperationNothing:
		return "NOTHING"
	case InterestOperationAddPositive:
		return "ADD_POSITIVE"
	case InterestOperationAddNegative:
		return "ADD_NEGATIVE"
	case InterestOperationNegate:
		return "NEGATE"
	default:
		return fmt.Sprintf("InterestOperation(%d)", int32(op))
	}
}

// ParseInterestOperation accepts the upper-case names produced by String.
func ParseInterestOperation(s string) (InterestOperation, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "NOTHING":
		return InterestOperationNothing, nil
	case "ADD_POSITIVE":
		return InterestOperationAddPositive, nil
	case "ADD_NEGATIVE":
		return InterestOperationAddNegative, nil
	case "NEGATE":
		return InterestOperationNegate, nil
	default:
		return 0, fmt.Errorf("unknown interest operation: %q", s)
	}
}
