package aggregator

import "errors"

var (
	ErrInvalidWindow     = errors.New("aggregator: end timestamp before start")
	ErrUnknownRewardMode = errors.New("aggregator: unknown reward mode")
	ErrNegativeBudget    = errors.New("aggregator: negative budget")
)
