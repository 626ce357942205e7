package engine

import (
	"errors"
	"math"
)

const (
	MicrosPerCredit = int64(1_000_000)

	StartingBalanceMicros = int64(10_000) * MicrosPerCredit

	// Levels are 0-indexed internally; FinalLevel is the last playable one.
	FinalLevel = 9
	LevelCount = 10

	MaxPriceHistory = 256
)

var (
	ErrInvalidQuantity    = errors.New("quantity must be >= 1")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrInsufficientShares = errors.New("insufficient shares")
	ErrStockNotFound      = errors.New("stock not found")
	ErrAmountTooLarge     = errors.New("trade amount exceeds representable balance")
	ErrPaused             = errors.New("game is paused")
	ErrCompleted          = errors.New("game already completed")
)

func CreditsToMicros(v float64) int64 {
	return int64(math.Round(v * float64(MicrosPerCredit)))
}

func MicrosToCredits(v int64) float64 {
	return float64(v) / float64(MicrosPerCredit)
}
