package engine

import (
	"math"
	"time"

	"github.com/google/uuid"
)

type ActionKind string

const (
	ActionBuy  ActionKind = "buy"
	ActionSell ActionKind = "sell"
)

// Action is one immutable trade log record. The ordered action log is the
// source of truth from which the balance is reconstructible.
type Action struct {
	ID               string
	Level            int
	Stock            string
	Kind             ActionKind
	UnitPriceMicros  int64
	Quantity         int64
	AvgCostMicros    int64
	QuantityAfter    int64
	At               time.Time
}

type Holding struct {
	Quantity      int64
	AvgCostMicros int64
}

// Ledger tracks cash and per-stock holdings for one session. Operations are
// synchronous and atomic against the in-memory state; persisting the
// resulting action is the caller's (retried, best-effort) concern.
type Ledger struct {
	balanceMicros int64
	holdings      map[string]*Holding
	actions       []Action
	now           func() time.Time
}

func NewLedger(startingMicros int64) *Ledger {
	return &Ledger{
		balanceMicros: startingMicros,
		holdings:      make(map[string]*Holding),
		now:           time.Now,
	}
}

// Buy purchases qty shares at the given unit price. On failure nothing is
// mutated.
func (l *Ledger) Buy(level int, stock string, priceMicros, qty int64) (Action, error) {
	if qty < 1 {
		return Action{}, ErrInvalidQuantity
	}
	// price*qty can exceed int64; any quantity above balance/price is
	// unaffordable, so the check never computes the product.
	if priceMicros > 0 && qty > l.balanceMicros/priceMicros {
		return Action{}, ErrInsufficientFunds
	}
	cost := priceMicros * qty
	if cost > l.balanceMicros {
		return Action{}, ErrInsufficientFunds
	}

	h, ok := l.holdings[stock]
	if !ok {
		h = &Holding{}
		l.holdings[stock] = h
	}
	newQty := h.Quantity + qty
	h.AvgCostMicros = (h.AvgCostMicros*h.Quantity + priceMicros*qty) / newQty
	h.Quantity = newQty
	l.balanceMicros -= cost

	return l.append(level, stock, ActionBuy, priceMicros, qty, h), nil
}

// Sell disposes qty shares at the given unit price. Average cost is only
// recomputed on buys. On failure nothing is mutated.
func (l *Ledger) Sell(level int, stock string, priceMicros, qty int64) (Action, error) {
	if qty < 1 {
		return Action{}, ErrInvalidQuantity
	}
	h, ok := l.holdings[stock]
	if !ok || h.Quantity < qty {
		return Action{}, ErrInsufficientShares
	}
	if priceMicros > 0 && (qty > math.MaxInt64/priceMicros || priceMicros*qty > math.MaxInt64-l.balanceMicros) {
		return Action{}, ErrAmountTooLarge
	}
	h.Quantity -= qty
	l.balanceMicros += priceMicros * qty

	return l.append(level, stock, ActionSell, priceMicros, qty, h), nil
}

func (l *Ledger) append(level int, stock string, kind ActionKind, priceMicros, qty int64, h *Holding) Action {
	a := Action{
		ID:              uuid.NewString(),
		Level:           level,
		Stock:           stock,
		Kind:            kind,
		UnitPriceMicros: priceMicros,
		Quantity:        qty,
		AvgCostMicros:   h.AvgCostMicros,
		QuantityAfter:   h.Quantity,
		At:              l.now(),
	}
	l.actions = append(l.actions, a)
	return a
}

func (l *Ledger) BalanceMicros() int64 {
	return l.balanceMicros
}

func (l *Ledger) Holding(stock string) Holding {
	if h, ok := l.holdings[stock]; ok {
		return *h
	}
	return Holding{}
}

// Holdings returns a copy of all non-zero holdings.
func (l *Ledger) Holdings() map[string]Holding {
	out := make(map[string]Holding, len(l.holdings))
	for name, h := range l.holdings {
		if h.Quantity > 0 {
			out[name] = *h
		}
	}
	return out
}

func (l *Ledger) Actions() []Action {
	return append([]Action(nil), l.actions...)
}

func (l *Ledger) ActionCount() int {
	return len(l.actions)
}
