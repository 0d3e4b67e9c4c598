// Package sizing turns a signal's risk profile into an order quantity.
package sizing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"trade-executor/pkg/brokers/common"
)

var hundred = decimal.NewFromInt(100)

// Levels is the part of a signal sizing needs.
type Levels struct {
	Symbol   string
	Entry    float64
	StopLoss float64
}

// StopDistance returns |entry - stop|.
func (l Levels) StopDistance() decimal.Decimal {
	return decimal.NewFromFloat(l.Entry).Sub(decimal.NewFromFloat(l.StopLoss)).Abs()
}

// SizingError means the signal has no usable stop distance. No order should be attempted.
type SizingError struct {
	Symbol   string
	Entry    float64
	StopLoss float64
}

func (e *SizingError) Error() string {
	return fmt.Sprintf("sizing %s: invalid stop distance (entry %v, stop %v)", e.Symbol, e.Entry, e.StopLoss)
}

// IsSizingError reports whether err is a SizingError.
func IsSizingError(err error) bool {
	var se *SizingError
	return errors.As(err, &se)
}

// CheckStop validates the stop distance without sizing. A missing stop is invalid.
func CheckStop(l Levels) error {
	if l.Entry <= 0 || l.StopLoss <= 0 || !l.StopDistance().IsPositive() {
		return &SizingError{Symbol: l.Symbol, Entry: l.Entry, StopLoss: l.StopLoss}
	}
	return nil
}

// Size computes equity*risk% / |entry-stop|, clamps it to maxPos (when
// positive) and truncates to precision decimals. Truncation never rounds up,
// so the result stays inside both the risk budget and the clamp.
func Size(l Levels, riskPct, maxPos, equity float64, precision int32) (float64, error) {
	if err := CheckStop(l); err != nil {
		return 0, err
	}
	if equity <= 0 || riskPct <= 0 {
		return 0, nil
	}

	riskAmount := decimal.NewFromFloat(equity).Mul(decimal.NewFromFloat(riskPct)).Div(hundred)
	qty := riskAmount.Div(l.StopDistance())

	if maxPos > 0 {
		if limit := decimal.NewFromFloat(maxPos); qty.GreaterThan(limit) {
			qty = limit
		}
	}
	if precision < 0 {
		precision = 0
	}
	out, _ := qty.Truncate(precision).Float64()
	return out, nil
}

// Engine sizes with a per-venue precision table.
type Engine struct {
	table PrecisionTable
}

// NewEngine copies the table and normalizes its symbols.
func NewEngine(table PrecisionTable) *Engine {
	return &Engine{table: table.normalized()}
}

// Precision returns the decimals used for brokerID/symbol.
func (e *Engine) Precision(brokerID, symbol string) int32 {
	return e.table.Lookup(brokerID, symbol)
}

// Size sizes l for one broker using that broker's equity.
func (e *Engine) Size(brokerID string, l Levels, riskPct, maxPos, equity float64) (float64, error) {
	return Size(l, riskPct, maxPos, equity, e.Precision(brokerID, l.Symbol))
}

// PrecisionTable maps symbols to quantity decimals, optionally per broker.
type PrecisionTable struct {
	Default  int32                       `yaml:"default" json:"default" default:"1"`
	BySymbol map[string]int32            `yaml:"bySymbol" json:"bySymbol"`
	ByBroker map[string]map[string]int32 `yaml:"byBroker" json:"byBroker"`
}

// DefaultPrecision is used when no table is configured.
func DefaultPrecision() PrecisionTable {
	return PrecisionTable{
		Default: 1,
		BySymbol: map[string]int32{
			"BTC/USD": 3,
			"ETH/USD": 2,
		},
	}
}

// Lookup checks broker+symbol, then symbol, then the default.
func (t PrecisionTable) Lookup(brokerID, symbol string) int32 {
	sym := common.NormalizeSymbol(symbol)
	if bySym, ok := t.ByBroker[brokerID]; ok {
		if p, ok := bySym[sym]; ok {
			return p
		}
	}
	if p, ok := t.BySymbol[sym]; ok {
		return p
	}
	return t.Default
}

func (t PrecisionTable) normalized() PrecisionTable {
	out := PrecisionTable{Default: t.Default, BySymbol: map[string]int32{}, ByBroker: map[string]map[string]int32{}}
	for s, p := range t.BySymbol {
		out.BySymbol[common.NormalizeSymbol(s)] = p
	}
	for b, m := range t.ByBroker {
		inner := make(map[string]int32, len(m))
		for s, p := range m {
			inner[common.NormalizeSymbol(s)] = p
		}
		out.ByBroker[b] = inner
	}
	return out
}
