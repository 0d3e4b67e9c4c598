package common

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the side that closes a position opened with s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// ParseSide accepts any casing of buy/sell (and long/short).
func ParseSide(v string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "buy", "long":
		return SideBuy, nil
	case "sell", "short":
		return SideSell, nil
	default:
		return "", fmt.Errorf("invalid side %q", v)
	}
}

// OrderType represents supported order types.
type OrderType string

const (
	OrderTypeMarket    OrderType = "market"
	OrderTypeLimit     OrderType = "limit"
	OrderTypeStop      OrderType = "stop"
	OrderTypeStopLimit OrderType = "stop_limit"
)

// TimeInForce controls how long an order stays working.
type TimeInForce string

const (
	TIFGTC TimeInForce = "gtc"
	TIFIOC TimeInForce = "ioc"
	TIFFOK TimeInForce = "fok"
	TIFDay TimeInForce = "day"
)

// OrderStatus is the venue-independent order lifecycle.
type OrderStatus string

const (
	StatusPending  OrderStatus = "pending"
	StatusOpen     OrderStatus = "open"
	StatusFilled   OrderStatus = "filled"
	StatusCanceled OrderStatus = "canceled"
	StatusRejected OrderStatus = "rejected"
	StatusExpired  OrderStatus = "expired"
	// StatusUnknown marks a venue status with no mapping. It is never treated as filled.
	StatusUnknown OrderStatus = "unknown"
)

// Terminal reports whether no further fills can happen.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// OrderMetadata is opaque to venues; it travels with the order for auditing.
type OrderMetadata struct {
	SignalID   string `json:"signal_id,omitempty"`
	UserID     string `json:"user_id,omitempty"`
	ProviderID string `json:"provider_id,omitempty"`
}

// OrderRequest is the normalized order submitted to any broker.
type OrderRequest struct {
	Symbol      string        `json:"symbol"`
	Side        Side          `json:"side"`
	Quantity    float64       `json:"quantity"`
	Type        OrderType     `json:"type"`
	LimitPrice  float64       `json:"limit_price,omitempty"`
	StopPrice   float64       `json:"stop_price,omitempty"`
	StopLoss    float64       `json:"stop_loss,omitempty"`
	TakeProfit  float64       `json:"take_profit,omitempty"`
	TimeInForce TimeInForce   `json:"time_in_force,omitempty"`
	Metadata    OrderMetadata `json:"metadata"`
}

var (
	ErrInvalidQuantity = errors.New("order quantity must be positive")
	ErrInvalidSide     = errors.New("order side must be buy or sell")
	ErrMissingPrice    = errors.New("order type requires a price")
)

// Validate checks fields every venue relies on.
func (r OrderRequest) Validate() error {
	if strings.TrimSpace(r.Symbol) == "" {
		return errors.New("order symbol is required")
	}
	if r.Side != SideBuy && r.Side != SideSell {
		return ErrInvalidSide
	}
	if r.Quantity <= 0 {
		return ErrInvalidQuantity
	}
	switch r.Type {
	case OrderTypeLimit:
		if r.LimitPrice <= 0 {
			return ErrMissingPrice
		}
	case OrderTypeStop:
		if r.StopPrice <= 0 {
			return ErrMissingPrice
		}
	case OrderTypeStopLimit:
		if r.StopPrice <= 0 || r.LimitPrice <= 0 {
			return ErrMissingPrice
		}
	}
	return nil
}

// WithDefaults fills in market type and GTC.
func (r OrderRequest) WithDefaults() OrderRequest {
	if r.Type == "" {
		r.Type = OrderTypeMarket
	}
	if r.TimeInForce == "" {
		r.TimeInForce = TIFGTC
	}
	return r
}

// OrderResponse is the normalized result of a placement or status lookup.
type OrderResponse struct {
	OrderID        string        `json:"order_id"`
	Symbol         string        `json:"symbol"`
	Side           Side          `json:"side"`
	Type           OrderType     `json:"type"`
	Quantity       float64       `json:"quantity"`
	FilledQuantity float64       `json:"filled_quantity"`
	AvgFillPrice   float64       `json:"avg_fill_price,omitempty"`
	Status         OrderStatus   `json:"status"`
	VenueStatus    string        `json:"venue_status,omitempty"`
	Raw            string        `json:"raw,omitempty"`
	Metadata       OrderMetadata `json:"metadata"`
	Timestamp      time.Time     `json:"timestamp"`
}

// Position is a derived view of a venue position; the venue is the system of record.
type Position struct {
	Symbol           string  `json:"symbol"`
	Quantity         float64 `json:"quantity"` // negative when short
	AvgPrice         float64 `json:"avg_price"`
	CurrentPrice     float64 `json:"current_price"`
	UnrealizedPnL    float64 `json:"unrealized_pnl"`
	UnrealizedPnLPct float64 `json:"unrealized_pnl_pct"`
}

// NewPosition derives linear PnL from price delta.
func NewPosition(symbol string, qty, avgPrice, currentPrice float64) Position {
	p := Position{Symbol: symbol, Quantity: qty, AvgPrice: avgPrice, CurrentPrice: currentPrice}
	p.UnrealizedPnL = (currentPrice - avgPrice) * qty
	p.UnrealizedPnLPct = PnLPercent(p.UnrealizedPnL, avgPrice, qty)
	return p
}

// PnLPercent expresses pnl relative to the position's cost basis.
func PnLPercent(pnl, avgPrice, qty float64) float64 {
	cost := avgPrice * qty
	if cost < 0 {
		cost = -cost
	}
	if cost == 0 {
		return 0
	}
	return pnl / cost * 100
}

// AccountInfo is the normalized account summary.
type AccountInfo struct {
	AccountID   string  `json:"account_id"`
	Currency    string  `json:"currency"`
	Balance     float64 `json:"balance"`
	Equity      float64 `json:"equity"`
	BuyingPower float64 `json:"buying_power"`
	MarginUsed  float64 `json:"margin_used"`
}

// Quote is a top-of-book snapshot.
type Quote struct {
	Symbol string    `json:"symbol"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	Last   float64   `json:"last"`
	Time   time.Time `json:"time"`
}

// Mid returns the bid/ask midpoint, falling back to last.
func (q Quote) Mid() float64 {
	if q.Bid > 0 && q.Ask > 0 {
		return (q.Bid + q.Ask) / 2
	}
	return q.Last
}

// NormalizeSymbol upper-cases and converts "-" or "_" separators to "/".
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	return strings.NewReplacer("-", "/", "_", "/").Replace(s)
}

// SplitSymbol returns base and quote for "BASE/QUOTE" symbols.
func SplitSymbol(symbol string) (base, quote string, ok bool) {
	parts := strings.SplitN(NormalizeSymbol(symbol), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
