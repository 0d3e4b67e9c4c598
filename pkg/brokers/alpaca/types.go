package alpaca

import (
	"encoding/json"
	"fmt"
	"time"

	"trade-executor/pkg/brokers/common"
)

type account struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	Currency      string `json:"currency"`
	Cash          string `json:"cash"`
	Equity        string `json:"equity"`
	BuyingPower   string `json:"buying_power"`
	InitialMargin string `json:"initial_margin"`
}

type errAccountStatus string

func (e errAccountStatus) Error() string {
	return fmt.Sprintf("account status %s", string(e))
}

type position struct {
	Symbol         string `json:"symbol"`
	Qty            string `json:"qty"`
	Side           string `json:"side"`
	AvgEntryPrice  string `json:"avg_entry_price"`
	CurrentPrice   string `json:"current_price"`
	UnrealizedPL   string `json:"unrealized_pl"`
	UnrealizedPLPC string `json:"unrealized_plpc"`
}

type priceLeg struct {
	LimitPrice string `json:"limit_price"`
}

type stopLeg struct {
	StopPrice string `json:"stop_price"`
}

type orderRequest struct {
	Symbol        string    `json:"symbol"`
	Qty           string    `json:"qty"`
	Side          string    `json:"side"`
	Type          string    `json:"type"`
	TimeInForce   string    `json:"time_in_force"`
	LimitPrice    string    `json:"limit_price,omitempty"`
	StopPrice     string    `json:"stop_price,omitempty"`
	ClientOrderID string    `json:"client_order_id,omitempty"`
	OrderClass    string    `json:"order_class,omitempty"`
	TakeProfit    *priceLeg `json:"take_profit,omitempty"`
	StopLoss      *stopLeg  `json:"stop_loss,omitempty"`
}

type order struct {
	ID             string    `json:"id"`
	ClientOrderID  string    `json:"client_order_id"`
	Symbol         string    `json:"symbol"`
	Side           string    `json:"side"`
	Type           string    `json:"type"`
	Qty            string    `json:"qty"`
	FilledQty      string    `json:"filled_qty"`
	FilledAvgPrice string    `json:"filled_avg_price"`
	Status         string    `json:"status"`
	SubmittedAt    time.Time `json:"submitted_at"`
}

func (o order) toResponse() common.OrderResponse {
	side, _ := common.ParseSide(o.Side)
	raw, _ := json.Marshal(o)
	ts := o.SubmittedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	return common.OrderResponse{
		OrderID:        o.ID,
		Symbol:         o.Symbol,
		Side:           side,
		Type:           common.OrderType(o.Type),
		Quantity:       common.ParseFloat(o.Qty),
		FilledQuantity: common.ParseFloat(o.FilledQty),
		AvgFillPrice:   common.ParseFloat(o.FilledAvgPrice),
		Status:         mapStatus(o.Status),
		VenueStatus:    o.Status,
		Raw:            string(raw),
		Timestamp:      ts,
	}
}

type latestQuote struct {
	BidPrice float64   `json:"bp"`
	AskPrice float64   `json:"ap"`
	Time     time.Time `json:"t"`
}

func (q latestQuote) toQuote(sym string) common.Quote {
	out := common.Quote{Symbol: sym, Bid: q.BidPrice, Ask: q.AskPrice, Time: q.Time}
	out.Last = out.Mid()
	return out
}
