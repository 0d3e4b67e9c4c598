package matchtrader

import (
	"encoding/json"
	"strings"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	BrokerID string `json:"brokerId,omitempty"`
}

type tradingAccount struct {
	TradingAccountID string `json:"tradingAccountId"`
	SystemUUID       string `json:"systemUuid"`
	TradingAPIToken  string `json:"tradingApiToken"`
}

type loginResponse struct {
	Token    string           `json:"token"`
	Accounts []tradingAccount `json:"accounts"`
}

// pick returns the requested account, or the first one when none is requested.
func (r loginResponse) pick(accountID string) (tradingAccount, bool) {
	for _, a := range r.Accounts {
		if accountID == "" || a.TradingAccountID == accountID {
			return a, true
		}
	}
	return tradingAccount{}, false
}

type balance struct {
	Balance    string `json:"balance"`
	Equity     string `json:"equity"`
	FreeMargin string `json:"freeMargin"`
	Margin     string `json:"margin"`
	Currency   string `json:"currency"`
}

type openPosition struct {
	ID           string `json:"id"`
	Symbol       string `json:"symbol"`
	Volume       string `json:"volume"`
	Side         string `json:"side"`
	OpenPrice    string `json:"openPrice"`
	CurrentPrice string `json:"currentPrice"`
	Profit       string `json:"profit"`
	StopLoss     string `json:"stopLoss"`
	TakeProfit   string `json:"takeProfit"`
}

type pendingOrder struct {
	ID     string `json:"id"`
	Symbol string `json:"symbol"`
	Side   string `json:"side"`
	Volume string `json:"volume"`
	Status string `json:"status"`
}

type quotation struct {
	Symbol    string `json:"symbol"`
	Bid       string `json:"bid"`
	Ask       string `json:"ask"`
	Timestamp int64  `json:"timestamp"`
}

type openRequest struct {
	Instrument string  `json:"instrument"`
	OrderSide  string  `json:"orderSide"`
	Volume     float64 `json:"volume"`
	IsMobile   bool    `json:"isMobile"`
}

type pendingRequest struct {
	Instrument string  `json:"instrument"`
	OrderSide  string  `json:"orderSide"`
	Volume     float64 `json:"volume"`
	Price      float64 `json:"price"`
	Type       string  `json:"type"`
	SLPrice    float64 `json:"slPrice,omitempty"`
	TPPrice    float64 `json:"tpPrice,omitempty"`
	IsMobile   bool    `json:"isMobile"`
}

type editRequest struct {
	ID         string  `json:"id"`
	Instrument string  `json:"instrument"`
	OrderSide  string  `json:"orderSide"`
	SLPrice    float64 `json:"slPrice,omitempty"`
	TPPrice    float64 `json:"tpPrice,omitempty"`
	IsMobile   bool    `json:"isMobile"`
}

type cancelRequest struct {
	ID         string `json:"id"`
	Instrument string `json:"instrument"`
	OrderSide  string `json:"orderSide"`
	IsMobile   bool   `json:"isMobile"`
}

type closeRequest struct {
	PositionID string  `json:"positionId"`
	Instrument string  `json:"instrument"`
	OrderSide  string  `json:"orderSide"`
	Volume     float64 `json:"volume"`
	IsMobile   bool    `json:"isMobile"`
}

type tradeResponse struct {
	Status       string `json:"status"`
	NativeCode   string `json:"nativeCode"`
	ErrorMessage string `json:"errorMessage"`
	OrderID      string `json:"orderId"`
}

func (r tradeResponse) ok() bool {
	return strings.EqualFold(r.Status, "OK")
}

func (r tradeResponse) message() string {
	if r.ErrorMessage != "" {
		return r.ErrorMessage
	}
	if r.NativeCode != "" {
		return r.NativeCode
	}
	return "request not accepted: status " + r.Status
}

func decode(body []byte, out any) error {
	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}
