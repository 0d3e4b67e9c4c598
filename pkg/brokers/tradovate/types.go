package tradovate

import (
	"encoding/json"
	"time"
)

type tokenRequest struct {
	Name       string `json:"name"`
	Password   string `json:"password"`
	AppID      string `json:"appId,omitempty"`
	AppVersion string `json:"appVersion,omitempty"`
	CID        int64  `json:"cid,omitempty"`
	Sec        string `json:"sec,omitempty"`
	DeviceID   string `json:"deviceId,omitempty"`
}

type tokenResponse struct {
	AccessToken    string    `json:"accessToken"`
	MDAccessToken  string    `json:"mdAccessToken"`
	ExpirationTime time.Time `json:"expirationTime"`
	UserID         int64     `json:"userId"`
	ErrorText      string    `json:"errorText"`
}

type accountEntity struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

type cashSnapshot struct {
	TotalCashValue float64 `json:"totalCashValue"`
	NetLiq         float64 `json:"netLiq"`
	InitialMargin  float64 `json:"initialMargin"`
	OpenPnL        float64 `json:"openPnL"`
}

type positionEntity struct {
	ID         int64   `json:"id"`
	AccountID  int64   `json:"accountId"`
	ContractID int64   `json:"contractId"`
	NetPos     int64   `json:"netPos"`
	NetPrice   float64 `json:"netPrice"`
}

type contractEntity struct {
	ID                 int64  `json:"id"`
	Name               string `json:"name"`
	ContractMaturityID int64  `json:"contractMaturityId"`
}

type maturityEntity struct {
	ID        int64 `json:"id"`
	ProductID int64 `json:"productId"`
}

type productEntity struct {
	ID            int64   `json:"id"`
	Name          string  `json:"name"`
	TickSize      float64 `json:"tickSize"`
	ValuePerPoint float64 `json:"valuePerPoint"`
}

type placeOrder struct {
	AccountSpec string  `json:"accountSpec"`
	AccountID   int64   `json:"accountId"`
	Action      string  `json:"action"`
	Symbol      string  `json:"symbol"`
	OrderQty    int64   `json:"orderQty"`
	OrderType   string  `json:"orderType"`
	Price       float64 `json:"price,omitempty"`
	StopPrice   float64 `json:"stopPrice,omitempty"`
	TimeInForce string  `json:"timeInForce"`
	IsAutomated bool    `json:"isAutomated"`
}

type bracket struct {
	Action    string  `json:"action"`
	OrderType string  `json:"orderType"`
	Price     float64 `json:"price,omitempty"`
	StopPrice float64 `json:"stopPrice,omitempty"`
}

type placeOSO struct {
	placeOrder
	Bracket1 *bracket `json:"bracket1,omitempty"`
	Bracket2 *bracket `json:"bracket2,omitempty"`
}

type placeOrderResult struct {
	OrderID       int64  `json:"orderId"`
	OSOID         int64  `json:"oso1Id,omitempty"`
	FailureReason string `json:"failureReason"`
	FailureText   string `json:"failureText"`
}

type orderEntity struct {
	ID         int64     `json:"id"`
	AccountID  int64     `json:"accountId"`
	ContractID int64     `json:"contractId"`
	Action     string    `json:"action"`
	OrdStatus  string    `json:"ordStatus"`
	Timestamp  time.Time `json:"timestamp"`
}

type fillEntity struct {
	ID      int64   `json:"id"`
	OrderID int64   `json:"orderId"`
	Qty     int64   `json:"qty"`
	Price   float64 `json:"price"`
}

func decode(body []byte, out any) error {
	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}
