package matchtrader

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"trade-executor/pkg/brokers/common"
)

type fakePlatform struct {
	mu        sync.Mutex
	calls     []string
	editBody  editRequest
	openBody  map[string]any
	rejectSL  bool
	loginUUID string
}

func (f *fakePlatform) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.calls = append(f.calls, r.URL.Path)
		f.mu.Unlock()

		if r.URL.Path == "/manager/mtr-login" {
			var req loginRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			if req.Password != "pw" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			json.NewEncoder(w).Encode(loginResponse{
				Token: "co-token",
				Accounts: []tradingAccount{
					{TradingAccountID: "A1", SystemUUID: f.loginUUID, TradingAPIToken: "trade-token"},
				},
			})
			return
		}
		if r.Header.Get("Auth-trading-api") != "trade-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		prefix := "/mtr-api/" + f.loginUUID
		switch r.URL.Path {
		case prefix + "/position/open":
			f.openBody = map[string]any{}
			_ = json.NewDecoder(r.Body).Decode(&f.openBody)
			w.Write([]byte(`{"status":"OK","orderId":"P-100"}`))
		case prefix + "/position/edit":
			_ = json.NewDecoder(r.Body).Decode(&f.editBody)
			if f.rejectSL {
				w.Write([]byte(`{"status":"REJECTED","errorMessage":"Invalid SL"}`))
				return
			}
			w.Write([]byte(`{"status":"OK"}`))
		case prefix + "/balance":
			w.Write([]byte(`{"balance":"10000","equity":"10150.5","freeMargin":"9000","margin":"1150.5","currency":"USD"}`))
		case prefix + "/open-positions":
			w.Write([]byte(`{"positions":[
				{"id":"P-1","symbol":"EURUSD.pro","volume":"1","side":"BUY","openPrice":"1.10","currentPrice":"1.11","profit":"100"},
				{"id":"P-2","symbol":"EURUSD.pro","volume":"1","side":"BUY","openPrice":"1.12","currentPrice":"1.11","profit":"-100"}
			]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func newTestClient(t *testing.T, f *fakePlatform, id string) *Client {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	return New(
		Config{ID: id, BaseURL: srv.URL, BrokerID: "0", SymbolSuffix: ".pro", RPS: 1000},
		common.Credentials{BrokerID: id, Username: "me@example.com", Password: "pw"},
	)
}

func TestProtectionAppliedAfterFill(t *testing.T) {
	f := &fakePlatform{loginUUID: "sys-1"}
	c := newTestClient(t, f, "fxvenue")

	resp, err := c.PlaceOrder(context.Background(), common.OrderRequest{
		Symbol:     "EUR/USD",
		Side:       common.SideBuy,
		Quantity:   0.5,
		StopLoss:   1.09,
		TakeProfit: 1.13,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if resp.Status != common.StatusFilled || resp.OrderID != "P-100" {
		t.Errorf("resp = %+v", resp)
	}
	if f.openBody["instrument"] != "EURUSD.pro" || f.openBody["orderSide"] != "BUY" {
		t.Errorf("open body = %v", f.openBody)
	}
	if _, ok := f.openBody["slPrice"]; ok {
		t.Error("open request must not carry SL; it is applied afterwards")
	}
	if f.editBody.ID != "P-100" || f.editBody.SLPrice != 1.09 || f.editBody.TPPrice != 1.13 {
		t.Errorf("edit body = %+v", f.editBody)
	}

	want := []string{"/manager/mtr-login", "/mtr-api/sys-1/position/open", "/mtr-api/sys-1/position/edit"}
	if len(f.calls) != len(want) {
		t.Fatalf("calls = %v", f.calls)
	}
	for i := range want {
		if f.calls[i] != want[i] {
			t.Errorf("call %d = %s, want %s", i, f.calls[i], want[i])
		}
	}
}

func TestProtectionFailureIsPartial(t *testing.T) {
	f := &fakePlatform{loginUUID: "sys-1", rejectSL: true}
	c := newTestClient(t, f, "fxvenue")

	resp, err := c.PlaceOrder(context.Background(), common.OrderRequest{
		Symbol: "EURUSD", Side: common.SideSell, Quantity: 1, StopLoss: 1.2,
	})
	var oe *common.OrderError
	if !errors.As(err, &oe) || !oe.Partial {
		t.Fatalf("expected partial OrderError, got %v", err)
	}
	if resp.OrderID != "P-100" || resp.Status != common.StatusFilled {
		t.Errorf("filled response should still be returned: %+v", resp)
	}
}

func TestInstancesAreIndependent(t *testing.T) {
	fa := &fakePlatform{loginUUID: "sys-a"}
	fb := &fakePlatform{loginUUID: "sys-b"}
	a := newTestClient(t, fa, "venue-a")
	b := newTestClient(t, fb, "venue-b")

	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect a: %v", err)
	}
	if b.IsConnected() {
		t.Error("connecting one venue must not connect another")
	}
	if a.ID() == b.ID() {
		t.Error("instances should keep their own ids")
	}
	if len(fb.calls) != 0 {
		t.Errorf("venue b received calls: %v", fb.calls)
	}
}

func TestPositionsAggregateTickets(t *testing.T) {
	f := &fakePlatform{loginUUID: "sys-1"}
	c := newTestClient(t, f, "fxvenue")

	positions, err := c.GetPositions(context.Background())
	if err != nil {
		t.Fatalf("GetPositions: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("positions = %+v", positions)
	}
	p := positions[0]
	if p.Symbol != "EUR/USD" || p.Quantity != 2 || p.UnrealizedPnL != 0 {
		t.Errorf("position = %+v", p)
	}
	if p.AvgPrice < 1.1099 || p.AvgPrice > 1.1101 {
		t.Errorf("avg = %v, want 1.11", p.AvgPrice)
	}

	info, err := c.GetAccountInfo(context.Background())
	if err != nil {
		t.Fatalf("GetAccountInfo: %v", err)
	}
	if info.Equity != 10150.5 || info.AccountID != "A1" {
		t.Errorf("info = %+v", info)
	}
}

func TestWrongPasswordIsConnectionError(t *testing.T) {
	f := &fakePlatform{loginUUID: "sys-1"}
	srv := httptest.NewServer(f.handler(t))
	defer srv.Close()
	c := New(Config{ID: "fx", BaseURL: srv.URL, RPS: 1000}, common.Credentials{Username: "me", Password: "nope"})

	if err := c.Connect(context.Background()); !common.IsConnectionError(err) {
		t.Fatalf("expected ConnectionError, got %v", err)
	}
	if c.session.State() != common.StateDisconnected {
		t.Errorf("state = %s", c.session.State())
	}
}

func TestMapStatus(t *testing.T) {
	tests := map[string]common.OrderStatus{
		"PENDING":   common.StatusPending,
		"ACTIVE":    common.StatusOpen,
		"EXECUTED":  common.StatusFilled,
		"CANCELLED": common.StatusCanceled,
		"REJECTED":  common.StatusRejected,
		"EXPIRED":   common.StatusExpired,
		"WEIRD":     common.StatusUnknown,
	}
	for in, want := range tests {
		if got := mapStatus(in); got != want {
			t.Errorf("mapStatus(%q) = %s, want %s", in, got, want)
		}
	}
}
