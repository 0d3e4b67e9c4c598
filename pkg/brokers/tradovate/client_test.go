package tradovate

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"trade-executor/pkg/brokers/common"
)

type fakeVenue struct {
	expiresIn time.Duration
	renewals  atomic.Int32
	logins    atomic.Int32
	lastOrder map[string]any
	lastPath  string
}

func (f *fakeVenue) handler(t *testing.T) http.HandlerFunc {
	upgrader := websocket.Upgrader{}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/md" {
			f.serveMD(t, upgrader, w, r)
			return
		}
		if r.URL.Path != "/auth/accesstokenrequest" && r.Header.Get("Authorization") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/auth/accesstokenrequest":
			f.logins.Add(1)
			var req tokenRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			if req.Password != "pw" {
				json.NewEncoder(w).Encode(map[string]string{"errorText": "Incorrect username or password"})
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"accessToken":    "tok-1",
				"expirationTime": time.Now().Add(f.expiresIn),
			})
		case "/auth/renewaccesstoken":
			f.renewals.Add(1)
			json.NewEncoder(w).Encode(map[string]any{
				"accessToken":    "tok-2",
				"expirationTime": time.Now().Add(time.Hour),
			})
		case "/account/list":
			w.Write([]byte(`[{"id":7,"name":"DEMO7","active":true}]`))
		case "/cashBalance/getcashbalancesnapshot":
			w.Write([]byte(`{"totalCashValue":50000,"netLiq":50250,"initialMargin":1000}`))
		case "/contract/find":
			if r.URL.Query().Get("name") != "ESZ4" {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Write([]byte(`{"id":1001,"name":"ESZ4","contractMaturityId":55}`))
		case "/contractMaturity/item":
			w.Write([]byte(`{"id":55,"productId":9}`))
		case "/product/item":
			w.Write([]byte(`{"id":9,"name":"ES","tickSize":0.25,"valuePerPoint":50}`))
		case "/order/placeorder", "/order/placeOSO":
			f.lastPath = r.URL.Path
			f.lastOrder = map[string]any{}
			_ = json.NewDecoder(r.Body).Decode(&f.lastOrder)
			w.Write([]byte(`{"orderId":777}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func (f *fakeVenue) serveMD(t *testing.T, up websocket.Upgrader, w http.ResponseWriter, r *http.Request) {
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		t.Errorf("upgrade: %v", err)
		return
	}
	defer conn.Close()
	conn.WriteMessage(websocket.TextMessage, []byte("o"))
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s := string(msg)
		switch {
		case strings.HasPrefix(s, "authorize"):
			conn.WriteMessage(websocket.TextMessage, []byte(`a[{"s":200,"i":0}]`))
		case strings.HasPrefix(s, "md/subscribeQuote"):
			conn.WriteMessage(websocket.TextMessage, []byte(`a[{"s":200,"i":1}]`))
			conn.WriteMessage(websocket.TextMessage, []byte(`h`))
			conn.WriteMessage(websocket.TextMessage, []byte(`a[{"e":"md","d":{"quotes":[{"timestamp":"2024-11-01T14:00:00Z","contractId":1001,"entries":{"Bid":{"price":5000.25},"Offer":{"price":5000.5},"Trade":{"price":5000.5}}}]}}]`))
		}
	}
}

func newTestClient(t *testing.T, f *fakeVenue, password string) *Client {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	return New(
		Config{ID: "tradovate", BaseURL: srv.URL, MDURL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/md", RPS: 1000},
		common.Credentials{BrokerID: "tradovate", Username: "trader", Password: password},
	)
}

func TestLoginAndPlaceOrderResolvesContract(t *testing.T) {
	f := &fakeVenue{expiresIn: time.Hour}
	c := newTestClient(t, f, "pw")
	ctx := context.Background()

	resp, err := c.PlaceOrder(ctx, common.OrderRequest{
		Symbol:   "esz4",
		Side:     common.SideSell,
		Quantity: 2.7,
		StopLoss: 5010,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if resp.OrderID != "777" || resp.Status != common.StatusPending {
		t.Errorf("resp = %+v", resp)
	}
	if f.lastPath != "/order/placeOSO" {
		t.Errorf("path = %s, want /order/placeOSO", f.lastPath)
	}
	if f.lastOrder["action"] != "Sell" || f.lastOrder["orderQty"] != float64(2) {
		t.Errorf("order body = %v", f.lastOrder)
	}
	if f.lastOrder["accountId"] != float64(7) || f.lastOrder["symbol"] != "ESZ4" {
		t.Errorf("account/symbol = %v", f.lastOrder)
	}
	b1, _ := f.lastOrder["bracket1"].(map[string]any)
	if b1["action"] != "Buy" || b1["stopPrice"] != float64(5010) {
		t.Errorf("bracket1 = %v", b1)
	}

	spec, err := c.ResolveContract(ctx, "ESZ4")
	if err != nil {
		t.Fatalf("ResolveContract: %v", err)
	}
	if spec.ContractID != 1001 || spec.ValuePerTick != 12.5 {
		t.Errorf("spec = %+v", spec)
	}

	_, err = c.ResolveContract(ctx, "NQZ4")
	if err == nil || !strings.Contains(err.Error(), "unknown contract") {
		t.Errorf("expected unknown contract error, got %v", err)
	}
}

func TestTokenRenewedBeforeExpiry(t *testing.T) {
	f := &fakeVenue{expiresIn: 2 * time.Minute}
	c := newTestClient(t, f, "pw")
	ctx := context.Background()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	info, err := c.GetAccountInfo(ctx)
	if err != nil {
		t.Fatalf("GetAccountInfo: %v", err)
	}
	if f.renewals.Load() == 0 {
		t.Error("expected a token renewal")
	}
	if c.session.Token() != "tok-2" {
		t.Errorf("token = %q, want tok-2", c.session.Token())
	}
	if f.logins.Load() != 1 {
		t.Errorf("logins = %d, want 1", f.logins.Load())
	}
	if info.Equity != 50250 || info.AccountID != "7" {
		t.Errorf("info = %+v", info)
	}
}

func TestBadPasswordIsConnectionError(t *testing.T) {
	f := &fakeVenue{expiresIn: time.Hour}
	c := newTestClient(t, f, "wrong")
	err := c.Connect(context.Background())
	if !common.IsConnectionError(err) {
		t.Fatalf("expected ConnectionError, got %v", err)
	}
	if c.IsConnected() {
		t.Error("should remain disconnected")
	}
}

func TestQuoteOverMarketDataSocket(t *testing.T) {
	f := &fakeVenue{expiresIn: time.Hour}
	c := newTestClient(t, f, "pw")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	q, err := c.GetQuote(ctx, "ESZ4")
	if err != nil {
		t.Fatalf("GetQuote: %v", err)
	}
	if q.Bid != 5000.25 || q.Ask != 5000.5 || q.Symbol != "ESZ4" {
		t.Errorf("quote = %+v", q)
	}
}

func TestTickValuePnL(t *testing.T) {
	spec := ContractSpec{TickSize: 0.25, ValuePerTick: 12.5}
	// 1 point = 4 ticks = 50 per contract
	if got := spec.PnL(5000, 5001, 2); math.Abs(got-100) > 1e-9 {
		t.Errorf("PnL long = %v, want 100", got)
	}
	if got := spec.PnL(5000, 5001, -1); math.Abs(got+50) > 1e-9 {
		t.Errorf("PnL short = %v, want -50", got)
	}
}

func TestMapStatus(t *testing.T) {
	tests := map[string]common.OrderStatus{
		"PendingNew": common.StatusPending,
		"Working":    common.StatusOpen,
		"Completed":  common.StatusFilled,
		"Filled":     common.StatusFilled,
		"Canceled":   common.StatusCanceled,
		"Rejected":   common.StatusRejected,
		"Expired":    common.StatusExpired,
		"Unknown":    common.StatusUnknown,
		"working":    common.StatusUnknown,
	}
	for in, want := range tests {
		if got := mapStatus(in); got != want {
			t.Errorf("mapStatus(%q) = %s, want %s", in, got, want)
		}
	}
}
