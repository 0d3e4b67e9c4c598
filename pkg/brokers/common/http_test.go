package common

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRequesterMapsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			w.Write([]byte(`{"id":"42"}`))
		case "/reject":
			w.WriteHeader(http.StatusUnprocessableEntity)
			w.Write([]byte(`{"message":"insufficient buying power"}`))
		case "/unauthorized":
			w.WriteHeader(http.StatusUnauthorized)
		case "/slow":
			time.Sleep(200 * time.Millisecond)
		}
	}))
	defer srv.Close()

	r := &Requester{
		Broker:  "test",
		BaseURL: srv.URL,
		Client:  NewHTTPClient(50 * time.Millisecond),
		Limiter: NewLimiter(100, 10),
	}
	ctx := context.Background()

	t.Run("decodes success", func(t *testing.T) {
		var out struct {
			ID string `json:"id"`
		}
		if err := r.DoJSON(ctx, "get", Request{Method: http.MethodGet, Path: "/ok"}, &out); err != nil {
			t.Fatalf("DoJSON: %v", err)
		}
		if out.ID != "42" {
			t.Errorf("id = %q, want 42", out.ID)
		}
	})

	t.Run("rejection is an order error with raw body", func(t *testing.T) {
		_, err := r.Do(ctx, "place", Request{Method: http.MethodPost, Path: "/reject", JSON: map[string]string{}})
		var oe *OrderError
		if !errors.As(err, &oe) {
			t.Fatalf("expected OrderError, got %T %v", err, err)
		}
		if oe.StatusCode != http.StatusUnprocessableEntity {
			t.Errorf("status = %d", oe.StatusCode)
		}
		if RawMessage(err) != `{"message":"insufficient buying power"}` {
			t.Errorf("raw = %q", RawMessage(err))
		}
	})

	t.Run("401 is a connection error", func(t *testing.T) {
		_, err := r.Do(ctx, "account", Request{Method: http.MethodGet, Path: "/unauthorized"})
		if !IsConnectionError(err) {
			t.Fatalf("expected ConnectionError, got %v", err)
		}
	})

	t.Run("slow call is a timeout", func(t *testing.T) {
		_, err := r.Do(ctx, "quote", Request{Method: http.MethodGet, Path: "/slow"})
		if !IsTimeout(err) {
			t.Fatalf("expected timeout, got %v", err)
		}
		if ErrorKind(err) != "timeout" {
			t.Errorf("kind = %q", ErrorKind(err))
		}
	})
}

func TestSessionLifecycle(t *testing.T) {
	s := NewSession()
	if s.State() != StateDisconnected {
		t.Fatalf("initial state = %s", s.State())
	}
	s.Begin()
	if s.State() != StateConnecting {
		t.Fatalf("state = %s, want connecting", s.State())
	}
	s.Established("tok", "acct-1", time.Now().Add(time.Minute))
	if !s.IsConnected() || s.Token() != "tok" || s.AccountID() != "acct-1" {
		t.Fatalf("unexpected session after login: %s %q %q", s.State(), s.Token(), s.AccountID())
	}
	if !s.ExpiresWithin(2 * time.Minute) {
		t.Error("expected token to expire within 2m")
	}
	s.Fail()
	if s.IsConnected() || s.Token() != "" {
		t.Error("Fail should clear token and disconnect")
	}
	if s.AccountID() != "acct-1" {
		t.Error("Fail should keep the account id")
	}
}

func TestOrderRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     OrderRequest
		wantErr error
	}{
		{"market ok", OrderRequest{Symbol: "AAPL", Side: SideBuy, Quantity: 1, Type: OrderTypeMarket}, nil},
		{"zero qty", OrderRequest{Symbol: "AAPL", Side: SideBuy, Quantity: 0}, ErrInvalidQuantity},
		{"bad side", OrderRequest{Symbol: "AAPL", Side: "hold", Quantity: 1}, ErrInvalidSide},
		{"limit without price", OrderRequest{Symbol: "AAPL", Side: SideSell, Quantity: 1, Type: OrderTypeLimit}, ErrMissingPrice},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSymbolHelpers(t *testing.T) {
	if got := NormalizeSymbol(" btc-usd "); got != "BTC/USD" {
		t.Errorf("NormalizeSymbol = %q", got)
	}
	base, quote, ok := SplitSymbol("eth_usd")
	if !ok || base != "ETH" || quote != "USD" {
		t.Errorf("SplitSymbol = %q %q %v", base, quote, ok)
	}
	if _, _, ok := SplitSymbol("AAPL"); ok {
		t.Error("SplitSymbol(AAPL) should fail")
	}
}
