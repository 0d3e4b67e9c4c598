package mock

import (
	"context"
	"errors"
	"math"
	"testing"

	"trade-executor/pkg/brokers/common"
)

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestWeightedAverageCost(t *testing.T) {
	ctx := context.Background()
	b := New(Config{ID: "mock", InitialBalance: 10000, Prices: map[string]float64{"BTC/USD": 100}})

	if _, err := b.PlaceOrder(ctx, common.OrderRequest{Symbol: "BTC/USD", Side: common.SideBuy, Quantity: 1}); err != nil {
		t.Fatalf("first buy: %v", err)
	}
	b.prices["BTC/USD"] = 200
	if _, err := b.PlaceOrder(ctx, common.OrderRequest{Symbol: "BTC/USD", Side: common.SideBuy, Quantity: 3}); err != nil {
		t.Fatalf("second buy: %v", err)
	}

	pos := b.positions["BTC/USD"]
	if !approx(pos.qty, 4) {
		t.Errorf("qty = %v, want 4", pos.qty)
	}
	// (1*100 + 3*200) / 4 = 175
	if !approx(pos.avgPrice, 175) {
		t.Errorf("avg = %v, want 175", pos.avgPrice)
	}

	if _, err := b.PlaceOrder(ctx, common.OrderRequest{Symbol: "BTC/USD", Side: common.SideSell, Quantity: 1}); err != nil {
		t.Fatalf("sell: %v", err)
	}
	if !approx(b.positions["BTC/USD"].avgPrice, 175) {
		t.Errorf("avg changed on reduce: %v", b.positions["BTC/USD"].avgPrice)
	}
	// realized (200-175)*1
	if !approx(b.balance, 10025) {
		t.Errorf("balance = %v, want 10025", b.balance)
	}
}

func TestFillsImmediately(t *testing.T) {
	b := New(DefaultConfig())
	resp, err := b.PlaceOrder(context.Background(), common.OrderRequest{
		Symbol:   "eth-usd",
		Side:     common.SideSell,
		Quantity: 2,
		Metadata: common.OrderMetadata{SignalID: "sig-1"},
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if resp.Status != common.StatusFilled || resp.FilledQuantity != 2 {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Symbol != "ETH/USD" || resp.Metadata.SignalID != "sig-1" {
		t.Errorf("symbol/metadata not carried: %+v", resp)
	}
	if !b.IsConnected() {
		t.Error("PlaceOrder should connect transparently")
	}

	got, err := b.GetOrderStatus(context.Background(), resp.OrderID)
	if err != nil || got.Status != common.StatusFilled {
		t.Errorf("GetOrderStatus = %+v, %v", got, err)
	}
}

func TestDeterministicWalk(t *testing.T) {
	ctx := context.Background()
	a := New(Config{Seed: 7, Prices: map[string]float64{"X/USD": 50}})
	b := New(Config{Seed: 7, Prices: map[string]float64{"X/USD": 50}})
	for i := 0; i < 5; i++ {
		qa, _ := a.GetQuote(ctx, "X/USD")
		qb, _ := b.GetQuote(ctx, "X/USD")
		if qa.Last != qb.Last {
			t.Fatalf("step %d: %v != %v", i, qa.Last, qb.Last)
		}
		if math.Abs(qa.Last-50)/50 > 0.01 {
			t.Fatalf("walk drifted too far: %v", qa.Last)
		}
	}
}

func TestFailureKnobs(t *testing.T) {
	ctx := context.Background()

	t.Run("connect failure is typed and leaves disconnected", func(t *testing.T) {
		b := New(Config{FailConnect: true})
		err := b.Connect(ctx)
		if !common.IsConnectionError(err) {
			t.Fatalf("expected ConnectionError, got %v", err)
		}
		if b.session.State() != common.StateDisconnected {
			t.Errorf("state = %s", b.session.State())
		}
	})

	t.Run("place failure carries raw message", func(t *testing.T) {
		b := New(Config{FailPlaceOrder: true})
		_, err := b.PlaceOrder(ctx, common.OrderRequest{Symbol: "A/B", Side: common.SideBuy, Quantity: 1})
		var oe *common.OrderError
		if !errors.As(err, &oe) || oe.Raw == "" {
			t.Fatalf("expected OrderError with raw, got %v", err)
		}
		if len(b.Placed()) != 1 {
			t.Errorf("placed = %d, want 1", len(b.Placed()))
		}
	})

	t.Run("close without position", func(t *testing.T) {
		b := New(DefaultConfig())
		_, err := b.ClosePosition(ctx, "BTC/USD")
		if !errors.Is(err, common.ErrNoPosition) {
			t.Errorf("expected ErrNoPosition, got %v", err)
		}
	})
}
