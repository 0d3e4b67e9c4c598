package cache

import (
	"testing"
	"time"

	"trade-executor/pkg/brokers/common"
)

func TestQuoteCacheTTL(t *testing.T) {
	c := NewQuoteCache(20 * time.Millisecond)
	c.Set(common.Quote{Symbol: "BTC/USD", Last: 60000})

	q, ok := c.Get("BTC/USD")
	if !ok || q.Last != 60000 {
		t.Fatalf("Get = %+v, %v", q, ok)
	}
	if _, ok := c.Get("ETH/USD"); ok {
		t.Error("unexpected hit for missing symbol")
	}

	time.Sleep(30 * time.Millisecond)
	if _, ok := c.Get("BTC/USD"); ok {
		t.Error("stale quote should not be returned")
	}
	if n := c.Cleanup(); n != 1 {
		t.Errorf("Cleanup removed %d, want 1", n)
	}
	if c.Len() != 0 {
		t.Errorf("Len = %d, want 0", c.Len())
	}
}
