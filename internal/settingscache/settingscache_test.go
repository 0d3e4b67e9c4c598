package settingscache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"trade-executor/pkg/db"
)

type fakeRedis struct {
	mu   sync.Mutex
	data map[string]string
	ttls map[string]time.Duration
	down bool
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return redis.NewStringResult("", errors.New("connection refused"))
	}
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(ctx context.Context, key string, value any, exp time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return redis.NewStatusResult("", errors.New("connection refused"))
	}
	f.data[key] = string(value.([]byte))
	f.ttls[key] = exp
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
	}
	return redis.NewIntResult(int64(n), nil)
}

type countingStore struct {
	calls    int
	settings db.UserTradeSettings
}

func (s *countingStore) LoadUserTradeSettings(ctx context.Context, userID string) (db.UserTradeSettings, error) {
	s.calls++
	out := s.settings
	out.UserID = userID
	return out, nil
}

func TestReadThroughAndInvalidate(t *testing.T) {
	inner := &countingStore{settings: db.UserTradeSettings{AutoTradeEnabled: true, RiskPercentage: 2, EnabledBrokers: []string{"kraken", "alpaca"}}}
	rdb := newFakeRedis()
	s := New(inner, rdb, time.Minute, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		got, err := s.LoadUserTradeSettings(ctx, "u1")
		if err != nil {
			t.Fatal(err)
		}
		if !got.AutoTradeEnabled || got.RiskPercentage != 2 || len(got.EnabledBrokers) != 2 || got.EnabledBrokers[0] != "kraken" {
			t.Fatalf("settings = %+v", got)
		}
	}
	if inner.calls != 1 {
		t.Fatalf("inner store hit %d times, want 1", inner.calls)
	}
	if rdb.ttls["executor:settings:u1"] != time.Minute {
		t.Errorf("ttl = %v", rdb.ttls["executor:settings:u1"])
	}

	if err := s.Invalidate(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.LoadUserTradeSettings(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	if inner.calls != 2 {
		t.Fatalf("expected reload after invalidate, calls = %d", inner.calls)
	}
}

func TestRedisOutageFallsBack(t *testing.T) {
	inner := &countingStore{settings: db.UserTradeSettings{RiskPercentage: 1}}
	rdb := newFakeRedis()
	rdb.down = true
	s := New(inner, rdb, 0, zerolog.Nop())

	for i := 0; i < 2; i++ {
		if _, err := s.LoadUserTradeSettings(context.Background(), "u1"); err != nil {
			t.Fatalf("load during outage: %v", err)
		}
	}
	if inner.calls != 2 {
		t.Errorf("inner calls = %d, want 2", inner.calls)
	}
}

func TestCorruptEntryIsReplaced(t *testing.T) {
	inner := &countingStore{}
	rdb := newFakeRedis()
	rdb.data["executor:settings:u1"] = "{not json"
	s := New(inner, rdb, time.Minute, zerolog.Nop())

	if _, err := s.LoadUserTradeSettings(context.Background(), "u1"); err != nil {
		t.Fatal(err)
	}
	if inner.calls != 1 || rdb.data["executor:settings:u1"] == "{not json" {
		t.Fatalf("corrupt entry not replaced: calls=%d", inner.calls)
	}
}
