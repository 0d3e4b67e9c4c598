package brokerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"trade-executor/internal/vault"
	"trade-executor/pkg/brokers/common"
	"trade-executor/pkg/brokers/mock"
	"trade-executor/pkg/config"
)

type fakeCreds struct {
	mu    sync.Mutex
	rows  map[string]common.Credentials // key: broker|user
	calls int
}

func (f *fakeCreds) GetCredentials(ctx context.Context, brokerID, userID string) (*common.Credentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	for _, scope := range []string{userID, ""} {
		if c, ok := f.rows[brokerID+"|"+scope]; ok {
			c.BrokerID, c.UserID = brokerID, scope
			return &c, nil
		}
	}
	return nil, vault.ErrNoCredentials
}

// countingRegistry builds mock brokers and remembers the credentials each got.
func countingRegistry(built *atomic.Int32, seen *sync.Map, failConnect bool) *Registry {
	r := NewRegistry()
	r.Register("sim", true, func(c common.Credentials) (common.Broker, error) {
		built.Add(1)
		seen.Store(c.UserID, c.APIKey)
		return mock.New(mock.Config{ID: "sim", InitialBalance: 1000, FailConnect: failConnect}), nil
	})
	return r
}

func TestAcquireReusesSessionPerUser(t *testing.T) {
	var built atomic.Int32
	var seen sync.Map
	creds := &fakeCreds{rows: map[string]common.Credentials{
		"sim|u1": {APIKey: "user-key"},
		"sim|":   {APIKey: "system-key"},
	}}
	pool := New(countingRegistry(&built, &seen, false), creds, Config{}, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		l, err := pool.Acquire(ctx, "sim", "u1")
		if err != nil {
			t.Fatal(err)
		}
		if !l.Broker().IsConnected() {
			t.Fatal("leased broker not connected")
		}
		l.Release(nil)
	}
	// u2 and u3 have no own keys and share the system session.
	for _, u := range []string{"u2", "u3"} {
		l, err := pool.Acquire(ctx, "sim", u)
		if err != nil {
			t.Fatal(err)
		}
		l.Release(nil)
	}

	if built.Load() != 2 {
		t.Fatalf("built %d brokers, want 2", built.Load())
	}
	if k, _ := seen.Load("u1"); k != "user-key" {
		t.Errorf("u1 built with %v", k)
	}
	if k, _ := seen.Load(""); k != "system-key" {
		t.Errorf("system built with %v", k)
	}
	st := pool.Stats()
	if st.Total != 2 || st.ByBroker["sim"] != 2 || st.InUse != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestLeaseIsExclusive(t *testing.T) {
	var built atomic.Int32
	var seen sync.Map
	creds := &fakeCreds{rows: map[string]common.Credentials{"sim|": {}}}
	pool := New(countingRegistry(&built, &seen, false), creds, Config{}, zerolog.Nop())

	first, err := pool.Acquire(context.Background(), "sim", "u1")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := pool.Acquire(ctx, "sim", "u1"); !common.IsConnectionError(err) {
		t.Fatalf("second Acquire = %v, want timeout connection error", err)
	}
	if pool.Stats().InUse != 1 {
		t.Error("expected one entry in use")
	}

	first.Release(nil)
	first.Release(nil) // second release is a no-op
	second, err := pool.Acquire(context.Background(), "sim", "u1")
	if err != nil {
		t.Fatal(err)
	}
	second.Release(nil)
}

func TestConnectionErrorTearsDownAndOpensCircuit(t *testing.T) {
	var built atomic.Int32
	var seen sync.Map
	creds := &fakeCreds{rows: map[string]common.Credentials{"sim|u1": {}}}
	pool := New(countingRegistry(&built, &seen, false), creds, Config{FailureThreshold: 2, CircuitTimeout: time.Hour}, zerolog.Nop())
	ctx := context.Background()
	connErr := &common.ConnectionError{Broker: "sim", Op: "place_order", Err: errors.New("401")}

	l, err := pool.Acquire(ctx, "sim", "u1")
	if err != nil {
		t.Fatal(err)
	}
	b := l.Broker()
	l.Release(connErr)
	if b.IsConnected() {
		t.Fatal("session should be torn down after a connection error")
	}

	// Order rejections do not count.
	l, err = pool.Acquire(ctx, "sim", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !l.Broker().IsConnected() {
		t.Fatal("Acquire should reconnect")
	}
	l.Release(&common.OrderError{Broker: "sim", Message: "rejected"})

	l, _ = pool.Acquire(ctx, "sim", "u1")
	l.Release(connErr)

	_, err = pool.Acquire(ctx, "sim", "u1")
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected open circuit, got %v", err)
	}
	if pool.Stats().Unhealthy != 1 {
		t.Errorf("stats = %+v", pool.Stats())
	}
}

func TestConnectFailureCounts(t *testing.T) {
	var built atomic.Int32
	var seen sync.Map
	creds := &fakeCreds{rows: map[string]common.Credentials{"sim|": {}}}
	pool := New(countingRegistry(&built, &seen, true), creds, Config{FailureThreshold: 1, CircuitTimeout: time.Hour}, zerolog.Nop())

	if _, err := pool.Acquire(context.Background(), "sim", "u1"); !common.IsConnectionError(err) {
		t.Fatalf("expected connection error, got %v", err)
	}
	if _, err := pool.Acquire(context.Background(), "sim", "u1"); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected open circuit, got %v", err)
	}
}

func TestAcquireErrors(t *testing.T) {
	reg := NewRegistry()
	reg.Register("needs-keys", true, func(common.Credentials) (common.Broker, error) { return mock.New(mock.DefaultConfig()), nil })
	reg.Register("keyless", false, func(common.Credentials) (common.Broker, error) { return mock.New(mock.DefaultConfig()), nil })
	pool := New(reg, &fakeCreds{rows: map[string]common.Credentials{}}, Config{}, zerolog.Nop())
	ctx := context.Background()

	if _, err := pool.Acquire(ctx, "nope", "u1"); !errors.Is(err, ErrUnknownBroker) || !common.IsConnectionError(err) {
		t.Errorf("unknown broker err = %v", err)
	}
	if _, err := pool.Acquire(ctx, "needs-keys", "u1"); !errors.Is(err, vault.ErrNoCredentials) {
		t.Errorf("missing credentials err = %v", err)
	}
	l, err := pool.Acquire(ctx, "keyless", "u1")
	if err != nil {
		t.Fatalf("keyless broker: %v", err)
	}
	l.Release(nil)
}

func TestLRUEvictionAndRemove(t *testing.T) {
	reg := NewRegistry()
	reg.Register("sim", false, func(common.Credentials) (common.Broker, error) { return mock.New(mock.DefaultConfig()), nil })
	rows := map[string]common.Credentials{}
	for i := 0; i < 3; i++ {
		rows[fmt.Sprintf("sim|u%d", i)] = common.Credentials{}
	}
	pool := New(reg, &fakeCreds{rows: rows}, Config{MaxSize: 2}, zerolog.Nop())
	ctx := context.Background()

	var brokers []common.Broker
	for i := 0; i < 3; i++ {
		l, err := pool.Acquire(ctx, "sim", fmt.Sprintf("u%d", i))
		if err != nil {
			t.Fatal(err)
		}
		brokers = append(brokers, l.Broker())
		l.Release(nil)
	}
	if pool.Stats().Total != 2 {
		t.Fatalf("stats = %+v", pool.Stats())
	}

	pool.Remove("sim", "u2")
	if pool.Stats().Total != 1 {
		t.Fatalf("Remove did not drop the entry: %+v", pool.Stats())
	}
	if brokers[2].IsConnected() {
		t.Error("removed broker should be disconnected")
	}

	pool.RemoveBroker("sim")
	if pool.Stats().Total != 0 {
		t.Fatalf("RemoveBroker left %+v", pool.Stats())
	}
}

func TestIdleCleanup(t *testing.T) {
	reg := NewRegistry()
	reg.Register("sim", false, func(common.Credentials) (common.Broker, error) { return mock.New(mock.DefaultConfig()), nil })
	pool := New(reg, &fakeCreds{rows: map[string]common.Credentials{}}, Config{IdleTimeout: time.Millisecond}, zerolog.Nop())

	l, err := pool.Acquire(context.Background(), "sim", "u1")
	if err != nil {
		t.Fatal(err)
	}
	b := l.Broker()
	l.Release(nil)
	time.Sleep(5 * time.Millisecond)

	pool.cleanupIdle()
	if pool.Stats().Total != 0 || b.IsConnected() {
		t.Fatalf("idle broker not cleaned up: %+v", pool.Stats())
	}
}

func TestRegistryFromConfig(t *testing.T) {
	file, err := config.ParseBrokers([]byte(`
brokers:
  - id: alpaca
    type: alpaca
    paper: true
  - id: tradovate
    type: tradovate
  - id: fxvenue
    type: matchtrader
    base_url: https://mtr.example.com
  - id: kraken
    type: kraken
  - id: sim
    type: mock
`))
	if err != nil {
		t.Fatal(err)
	}
	reg, err := RegistryFromConfig(file)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"alpaca", "fxvenue", "kraken", "sim", "tradovate"}
	if got := reg.IDs(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("IDs = %v, want %v", got, want)
	}
	for _, id := range want {
		r, _ := reg.lookup(id)
		b, err := r.factory(common.Credentials{BrokerID: id})
		if err != nil {
			t.Fatalf("%s: %v", id, err)
		}
		if b.ID() != id {
			t.Errorf("factory for %s built broker %s", id, b.ID())
		}
	}
	if r, _ := reg.lookup("sim"); r.needCreds {
		t.Error("mock brokers should not require credentials")
	}
}
