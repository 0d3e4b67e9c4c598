package execution

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"trade-executor/internal/sizing"
	"trade-executor/pkg/brokers/common"
	"trade-executor/pkg/brokers/mock"
	"trade-executor/pkg/db"
)

type fakeLease struct {
	b       common.Broker
	release func(error)
}

func (l *fakeLease) Broker() common.Broker { return l.b }
func (l *fakeLease) Release(err error)     { l.release(err) }

type fakeProvider struct {
	mu       sync.Mutex
	brokers  map[string]common.Broker
	acquired []string
	released map[string]error
	fail     map[string]error
}

func newFakeProvider(brokers ...common.Broker) *fakeProvider {
	f := &fakeProvider{brokers: map[string]common.Broker{}, released: map[string]error{}, fail: map[string]error{}}
	for _, b := range brokers {
		f.brokers[b.ID()] = b
	}
	return f
}

func (f *fakeProvider) Acquire(ctx context.Context, brokerID, userID string) (Lease, error) {
	f.mu.Lock()
	f.acquired = append(f.acquired, brokerID)
	err := f.fail[brokerID]
	b, ok := f.brokers[brokerID]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New("unknown broker " + brokerID)
	}
	if !b.IsConnected() {
		if err := b.Connect(ctx); err != nil {
			return nil, err
		}
	}
	return &fakeLease{b: b, release: func(err error) {
		f.mu.Lock()
		f.released[brokerID] = err
		f.mu.Unlock()
	}}, nil
}

func (f *fakeProvider) Acquired() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.acquired...)
}

type harness struct {
	p        *Processor
	q        *db.Queries
	provider *fakeProvider
}

func newHarness(t *testing.T, cfg Config, settings db.UserTradeSettings, brokers ...common.Broker) *harness {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatal(err)
	}
	q := database.Queries()
	if settings.UserID != "" {
		if err := q.SaveUserTradeSettings(context.Background(), settings); err != nil {
			t.Fatal(err)
		}
	}

	provider := newFakeProvider(brokers...)
	p := New(cfg, Deps{
		Settings: q,
		Log:      q,
		Brokers:  provider,
		Sizer:    sizing.NewEngine(sizing.DefaultPrecision()),
		Logger:   zerolog.Nop(),
	})
	return &harness{p: p, q: q, provider: provider}
}

func btcRequest(signalID string) ExecutionRequest {
	return ExecutionRequest{
		SignalID: signalID,
		UserID:   "u1",
		Signal: TradingSignal{
			SignalID:   signalID,
			ProviderID: "prov-1",
			Symbol:     "BTC/USD",
			Side:       common.SideBuy,
			EntryPrice: 60000,
			StopLoss:   59000,
			TakeProfit: 62000,
		},
	}
}

func enabled(brokers ...string) db.UserTradeSettings {
	return db.UserTradeSettings{
		UserID:           "u1",
		AutoTradeEnabled: true,
		RiskPercentage:   1,
		MaxPositionSize:  100,
		EnabledBrokers:   brokers,
	}
}

func mockBroker(id string, failPlace bool) *mock.Broker {
	cfg := mock.DefaultConfig()
	cfg.ID = id
	cfg.FailPlaceOrder = failPlace
	cfg.Prices = map[string]float64{"BTC/USD": 60000}
	return mock.New(cfg)
}

func TestPartialFailureIsolation(t *testing.T) {
	alpha := mockBroker("alpha", false)
	beta := mockBroker("beta", true)
	gamma := mockBroker("gamma", false)
	h := newHarness(t, Config{}, enabled("alpha", "beta", "gamma"), alpha, beta, gamma)

	trade, err := h.p.ProcessOne(context.Background(), btcRequest("sig-d"))
	if err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}
	if trade.State != StateCompleted || trade.Count(OutcomeExecuted) != 2 || trade.Count(OutcomeFailed) != 1 {
		t.Fatalf("trade = %+v", trade)
	}

	logs, err := h.q.ListExecutionLogsBySignal(context.Background(), "sig-d")
	if err != nil {
		t.Fatal(err)
	}
	wantOrder := []struct{ broker, status string }{
		{"alpha", db.StatusExecuted},
		{"beta", db.StatusFailed},
		{"gamma", db.StatusExecuted},
	}
	if len(logs) != len(wantOrder) {
		t.Fatalf("expected %d log rows, got %d", len(wantOrder), len(logs))
	}
	for i, w := range wantOrder {
		if logs[i].BrokerID != w.broker || logs[i].Status != w.status {
			t.Errorf("log[%d] = %s/%s, want %s/%s", i, logs[i].BrokerID, logs[i].Status, w.broker, w.status)
		}
	}
	if logs[1].Response != `{"error":"mock rejection"}` {
		t.Errorf("failed row should carry the venue message, got %q", logs[1].Response)
	}

	placed := alpha.Placed()
	if len(placed) != 1 || placed[0].Quantity != 0.1 || placed[0].StopLoss != 59000 || placed[0].Metadata.SignalID != "sig-d" {
		t.Errorf("alpha order = %+v", placed)
	}
	if got, ok := h.p.ActiveTrade("sig-d"); !ok || len(got.Outcomes) != 3 {
		t.Errorf("active trade not recorded")
	}
}

func TestOneFailingBrokerOfTwo(t *testing.T) {
	h := newHarness(t, Config{}, enabled("a", "b"), mockBroker("a", false), mockBroker("b", true))

	if _, err := h.p.ProcessOne(context.Background(), btcRequest("sig-2")); err != nil {
		t.Fatal(err)
	}
	logs, _ := h.q.ListExecutionLogsBySignal(context.Background(), "sig-2")
	if len(logs) != 2 || logs[0].Status != db.StatusExecuted || logs[1].Status != db.StatusFailed {
		t.Fatalf("logs = %+v", logs)
	}
}

func TestDisabledAutoTradeDoesNothing(t *testing.T) {
	settings := enabled("alpha")
	settings.AutoTradeEnabled = false
	h := newHarness(t, Config{}, settings, mockBroker("alpha", false))

	trade, err := h.p.ProcessOne(context.Background(), btcRequest("sig-off"))
	if err != nil || trade != nil {
		t.Fatalf("ProcessOne = %v, %v", trade, err)
	}
	if n := len(h.provider.Acquired()); n != 0 {
		t.Errorf("expected no broker calls, got %d", n)
	}
	logs, _ := h.q.ListExecutionLogsBySignal(context.Background(), "sig-off")
	if len(logs) != 0 {
		t.Errorf("expected no log rows, got %d", len(logs))
	}
}

func TestUnknownUserDefaultsToDisabled(t *testing.T) {
	h := newHarness(t, Config{}, db.UserTradeSettings{}, mockBroker("alpha", false))
	req := btcRequest("sig-new")
	req.UserID = "nobody"
	if trade, err := h.p.ProcessOne(context.Background(), req); err != nil || trade != nil {
		t.Fatalf("ProcessOne = %v, %v", trade, err)
	}
	if len(h.provider.Acquired()) != 0 {
		t.Error("default settings must not trade")
	}
}

func TestZeroStopDistanceSkipsBeforeBrokers(t *testing.T) {
	h := newHarness(t, Config{}, enabled("alpha"), mockBroker("alpha", false))
	req := btcRequest("sig-c")
	req.Signal.StopLoss = req.Signal.EntryPrice

	trade, err := h.p.ProcessOne(context.Background(), req)
	if err != nil || trade != nil {
		t.Fatalf("ProcessOne = %v, %v", trade, err)
	}
	if len(h.provider.Acquired()) != 0 {
		t.Error("no broker should be contacted")
	}
	logs, _ := h.q.ListExecutionLogsBySignal(context.Background(), "sig-c")
	if len(logs) != 0 {
		t.Errorf("expected no log rows, got %d", len(logs))
	}
}

func TestConnectionFailureIsRecordedAndReleased(t *testing.T) {
	h := newHarness(t, Config{}, enabled("down", "up"), mockBroker("up", false))
	connErr := &common.ConnectionError{Broker: "down", Op: "connect", Err: errors.New("refused")}
	h.provider.fail["down"] = connErr

	trade, err := h.p.ProcessOne(context.Background(), btcRequest("sig-conn"))
	if err != nil {
		t.Fatal(err)
	}
	if trade.Outcomes[0].Status != OutcomeFailed || trade.Outcomes[0].ErrorKind != "connection" {
		t.Errorf("down outcome = %+v", trade.Outcomes[0])
	}
	if trade.Outcomes[1].Status != OutcomeExecuted {
		t.Errorf("up outcome = %+v", trade.Outcomes[1])
	}
}

func TestPlaceErrorReleasesLeaseWithError(t *testing.T) {
	b := mockBroker("flaky", false)
	connErr := &common.ConnectionError{Broker: "flaky", Op: "place_order", Err: errors.New("session expired")}
	b.SetPlaceError(connErr)
	h := newHarness(t, Config{}, enabled("flaky"), b)

	if _, err := h.p.ProcessOne(context.Background(), btcRequest("sig-rel")); err != nil {
		t.Fatal(err)
	}
	h.provider.mu.Lock()
	got := h.provider.released["flaky"]
	h.provider.mu.Unlock()
	if !common.IsConnectionError(got) {
		t.Errorf("lease released with %v, want connection error", got)
	}
}

type partialBroker struct{ *mock.Broker }

func (b partialBroker) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResponse, error) {
	resp, _ := b.Broker.PlaceOrder(ctx, req)
	return resp, &common.OrderError{Broker: b.ID(), Op: "update_protection", Message: "Invalid SL", Partial: true}
}

func TestPartialProtectionFailureStillExecuted(t *testing.T) {
	h := newHarness(t, Config{}, enabled("fx"), partialBroker{mockBroker("fx", false)})

	trade, err := h.p.ProcessOne(context.Background(), btcRequest("sig-p"))
	if err != nil {
		t.Fatal(err)
	}
	out := trade.Outcomes[0]
	if out.Status != OutcomeExecuted || out.OrderID == "" || out.Error == "" {
		t.Fatalf("outcome = %+v", out)
	}
	logs, _ := h.q.ListExecutionLogsBySignal(context.Background(), "sig-p")
	if len(logs) != 1 || logs[0].Status != db.StatusExecuted || logs[0].Error == "" {
		t.Fatalf("logs = %+v", logs)
	}
}

type panicBroker struct{ *mock.Broker }

func (panicBroker) PlaceOrder(context.Context, common.OrderRequest) (common.OrderResponse, error) {
	panic("adapter bug")
}

func TestBrokerPanicIsIsolated(t *testing.T) {
	h := newHarness(t, Config{}, enabled("bad", "good"), panicBroker{mockBroker("bad", false)}, mockBroker("good", false))

	trade, err := h.p.ProcessOne(context.Background(), btcRequest("sig-panic"))
	if err != nil {
		t.Fatal(err)
	}
	if trade.Outcomes[0].Status != OutcomeFailed || trade.Outcomes[1].Status != OutcomeExecuted {
		t.Fatalf("outcomes = %+v", trade.Outcomes)
	}
}

type panicSettings struct{ calls atomic.Int32 }

func (s *panicSettings) LoadUserTradeSettings(ctx context.Context, userID string) (db.UserTradeSettings, error) {
	if s.calls.Add(1) == 1 {
		panic("settings store bug")
	}
	return db.UserTradeSettings{UserID: userID}, nil
}

func TestTickRecoversAndContinues(t *testing.T) {
	queue := NewQueue(10)
	settings := &panicSettings{}
	p := New(Config{SettingsTTL: -1}, Deps{Queue: queue, Settings: settings, Logger: zerolog.Nop()})

	if err := p.Submit(btcRequest("first")); err != nil {
		t.Fatal(err)
	}
	if err := p.Submit(btcRequest("second")); err != nil {
		t.Fatal(err)
	}

	if !p.Tick(context.Background()) {
		t.Fatal("expected a request on first tick")
	}
	if !p.Tick(context.Background()) {
		t.Fatal("expected a request on second tick")
	}
	if p.Tick(context.Background()) {
		t.Fatal("queue should be empty")
	}
	m := p.QueueMetrics()
	if m.Errors != 1 || m.Dequeued != 2 {
		t.Fatalf("metrics = %+v", m)
	}
	if settings.calls.Load() != 2 {
		t.Fatalf("second request not processed")
	}
}

type slowBroker struct {
	*mock.Broker
	delay    time.Duration
	inFlight *atomic.Int32
	peak     *atomic.Int32
}

func (b slowBroker) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResponse, error) {
	n := b.inFlight.Add(1)
	for {
		p := b.peak.Load()
		if n <= p || b.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(b.delay)
	b.inFlight.Add(-1)
	return b.Broker.PlaceOrder(ctx, req)
}

func TestFanOutPreservesOrder(t *testing.T) {
	var inFlight, peak atomic.Int32
	ids := []string{"b1", "b2", "b3", "b4"}
	var brokers []common.Broker
	for _, id := range ids {
		brokers = append(brokers, slowBroker{Broker: mockBroker(id, id == "b3"), delay: 20 * time.Millisecond, inFlight: &inFlight, peak: &peak})
	}
	h := newHarness(t, Config{FanOutWorkers: 2}, enabled(ids...), brokers...)

	trade, err := h.p.ProcessOne(context.Background(), btcRequest("sig-fan"))
	if err != nil {
		t.Fatal(err)
	}
	for i, id := range ids {
		if trade.Outcomes[i].BrokerID != id {
			t.Errorf("outcome[%d] = %s, want %s", i, trade.Outcomes[i].BrokerID, id)
		}
	}
	if trade.Count(OutcomeExecuted) != 3 || trade.Count(OutcomeFailed) != 1 {
		t.Errorf("outcomes = %+v", trade.Outcomes)
	}
	if peak.Load() != 2 {
		t.Errorf("peak concurrency = %d, want 2", peak.Load())
	}
	logs, _ := h.q.ListExecutionLogsBySignal(context.Background(), "sig-fan")
	if len(logs) != 4 {
		t.Errorf("expected 4 log rows, got %d", len(logs))
	}
}

func TestDeduplicateOption(t *testing.T) {
	alpha := mockBroker("alpha", false)
	h := newHarness(t, Config{Deduplicate: true}, enabled("alpha"), alpha)

	for i := 0; i < 2; i++ {
		if _, err := h.p.ProcessOne(context.Background(), btcRequest("sig-dup")); err != nil {
			t.Fatal(err)
		}
	}
	if n := len(alpha.Placed()); n != 1 {
		t.Fatalf("placed %d orders, want 1", n)
	}
	logs, _ := h.q.ListExecutionLogsBySignal(context.Background(), "sig-dup")
	if len(logs) != 1 {
		t.Fatalf("expected 1 row, got %d", len(logs))
	}
}

func TestDeduplicateIsPerUser(t *testing.T) {
	alpha := mockBroker("alpha", false)
	h := newHarness(t, Config{Deduplicate: true}, enabled("alpha"), alpha)
	other := enabled("alpha")
	other.UserID = "u2"
	if err := h.q.SaveUserTradeSettings(context.Background(), other); err != nil {
		t.Fatal(err)
	}

	if _, err := h.p.ProcessOne(context.Background(), btcRequest("sig-shared")); err != nil {
		t.Fatal(err)
	}
	req := btcRequest("sig-shared")
	req.UserID = "u2"
	trade, err := h.p.ProcessOne(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if out := trade.Outcomes[0]; out.Status != OutcomeExecuted {
		t.Fatalf("u2 outcome = %+v", out)
	}
	if n := len(alpha.Placed()); n != 2 {
		t.Fatalf("placed %d orders, want 2", n)
	}
	rows, _ := h.q.ListExecutionLogsByUser(context.Background(), "u2", 10)
	if len(rows) != 1 || rows[0].Status != db.StatusExecuted {
		t.Fatalf("u2 rows = %+v", rows)
	}

	// u1 repeating the signal is still a duplicate.
	trade, err = h.p.ProcessOne(context.Background(), btcRequest("sig-shared"))
	if err != nil {
		t.Fatal(err)
	}
	if out := trade.Outcomes[0]; out.Status != OutcomeSkipped {
		t.Fatalf("u1 repeat outcome = %+v", out)
	}
}

func TestDuplicateSignalsProcessedByDefault(t *testing.T) {
	alpha := mockBroker("alpha", false)
	h := newHarness(t, Config{}, enabled("alpha"), alpha)
	for i := 0; i < 2; i++ {
		if _, err := h.p.ProcessOne(context.Background(), btcRequest("sig-twice")); err != nil {
			t.Fatal(err)
		}
	}
	if n := len(alpha.Placed()); n != 2 {
		t.Fatalf("placed %d orders, want 2", n)
	}
}

type staticSettings db.UserTradeSettings

func (s staticSettings) LoadUserTradeSettings(context.Context, string) (db.UserTradeSettings, error) {
	return db.UserTradeSettings(s), nil
}

func TestExpiredMessageStopsNewBrokers(t *testing.T) {
	h := newHarness(t, Config{}, db.UserTradeSettings{}, mockBroker("alpha", false), mockBroker("beta", false))
	h.p.settings = staticSettings(enabled("alpha", "beta"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	trade, err := h.p.ProcessOne(ctx, btcRequest("sig-late"))
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if trade == nil || trade.Count(OutcomeNotAttempted) != 2 {
		t.Fatalf("trade = %+v", trade)
	}
	if len(h.provider.Acquired()) != 0 {
		t.Error("no broker should be started after the deadline")
	}
}

// stuckBroker never answers the account lookup before the caller gives up.
type stuckBroker struct{ *mock.Broker }

func (stuckBroker) GetAccountInfo(ctx context.Context) (common.AccountInfo, error) {
	<-ctx.Done()
	return common.AccountInfo{}, ctx.Err()
}

func TestExpiredMessageStopsNewBrokersWithFanOut(t *testing.T) {
	late := mockBroker("c", false)
	h := newHarness(t, Config{FanOutWorkers: 2, CallTimeout: time.Second}, db.UserTradeSettings{},
		stuckBroker{mockBroker("a", false)}, stuckBroker{mockBroker("b", false)}, late)
	h.p.settings = staticSettings(enabled("a", "b", "c"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	trade, err := h.p.ProcessOne(ctx, btcRequest("sig-slots"))
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if trade == nil || len(trade.Outcomes) != 3 {
		t.Fatalf("trade = %+v", trade)
	}
	if trade.Outcomes[0].Status != OutcomeFailed || trade.Outcomes[1].Status != OutcomeFailed {
		t.Errorf("a/b outcomes = %+v", trade.Outcomes[:2])
	}
	if trade.Outcomes[2].Status != OutcomeNotAttempted {
		t.Errorf("c outcome = %+v, want not_attempted", trade.Outcomes[2])
	}
	if n := len(late.Placed()); n != 0 {
		t.Errorf("c placed %d orders after the deadline", n)
	}
}

// lotBroker acknowledges fewer units than requested, like a venue that
// rounds down to its lot size.
type lotBroker struct{ *mock.Broker }

func (b lotBroker) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResponse, error) {
	resp, err := b.Broker.PlaceOrder(ctx, req)
	resp.Quantity = 0.05
	return resp, err
}

func TestAuditRowRecordsVenueQuantity(t *testing.T) {
	h := newHarness(t, Config{}, enabled("lots"), lotBroker{mockBroker("lots", false)})

	trade, err := h.p.ProcessOne(context.Background(), btcRequest("sig-lot"))
	if err != nil {
		t.Fatal(err)
	}
	if q := trade.Outcomes[0].Quantity; q != 0.1 {
		t.Errorf("outcome quantity = %v, want sized 0.1", q)
	}
	logs, _ := h.q.ListExecutionLogsBySignal(context.Background(), "sig-lot")
	if len(logs) != 1 || logs[0].Quantity != 0.05 {
		t.Fatalf("logs = %+v", logs)
	}
}

func TestSubmitValidates(t *testing.T) {
	h := newHarness(t, Config{}, enabled("alpha"), mockBroker("alpha", false))

	tests := []struct {
		name    string
		mutate  func(*ExecutionRequest)
		wantErr bool
	}{
		{"valid", func(*ExecutionRequest) {}, false},
		{"long side normalized", func(r *ExecutionRequest) { r.Signal.Side = "LONG" }, false},
		{"missing user", func(r *ExecutionRequest) { r.UserID = "" }, true},
		{"bad side", func(r *ExecutionRequest) { r.Signal.Side = "hold" }, true},
		{"no entry", func(r *ExecutionRequest) { r.Signal.EntryPrice = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := btcRequest("sig-v")
			tt.mutate(&req)
			err := h.p.Submit(req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Submit err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("expected ErrInvalidRequest, got %v", err)
			}
		})
	}
}

func TestStartProcessesInArrivalOrder(t *testing.T) {
	alpha := mockBroker("alpha", false)
	h := newHarness(t, Config{Interval: 5 * time.Millisecond}, enabled("alpha"), alpha)

	for _, id := range []string{"s1", "s2", "s3"} {
		if err := h.p.Submit(btcRequest(id)); err != nil {
			t.Fatal(err)
		}
	}
	h.p.Start(context.Background())
	defer h.p.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for len(h.p.ActiveTrades()) < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("only %d trades processed", len(h.p.ActiveTrades()))
		}
		time.Sleep(5 * time.Millisecond)
	}
	placed := alpha.Placed()
	for i, id := range []string{"s1", "s2", "s3"} {
		if placed[i].Metadata.SignalID != id {
			t.Errorf("placed[%d] = %s, want %s", i, placed[i].Metadata.SignalID, id)
		}
	}
}
