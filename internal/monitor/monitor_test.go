package monitor

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"trade-executor/internal/events"
	"trade-executor/internal/execution"
)

func TestRecorderExposesMetrics(t *testing.T) {
	rec := NewRecorder(nil, nil)
	rec.RequestProcessed("completed")
	rec.BrokerOrder("alpaca", execution.OutcomeExecuted)
	rec.BrokerOrder("kraken", execution.OutcomeFailed)
	rec.BrokerLatency("alpaca", "place_order", 120*time.Millisecond)
	rec.QueueDepth(7)
	rec.QueueError()

	srv := httptest.NewServer(rec.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	text := string(body)

	for _, want := range []string{
		`executor_requests_total{result="completed"} 1`,
		`executor_broker_orders_total{broker="alpaca",status="executed"} 1`,
		`executor_broker_orders_total{broker="kraken",status="failed"} 1`,
		`executor_broker_latency_seconds_count{broker="alpaca",op="place_order"} 1`,
		`executor_queue_depth 7`,
		`executor_queue_errors_total 1`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}

	snap := rec.System().GetSnapshot()
	if snap.OrdersExecuted != 1 || snap.OrdersFailed != 1 || snap.ErrorsCount != 1 || snap.OrderLatency.Count != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestRecordersDoNotShareRegistries(t *testing.T) {
	// Registering twice on the global registry would panic.
	NewRecorder(nil, nil)
	NewRecorder(nil, nil)
}

func TestLatencyHistogramStats(t *testing.T) {
	h := NewLatencyHistogram(4)
	for _, v := range []float64{50, 10, 20, 30, 40} {
		h.Record(v)
	}
	s := h.Stats()
	if s.Count != 4 || s.Min != 10 || s.Max != 40 || s.Avg != 25 {
		t.Errorf("stats = %+v", s)
	}
}

func TestFailureRule(t *testing.T) {
	r := &FailureRule{Threshold: 3, Window: time.Minute}
	now := time.Now()
	f := execution.BrokerFailure{BrokerID: "kraken", Kind: "connection", Error: "EAPI:Invalid key"}

	var fired []int
	for i := 0; i < 5; i++ {
		if ok, _ := r.Check(f, now.Add(time.Duration(i)*time.Second)); ok {
			fired = append(fired, i)
		}
	}
	if len(fired) != 1 || fired[0] != 2 {
		t.Fatalf("fired at %v, want [2]", fired)
	}

	// Other brokers are counted separately.
	if ok, _ := r.Check(execution.BrokerFailure{BrokerID: "alpaca"}, now); ok {
		t.Error("alpaca should not trip")
	}

	// Old hits age out of the window.
	later := now.Add(10 * time.Minute)
	for i := 0; i < 2; i++ {
		if ok, _ := r.Check(f, later); ok {
			t.Fatal("should not fire before threshold")
		}
	}
	if ok, msg := r.Check(f, later); !ok || !strings.Contains(msg, "kraken") {
		t.Fatalf("expected re-fire, got %v %q", ok, msg)
	}
}

type captureSink struct {
	mu   sync.Mutex
	msgs []string
}

func (s *captureSink) Send(m string) error {
	s.mu.Lock()
	s.msgs = append(s.msgs, m)
	s.mu.Unlock()
	return nil
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

func TestMonitorAlertsOnRepeatedFailures(t *testing.T) {
	bus := events.NewBus()
	sink := &captureSink{}
	m := &Monitor{Bus: bus, Sink: sink, Rule: &FailureRule{Threshold: 2, Window: time.Minute}, Log: zerolog.Nop()}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	for i := 0; i < 2; i++ {
		bus.Publish(events.EventBrokerFailed, execution.BrokerFailure{BrokerID: "tradovate", Kind: "order"})
	}
	deadline := time.Now().Add(time.Second)
	for sink.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sink.count() != 1 {
		t.Fatalf("alerts = %d, want 1", sink.count())
	}
}
