package execution

import (
	"time"

	"trade-executor/internal/sizing"
	"trade-executor/pkg/brokers/common"
)

// TradingSignal is treated as an immutable value once issued.
type TradingSignal struct {
	SignalID   string      `json:"signal_id" validate:"required"`
	ProviderID string      `json:"provider_id"`
	Symbol     string      `json:"symbol" validate:"required"`
	Side       common.Side `json:"side" validate:"required,oneof=buy sell"`
	EntryPrice float64     `json:"entry_price" validate:"gt=0"`
	StopLoss   float64     `json:"stop_loss" validate:"gte=0"`
	TakeProfit float64     `json:"take_profit" validate:"gte=0"`
	IssuedAt   time.Time   `json:"issued_at,omitempty"`
}

// Levels is the subset used for sizing.
func (s TradingSignal) Levels() sizing.Levels {
	return sizing.Levels{Symbol: s.Symbol, Entry: s.EntryPrice, StopLoss: s.StopLoss}
}

// ExecutionRequest asks the processor to fan one signal out for one user.
type ExecutionRequest struct {
	RequestID  string        `json:"request_id"`
	SignalID   string        `json:"signal_id" validate:"required"`
	UserID     string        `json:"user_id" validate:"required"`
	Signal     TradingSignal `json:"signal"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
}

// State is the lifecycle of one request. There is no retry state; per-broker
// failures are terminal for the pass.
type State string

const (
	StateQueued      State = "queued"
	StateSizing      State = "sizing"
	StateDispatching State = "dispatching"
	StateCompleted   State = "completed"
)

// Per-broker outcome statuses. Only executed and failed produce audit rows.
const (
	OutcomeExecuted     = "executed"
	OutcomeFailed       = "failed"
	OutcomeSkipped      = "skipped"
	OutcomeNotAttempted = "not_attempted"
)

// BrokerOutcome is the result of one broker within one pass.
type BrokerOutcome struct {
	BrokerID  string                `json:"broker_id"`
	Status    string                `json:"status"`
	OrderID   string                `json:"order_id,omitempty"`
	Quantity  float64               `json:"quantity,omitempty"`
	Equity    float64               `json:"equity,omitempty"`
	Order     *common.OrderResponse `json:"order,omitempty"`
	ErrorKind string                `json:"error_kind,omitempty"`
	Error     string                `json:"error,omitempty"`
	Latency   time.Duration         `json:"latency"`
}

// ActiveTrade aggregates every broker outcome for a signal. It is an
// in-memory view; the execution log is the record.
type ActiveTrade struct {
	SignalID    string          `json:"signal_id"`
	UserID      string          `json:"user_id"`
	Signal      TradingSignal   `json:"signal"`
	State       State           `json:"state"`
	Outcomes    []BrokerOutcome `json:"outcomes"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at"`
}

// Count returns how many outcomes have status.
func (t *ActiveTrade) Count(status string) int {
	n := 0
	for _, o := range t.Outcomes {
		if o.Status == status {
			n++
		}
	}
	return n
}

func (t *ActiveTrade) clone() *ActiveTrade {
	c := *t
	c.Outcomes = append([]BrokerOutcome(nil), t.Outcomes...)
	return &c
}

// BrokerFailure is published on events.EventBrokerFailed.
type BrokerFailure struct {
	SignalID string `json:"signal_id"`
	UserID   string `json:"user_id"`
	BrokerID string `json:"broker_id"`
	Kind     string `json:"kind"`
	Error    string `json:"error"`
}

// Skip is published on events.EventExecutionSkipped.
type Skip struct {
	SignalID string `json:"signal_id"`
	UserID   string `json:"user_id"`
	Reason   string `json:"reason"`
}
