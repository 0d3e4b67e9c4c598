package db

import "time"

// Execution outcomes written to the audit log.
const (
	StatusExecuted = "executed"
	StatusFailed   = "failed"
)

// ExecutionLogEntry is one broker attempt for one signal. Rows are never updated.
type ExecutionLogEntry struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	SignalID  string    `json:"signal_id"`
	BrokerID  string    `json:"broker_id"`
	Status    string    `json:"status"`
	OrderID   string    `json:"order_id,omitempty"`
	Quantity  float64   `json:"quantity"`
	Response  string    `json:"response,omitempty"`
	Error     string    `json:"error,omitempty"`
	LatencyMs int64     `json:"latency_ms"`
	CreatedAt time.Time `json:"created_at"`
}

// UserTradeSettings controls auto-trading for one user.
type UserTradeSettings struct {
	UserID           string    `json:"user_id"`
	AutoTradeEnabled bool      `json:"auto_trade_enabled"`
	RiskPercentage   float64   `json:"risk_percentage" binding:"gte=0,lte=100"`
	MaxPositionSize  float64   `json:"max_position_size" binding:"gte=0"`
	EnabledBrokers   []string  `json:"enabled_brokers"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// DefaultTradeSettings is returned for users with no stored row.
func DefaultTradeSettings(userID string) UserTradeSettings {
	return UserTradeSettings{
		UserID:          userID,
		RiskPercentage:  1,
		MaxPositionSize: 100,
		EnabledBrokers:  []string{},
	}
}

// BrokerCredentialRow holds an encrypted secrets bag. An empty UserID is a
// system-level credential shared by every user.
type BrokerCredentialRow struct {
	BrokerID         string
	UserID           string
	SecretsEncrypted string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
