package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUserIDRequired = errors.New("user_id is required for data isolation")
	ErrNotFound       = errors.New("record not found")
)

// Queries provides the execution core's reads and writes.
type Queries struct {
	db *sql.DB
}

// NewQueries creates a new Queries instance.
func NewQueries(db *sql.DB) *Queries {
	return &Queries{db: db}
}

// ----------------------------------------
// Execution log
// ----------------------------------------

// AppendExecutionLog inserts one audit row. ID and CreatedAt are filled in when empty.
func (q *Queries) AppendExecutionLog(ctx context.Context, e ExecutionLogEntry) error {
	if e.UserID == "" {
		return ErrUserIDRequired
	}
	if e.SignalID == "" || e.BrokerID == "" {
		return errors.New("signal_id and broker_id are required")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO execution_logs (id, user_id, signal_id, broker_id, status, order_id, quantity, response, error, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.UserID, e.SignalID, e.BrokerID, e.Status, e.OrderID, e.Quantity, e.Response, e.Error, e.LatencyMs, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert execution log: %w", err)
	}
	return nil
}

const logColumns = `id, user_id, signal_id, broker_id, status, COALESCE(order_id, ''), COALESCE(quantity, 0),
		       COALESCE(response, ''), COALESCE(error, ''), COALESCE(latency_ms, 0), created_at`

func scanLogs(rows *sql.Rows) ([]ExecutionLogEntry, error) {
	defer rows.Close()
	var out []ExecutionLogEntry
	for rows.Next() {
		var e ExecutionLogEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.SignalID, &e.BrokerID, &e.Status, &e.OrderID, &e.Quantity,
			&e.Response, &e.Error, &e.LatencyMs, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan execution log: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListExecutionLogsBySignal returns every attempt for a signal in write order.
func (q *Queries) ListExecutionLogsBySignal(ctx context.Context, signalID string) ([]ExecutionLogEntry, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+logColumns+`
		FROM execution_logs
		WHERE signal_id = ?
		ORDER BY rowid ASC
	`, signalID)
	if err != nil {
		return nil, fmt.Errorf("query execution logs: %w", err)
	}
	return scanLogs(rows)
}

// ListExecutionLogsByUser returns a user's most recent attempts, newest first.
func (q *Queries) ListExecutionLogsByUser(ctx context.Context, userID string, limit int) ([]ExecutionLogEntry, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+logColumns+`
		FROM execution_logs
		WHERE user_id = ?
		ORDER BY rowid DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query execution logs: %w", err)
	}
	return scanLogs(rows)
}

// HasExecution reports whether the user already has an attempt for
// (signalID, brokerID). Signals are shared, so the lookup is per user.
func (q *Queries) HasExecution(ctx context.Context, userID, signalID, brokerID string) (bool, error) {
	if userID == "" {
		return false, ErrUserIDRequired
	}
	var n int
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM execution_logs WHERE user_id = ? AND signal_id = ? AND broker_id = ?
	`, userID, signalID, brokerID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count execution logs: %w", err)
	}
	return n > 0, nil
}

// ----------------------------------------
// Trade settings
// ----------------------------------------

// LoadUserTradeSettings returns the stored row or DefaultTradeSettings.
func (q *Queries) LoadUserTradeSettings(ctx context.Context, userID string) (UserTradeSettings, error) {
	if userID == "" {
		return UserTradeSettings{}, ErrUserIDRequired
	}

	var (
		s       UserTradeSettings
		enabled int
		brokers string
	)
	err := q.db.QueryRowContext(ctx, `
		SELECT user_id, auto_trade_enabled, risk_percentage, max_position_size, COALESCE(enabled_brokers, '[]'), updated_at
		FROM user_trade_settings
		WHERE user_id = ?
	`, userID).Scan(&s.UserID, &enabled, &s.RiskPercentage, &s.MaxPositionSize, &brokers, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return DefaultTradeSettings(userID), nil
	}
	if err != nil {
		return UserTradeSettings{}, fmt.Errorf("query trade settings: %w", err)
	}

	s.AutoTradeEnabled = enabled == 1
	if err := json.Unmarshal([]byte(brokers), &s.EnabledBrokers); err != nil {
		return UserTradeSettings{}, fmt.Errorf("decode enabled_brokers: %w", err)
	}
	if s.EnabledBrokers == nil {
		s.EnabledBrokers = []string{}
	}
	return s, nil
}

// SaveUserTradeSettings upserts a user's settings.
func (q *Queries) SaveUserTradeSettings(ctx context.Context, s UserTradeSettings) error {
	if s.UserID == "" {
		return ErrUserIDRequired
	}
	if s.EnabledBrokers == nil {
		s.EnabledBrokers = []string{}
	}
	brokers, err := json.Marshal(s.EnabledBrokers)
	if err != nil {
		return fmt.Errorf("encode enabled_brokers: %w", err)
	}
	enabled := 0
	if s.AutoTradeEnabled {
		enabled = 1
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO user_trade_settings (user_id, auto_trade_enabled, risk_percentage, max_position_size, enabled_brokers, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			auto_trade_enabled = excluded.auto_trade_enabled,
			risk_percentage = excluded.risk_percentage,
			max_position_size = excluded.max_position_size,
			enabled_brokers = excluded.enabled_brokers,
			updated_at = excluded.updated_at
	`, s.UserID, enabled, s.RiskPercentage, s.MaxPositionSize, string(brokers), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert trade settings: %w", err)
	}
	return nil
}

// ----------------------------------------
// Broker credentials
// ----------------------------------------

// UpsertBrokerCredentials stores an already encrypted secrets bag. userID may
// be empty for system-level credentials.
func (q *Queries) UpsertBrokerCredentials(ctx context.Context, brokerID, userID, secretsEncrypted string) error {
	if brokerID == "" {
		return errors.New("broker_id is required")
	}
	now := time.Now().UTC()
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO broker_credentials (broker_id, user_id, secrets_encrypted, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(broker_id, user_id) DO UPDATE SET
			secrets_encrypted = excluded.secrets_encrypted,
			updated_at = excluded.updated_at
	`, brokerID, userID, secretsEncrypted, now, now)
	if err != nil {
		return fmt.Errorf("upsert broker credentials: %w", err)
	}
	return nil
}

// GetBrokerCredentials returns the exact (brokerID, userID) row or ErrNotFound.
func (q *Queries) GetBrokerCredentials(ctx context.Context, brokerID, userID string) (BrokerCredentialRow, error) {
	var row BrokerCredentialRow
	err := q.db.QueryRowContext(ctx, `
		SELECT broker_id, user_id, secrets_encrypted, created_at, updated_at
		FROM broker_credentials
		WHERE broker_id = ? AND user_id = ?
	`, brokerID, userID).Scan(&row.BrokerID, &row.UserID, &row.SecretsEncrypted, &row.CreatedAt, &row.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return BrokerCredentialRow{}, ErrNotFound
	}
	if err != nil {
		return BrokerCredentialRow{}, fmt.Errorf("query broker credentials: %w", err)
	}
	return row, nil
}

// ListBrokerIDsByUser returns broker ids with user-scoped credentials.
func (q *Queries) ListBrokerIDsByUser(ctx context.Context, userID string) ([]string, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT broker_id FROM broker_credentials WHERE user_id = ? ORDER BY broker_id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query broker credentials: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan broker id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
