// Package brokerpool keeps connected broker sessions per (broker, user) with
// LRU eviction, idle cleanup and a failure circuit.
package brokerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"trade-executor/internal/execution"
	"trade-executor/internal/vault"
	"trade-executor/pkg/brokers/common"
)

var (
	ErrUnknownBroker = errors.New("broker not registered")
	ErrCircuitOpen   = errors.New("broker circuit open")
	ErrPoolFull      = errors.New("broker pool is full")
)

// CredentialSource is satisfied by *vault.Vault.
type CredentialSource interface {
	GetCredentials(ctx context.Context, brokerID, userID string) (*common.Credentials, error)
}

// Config holds configuration for the Pool.
type Config struct {
	MaxSize          int           // Maximum number of cached brokers (LRU eviction)
	IdleTimeout      time.Duration // Time before an idle broker is disconnected and removed
	HealthInterval   time.Duration // Interval between pings
	FailureThreshold int           // Consecutive failures before the circuit opens
	CircuitTimeout   time.Duration // How long an open circuit refuses callers
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		MaxSize:          100,
		IdleTimeout:      30 * time.Minute,
		HealthInterval:   5 * time.Minute,
		FailureThreshold: 3,
		CircuitTimeout:   time.Minute,
	}
}

// entry holds one broker with metadata for lifecycle management. lock is a
// one-slot semaphore held for the lease, so a session is never shared by two
// calls at once.
type entry struct {
	lock     chan struct{}
	broker   common.Broker
	key      string
	brokerID string
	userID   string // empty for system-level credentials

	createdAt   time.Time
	lastUsed    time.Time
	healthyAt   time.Time
	lastFailure time.Time
	failures    int
}

// Pool implements execution.BrokerProvider.
type Pool struct {
	mu       sync.Mutex
	entries  map[string]*entry
	lruOrder []string          // oldest first
	aliases  map[string]string // user key -> system key when the user has no own credentials

	config   Config
	registry *Registry
	creds    CredentialSource
	log      zerolog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(registry *Registry, creds CredentialSource, cfg Config, log zerolog.Logger) *Pool {
	d := DefaultConfig()
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = d.MaxSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = d.IdleTimeout
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = d.HealthInterval
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = d.FailureThreshold
	}
	if cfg.CircuitTimeout <= 0 {
		cfg.CircuitTimeout = d.CircuitTimeout
	}
	return &Pool{
		entries:  make(map[string]*entry),
		aliases:  make(map[string]string),
		config:   cfg,
		registry: registry,
		creds:    creds,
		log:      log.With().Str("component", "brokerpool").Logger(),
		stopCh:   make(chan struct{}),
	}
}

func poolKey(brokerID, userID string) string {
	return brokerID + "|" + userID
}

// Start begins background cleanup and health check goroutines.
func (p *Pool) Start(ctx context.Context) {
	p.wg.Add(2)

	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.config.IdleTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.cleanupIdle()
			}
		}
	}()

	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.config.HealthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.healthCheckAll()
			}
		}
	}()
}

// Stop halts the background loops and disconnects every broker.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	p.mu.Lock()
	all := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		all = append(all, e)
	}
	p.entries = make(map[string]*entry)
	p.aliases = make(map[string]string)
	p.lruOrder = nil
	p.mu.Unlock()

	for _, e := range all {
		p.disconnect(e)
	}
}

// Acquire returns exclusive use of a connected broker for (brokerID, userID).
// It blocks while another caller holds the same session.
func (p *Pool) Acquire(ctx context.Context, brokerID, userID string) (execution.Lease, error) {
	e, err := p.getOrCreate(ctx, brokerID, userID)
	if err != nil {
		return nil, err
	}

	select {
	case e.lock <- struct{}{}:
	case <-ctx.Done():
		return nil, &common.ConnectionError{Broker: brokerID, Op: "acquire", Err: ctx.Err()}
	}

	if open, until := p.circuitOpen(e); open {
		<-e.lock
		return nil, &common.ConnectionError{Broker: brokerID, Op: "acquire", Err: fmt.Errorf("%w until %s", ErrCircuitOpen, until.Format(time.RFC3339))}
	}

	if !e.broker.IsConnected() {
		if err := e.broker.Connect(ctx); err != nil {
			p.recordFailure(e)
			<-e.lock
			p.log.Warn().Err(err).Str("broker", brokerID).Str("user_id", userID).Msg("connect failed")
			return nil, err
		}
		p.log.Info().Str("broker", brokerID).Str("user_id", e.userID).Msg("broker connected")
	}
	return &lease{pool: p, entry: e}, nil
}

func (p *Pool) getOrCreate(ctx context.Context, brokerID, userID string) (*entry, error) {
	userKey := poolKey(brokerID, userID)

	p.mu.Lock()
	key := userKey
	if alias, ok := p.aliases[userKey]; ok {
		key = alias
	}
	if e, ok := p.entries[key]; ok {
		p.touchLRULocked(key)
		p.mu.Unlock()
		return e, nil
	}
	p.mu.Unlock()

	reg, ok := p.registry.lookup(brokerID)
	if !ok {
		return nil, &common.ConnectionError{Broker: brokerID, Op: "acquire", Err: ErrUnknownBroker}
	}

	var creds common.Credentials
	c, err := p.creds.GetCredentials(ctx, brokerID, userID)
	switch {
	case err == nil:
		creds = *c
	case errors.Is(err, vault.ErrNoCredentials) && !reg.needCreds:
		creds = common.Credentials{BrokerID: brokerID}
	default:
		return nil, &common.ConnectionError{Broker: brokerID, Op: "credentials", Err: err}
	}
	key = poolKey(brokerID, creds.UserID)

	p.mu.Lock()
	defer p.mu.Unlock()

	if key != userKey {
		p.aliases[userKey] = key
	}
	// Double-check after the credential lookup.
	if e, ok := p.entries[key]; ok {
		p.touchLRULocked(key)
		return e, nil
	}

	if len(p.entries) >= p.config.MaxSize {
		if !p.evictOldestLocked() {
			return nil, &common.ConnectionError{Broker: brokerID, Op: "acquire", Err: ErrPoolFull}
		}
	}

	b, err := reg.factory(creds)
	if err != nil {
		return nil, fmt.Errorf("create broker %s: %w", brokerID, err)
	}
	now := time.Now()
	e := &entry{
		lock:      make(chan struct{}, 1),
		broker:    b,
		key:       key,
		brokerID:  brokerID,
		userID:    creds.UserID,
		createdAt: now,
		lastUsed:  now,
		healthyAt: now,
	}
	p.entries[key] = e
	p.lruOrder = append(p.lruOrder, key)
	return e, nil
}

type lease struct {
	pool  *Pool
	entry *entry
	once  sync.Once
}

func (l *lease) Broker() common.Broker { return l.entry.broker }

// Release returns the session. A connection error disconnects it so the next
// Acquire logs in again; order rejections do not count against the circuit.
func (l *lease) Release(err error) {
	l.once.Do(func() {
		e := l.entry
		switch {
		case err == nil:
			l.pool.recordSuccess(e)
		case common.IsConnectionError(err):
			l.pool.recordFailure(e)
			if derr := e.broker.Disconnect(context.Background()); derr != nil {
				l.pool.log.Debug().Err(derr).Str("broker", e.brokerID).Msg("disconnect after failure")
			}
			l.pool.log.Warn().Err(err).Str("broker", e.brokerID).Str("user_id", e.userID).Msg("session torn down")
		}
		<-e.lock
	})
}

func (p *Pool) circuitOpen(e *entry) (bool, time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e.failures < p.config.FailureThreshold {
		return false, time.Time{}
	}
	until := e.lastFailure.Add(p.config.CircuitTimeout)
	return time.Now().Before(until), until
}

func (p *Pool) recordFailure(e *entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e.failures++
	e.lastFailure = time.Now()
	e.lastUsed = e.lastFailure
}

func (p *Pool) recordSuccess(e *entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e.failures = 0
	e.healthyAt = time.Now()
	e.lastUsed = e.healthyAt
}

// Remove disconnects and forgets the session for (brokerID, userID). Call it
// after credentials change.
func (p *Pool) Remove(brokerID, userID string) {
	userKey := poolKey(brokerID, userID)
	p.mu.Lock()
	delete(p.aliases, userKey)
	e, ok := p.entries[userKey]
	if ok {
		delete(p.entries, userKey)
		p.removeLRULocked(userKey)
	}
	p.mu.Unlock()
	if ok {
		p.disconnect(e)
	}
}

// RemoveBroker drops every session for brokerID, including system-level ones.
func (p *Pool) RemoveBroker(brokerID string) {
	p.mu.Lock()
	var removed []*entry
	for key, e := range p.entries {
		if e.brokerID == brokerID {
			removed = append(removed, e)
			delete(p.entries, key)
			p.removeLRULocked(key)
		}
	}
	for userKey, key := range p.aliases {
		if _, ok := p.entries[key]; !ok {
			delete(p.aliases, userKey)
		}
	}
	p.mu.Unlock()
	for _, e := range removed {
		p.disconnect(e)
	}
}

// Stats returns current pool statistics.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := PoolStats{
		Total:    len(p.entries),
		MaxSize:  p.config.MaxSize,
		ByBroker: make(map[string]int),
	}
	for _, e := range p.entries {
		stats.ByBroker[e.brokerID]++
		if e.failures >= p.config.FailureThreshold {
			stats.Unhealthy++
		}
		if len(e.lock) > 0 {
			stats.InUse++
		}
	}
	return stats
}

// PoolStats contains pool statistics.
type PoolStats struct {
	Total     int            `json:"total"`
	MaxSize   int            `json:"max_size"`
	ByBroker  map[string]int `json:"by_broker"`
	Unhealthy int            `json:"unhealthy"`
	InUse     int            `json:"in_use"`
}

// --- Internal helpers ---

func (p *Pool) touchLRULocked(key string) {
	if e, ok := p.entries[key]; ok {
		e.lastUsed = time.Now()
	}
	for i, id := range p.lruOrder {
		if id == key {
			p.lruOrder = append(p.lruOrder[:i], p.lruOrder[i+1:]...)
			p.lruOrder = append(p.lruOrder, key)
			break
		}
	}
}

func (p *Pool) removeLRULocked(key string) {
	for i, id := range p.lruOrder {
		if id == key {
			p.lruOrder = append(p.lruOrder[:i], p.lruOrder[i+1:]...)
			break
		}
	}
}

// evictOldestLocked drops the least recently used idle entry. Leased entries
// are skipped.
func (p *Pool) evictOldestLocked() bool {
	for _, key := range p.lruOrder {
		e := p.entries[key]
		if e == nil || len(e.lock) > 0 {
			continue
		}
		delete(p.entries, key)
		p.removeLRULocked(key)
		go p.disconnect(e)
		return true
	}
	return false
}

func (p *Pool) cleanupIdle() {
	p.mu.Lock()
	now := time.Now()
	var idle []*entry
	for key, e := range p.entries {
		if now.Sub(e.lastUsed) > p.config.IdleTimeout && len(e.lock) == 0 {
			idle = append(idle, e)
			delete(p.entries, key)
			p.removeLRULocked(key)
		}
	}
	p.mu.Unlock()

	for _, e := range idle {
		p.disconnect(e)
	}
	if len(idle) > 0 {
		p.log.Debug().Int("count", len(idle)).Msg("idle brokers removed")
	}
}

func (p *Pool) healthCheckAll() {
	p.mu.Lock()
	all := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		all = append(all, e)
	}
	p.mu.Unlock()

	for _, e := range all {
		p.healthCheck(e)
	}
}

// healthCheck pings idle, connected brokers. A busy entry is skipped.
func (p *Pool) healthCheck(e *entry) {
	pinger, ok := e.broker.(common.Pinger)
	if !ok || !e.broker.IsConnected() {
		return
	}
	select {
	case e.lock <- struct{}{}:
	default:
		return
	}
	defer func() { <-e.lock }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err := pinger.Ping(ctx)
	cancel()

	if err != nil {
		p.recordFailure(e)
		_ = e.broker.Disconnect(context.Background())
		p.log.Warn().Err(err).Str("broker", e.brokerID).Str("user_id", e.userID).Msg("health check failed")
		return
	}
	p.mu.Lock()
	e.healthyAt = time.Now()
	p.mu.Unlock()
}

func (p *Pool) disconnect(e *entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.broker.Disconnect(ctx); err != nil {
		p.log.Debug().Err(err).Str("broker", e.brokerID).Msg("disconnect failed")
	}
}
