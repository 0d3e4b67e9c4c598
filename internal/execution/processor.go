// Package execution fans trading signals out to every broker a user has
// enabled, sizing each order against that broker's own equity and recording
// one audit row per attempt.
package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"trade-executor/internal/events"
	"trade-executor/internal/sizing"
	"trade-executor/pkg/brokers/common"
	"trade-executor/pkg/db"
)

var (
	ErrQueueFull      = errors.New("execution queue full or closed")
	ErrInvalidRequest = errors.New("invalid execution request")
)

// SettingsStore loads per-user auto-trade settings, returning defaults when none exist.
type SettingsStore interface {
	LoadUserTradeSettings(ctx context.Context, userID string) (db.UserTradeSettings, error)
}

// ExecutionLog is the append-only audit trail.
type ExecutionLog interface {
	AppendExecutionLog(ctx context.Context, e db.ExecutionLogEntry) error
}

// DedupIndex is consulted only when Config.Deduplicate is set.
type DedupIndex interface {
	HasExecution(ctx context.Context, userID, signalID, brokerID string) (bool, error)
}

// Lease is exclusive use of one broker connection. Release must be called
// with the last error seen so fatal auth failures can tear the session down.
type Lease interface {
	Broker() common.Broker
	Release(err error)
}

// BrokerProvider hands out connected brokers per (broker, user).
type BrokerProvider interface {
	Acquire(ctx context.Context, brokerID, userID string) (Lease, error)
}

// Sizer computes an order quantity for one broker.
type Sizer interface {
	Size(brokerID string, l sizing.Levels, riskPct, maxPos, equity float64) (float64, error)
}

// Publisher receives lifecycle events.
type Publisher interface {
	Publish(e events.Event, payload any)
}

// Recorder receives metrics.
type Recorder interface {
	RequestProcessed(result string)
	BrokerOrder(brokerID, status string)
	BrokerLatency(brokerID, op string, d time.Duration)
	QueueDepth(n int)
	QueueError()
}

type Config struct {
	Interval       time.Duration
	MessageTimeout time.Duration
	CallTimeout    time.Duration
	// FanOutWorkers > 1 contacts brokers concurrently. 1 keeps strict list order.
	FanOutWorkers int
	// Deduplicate skips brokers that already have a log row for the signal.
	Deduplicate bool
	// SettingsTTL bounds how long settings are reused before reloading.
	SettingsTTL time.Duration
	// DefaultBrokers is used when a user enabled auto-trade but no brokers.
	DefaultBrokers  []string
	MaxActiveTrades int
}

func DefaultConfig() Config {
	return Config{
		Interval:        100 * time.Millisecond,
		MessageTimeout:  30 * time.Second,
		CallTimeout:     15 * time.Second,
		FanOutWorkers:   1,
		SettingsTTL:     30 * time.Second,
		MaxActiveTrades: 1000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.MessageTimeout <= 0 {
		c.MessageTimeout = d.MessageTimeout
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.FanOutWorkers <= 0 {
		c.FanOutWorkers = d.FanOutWorkers
	}
	if c.SettingsTTL < 0 {
		c.SettingsTTL = 0
	}
	if c.MaxActiveTrades <= 0 {
		c.MaxActiveTrades = d.MaxActiveTrades
	}
	return c
}

// Deps are the processor's collaborators. Publisher and Recorder are optional.
type Deps struct {
	Queue     WorkQueue
	Settings  SettingsStore
	Log       ExecutionLog
	Brokers   BrokerProvider
	Sizer     Sizer
	Publisher Publisher
	Recorder  Recorder
	Logger    zerolog.Logger
}

type cachedSettings struct {
	settings db.UserTradeSettings
	loadedAt time.Time
}

// Processor owns its queue, settings cache and active-trade map. Nothing is
// package-global, so several processors can coexist.
type Processor struct {
	cfg      Config
	queue    WorkQueue
	settings SettingsStore
	logStore ExecutionLog
	brokers  BrokerProvider
	sizer    Sizer
	pub      Publisher
	rec      Recorder
	log      zerolog.Logger
	validate *validator.Validate

	settingsMu    sync.Mutex
	settingsCache map[string]cachedSettings

	tradesMu    sync.RWMutex
	trades      map[string]*ActiveTrade
	tradesOrder []string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, deps Deps) *Processor {
	cfg = cfg.withDefaults()
	if deps.Queue == nil {
		deps.Queue = NewQueue(0)
	}
	if deps.Publisher == nil {
		deps.Publisher = nopPublisher{}
	}
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	return &Processor{
		cfg:           cfg,
		queue:         deps.Queue,
		settings:      deps.Settings,
		logStore:      deps.Log,
		brokers:       deps.Brokers,
		sizer:         deps.Sizer,
		pub:           deps.Publisher,
		rec:           deps.Recorder,
		log:           deps.Logger.With().Str("component", "processor").Logger(),
		validate:      validator.New(),
		settingsCache: make(map[string]cachedSettings),
		trades:        make(map[string]*ActiveTrade),
	}
}

// Submit validates and enqueues a request. It never blocks.
func (p *Processor) Submit(req ExecutionRequest) error {
	side, err := common.ParseSide(string(req.Signal.Side))
	if err == nil {
		req.Signal.Side = side
	}
	if req.Signal.SignalID == "" {
		req.Signal.SignalID = req.SignalID
	}
	if err := p.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = time.Now()
	}
	if !p.queue.Enqueue(req) {
		return ErrQueueFull
	}
	p.rec.QueueDepth(p.queue.Len())
	p.pub.Publish(events.EventExecutionQueued, req)
	return nil
}

// Start runs the polling loop until ctx is canceled or Stop is called.
func (p *Processor) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.log.Info().Dur("interval", p.cfg.Interval).Int("fan_out_workers", p.cfg.FanOutWorkers).Msg("processor started")
		ticker := time.NewTicker(p.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				p.log.Info().Msg("processor stopped")
				return
			case <-ticker.C:
				p.Tick(ctx)
			}
		}
	}()
}

// Stop cancels the loop and waits for the in-flight request to finish.
func (p *Processor) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// Tick processes at most one queued request. Panics and infrastructure
// errors are counted and swallowed so the next tick still runs.
func (p *Processor) Tick(parent context.Context) bool {
	req, ok := p.queue.Dequeue()
	p.rec.QueueDepth(p.queue.Len())
	if !ok {
		return false
	}
	defer p.queue.Complete(req.RequestID)
	defer func() {
		if r := recover(); r != nil {
			p.queue.RecordError()
			p.rec.QueueError()
			p.rec.RequestProcessed("panic")
			p.log.Error().
				Str("signal_id", req.SignalID).
				Str("user_id", req.UserID).
				Interface("panic", r).
				Msg("execution request aborted")
		}
	}()

	ctx, cancel := context.WithTimeout(parent, p.cfg.MessageTimeout)
	defer cancel()

	if _, err := p.ProcessOne(ctx, req); err != nil {
		p.queue.RecordError()
		p.rec.QueueError()
		p.rec.RequestProcessed("error")
		p.log.Error().Err(err).
			Str("signal_id", req.SignalID).
			Str("user_id", req.UserID).
			Msg("execution request failed")
	}
	return true
}

// ProcessOne runs one request to completion. It returns an error only for
// infrastructure faults; broker failures are recorded, not returned. A nil
// trade means nothing was attempted.
func (p *Processor) ProcessOne(ctx context.Context, req ExecutionRequest) (*ActiveTrade, error) {
	log := p.log.With().Str("signal_id", req.SignalID).Str("user_id", req.UserID).Logger()
	trade := &ActiveTrade{
		SignalID:  req.SignalID,
		UserID:    req.UserID,
		Signal:    req.Signal,
		State:     StateQueued,
		StartedAt: time.Now(),
	}

	settings, err := p.loadSettings(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if !settings.AutoTradeEnabled {
		log.Debug().Msg("auto-trade disabled, discarding")
		p.rec.RequestProcessed("disabled")
		return nil, nil
	}

	trade.State = StateSizing
	if err := sizing.CheckStop(req.Signal.Levels()); err != nil {
		log.Info().Err(err).Msg("signal not sizeable, skipping")
		p.rec.RequestProcessed("skipped")
		p.pub.Publish(events.EventExecutionSkipped, Skip{SignalID: req.SignalID, UserID: req.UserID, Reason: err.Error()})
		return nil, nil
	}

	brokerIDs := uniqueIDs(settings.EnabledBrokers)
	if len(brokerIDs) == 0 {
		brokerIDs = uniqueIDs(p.cfg.DefaultBrokers)
	}

	trade.State = StateDispatching
	trade.Outcomes = p.dispatchAll(ctx, req, settings, brokerIDs)
	trade.State = StateCompleted
	trade.CompletedAt = time.Now()
	p.storeTrade(trade)

	log.Info().
		Int("brokers", len(brokerIDs)).
		Int("executed", trade.Count(OutcomeExecuted)).
		Int("failed", trade.Count(OutcomeFailed)).
		Dur("took", trade.CompletedAt.Sub(trade.StartedAt)).
		Msg("execution completed")
	p.pub.Publish(events.EventExecutionCompleted, trade.clone())

	if err := ctx.Err(); err != nil && trade.Count(OutcomeNotAttempted) > 0 {
		return trade, fmt.Errorf("message timeout: %w", err)
	}
	p.rec.RequestProcessed("completed")
	return trade, nil
}

func (p *Processor) dispatchAll(ctx context.Context, req ExecutionRequest, s db.UserTradeSettings, brokerIDs []string) []BrokerOutcome {
	outcomes := make([]BrokerOutcome, len(brokerIDs))
	notAttempted := func(i int) {
		outcomes[i] = BrokerOutcome{BrokerID: brokerIDs[i], Status: OutcomeNotAttempted, Error: "message deadline reached"}
	}

	if p.cfg.FanOutWorkers <= 1 {
		for i, id := range brokerIDs {
			if ctx.Err() != nil {
				notAttempted(i)
				continue
			}
			outcomes[i] = p.dispatch(ctx, req, s, id)
		}
		return outcomes
	}

	sem := make(chan struct{}, p.cfg.FanOutWorkers)
	var wg sync.WaitGroup
	for i, id := range brokerIDs {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			notAttempted(i)
			continue
		}
		// A slot may free up in the same instant the deadline passes.
		if ctx.Err() != nil {
			<-sem
			notAttempted(i)
			continue
		}
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			defer func() { <-sem }()
			outcomes[i] = p.dispatch(ctx, req, s, id)
		}(i, id)
	}
	wg.Wait()
	return outcomes
}

// dispatch is the per-broker isolation boundary: every error and panic from
// the adapter ends here as a failed outcome.
func (p *Processor) dispatch(ctx context.Context, req ExecutionRequest, s db.UserTradeSettings, brokerID string) (out BrokerOutcome) {
	start := time.Now()
	out.BrokerID = brokerID
	log := p.log.With().Str("signal_id", req.SignalID).Str("user_id", req.UserID).Str("broker", brokerID).Logger()

	var (
		lease Lease
		err   error
	)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("broker panic: %v", r)
			out = p.fail(ctx, req, out, err)
			log.Error().Interface("panic", r).Msg("broker call panicked")
		}
		if lease != nil {
			lease.Release(err)
		}
		out.Latency = time.Since(start)
		p.rec.BrokerLatency(brokerID, "dispatch", out.Latency)
		p.rec.BrokerOrder(brokerID, out.Status)
	}()

	if p.cfg.Deduplicate {
		if idx, ok := p.logStore.(DedupIndex); ok {
			seen, derr := idx.HasExecution(ctx, req.UserID, req.SignalID, brokerID)
			if derr == nil && seen {
				log.Info().Msg("already executed, skipping")
				out.Status = OutcomeSkipped
				out.Error = "duplicate signal"
				return out
			}
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	defer cancel()

	lease, err = p.brokers.Acquire(callCtx, brokerID, req.UserID)
	if err != nil {
		lease = nil
		log.Warn().Err(err).Msg("broker unavailable")
		return p.fail(ctx, req, out, err)
	}
	broker := lease.Broker()

	t := time.Now()
	acct, err := broker.GetAccountInfo(callCtx)
	p.rec.BrokerLatency(brokerID, "account", time.Since(t))
	if err != nil {
		log.Warn().Err(err).Msg("account lookup failed")
		return p.fail(ctx, req, out, err)
	}
	out.Equity = acct.Equity

	qty, err := p.sizer.Size(brokerID, req.Signal.Levels(), s.RiskPercentage, s.MaxPositionSize, acct.Equity)
	if err != nil || qty <= 0 {
		log.Info().Err(err).Float64("equity", acct.Equity).Msg("size is zero, skipping broker")
		out.Status = OutcomeSkipped
		if err != nil {
			out.Error = err.Error()
		}
		err = nil
		return out
	}
	out.Quantity = qty

	order := common.OrderRequest{
		Symbol:     req.Signal.Symbol,
		Side:       req.Signal.Side,
		Quantity:   qty,
		Type:       common.OrderTypeMarket,
		StopLoss:   req.Signal.StopLoss,
		TakeProfit: req.Signal.TakeProfit,
		Metadata: common.OrderMetadata{
			SignalID:   req.SignalID,
			UserID:     req.UserID,
			ProviderID: req.Signal.ProviderID,
		},
	}
	t = time.Now()
	resp, err := broker.PlaceOrder(callCtx, order)
	p.rec.BrokerLatency(brokerID, "place_order", time.Since(t))

	var oe *common.OrderError
	if err != nil && !(errors.As(err, &oe) && oe.Partial && resp.OrderID != "") {
		log.Warn().Err(err).Str("kind", common.ErrorKind(err)).Msg("order failed")
		return p.fail(ctx, req, out, err)
	}

	out.Status = OutcomeExecuted
	out.OrderID = resp.OrderID
	out.Order = &resp
	entry := db.ExecutionLogEntry{
		UserID:    req.UserID,
		SignalID:  req.SignalID,
		BrokerID:  brokerID,
		Status:    db.StatusExecuted,
		OrderID:   resp.OrderID,
		Quantity:  filledQty(resp, qty),
		Response:  resp.Raw,
		LatencyMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		// The order is live; only the follow-up failed.
		out.ErrorKind = common.ErrorKind(err)
		out.Error = err.Error()
		entry.Error = err.Error()
		log.Warn().Err(err).Str("order_id", resp.OrderID).Msg("order executed with partial failure")
		err = nil
	} else {
		log.Info().Str("order_id", resp.OrderID).Float64("qty", qty).Msg("order executed")
	}
	p.appendLog(ctx, entry)
	return out
}

// filledQty prefers the quantity the venue acknowledged; adapters round the
// sized amount to contract or lot precision.
func filledQty(resp common.OrderResponse, sized float64) float64 {
	if resp.Quantity > 0 {
		return resp.Quantity
	}
	return sized
}

// fail records a failed attempt and returns the updated outcome.
func (p *Processor) fail(ctx context.Context, req ExecutionRequest, out BrokerOutcome, err error) BrokerOutcome {
	out.Status = OutcomeFailed
	out.ErrorKind = common.ErrorKind(err)
	out.Error = err.Error()
	p.appendLog(ctx, db.ExecutionLogEntry{
		UserID:   req.UserID,
		SignalID: req.SignalID,
		BrokerID: out.BrokerID,
		Status:   db.StatusFailed,
		Quantity: out.Quantity,
		Response: common.RawMessage(err),
		Error:    err.Error(),
	})
	p.pub.Publish(events.EventBrokerFailed, BrokerFailure{
		SignalID: req.SignalID,
		UserID:   req.UserID,
		BrokerID: out.BrokerID,
		Kind:     out.ErrorKind,
		Error:    out.Error,
	})
	return out
}

// appendLog writes even if the message deadline has passed; an attempt that
// reached a venue must be audited.
func (p *Processor) appendLog(ctx context.Context, entry db.ExecutionLogEntry) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.logStore.AppendExecutionLog(wctx, entry); err != nil {
		p.log.Error().Err(err).
			Str("signal_id", entry.SignalID).
			Str("broker", entry.BrokerID).
			Str("status", entry.Status).
			Msg("audit log append failed")
	}
}

func (p *Processor) loadSettings(ctx context.Context, userID string) (db.UserTradeSettings, error) {
	if p.cfg.SettingsTTL > 0 {
		p.settingsMu.Lock()
		c, ok := p.settingsCache[userID]
		p.settingsMu.Unlock()
		if ok && time.Since(c.loadedAt) < p.cfg.SettingsTTL {
			return c.settings, nil
		}
	}
	s, err := p.settings.LoadUserTradeSettings(ctx, userID)
	if err != nil {
		return db.UserTradeSettings{}, err
	}
	if p.cfg.SettingsTTL > 0 {
		p.settingsMu.Lock()
		p.settingsCache[userID] = cachedSettings{settings: s, loadedAt: time.Now()}
		p.settingsMu.Unlock()
	}
	return s, nil
}

// InvalidateSettings drops the cached settings for userID.
func (p *Processor) InvalidateSettings(userID string) {
	p.settingsMu.Lock()
	delete(p.settingsCache, userID)
	p.settingsMu.Unlock()
}

func (p *Processor) storeTrade(t *ActiveTrade) {
	p.tradesMu.Lock()
	defer p.tradesMu.Unlock()
	if _, exists := p.trades[t.SignalID]; !exists {
		p.tradesOrder = append(p.tradesOrder, t.SignalID)
	}
	p.trades[t.SignalID] = t
	for len(p.tradesOrder) > p.cfg.MaxActiveTrades {
		delete(p.trades, p.tradesOrder[0])
		p.tradesOrder = p.tradesOrder[1:]
	}
}

// ActiveTrade returns a copy of the latest record for signalID.
func (p *Processor) ActiveTrade(signalID string) (*ActiveTrade, bool) {
	p.tradesMu.RLock()
	defer p.tradesMu.RUnlock()
	t, ok := p.trades[signalID]
	if !ok {
		return nil, false
	}
	return t.clone(), true
}

// ActiveTrades returns copies of all records, oldest first.
func (p *Processor) ActiveTrades() []*ActiveTrade {
	p.tradesMu.RLock()
	defer p.tradesMu.RUnlock()
	out := make([]*ActiveTrade, 0, len(p.tradesOrder))
	for _, id := range p.tradesOrder {
		out = append(out, p.trades[id].clone())
	}
	return out
}

// QueueMetrics exposes the queue counters.
func (p *Processor) QueueMetrics() QueueMetrics {
	return p.queue.Metrics()
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

type nopPublisher struct{}

func (nopPublisher) Publish(events.Event, any) {}

type nopRecorder struct{}

func (nopRecorder) RequestProcessed(string) {}
func (nopRecorder) BrokerOrder(string, string) {}
func (nopRecorder) BrokerLatency(string, string, time.Duration) {}
func (nopRecorder) QueueDepth(int) {}
func (nopRecorder) QueueError() {}
