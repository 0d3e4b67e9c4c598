// Package mock is a deterministic in-memory broker used as the default venue
// and as a test double. Fills are immediate; prices follow a seeded random walk.
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"trade-executor/pkg/brokers/common"
)

// Config controls the simulated venue.
type Config struct {
	ID             string
	InitialBalance float64
	Seed           int64
	// Volatility is the max fractional price step per quote (0.001 = 0.1%).
	Volatility float64
	Prices     map[string]float64

	FailConnect    bool
	FailPlaceOrder bool
}

// DefaultConfig returns a 10k account with a 0.1% walk.
func DefaultConfig() Config {
	return Config{
		ID:             "mock",
		InitialBalance: 10000,
		Seed:           1,
		Volatility:     0.001,
	}
}

type position struct {
	qty      float64 // signed
	avgPrice float64
}

// Broker implements common.Broker in memory.
type Broker struct {
	mu        sync.Mutex
	cfg       Config
	session   *common.Session
	rng       *rand.Rand
	balance   float64
	prices    map[string]float64
	positions map[string]*position
	orders    map[string]common.OrderResponse
	placed    []common.OrderRequest
	seq       int
	placeErr  error
}

// New creates a mock broker.
func New(cfg Config) *Broker {
	if cfg.ID == "" {
		cfg.ID = "mock"
	}
	if cfg.Volatility <= 0 {
		cfg.Volatility = 0.001
	}
	prices := make(map[string]float64, len(cfg.Prices))
	for sym, p := range cfg.Prices {
		prices[common.NormalizeSymbol(sym)] = p
	}
	return &Broker{
		cfg:       cfg,
		session:   common.NewSession(),
		rng:       rand.New(rand.NewSource(cfg.Seed)),
		balance:   cfg.InitialBalance,
		prices:    prices,
		positions: make(map[string]*position),
		orders:    make(map[string]common.OrderResponse),
	}
}

func (b *Broker) ID() string { return b.cfg.ID }

func (b *Broker) Connect(ctx context.Context) error {
	b.session.Begin()
	if b.cfg.FailConnect {
		b.session.Fail()
		return &common.ConnectionError{Broker: b.cfg.ID, Op: "connect", Err: fmt.Errorf("mock login refused")}
	}
	b.session.Established("mock-session", "mock-"+b.cfg.ID, time.Time{})
	return nil
}

func (b *Broker) Disconnect(ctx context.Context) error {
	b.session.Reset()
	return nil
}

func (b *Broker) IsConnected() bool { return b.session.IsConnected() }

// Ping always succeeds once connected.
func (b *Broker) Ping(ctx context.Context) error {
	if !b.IsConnected() {
		return common.ErrNotConnected
	}
	return nil
}

// SetPlaceError makes every subsequent PlaceOrder fail with err; nil clears it.
func (b *Broker) SetPlaceError(err error) {
	b.mu.Lock()
	b.placeErr = err
	b.mu.Unlock()
}

// Placed returns the order requests received, in arrival order.
func (b *Broker) Placed() []common.OrderRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]common.OrderRequest, len(b.placed))
	copy(out, b.placed)
	return out
}

func (b *Broker) ensureConnected(ctx context.Context) error {
	if b.IsConnected() {
		return nil
	}
	return b.Connect(ctx)
}

func (b *Broker) GetAccountInfo(ctx context.Context) (common.AccountInfo, error) {
	if err := b.ensureConnected(ctx); err != nil {
		return common.AccountInfo{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	unrealized, margin := 0.0, 0.0
	for sym, pos := range b.positions {
		px := b.priceLocked(sym)
		unrealized += (px - pos.avgPrice) * pos.qty
		margin += math.Abs(pos.qty) * pos.avgPrice
	}
	return common.AccountInfo{
		AccountID:   b.session.AccountID(),
		Currency:    "USD",
		Balance:     b.balance,
		Equity:      b.balance + unrealized,
		BuyingPower: b.balance - margin,
		MarginUsed:  margin,
	}, nil
}

func (b *Broker) GetPositions(ctx context.Context) ([]common.Position, error) {
	if err := b.ensureConnected(ctx); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]common.Position, 0, len(b.positions))
	for sym, pos := range b.positions {
		out = append(out, common.NewPosition(sym, pos.qty, pos.avgPrice, b.stepLocked(sym)))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (b *Broker) GetQuote(ctx context.Context, symbol string) (common.Quote, error) {
	if err := b.ensureConnected(ctx); err != nil {
		return common.Quote{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	sym := common.NormalizeSymbol(symbol)
	px := b.stepLocked(sym)
	spread := px * 0.0001
	return common.Quote{Symbol: sym, Bid: px - spread, Ask: px + spread, Last: px, Time: time.Now()}, nil
}

func (b *Broker) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResponse, error) {
	req = req.WithDefaults()
	if err := req.Validate(); err != nil {
		return common.OrderResponse{}, &common.OrderError{Broker: b.cfg.ID, Op: "place_order", Message: err.Error(), Err: err}
	}
	if err := b.ensureConnected(ctx); err != nil {
		return common.OrderResponse{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.placed = append(b.placed, req)
	if b.placeErr != nil {
		return common.OrderResponse{}, b.placeErr
	}
	if b.cfg.FailPlaceOrder {
		return common.OrderResponse{}, &common.OrderError{
			Broker:  b.cfg.ID,
			Op:      "place_order",
			Message: "mock rejection",
			Raw:     `{"error":"mock rejection"}`,
		}
	}

	sym := common.NormalizeSymbol(req.Symbol)
	price := b.priceLocked(sym)
	if req.Type == common.OrderTypeLimit {
		price = req.LimitPrice
	}

	b.seq++
	resp := common.OrderResponse{
		OrderID:        fmt.Sprintf("%s-%06d", b.cfg.ID, b.seq),
		Symbol:         sym,
		Side:           req.Side,
		Type:           req.Type,
		Quantity:       req.Quantity,
		FilledQuantity: req.Quantity,
		AvgFillPrice:   price,
		Status:         common.StatusFilled,
		VenueStatus:    "FILLED",
		Metadata:       req.Metadata,
		Timestamp:      time.Now(),
	}
	raw, _ := json.Marshal(resp)
	resp.Raw = string(raw)

	b.applyFillLocked(sym, req.Side, req.Quantity, price)
	b.orders[resp.OrderID] = resp
	return resp, nil
}

// applyFillLocked updates the position using weighted-average cost on adds
// and realizes PnL on reductions.
func (b *Broker) applyFillLocked(sym string, side common.Side, qty, price float64) {
	signed := qty
	if side == common.SideSell {
		signed = -qty
	}

	pos, ok := b.positions[sym]
	if !ok {
		b.positions[sym] = &position{qty: signed, avgPrice: price}
		return
	}

	if pos.qty*signed > 0 {
		total := math.Abs(pos.qty)*pos.avgPrice + qty*price
		pos.qty += signed
		pos.avgPrice = total / math.Abs(pos.qty)
		return
	}

	closing := math.Min(math.Abs(signed), math.Abs(pos.qty))
	if pos.qty > 0 {
		b.balance += (price - pos.avgPrice) * closing
	} else {
		b.balance += (pos.avgPrice - price) * closing
	}
	pos.qty += signed

	switch {
	case math.Abs(pos.qty) < 1e-12:
		delete(b.positions, sym)
	case pos.qty*signed > 0:
		// flipped through zero; the remainder opens at the fill price
		pos.avgPrice = price
	}
}

func (b *Broker) CancelOrder(ctx context.Context, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[orderID]
	if !ok {
		return &common.OrderError{Broker: b.cfg.ID, Op: "cancel_order", Message: "order not found", Err: common.ErrOrderNotFound}
	}
	if o.Status.Terminal() {
		return &common.OrderError{Broker: b.cfg.ID, Op: "cancel_order", Message: "order already " + string(o.Status)}
	}
	o.Status = common.StatusCanceled
	b.orders[orderID] = o
	return nil
}

func (b *Broker) GetOrderStatus(ctx context.Context, orderID string) (common.OrderResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[orderID]
	if !ok {
		return common.OrderResponse{}, &common.OrderError{Broker: b.cfg.ID, Op: "order_status", Message: "order not found", Err: common.ErrOrderNotFound}
	}
	return o, nil
}

func (b *Broker) ClosePosition(ctx context.Context, symbol string) (common.OrderResponse, error) {
	sym := common.NormalizeSymbol(symbol)
	b.mu.Lock()
	pos, ok := b.positions[sym]
	var qty float64
	if ok {
		qty = pos.qty
	}
	b.mu.Unlock()
	if !ok {
		return common.OrderResponse{}, &common.OrderError{Broker: b.cfg.ID, Op: "close_position", Message: "no open position for " + sym, Err: common.ErrNoPosition}
	}

	side := common.SideSell
	if qty < 0 {
		side = common.SideBuy
	}
	return b.PlaceOrder(ctx, common.OrderRequest{Symbol: sym, Side: side, Quantity: math.Abs(qty), Type: common.OrderTypeMarket})
}

func (b *Broker) priceLocked(sym string) float64 {
	px, ok := b.prices[sym]
	if !ok {
		px = 100
		b.prices[sym] = px
	}
	return px
}

func (b *Broker) stepLocked(sym string) float64 {
	px := b.priceLocked(sym)
	px *= 1 + b.cfg.Volatility*(2*b.rng.Float64()-1)
	b.prices[sym] = px
	return px
}
