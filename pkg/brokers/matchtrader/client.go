// Package matchtrader implements the broker contract for forex/CFD venues
// that run on a shared white-label trading platform. Each venue is a separate
// instance with its own base URL, platform broker id and session.
package matchtrader

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"trade-executor/pkg/brokers/common"
)

// Config describes one venue on the platform.
type Config struct {
	ID       string // broker id used by the execution core, e.g. "fxvenue"
	BaseURL  string
	BrokerID string // platform-side broker identifier sent at login
	// SymbolSuffix is appended to instrument names on venues that use
	// suffixed symbols, e.g. ".pro".
	SymbolSuffix string
	Timeout      time.Duration
	RPS          float64
}

// Client is one authenticated session against one venue.
type Client struct {
	cfg     Config
	creds   common.Credentials
	session *common.Session
	rest    *common.Requester

	coAuth     string
	systemUUID string
}

// New creates a client for one venue. Credentials are copied.
func New(cfg Config, creds common.Credentials) *Client {
	if cfg.ID == "" {
		cfg.ID = "matchtrader"
	}
	if cfg.RPS <= 0 {
		cfg.RPS = 5
	}
	return &Client{
		cfg:     cfg,
		creds:   creds.Clone(),
		session: common.NewSession(),
		rest: &common.Requester{
			Broker:  cfg.ID,
			BaseURL: cfg.BaseURL,
			Client:  common.NewHTTPClient(cfg.Timeout),
			Limiter: common.NewLimiter(cfg.RPS, 5),
		},
	}
}

func (c *Client) ID() string { return c.cfg.ID }

// Connect logs in with email/password and picks the trading account.
func (c *Client) Connect(ctx context.Context) error {
	if c.cfg.BaseURL == "" {
		return &common.ConnectionError{Broker: c.cfg.ID, Op: "connect", Err: fmt.Errorf("base url not configured")}
	}
	if c.creds.Username == "" || c.creds.Password == "" {
		c.session.Fail()
		return &common.ConnectionError{Broker: c.cfg.ID, Op: "connect", Err: common.ErrMissingSecrets}
	}
	c.session.Begin()

	brokerID := c.creds.Get("broker_id")
	if brokerID == "" {
		brokerID = c.cfg.BrokerID
	}
	var res loginResponse
	err := c.rest.DoJSON(ctx, "connect", common.Request{
		Method: http.MethodPost,
		Path:   "/manager/mtr-login",
		JSON:   loginRequest{Email: c.creds.Username, Password: c.creds.Password, BrokerID: brokerID},
		Auth:   true,
	}, &res)
	if err != nil {
		c.session.Fail()
		return err
	}

	acct, ok := res.pick(c.creds.AccountID)
	if !ok || acct.TradingAPIToken == "" {
		c.session.Fail()
		return &common.ConnectionError{Broker: c.cfg.ID, Op: "connect", Err: fmt.Errorf("no trading account matching %q", c.creds.AccountID)}
	}
	c.coAuth = res.Token
	c.systemUUID = acct.SystemUUID
	c.session.Established(acct.TradingAPIToken, acct.TradingAccountID, time.Time{})
	return nil
}

func (c *Client) Disconnect(ctx context.Context) error {
	c.session.Reset()
	c.coAuth = ""
	c.systemUUID = ""
	return nil
}

func (c *Client) IsConnected() bool { return c.session.IsConnected() }

func (c *Client) Ping(ctx context.Context) error {
	_, err := c.GetAccountInfo(ctx)
	return err
}

func (c *Client) ensureConnected(ctx context.Context) error {
	if c.session.IsConnected() {
		c.session.Touch()
		return nil
	}
	return c.Connect(ctx)
}

func (c *Client) path(p string) string {
	return "/mtr-api/" + url.PathEscape(c.systemUUID) + p
}

func (c *Client) call(ctx context.Context, op string, req common.Request, out any) (string, error) {
	if err := c.ensureConnected(ctx); err != nil {
		return "", err
	}
	req.Path = c.path(req.Path)
	req.Header = http.Header{}
	req.Header.Set("Auth-trading-api", c.session.Token())
	req.Header.Set("Cookie", "co-auth="+c.coAuth)

	res, err := c.rest.Do(ctx, op, req)
	if err != nil {
		if common.IsConnectionError(err) {
			c.session.Fail()
		}
		return "", err
	}
	if err := decode(res.Body, out); err != nil {
		return string(res.Body), &common.OrderError{Broker: c.cfg.ID, Op: op, Message: "decode response: " + err.Error(), Raw: string(res.Body), Err: err}
	}
	return string(res.Body), nil
}

func (c *Client) GetAccountInfo(ctx context.Context) (common.AccountInfo, error) {
	var b balance
	if _, err := c.call(ctx, "account", common.Request{Method: http.MethodGet, Path: "/balance"}, &b); err != nil {
		return common.AccountInfo{}, err
	}
	return common.AccountInfo{
		AccountID:   c.session.AccountID(),
		Currency:    b.Currency,
		Balance:     common.ParseFloat(b.Balance),
		Equity:      common.ParseFloat(b.Equity),
		BuyingPower: common.ParseFloat(b.FreeMargin),
		MarginUsed:  common.ParseFloat(b.Margin),
	}, nil
}

func (c *Client) openPositions(ctx context.Context) ([]openPosition, error) {
	var res struct {
		Positions []openPosition `json:"positions"`
	}
	if _, err := c.call(ctx, "positions", common.Request{Method: http.MethodGet, Path: "/open-positions"}, &res); err != nil {
		return nil, err
	}
	return res.Positions, nil
}

func (c *Client) GetPositions(ctx context.Context) ([]common.Position, error) {
	raw, err := c.openPositions(ctx)
	if err != nil {
		return nil, err
	}

	// The platform reports one row per ticket; aggregate per symbol.
	type agg struct {
		qty, cost, pnl, current float64
	}
	order := []string{}
	bySym := map[string]*agg{}
	for _, p := range raw {
		sym := c.fromVenueSymbol(p.Symbol)
		qty := common.ParseFloat(p.Volume)
		if strings.EqualFold(p.Side, "SELL") {
			qty = -qty
		}
		a, ok := bySym[sym]
		if !ok {
			a = &agg{}
			bySym[sym] = a
			order = append(order, sym)
		}
		a.qty += qty
		a.cost += qty * common.ParseFloat(p.OpenPrice)
		a.pnl += common.ParseFloat(p.Profit)
		a.current = common.ParseFloat(p.CurrentPrice)
	}

	out := make([]common.Position, 0, len(order))
	for _, sym := range order {
		a := bySym[sym]
		avg := 0.0
		if a.qty != 0 {
			avg = a.cost / a.qty
		}
		out = append(out, common.Position{
			Symbol:           sym,
			Quantity:         a.qty,
			AvgPrice:         avg,
			CurrentPrice:     a.current,
			UnrealizedPnL:    a.pnl,
			UnrealizedPnLPct: common.PnLPercent(a.pnl, avg, a.qty),
		})
	}
	return out, nil
}

func (c *Client) GetQuote(ctx context.Context, symbol string) (common.Quote, error) {
	venueSym := c.toVenueSymbol(symbol)
	var quotes []quotation
	if _, err := c.call(ctx, "quote", common.Request{
		Method: http.MethodGet,
		Path:   "/quotations",
		Query:  url.Values{"symbols": {venueSym}},
	}, &quotes); err != nil {
		return common.Quote{}, err
	}
	for _, q := range quotes {
		if strings.EqualFold(q.Symbol, venueSym) {
			out := common.Quote{
				Symbol: common.NormalizeSymbol(symbol),
				Bid:    common.ParseFloat(q.Bid),
				Ask:    common.ParseFloat(q.Ask),
				Time:   time.UnixMilli(q.Timestamp),
			}
			out.Last = out.Mid()
			return out, nil
		}
	}
	return common.Quote{}, &common.OrderError{Broker: c.cfg.ID, Op: "quote", Message: "no quotation for " + venueSym, Err: common.ErrUnknownSymbol}
}

// PlaceOrder opens the position, then applies SL/TP with a separate edit call
// once the fill is confirmed. A failed protection update is reported as a
// partial OrderError alongside the filled response.
func (c *Client) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResponse, error) {
	req = req.WithDefaults()
	if err := req.Validate(); err != nil {
		return common.OrderResponse{}, &common.OrderError{Broker: c.cfg.ID, Op: "place_order", Message: err.Error(), Err: err}
	}
	venueSym := c.toVenueSymbol(req.Symbol)

	var (
		res  tradeResponse
		raw  string
		err  error
		resp common.OrderResponse
	)
	if req.Type == common.OrderTypeMarket {
		raw, err = c.call(ctx, "place_order", common.Request{
			Method: http.MethodPost,
			Path:   "/position/open",
			JSON: openRequest{
				Instrument: venueSym,
				OrderSide:  venueSide(req.Side),
				Volume:     req.Quantity,
			},
		}, &res)
	} else {
		price := req.LimitPrice
		if req.Type == common.OrderTypeStop {
			price = req.StopPrice
		}
		raw, err = c.call(ctx, "place_order", common.Request{
			Method: http.MethodPost,
			Path:   "/pending-order/create",
			JSON: pendingRequest{
				Instrument: venueSym,
				OrderSide:  venueSide(req.Side),
				Volume:     req.Quantity,
				Price:      price,
				Type:       strings.ToUpper(string(req.Type)),
				SLPrice:    req.StopLoss,
				TPPrice:    req.TakeProfit,
			},
		}, &res)
	}
	if err != nil {
		return common.OrderResponse{}, err
	}
	if !res.ok() {
		return common.OrderResponse{}, &common.OrderError{Broker: c.cfg.ID, Op: "place_order", Message: res.message(), Raw: raw}
	}

	resp = common.OrderResponse{
		OrderID:     res.OrderID,
		Symbol:      common.NormalizeSymbol(req.Symbol),
		Side:        req.Side,
		Type:        req.Type,
		Quantity:    req.Quantity,
		Status:      common.StatusPending,
		VenueStatus: "PENDING",
		Raw:         raw,
		Metadata:    req.Metadata,
		Timestamp:   time.Now(),
	}
	if req.Type != common.OrderTypeMarket {
		return resp, nil
	}

	resp.Status = common.StatusFilled
	resp.VenueStatus = "FILLED"
	resp.FilledQuantity = req.Quantity

	if req.StopLoss > 0 || req.TakeProfit > 0 {
		if err := c.UpdateProtection(ctx, res.OrderID, venueSym, req.Side, req.StopLoss, req.TakeProfit); err != nil {
			return resp, &common.OrderError{
				Broker:  c.cfg.ID,
				Op:      "update_protection",
				Message: "order filled but protection not applied: " + err.Error(),
				Raw:     common.RawMessage(err),
				Partial: true,
				Err:     err,
			}
		}
	}
	return resp, nil
}

// UpdateProtection attaches or replaces SL/TP on an open position.
func (c *Client) UpdateProtection(ctx context.Context, positionID, instrument string, side common.Side, stopLoss, takeProfit float64) error {
	var res tradeResponse
	raw, err := c.call(ctx, "update_protection", common.Request{
		Method: http.MethodPost,
		Path:   "/position/edit",
		JSON: editRequest{
			ID:         positionID,
			Instrument: instrument,
			OrderSide:  venueSide(side),
			SLPrice:    stopLoss,
			TPPrice:    takeProfit,
		},
	}, &res)
	if err != nil {
		return err
	}
	if !res.ok() {
		return &common.OrderError{Broker: c.cfg.ID, Op: "update_protection", Message: res.message(), Raw: raw}
	}
	return nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	pending, err := c.activeOrders(ctx)
	if err != nil {
		return err
	}
	for _, o := range pending {
		if o.ID != orderID {
			continue
		}
		var res tradeResponse
		raw, err := c.call(ctx, "cancel_order", common.Request{
			Method: http.MethodPost,
			Path:   "/pending-order/cancel",
			JSON:   cancelRequest{ID: o.ID, Instrument: o.Symbol, OrderSide: o.Side},
		}, &res)
		if err != nil {
			return err
		}
		if !res.ok() {
			return &common.OrderError{Broker: c.cfg.ID, Op: "cancel_order", Message: res.message(), Raw: raw}
		}
		return nil
	}
	return &common.OrderError{Broker: c.cfg.ID, Op: "cancel_order", Message: "no pending order " + orderID, Err: common.ErrOrderNotFound}
}

func (c *Client) activeOrders(ctx context.Context) ([]pendingOrder, error) {
	var res struct {
		Orders []pendingOrder `json:"orders"`
	}
	if _, err := c.call(ctx, "active_orders", common.Request{Method: http.MethodGet, Path: "/active-orders"}, &res); err != nil {
		return nil, err
	}
	return res.Orders, nil
}

// GetOrderStatus infers status from where the ticket lives: the pending book
// or the open positions.
func (c *Client) GetOrderStatus(ctx context.Context, orderID string) (common.OrderResponse, error) {
	pending, err := c.activeOrders(ctx)
	if err != nil {
		return common.OrderResponse{}, err
	}
	for _, o := range pending {
		if o.ID == orderID {
			side, _ := common.ParseSide(o.Side)
			return common.OrderResponse{
				OrderID:     o.ID,
				Symbol:      c.fromVenueSymbol(o.Symbol),
				Side:        side,
				Quantity:    common.ParseFloat(o.Volume),
				Status:      mapStatus(o.Status),
				VenueStatus: o.Status,
				Timestamp:   time.Now(),
			}, nil
		}
	}

	positions, err := c.openPositions(ctx)
	if err != nil {
		return common.OrderResponse{}, err
	}
	for _, p := range positions {
		if p.ID == orderID {
			side, _ := common.ParseSide(p.Side)
			qty := common.ParseFloat(p.Volume)
			return common.OrderResponse{
				OrderID:        p.ID,
				Symbol:         c.fromVenueSymbol(p.Symbol),
				Side:           side,
				Quantity:       qty,
				FilledQuantity: qty,
				AvgFillPrice:   common.ParseFloat(p.OpenPrice),
				Status:         common.StatusFilled,
				VenueStatus:    "FILLED",
				Timestamp:      time.Now(),
			}, nil
		}
	}
	return common.OrderResponse{}, &common.OrderError{Broker: c.cfg.ID, Op: "order_status", Message: "order " + orderID + " not found", Err: common.ErrOrderNotFound}
}

// ClosePosition closes every ticket open on symbol.
func (c *Client) ClosePosition(ctx context.Context, symbol string) (common.OrderResponse, error) {
	venueSym := c.toVenueSymbol(symbol)
	positions, err := c.openPositions(ctx)
	if err != nil {
		return common.OrderResponse{}, err
	}

	var (
		closed float64
		lastID string
		raws   []string
	)
	for _, p := range positions {
		if !strings.EqualFold(p.Symbol, venueSym) {
			continue
		}
		var res tradeResponse
		raw, err := c.call(ctx, "close_position", common.Request{
			Method: http.MethodPost,
			Path:   "/position/close",
			JSON:   closeRequest{PositionID: p.ID, Instrument: p.Symbol, OrderSide: p.Side, Volume: common.ParseFloat(p.Volume)},
		}, &res)
		if err != nil {
			return common.OrderResponse{}, err
		}
		if !res.ok() {
			return common.OrderResponse{}, &common.OrderError{Broker: c.cfg.ID, Op: "close_position", Message: res.message(), Raw: raw}
		}
		closed += common.ParseFloat(p.Volume)
		lastID = p.ID
		raws = append(raws, raw)
	}
	if lastID == "" {
		return common.OrderResponse{}, &common.OrderError{Broker: c.cfg.ID, Op: "close_position", Message: "no open position for " + venueSym, Err: common.ErrNoPosition}
	}
	return common.OrderResponse{
		OrderID:        lastID,
		Symbol:         common.NormalizeSymbol(symbol),
		Type:           common.OrderTypeMarket,
		Quantity:       closed,
		FilledQuantity: closed,
		Status:         common.StatusFilled,
		VenueStatus:    "CLOSED",
		Raw:            "[" + strings.Join(raws, ",") + "]",
		Timestamp:      time.Now(),
	}, nil
}

func (c *Client) toVenueSymbol(symbol string) string {
	s := strings.ReplaceAll(common.NormalizeSymbol(symbol), "/", "")
	if c.cfg.SymbolSuffix != "" && !strings.HasSuffix(strings.ToLower(s), strings.ToLower(c.cfg.SymbolSuffix)) {
		s += c.cfg.SymbolSuffix
	}
	return s
}

// fromVenueSymbol strips the suffix and restores "BASE/QUOTE" for six-letter
// currency pairs.
func (c *Client) fromVenueSymbol(venue string) string {
	s := venue
	if c.cfg.SymbolSuffix != "" {
		s = strings.TrimSuffix(s, c.cfg.SymbolSuffix)
	}
	s = strings.ToUpper(s)
	if len(s) == 6 && isAlpha(s) {
		return s[:3] + "/" + s[3:]
	}
	return s
}

func isAlpha(s string) bool {
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

func venueSide(s common.Side) string {
	return strings.ToUpper(string(s))
}

func mapStatus(s string) common.OrderStatus {
	switch strings.ToUpper(s) {
	case "PENDING", "NEW":
		return common.StatusPending
	case "OPEN", "ACTIVE", "PARTIALLY_FILLED":
		return common.StatusOpen
	case "FILLED", "EXECUTED":
		return common.StatusFilled
	case "CANCELLED", "CANCELED":
		return common.StatusCanceled
	case "REJECTED":
		return common.StatusRejected
	case "EXPIRED":
		return common.StatusExpired
	default:
		return common.StatusUnknown
	}
}
