// Package tradovate implements the broker contract for a futures venue that
// exchanges a username/password for a short-lived access token.
package tradovate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"trade-executor/pkg/brokers/common"
)

const (
	demoURL   = "https://demo.tradovateapi.com/v1"
	liveURL   = "https://live.tradovateapi.com/v1"
	mdWSURL   = "wss://md.tradovateapi.com/v1/websocket"
	renewLead = 10 * time.Minute
)

// Config holds venue endpoints and limits.
type Config struct {
	ID      string
	Demo    bool
	BaseURL string
	MDURL   string // market data websocket
	Timeout time.Duration
	RPS     float64
}

// ContractSpec carries what is needed to value a futures position.
type ContractSpec struct {
	ContractID   int64
	Name         string
	TickSize     float64
	ValuePerTick float64
}

// PnL values a move from avg to current over qty contracts in ticks.
func (s ContractSpec) PnL(avg, current, qty float64) float64 {
	if s.TickSize <= 0 {
		return (current - avg) * qty
	}
	return ((current - avg) / s.TickSize) * s.ValuePerTick * qty
}

// Client is a futures venue session.
type Client struct {
	cfg     Config
	creds   common.Credentials
	session *common.Session
	rest    *common.Requester

	loginMu sync.Mutex

	mu        sync.RWMutex
	accountID int64
	account   string
	mdToken   string
	contracts map[string]ContractSpec // symbol -> spec
	byID      map[int64]ContractSpec
}

// New creates a client. Credentials are copied.
func New(cfg Config, creds common.Credentials) *Client {
	if cfg.ID == "" {
		cfg.ID = "tradovate"
	}
	base := cfg.BaseURL
	if base == "" {
		base = liveURL
		if cfg.Demo {
			base = demoURL
		}
	}
	if cfg.MDURL == "" {
		cfg.MDURL = mdWSURL
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
			BaseURL: base,
			Client:  common.NewHTTPClient(cfg.Timeout),
			Limiter: common.NewLimiter(cfg.RPS, 5),
		},
		contracts: make(map[string]ContractSpec),
		byID:      make(map[int64]ContractSpec),
	}
}

func (c *Client) ID() string { return c.cfg.ID }

// Connect exchanges username/password for an access token and selects the account.
func (c *Client) Connect(ctx context.Context) error {
	c.loginMu.Lock()
	defer c.loginMu.Unlock()
	return c.loginLocked(ctx)
}

func (c *Client) loginLocked(ctx context.Context) error {
	if c.creds.Username == "" || c.creds.Password == "" {
		c.session.Fail()
		return &common.ConnectionError{Broker: c.cfg.ID, Op: "connect", Err: common.ErrMissingSecrets}
	}
	c.session.Begin()

	req := tokenRequest{
		Name:       c.creds.Username,
		Password:   c.creds.Password,
		AppID:      c.creds.Get("app_id"),
		AppVersion: c.creds.Get("app_version"),
		DeviceID:   c.creds.Get("device_id"),
		Sec:        c.creds.APISecret,
	}
	if cid := c.creds.Get("cid"); cid != "" {
		req.CID, _ = strconv.ParseInt(cid, 10, 64)
	}

	var tok tokenResponse
	if err := c.rest.DoJSON(ctx, "connect", common.Request{Method: http.MethodPost, Path: "/auth/accesstokenrequest", JSON: req, Auth: true}, &tok); err != nil {
		c.session.Fail()
		return err
	}
	if tok.ErrorText != "" || tok.AccessToken == "" {
		c.session.Fail()
		msg := tok.ErrorText
		if msg == "" {
			msg = "empty access token"
		}
		return &common.ConnectionError{Broker: c.cfg.ID, Op: "connect", Err: fmt.Errorf("%s", msg)}
	}
	c.session.Established(tok.AccessToken, "", tok.ExpirationTime)
	c.setMDToken(tok)

	if err := c.selectAccount(ctx); err != nil {
		c.session.Fail()
		return &common.ConnectionError{Broker: c.cfg.ID, Op: "connect", Err: err}
	}
	return nil
}

func (c *Client) selectAccount(ctx context.Context) error {
	var accounts []accountEntity
	if err := c.rest.DoJSON(ctx, "account_list", c.authed(common.Request{Method: http.MethodGet, Path: "/account/list"}), &accounts); err != nil {
		return err
	}
	want := c.creds.AccountID
	for _, a := range accounts {
		if !a.Active {
			continue
		}
		if want == "" || want == a.Name || want == strconv.FormatInt(a.ID, 10) {
			c.mu.Lock()
			c.accountID = a.ID
			c.account = a.Name
			c.mu.Unlock()
			c.session.SetAccount(strconv.FormatInt(a.ID, 10))
			return nil
		}
	}
	return fmt.Errorf("no active account matching %q", want)
}

func (c *Client) Disconnect(ctx context.Context) error {
	c.session.Reset()
	return nil
}

func (c *Client) IsConnected() bool { return c.session.IsConnected() }

func (c *Client) Ping(ctx context.Context) error {
	return c.ensureSession(ctx)
}

// ensureSession connects or renews the token before it expires.
func (c *Client) ensureSession(ctx context.Context) error {
	c.loginMu.Lock()
	defer c.loginMu.Unlock()

	if !c.session.IsConnected() {
		return c.loginLocked(ctx)
	}
	c.session.Touch()
	if !c.session.ExpiresWithin(renewLead) {
		return nil
	}

	var tok tokenResponse
	err := c.rest.DoJSON(ctx, "renew_token", c.authed(common.Request{Method: http.MethodGet, Path: "/auth/renewaccesstoken", Auth: true}), &tok)
	if err == nil && tok.AccessToken != "" {
		c.session.Renewed(tok.AccessToken, tok.ExpirationTime)
		c.setMDToken(tok)
		return nil
	}
	// Renewal refused: fall back to a full login.
	return c.loginLocked(ctx)
}

func (c *Client) authed(req common.Request) common.Request {
	if req.Header == nil {
		req.Header = http.Header{}
	}
	req.Header.Set("Authorization", "Bearer "+c.session.Token())
	return req
}

func (c *Client) call(ctx context.Context, op string, req common.Request, out any) error {
	if err := c.ensureSession(ctx); err != nil {
		return err
	}
	err := c.rest.DoJSON(ctx, op, c.authed(req), out)
	if common.IsConnectionError(err) {
		c.session.Fail()
	}
	return err
}

func (c *Client) setMDToken(tok tokenResponse) {
	md := tok.MDAccessToken
	if md == "" {
		md = tok.AccessToken
	}
	c.mu.Lock()
	c.mdToken = md
	c.mu.Unlock()
}

func (c *Client) accountRef() (int64, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accountID, c.account
}

func (c *Client) GetAccountInfo(ctx context.Context) (common.AccountInfo, error) {
	if err := c.ensureSession(ctx); err != nil {
		return common.AccountInfo{}, err
	}
	id, _ := c.accountRef()
	var snap cashSnapshot
	if err := c.call(ctx, "account", common.Request{
		Method: http.MethodPost,
		Path:   "/cashBalance/getcashbalancesnapshot",
		JSON:   map[string]int64{"accountId": id},
	}, &snap); err != nil {
		return common.AccountInfo{}, err
	}
	equity := snap.NetLiq
	if equity == 0 {
		equity = snap.TotalCashValue + snap.OpenPnL
	}
	return common.AccountInfo{
		AccountID:   strconv.FormatInt(id, 10),
		Currency:    "USD",
		Balance:     snap.TotalCashValue,
		Equity:      equity,
		BuyingPower: equity - snap.InitialMargin,
		MarginUsed:  snap.InitialMargin,
	}, nil
}

func (c *Client) GetPositions(ctx context.Context) ([]common.Position, error) {
	var raw []positionEntity
	if err := c.call(ctx, "positions", common.Request{Method: http.MethodGet, Path: "/position/list"}, &raw); err != nil {
		return nil, err
	}
	id, _ := c.accountRef()

	out := make([]common.Position, 0, len(raw))
	for _, p := range raw {
		if p.NetPos == 0 || (id != 0 && p.AccountID != id) {
			continue
		}
		spec, err := c.contractByID(ctx, p.ContractID)
		if err != nil {
			return nil, err
		}
		qty := float64(p.NetPos)
		current := p.NetPrice
		if q, err := c.quoteFor(ctx, spec); err == nil && q.Mid() > 0 {
			current = q.Mid()
		}
		pnl := spec.PnL(p.NetPrice, current, qty)
		notional := math.Abs(qty) * p.NetPrice
		if spec.TickSize > 0 {
			notional = notional / spec.TickSize * spec.ValuePerTick
		}
		pct := 0.0
		if notional > 0 {
			pct = pnl / notional * 100
		}
		out = append(out, common.Position{
			Symbol:           spec.Name,
			Quantity:         qty,
			AvgPrice:         p.NetPrice,
			CurrentPrice:     current,
			UnrealizedPnL:    pnl,
			UnrealizedPnLPct: pct,
		})
	}
	return out, nil
}

func (c *Client) GetQuote(ctx context.Context, symbol string) (common.Quote, error) {
	if err := c.ensureSession(ctx); err != nil {
		return common.Quote{}, err
	}
	spec, err := c.ResolveContract(ctx, symbol)
	if err != nil {
		return common.Quote{}, err
	}
	return c.quoteFor(ctx, spec)
}

func (c *Client) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResponse, error) {
	req = req.WithDefaults()
	if err := req.Validate(); err != nil {
		return common.OrderResponse{}, &common.OrderError{Broker: c.cfg.ID, Op: "place_order", Message: err.Error(), Err: err}
	}
	qty := int64(math.Floor(req.Quantity))
	if qty < 1 {
		return common.OrderResponse{}, &common.OrderError{
			Broker:  c.cfg.ID,
			Op:      "place_order",
			Message: fmt.Sprintf("quantity %v is below one contract", req.Quantity),
		}
	}
	if err := c.ensureSession(ctx); err != nil {
		return common.OrderResponse{}, err
	}
	spec, err := c.ResolveContract(ctx, req.Symbol)
	if err != nil {
		return common.OrderResponse{}, err
	}

	id, name := c.accountRef()
	body := placeOrder{
		AccountSpec: name,
		AccountID:   id,
		Action:      venueAction(req.Side),
		Symbol:      spec.Name,
		OrderQty:    qty,
		OrderType:   venueOrderType(req.Type),
		TimeInForce: venueTIF(req.TimeInForce),
		IsAutomated: true,
	}
	if req.LimitPrice > 0 {
		body.Price = req.LimitPrice
	}
	if req.StopPrice > 0 {
		body.StopPrice = req.StopPrice
	}

	path := "/order/placeorder"
	var payload any = body
	if req.StopLoss > 0 || req.TakeProfit > 0 {
		oso := placeOSO{placeOrder: body}
		exit := venueAction(req.Side.Opposite())
		if req.StopLoss > 0 {
			oso.Bracket1 = &bracket{Action: exit, OrderType: "Stop", StopPrice: req.StopLoss}
		}
		if req.TakeProfit > 0 {
			b := &bracket{Action: exit, OrderType: "Limit", Price: req.TakeProfit}
			if oso.Bracket1 == nil {
				oso.Bracket1 = b
			} else {
				oso.Bracket2 = b
			}
		}
		path = "/order/placeOSO"
		payload = oso
	}

	var res placeOrderResult
	resp, err := c.callRaw(ctx, "place_order", common.Request{Method: http.MethodPost, Path: path, JSON: payload}, &res)
	if err != nil {
		return common.OrderResponse{}, err
	}
	if res.FailureReason != "" || res.OrderID == 0 {
		msg := res.FailureText
		if msg == "" {
			msg = res.FailureReason
		}
		return common.OrderResponse{}, &common.OrderError{Broker: c.cfg.ID, Op: "place_order", Message: msg, Raw: resp}
	}

	return common.OrderResponse{
		OrderID:     strconv.FormatInt(res.OrderID, 10),
		Symbol:      spec.Name,
		Side:        req.Side,
		Type:        req.Type,
		Quantity:    float64(qty),
		Status:      common.StatusPending,
		VenueStatus: "PendingNew",
		Raw:         resp,
		Metadata:    req.Metadata,
		Timestamp:   time.Now(),
	}, nil
}

// callRaw is call that also returns the raw body for auditing.
func (c *Client) callRaw(ctx context.Context, op string, req common.Request, out any) (string, error) {
	if err := c.ensureSession(ctx); err != nil {
		return "", err
	}
	res, err := c.rest.Do(ctx, op, c.authed(req))
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

func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return &common.OrderError{Broker: c.cfg.ID, Op: "cancel_order", Message: "invalid order id " + orderID, Err: err}
	}
	var res placeOrderResult
	raw, err := c.callRaw(ctx, "cancel_order", common.Request{
		Method: http.MethodPost,
		Path:   "/order/cancelorder",
		JSON:   map[string]int64{"orderId": id},
	}, &res)
	if err != nil {
		return err
	}
	if res.FailureReason != "" {
		return &common.OrderError{Broker: c.cfg.ID, Op: "cancel_order", Message: res.FailureText, Raw: raw}
	}
	return nil
}

func (c *Client) GetOrderStatus(ctx context.Context, orderID string) (common.OrderResponse, error) {
	var o orderEntity
	raw, err := c.callRaw(ctx, "order_status", common.Request{
		Method: http.MethodGet,
		Path:   "/order/item",
		Query:  url.Values{"id": {orderID}},
	}, &o)
	if err != nil {
		return common.OrderResponse{}, err
	}

	var fills []fillEntity
	if err := c.call(ctx, "order_fills", common.Request{
		Method: http.MethodGet,
		Path:   "/fill/deps",
		Query:  url.Values{"masterid": {orderID}},
	}, &fills); err != nil {
		return common.OrderResponse{}, err
	}
	var filled, notional float64
	for _, f := range fills {
		filled += float64(f.Qty)
		notional += float64(f.Qty) * f.Price
	}
	avg := 0.0
	if filled > 0 {
		avg = notional / filled
	}

	symbol := ""
	if spec, err := c.contractByID(ctx, o.ContractID); err == nil {
		symbol = spec.Name
	}
	side, _ := common.ParseSide(o.Action)
	return common.OrderResponse{
		OrderID:        strconv.FormatInt(o.ID, 10),
		Symbol:         symbol,
		Side:           side,
		FilledQuantity: filled,
		AvgFillPrice:   avg,
		Status:         mapStatus(o.OrdStatus),
		VenueStatus:    o.OrdStatus,
		Raw:            raw,
		Timestamp:      o.Timestamp,
	}, nil
}

func (c *Client) ClosePosition(ctx context.Context, symbol string) (common.OrderResponse, error) {
	if err := c.ensureSession(ctx); err != nil {
		return common.OrderResponse{}, err
	}
	spec, err := c.ResolveContract(ctx, symbol)
	if err != nil {
		return common.OrderResponse{}, err
	}
	id, _ := c.accountRef()

	var res placeOrderResult
	raw, err := c.callRaw(ctx, "close_position", common.Request{
		Method: http.MethodPost,
		Path:   "/order/liquidateposition",
		JSON:   map[string]any{"accountId": id, "contractId": spec.ContractID, "admin": false},
	}, &res)
	if err != nil {
		return common.OrderResponse{}, err
	}
	if res.FailureReason != "" || res.OrderID == 0 {
		return common.OrderResponse{}, &common.OrderError{Broker: c.cfg.ID, Op: "close_position", Message: res.FailureText, Raw: raw, Err: common.ErrNoPosition}
	}
	return common.OrderResponse{
		OrderID:   strconv.FormatInt(res.OrderID, 10),
		Symbol:    spec.Name,
		Type:      common.OrderTypeMarket,
		Status:    common.StatusPending,
		Raw:       raw,
		Timestamp: time.Now(),
	}, nil
}

// ResolveContract maps a human symbol (e.g. "ESZ4") to the venue contract,
// caching the result together with its tick economics.
func (c *Client) ResolveContract(ctx context.Context, symbol string) (ContractSpec, error) {
	name := strings.ToUpper(strings.TrimSpace(symbol))
	c.mu.RLock()
	spec, ok := c.contracts[name]
	c.mu.RUnlock()
	if ok {
		return spec, nil
	}

	var ct contractEntity
	if err := c.call(ctx, "contract_find", common.Request{
		Method: http.MethodGet,
		Path:   "/contract/find",
		Query:  url.Values{"name": {name}},
	}, &ct); err != nil {
		var oe *common.OrderError
		if errors.As(err, &oe) && oe.StatusCode == http.StatusNotFound {
			return ContractSpec{}, &common.OrderError{Broker: c.cfg.ID, Op: "contract_find", Message: "unknown contract " + name, Err: common.ErrUnknownSymbol}
		}
		return ContractSpec{}, err
	}
	if ct.ID == 0 {
		return ContractSpec{}, &common.OrderError{Broker: c.cfg.ID, Op: "contract_find", Message: "unknown contract " + name, Err: common.ErrUnknownSymbol}
	}
	return c.loadSpec(ctx, ct)
}

func (c *Client) contractByID(ctx context.Context, id int64) (ContractSpec, error) {
	c.mu.RLock()
	spec, ok := c.byID[id]
	c.mu.RUnlock()
	if ok {
		return spec, nil
	}
	var ct contractEntity
	if err := c.call(ctx, "contract_item", common.Request{
		Method: http.MethodGet,
		Path:   "/contract/item",
		Query:  url.Values{"id": {strconv.FormatInt(id, 10)}},
	}, &ct); err != nil {
		return ContractSpec{}, err
	}
	return c.loadSpec(ctx, ct)
}

func (c *Client) loadSpec(ctx context.Context, ct contractEntity) (ContractSpec, error) {
	var mat maturityEntity
	if err := c.call(ctx, "contract_maturity", common.Request{
		Method: http.MethodGet,
		Path:   "/contractMaturity/item",
		Query:  url.Values{"id": {strconv.FormatInt(ct.ContractMaturityID, 10)}},
	}, &mat); err != nil {
		return ContractSpec{}, err
	}
	var prod productEntity
	if err := c.call(ctx, "product", common.Request{
		Method: http.MethodGet,
		Path:   "/product/item",
		Query:  url.Values{"id": {strconv.FormatInt(mat.ProductID, 10)}},
	}, &prod); err != nil {
		return ContractSpec{}, err
	}

	spec := ContractSpec{
		ContractID:   ct.ID,
		Name:         ct.Name,
		TickSize:     prod.TickSize,
		ValuePerTick: prod.TickSize * prod.ValuePerPoint,
	}
	c.mu.Lock()
	c.contracts[strings.ToUpper(ct.Name)] = spec
	c.byID[ct.ID] = spec
	c.mu.Unlock()
	return spec, nil
}

func venueAction(s common.Side) string {
	if s == common.SideSell {
		return "Sell"
	}
	return "Buy"
}

func venueOrderType(t common.OrderType) string {
	switch t {
	case common.OrderTypeLimit:
		return "Limit"
	case common.OrderTypeStop:
		return "Stop"
	case common.OrderTypeStopLimit:
		return "StopLimit"
	default:
		return "Market"
	}
}

func venueTIF(tif common.TimeInForce) string {
	switch tif {
	case common.TIFIOC:
		return "IOC"
	case common.TIFFOK:
		return "FOK"
	case common.TIFGTC:
		return "GTC"
	default:
		return "Day"
	}
}

func mapStatus(s string) common.OrderStatus {
	switch s {
	case "PendingNew", "PendingReplace", "Suspended":
		return common.StatusPending
	case "Working", "PendingCancel":
		return common.StatusOpen
	case "Completed", "Filled":
		return common.StatusFilled
	case "Canceled":
		return common.StatusCanceled
	case "Rejected":
		return common.StatusRejected
	case "Expired":
		return common.StatusExpired
	default:
		return common.StatusUnknown
	}
}
