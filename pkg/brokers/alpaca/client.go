// Package alpaca implements the broker contract for an equities/crypto venue
// authenticated with a long-lived API key pair.
package alpaca

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"trade-executor/pkg/brokers/common"
)

const (
	liveURL  = "https://api.alpaca.markets"
	paperURL = "https://paper-api.alpaca.markets"
	dataURL  = "https://data.alpaca.markets"
)

// Config holds venue endpoints and limits.
type Config struct {
	ID      string
	Paper   bool
	BaseURL string // overrides Paper
	DataURL string
	Timeout time.Duration
	RPS     float64
}

// Client talks to the trading and market data REST APIs.
type Client struct {
	cfg     Config
	creds   common.Credentials
	session *common.Session
	trading *common.Requester
	data    *common.Requester
}

// New creates a client. Credentials are copied.
func New(cfg Config, creds common.Credentials) *Client {
	if cfg.ID == "" {
		cfg.ID = "alpaca"
	}
	base := cfg.BaseURL
	if base == "" {
		base = liveURL
		if cfg.Paper {
			base = paperURL
		}
	}
	data := cfg.DataURL
	if data == "" {
		data = dataURL
	}
	if cfg.RPS <= 0 {
		cfg.RPS = 3 // 200 req/min
	}
	httpClient := common.NewHTTPClient(cfg.Timeout)
	limiter := common.NewLimiter(cfg.RPS, 5)

	return &Client{
		cfg:     cfg,
		creds:   creds.Clone(),
		session: common.NewSession(),
		trading: &common.Requester{Broker: cfg.ID, BaseURL: base, Client: httpClient, Limiter: limiter},
		data:    &common.Requester{Broker: cfg.ID, BaseURL: data, Client: httpClient, Limiter: limiter},
	}
}

func (c *Client) ID() string { return c.cfg.ID }

func (c *Client) authHeader() http.Header {
	h := http.Header{}
	h.Set("APCA-API-KEY-ID", c.creds.APIKey)
	h.Set("APCA-API-SECRET-KEY", c.creds.APISecret)
	return h
}

// Connect validates the key pair by reading the account.
func (c *Client) Connect(ctx context.Context) error {
	if c.creds.APIKey == "" || c.creds.APISecret == "" {
		c.session.Fail()
		return &common.ConnectionError{Broker: c.cfg.ID, Op: "connect", Err: common.ErrMissingSecrets}
	}
	c.session.Begin()

	var acct account
	err := c.trading.DoJSON(ctx, "connect", common.Request{
		Method: http.MethodGet,
		Path:   "/v2/account",
		Header: c.authHeader(),
		Auth:   true,
	}, &acct)
	if err != nil {
		c.session.Fail()
		return err
	}
	if acct.Status != "" && !strings.EqualFold(acct.Status, "ACTIVE") {
		c.session.Fail()
		return &common.ConnectionError{Broker: c.cfg.ID, Op: "connect", Err: errAccountStatus(acct.Status)}
	}
	c.session.Established("", acct.ID, time.Time{})
	return nil
}

func (c *Client) Disconnect(ctx context.Context) error {
	c.session.Reset()
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

// call wraps authenticated calls; a 401 mid-session drops the session.
func (c *Client) call(ctx context.Context, r *common.Requester, op string, req common.Request, out any) error {
	if err := c.ensureConnected(ctx); err != nil {
		return err
	}
	req.Header = c.authHeader()
	err := r.DoJSON(ctx, op, req, out)
	if common.IsConnectionError(err) {
		c.session.Fail()
	}
	return err
}

func (c *Client) GetAccountInfo(ctx context.Context) (common.AccountInfo, error) {
	var acct account
	if err := c.call(ctx, c.trading, "account", common.Request{Method: http.MethodGet, Path: "/v2/account"}, &acct); err != nil {
		return common.AccountInfo{}, err
	}
	return common.AccountInfo{
		AccountID:   acct.ID,
		Currency:    acct.Currency,
		Balance:     common.ParseFloat(acct.Cash),
		Equity:      common.ParseFloat(acct.Equity),
		BuyingPower: common.ParseFloat(acct.BuyingPower),
		MarginUsed:  common.ParseFloat(acct.InitialMargin),
	}, nil
}

func (c *Client) GetPositions(ctx context.Context) ([]common.Position, error) {
	var raw []position
	if err := c.call(ctx, c.trading, "positions", common.Request{Method: http.MethodGet, Path: "/v2/positions"}, &raw); err != nil {
		return nil, err
	}
	out := make([]common.Position, 0, len(raw))
	for _, p := range raw {
		qty := common.ParseFloat(p.Qty)
		if strings.EqualFold(p.Side, "short") && qty > 0 {
			qty = -qty
		}
		out = append(out, common.Position{
			Symbol:           p.Symbol,
			Quantity:         qty,
			AvgPrice:         common.ParseFloat(p.AvgEntryPrice),
			CurrentPrice:     common.ParseFloat(p.CurrentPrice),
			UnrealizedPnL:    common.ParseFloat(p.UnrealizedPL),
			UnrealizedPnLPct: common.ParseFloat(p.UnrealizedPLPC) * 100,
		})
	}
	return out, nil
}

func (c *Client) GetQuote(ctx context.Context, symbol string) (common.Quote, error) {
	sym := common.NormalizeSymbol(symbol)
	if isCrypto(sym) {
		var res struct {
			Quotes map[string]latestQuote `json:"quotes"`
		}
		err := c.call(ctx, c.data, "quote", common.Request{
			Method: http.MethodGet,
			Path:   "/v1beta3/crypto/us/latest/quotes",
			Query:  url.Values{"symbols": {sym}},
		}, &res)
		if err != nil {
			return common.Quote{}, err
		}
		q, ok := res.Quotes[sym]
		if !ok {
			return common.Quote{}, &common.OrderError{Broker: c.cfg.ID, Op: "quote", Message: "no quote for " + sym, Err: common.ErrUnknownSymbol}
		}
		return q.toQuote(sym), nil
	}

	var res struct {
		Quote latestQuote `json:"quote"`
	}
	if err := c.call(ctx, c.data, "quote", common.Request{
		Method: http.MethodGet,
		Path:   "/v2/stocks/" + url.PathEscape(sym) + "/quotes/latest",
	}, &res); err != nil {
		return common.Quote{}, err
	}
	return res.Quote.toQuote(sym), nil
}

func (c *Client) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResponse, error) {
	req = req.WithDefaults()
	if err := req.Validate(); err != nil {
		return common.OrderResponse{}, &common.OrderError{Broker: c.cfg.ID, Op: "place_order", Message: err.Error(), Err: err}
	}

	sym := common.NormalizeSymbol(req.Symbol)
	body := orderRequest{
		Symbol:      sym,
		Qty:         common.FormatFloat(req.Quantity),
		Side:        string(req.Side),
		Type:        venueType(req.Type),
		TimeInForce: venueTIF(req.TimeInForce, isCrypto(sym)),
	}
	if req.LimitPrice > 0 {
		body.LimitPrice = common.FormatFloat(req.LimitPrice)
	}
	if req.StopPrice > 0 {
		body.StopPrice = common.FormatFloat(req.StopPrice)
	}
	if req.Metadata.SignalID != "" {
		body.ClientOrderID = clientOrderID(req.Metadata.SignalID)
	}
	// Brackets are only accepted for equities.
	if !isCrypto(sym) && (req.StopLoss > 0 || req.TakeProfit > 0) {
		body.OrderClass = "bracket"
		if req.TakeProfit > 0 {
			body.TakeProfit = &priceLeg{LimitPrice: common.FormatFloat(req.TakeProfit)}
		}
		if req.StopLoss > 0 {
			body.StopLoss = &stopLeg{StopPrice: common.FormatFloat(req.StopLoss)}
		}
		if req.TakeProfit == 0 || req.StopLoss == 0 {
			body.OrderClass = "oto"
		}
	}

	var o order
	if err := c.call(ctx, c.trading, "place_order", common.Request{Method: http.MethodPost, Path: "/v2/orders", JSON: body}, &o); err != nil {
		var oe *common.OrderError
		if errors.As(err, &oe) {
			oe.Message = venueSide(req.Side) + " " + sym + ": " + oe.Message
		}
		return common.OrderResponse{}, err
	}
	resp := o.toResponse()
	resp.Metadata = req.Metadata
	return resp, nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	return c.call(ctx, c.trading, "cancel_order", common.Request{
		Method: http.MethodDelete,
		Path:   "/v2/orders/" + url.PathEscape(orderID),
	}, nil)
}

func (c *Client) GetOrderStatus(ctx context.Context, orderID string) (common.OrderResponse, error) {
	var o order
	if err := c.call(ctx, c.trading, "order_status", common.Request{
		Method: http.MethodGet,
		Path:   "/v2/orders/" + url.PathEscape(orderID),
	}, &o); err != nil {
		return common.OrderResponse{}, err
	}
	return o.toResponse(), nil
}

func (c *Client) ClosePosition(ctx context.Context, symbol string) (common.OrderResponse, error) {
	sym := strings.ReplaceAll(common.NormalizeSymbol(symbol), "/", "")
	var o order
	if err := c.call(ctx, c.trading, "close_position", common.Request{
		Method: http.MethodDelete,
		Path:   "/v2/positions/" + url.PathEscape(sym),
	}, &o); err != nil {
		return common.OrderResponse{}, err
	}
	return o.toResponse(), nil
}

// venueSide is the upper-case form used in rejection messages. The REST
// body itself takes the lower-case side.
func venueSide(s common.Side) string {
	return strings.ToUpper(string(s))
}

func venueType(t common.OrderType) string {
	switch t {
	case common.OrderTypeLimit:
		return "limit"
	case common.OrderTypeStop:
		return "stop"
	case common.OrderTypeStopLimit:
		return "stop_limit"
	default:
		return "market"
	}
}

func venueTIF(tif common.TimeInForce, crypto bool) string {
	switch tif {
	case common.TIFIOC:
		return "ioc"
	case common.TIFFOK:
		return "fok"
	case common.TIFGTC:
		return "gtc"
	default:
		// crypto only trades gtc/ioc
		if crypto {
			return "gtc"
		}
		return "day"
	}
}

func mapStatus(s string) common.OrderStatus {
	switch strings.ToLower(s) {
	case "new", "accepted", "pending_new", "accepted_for_bidding", "pending_replace":
		return common.StatusPending
	// pending_cancel can still fill; stopped is guaranteed a fill.
	case "partially_filled", "held", "pending_cancel", "stopped":
		return common.StatusOpen
	case "filled":
		return common.StatusFilled
	// replaced is terminal: a new order id carries the remainder.
	case "canceled", "done_for_day", "replaced":
		return common.StatusCanceled
	case "rejected", "suspended":
		return common.StatusRejected
	case "expired":
		return common.StatusExpired
	default:
		// calculated (done for the day, settlement pending) included.
		return common.StatusUnknown
	}
}

func isCrypto(sym string) bool {
	return strings.Contains(sym, "/")
}

// clientOrderID keeps the signal id traceable on the venue (max 128 chars).
func clientOrderID(signalID string) string {
	id := "sig-" + signalID + "-" + time.Now().UTC().Format("150405.000")
	if len(id) > 128 {
		id = id[:128]
	}
	return id
}
