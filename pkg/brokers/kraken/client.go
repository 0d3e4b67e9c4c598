// Package kraken implements the broker contract for a spot crypto exchange
// with HMAC-signed private endpoints and per-asset balances.
package kraken

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"trade-executor/pkg/brokers/common"
	"trade-executor/pkg/cache"
)

const (
	defaultBaseURL = "https://api.kraken.com"
	volumeDecimals = 8
)

// Config describes the exchange endpoint and valuation.
type Config struct {
	ID      string
	BaseURL string
	// Valuation is the currency balances are summed in.
	Valuation string
	QuoteTTL  time.Duration
	Timeout   time.Duration
	RPS       float64
}

// Client signs every private call with the account's key pair.
type Client struct {
	cfg     Config
	creds   common.Credentials
	secret  []byte
	session *common.Session
	rest    *common.Requester
	quotes  *cache.QuoteCache

	nonceMu   sync.Mutex
	lastNonce int64
}

// New creates a client. Credentials are copied.
func New(cfg Config, creds common.Credentials) *Client {
	if cfg.ID == "" {
		cfg.ID = "kraken"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Valuation == "" {
		cfg.Valuation = "USD"
	}
	if cfg.QuoteTTL <= 0 {
		cfg.QuoteTTL = 5 * time.Second
	}
	if cfg.RPS <= 0 {
		cfg.RPS = 2
	}
	return &Client{
		cfg:     cfg,
		creds:   creds.Clone(),
		session: common.NewSession(),
		quotes:  cache.NewQuoteCache(cfg.QuoteTTL),
		rest: &common.Requester{
			Broker:  cfg.ID,
			BaseURL: cfg.BaseURL,
			Client:  common.NewHTTPClient(cfg.Timeout),
			Limiter: common.NewLimiter(cfg.RPS, 4),
		},
	}
}

func (c *Client) ID() string { return c.cfg.ID }

// Connect decodes the secret and proves the key with a balance call.
func (c *Client) Connect(ctx context.Context) error {
	if c.creds.APIKey == "" || c.creds.APISecret == "" {
		c.session.Fail()
		return &common.ConnectionError{Broker: c.cfg.ID, Op: "connect", Err: common.ErrMissingSecrets}
	}
	secret, err := base64.StdEncoding.DecodeString(c.creds.APISecret)
	if err != nil {
		c.session.Fail()
		return &common.ConnectionError{Broker: c.cfg.ID, Op: "connect", Err: fmt.Errorf("decode secret: %w", err)}
	}
	c.secret = secret
	c.session.Begin()

	if err := c.private(ctx, "connect", "/0/private/Balance", url.Values{}, nil, true); err != nil {
		c.session.Fail()
		return err
	}
	c.session.Established("", c.creds.AccountID, time.Time{})
	return nil
}

func (c *Client) Disconnect(ctx context.Context) error {
	c.session.Reset()
	return nil
}

func (c *Client) IsConnected() bool { return c.session.IsConnected() }

func (c *Client) Ping(ctx context.Context) error {
	return c.public(ctx, "ping", "/0/public/Time", nil, nil)
}

func (c *Client) ensureConnected(ctx context.Context) error {
	if c.session.IsConnected() {
		c.session.Touch()
		return nil
	}
	return c.Connect(ctx)
}

// nextNonce is strictly increasing even when called twice in the same microsecond.
func (c *Client) nextNonce() int64 {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	n := time.Now().UnixMicro()
	if n <= c.lastNonce {
		n = c.lastNonce + 1
	}
	c.lastNonce = n
	return n
}

// Sign computes API-Sign for path and the url-encoded body.
func Sign(path, nonce, postData string, secret []byte) string {
	sum := sha256.Sum256([]byte(nonce + postData))
	mac := hmac.New(sha512.New, secret)
	mac.Write([]byte(path))
	mac.Write(sum[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (c *Client) private(ctx context.Context, op, path string, form url.Values, out any, auth bool) error {
	if !auth {
		if err := c.ensureConnected(ctx); err != nil {
			return err
		}
	}
	nonce := strconv.FormatInt(c.nextNonce(), 10)
	form.Set("nonce", nonce)

	header := http.Header{}
	header.Set("API-Key", c.creds.APIKey)
	header.Set("API-Sign", Sign(path, nonce, form.Encode(), c.secret))

	res, err := c.rest.Do(ctx, op, common.Request{
		Method: http.MethodPost,
		Path:   path,
		Form:   form,
		Header: header,
		Auth:   auth,
	})
	if err != nil {
		if common.IsConnectionError(err) {
			c.session.Fail()
		}
		return err
	}
	return c.unwrap(op, res.Body, out, auth)
}

func (c *Client) public(ctx context.Context, op, path string, query url.Values, out any) error {
	res, err := c.rest.Do(ctx, op, common.Request{Method: http.MethodGet, Path: path, Query: query})
	if err != nil {
		return err
	}
	return c.unwrap(op, res.Body, out, false)
}

// unwrap checks the error array and decodes result into out.
func (c *Client) unwrap(op string, body []byte, out any, auth bool) error {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return &common.OrderError{Broker: c.cfg.ID, Op: op, Message: "decode response: " + err.Error(), Raw: string(body), Err: err}
	}
	if len(env.Error) > 0 {
		msg := strings.Join(env.Error, "; ")
		if auth || isAuthError(env.Error) {
			c.session.Fail()
			return &common.ConnectionError{Broker: c.cfg.ID, Op: op, Err: fmt.Errorf("%s", msg)}
		}
		oe := &common.OrderError{Broker: c.cfg.ID, Op: op, Message: msg, Raw: string(body)}
		if strings.Contains(msg, "Unknown asset pair") {
			oe.Err = common.ErrUnknownSymbol
		}
		if strings.Contains(msg, "Unknown order") {
			oe.Err = common.ErrOrderNotFound
		}
		return oe
	}
	if out == nil || len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return &common.OrderError{Broker: c.cfg.ID, Op: op, Message: "decode result: " + err.Error(), Raw: string(body), Err: err}
	}
	return nil
}

func isAuthError(errs []string) bool {
	for _, e := range errs {
		switch {
		case strings.HasPrefix(e, "EAPI:Invalid key"),
			strings.HasPrefix(e, "EAPI:Invalid signature"),
			strings.HasPrefix(e, "EAPI:Invalid nonce"),
			strings.HasPrefix(e, "EGeneral:Permission denied"):
			return true
		}
	}
	return false
}

// balances returns holdings keyed by common ticker; staking variants are summed.
func (c *Client) balances(ctx context.Context) (map[string]float64, []string, error) {
	var raw map[string]string
	if err := c.private(ctx, "balance", "/0/private/Balance", url.Values{}, &raw, false); err != nil {
		return nil, nil, err
	}
	out := make(map[string]float64, len(raw))
	order := make([]string, 0, len(raw))
	for code, amt := range raw {
		v := common.ParseFloat(amt)
		if v == 0 {
			continue
		}
		asset := NormalizeAsset(code)
		if _, ok := out[asset]; !ok {
			order = append(order, asset)
		}
		out[asset] += v
	}
	sort.Strings(order)
	return out, order, nil
}

// price returns the mid price of asset in the valuation currency.
func (c *Client) price(ctx context.Context, asset string) (float64, error) {
	q, err := c.GetQuote(ctx, asset+"/"+c.cfg.Valuation)
	if err != nil {
		return 0, err
	}
	return q.Mid(), nil
}

// GetAccountInfo sums every balance converted to the valuation currency.
// Assets with no market against it are left out of equity.
func (c *Client) GetAccountInfo(ctx context.Context) (common.AccountInfo, error) {
	bals, order, err := c.balances(ctx)
	if err != nil {
		return common.AccountInfo{}, err
	}
	info := common.AccountInfo{AccountID: c.session.AccountID(), Currency: c.cfg.Valuation}
	for _, asset := range order {
		amt := bals[asset]
		if asset == c.cfg.Valuation {
			info.Equity += amt
			info.BuyingPower += amt
			continue
		}
		px, err := c.price(ctx, asset)
		if err != nil {
			if isUnknownSymbol(err) {
				continue
			}
			return common.AccountInfo{}, err
		}
		info.Equity += amt * px
	}
	info.Balance = info.Equity
	return info, nil
}

// GetPositions reports non-cash holdings. Spot balances carry no cost basis,
// so average price is the current price and PnL is zero.
func (c *Client) GetPositions(ctx context.Context) ([]common.Position, error) {
	bals, order, err := c.balances(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]common.Position, 0, len(order))
	for _, asset := range order {
		if asset == c.cfg.Valuation {
			continue
		}
		px, err := c.price(ctx, asset)
		if err != nil {
			if isUnknownSymbol(err) {
				continue
			}
			return nil, err
		}
		out = append(out, common.NewPosition(asset+"/"+c.cfg.Valuation, bals[asset], px, px))
	}
	return out, nil
}

func (c *Client) GetQuote(ctx context.Context, symbol string) (common.Quote, error) {
	sym := common.NormalizeSymbol(symbol)
	if q, ok := c.quotes.Get(sym); ok {
		return q, nil
	}
	pair, ok := ToPair(sym)
	if !ok {
		return common.Quote{}, &common.OrderError{Broker: c.cfg.ID, Op: "quote", Message: "bad symbol " + symbol, Err: common.ErrUnknownSymbol}
	}
	var res map[string]tickerInfo
	if err := c.public(ctx, "quote", "/0/public/Ticker", url.Values{"pair": {pair}}, &res); err != nil {
		return common.Quote{}, err
	}
	for _, t := range res {
		q := common.Quote{
			Symbol: sym,
			Bid:    common.ParseFloat(first(t.Bid)),
			Ask:    common.ParseFloat(first(t.Ask)),
			Last:   common.ParseFloat(first(t.Last)),
			Time:   time.Now(),
		}
		c.quotes.Set(q)
		return q, nil
	}
	return common.Quote{}, &common.OrderError{Broker: c.cfg.ID, Op: "quote", Message: "no ticker for " + pair, Err: common.ErrUnknownSymbol}
}

// FormatVolume truncates to the exchange's eight decimals.
func FormatVolume(q float64) string {
	return decimal.NewFromFloat(q).Truncate(volumeDecimals).String()
}

// PlaceOrder submits via AddOrder. A stop-loss rides along as a conditional
// close; the exchange allows one, so take-profit is attached only without a stop.
func (c *Client) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResponse, error) {
	req = req.WithDefaults()
	if err := req.Validate(); err != nil {
		return common.OrderResponse{}, &common.OrderError{Broker: c.cfg.ID, Op: "place_order", Message: err.Error(), Err: err}
	}
	pair, ok := ToPair(req.Symbol)
	if !ok {
		return common.OrderResponse{}, &common.OrderError{Broker: c.cfg.ID, Op: "place_order", Message: "bad symbol " + req.Symbol, Err: common.ErrUnknownSymbol}
	}
	volume := FormatVolume(req.Quantity)
	if volume == "0" {
		return common.OrderResponse{}, &common.OrderError{Broker: c.cfg.ID, Op: "place_order", Message: "volume rounds to zero", Err: common.ErrInvalidQuantity}
	}

	form := url.Values{}
	form.Set("pair", pair)
	form.Set("type", string(req.Side))
	form.Set("ordertype", venueOrderType(req.Type))
	form.Set("volume", volume)
	switch req.Type {
	case common.OrderTypeLimit:
		form.Set("price", common.FormatFloat(req.LimitPrice))
	case common.OrderTypeStop:
		form.Set("price", common.FormatFloat(req.StopPrice))
	case common.OrderTypeStopLimit:
		form.Set("price", common.FormatFloat(req.StopPrice))
		form.Set("price2", common.FormatFloat(req.LimitPrice))
	}
	if req.TimeInForce == common.TIFIOC {
		form.Set("timeinforce", "IOC")
	}
	switch {
	case req.StopLoss > 0:
		form.Set("close[ordertype]", "stop-loss")
		form.Set("close[price]", common.FormatFloat(req.StopLoss))
	case req.TakeProfit > 0:
		form.Set("close[ordertype]", "take-profit")
		form.Set("close[price]", common.FormatFloat(req.TakeProfit))
	}

	var res addOrderResult
	if err := c.private(ctx, "place_order", "/0/private/AddOrder", form, &res, false); err != nil {
		return common.OrderResponse{}, err
	}
	if len(res.TxID) == 0 {
		return common.OrderResponse{}, &common.OrderError{Broker: c.cfg.ID, Op: "place_order", Message: "no txid returned"}
	}
	raw, _ := json.Marshal(res)
	qty := common.ParseFloat(volume)
	return common.OrderResponse{
		OrderID:     res.TxID[0],
		Symbol:      common.NormalizeSymbol(req.Symbol),
		Side:        req.Side,
		Type:        req.Type,
		Quantity:    qty,
		Status:      common.StatusPending,
		VenueStatus: "pending",
		Raw:         string(raw),
		Metadata:    req.Metadata,
		Timestamp:   time.Now(),
	}, nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	var res cancelResult
	form := url.Values{"txid": {orderID}}
	if err := c.private(ctx, "cancel_order", "/0/private/CancelOrder", form, &res, false); err != nil {
		return err
	}
	if res.Count == 0 {
		return &common.OrderError{Broker: c.cfg.ID, Op: "cancel_order", Message: "order " + orderID + " not found", Err: common.ErrOrderNotFound}
	}
	return nil
}

func (c *Client) GetOrderStatus(ctx context.Context, orderID string) (common.OrderResponse, error) {
	var res map[string]orderInfo
	form := url.Values{"txid": {orderID}}
	if err := c.private(ctx, "order_status", "/0/private/QueryOrders", form, &res, false); err != nil {
		return common.OrderResponse{}, err
	}
	o, ok := res[orderID]
	if !ok {
		return common.OrderResponse{}, &common.OrderError{Broker: c.cfg.ID, Op: "order_status", Message: "order " + orderID + " not found", Err: common.ErrOrderNotFound}
	}
	side, _ := common.ParseSide(o.Descr.Type)
	ts := time.Now()
	if o.OpenTm > 0 {
		ts = time.Unix(0, int64(o.OpenTm*float64(time.Second)))
	}
	return common.OrderResponse{
		OrderID:        orderID,
		Symbol:         FromPair(o.Descr.Pair),
		Side:           side,
		Type:           commonOrderType(o.Descr.OrderType),
		Quantity:       common.ParseFloat(o.Vol),
		FilledQuantity: common.ParseFloat(o.VolExec),
		AvgFillPrice:   common.ParseFloat(o.Price),
		Status:         mapStatus(o.Status),
		VenueStatus:    o.Status,
		Timestamp:      ts,
	}, nil
}

// ClosePosition sells the whole base-asset balance at market.
func (c *Client) ClosePosition(ctx context.Context, symbol string) (common.OrderResponse, error) {
	base, quote, ok := common.SplitSymbol(symbol)
	if !ok {
		base, quote = common.NormalizeSymbol(symbol), c.cfg.Valuation
	}
	bals, _, err := c.balances(ctx)
	if err != nil {
		return common.OrderResponse{}, err
	}
	qty := bals[base]
	if qty <= 0 {
		return common.OrderResponse{}, &common.OrderError{Broker: c.cfg.ID, Op: "close_position", Message: "no balance in " + base, Err: common.ErrNoPosition}
	}
	return c.PlaceOrder(ctx, common.OrderRequest{
		Symbol:   base + "/" + quote,
		Side:     common.SideSell,
		Quantity: qty,
		Type:     common.OrderTypeMarket,
	})
}

func isUnknownSymbol(err error) bool {
	return errors.Is(err, common.ErrUnknownSymbol)
}

func venueOrderType(t common.OrderType) string {
	switch t {
	case common.OrderTypeLimit:
		return "limit"
	case common.OrderTypeStop:
		return "stop-loss"
	case common.OrderTypeStopLimit:
		return "stop-loss-limit"
	default:
		return "market"
	}
}

func commonOrderType(t string) common.OrderType {
	switch t {
	case "limit":
		return common.OrderTypeLimit
	case "stop-loss":
		return common.OrderTypeStop
	case "stop-loss-limit":
		return common.OrderTypeStopLimit
	default:
		return common.OrderTypeMarket
	}
}

func mapStatus(s string) common.OrderStatus {
	switch strings.ToLower(s) {
	case "pending":
		return common.StatusPending
	case "open":
		return common.StatusOpen
	case "closed":
		return common.StatusFilled
	case "canceled", "cancelled":
		return common.StatusCanceled
	case "expired":
		return common.StatusExpired
	default:
		return common.StatusUnknown
	}
}
