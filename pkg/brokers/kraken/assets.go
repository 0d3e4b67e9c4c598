package kraken

import (
	"strings"

	"trade-executor/pkg/brokers/common"
)

// venueAssets maps the exchange's legacy asset codes to common tickers.
var venueAssets = map[string]string{
	"XXBT": "BTC",
	"XBT":  "BTC",
	"XETH": "ETH",
	"ZUSD": "USD",
	"ZEUR": "EUR",
	"ZGBP": "GBP",
	"XXRP": "XRP",
	"XLTC": "LTC",
	"XXDG": "DOGE",
	"XDG":  "DOGE",
	"XXLM": "XLM",
	"SOL":  "SOL",
}

// pairAssets is the reverse direction, used when building pair names.
var pairAssets = map[string]string{
	"BTC":  "XBT",
	"DOGE": "XDG",
}

// quoteCodes are tried longest-first when splitting a venue pair.
var quoteCodes = []string{"ZUSD", "ZEUR", "ZGBP", "USDT", "USDC", "USD", "EUR", "GBP", "XXBT", "XBT", "XETH", "ETH"}

// NormalizeAsset turns a venue asset code into a common ticker. Staking and
// earn suffixes like "XBT.F" or "ETH2.S" are dropped.
func NormalizeAsset(code string) string {
	c := strings.ToUpper(strings.TrimSpace(code))
	if i := strings.IndexByte(c, '.'); i > 0 {
		c = c[:i]
	}
	if t, ok := venueAssets[c]; ok {
		return t
	}
	return c
}

// VenueAsset returns the code used inside pair names for a common ticker.
func VenueAsset(ticker string) string {
	t := strings.ToUpper(ticker)
	if v, ok := pairAssets[t]; ok {
		return v
	}
	return t
}

// ToPair converts "BTC/USD" to "XBTUSD".
func ToPair(symbol string) (string, bool) {
	base, quote, ok := common.SplitSymbol(symbol)
	if !ok {
		return "", false
	}
	return VenueAsset(base) + VenueAsset(quote), true
}

// FromPair converts "XBTUSD" or "XXBTZUSD" back to "BTC/USD".
func FromPair(pair string) string {
	p := strings.ToUpper(pair)
	if strings.Contains(p, "/") {
		base, quote, ok := common.SplitSymbol(p)
		if ok {
			return NormalizeAsset(base) + "/" + NormalizeAsset(quote)
		}
	}
	for _, q := range quoteCodes {
		if len(p) > len(q) && strings.HasSuffix(p, q) {
			return NormalizeAsset(p[:len(p)-len(q)]) + "/" + NormalizeAsset(q)
		}
	}
	return p
}
