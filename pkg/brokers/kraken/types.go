package kraken

import "encoding/json"

// envelope wraps every REST response; a non-empty Error means failure even on 200.
type envelope struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

type tickerInfo struct {
	Ask  []string `json:"a"`
	Bid  []string `json:"b"`
	Last []string `json:"c"`
}

func first(v []string) string {
	if len(v) == 0 {
		return ""
	}
	return v[0]
}

type orderDescr struct {
	Pair      string `json:"pair"`
	Type      string `json:"type"`
	OrderType string `json:"ordertype"`
	Price     string `json:"price"`
	Order     string `json:"order"`
}

type orderInfo struct {
	Status  string     `json:"status"`
	OpenTm  float64    `json:"opentm"`
	Vol     string     `json:"vol"`
	VolExec string     `json:"vol_exec"`
	Price   string     `json:"price"`
	Descr   orderDescr `json:"descr"`
	Reason  string     `json:"reason"`
}

type addOrderResult struct {
	Descr struct {
		Order string `json:"order"`
		Close string `json:"close"`
	} `json:"descr"`
	TxID []string `json:"txid"`
}

type cancelResult struct {
	Count int `json:"count"`
}
