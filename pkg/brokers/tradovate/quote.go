package tradovate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"trade-executor/pkg/brokers/common"
)

// Quotes are only published on the market data socket, so a snapshot is a
// short subscribe/read/unsubscribe exchange.

type wsResponse struct {
	Status int             `json:"s"`
	ID     int             `json:"i"`
	Event  string          `json:"e"`
	Data   json.RawMessage `json:"d"`
}

type mdEvent struct {
	Quotes []struct {
		Timestamp  time.Time `json:"timestamp"`
		ContractID int64     `json:"contractId"`
		Entries    map[string]struct {
			Price float64 `json:"price"`
			Size  float64 `json:"size"`
		} `json:"entries"`
	} `json:"quotes"`
}

func (c *Client) quoteFor(ctx context.Context, spec ContractSpec) (common.Quote, error) {
	timeout := c.rest.Client.Timeout
	if timeout <= 0 {
		timeout = common.DefaultHTTPTimeout
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.MDURL, nil)
	if err != nil {
		return common.Quote{}, c.quoteError(err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(deadline)

	c.mu.RLock()
	token := c.mdToken
	c.mu.RUnlock()

	if err := conn.WriteMessage(websocket.TextMessage, []byte("authorize\n0\n\n"+token)); err != nil {
		return common.Quote{}, c.quoteError(err)
	}
	if err := awaitResponse(conn, 0); err != nil {
		return common.Quote{}, &common.ConnectionError{Broker: c.cfg.ID, Op: "md_authorize", Err: err}
	}

	sub, _ := json.Marshal(map[string]any{"symbol": spec.ContractID})
	if err := conn.WriteMessage(websocket.TextMessage, []byte("md/subscribeQuote\n1\n\n"+string(sub))); err != nil {
		return common.Quote{}, c.quoteError(err)
	}

	for {
		frames, err := readFrame(conn)
		if err != nil {
			return common.Quote{}, c.quoteError(err)
		}
		for _, f := range frames {
			if f.ID == 1 && f.Status >= 300 {
				return common.Quote{}, &common.OrderError{Broker: c.cfg.ID, Op: "quote", Message: string(f.Data)}
			}
			if f.Event != "md" {
				continue
			}
			var ev mdEvent
			if err := json.Unmarshal(f.Data, &ev); err != nil {
				continue
			}
			for _, q := range ev.Quotes {
				if q.ContractID != spec.ContractID {
					continue
				}
				_ = conn.WriteMessage(websocket.TextMessage, []byte("md/unsubscribeQuote\n2\n\n"+string(sub)))
				return common.Quote{
					Symbol: spec.Name,
					Bid:    q.Entries["Bid"].Price,
					Ask:    q.Entries["Offer"].Price,
					Last:   q.Entries["Trade"].Price,
					Time:   q.Timestamp,
				}, nil
			}
		}
	}
}

func (c *Client) quoteError(err error) error {
	if common.IsTimeout(err) {
		return &common.TimeoutError{Broker: c.cfg.ID, Op: "quote", Err: err}
	}
	return &common.OrderError{Broker: c.cfg.ID, Op: "quote", Message: err.Error(), Err: err}
}

func awaitResponse(conn *websocket.Conn, id int) error {
	for {
		frames, err := readFrame(conn)
		if err != nil {
			return err
		}
		for _, f := range frames {
			if f.Event == "" && f.ID == id {
				if f.Status != 200 {
					return fmt.Errorf("request %d status %d: %s", id, f.Status, string(f.Data))
				}
				return nil
			}
		}
	}
}

// readFrame reads one socket frame. "o" (open) and "h" (heartbeat) frames
// carry no payload; "a" frames carry a JSON array of messages.
func readFrame(conn *websocket.Conn) ([]wsResponse, error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		msg := strings.TrimSpace(string(data))
		if msg == "" || msg == "o" {
			continue
		}
		if msg == "h" {
			_ = conn.WriteMessage(websocket.TextMessage, []byte("[]"))
			continue
		}
		if msg[0] == 'c' {
			return nil, fmt.Errorf("socket closed by server: %s", msg[1:])
		}
		if msg[0] != 'a' {
			continue
		}
		var out []wsResponse
		if err := json.Unmarshal([]byte(msg[1:]), &out); err != nil {
			return nil, fmt.Errorf("decode frame: %w", err)
		}
		return out, nil
	}
}
