package common

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultHTTPTimeout bounds every adapter call.
const DefaultHTTPTimeout = 10 * time.Second

// NewHTTPClient returns a client with a bounded timeout.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	return &http.Client{Timeout: timeout}
}

// Request describes one REST call. Exactly one of JSON or Form may be set.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	JSON   any
	Form   url.Values
	Header http.Header
	// Auth marks login/renewal calls; their failures become ConnectionErrors.
	Auth bool
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Requester performs REST calls for one adapter and maps failures onto the
// error taxonomy. It never retries.
type Requester struct {
	Broker       string
	BaseURL      string
	Client       *http.Client
	Limiter      *Limiter
	WeightHeader string
}

// Do sends req and returns the body for any 2xx status.
func (r *Requester) Do(ctx context.Context, op string, req Request) (*Response, error) {
	if err := r.Limiter.Wait(ctx); err != nil {
		return nil, r.transportError(op, req, err)
	}

	endpoint := strings.TrimRight(r.BaseURL, "/") + req.Path
	if len(req.Query) > 0 {
		endpoint += "?" + req.Query.Encode()
	}

	var (
		body        io.Reader
		contentType string
	)
	switch {
	case req.JSON != nil:
		b, err := json.Marshal(req.JSON)
		if err != nil {
			return nil, fmt.Errorf("%s %s: marshal body: %w", r.Broker, op, err)
		}
		body = bytes.NewReader(b)
		contentType = "application/json"
	case req.Form != nil:
		body = strings.NewReader(req.Form.Encode())
		contentType = "application/x-www-form-urlencoded"
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: build request: %w", r.Broker, op, err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set("Accept", "application/json")
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	res, err := r.client().Do(httpReq)
	if err != nil {
		return nil, r.transportError(op, req, err)
	}
	defer res.Body.Close()

	if r.WeightHeader != "" {
		r.Limiter.UpdateFromHeader(res.Header.Get(r.WeightHeader))
	}

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, r.transportError(op, req, err)
	}

	if res.StatusCode >= 300 {
		msg := strings.TrimSpace(string(data))
		if msg == "" {
			msg = http.StatusText(res.StatusCode)
		}
		if req.Auth || res.StatusCode == http.StatusUnauthorized {
			return nil, &ConnectionError{
				Broker: r.Broker,
				Op:     op,
				Err:    fmt.Errorf("status %d: %s", res.StatusCode, msg),
			}
		}
		return nil, &OrderError{
			Broker:     r.Broker,
			Op:         op,
			StatusCode: res.StatusCode,
			Message:    msg,
			Raw:        string(data),
		}
	}

	return &Response{StatusCode: res.StatusCode, Header: res.Header, Body: data}, nil
}

// DoJSON sends req and decodes a 2xx body into out.
func (r *Requester) DoJSON(ctx context.Context, op string, req Request, out any) error {
	res, err := r.Do(ctx, op, req)
	if err != nil {
		return err
	}
	if out == nil || len(res.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(res.Body, out); err != nil {
		return &OrderError{
			Broker:  r.Broker,
			Op:      op,
			Message: "decode response: " + err.Error(),
			Raw:     string(res.Body),
			Err:     err,
		}
	}
	return nil
}

func (r *Requester) client() *http.Client {
	if r.Client != nil {
		return r.Client
	}
	return http.DefaultClient
}

func (r *Requester) transportError(op string, req Request, err error) error {
	if IsTimeout(err) {
		var after time.Duration
		if r.Client != nil {
			after = r.Client.Timeout
		}
		return &TimeoutError{Broker: r.Broker, Op: op, After: after, Err: err}
	}
	if req.Auth {
		return &ConnectionError{Broker: r.Broker, Op: op, Err: err}
	}
	return &OrderError{Broker: r.Broker, Op: op, Message: err.Error(), Err: err}
}
