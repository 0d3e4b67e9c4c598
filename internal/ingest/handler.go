// Package ingest feeds execution requests from Kafka into the processor.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"trade-executor/internal/execution"
)

// DefaultTopic carries JSON-encoded execution requests.
const DefaultTopic = "execution.requests"

// ErrBadMessage marks a message that can never succeed; it is committed
// without retry.
var ErrBadMessage = errors.New("bad execution request message")

// MessageHandler handles messages from a specific topic.
type MessageHandler interface {
	Topic() string
	Handle(context.Context, []byte) error
}

// Submitter is satisfied by *execution.Processor.
type Submitter interface {
	Submit(req execution.ExecutionRequest) error
}

// RequestHandler decodes execution requests and submits them.
type RequestHandler struct {
	topic     string
	submitter Submitter
}

func NewRequestHandler(topic string, s Submitter) *RequestHandler {
	if topic == "" {
		topic = DefaultTopic
	}
	return &RequestHandler{topic: topic, submitter: s}
}

func (h *RequestHandler) Topic() string { return h.topic }

// Handle returns ErrBadMessage for undecodable or invalid requests and the
// submit error (retryable) when the queue is full.
func (h *RequestHandler) Handle(ctx context.Context, data []byte) error {
	var req execution.ExecutionRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	if req.SignalID == "" {
		req.SignalID = req.Signal.SignalID
	}
	err := h.submitter.Submit(req)
	if errors.Is(err, execution.ErrInvalidRequest) {
		return fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	return err
}
