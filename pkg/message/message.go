// Package message defines the wire envelopes exchanged over the message
// broker: tool invocations in, invocation results out.
package message

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Invocation is one tool call pulled from the invocation stream
type Invocation struct {
	// CorrelationID links the result back to the caller's request
	CorrelationID string `json:"correlation_id"`

	// Tool is the registered tool name to invoke
	Tool string `json:"tool"`

	// Arguments is the tool-specific request body, passed through verbatim
	Arguments json.RawMessage `json:"arguments"`

	// SubmittedAt is when the caller enqueued the invocation
	SubmittedAt time.Time `json:"submitted_at,omitempty"`

	natsMsg *nats.Msg
}

// ParseInvocation decodes an invocation from a broker message
func ParseInvocation(msg *nats.Msg) (*Invocation, error) {
	if msg == nil {
		return nil, fmt.Errorf("message cannot be nil")
	}

	var inv Invocation
	if err := json.Unmarshal(msg.Data, &inv); err != nil {
		return nil, fmt.Errorf("failed to decode invocation: %w", err)
	}
	if inv.Tool == "" {
		return nil, fmt.Errorf("invocation has no tool name")
	}

	inv.natsMsg = msg
	return &inv, nil
}

// Ack acknowledges the underlying broker message
func (i *Invocation) Ack() error {
	if i.natsMsg == nil {
		return nil
	}
	return i.natsMsg.Ack()
}

// Nak negatively acknowledges the underlying broker message for redelivery
func (i *Invocation) Nak() error {
	if i.natsMsg == nil {
		return nil
	}
	return i.natsMsg.Nak()
}

// Result is the outcome of one invocation, published to the result subject.
// Success reflects the handler call, not per-item success: a batch with
// failed items still publishes Success=true with the failures in Output.
type Result struct {
	CorrelationID string          `json:"correlation_id"`
	Tool          string          `json:"tool"`
	Success       bool            `json:"success"`
	Output        json.RawMessage `json:"output,omitempty"`
	Error         string          `json:"error,omitempty"`
	ErrorCode     string          `json:"error_code,omitempty"`
	CompletedAt   time.Time       `json:"completed_at"`
}

// NewResult builds a successful result for an invocation
func NewResult(inv *Invocation, output json.RawMessage) Result {
	return Result{
		CorrelationID: inv.CorrelationID,
		Tool:          inv.Tool,
		Success:       true,
		Output:        output,
		CompletedAt:   time.Now().UTC(),
	}
}

// NewErrorResult builds a failed result for an invocation
func NewErrorResult(inv *Invocation, errMsg, errCode string) Result {
	return Result{
		CorrelationID: inv.CorrelationID,
		Tool:          inv.Tool,
		Success:       false,
		Error:         errMsg,
		ErrorCode:     errCode,
		CompletedAt:   time.Now().UTC(),
	}
}

// Marshal encodes the result for publishing
func (r Result) Marshal() ([]byte, error) {
	return json.Marshal(r)
}
