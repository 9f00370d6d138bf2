package message

import (
	"encoding/json"
	"testing"

	"github.com/nats-io/nats.go"
)

func TestParseInvocation(t *testing.T) {
	msg := &nats.Msg{Data: []byte(`{
		"correlation_id": "c1",
		"tool": "create_todo_bulk",
		"arguments": {"idempotency_key": "k1", "items": []}
	}`)}

	inv, err := ParseInvocation(msg)
	if err != nil {
		t.Fatalf("ParseInvocation: %v", err)
	}
	if inv.CorrelationID != "c1" || inv.Tool != "create_todo_bulk" {
		t.Errorf("invocation = %+v", inv)
	}
	var args map[string]interface{}
	if err := json.Unmarshal(inv.Arguments, &args); err != nil {
		t.Fatalf("arguments not passed through verbatim: %v", err)
	}
	if args["idempotency_key"] != "k1" {
		t.Errorf("arguments = %v", args)
	}
}

func TestParseInvocationRejectsBadInput(t *testing.T) {
	if _, err := ParseInvocation(nil); err == nil {
		t.Error("expected error for nil message")
	}
	if _, err := ParseInvocation(&nats.Msg{Data: []byte(`not json`)}); err == nil {
		t.Error("expected error for malformed body")
	}
	if _, err := ParseInvocation(&nats.Msg{Data: []byte(`{"correlation_id": "c1"}`)}); err == nil {
		t.Error("expected error for missing tool name")
	}
}

func TestResultRoundTrip(t *testing.T) {
	inv := &Invocation{CorrelationID: "c1", Tool: "list_areas"}

	res := NewResult(inv, json.RawMessage(`[{"id": "a1"}]`))
	if !res.Success || res.CorrelationID != "c1" || res.Tool != "list_areas" {
		t.Errorf("result = %+v", res)
	}
	if res.CompletedAt.IsZero() {
		t.Error("CompletedAt must be set")
	}

	raw, err := res.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded Result
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.CorrelationID != "c1" || !decoded.Success {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestNewErrorResult(t *testing.T) {
	inv := &Invocation{CorrelationID: "c1", Tool: "create_todo_bulk"}

	res := NewErrorResult(inv, "title is required", "INPUT_ERROR")
	if res.Success {
		t.Error("error result must not report success")
	}
	if res.Error != "title is required" || res.ErrorCode != "INPUT_ERROR" {
		t.Errorf("result = %+v", res)
	}
}

func TestAckNakWithoutBrokerMessage(t *testing.T) {
	inv := &Invocation{Tool: "list_areas"}

	if err := inv.Ack(); err != nil {
		t.Errorf("Ack on detached invocation: %v", err)
	}
	if err := inv.Nak(); err != nil {
		t.Errorf("Nak on detached invocation: %v", err)
	}
}
