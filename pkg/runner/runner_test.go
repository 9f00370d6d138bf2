package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	sdkerrors "github.com/wehubfusion/Talos/pkg/errors"
	"github.com/wehubfusion/Talos/pkg/message"
)

// queueFetcher hands out preloaded messages once, then reports timeouts
type queueFetcher struct {
	mu   sync.Mutex
	msgs []*nats.Msg
}

func (f *queueFetcher) Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.msgs) == 0 {
		return nil, nats.ErrTimeout
	}
	if batch > len(f.msgs) {
		batch = len(f.msgs)
	}
	out := f.msgs[:batch]
	f.msgs = f.msgs[batch:]
	return out, nil
}

// capturePublisher records every published result
type capturePublisher struct {
	mu       sync.Mutex
	subjects []string
	bodies   [][]byte
	err      error
}

func (p *capturePublisher) Publish(subject string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	p.subjects = append(p.subjects, subject)
	body := make([]byte, len(data))
	copy(body, data)
	p.bodies = append(p.bodies, body)
	return &nats.PubAck{}, nil
}

func (p *capturePublisher) results(t *testing.T) []message.Result {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]message.Result, len(p.bodies))
	for i, body := range p.bodies {
		if err := json.Unmarshal(body, &out[i]); err != nil {
			t.Fatalf("published body %d not a result: %v", i, err)
		}
	}
	return out
}

// fakeDispatcher answers per-tool with canned output or error
type fakeDispatcher struct {
	mu    sync.Mutex
	calls []string
	errs  map[string]error
}

func (d *fakeDispatcher) Call(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, error) {
	d.mu.Lock()
	d.calls = append(d.calls, tool)
	d.mu.Unlock()
	if err, ok := d.errs[tool]; ok {
		return nil, err
	}
	return json.RawMessage(fmt.Sprintf(`{"tool": %q}`, tool)), nil
}

func invocationMsg(correlationID, tool string) *nats.Msg {
	body, _ := json.Marshal(map[string]interface{}{
		"correlation_id": correlationID,
		"tool":           tool,
		"arguments":      map[string]string{},
	})
	return &nats.Msg{Subject: "INVOCATIONS.tools", Data: body}
}

func runBriefly(t *testing.T, r *Runner) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if err := r.Run(ctx); err != nil && err != context.DeadlineExceeded {
		t.Fatalf("Run: %v", err)
	}
}

func newTestRunner(t *testing.T, f *queueFetcher, p *capturePublisher, d *fakeDispatcher) *Runner {
	t.Helper()
	r, err := NewRunnerWithTransport(f, p, d, "result", 4, 2, time.Second, zap.NewNop())
	if err != nil {
		t.Fatalf("NewRunnerWithTransport: %v", err)
	}
	return r
}

func TestRunnerPublishesSuccessResults(t *testing.T) {
	f := &queueFetcher{msgs: []*nats.Msg{
		invocationMsg("c1", "list_areas"),
		invocationMsg("c2", "create_todo_bulk"),
	}}
	p := &capturePublisher{}
	d := &fakeDispatcher{}

	runBriefly(t, newTestRunner(t, f, p, d))

	results := p.results(t)
	if len(results) != 2 {
		t.Fatalf("published %d results, want 2", len(results))
	}
	byCorrelation := map[string]message.Result{}
	for _, res := range results {
		byCorrelation[res.CorrelationID] = res
	}
	for _, id := range []string{"c1", "c2"} {
		res, ok := byCorrelation[id]
		if !ok {
			t.Fatalf("no result for %s", id)
		}
		if !res.Success || res.Error != "" {
			t.Errorf("result %s = %+v", id, res)
		}
	}
	for _, subject := range p.subjects {
		if subject != "result" {
			t.Errorf("published to %q, want result", subject)
		}
	}
}

func TestRunnerPublishesErrorResults(t *testing.T) {
	f := &queueFetcher{msgs: []*nats.Msg{invocationMsg("c1", "create_todo_bulk")}}
	p := &capturePublisher{}
	d := &fakeDispatcher{errs: map[string]error{
		"create_todo_bulk": sdkerrors.NewInputError("title is required", nil),
	}}

	runBriefly(t, newTestRunner(t, f, p, d))

	results := p.results(t)
	if len(results) != 1 {
		t.Fatalf("published %d results, want 1", len(results))
	}
	res := results[0]
	if res.Success {
		t.Error("dispatch failure must publish an error result")
	}
	if res.ErrorCode != sdkerrors.CodeInput {
		t.Errorf("ErrorCode = %q", res.ErrorCode)
	}
}

func TestRunnerSkipsMalformedInvocations(t *testing.T) {
	f := &queueFetcher{msgs: []*nats.Msg{
		{Subject: "INVOCATIONS.tools", Data: []byte(`not json`)},
		invocationMsg("c1", "list_areas"),
	}}
	p := &capturePublisher{}
	d := &fakeDispatcher{}

	runBriefly(t, newTestRunner(t, f, p, d))

	results := p.results(t)
	if len(results) != 1 || results[0].CorrelationID != "c1" {
		t.Errorf("results = %+v, want only the valid invocation", results)
	}
}

func TestRunnerStopsOnContextCancel(t *testing.T) {
	f := &queueFetcher{}
	r := newTestRunner(t, f, &capturePublisher{}, &fakeDispatcher{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop after cancellation")
	}
}

func TestNewRunnerWithTransportValidation(t *testing.T) {
	f := &queueFetcher{}
	p := &capturePublisher{}
	d := &fakeDispatcher{}
	logger := zap.NewNop()

	cases := []struct {
		name string
		err  func() error
	}{
		{"nil fetcher", func() error {
			_, err := NewRunnerWithTransport(nil, p, d, "result", 1, 1, time.Second, logger)
			return err
		}},
		{"nil publisher", func() error {
			_, err := NewRunnerWithTransport(f, nil, d, "result", 1, 1, time.Second, logger)
			return err
		}},
		{"nil dispatcher", func() error {
			_, err := NewRunnerWithTransport(f, p, nil, "result", 1, 1, time.Second, logger)
			return err
		}},
		{"empty subject", func() error {
			_, err := NewRunnerWithTransport(f, p, d, "", 1, 1, time.Second, logger)
			return err
		}},
		{"zero batch", func() error {
			_, err := NewRunnerWithTransport(f, p, d, "result", 0, 1, time.Second, logger)
			return err
		}},
		{"zero workers", func() error {
			_, err := NewRunnerWithTransport(f, p, d, "result", 1, 0, time.Second, logger)
			return err
		}},
		{"zero timeout", func() error {
			_, err := NewRunnerWithTransport(f, p, d, "result", 1, 1, 0, logger)
			return err
		}},
		{"nil logger", func() error {
			_, err := NewRunnerWithTransport(f, p, d, "result", 1, 1, time.Second, nil)
			return err
		}},
	}
	for _, tc := range cases {
		if tc.err() == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}
