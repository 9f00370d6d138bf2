package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/wehubfusion/Talos/pkg/batch"
	"github.com/wehubfusion/Talos/pkg/errors"
	"github.com/wehubfusion/Talos/pkg/resources"
)

// fakeExecutor records the last request and answers with a canned outcome
type fakeExecutor struct {
	lastReq *batch.Request
	outcome *batch.Outcome
	err     error
}

func (f *fakeExecutor) Execute(ctx context.Context, req *batch.Request) (*batch.Outcome, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	if f.outcome != nil {
		return f.outcome, nil
	}
	results := make([]batch.ItemResult, len(req.Items))
	for i := range results {
		results[i] = batch.ItemResult{Index: i, ID: "id"}
	}
	return &batch.Outcome{
		Results:   results,
		BatchID:   "b1",
		Processed: len(results),
		Succeeded: len(results),
	}, nil
}

type fakeLister struct {
	areas     []resources.Area
	tags      []resources.Tag
	tasks     []resources.Task
	lastQuery *resources.SearchQuery
	err       error
}

func (f *fakeLister) Areas(ctx context.Context) ([]resources.Area, error) { return f.areas, f.err }
func (f *fakeLister) Projects(ctx context.Context) ([]resources.Project, error) {
	return nil, f.err
}
func (f *fakeLister) Tags(ctx context.Context) ([]resources.Tag, error) { return f.tags, f.err }
func (f *fakeLister) Today(ctx context.Context) ([]resources.Task, error) { return f.tasks, f.err }
func (f *fakeLister) Inbox(ctx context.Context) ([]resources.Task, error) { return f.tasks, f.err }
func (f *fakeLister) Anytime(ctx context.Context) ([]resources.Task, error) { return f.tasks, f.err }
func (f *fakeLister) Someday(ctx context.Context) ([]resources.Task, error) { return f.tasks, f.err }
func (f *fakeLister) Upcoming(ctx context.Context) ([]resources.Task, error) { return f.tasks, f.err }
func (f *fakeLister) Logbook(ctx context.Context) ([]resources.Task, error) { return f.tasks, f.err }

func (f *fakeLister) Search(ctx context.Context, q resources.SearchQuery) ([]resources.Task, error) {
	f.lastQuery = &q
	return f.tasks, f.err
}

func (f *fakeLister) DueThisWeek(ctx context.Context) ([]resources.Task, error) {
	return f.tasks, f.err
}

func (f *fakeLister) Overdue(ctx context.Context) ([]resources.Task, error) {
	return f.tasks, f.err
}

func newRegistry(t *testing.T, e *fakeExecutor, l *fakeLister) *Registry {
	t.Helper()
	r, err := NewRegistry(e, l, 0, zap.NewNop())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return r
}

func call(t *testing.T, r *Registry, tool, args string) (json.RawMessage, error) {
	t.Helper()
	return r.Call(context.Background(), tool, json.RawMessage(args))
}

func TestRegistryExposesAllTools(t *testing.T) {
	r := newRegistry(t, &fakeExecutor{}, &fakeLister{})

	want := []string{
		"create_todo_bulk", "update_todo_bulk", "complete_todo_bulk",
		"cancel_todo_bulk", "delete_todo_bulk", "move_todo_bulk",
		"list_areas", "list_projects", "list_tags", "list_today", "list_inbox",
		"list_anytime", "list_someday", "list_upcoming", "list_logbook",
		"search_todo", "search_due_this_week", "search_overdue",
	}
	for _, name := range want {
		if _, ok := r.Handler(name); !ok {
			t.Errorf("tool %q not registered", name)
		}
	}
	if got := len(r.Names()); got != len(want) {
		t.Errorf("registry has %d tools, want %d", got, len(want))
	}
}

func TestUnknownTool(t *testing.T) {
	r := newRegistry(t, &fakeExecutor{}, &fakeLister{})

	_, err := call(t, r, "rename_everything", `{}`)
	if !errors.IsInput(err) {
		t.Errorf("expected input error, got %v", err)
	}
}

func TestCreateBulkHappyPath(t *testing.T) {
	e := &fakeExecutor{}
	r := newRegistry(t, e, &fakeLister{})

	out, err := call(t, r, "create_todo_bulk", `{
		"idempotency_key": "k1",
		"items": [
			{"title": "Buy milk", "when": "today", "tags": ["errand"]},
			{"title": "Send report", "deadline": "2026-09-01"}
		]
	}`)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}

	if e.lastReq.Kind != batch.KindCreate || e.lastReq.IdempotencyKey != "k1" {
		t.Errorf("request = %+v", e.lastReq)
	}
	if len(e.lastReq.Items) != 2 {
		t.Fatalf("got %d items", len(e.lastReq.Items))
	}
	if e.lastReq.Items[0].Payload.Create.Title != "Buy milk" {
		t.Errorf("item 0 = %+v", e.lastReq.Items[0].Payload.Create)
	}

	var resp struct {
		Results   []map[string]interface{} `json:"results"`
		BatchID   string                   `json:"batch_id"`
		Processed int                      `json:"processed"`
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatalf("response decode: %v", err)
	}
	if resp.BatchID != "b1" || resp.Processed != 2 || len(resp.Results) != 2 {
		t.Errorf("response = %+v", resp)
	}
}

func TestPartialFailureIsStillSuccess(t *testing.T) {
	e := &fakeExecutor{outcome: &batch.Outcome{
		Results: []batch.ItemResult{
			{Index: 0, ID: "id-0"},
			{Index: 1, Error: "list not found"},
		},
		BatchID: "b2", Processed: 2, Succeeded: 1, Failed: 1,
	}}
	r := newRegistry(t, e, &fakeLister{})

	out, err := call(t, r, "create_todo_bulk",
		`{"idempotency_key": "k1", "items": [{"title": "a"}, {"title": "b"}]}`)
	if err != nil {
		t.Fatalf("partial failure must not be a handler error, got %v", err)
	}

	var resp outcomeResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatalf("response decode: %v", err)
	}
	if resp.Failed != 1 || resp.Results[1].Error != "list not found" {
		t.Errorf("response = %+v", resp)
	}
}

func TestRequestLevelValidation(t *testing.T) {
	e := &fakeExecutor{}
	r := newRegistry(t, e, &fakeLister{})

	cases := []struct {
		name string
		tool string
		args string
	}{
		{"missing key", "create_todo_bulk", `{"items": [{"title": "a"}]}`},
		{"empty items", "create_todo_bulk", `{"idempotency_key": "k", "items": []}`},
		{"malformed body", "create_todo_bulk", `{"items": `},
	}
	for _, tc := range cases {
		e.lastReq = nil
		if _, err := call(t, r, tc.tool, tc.args); !errors.IsInput(err) {
			t.Errorf("%s: expected input error, got %v", tc.name, err)
		}
		if e.lastReq != nil {
			t.Errorf("%s: rejected request must not reach the executor", tc.name)
		}
	}
}

func TestInvalidItemsBecomeFailedResults(t *testing.T) {
	e := &fakeExecutor{}
	r := newRegistry(t, e, &fakeLister{})

	cases := []struct {
		name string
		tool string
		args string
	}{
		{"missing title", "create_todo_bulk", `{"idempotency_key": "k", "items": [{"notes": "n"}]}`},
		{"bad deadline", "create_todo_bulk", `{"idempotency_key": "k", "items": [{"title": "a", "deadline": "next week"}]}`},
		{"bad when", "create_todo_bulk", `{"idempotency_key": "k", "items": [{"title": "a", "when": "eventually"}]}`},
		{"unknown field", "create_todo_bulk", `{"idempotency_key": "k", "items": [{"title": "a", "priority": 1}]}`},
		{"update no id", "update_todo_bulk", `{"idempotency_key": "k", "items": [{"title": "a"}]}`},
		{"update no fields", "update_todo_bulk", `{"idempotency_key": "k", "items": [{"todo_id": "t1"}]}`},
		{"complete no id", "complete_todo_bulk", `{"idempotency_key": "k", "items": [{}]}`},
		{"move bad dest", "move_todo_bulk", `{"idempotency_key": "k", "items": [{"todo_id": "t1", "destination_type": "drawer", "destination_name": "x"}]}`},
		{"move no name", "move_todo_bulk", `{"idempotency_key": "k", "items": [{"todo_id": "t1", "destination_type": "area"}]}`},
	}
	for _, tc := range cases {
		e.lastReq = nil
		out, err := call(t, r, tc.tool, tc.args)
		if err != nil {
			t.Errorf("%s: a bad item must not fail the request, got %v", tc.name, err)
			continue
		}
		if e.lastReq != nil {
			t.Errorf("%s: no valid item remained, executor must not run", tc.name)
		}

		var resp outcomeResponse
		if err := json.Unmarshal(out, &resp); err != nil {
			t.Fatalf("%s: response decode: %v", tc.name, err)
		}
		if resp.Processed != 1 || resp.Failed != 1 || resp.Succeeded != 0 {
			t.Errorf("%s: counts = %+v", tc.name, resp)
		}
		if len(resp.Results) != 1 || resp.Results[0].Error == "" {
			t.Errorf("%s: results = %+v", tc.name, resp.Results)
		}
		if resp.BatchID == "" {
			t.Errorf("%s: response must still carry a batch id", tc.name)
		}
	}
}

func TestMixedValidityProducesPerItemOutcome(t *testing.T) {
	e := &fakeExecutor{}
	r := newRegistry(t, e, &fakeLister{})

	out, err := call(t, r, "create_todo_bulk",
		`{"idempotency_key": "k", "items": [{"title": "A"}, {"title": ""}]}`)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}

	if e.lastReq == nil {
		t.Fatal("the valid item must reach the executor")
	}
	if len(e.lastReq.Items) != 1 || e.lastReq.Items[0].Payload.Create.Title != "A" {
		t.Fatalf("executor received %+v", e.lastReq.Items)
	}

	var resp outcomeResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatalf("response decode: %v", err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("got %d results, want one per submitted item", len(resp.Results))
	}
	if resp.Results[0].Index != 0 || resp.Results[0].ID == "" || resp.Results[0].Error != "" {
		t.Errorf("result 0 = %+v", resp.Results[0])
	}
	if resp.Results[1].Index != 1 || resp.Results[1].Error == "" {
		t.Errorf("result 1 = %+v", resp.Results[1])
	}
	if resp.Processed != 2 || resp.Succeeded != 1 || resp.Failed != 1 {
		t.Errorf("counts = %+v", resp)
	}
}

func TestValidItemsKeepPositionsAroundRejects(t *testing.T) {
	e := &fakeExecutor{}
	r := newRegistry(t, e, &fakeLister{})

	out, err := call(t, r, "create_todo_bulk",
		`{"idempotency_key": "k", "items": [{"title": ""}, {"title": "B"}, {"notes": "x"}, {"title": "D"}]}`)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if len(e.lastReq.Items) != 2 {
		t.Fatalf("executor received %d items, want 2", len(e.lastReq.Items))
	}

	var resp outcomeResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatalf("response decode: %v", err)
	}
	if len(resp.Results) != 4 {
		t.Fatalf("got %d results, want 4", len(resp.Results))
	}
	for i, wantID := range []bool{false, true, false, true} {
		got := resp.Results[i]
		if got.Index != i {
			t.Errorf("result %d has index %d", i, got.Index)
		}
		if wantID && (got.ID == "" || got.Error != "") {
			t.Errorf("result %d should have succeeded: %+v", i, got)
		}
		if !wantID && got.Error == "" {
			t.Errorf("result %d should carry a validation error: %+v", i, got)
		}
	}
	if resp.Succeeded != 2 || resp.Failed != 2 {
		t.Errorf("counts = %+v", resp)
	}
}

func TestItemCeiling(t *testing.T) {
	e := &fakeExecutor{}
	r, err := NewRegistry(e, &fakeLister{}, 3, zap.NewNop())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	items := make([]string, 4)
	for i := range items {
		items[i] = `{"todo_id": "t"}`
	}
	args := `{"idempotency_key": "k", "items": [` + strings.Join(items, ",") + `]}`

	if _, err := call(t, r, "complete_todo_bulk", args); !errors.IsInput(err) {
		t.Errorf("expected input error above the ceiling, got %v", err)
	}
	if e.lastReq != nil {
		t.Error("oversize request must not reach the executor")
	}
}

func TestCeilingAdmitsMoreThanOneScript(t *testing.T) {
	e := &fakeExecutor{}
	r := newRegistry(t, e, &fakeLister{})

	// 1500 items exceed a single script execution; the request still passes
	// the facade whole so the core can chunk it.
	items := make([]string, 1500)
	for i := range items {
		items[i] = `{"todo_id": "t"}`
	}
	args := `{"idempotency_key": "k", "items": [` + strings.Join(items, ",") + `]}`

	out, err := call(t, r, "complete_todo_bulk", args)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if len(e.lastReq.Items) != 1500 {
		t.Errorf("executor received %d items", len(e.lastReq.Items))
	}
	var resp outcomeResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatalf("response decode: %v", err)
	}
	if resp.Processed != 1500 || resp.Succeeded != 1500 {
		t.Errorf("counts = processed %d succeeded %d", resp.Processed, resp.Succeeded)
	}
}

func TestUpdateClearNotes(t *testing.T) {
	e := &fakeExecutor{}
	r := newRegistry(t, e, &fakeLister{})

	_, err := call(t, r, "update_todo_bulk",
		`{"idempotency_key": "k", "items": [{"todo_id": "t1", "notes": ""}]}`)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}

	p := e.lastReq.Items[0].Payload.Update
	if p.Notes == nil || *p.Notes != "" {
		t.Errorf("explicit empty notes must decode as a clear, got %+v", p.Notes)
	}
}

func TestExecutorErrorPropagates(t *testing.T) {
	e := &fakeExecutor{err: errors.NewBridgeError("application not reachable", nil)}
	r := newRegistry(t, e, &fakeLister{})

	_, err := call(t, r, "delete_todo_bulk",
		`{"idempotency_key": "k", "items": [{"todo_id": "t1"}]}`)
	if !errors.IsBridge(err) {
		t.Errorf("expected bridge error, got %v", err)
	}
}

func TestListTools(t *testing.T) {
	l := &fakeLister{
		areas: []resources.Area{{ID: "a1", Name: "Work"}},
		tags:  []resources.Tag{{ID: "g1", Name: "errand"}},
		tasks: []resources.Task{{ID: "t1", Name: "Buy milk"}},
	}
	r := newRegistry(t, &fakeExecutor{}, l)

	out, err := call(t, r, "list_areas", `{}`)
	if err != nil {
		t.Fatalf("list_areas: %v", err)
	}
	var areas []resources.Area
	if err := json.Unmarshal(out, &areas); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(areas) != 1 || areas[0].Name != "Work" {
		t.Errorf("areas = %+v", areas)
	}

	out, err = call(t, r, "list_today", `{}`)
	if err != nil {
		t.Fatalf("list_today: %v", err)
	}
	var tasks []resources.Task
	if err := json.Unmarshal(out, &tasks); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != "t1" {
		t.Errorf("tasks = %+v", tasks)
	}

	out, err = call(t, r, "list_tags", `{}`)
	if err != nil {
		t.Fatalf("list_tags: %v", err)
	}
	var tags []resources.Tag
	if err := json.Unmarshal(out, &tags); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(tags) != 1 || tags[0].Name != "errand" {
		t.Errorf("tags = %+v", tags)
	}
}

func TestSearchTool(t *testing.T) {
	l := &fakeLister{tasks: []resources.Task{{ID: "t9", Name: "Plan meeting"}}}
	r := newRegistry(t, &fakeExecutor{}, l)

	out, err := call(t, r, "search_todo",
		`{"query": "meeting", "status": "open", "due_end": "2026-09-30", "limit": 5}`)
	if err != nil {
		t.Fatalf("search_todo: %v", err)
	}

	if l.lastQuery == nil {
		t.Fatal("search never reached the lister")
	}
	if l.lastQuery.Query != "meeting" || l.lastQuery.Status != "open" ||
		l.lastQuery.DueEnd != "2026-09-30" || l.lastQuery.Limit != 5 {
		t.Errorf("query = %+v", l.lastQuery)
	}

	var tasks []resources.Task
	if err := json.Unmarshal(out, &tasks); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != "t9" {
		t.Errorf("tasks = %+v", tasks)
	}
}

func TestSearchToolRejectsUnknownFields(t *testing.T) {
	r := newRegistry(t, &fakeExecutor{}, &fakeLister{})

	if _, err := call(t, r, "search_todo", `{"qery": "typo"}`); !errors.IsInput(err) {
		t.Errorf("expected input error, got %v", err)
	}
}
