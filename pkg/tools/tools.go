// Package tools exposes the engine as a registry of named handlers speaking
// a JSON wire contract. Handlers validate arguments, call the core, and
// render outcomes; a batch with failed items is still a successful handler
// call, with the failures inside the response body.
package tools

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wehubfusion/Talos/pkg/batch"
	"github.com/wehubfusion/Talos/pkg/errors"
	"github.com/wehubfusion/Talos/pkg/resources"
)

// defaultMaxItems is the fallback per-request item ceiling. It deliberately
// exceeds the per-script chunk size so a single request can span several
// script executions.
const defaultMaxItems = 10000

// Handler processes one tool invocation
type Handler func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// Executor runs batches; satisfied by batch.Coordinator
type Executor interface {
	Execute(ctx context.Context, req *batch.Request) (*batch.Outcome, error)
}

// Lister serves the read views and searches; satisfied by resources.Service
type Lister interface {
	Areas(ctx context.Context) ([]resources.Area, error)
	Projects(ctx context.Context) ([]resources.Project, error)
	Tags(ctx context.Context) ([]resources.Tag, error)
	Today(ctx context.Context) ([]resources.Task, error)
	Inbox(ctx context.Context) ([]resources.Task, error)
	Anytime(ctx context.Context) ([]resources.Task, error)
	Someday(ctx context.Context) ([]resources.Task, error)
	Upcoming(ctx context.Context) ([]resources.Task, error)
	Logbook(ctx context.Context) ([]resources.Task, error)
	Search(ctx context.Context, q resources.SearchQuery) ([]resources.Task, error)
	DueThisWeek(ctx context.Context) ([]resources.Task, error)
	Overdue(ctx context.Context) ([]resources.Task, error)
}

// searchRequest is the wire shape of search_todo arguments
type searchRequest struct {
	Query          string `json:"query"`
	Project        string `json:"project,omitempty"`
	Area           string `json:"area,omitempty"`
	Tag            string `json:"tag,omitempty"`
	Status         string `json:"status,omitempty"`
	DueStart       string `json:"due_start,omitempty"`
	DueEnd         string `json:"due_end,omitempty"`
	ScheduledStart string `json:"scheduled_start,omitempty"`
	ScheduledEnd   string `json:"scheduled_end,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

// bulkRequest is the wire shape shared by every mutating tool; Items is
// decoded per kind during validation.
type bulkRequest struct {
	IdempotencyKey string            `json:"idempotency_key"`
	Items          []json.RawMessage `json:"items"`
}

// outcomeResponse is the wire shape of a completed batch
type outcomeResponse struct {
	Results   []itemResponse `json:"results"`
	BatchID   string         `json:"batch_id"`
	Processed int            `json:"processed"`
	Succeeded int            `json:"succeeded"`
	Failed    int            `json:"failed"`
}

type itemResponse struct {
	Index int    `json:"index"`
	ID    string `json:"id,omitempty"`
	Error string `json:"error,omitempty"`
}

// Registry maps tool names to handlers
type Registry struct {
	executor Executor
	lister   Lister
	maxItems int
	handlers map[string]Handler
	logger   *zap.Logger
}

// NewRegistry creates the standard tool registry. maxItems caps the item
// count of one bulk request; zero or negative selects the default.
func NewRegistry(executor Executor, lister Lister, maxItems int, logger *zap.Logger) (*Registry, error) {
	if executor == nil {
		return nil, errors.NewInputError("executor is required", nil)
	}
	if lister == nil {
		return nil, errors.NewInputError("lister is required", nil)
	}
	if maxItems <= 0 {
		maxItems = defaultMaxItems
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Registry{executor: executor, lister: lister, maxItems: maxItems, logger: logger}
	r.handlers = map[string]Handler{
		"create_todo_bulk":     r.bulkHandler(batch.KindCreate),
		"update_todo_bulk":     r.bulkHandler(batch.KindUpdate),
		"complete_todo_bulk":   r.bulkHandler(batch.KindComplete),
		"cancel_todo_bulk":     r.bulkHandler(batch.KindCancel),
		"delete_todo_bulk":     r.bulkHandler(batch.KindDelete),
		"move_todo_bulk":       r.bulkHandler(batch.KindMove),
		"list_areas":           r.listHandler(func(ctx context.Context) (interface{}, error) { return r.lister.Areas(ctx) }),
		"list_projects":        r.listHandler(func(ctx context.Context) (interface{}, error) { return r.lister.Projects(ctx) }),
		"list_tags":            r.listHandler(func(ctx context.Context) (interface{}, error) { return r.lister.Tags(ctx) }),
		"list_today":           r.listHandler(func(ctx context.Context) (interface{}, error) { return r.lister.Today(ctx) }),
		"list_inbox":           r.listHandler(func(ctx context.Context) (interface{}, error) { return r.lister.Inbox(ctx) }),
		"list_anytime":         r.listHandler(func(ctx context.Context) (interface{}, error) { return r.lister.Anytime(ctx) }),
		"list_someday":         r.listHandler(func(ctx context.Context) (interface{}, error) { return r.lister.Someday(ctx) }),
		"list_upcoming":        r.listHandler(func(ctx context.Context) (interface{}, error) { return r.lister.Upcoming(ctx) }),
		"list_logbook":         r.listHandler(func(ctx context.Context) (interface{}, error) { return r.lister.Logbook(ctx) }),
		"search_todo":          r.searchHandler(),
		"search_due_this_week": r.listHandler(func(ctx context.Context) (interface{}, error) { return r.lister.DueThisWeek(ctx) }),
		"search_overdue":       r.listHandler(func(ctx context.Context) (interface{}, error) { return r.lister.Overdue(ctx) }),
	}
	return r, nil
}

// Names returns the registered tool names
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}

// Handler returns the handler for a tool name
func (r *Registry) Handler(name string) (Handler, bool) {
	h, ok := r.handlers[name]
	return h, ok
}

// Call invokes a tool by name
func (r *Registry) Call(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	h, ok := r.handlers[name]
	if !ok {
		return nil, errors.NewInputError("unknown tool: "+name, nil)
	}

	start := time.Now()
	out, err := h(ctx, args)
	if err != nil {
		r.logger.Warn("Tool call failed",
			zap.String("tool", name),
			zap.String("code", errors.CodeOf(err)),
			zap.Duration("elapsed", time.Since(start)))
		return nil, err
	}
	r.logger.Debug("Tool call completed",
		zap.String("tool", name),
		zap.Duration("elapsed", time.Since(start)))
	return out, nil
}

// bulkHandler builds the handler for one mutating kind
func (r *Registry) bulkHandler(kind batch.Kind) Handler {
	return func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		var req bulkRequest
		if err := json.Unmarshal(args, &req); err != nil {
			return nil, errors.NewInputError("malformed request body", err)
		}

		items, origin, rejected, err := decodeItems(kind, req.Items, r.maxItems)
		if err != nil {
			return nil, err
		}
		if req.IdempotencyKey == "" {
			return nil, errors.NewInputError("idempotency_key is required", nil)
		}

		// Items that failed validation never reach the core; the valid rest
		// still executes and the two sets merge into one per-item outcome.
		var outcome *batch.Outcome
		if len(items) > 0 {
			outcome, err = r.executor.Execute(ctx, &batch.Request{
				IdempotencyKey: req.IdempotencyKey,
				Kind:           kind,
				Items:          items,
				SubmittedAt:    time.Now().UTC(),
			})
			if err != nil {
				return nil, err
			}
		}
		return renderOutcome(outcome, origin, rejected, len(req.Items))
	}
}

// searchHandler builds the handler for filtered todo searches
func (r *Registry) searchHandler() Handler {
	return func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		var req searchRequest
		if len(args) > 0 {
			if err := strictUnmarshal(args, &req); err != nil {
				return nil, errors.NewInputError("malformed request body", err)
			}
		}

		tasks, err := r.lister.Search(ctx, resources.SearchQuery{
			Query:          req.Query,
			Project:        req.Project,
			Area:           req.Area,
			Tag:            req.Tag,
			Status:         req.Status,
			DueStart:       req.DueStart,
			DueEnd:         req.DueEnd,
			ScheduledStart: req.ScheduledStart,
			ScheduledEnd:   req.ScheduledEnd,
			Limit:          req.Limit,
		})
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(tasks)
		if err != nil {
			return nil, errors.NewInputError("failed to encode records", err)
		}
		return raw, nil
	}
}

// listHandler builds the handler for one cached read view
func (r *Registry) listHandler(read func(ctx context.Context) (interface{}, error)) Handler {
	return func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		records, err := read(ctx)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(records)
		if err != nil {
			return nil, errors.NewInputError("failed to encode records", err)
		}
		return raw, nil
	}
}

// renderOutcome produces the wire contract body for a completed batch,
// folding validation-rejected items back into their request positions so
// the response carries exactly one result per submitted item. outcome is
// nil when no item survived validation.
func renderOutcome(outcome *batch.Outcome, origin []int, rejected map[int]string, total int) (json.RawMessage, error) {
	resp := outcomeResponse{
		Results:   make([]itemResponse, total),
		Processed: total,
	}
	if outcome != nil {
		resp.BatchID = outcome.BatchID
		resp.Succeeded = outcome.Succeeded
		resp.Failed = outcome.Failed
		for _, r := range outcome.Results {
			if r.Index < 0 || r.Index >= len(origin) {
				continue
			}
			pos := origin[r.Index]
			resp.Results[pos] = itemResponse{Index: pos, ID: r.ID, Error: r.Error}
		}
	} else {
		resp.BatchID = strings.ReplaceAll(uuid.New().String(), "-", "")
	}
	for pos, msg := range rejected {
		resp.Results[pos] = itemResponse{Index: pos, Error: msg}
		resp.Failed++
	}
	return json.Marshal(resp)
}
