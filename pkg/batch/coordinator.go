package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/wehubfusion/Talos/pkg/cache"
	"github.com/wehubfusion/Talos/pkg/concurrency"
	"github.com/wehubfusion/Talos/pkg/config"
	"github.com/wehubfusion/Talos/pkg/errors"
)

// invalidations maps each operation kind to the cache categories its
// mutations can stale. Entries are removed unconditionally after a batch.
var invalidations = map[Kind][]string{
	KindCreate:   {cache.CategoryToday, cache.CategoryInbox, cache.CategoryTags},
	KindUpdate:   {cache.CategoryToday, cache.CategoryInbox},
	KindComplete: {cache.CategoryToday, cache.CategoryInbox},
	KindCancel:   {cache.CategoryToday, cache.CategoryInbox},
	KindDelete:   {cache.CategoryToday, cache.CategoryInbox, cache.CategoryProjects},
	KindMove:     {cache.CategoryToday, cache.CategoryInbox, cache.CategoryProjects, cache.CategoryAreas},
}

// Coordinator drives batch execution end to end: idempotent replay, chunked
// script execution with per-item fallback, outcome persistence, and cache
// invalidation. One Coordinator serves all callers; per-key serialization is
// internal.
type Coordinator struct {
	config      *config.Config
	assembler   Assembler
	bridge      Bridge
	parser      Parser
	store       Store
	limiter     *concurrency.Limiter
	invalidator Invalidator
	archiver    Archiver
	keys        *KeyLock
	logger      *zap.Logger
}

// CoordinatorOptions carries the optional collaborators. Store enables
// idempotent replay, Invalidator enables cache invalidation, Archiver
// enables off-box outcome copies; each may be nil.
type CoordinatorOptions struct {
	Store       Store
	Invalidator Invalidator
	Archiver    Archiver
}

// NewCoordinator creates a batch coordinator
func NewCoordinator(cfg *config.Config, assembler Assembler, bridge Bridge, parser Parser, limiter *concurrency.Limiter, opts CoordinatorOptions, logger *zap.Logger) (*Coordinator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if assembler == nil {
		return nil, fmt.Errorf("assembler is required")
	}
	if bridge == nil {
		return nil, fmt.Errorf("bridge is required")
	}
	if parser == nil {
		return nil, fmt.Errorf("parser is required")
	}
	if limiter == nil {
		return nil, fmt.Errorf("limiter is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Coordinator{
		config:      cfg,
		assembler:   assembler,
		bridge:      bridge,
		parser:      parser,
		store:       opts.Store,
		limiter:     limiter,
		invalidator: opts.Invalidator,
		archiver:    opts.Archiver,
		keys:        NewKeyLock(),
		logger:      logger,
	}, nil
}

// Execute runs one batch to completion and returns its aggregated outcome.
// A request whose idempotency key already has a recorded outcome is answered
// from the store without touching the application; concurrent submissions of
// the same key execute once, with the rest replaying the leader's outcome.
func (c *Coordinator) Execute(ctx context.Context, req *Request) (*Outcome, error) {
	if err := c.validate(req); err != nil {
		return nil, err
	}

	if c.store != nil && req.IdempotencyKey != "" {
		outcome, replayed, err := c.admit(ctx, req)
		if err != nil {
			return nil, err
		}
		if replayed {
			c.logger.Info("Replaying recorded outcome",
				zap.String("kind", string(req.Kind)),
				zap.String("idempotency_key", req.IdempotencyKey),
				zap.String("batch_id", outcome.BatchID))
			return outcome, nil
		}
		// This caller is the leader; everyone else is parked on the key.
		defer c.keys.Release(req.IdempotencyKey)
	}

	return c.run(ctx, req)
}

// validate rejects malformed requests before any work starts
func (c *Coordinator) validate(req *Request) error {
	if req == nil {
		return errors.NewInputError("request is required", nil)
	}
	if !req.Kind.Valid() {
		return errors.NewInputError(fmt.Sprintf("unknown operation kind %q", req.Kind), nil)
	}
	if len(req.Items) == 0 {
		return errors.NewInputError("batch contains no items", nil)
	}
	if c.store != nil && req.Kind.Mutating() && req.IdempotencyKey == "" {
		return errors.NewInputError("idempotency key is required for mutating batches", nil)
	}
	return nil
}

// admit resolves the idempotency race for req's key. It returns a recorded
// outcome when one exists (now or after waiting out the in-flight leader);
// otherwise the caller holds key leadership and must release it after
// persisting its outcome.
func (c *Coordinator) admit(ctx context.Context, req *Request) (*Outcome, bool, error) {
	for {
		outcome, found, err := c.store.Get(req.Kind, req.IdempotencyKey)
		if err != nil {
			return nil, false, err
		}
		if found {
			return outcome, true, nil
		}

		leader, wait := c.keys.Acquire(req.IdempotencyKey)
		if leader {
			// Re-check once: a previous leader may have persisted between our
			// read and the acquire.
			outcome, found, err := c.store.Get(req.Kind, req.IdempotencyKey)
			if err != nil {
				c.keys.Release(req.IdempotencyKey)
				return nil, false, err
			}
			if found {
				c.keys.Release(req.IdempotencyKey)
				return outcome, true, nil
			}
			return nil, false, nil
		}

		select {
		case <-wait:
			// Leader finished; loop to read its outcome. If the leader failed
			// before persisting, this caller takes over on the next pass.
		case <-ctx.Done():
			return nil, false, errors.NewTimeoutError("canceled while waiting for in-flight batch", ctx.Err())
		}
	}
}

// run executes the batch against the application and persists the outcome
func (c *Coordinator) run(ctx context.Context, req *Request) (*Outcome, error) {
	tracer := otel.Tracer("talos/batch")
	ctx, span := tracer.Start(ctx, "batch.execute")
	span.SetAttributes(
		attribute.String("batch.kind", string(req.Kind)),
		attribute.Int("batch.items", len(req.Items)),
	)
	defer span.End()

	if err := c.bridge.EnsureRunning(ctx); err != nil {
		return nil, errors.NewBridgeError("application is not reachable", err)
	}

	// Index is assigned from list position; caller-provided values are not
	// trusted to be dense or unique.
	items := make([]Item, len(req.Items))
	copy(items, req.Items)
	for i := range items {
		items[i].Index = i
	}

	start := time.Now()
	results := make([]ItemResult, 0, len(items))
	for offset := 0; offset < len(items); offset += c.config.MaxScriptItems {
		end := offset + c.config.MaxScriptItems
		if end > len(items) {
			end = len(items)
		}
		chunkResults, err := c.runChunk(ctx, req.Kind, items[offset:end])
		if err != nil {
			return nil, err
		}
		results = append(results, chunkResults...)
	}

	c.schedulePass(ctx, req.Kind, items, results)

	outcome := c.assemble(req, results)
	span.SetAttributes(
		attribute.Int("batch.succeeded", outcome.Succeeded),
		attribute.Int("batch.failed", outcome.Failed),
	)

	c.logger.Info("Batch executed",
		zap.String("batch_id", outcome.BatchID),
		zap.String("kind", string(req.Kind)),
		zap.Int("processed", outcome.Processed),
		zap.Int("succeeded", outcome.Succeeded),
		zap.Int("failed", outcome.Failed),
		zap.Duration("elapsed", time.Since(start)))

	c.persist(ctx, req, outcome)
	c.invalidate(req.Kind)
	return outcome, nil
}

// runChunk executes one chunk, first as a single batched script and, if that
// whole invocation fails, item by item. The fallback converts every
// process-level failure into that item's result, so a chunk always yields
// exactly one result per item; the returned error is reserved for the
// fallback machinery itself being unable to run.
func (c *Coordinator) runChunk(ctx context.Context, kind Kind, chunk []Item) ([]ItemResult, error) {
	script, err := c.assembler.Batch(kind, chunk)
	if err != nil {
		return nil, errors.NewInputError("failed to assemble batch script", err)
	}

	var output string
	runErr := c.limiter.Do(ctx, func() error {
		var err error
		output, err = c.bridge.Run(ctx, script, c.config.ScriptTimeout)
		return err
	})
	if runErr == nil {
		local := c.parser.Parse(output, len(chunk))
		return c.globalize(local, chunk), nil
	}

	c.logger.Warn("Batched attempt failed, falling back to per-item execution",
		zap.String("kind", string(kind)),
		zap.Int("chunk_size", len(chunk)),
		zap.Error(runErr))

	results := make([]ItemResult, 0, len(chunk))
	for _, item := range chunk {
		if ctx.Err() != nil {
			return nil, errors.NewTimeoutError("canceled during per-item fallback", ctx.Err())
		}
		results = append(results, c.runSingle(ctx, kind, item))
	}
	return results, nil
}

// runSingle executes one item in isolation on the fallback path. Failures of
// any shape become the item's result.
func (c *Coordinator) runSingle(ctx context.Context, kind Kind, item Item) ItemResult {
	script, err := c.assembler.Single(kind, item)
	if err != nil {
		return ItemResult{Index: item.Index, Error: err.Error()}
	}

	var output string
	runErr := c.limiter.Do(ctx, func() error {
		var err error
		output, err = c.bridge.Run(ctx, script, c.config.ItemTimeout)
		return err
	})
	if runErr != nil {
		return ItemResult{Index: item.Index, Error: runErr.Error()}
	}

	local := c.parser.Parse(output, 1)
	return ItemResult{Index: item.Index, ID: local[0].ID, Error: local[0].Error}
}

// globalize maps a chunk's local ordinals back onto global item indices
func (c *Coordinator) globalize(local []ItemResult, chunk []Item) []ItemResult {
	results := make([]ItemResult, len(local))
	for i, r := range local {
		results[i] = ItemResult{Index: chunk[i].Index, ID: r.ID, Error: r.Error}
	}
	return results
}

// schedulePass applies "when" scheduling to successfully created or updated
// todos. Someday routing already happened inside the batched script; today,
// tomorrow, and dated scheduling are separate commands the application only
// accepts against an existing todo. A scheduling failure is logged and does
// not demote the item's result.
func (c *Coordinator) schedulePass(ctx context.Context, kind Kind, items []Item, results []ItemResult) {
	if kind != KindCreate && kind != KindUpdate {
		return
	}

	byIndex := make(map[int]ItemResult, len(results))
	for _, r := range results {
		byIndex[r.Index] = r
	}

	for _, item := range items {
		when := ""
		switch kind {
		case KindCreate:
			if item.Payload.Create != nil {
				when = item.Payload.Create.When
			}
		case KindUpdate:
			if item.Payload.Update != nil {
				when = item.Payload.Update.When
			}
		}
		if when == "" || strings.EqualFold(when, "someday") {
			continue
		}

		result, ok := byIndex[item.Index]
		if !ok || result.Failed() || result.ID == "" {
			continue
		}

		script, err := c.assembler.Schedule(result.ID, when)
		if err != nil {
			c.logger.Warn("Failed to assemble schedule command",
				zap.String("todo_id", result.ID),
				zap.String("when", when),
				zap.Error(err))
			continue
		}
		err = c.limiter.Do(ctx, func() error {
			_, err := c.bridge.Run(ctx, script, c.config.ItemTimeout)
			return err
		})
		if err != nil {
			c.logger.Warn("Failed to schedule todo",
				zap.String("todo_id", result.ID),
				zap.String("when", when),
				zap.Error(err))
		}
	}
}

// assemble synthesizes the aggregated outcome from per-item results
func (c *Coordinator) assemble(req *Request, results []ItemResult) *Outcome {
	outcome := &Outcome{
		Results:        results,
		BatchID:        strings.ReplaceAll(uuid.New().String(), "-", ""),
		Processed:      len(results),
		IdempotencyKey: req.IdempotencyKey,
	}
	for _, r := range results {
		if r.Failed() {
			outcome.Failed++
		} else {
			outcome.Succeeded++
		}
	}
	return outcome
}

// persist records the outcome under the idempotency key and hands a copy to
// the archiver. Neither failure affects the outcome already produced; the
// cost of a lost record is one duplicate execution on a future resend.
func (c *Coordinator) persist(ctx context.Context, req *Request, outcome *Outcome) {
	if c.store != nil && req.IdempotencyKey != "" {
		if err := c.store.Put(req.Kind, req.IdempotencyKey, outcome); err != nil {
			c.logger.Error("Failed to persist outcome record",
				zap.String("idempotency_key", req.IdempotencyKey),
				zap.Error(err))
		}
	}

	if c.archiver != nil {
		raw, err := json.Marshal(outcome)
		if err == nil {
			err = c.archiver.Archive(ctx, string(req.Kind), req.IdempotencyKey, raw)
		}
		if err != nil {
			c.logger.Warn("Failed to archive outcome",
				zap.String("batch_id", outcome.BatchID),
				zap.Error(err))
		}
	}
}

// invalidate removes the cache categories this kind of mutation can stale
func (c *Coordinator) invalidate(kind Kind) {
	if c.invalidator == nil {
		return
	}
	for _, category := range invalidations[kind] {
		c.invalidator.Invalidate(category)
	}
}
