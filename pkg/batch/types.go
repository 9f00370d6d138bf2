// Package batch implements the batch execution engine: idempotent replay,
// chunked script execution with per-item fallback, and ordered
// partial-success aggregation for operations against the automated
// application.
package batch

import (
	"context"
	"time"
)

// Kind identifies the homogeneous operation a batch performs
type Kind string

const (
	KindCreate   Kind = "create"
	KindUpdate   Kind = "update"
	KindComplete Kind = "complete"
	KindCancel   Kind = "cancel"
	KindDelete   Kind = "delete"
	KindMove     Kind = "move"
)

// Valid reports whether k is a known operation kind
func (k Kind) Valid() bool {
	switch k {
	case KindCreate, KindUpdate, KindComplete, KindCancel, KindDelete, KindMove:
		return true
	}
	return false
}

// Mutating reports whether batches of this kind change application state.
// Idempotency keys are required for mutating kinds and ignored otherwise.
func (k Kind) Mutating() bool {
	return k.Valid()
}

// CreatePayload describes one todo to create
type CreatePayload struct {
	Title    string   `json:"title"`
	Notes    string   `json:"notes,omitempty"`
	When     string   `json:"when,omitempty"`     // today | tomorrow | someday | YYYY-MM-DD
	Deadline string   `json:"deadline,omitempty"` // YYYY-MM-DD, preformatted by the facade
	Tags     []string `json:"tags,omitempty"`
	ListName string   `json:"list_name,omitempty"`
}

// UpdatePayload describes field changes for one existing todo
type UpdatePayload struct {
	TodoID   string  `json:"todo_id"`
	Title    string  `json:"title,omitempty"`
	Notes    *string `json:"notes,omitempty"` // nil leaves notes untouched; empty string clears them
	When     string  `json:"when,omitempty"`
	Deadline string  `json:"deadline,omitempty"`
}

// TargetPayload identifies the todo a complete/cancel/delete item acts on
type TargetPayload struct {
	TodoID string `json:"todo_id"`
}

// MovePayload describes one todo relocation
type MovePayload struct {
	TodoID          string `json:"todo_id"`
	DestinationType string `json:"destination_type"` // area | project | list
	DestinationName string `json:"destination_name"`
}

// Payload is the per-item operation payload, a tagged union with exactly one
// variant set, matching the batch kind.
type Payload struct {
	Create *CreatePayload `json:"create,omitempty"`
	Update *UpdatePayload `json:"update,omitempty"`
	Target *TargetPayload `json:"target,omitempty"`
	Move   *MovePayload   `json:"move,omitempty"`
}

// Item is one operation inside a batch. Index is the 0-based position that
// defines both execution order and the stable reference used in error
// reporting; the coordinator assigns it from list position.
type Item struct {
	Index    int     `json:"index"`
	ClientID string  `json:"client_id,omitempty"`
	Payload  Payload `json:"payload"`
}

// Request is one batch submitted by a caller. A non-batch convenience call
// is modeled as a Request of size one.
type Request struct {
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	Kind           Kind      `json:"kind"`
	Items          []Item    `json:"items"`
	SubmittedAt    time.Time `json:"submitted_at,omitempty"`
}

// ItemResult is the outcome of one item. Exactly one ItemResult exists per
// Item, success or not, even when the batched attempt failed wholesale.
type ItemResult struct {
	Index int    `json:"index"`
	ID    string `json:"id,omitempty"`
	Error string `json:"error,omitempty"`
}

// Failed reports whether this item did not complete
func (r ItemResult) Failed() bool {
	return r.Error != ""
}

// Outcome is the aggregated result of one batch, also the unit persisted
// under the idempotency key and replayed verbatim on resends.
type Outcome struct {
	Results        []ItemResult `json:"results"`
	BatchID        string       `json:"batch_id"`
	Processed      int          `json:"processed"`
	Succeeded      int          `json:"succeeded"`
	Failed         int          `json:"failed"`
	IdempotencyKey string       `json:"idempotency_key,omitempty"`
}

// Assembler builds script bodies. Batch emits one script whose single
// execution performs every item's operation in order and prints one
// machine-parseable result line per item; Single does the same for one item
// on the fallback path. Schedule emits the post-creation scheduling command
// for a todo.
type Assembler interface {
	Batch(kind Kind, items []Item) (string, error)
	Single(kind Kind, item Item) (string, error)
	Schedule(todoID, when string) (string, error)
}

// Bridge runs script bodies against the application. Run returns raw stdout
// on success; failures are classified as timeout or bridge errors by the
// implementation. EnsureRunning health-checks (and if needed launches) the
// application before a batch touches it.
type Bridge interface {
	EnsureRunning(ctx context.Context) error
	Run(ctx context.Context, script string, timeout time.Duration) (string, error)
}

// Parser turns raw script output into exactly count ItemResults with local
// ordinals 0..count-1, backfilling failed/unknown entries for ordinals the
// output never reported.
type Parser interface {
	Parse(output string, count int) []ItemResult
}

// Store is the durable idempotency record map. Put is write-once per
// (kind, key): the first successful write is authoritative and later writes
// are no-ops.
type Store interface {
	Get(kind Kind, key string) (*Outcome, bool, error)
	Put(kind Kind, key string, outcome *Outcome) error
}

// Invalidator is the slice of the resource cache the coordinator needs:
// unconditional removal of category entries a mutating batch affects.
type Invalidator interface {
	Invalidate(key string) bool
}

// Archiver optionally receives a copy of every persisted outcome for
// off-box audit. Failures are logged and never affect the batch.
type Archiver interface {
	Archive(ctx context.Context, kind, key string, outcome []byte) error
}
