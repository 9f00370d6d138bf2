package tools

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/wehubfusion/Talos/pkg/batch"
	"github.com/wehubfusion/Talos/pkg/errors"
	"github.com/wehubfusion/Talos/pkg/script"
)

// decodeItems decodes and validates the raw item list for one kind. An item
// that fails validation does not reject the request: it is recorded in
// rejected under its request position and skipped, so the batch still yields
// one result per submitted item. Only request-shape problems (empty list,
// ceiling exceeded) are request-level errors. Valid items come back
// renumbered for execution; origin maps each back to its request position.
func decodeItems(kind batch.Kind, raw []json.RawMessage, limit int) (items []batch.Item, origin []int, rejected map[int]string, err error) {
	if len(raw) == 0 {
		return nil, nil, nil, errors.NewInputError("items must be a non-empty array", nil)
	}
	if len(raw) > limit {
		return nil, nil, nil, errors.NewInputError(fmt.Sprintf("too many items: %d exceeds the %d ceiling", len(raw), limit), nil)
	}

	rejected = make(map[int]string)
	for i, body := range raw {
		payload, decodeErr := decodePayload(kind, body)
		if decodeErr != nil {
			rejected[i] = decodeErr.Error()
			continue
		}
		origin = append(origin, i)
		items = append(items, batch.Item{Index: len(items), Payload: payload})
	}
	return items, origin, rejected, nil
}

func decodePayload(kind batch.Kind, body json.RawMessage) (batch.Payload, error) {
	switch kind {
	case batch.KindCreate:
		var p batch.CreatePayload
		if err := strictUnmarshal(body, &p); err != nil {
			return batch.Payload{}, err
		}
		if err := validateCreate(&p); err != nil {
			return batch.Payload{}, err
		}
		return batch.Payload{Create: &p}, nil

	case batch.KindUpdate:
		var p batch.UpdatePayload
		if err := strictUnmarshal(body, &p); err != nil {
			return batch.Payload{}, err
		}
		if err := validateUpdate(&p); err != nil {
			return batch.Payload{}, err
		}
		return batch.Payload{Update: &p}, nil

	case batch.KindComplete, batch.KindCancel, batch.KindDelete:
		var p batch.TargetPayload
		if err := strictUnmarshal(body, &p); err != nil {
			return batch.Payload{}, err
		}
		if p.TodoID == "" {
			return batch.Payload{}, fmt.Errorf("todo_id is required")
		}
		return batch.Payload{Target: &p}, nil

	case batch.KindMove:
		var p batch.MovePayload
		if err := strictUnmarshal(body, &p); err != nil {
			return batch.Payload{}, err
		}
		if err := validateMove(&p); err != nil {
			return batch.Payload{}, err
		}
		return batch.Payload{Move: &p}, nil
	}
	return batch.Payload{}, fmt.Errorf("unknown operation kind %q", kind)
}

func validateCreate(p *batch.CreatePayload) error {
	if strings.TrimSpace(p.Title) == "" {
		return fmt.Errorf("title is required")
	}
	if err := validateWhen(p.When); err != nil {
		return err
	}
	if p.Deadline != "" {
		if err := script.ValidateDate(p.Deadline); err != nil {
			return fmt.Errorf("invalid deadline: %v", err)
		}
	}
	return nil
}

func validateUpdate(p *batch.UpdatePayload) error {
	if p.TodoID == "" {
		return fmt.Errorf("todo_id is required")
	}
	if p.Title == "" && p.Notes == nil && p.When == "" && p.Deadline == "" {
		return fmt.Errorf("no fields to update")
	}
	if err := validateWhen(p.When); err != nil {
		return err
	}
	if p.Deadline != "" {
		if err := script.ValidateDate(p.Deadline); err != nil {
			return fmt.Errorf("invalid deadline: %v", err)
		}
	}
	return nil
}

func validateMove(p *batch.MovePayload) error {
	if p.TodoID == "" {
		return fmt.Errorf("todo_id is required")
	}
	switch strings.ToLower(p.DestinationType) {
	case "area", "project", "list":
	default:
		return fmt.Errorf("destination_type must be area, project, or list")
	}
	if p.DestinationName == "" {
		return fmt.Errorf("destination_name is required")
	}
	return nil
}

// validateWhen accepts the scheduling vocabulary: today, tomorrow, someday,
// or a YYYY-MM-DD date. Empty means unscheduled.
func validateWhen(when string) error {
	if when == "" {
		return nil
	}
	switch strings.ToLower(when) {
	case "today", "tomorrow", "someday":
		return nil
	}
	if err := script.ValidateDate(when); err != nil {
		return fmt.Errorf("invalid when: %q", when)
	}
	return nil
}

// strictUnmarshal rejects unknown fields so typos surface as input errors
// instead of silently dropped options.
func strictUnmarshal(body json.RawMessage, out interface{}) error {
	dec := json.NewDecoder(strings.NewReader(string(body)))
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}
