// Package script builds AppleScript bodies for Things 3. One batch script
// performs every item's operation in order and prints one result line per
// item; each line carries the item's ordinal so the parser can realign
// results even under out-of-order buffering.
package script

import (
	"fmt"
	"strings"

	"github.com/wehubfusion/Talos/pkg/batch"
)

// ResultMarker prefixes every per-item result line emitted by generated
// scripts. Lines have the form
//
//	TALOS|<ordinal>|OK|<id>
//	TALOS|<ordinal>|ERR|<message>
//
// with ordinals local to the script (0-based). The encoding is plain ASCII
// and independent of the application's human-readable value formatting.
const ResultMarker = "TALOS"

// appName is the scripting target application.
const appName = "Things3"

// somedayList is the built-in list that parks unscheduled items.
const somedayList = "Someday"

// Assembler builds batch and single-item script bodies. All free text is
// routed through Sanitize before embedding; no other layer re-checks it.
type Assembler struct{}

// NewAssembler creates a script assembler
func NewAssembler() *Assembler {
	return &Assembler{}
}

// Batch emits one script whose single execution performs every item's
// operation in order. Each item's fragment is wrapped in its own error
// handler so a failing item is converted into an error result line instead
// of aborting the items after it.
func (a *Assembler) Batch(kind batch.Kind, items []batch.Item) (string, error) {
	if len(items) == 0 {
		return "", fmt.Errorf("no items to assemble")
	}

	var b strings.Builder
	b.WriteString("set output to \"\"\n")
	fmt.Fprintf(&b, "tell application \"%s\"\n", appName)

	for ordinal, item := range items {
		fragment, err := a.fragment(kind, ordinal, item)
		if err != nil {
			return "", fmt.Errorf("item %d: %w", item.Index, err)
		}
		b.WriteString(fragment)
	}

	b.WriteString("end tell\n")
	b.WriteString("return output\n")
	return b.String(), nil
}

// Single emits a script performing one item's operation, used on the
// per-item fallback path. The result line carries ordinal 0.
func (a *Assembler) Single(kind batch.Kind, item batch.Item) (string, error) {
	return a.Batch(kind, []batch.Item{{Index: item.Index, ClientID: item.ClientID, Payload: item.Payload}})
}

// Schedule emits the scheduling command for a created or updated todo.
// Accepted forms: "today", "tomorrow", or a YYYY-MM-DD date.
func (a *Assembler) Schedule(todoID, when string) (string, error) {
	target := ""
	switch strings.ToLower(when) {
	case "today":
		target = "(current date)"
	case "tomorrow":
		target = "(current date) + 1 * days"
	default:
		formatted, err := FormatDate(when)
		if err != nil {
			return "", err
		}
		target = fmt.Sprintf("(date \"%s\")", formatted)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "tell application \"%s\"\n", appName)
	fmt.Fprintf(&b, "\tschedule to do id \"%s\" for %s\n", Sanitize(todoID), target)
	b.WriteString("end tell\n")
	return b.String(), nil
}

// fragment builds the error-wrapped operation block for one item
func (a *Assembler) fragment(kind batch.Kind, ordinal int, item batch.Item) (string, error) {
	body, err := a.operation(kind, ordinal, item)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("\ttry\n")
	b.WriteString(body)
	fmt.Fprintf(&b, "\t\tset output to output & \"%s|%d|OK|\" & todoId%d & linefeed\n", ResultMarker, ordinal, ordinal)
	fmt.Fprintf(&b, "\ton error errMsg%d\n", ordinal)
	fmt.Fprintf(&b, "\t\tset output to output & \"%s|%d|ERR|\" & errMsg%d & linefeed\n", ResultMarker, ordinal, ordinal)
	b.WriteString("\tend try\n")
	return b.String(), nil
}

// operation builds the statements that perform one item's operation and
// leave the reportable identifier in todoId<ordinal>.
func (a *Assembler) operation(kind batch.Kind, ordinal int, item batch.Item) (string, error) {
	switch kind {
	case batch.KindCreate:
		return a.createOperation(ordinal, item.Payload.Create)
	case batch.KindUpdate:
		return a.updateOperation(ordinal, item.Payload.Update)
	case batch.KindComplete:
		return a.statusOperation(ordinal, item.Payload.Target, "completed")
	case batch.KindCancel:
		return a.statusOperation(ordinal, item.Payload.Target, "canceled")
	case batch.KindDelete:
		return a.deleteOperation(ordinal, item.Payload.Target)
	case batch.KindMove:
		return a.moveOperation(ordinal, item.Payload.Move)
	}
	return "", fmt.Errorf("unknown operation kind %q", kind)
}

func (a *Assembler) createOperation(ordinal int, p *batch.CreatePayload) (string, error) {
	if p == nil {
		return "", fmt.Errorf("missing create payload")
	}

	properties := []string{fmt.Sprintf("name:\"%s\"", Sanitize(p.Title))}
	if p.Notes != "" {
		properties = append(properties, fmt.Sprintf("notes:\"%s\"", Sanitize(p.Notes)))
	}
	if p.Deadline != "" {
		formatted, err := FormatDate(p.Deadline)
		if err != nil {
			return "", err
		}
		properties = append(properties, fmt.Sprintf("due date:(date \"%s\")", formatted))
	}
	if len(p.Tags) > 0 {
		quoted := make([]string, len(p.Tags))
		for i, tag := range p.Tags {
			quoted[i] = fmt.Sprintf("\"%s\"", Sanitize(tag))
		}
		properties = append(properties, fmt.Sprintf("tag names:{%s}", strings.Join(quoted, ", ")))
	}

	// Someday routing happens at creation time; other scheduling runs as a
	// post-pass outside the batched script.
	targetList := p.ListName
	if strings.EqualFold(p.When, somedayList) {
		targetList = somedayList
	}

	var b strings.Builder
	if targetList != "" {
		fmt.Fprintf(&b, "\t\tset targetList%d to list \"%s\"\n", ordinal, Sanitize(targetList))
		fmt.Fprintf(&b, "\t\tset newToDo%d to make new to do at targetList%d with properties {%s}\n",
			ordinal, ordinal, strings.Join(properties, ", "))
	} else {
		fmt.Fprintf(&b, "\t\tset newToDo%d to make new to do with properties {%s}\n",
			ordinal, strings.Join(properties, ", "))
	}
	fmt.Fprintf(&b, "\t\tset todoId%d to id of newToDo%d\n", ordinal, ordinal)
	return b.String(), nil
}

func (a *Assembler) updateOperation(ordinal int, p *batch.UpdatePayload) (string, error) {
	if p == nil {
		return "", fmt.Errorf("missing update payload")
	}
	if p.TodoID == "" {
		return "", fmt.Errorf("missing todo id")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "\t\tset targetToDo%d to to do id \"%s\"\n", ordinal, Sanitize(p.TodoID))
	if p.Title != "" {
		fmt.Fprintf(&b, "\t\tset name of targetToDo%d to \"%s\"\n", ordinal, Sanitize(p.Title))
	}
	if p.Notes != nil {
		fmt.Fprintf(&b, "\t\tset notes of targetToDo%d to \"%s\"\n", ordinal, Sanitize(*p.Notes))
	}
	if p.Deadline != "" {
		formatted, err := FormatDate(p.Deadline)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "\t\tset due date of targetToDo%d to (date \"%s\")\n", ordinal, formatted)
	}
	fmt.Fprintf(&b, "\t\tset todoId%d to id of targetToDo%d\n", ordinal, ordinal)
	return b.String(), nil
}

func (a *Assembler) statusOperation(ordinal int, p *batch.TargetPayload, status string) (string, error) {
	if p == nil || p.TodoID == "" {
		return "", fmt.Errorf("missing todo id")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "\t\tset targetToDo%d to to do id \"%s\"\n", ordinal, Sanitize(p.TodoID))
	fmt.Fprintf(&b, "\t\tset todoId%d to id of targetToDo%d\n", ordinal, ordinal)
	fmt.Fprintf(&b, "\t\tset status of targetToDo%d to %s\n", ordinal, status)
	return b.String(), nil
}

func (a *Assembler) deleteOperation(ordinal int, p *batch.TargetPayload) (string, error) {
	if p == nil || p.TodoID == "" {
		return "", fmt.Errorf("missing todo id")
	}

	// Capture the id before the delete invalidates the reference.
	var b strings.Builder
	fmt.Fprintf(&b, "\t\tset targetToDo%d to to do id \"%s\"\n", ordinal, Sanitize(p.TodoID))
	fmt.Fprintf(&b, "\t\tset todoId%d to id of targetToDo%d\n", ordinal, ordinal)
	fmt.Fprintf(&b, "\t\tdelete targetToDo%d\n", ordinal)
	return b.String(), nil
}

func (a *Assembler) moveOperation(ordinal int, p *batch.MovePayload) (string, error) {
	if p == nil {
		return "", fmt.Errorf("missing move payload")
	}
	if p.TodoID == "" {
		return "", fmt.Errorf("missing todo id")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "\t\tset targetToDo%d to to do id \"%s\"\n", ordinal, Sanitize(p.TodoID))

	dest := Sanitize(p.DestinationName)
	switch strings.ToLower(p.DestinationType) {
	case "area":
		fmt.Fprintf(&b, "\t\tset targetArea%d to area \"%s\"\n", ordinal, dest)
		fmt.Fprintf(&b, "\t\tmove targetToDo%d to targetArea%d\n", ordinal, ordinal)
	case "project":
		fmt.Fprintf(&b, "\t\tset targetProject%d to project \"%s\"\n", ordinal, dest)
		fmt.Fprintf(&b, "\t\tset project of targetToDo%d to targetProject%d\n", ordinal, ordinal)
	case "list":
		fmt.Fprintf(&b, "\t\tset targetList%d to list \"%s\"\n", ordinal, dest)
		fmt.Fprintf(&b, "\t\tmove targetToDo%d to targetList%d\n", ordinal, ordinal)
	default:
		return "", fmt.Errorf("invalid destination type %q", p.DestinationType)
	}

	fmt.Fprintf(&b, "\t\tset todoId%d to id of targetToDo%d\n", ordinal, ordinal)
	return b.String(), nil
}
