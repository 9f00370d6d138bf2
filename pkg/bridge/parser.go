package bridge

import (
	"strconv"
	"strings"

	"github.com/wehubfusion/Talos/pkg/batch"
	"github.com/wehubfusion/Talos/pkg/script"
)

// unknownOutcome is the error recorded for an ordinal the script output never
// reported. The item may or may not have been applied.
const unknownOutcome = "no result reported for item"

// ParseResults turns raw script output into exactly count results with local
// ordinals 0..count-1. Result lines are recognized by their marker prefix and
// matched by the ordinal they carry, so interleaved diagnostics or reordered
// buffering cannot shift results onto the wrong item. The first line seen for
// an ordinal wins; ordinals never reported are backfilled as failed.
func ParseResults(output string, count int) []batch.ItemResult {
	results := make([]batch.ItemResult, count)
	seen := make([]bool, count)

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, script.ResultMarker+"|") {
			continue
		}

		// TALOS|<ordinal>|OK|<id> or TALOS|<ordinal>|ERR|<message>; the
		// payload may itself contain the separator, so split at most four ways.
		parts := strings.SplitN(line, "|", 4)
		if len(parts) != 4 {
			continue
		}
		ordinal, err := strconv.Atoi(parts[1])
		if err != nil || ordinal < 0 || ordinal >= count || seen[ordinal] {
			continue
		}

		switch parts[2] {
		case "OK":
			results[ordinal] = batch.ItemResult{Index: ordinal, ID: parts[3]}
		case "ERR":
			msg := parts[3]
			if msg == "" {
				msg = "item failed"
			}
			results[ordinal] = batch.ItemResult{Index: ordinal, Error: msg}
		default:
			continue
		}
		seen[ordinal] = true
	}

	for i := range results {
		if !seen[i] {
			results[i] = batch.ItemResult{Index: i, Error: unknownOutcome}
		}
	}
	return results
}

// resultParser adapts ParseResults to the batch.Parser interface
type resultParser struct{}

// NewParser returns the standard result-line parser
func NewParser() batch.Parser {
	return resultParser{}
}

// Parse implements batch.Parser
func (resultParser) Parse(output string, count int) []batch.ItemResult {
	return ParseResults(output, count)
}
