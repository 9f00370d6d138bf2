package script

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Sanitize prepares free text for embedding inside a double-quoted script
// string literal. This is the engine's sole injection-safety boundary: the
// returned text cannot terminate its enclosing literal or introduce
// additional statements. Input is NFC-normalized first so visually identical
// titles embed identically.
func Sanitize(text string) string {
	if text == "" {
		return ""
	}
	text = norm.NFC.String(text)

	var b strings.Builder
	b.Grow(len(text))
	for i := 0; i < len(text); i++ {
		c := text[i]
		switch c {
		case '\\':
			b.WriteString(`\\`)
		case '"':
			b.WriteString(`\"`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			if i+1 < len(text) && text[i+1] == '\n' {
				i++
			}
			b.WriteString(`\n`)
		case '\t':
			b.WriteString(`\t`)
		default:
			// Remaining control characters have no escape in the script
			// dialect and are dropped.
			if c < 0x20 || c == 0x7f {
				continue
			}
			b.WriteByte(c)
		}
	}
	return b.String()
}

// isoDateLayout is the date format accepted from callers.
const isoDateLayout = "2006-01-02"

// scriptDateLayout is the unambiguous long form the application's script
// dialect parses regardless of system locale settings.
const scriptDateLayout = "January 02, 2006 15:04:05"

// FormatDate converts a YYYY-MM-DD string into the script date literal form
func FormatDate(isoDate string) (string, error) {
	t, err := time.Parse(isoDateLayout, isoDate)
	if err != nil {
		return "", fmt.Errorf("invalid date format: %s, expected YYYY-MM-DD", isoDate)
	}
	return t.Format(scriptDateLayout), nil
}

// ValidateDate reports whether a YYYY-MM-DD string is well formed
func ValidateDate(isoDate string) error {
	_, err := FormatDate(isoDate)
	return err
}
