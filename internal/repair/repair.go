// Package repair normalizes near-valid structured text (intended as a JSON
// object or array) produced by a generation service into parseable data.
//
// Passes are ordered and idempotent; each applies only when the direct parse
// still fails. Blanket quote-character normalization is deliberately absent:
// it corrupts natural-language apostrophes and must not be reintroduced.
package repair

import (
	"encoding/json"
	"strings"
	"unicode"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// RawKey is the field name used when every repair attempt fails and the raw
// text is wrapped as a single-field fallback value.
const RawKey = "raw"

// Result carries the repaired value plus enough metadata for the caller to
// decide whether the repair constitutes a stage failure.
type Result struct {
	Value any
	// Fallback is true when nothing parsed and Value is {"raw": <input>}.
	Fallback bool
	// Applied lists the repair passes that ran before the text parsed.
	Applied []string
	// SchemaIssues holds schema-validation detail when a schema is configured.
	// Schema violations are reported, never treated as parse failures.
	SchemaIssues []string
}

// Pipeline is safe for concurrent use. The zero value repairs without schema
// validation.
type Pipeline struct {
	// Schema, when set, is checked against the repaired value.
	Schema *jsonschema.Schema
}

type pass struct {
	name  string
	apply func(string) string
}

// Closing-sequence suffixes tried for truncated payloads, shortest first.
var closingSuffixes = []string{
	`"`, `"}`, `"}]`, `}`, `]`, `}]`, `}}`, `]}`, `"}}`,
}

var passes = []pass{
	{name: "strip_fences", apply: stripCodeFences},
	{name: "strip_comments", apply: stripComments},
	{name: "normalize_literals", apply: normalizeLiterals},
	{name: "drop_trailing_separators", apply: dropTrailingSeparators},
	{name: "quote_bare_keys", apply: quoteBareKeys},
}

// Repair runs the pass ladder with no schema.
func Repair(raw string) Result {
	return (&Pipeline{}).Repair(raw)
}

// Repair converts raw into a structured value or the tagged raw fallback.
// It never returns an error: callers inspect Result.Fallback.
func (p *Pipeline) Repair(raw string) Result {
	res := Result{}
	text := strings.TrimSpace(raw)

	if v, ok := parseStructured(text); ok {
		res.Value = v
		p.validate(&res)
		return res
	}

	for _, ps := range passes {
		next := ps.apply(text)
		if next == text {
			continue
		}
		text = next
		res.Applied = append(res.Applied, ps.name)
		if v, ok := parseStructured(text); ok {
			res.Value = v
			p.validate(&res)
			return res
		}
	}

	// Truncated payloads: try appending closing sequences.
	for _, suffix := range closingSuffixes {
		if v, ok := parseStructured(text + suffix); ok {
			res.Applied = append(res.Applied, "complete_brackets")
			res.Value = v
			p.validate(&res)
			return res
		}
	}

	res.Value = map[string]any{RawKey: raw}
	res.Fallback = true
	return res
}

// CompileSchema compiles a JSON Schema document for use as Pipeline.Schema.
func CompileSchema(doc string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", strings.NewReader(doc)); err != nil {
		return nil, err
	}
	return c.Compile("schema.json")
}

func (p *Pipeline) validate(res *Result) {
	if p == nil || p.Schema == nil {
		return
	}
	if err := p.Schema.Validate(res.Value); err != nil {
		res.SchemaIssues = append(res.SchemaIssues, err.Error())
	}
}

// parseStructured accepts only map or array payloads; scalars are not
// considered repaired structured values.
func parseStructured(text string) (any, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, false
	}
	if trimmed[0] != '{' && trimmed[0] != '[' {
		return nil, false
	}
	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		return nil, false
	}
	switch v.(type) {
	case map[string]any, []any:
		return v, true
	default:
		return nil, false
	}
}

// stripCodeFences removes a surrounding markdown fence (``` or ```json).
func stripCodeFences(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return text
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.Index(trimmed, "\n"); idx >= 0 {
		trimmed = trimmed[idx+1:]
	}
	if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	return strings.TrimSpace(trimmed)
}

// scanOutsideStrings rewrites text rune by rune, invoking fn only for indexes
// outside double-quoted strings. fn returns the number of input runes consumed
// (0 means copy the current rune as-is).
func scanOutsideStrings(text string, fn func(runes []rune, i int, out *strings.Builder) int) string {
	runes := []rune(text)
	var out strings.Builder
	out.Grow(len(text))
	inString := false
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if inString {
			out.WriteRune(r)
			if r == '\\' && i+1 < len(runes) {
				i++
				out.WriteRune(runes[i])
				continue
			}
			if r == '"' {
				inString = false
			}
			continue
		}
		if r == '"' {
			inString = true
			out.WriteRune(r)
			continue
		}
		if n := fn(runes, i, &out); n > 0 {
			i += n - 1
			continue
		}
		out.WriteRune(r)
	}
	return out.String()
}

// stripComments removes //, # line comments and /* */ block comments that
// appear outside strings.
func stripComments(text string) string {
	return scanOutsideStrings(text, func(runes []rune, i int, out *strings.Builder) int {
		switch runes[i] {
		case '/':
			if i+1 < len(runes) && runes[i+1] == '/' {
				return skipToLineEnd(runes, i)
			}
			if i+1 < len(runes) && runes[i+1] == '*' {
				for j := i + 2; j+1 < len(runes); j++ {
					if runes[j] == '*' && runes[j+1] == '/' {
						return j + 2 - i
					}
				}
				return len(runes) - i
			}
		case '#':
			return skipToLineEnd(runes, i)
		}
		return 0
	})
}

func skipToLineEnd(runes []rune, i int) int {
	for j := i; j < len(runes); j++ {
		if runes[j] == '\n' {
			return j - i
		}
	}
	return len(runes) - i
}

var literalReplacements = map[string]string{
	"True":  "true",
	"TRUE":  "true",
	"False": "false",
	"FALSE": "false",
	"None":  "null",
	"NULL":  "null",
	"Null":  "null",
	"nil":   "null",
}

// normalizeLiterals rewrites alternate boolean/null spellings outside strings.
func normalizeLiterals(text string) string {
	return scanOutsideStrings(text, func(runes []rune, i int, out *strings.Builder) int {
		if i > 0 && isWordRune(runes[i-1]) {
			return 0
		}
		for word, repl := range literalReplacements {
			if matchWord(runes, i, word) {
				out.WriteString(repl)
				return len(word)
			}
		}
		return 0
	})
}

func matchWord(runes []rune, i int, word string) bool {
	w := []rune(word)
	if i+len(w) > len(runes) {
		return false
	}
	for j, r := range w {
		if runes[i+j] != r {
			return false
		}
	}
	return i+len(w) == len(runes) || !isWordRune(runes[i+len(w)])
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}

// dropTrailingSeparators removes commas that directly precede a closing
// bracket or brace.
func dropTrailingSeparators(text string) string {
	return scanOutsideStrings(text, func(runes []rune, i int, out *strings.Builder) int {
		if runes[i] != ',' {
			return 0
		}
		for j := i + 1; j < len(runes); j++ {
			if unicode.IsSpace(runes[j]) {
				continue
			}
			if runes[j] == ']' || runes[j] == '}' {
				return 1 // drop the comma, keep scanning from the whitespace
			}
			return 0
		}
		return 1 // trailing comma at end of input
	})
}

// quoteBareKeys wraps identifier-style keys in double quotes. A bare key is an
// identifier that follows '{' or ',' and precedes ':'.
func quoteBareKeys(text string) string {
	return scanOutsideStrings(text, func(runes []rune, i int, out *strings.Builder) int {
		if runes[i] != '{' && runes[i] != ',' {
			return 0
		}
		out.WriteRune(runes[i])
		j := i + 1
		for j < len(runes) && unicode.IsSpace(runes[j]) {
			out.WriteRune(runes[j])
			j++
		}
		start := j
		for j < len(runes) && isWordRune(runes[j]) {
			j++
		}
		if j == start {
			return j - i
		}
		k := j
		for k < len(runes) && unicode.IsSpace(runes[k]) {
			k++
		}
		if k >= len(runes) || runes[k] != ':' {
			out.WriteString(string(runes[start:j]))
			return j - i
		}
		out.WriteRune('"')
		out.WriteString(string(runes[start:j]))
		out.WriteRune('"')
		return j - i
	})
}
