package core

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Repairer fixes the malformed plan JSON some models emit. It is a sequence
// of named passes applied in a fixed order; every pass is a pure function of
// its input and the whole pipeline is idempotent. The contract is append or
// replace only: passes never delete content, with the exception of fence
// markers, redundant whitespace around delimiters and trailing commas, which
// are wrappers rather than content.
type Repairer struct {
	passes []repairPass
}

type repairPass struct {
	name  string
	apply func(string) string
}

// NewRepairer builds the pipeline. aliases maps known-wrong tool-name
// literals to canonical tool names (see DefaultToolAliases).
func NewRepairer(aliases map[string]string) *Repairer {
	return &Repairer{passes: []repairPass{
		{"strip_code_fences", stripCodeFences},
		{"fill_empty_keys", fillEmptyKeys},
		{"normalize_delimiters", normalizeDelimiters},
		{"insert_missing_colons", insertMissingColons},
		{"canonicalize_tool_names", canonicalizeToolNames(aliases)},
		{"close_dangling_quote", closeDanglingQuote},
		{"balance_brackets", balanceBrackets},
		{"strip_trailing_commas", stripTrailingCommas},
		{"quote_bare_tokens", quoteBareTokens},
	}}
}

// Repair applies every pass in order.
func (r *Repairer) Repair(s string) string {
	for _, p := range r.passes {
		s = p.apply(s)
	}
	return s
}

// PassNames returns the pass names in application order.
func (r *Repairer) PassNames() []string {
	names := make([]string, len(r.passes))
	for i, p := range r.passes {
		names[i] = p.name
	}
	return names
}

// DefaultToolAliases maps tool-name literals that models are known to invent
// onto the canonical built-in names.
func DefaultToolAliases() map[string]string {
	return map[string]string{
		"list_dir":    "list_directory",
		"list_files":  "list_directory",
		"read":        "read_file",
		"write":       "write_file",
		"delete":      "delete_file",
		"remove_file": "delete_file",
		"shell":       "execute_command",
		"run_command": "execute_command",
		"fetch_url":   "web_fetch",
		"browse":      "web_fetch",
	}
}

// stripCodeFences drops markdown code-fence wrappers (```json / ```).
func stripCodeFences(s string) string {
	s = strings.ReplaceAll(s, "```json", "")
	return strings.ReplaceAll(s, "```", "")
}

var (
	emptyKeyArrayRe  = regexp.MustCompile(`""\s*:\s*\[`)
	emptyKeyObjectRe = regexp.MustCompile(`""\s*:\s*\{`)
)

// fillEmptyKeys replaces empty-string object keys with their contextually
// inferred name: "steps" before an array, "parameters" before an object.
func fillEmptyKeys(s string) string {
	s = emptyKeyArrayRe.ReplaceAllString(s, `"steps": [`)
	return emptyKeyObjectRe.ReplaceAllString(s, `"parameters": {`)
}

var (
	arrayObjGapRe = regexp.MustCompile(`\[\s+\{`)
	commaObjGapRe = regexp.MustCompile(`,\s+\{`)
)

// normalizeDelimiters collapses spacing around array/object delimiters so the
// later passes see a predictable shape.
func normalizeDelimiters(s string) string {
	s = arrayObjGapRe.ReplaceAllString(s, "[{")
	return commaObjGapRe.ReplaceAllString(s, ",{")
}

var adjacentQuotedRe = regexp.MustCompile(`"\s+"`)

// insertMissingColons inserts the missing ": " between adjacent quoted
// tokens, e.g. `"id" "1"` becomes `"id": "1"`.
func insertMissingColons(s string) string {
	return adjacentQuotedRe.ReplaceAllString(s, `": "`)
}

// canonicalizeToolNames rewrites quoted alias literals to canonical names.
// Aliases are applied in sorted order so the pass is deterministic.
func canonicalizeToolNames(aliases map[string]string) func(string) string {
	keys := make([]string, 0, len(aliases))
	for k := range aliases {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return func(s string) string {
		for _, k := range keys {
			s = strings.ReplaceAll(s, `"`+k+`"`, `"`+aliases[k]+`"`)
		}
		return s
	}
}

// closeDanglingQuote appends one closing quote when the unescaped quote count
// is odd (assume a truncated string).
func closeDanglingQuote(s string) string {
	count := 0
	escaped := false
	for i := 0; i < len(s); i++ {
		if escaped {
			escaped = false
			continue
		}
		switch s[i] {
		case '\\':
			escaped = true
		case '"':
			count++
		}
	}
	if count%2 == 1 {
		s += `"`
	}
	return s
}

// balanceBrackets appends the closing braces/brackets a truncated response is
// missing. It scans outside string literals, keeps a stack of expected
// closers and appends whatever is still open. It never removes characters.
func balanceBrackets(s string) string {
	var stack []byte
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inString {
			if escaped {
				escaped = false
				continue
			}
			switch ch {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if n := len(stack); n > 0 && stack[n-1] == ch {
				stack = stack[:n-1]
			}
		}
	}
	for i := len(stack) - 1; i >= 0; i-- {
		s += string(stack[i])
	}
	return s
}

var trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)

// stripTrailingCommas removes commas that directly precede a closing brace
// or bracket.
func stripTrailingCommas(s string) string {
	return trailingCommaRe.ReplaceAllString(s, "$1")
}

// quoteBareTokens is a single character-scan pass that quotes any unquoted
// token that is either immediately followed by ':' (a key) or immediately
// preceded by ':' (a value). Already-quoted strings pass through untouched;
// escape sequences are tracked. JSON literals (numbers, true/false/null) in
// value position keep their type.
func quoteBareTokens(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 16)
	inString, escaped := false, false
	lastSig := byte(0)
	i := 0
	for i < len(s) {
		ch := s[i]
		if inString {
			b.WriteByte(ch)
			if escaped {
				escaped = false
			} else if ch == '\\' {
				escaped = true
			} else if ch == '"' {
				inString = false
			}
			i++
			continue
		}
		switch {
		case ch == '"':
			inString = true
			b.WriteByte(ch)
			lastSig = ch
			i++
		case isBareTokenChar(ch):
			j := i
			for j < len(s) && isBareTokenChar(s[j]) {
				j++
			}
			token := s[i:j]
			k := j
			for k < len(s) && isSpace(s[k]) {
				k++
			}
			isKey := k < len(s) && s[k] == ':'
			isValue := lastSig == ':'
			if isKey || (isValue && !isJSONLiteral(token)) {
				b.WriteByte('"')
				b.WriteString(token)
				b.WriteByte('"')
			} else {
				b.WriteString(token)
			}
			lastSig = token[len(token)-1]
			i = j
		default:
			b.WriteByte(ch)
			if !isSpace(ch) {
				lastSig = ch
			}
			i++
		}
	}
	return b.String()
}

func isBareTokenChar(ch byte) bool {
	switch {
	case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
		return true
	case ch == '_', ch == '-', ch == '.', ch == '+':
		return true
	}
	return false
}

func isSpace(ch byte) bool {
	return ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r'
}

func isJSONLiteral(token string) bool {
	switch token {
	case "true", "false", "null":
		return true
	}
	_, err := strconv.ParseFloat(token, 64)
	return err == nil
}
