// Package friendly compiles a small human-oriented command language into
// SQL text before the normal lexer ever sees it. A line that matches no
// command form is handed back untranslated for raw SQL execution.
package friendly

import (
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"
)

// aliases maps shorthand names to real table names, case-insensitively.
var aliases = map[string]string{
	"procs":   "ProcessTable",
	"caps":    "CapabilityTable",
	"objects": "ObjectTable",
	"msgs":    "MessageTable",
	"audit":   "AuditTable",
	"config":  "SystemTable",
	"sys":     "SystemTable",
}

// verbs lists every command verb, for "did you mean" suggestions.
var verbs = []string{
	"tables", "show", "list", "info", "count", "find", "add",
	"del", "rm", "set", "create", "open", "cat", "ps",
}

// ResolveAlias maps an alias to its table name, or returns name as-is.
func ResolveAlias(name string) string {
	if real, ok := aliases[strings.ToLower(name)]; ok {
		return real
	}
	return name
}

// Suggest returns the closest command verb to word, or "" when nothing is
// plausibly close.
func Suggest(word string) string {
	matches := fuzzy.RankFindNormalizedFold(word, verbs)
	if len(matches) == 0 {
		return ""
	}
	best := matches[0]
	for _, m := range matches[1:] {
		if m.Distance < best.Distance {
			best = m
		}
	}
	return best.Target
}

// token is one whitespace-separated word; quoted runs stay together.
type token struct {
	text  string
	start int
}

func tokenize(input string) []token {
	var toks []token
	i := 0
	for i < len(input) && len(toks) < 32 {
		for i < len(input) && input[i] == ' ' {
			i++
		}
		if i >= len(input) {
			break
		}
		start := i
		if q := input[i]; q == '\'' || q == '"' {
			i++
			for i < len(input) && input[i] != q {
				i++
			}
			if i < len(input) {
				i++
			}
		} else {
			for i < len(input) && input[i] != ' ' {
				i++
			}
		}
		toks = append(toks, token{text: input[start:i], start: start})
	}
	return toks
}

// Translate compiles one friendly line to SQL. ok is false when the line
// matches no command form; the caller should then run it as raw SQL.
func Translate(line string) (sql string, ok bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return "", false
	}
	toks := tokenize(trimmed)
	if len(toks) == 0 {
		return "", false
	}
	verb := strings.ToLower(toks[0].text)

	switch verb {
	case "tables":
		return "SHOW TABLES", true

	case "show", "list":
		if len(toks) >= 2 {
			return "SELECT * FROM " + ResolveAlias(toks[1].text), true
		}
		if verb == "list" {
			return "SELECT * FROM ObjectTable", true
		}
		return "", false

	case "info":
		if len(toks) >= 2 {
			return "DESCRIBE " + ResolveAlias(toks[1].text), true
		}
		return "", false

	case "count":
		// The shell reports the row count of the result set.
		if len(toks) >= 2 {
			return "SELECT * FROM " + ResolveAlias(toks[1].text), true
		}
		return "", false

	case "find":
		if len(toks) < 2 {
			return "", false
		}
		var b strings.Builder
		b.WriteString("SELECT * FROM ")
		b.WriteString(ResolveAlias(toks[1].text))
		if len(toks) > 2 {
			b.WriteString(" WHERE ")
			writeConds(&b, toks[2:], " AND ")
		}
		return b.String(), true

	case "add":
		if len(toks) < 3 {
			return "", false
		}
		return buildInsert(ResolveAlias(toks[1].text), toks[2:])

	case "del", "rm":
		if len(toks) >= 3 {
			var b strings.Builder
			b.WriteString("DELETE FROM ")
			b.WriteString(ResolveAlias(toks[1].text))
			b.WriteString(" WHERE ")
			writeConds(&b, toks[2:], " AND ")
			return b.String(), true
		}
		if verb == "rm" && len(toks) >= 2 {
			return "DELETE FROM ObjectTable WHERE name = '" +
				escape(unquote(toks[1].text)) + "'", true
		}
		return "", false

	case "set":
		if len(toks) < 4 {
			return "", false
		}
		return buildUpdate(ResolveAlias(toks[1].text), toks[2:])

	case "create":
		if len(toks) < 3 {
			return "", false
		}
		objType := unquote(toks[1].text)
		name := unquote(toks[2].text)
		var b strings.Builder
		b.WriteString("INSERT INTO ObjectTable (name, type")
		hasContent := len(toks) > 3
		if hasContent {
			b.WriteString(", data")
		}
		b.WriteString(") VALUES ('")
		b.WriteString(escape(name))
		b.WriteString("', '")
		b.WriteString(escape(objType))
		b.WriteString("'")
		if hasContent {
			// The rest of the line, verbatim, is the content.
			content := trimmed[toks[3].start:]
			b.WriteString(", '")
			b.WriteString(escape(content))
			b.WriteString("'")
		}
		b.WriteString(")")
		return b.String(), true

	case "open", "cat":
		if len(toks) >= 2 {
			return "SELECT * FROM ObjectTable WHERE name = '" +
				escape(unquote(toks[1].text)) + "'", true
		}
		return "", false

	case "ps":
		return "SELECT * FROM ProcessTable", true
	}

	return "", false
}

// writeConds renders col=val tokens as SQL comparisons joined by sep,
// skipping a literal "where" word and anything without '='.
func writeConds(b *strings.Builder, toks []token, sep string) {
	first := true
	for _, t := range toks {
		if strings.EqualFold(t.text, "where") {
			continue
		}
		eq := strings.IndexByte(t.text, '=')
		if eq < 0 {
			continue
		}
		if !first {
			b.WriteString(sep)
		}
		b.WriteString(t.text[:eq])
		b.WriteString(" = ")
		writeValue(b, unquote(t.text[eq+1:]))
		first = false
	}
}

func buildInsert(table string, toks []token) (string, bool) {
	var cols, vals []string
	for _, t := range toks {
		eq := strings.IndexByte(t.text, '=')
		if eq < 0 {
			continue
		}
		cols = append(cols, t.text[:eq])
		vals = append(vals, unquote(t.text[eq+1:]))
		if len(cols) == 16 {
			break
		}
	}
	if len(cols) == 0 {
		return "", false
	}
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	b.WriteString(" (")
	b.WriteString(strings.Join(cols, ", "))
	b.WriteString(") VALUES (")
	for i, v := range vals {
		if i > 0 {
			b.WriteString(", ")
		}
		writeValue(&b, v)
	}
	b.WriteString(")")
	return b.String(), true
}

func buildUpdate(table string, toks []token) (string, bool) {
	whereIdx := len(toks)
	for i, t := range toks {
		if strings.EqualFold(t.text, "where") {
			whereIdx = i
			break
		}
	}

	var b strings.Builder
	b.WriteString("UPDATE ")
	b.WriteString(table)
	b.WriteString(" SET ")
	writeAssigns(&b, toks[:whereIdx])
	if whereIdx < len(toks) {
		b.WriteString(" WHERE ")
		writeConds(&b, toks[whereIdx+1:], " AND ")
	}
	return b.String(), true
}

func writeAssigns(b *strings.Builder, toks []token) {
	first := true
	for _, t := range toks {
		eq := strings.IndexByte(t.text, '=')
		if eq < 0 {
			continue
		}
		if !first {
			b.WriteString(", ")
		}
		b.WriteString(t.text[:eq])
		b.WriteString(" = ")
		writeValue(b, unquote(t.text[eq+1:]))
		first = false
	}
}

// writeValue emits a bare number or boolean as-is; anything else is
// single-quoted with contained quotes doubled.
func writeValue(b *strings.Builder, val string) {
	if isNumeric(val) || strings.EqualFold(val, "true") || strings.EqualFold(val, "false") {
		b.WriteString(val)
		return
	}
	b.WriteString("'")
	b.WriteString(escape(val))
	b.WriteString("'")
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	start := 0
	if s[0] == '-' {
		start = 1
		if len(s) == 1 {
			return false
		}
	}
	for i := start; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func escape(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

func unquote(s string) string {
	if len(s) >= 2 {
		if q := s[0]; (q == '\'' || q == '"') && s[len(s)-1] == q {
			return s[1 : len(s)-1]
		}
	}
	return s
}
