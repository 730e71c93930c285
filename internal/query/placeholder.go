package query

import (
	"strconv"
	"strings"
)

// PlaceholderFunc renders the n-th (1-based) bind placeholder.
type PlaceholderFunc func(n int) string

// QuestionMark renders "?" placeholders.
func QuestionMark(int) string { return "?" }

// Dollar renders PostgreSQL "$n" placeholders.
func Dollar(n int) string { return "$" + strconv.Itoa(n) }

// Rebind rewrites the "?" placeholders of sql using ph.
// Question marks inside quoted strings, quoted identifiers and comments are
// left untouched.
func Rebind(sql string, ph PlaceholderFunc) string {
	if ph == nil || !strings.Contains(sql, "?") {
		return sql
	}

	var (
		sb strings.Builder
		n  int
	)
	sb.Grow(len(sql) + 8)
	scan(sql, func(i int) {
		n++
		sb.WriteString(ph(n))
	}, func(chunk string) {
		sb.WriteString(chunk)
	})
	return sb.String()
}

// CountPlaceholders returns the number of "?" placeholders in sql.
func CountPlaceholders(sql string) int {
	if !strings.Contains(sql, "?") {
		return 0
	}
	n := 0
	scan(sql, func(int) { n++ }, func(string) {})
	return n
}

// scan walks sql calling onMark for every bind marker and onText for the
// text between them.
func scan(sql string, onMark func(i int), onText func(string)) {
	start := 0
	for i := 0; i < len(sql); i++ {
		switch c := sql[i]; c {
		case '\'', '"':
			j := i + 1
			for j < len(sql) {
				if sql[j] == c {
					if j+1 < len(sql) && sql[j+1] == c {
						j += 2
						continue
					}
					break
				}
				j++
			}
			i = j
		case '-':
			if i+1 < len(sql) && sql[i+1] == '-' {
				for i < len(sql) && sql[i] != '\n' {
					i++
				}
			}
		case '/':
			if i+1 < len(sql) && sql[i+1] == '*' {
				end := strings.Index(sql[i+2:], "*/")
				if end < 0 {
					i = len(sql)
				} else {
					i += end + 3
				}
			}
		case '?':
			onText(sql[start:i])
			onMark(i)
			start = i + 1
		}
	}
	if start < len(sql) {
		onText(sql[start:])
	}
}

// Quote quotes an identifier with double quotes, doubling embedded quotes.
func Quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// QuoteAll quotes each identifier.
func QuoteAll(idents []string) []string {
	out := make([]string, len(idents))
	for i, id := range idents {
		out[i] = Quote(id)
	}
	return out
}
