package datasource

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
)

// ExecuteScript runs the statements of a SQL script in one transaction and
// returns the number of executed statements.
func (ds *DataSource) ExecuteScript(ctx context.Context, r io.Reader) (int, error) {
	src, err := io.ReadAll(r)
	if err != nil {
		return 0, fmt.Errorf("reading script: %w", err)
	}
	stmts := SplitStatements(string(src))

	n := 0
	err = ds.Transaction(ctx, func(tx *Tx) error {
		for _, stmt := range stmts {
			if _, err := tx.Execute(ctx, stmt); err != nil {
				return fmt.Errorf("statement %d: %w", n+1, err)
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	ds.logger.Info("script executed", "statements", n)
	return n, nil
}

// ExecuteScriptFile runs the SQL script stored at path.
func (ds *DataSource) ExecuteScriptFile(ctx context.Context, path string) (int, error) {
	f, err := os.Open(path) //#nosec G304 -- path is provided by the user
	if err != nil {
		return 0, fmt.Errorf("opening script: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ds.ExecuteScript(ctx, f)
}

// SplitStatements splits a script on semicolons that are outside of quoted
// strings, quoted identifiers and comments. Comments are removed and empty
// statements dropped.
func SplitStatements(script string) []string {
	var (
		out  []string
		cur  strings.Builder
		in   byte // current quote character, 0 outside quotes
		runs = []rune(script)
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}

	for i := 0; i < len(runs); i++ {
		c := runs[i]
		next := rune(0)
		if i+1 < len(runs) {
			next = runs[i+1]
		}

		if in != 0 {
			cur.WriteRune(c)
			if c == rune(in) {
				// doubled quote escapes itself
				if next == rune(in) {
					cur.WriteRune(next)
					i++
					continue
				}
				in = 0
			}
			continue
		}

		switch {
		case c == '\'' || c == '"':
			in = byte(c)
			cur.WriteRune(c)
		case c == '-' && next == '-':
			for i < len(runs) && runs[i] != '\n' {
				i++
			}
			cur.WriteRune('\n')
		case c == '/' && next == '*':
			i += 2
			for i < len(runs) && !(runs[i] == '*' && i+1 < len(runs) && runs[i+1] == '/') {
				i++
			}
			i++
			cur.WriteRune(' ')
		case c == ';':
			flush()
		default:
			cur.WriteRune(c)
		}
	}
	flush()
	return out
}
