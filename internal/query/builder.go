// Package query builds SELECT statements from chained calls.
//
// Conditions use "?" placeholders. Build numbers them in order so that a
// data source can rewrite them into its own placeholder style with Rebind.
package query

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/orbisgis/orbisdata/internal/domain"
)

// Direction is a sort direction.
type Direction string

// Sort directions.
const (
	Asc  Direction = "ASC"
	Desc Direction = "DESC"
)

// Order is one ORDER BY term.
type Order struct {
	Column    string
	Direction Direction // empty emits the column verbatim
}

func (o Order) String() string {
	if o.Direction == "" {
		return o.Column
	}
	return o.Column + " " + string(o.Direction)
}

type condition struct {
	op   string // "", "AND", "OR"
	expr string
	args []any
}

// Runner executes built statements. It is implemented by data sources.
type Runner interface {
	Rows(ctx context.Context, sql string, args ...any) ([]domain.Row, error)
	FirstRow(ctx context.Context, sql string, args ...any) (domain.Row, error)
	EachRow(ctx context.Context, sql string, fn func(domain.Row) error, args ...any) error
}

// Table is a query seen as a table.
type Table interface {
	Name() string
	ColumnNames(ctx context.Context) ([]string, error)
	RowCount(ctx context.Context) (int64, error)
	Rows(ctx context.Context) ([]domain.Row, error)
}

// Tabler is a runner that can present a built query as a table.
type Tabler interface {
	TableOf(b *Builder) (Table, error)
}

// ErrNoRunner is returned when a builder that was not bound to a data source
// is asked to run.
var ErrNoRunner = errors.New("query: builder is not bound to a data source")

// Builder accumulates the parts of a SELECT statement.
// A Builder is not safe for concurrent use.
type Builder struct {
	columns []string
	from    []string
	conds   []condition
	groupBy []string
	orderBy []Order
	limit   int
	offset  int
	err     error
	runner  Runner
}

// Select starts a builder selecting the given columns, or * when none.
func Select(columns ...string) *Builder {
	b := &Builder{}
	return b.Columns(columns...)
}

// Bind attaches a runner used by Rows, FirstRow, EachRow and Count.
func (b *Builder) Bind(r Runner) *Builder {
	b.runner = r
	return b
}

// Runner returns the bound runner, or nil.
func (b *Builder) Runner() Runner {
	return b.runner
}

// Columns appends selected columns.
func (b *Builder) Columns(columns ...string) *Builder {
	for _, c := range columns {
		if c = strings.TrimSpace(c); c != "" {
			b.columns = append(b.columns, c)
		}
	}
	return b
}

// From sets the source tables or sub-queries.
func (b *Builder) From(tables ...string) *Builder {
	b.from = append(b.from, tables...)
	return b
}

// Where adds the first condition. Calling it again behaves like And.
func (b *Builder) Where(cond string, args ...any) *Builder {
	return b.addCondition("AND", cond, args)
}

// And adds a condition joined with AND.
func (b *Builder) And(cond string, args ...any) *Builder {
	return b.addCondition("AND", cond, args)
}

// Or adds a condition joined with OR.
func (b *Builder) Or(cond string, args ...any) *Builder {
	return b.addCondition("OR", cond, args)
}

func (b *Builder) addCondition(op, cond string, args []any) *Builder {
	cond = strings.TrimSpace(cond)
	if cond == "" {
		return b
	}
	if n := CountPlaceholders(cond); n != len(args) {
		b.setErr(&domain.ValidationError{
			Field:      "where",
			Value:      cond,
			Constraint: fmt.Sprintf("%d placeholder(s)", n),
			Message:    fmt.Sprintf("got %d argument(s)", len(args)),
		})
	}
	if len(b.conds) == 0 {
		op = ""
	}
	b.conds = append(b.conds, condition{op: op, expr: cond, args: args})
	return b
}

// GroupBy appends GROUP BY columns.
func (b *Builder) GroupBy(columns ...string) *Builder {
	b.groupBy = append(b.groupBy, columns...)
	return b
}

// OrderBy appends an ORDER BY term.
func (b *Builder) OrderBy(column string, dir Direction) *Builder {
	switch dir {
	case "", Asc, Desc:
	default:
		b.setErr(&domain.ValidationError{
			Field:      "orderBy",
			Value:      dir,
			Constraint: "ASC|DESC",
			Message:    "invalid sort direction",
		})
	}
	b.orderBy = append(b.orderBy, Order{Column: column, Direction: dir})
	return b
}

// Limit caps the number of rows. Zero means no limit.
func (b *Builder) Limit(n int) *Builder {
	if n < 0 {
		b.setErr(&domain.ValidationError{
			Field:      "limit",
			Value:      n,
			Constraint: ">= 0",
			Message:    "limit must not be negative",
		})
		return b
	}
	b.limit = n
	return b
}

// Offset skips the first n rows.
func (b *Builder) Offset(n int) *Builder {
	if n < 0 {
		b.setErr(&domain.ValidationError{
			Field:      "offset",
			Value:      n,
			Constraint: ">= 0",
			Message:    "offset must not be negative",
		})
		return b
	}
	b.offset = n
	return b
}

// Apply merges options into the builder.
func (b *Builder) Apply(opts Options) *Builder {
	b.Columns(opts.Columns...)
	if opts.Where != "" {
		b.And(opts.Where, opts.Args...)
	}
	b.GroupBy(opts.GroupBy...)
	for _, o := range opts.OrderBy {
		b.OrderBy(o.Column, o.Direction)
	}
	if opts.Limit != 0 {
		b.Limit(opts.Limit)
	}
	return b
}

// Clone returns an independent copy of the builder.
func (b *Builder) Clone() *Builder {
	c := *b
	c.columns = append([]string(nil), b.columns...)
	c.from = append([]string(nil), b.from...)
	c.conds = append([]condition(nil), b.conds...)
	c.groupBy = append([]string(nil), b.groupBy...)
	c.orderBy = append([]Order(nil), b.orderBy...)
	return &c
}

func (b *Builder) setErr(err error) {
	if b.err == nil {
		b.err = err
	}
}

// Build renders the statement with "?" placeholders and its arguments.
func (b *Builder) Build() (string, []any, error) {
	if b.err != nil {
		return "", nil, b.err
	}
	if len(b.from) == 0 {
		return "", nil, &domain.ValidationError{
			Field:      "from",
			Constraint: "required",
			Message:    "no table to select from",
		}
	}

	var (
		sb   strings.Builder
		args []any
	)

	sb.WriteString("SELECT ")
	if len(b.columns) == 0 {
		sb.WriteString("*")
	} else {
		sb.WriteString(strings.Join(b.columns, ", "))
	}

	sb.WriteString(" FROM ")
	sb.WriteString(strings.Join(b.from, ", "))

	if len(b.conds) > 0 {
		sb.WriteString(" WHERE ")
		for _, c := range b.conds {
			if c.op != "" {
				sb.WriteString(" " + c.op + " ")
			}
			if len(b.conds) > 1 {
				sb.WriteString("(" + c.expr + ")")
			} else {
				sb.WriteString(c.expr)
			}
			args = append(args, c.args...)
		}
	}

	if len(b.groupBy) > 0 {
		sb.WriteString(" GROUP BY ")
		sb.WriteString(strings.Join(b.groupBy, ", "))
	}

	if len(b.orderBy) > 0 {
		terms := make([]string, len(b.orderBy))
		for i, o := range b.orderBy {
			terms[i] = o.String()
		}
		sb.WriteString(" ORDER BY ")
		sb.WriteString(strings.Join(terms, ", "))
	}

	if b.limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", b.limit)
	}
	if b.offset > 0 {
		fmt.Fprintf(&sb, " OFFSET %d", b.offset)
	}

	return sb.String(), args, nil
}

// String returns the built statement, or an empty string on error.
func (b *Builder) String() string {
	sql, _, err := b.Build()
	if err != nil {
		return ""
	}
	return sql
}

// BuildCount renders SELECT COUNT(*) over the built statement.
func (b *Builder) BuildCount() (string, []any, error) {
	sql, args, err := b.Build()
	if err != nil {
		return "", nil, err
	}
	return "SELECT COUNT(*) FROM (" + sql + ") AS q", args, nil
}

// Rows runs the statement on the bound runner.
func (b *Builder) Rows(ctx context.Context) ([]domain.Row, error) {
	if b.runner == nil {
		return nil, ErrNoRunner
	}
	sql, args, err := b.Build()
	if err != nil {
		return nil, err
	}
	return b.runner.Rows(ctx, sql, args...)
}

// FirstRow runs the statement and returns its first row.
func (b *Builder) FirstRow(ctx context.Context) (domain.Row, error) {
	if b.runner == nil {
		return domain.Row{}, ErrNoRunner
	}
	sql, args, err := b.Build()
	if err != nil {
		return domain.Row{}, err
	}
	return b.runner.FirstRow(ctx, sql, args...)
}

// EachRow runs the statement and calls fn for every row until fn fails.
func (b *Builder) EachRow(ctx context.Context, fn func(domain.Row) error) error {
	if b.runner == nil {
		return ErrNoRunner
	}
	sql, args, err := b.Build()
	if err != nil {
		return err
	}
	return b.runner.EachRow(ctx, sql, fn, args...)
}

// Table returns the statement as a table of the bound runner.
func (b *Builder) Table() (Table, error) {
	if b.runner == nil {
		return nil, ErrNoRunner
	}
	t, ok := b.runner.(Tabler)
	if !ok {
		return nil, fmt.Errorf("%w: runner cannot build tables", domain.ErrUnsupported)
	}
	return t.TableOf(b)
}

// Count returns the number of rows the statement yields.
func (b *Builder) Count(ctx context.Context) (int64, error) {
	if b.runner == nil {
		return 0, ErrNoRunner
	}
	sql, args, err := b.BuildCount()
	if err != nil {
		return 0, err
	}
	row, err := b.runner.FirstRow(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	vals := row.Values()
	if len(vals) == 0 {
		return 0, nil
	}
	return domain.ToInt64(vals[0])
}
