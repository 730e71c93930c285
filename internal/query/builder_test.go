package query

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbisgis/orbisdata/internal/domain"
)

func TestBuild(t *testing.T) {
	tests := []struct {
		name     string
		builder  *Builder
		wantSQL  string
		wantArgs []any
	}{
		{
			name:    "star",
			builder: Select().From("roads"),
			wantSQL: "SELECT * FROM roads",
		},
		{
			name:    "columns",
			builder: Select("id", "name").From("roads"),
			wantSQL: "SELECT id, name FROM roads",
		},
		{
			name:     "single where",
			builder:  Select().From("roads").Where("type = ?", "highway"),
			wantSQL:  "SELECT * FROM roads WHERE type = ?",
			wantArgs: []any{"highway"},
		},
		{
			name: "and or",
			builder: Select("id").From("roads").
				Where("type = ?", "highway").
				And("lanes > ?", 2).
				Or("name LIKE ?", "A%"),
			wantSQL:  "SELECT id FROM roads WHERE (type = ?) AND (lanes > ?) OR (name LIKE ?)",
			wantArgs: []any{"highway", 2, "A%"},
		},
		{
			name: "group order limit offset",
			builder: Select("type", "count(*)").From("roads").
				GroupBy("type").
				OrderBy("type", Desc).
				OrderBy("count(*)", "").
				Limit(10).
				Offset(20),
			wantSQL: "SELECT type, count(*) FROM roads GROUP BY type ORDER BY type DESC, count(*) LIMIT 10 OFFSET 20",
		},
		{
			name:    "limit zero means no limit",
			builder: Select().From("roads").Limit(0),
			wantSQL: "SELECT * FROM roads",
		},
		{
			name:    "several tables",
			builder: Select("a.id").From("a", "b").Where("a.id = b.id"),
			wantSQL: "SELECT a.id FROM a, b WHERE a.id = b.id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, args, err := tt.builder.Build()
			require.NoError(t, err)
			assert.Equal(t, tt.wantSQL, sql)
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}

func TestBuildErrors(t *testing.T) {
	tests := []struct {
		name    string
		builder *Builder
	}{
		{"missing from", Select("id")},
		{"negative limit", Select().From("t").Limit(-1)},
		{"negative offset", Select().From("t").Offset(-5)},
		{"placeholder mismatch", Select().From("t").Where("a = ? AND b = ?", 1)},
		{"bad direction", Select().From("t").OrderBy("a", "SIDEWAYS")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := tt.builder.Build()
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrInvalidInput))
		})
	}
}

func TestBuildCount(t *testing.T) {
	sql, args, err := Select("id").From("roads").Where("lanes > ?", 1).BuildCount()
	require.NoError(t, err)
	assert.Equal(t, "SELECT COUNT(*) FROM (SELECT id FROM roads WHERE lanes > ?) AS q", sql)
	assert.Equal(t, []any{1}, args)
}

func TestApply(t *testing.T) {
	b := Select().From("roads").Apply(Options{
		Columns: []string{"id"},
		Where:   "lanes >= ?",
		Args:    []any{2},
		OrderBy: []Order{{Column: "id", Direction: Desc}},
		Limit:   5,
	})

	sql, args, err := b.Build()
	require.NoError(t, err)
	assert.Equal(t, "SELECT id FROM roads WHERE lanes >= ? ORDER BY id DESC LIMIT 5", sql)
	assert.Equal(t, []any{2}, args)
}

func TestClone(t *testing.T) {
	base := Select("id").From("roads")
	clone := base.Clone().Where("id = ?", 1)

	assert.Equal(t, "SELECT id FROM roads", base.String())
	assert.Equal(t, "SELECT id FROM roads WHERE id = ?", clone.String())
}

type fakeRunner struct {
	sql  string
	args []any
	rows []domain.Row
}

func (f *fakeRunner) Rows(_ context.Context, sql string, args ...any) ([]domain.Row, error) {
	f.sql, f.args = sql, args
	return f.rows, nil
}

func (f *fakeRunner) FirstRow(_ context.Context, sql string, args ...any) (domain.Row, error) {
	f.sql, f.args = sql, args
	if len(f.rows) == 0 {
		return domain.Row{}, domain.ErrRowNotFound
	}
	return f.rows[0], nil
}

func (f *fakeRunner) EachRow(_ context.Context, sql string, fn func(domain.Row) error, args ...any) error {
	f.sql, f.args = sql, args
	for _, r := range f.rows {
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

func TestBoundBuilder(t *testing.T) {
	ctx := context.Background()
	runner := &fakeRunner{rows: []domain.Row{
		domain.NewRow([]string{"n"}, []any{int64(42)}),
	}}

	count, err := Select().From("roads").Bind(runner).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(42), count)
	assert.Equal(t, "SELECT COUNT(*) FROM (SELECT * FROM roads) AS q", runner.sql)

	rows, err := Select("id").From("roads").Where("id = ?", 7).Bind(runner).Rows(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.Equal(t, []any{7}, runner.args)

	stop := errors.New("stop")
	err = Select().From("roads").Bind(runner).EachRow(ctx, func(domain.Row) error { return stop })
	assert.ErrorIs(t, err, stop)
}

func TestUnboundBuilder(t *testing.T) {
	_, err := Select().From("roads").Rows(context.Background())
	assert.ErrorIs(t, err, ErrNoRunner)
}

func TestBuilderTable(t *testing.T) {
	_, err := Select().From("roads").Table()
	assert.ErrorIs(t, err, ErrNoRunner)

	_, err = Select().From("roads").Bind(&fakeRunner{}).Table()
	assert.ErrorIs(t, err, domain.ErrUnsupported)
}
