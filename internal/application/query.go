package application

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/paulmach/orb/geojson"

	"github.com/orbisgis/orbisdata/internal/domain"
	"github.com/orbisgis/orbisdata/internal/ports/input"
	"github.com/orbisgis/orbisdata/internal/ports/output"
	"github.com/orbisgis/orbisdata/internal/query"
)

var _ input.QueryService = (*QueryService)(nil)

// QueryService answers table queries against the data source.
type QueryService struct {
	store       output.SpatialStore
	transformer output.GeometryTransformer
	logger      *slog.Logger
	maxRows     int
}

// QueryServiceConfig holds configuration for the query service.
type QueryServiceConfig struct {
	// MaxRows caps the rows returned by one request.
	MaxRows int
}

// NewQueryService creates a new query service. transformer may be nil, in
// which case reprojected features are not available.
func NewQueryService(
	store output.SpatialStore,
	transformer output.GeometryTransformer,
	logger *slog.Logger,
	cfg QueryServiceConfig,
) *QueryService {
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &QueryService{
		store:       store,
		transformer: transformer,
		logger:      logger,
		maxRows:     cfg.MaxRows,
	}
}

// MaxRows returns the row cap of one request.
func (s *QueryService) MaxRows() int {
	return s.maxRows
}

// ListTables returns the summaries of all user tables. Tables that cannot
// be described are skipped.
func (s *QueryService) ListTables(ctx context.Context) ([]domain.TableSummary, error) {
	names, err := s.store.TableNames(ctx, "")
	if err != nil {
		return nil, err
	}

	summaries := make([]domain.TableSummary, 0, len(names))
	for _, name := range names {
		sum, err := s.store.Summary(ctx, name)
		if err != nil {
			s.logger.Warn("failed to describe table", "table", name, "error", err)
			continue
		}
		summaries = append(summaries, *sum)
	}
	return summaries, nil
}

// DescribeTable returns the summary of one table.
func (s *QueryService) DescribeTable(ctx context.Context, table string) (*domain.TableSummary, error) {
	if err := s.checkTable(ctx, table); err != nil {
		return nil, err
	}
	return s.store.Summary(ctx, table)
}

func (s *QueryService) checkTable(ctx context.Context, table string) error {
	ok, err := s.store.HasTable(ctx, table)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrTableNotFound, table)
	}
	return nil
}

// capped returns opts with a limit of one more row than allowed, so that
// truncation can be detected.
func (s *QueryService) capped(opts query.Options) (query.Options, int) {
	limit := s.maxRows
	if opts.Limit > 0 && opts.Limit < limit {
		limit = opts.Limit
	}
	opts.Limit = limit + 1
	return opts, limit
}

// Rows returns the rows of a table matching the options. Geometry values
// are returned as GeoJSON geometries.
func (s *QueryService) Rows(ctx context.Context, table string, opts query.Options) (*input.RowsResult, error) {
	sum, err := s.DescribeTable(ctx, table)
	if err != nil {
		return nil, err
	}

	opts, limit := s.capped(opts)
	rows, err := s.store.Filter(ctx, table, opts)
	if err != nil {
		return nil, err
	}

	result := &input.RowsResult{Table: sum.Name}
	if len(rows) > limit {
		rows = rows[:limit]
		result.Truncated = true
	}

	if len(rows) > 0 {
		result.Columns = rows[0].Columns()
	} else {
		for _, c := range sum.Columns {
			if len(opts.Columns) == 0 || slices.ContainsFunc(opts.Columns, func(n string) bool {
				return strings.EqualFold(n, c.Name) || n == query.Quote(c.Name)
			}) {
				result.Columns = append(result.Columns, c.Name)
			}
		}
	}

	geoms := make(map[string]bool, len(sum.GeometryColumns))
	for _, g := range sum.GeometryColumns {
		geoms[strings.ToUpper(g.Name)] = true
	}

	result.Rows = make([]map[string]any, 0, len(rows))
	for _, r := range rows {
		m := r.Map()
		for k, v := range m {
			if !geoms[strings.ToUpper(k)] {
				continue
			}
			g, err := domain.ToGeometry(v)
			if err != nil {
				return nil, fmt.Errorf("decoding %s.%s: %w", table, k, err)
			}
			if g == nil {
				m[k] = nil
				continue
			}
			m[k] = geojson.NewGeometry(g)
		}
		result.Rows = append(result.Rows, m)
	}
	result.Count = len(result.Rows)
	return result, nil
}

// Features returns a spatial table as GeoJSON. A positive srid different
// from the table's reprojects the geometries.
func (s *QueryService) Features(ctx context.Context, table string, opts query.Options, srid int) (*geojson.FeatureCollection, error) {
	sum, err := s.DescribeTable(ctx, table)
	if err != nil {
		return nil, err
	}
	if !sum.IsSpatial() {
		return nil, fmt.Errorf("%w: %s", domain.ErrNoGeometryColumn, table)
	}

	opts, limit := s.capped(opts)
	fc, err := s.store.Features(ctx, table, opts)
	if err != nil {
		return nil, err
	}
	if len(fc.Features) > limit {
		fc.Features = fc.Features[:limit]
		if fc.ExtraMembers == nil {
			fc.ExtraMembers = geojson.Properties{}
		}
		fc.ExtraMembers["truncated"] = true
	}

	source := sum.GeometryColumns[0].SRID
	if srid <= 0 || srid == source {
		return fc, nil
	}
	if s.transformer == nil {
		return nil, fmt.Errorf("%w: reprojection is not available", domain.ErrUnsupported)
	}
	if source <= 0 {
		return nil, fmt.Errorf("%w: table %s has no SRID", domain.ErrInvalidSRID, table)
	}

	for _, f := range fc.Features {
		if f.Geometry == nil {
			continue
		}
		g, err := s.transformer.Transform(ctx, f.Geometry, source, srid)
		if err != nil {
			return nil, err
		}
		f.Geometry = g
	}
	return fc, nil
}
