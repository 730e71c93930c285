package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/paulmach/orb/geojson"

	"github.com/orbisgis/orbisdata/internal/application"
	"github.com/orbisgis/orbisdata/internal/domain"
	"github.com/orbisgis/orbisdata/internal/query"
)

// handleHealth returns detailed health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	details := s.health.GetHealthDetails(r.Context())

	status := http.StatusOK
	if !details.Healthy {
		status = http.StatusServiceUnavailable
	}

	s.writeJSON(w, status, map[string]interface{}{
		"status":        boolToStatus(details.Healthy),
		"ready":         details.Ready,
		"tables_loaded": details.TablesLoaded,
		"tables_ready":  details.TablesReady,
		"components":    details.Components,
	})
}

// handleLiveness returns liveness status.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if s.health.IsHealthy(r.Context()) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	} else {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
	}
}

// handleReadiness returns readiness status.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.health.IsReady(r.Context()) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	} else {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
	}
}

// handleListTables returns the summaries of all tables.
func (s *Server) handleListTables(w http.ResponseWriter, r *http.Request) {
	tables, err := s.queryService.ListTables(r.Context())
	if err != nil {
		s.handleError(w, err)
		return
	}

	response := make([]map[string]interface{}, len(tables))
	for i := range tables {
		response[i] = formatTable(&tables[i])
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"tables": response,
		"count":  len(tables),
	})
}

// handleDescribeTable returns the summary of one table.
func (s *Server) handleDescribeTable(w http.ResponseWriter, r *http.Request) {
	sum, err := s.queryService.DescribeTable(r.Context(), mux.Vars(r)["table"])
	if err != nil {
		s.handleError(w, err)
		return
	}

	resp := formatTable(sum)
	resp["columns"] = sum.Columns
	resp["geometry_columns"] = sum.GeometryColumns
	s.writeJSON(w, http.StatusOK, resp)
}

// handleRows returns the rows of a table.
func (s *Server) handleRows(w http.ResponseWriter, r *http.Request) {
	table := mux.Vars(r)["table"]
	opts, err := s.parseTableQuery(r.Context(), table, r.URL.Query())
	if err != nil {
		s.handleError(w, err)
		return
	}

	result, err := s.queryService.Rows(r.Context(), table, opts)
	if err != nil {
		s.handleError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, result)
}

// handleFeatures returns a spatial table as a GeoJSON feature collection.
func (s *Server) handleFeatures(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	srid := 0
	if v := q.Get("srid"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid srid parameter")
			return
		}
		srid = n
	}
	q.Del("srid")

	table := mux.Vars(r)["table"]
	opts, err := s.parseTableQuery(r.Context(), table, q)
	if err != nil {
		s.handleError(w, err)
		return
	}

	fc, err := s.queryService.Features(r.Context(), table, opts, srid)
	if err != nil {
		s.handleError(w, err)
		return
	}

	s.writeGeoJSON(w, fc)
}

// handleListCatalog returns the files imported from storage.
func (s *Server) handleListCatalog(w http.ResponseWriter, r *http.Request) {
	entries, err := s.catalog.List(r.Context())
	if err != nil {
		s.handleError(w, err)
		return
	}

	response := make([]map[string]interface{}, len(entries))
	for i := range entries {
		response[i] = formatCatalogEntry(&entries[i])
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": response,
		"count":   len(entries),
	})
}

// handleGetCatalogEntry returns one imported file.
func (s *Server) handleGetCatalogEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := s.catalog.Get(r.Context(), mux.Vars(r)["table"])
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, formatCatalogEntry(entry))
}

// handleSync handles the sync trigger endpoint.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	result, err := s.syncService.TriggerSync(r.Context())
	if err != nil {
		if errors.Is(err, application.ErrRateLimited) {
			w.Header().Set("Retry-After", "30")
			s.writeError(w, http.StatusTooManyRequests, "Rate limit exceeded. Try again in 30 seconds.")
			return
		}
		s.logger.Error("sync failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Sync failed")
		return
	}

	s.writeJSON(w, http.StatusOK, result)
}

// handleOpenAPI returns the OpenAPI specification.
func (s *Server) handleOpenAPI(w http.ResponseWriter, _ *http.Request) {
	spec, err := getOpenAPIJSON()
	if err != nil {
		s.logger.Error("failed to get OpenAPI spec", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to load OpenAPI specification")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(spec)
}

// parseTableQuery maps the columns, where, groupBy, orderBy and limit
// parameters to query options. orderBy takes "column" or "column:desc"
// items separated by commas. Unless server.allow_where is set, columns,
// groupBy and orderBy must name columns of the table.
func (s *Server) parseTableQuery(ctx context.Context, table string, q url.Values) (query.Options, error) {
	m := make(map[string]any, len(q))
	for key := range q {
		switch key {
		case query.OptOrderBy:
		case query.OptWhere:
			if !s.config.AllowWhere {
				return query.Options{}, &domain.ValidationError{
					Field:      key,
					Value:      q.Get(key),
					Constraint: "server.allow_where",
					Message:    "where clauses are disabled",
				}
			}
			m[key] = q.Get(key)
		default:
			m[key] = q.Get(key)
		}
	}

	opts, err := query.ParseOptions(m)
	if err != nil {
		return query.Options{}, err
	}

	if v := q.Get(query.OptOrderBy); v != "" {
		for _, item := range strings.Split(v, ",") {
			item = strings.TrimSpace(item)
			if item == "" {
				continue
			}
			col, dir, _ := strings.Cut(item, ":")
			d, err := query.ParseDirection(dir)
			if err != nil {
				return query.Options{}, err
			}
			opts.OrderBy = append(opts.OrderBy, query.Order{Column: col, Direction: d})
		}
	}

	if !s.config.AllowWhere {
		if err := s.restrictToColumns(ctx, table, &opts); err != nil {
			return query.Options{}, err
		}
	}
	return opts, nil
}

// restrictToColumns replaces the column names of opts by the quoted names
// of the table columns they match, case-insensitively.
func (s *Server) restrictToColumns(ctx context.Context, table string, opts *query.Options) error {
	if len(opts.Columns) == 0 && len(opts.GroupBy) == 0 && len(opts.OrderBy) == 0 {
		return nil
	}
	sum, err := s.queryService.DescribeTable(ctx, table)
	if err != nil {
		return err
	}

	resolve := func(field, name string) (string, error) {
		for _, c := range sum.Columns {
			if strings.EqualFold(c.Name, name) {
				return query.Quote(c.Name), nil
			}
		}
		return "", &domain.ValidationError{
			Field:      field,
			Value:      name,
			Constraint: "column of " + sum.Name,
			Message:    "unknown column",
		}
	}

	for i, c := range opts.Columns {
		if opts.Columns[i], err = resolve(query.OptColumns, c); err != nil {
			return err
		}
	}
	for i, c := range opts.GroupBy {
		if opts.GroupBy[i], err = resolve(query.OptGroupBy, c); err != nil {
			return err
		}
	}
	for i, o := range opts.OrderBy {
		if opts.OrderBy[i].Column, err = resolve(query.OptOrderBy, o.Column); err != nil {
			return err
		}
	}
	return nil
}

// formatTable formats a table summary for JSON output.
func formatTable(sum *domain.TableSummary) map[string]interface{} {
	out := map[string]interface{}{
		"name":         sum.Name,
		"row_count":    sum.RowCount,
		"spatial":      sum.IsSpatial(),
		"column_count": len(sum.Columns),
	}
	if sum.IsSpatial() {
		g := sum.GeometryColumns[0]
		out["geometry_column"] = g.Name
		out["geometry_type"] = g.GeometryType
		out["srid"] = g.SRID
	}
	if sum.Extent != nil {
		out["extent"] = map[string]interface{}{
			"min_x": sum.Extent.MinX,
			"min_y": sum.Extent.MinY,
			"max_x": sum.Extent.MaxX,
			"max_y": sum.Extent.MaxY,
		}
	}
	return out
}

// formatCatalogEntry formats a catalog entry for JSON output.
func formatCatalogEntry(e *domain.CatalogEntry) map[string]interface{} {
	out := map[string]interface{}{
		"table":   e.Table,
		"key":     e.Key,
		"format":  e.Format,
		"size":    e.Size,
		"rows":    e.Rows,
		"indexed": e.Indexed,
		"status":  e.Status,
		"ready":   e.IsReady(),
	}
	if !e.LoadedAt.IsZero() {
		out["loaded_at"] = e.LoadedAt
	}
	if e.Error != "" {
		out["error"] = e.Error
	}
	return out
}

// handleError maps domain errors to HTTP status codes.
func (s *Server) handleError(w http.ResponseWriter, err error) {
	var validationErr *domain.ValidationError
	switch {
	case errors.As(err, &validationErr):
		s.writeError(w, http.StatusBadRequest, validationErr.Message)
	case errors.Is(err, domain.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidInput):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrUnsupported):
		s.writeError(w, http.StatusNotImplemented, err.Error())
	case errors.Is(err, domain.ErrConflict):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrUnavailable):
		s.writeError(w, http.StatusServiceUnavailable, "Data source unavailable")
	default:
		s.logger.Error("request failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Query failed")
	}
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeGeoJSON writes a feature collection.
func (s *Server) writeGeoJSON(w http.ResponseWriter, fc *geojson.FeatureCollection) {
	data, err := fc.MarshalJSON()
	if err != nil {
		s.handleError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]interface{}{
		"error":   http.StatusText(status),
		"message": message,
	})
}

func boolToStatus(b bool) string {
	if b {
		return "ok"
	}
	return "unhealthy"
}
