package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/orbisgis/orbisdata/internal/adapters/datasource"
	"github.com/orbisgis/orbisdata/internal/config"
	"github.com/orbisgis/orbisdata/internal/domain"
	"github.com/orbisgis/orbisdata/internal/pipeline"
	"github.com/orbisgis/orbisdata/internal/process"
	"github.com/orbisgis/orbisdata/internal/query"
)

func addDataCommands(root *cobra.Command) {
	root.AddCommand(
		tablesCmd(),
		describeCmd(),
		queryCmd(),
		loadCmd(),
		linkCmd(),
		saveCmd(),
		scriptCmd(),
		runCmd(),
		processesCmd(),
	)
}

func tablesCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "tables",
		Short: "List the tables of the data source",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pf, err := datasource.ParsePrintFormat(format)
			if err != nil {
				return err
			}
			return withDataSource(cmd, func(ctx context.Context, ds *datasource.DataSource, _ *config.Config, _ *slog.Logger) error {
				names, err := ds.TableNames(ctx, "")
				if err != nil {
					return err
				}
				cells := make([][]string, 0, len(names))
				for _, name := range names {
					sum, err := ds.Summary(ctx, name)
					if err != nil {
						return err
					}
					geom, srid := "", ""
					if sum.IsSpatial() {
						geom = string(sum.GeometryColumns[0].GeometryType)
						srid = strconv.Itoa(sum.GeometryColumns[0].SRID)
					}
					cells = append(cells, []string{
						sum.Name,
						strconv.FormatInt(sum.RowCount, 10),
						strconv.Itoa(len(sum.Columns)),
						geom,
						srid,
					})
				}
				return datasource.PrintRows(cmd.OutOrStdout(), pf, []string{"TABLE", "ROWS", "COLUMNS", "GEOMETRY", "SRID"}, cells)
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", "ascii", "output format (ascii, markdown, csv)")
	return cmd
}

func describeCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "describe <table>",
		Short: "Print the columns of a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pf, err := datasource.ParsePrintFormat(format)
			if err != nil {
				return err
			}
			return withDataSource(cmd, func(ctx context.Context, ds *datasource.DataSource, _ *config.Config, _ *slog.Logger) error {
				sum, err := ds.Summary(ctx, args[0])
				if err != nil {
					return err
				}
				geoms := make(map[string]domain.GeometryColumn, len(sum.GeometryColumns))
				for _, g := range sum.GeometryColumns {
					geoms[strings.ToUpper(g.Name)] = g
				}

				cells := make([][]string, len(sum.Columns))
				for i, c := range sum.Columns {
					typ := string(c.Type)
					if g, ok := geoms[strings.ToUpper(c.Name)]; ok {
						typ = fmt.Sprintf("%s(%s, %d)", c.Type, g.GeometryType, g.SRID)
					}
					cells[i] = []string{c.Name, typ, strconv.FormatBool(c.Nullable), strconv.FormatBool(c.PrimaryKey)}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d rows\n", sum.Name, sum.RowCount)
				if sum.Extent != nil {
					e := sum.Extent
					fmt.Fprintf(cmd.OutOrStdout(), "extent: %g %g, %g %g\n", e.MinX, e.MinY, e.MaxX, e.MaxY)
				}
				return datasource.PrintRows(cmd.OutOrStdout(), pf, []string{"COLUMN", "TYPE", "NULLABLE", "PRIMARY KEY"}, cells)
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", "ascii", "output format (ascii, markdown, csv)")
	return cmd
}

func queryCmd() *cobra.Command {
	var (
		format  string
		columns []string
		where   string
		groupBy []string
		orderBy []string
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "query <table>",
		Short: "Print the rows of a table",
		Example: `  orbisdata query communes --columns NAME,POP --where "POP > 10000" --order-by POP:desc --limit 10
  orbisdata query communes --group-by DEP --columns "DEP,count(*) AS N" --format csv`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pf, err := datasource.ParsePrintFormat(format)
			if err != nil {
				return err
			}
			opts := query.Options{Columns: columns, Where: where, GroupBy: groupBy, Limit: limit}
			for _, item := range orderBy {
				col, dir, _ := strings.Cut(item, ":")
				d, err := query.ParseDirection(dir)
				if err != nil {
					return err
				}
				opts.OrderBy = append(opts.OrderBy, query.Order{Column: col, Direction: d})
			}

			return withDataSource(cmd, func(ctx context.Context, ds *datasource.DataSource, _ *config.Config, _ *slog.Logger) error {
				tbl, err := ds.Table(ctx, args[0])
				if err != nil {
					return err
				}
				result, err := tbl.Query(ctx, opts)
				if err != nil {
					return err
				}
				return result.Print(ctx, cmd.OutOrStdout(), pf)
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", "ascii", "output format (ascii, markdown, csv)")
	cmd.Flags().StringSliceVar(&columns, "columns", nil, "columns or expressions to select")
	cmd.Flags().StringVar(&where, "where", "", "filter condition")
	cmd.Flags().StringSliceVar(&groupBy, "group-by", nil, "group by columns")
	cmd.Flags().StringSliceVar(&orderBy, "order-by", nil, "order by items as column or column:desc")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of rows, 0 for all")
	return cmd
}

// loadFlags are the options shared by load and link.
type loadFlags struct {
	delete   bool
	srid     int
	encoding string
	format   string
}

func (f *loadFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.delete, "delete", false, "drop the table first")
	cmd.Flags().IntVar(&f.srid, "srid", 0, "SRID of the geometries, 0 keeps the file's")
	cmd.Flags().StringVar(&f.encoding, "encoding", "", "DBF text encoding")
	cmd.Flags().StringVar(&f.format, "file-format", "", "file format (geojson, shp, dbf, csv, tsv), detected from the extension by default")
}

func (f *loadFlags) options(cfg *config.Config) (domain.LoadOptions, error) {
	opts := cfg.Import.LoadOptions()
	opts.Delete = f.delete
	if f.srid != 0 {
		opts.SRID = f.srid
	}
	if f.encoding != "" {
		opts.Encoding = f.encoding
	}
	if f.format != "" {
		format, err := domain.ParseFileFormat(f.format)
		if err != nil {
			return opts, err
		}
		opts.Format = format
	}
	return opts, nil
}

func tableArg(args []string) string {
	if len(args) > 1 {
		return args[1]
	}
	return ""
}

func loadCmd() *cobra.Command {
	var flags loadFlags
	cmd := &cobra.Command{
		Use:   "load <file> [table]",
		Short: "Load a GeoJSON, Shapefile, DBF or CSV file into a table",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDataSource(cmd, func(ctx context.Context, ds *datasource.DataSource, cfg *config.Config, logger *slog.Logger) error {
				opts, err := flags.options(cfg)
				if err != nil {
					return err
				}
				table, n, err := ds.Load(ctx, args[0], tableArg(args), opts)
				if err != nil {
					return err
				}
				if cfg.Import.SpatialIndex {
					if err := ds.CreateSpatialIndex(ctx, table); err != nil && !errors.Is(err, domain.ErrNoGeometryColumn) {
						logger.Warn("failed to create spatial index", "table", table, "error", err)
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "loaded %d rows into %s\n", n, table)
				return nil
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func linkCmd() *cobra.Command {
	var flags loadFlags
	cmd := &cobra.Command{
		Use:   "link <file> [table]",
		Short: "Expose a file as a table without copying its rows",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDataSource(cmd, func(ctx context.Context, ds *datasource.DataSource, cfg *config.Config, _ *slog.Logger) error {
				opts, err := flags.options(cfg)
				if err != nil {
					return err
				}
				table, err := ds.Link(ctx, args[0], tableArg(args), opts)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "linked %s as %s\n", args[0], table)
				return nil
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func saveCmd() *cobra.Command {
	var (
		replace bool
		format  string
	)
	cmd := &cobra.Command{
		Use:   "save <table> <file>",
		Short: "Write a table to a GeoJSON, Shapefile, DBF or CSV file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := domain.SaveOptions{Delete: replace}
			if format != "" {
				f, err := domain.ParseFileFormat(format)
				if err != nil {
					return err
				}
				opts.Format = f
			}
			return withDataSource(cmd, func(ctx context.Context, ds *datasource.DataSource, _ *config.Config, _ *slog.Logger) error {
				n, err := ds.Save(ctx, args[0], args[1], opts)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "saved %d rows to %s\n", n, args[1])
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&replace, "delete", false, "replace an existing file")
	cmd.Flags().StringVar(&format, "file-format", "", "file format (geojson, shp, dbf, csv, tsv), detected from the extension by default")
	return cmd
}

func scriptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "script <file.sql>",
		Short: "Execute the statements of a SQL script",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDataSource(cmd, func(ctx context.Context, ds *datasource.DataSource, _ *config.Config, _ *slog.Logger) error {
				n, err := ds.ExecuteScriptFile(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "executed %d statements\n", n)
				return nil
			})
		},
	}
}

func runCmd() *cobra.Command {
	var (
		params      []string
		parallelism int
	)
	cmd := &cobra.Command{
		Use:     "run <pipeline.yaml>",
		Short:   "Run a processing pipeline",
		Example: `  orbisdata run communes.yaml --db work.sqlite -p srid=2154`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := pipeline.ParseFile(args[0])
			if err != nil {
				return err
			}
			if parallelism > 0 {
				def.Parallelism = parallelism
			}
			in, err := parseParams(params)
			if err != nil {
				return err
			}

			return withDataSource(cmd, func(ctx context.Context, ds *datasource.DataSource, _ *config.Config, logger *slog.Logger) error {
				p, err := pipeline.Compile(def, pipeline.NewLibrary(), ds, logger)
				if err != nil {
					return err
				}
				out, err := p.Run(ctx, in)
				if err != nil {
					return err
				}
				return yaml.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any(out))
			})
		},
	}
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "pipeline input as name=value")
	cmd.Flags().IntVar(&parallelism, "parallelism", 0, "number of steps run concurrently")
	return cmd
}

// parseParams decodes name=value pairs. Values are read as YAML scalars,
// so 2154 is an int and true a bool.
func parseParams(params []string) (process.Values, error) {
	in := make(process.Values, len(params))
	for _, p := range params {
		name, raw, ok := strings.Cut(p, "=")
		if !ok || name == "" {
			return nil, &domain.ValidationError{Field: "param", Value: p, Constraint: "name=value", Message: "invalid pipeline parameter"}
		}
		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil || v == nil {
			v = raw
		}
		in[name] = v
	}
	return in, nil
}

func processesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "processes",
		Short: "List the processes usable in pipelines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			lib := pipeline.NewLibrary()
			var cells [][]string
			for _, name := range lib.Names() {
				p, err := lib.New(name, name, nil)
				if err != nil {
					return err
				}
				var ins, outs []string
				for _, in := range p.Inputs() {
					ins = append(ins, in.Name)
				}
				for _, out := range p.Outputs() {
					outs = append(outs, out.Name)
				}
				cells = append(cells, []string{name, p.Description(), strings.Join(ins, ", "), strings.Join(outs, ", ")})
			}
			return datasource.PrintRows(cmd.OutOrStdout(), datasource.PrintASCII, []string{"PROCESS", "DESCRIPTION", "INPUTS", "OUTPUTS"}, cells)
		},
	}
}
