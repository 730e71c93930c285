package main

import (
	"testing"

	"github.com/orbisgis/orbisdata/internal/config"
	"github.com/orbisgis/orbisdata/internal/domain"
)

func TestParseParams(t *testing.T) {
	in, err := parseParams([]string{"srid=2154", "name=communes", "index=true", "empty="})
	if err != nil {
		t.Fatalf("parseParams() error = %v", err)
	}
	if in["srid"] != 2154 {
		t.Errorf("srid = %#v, want 2154", in["srid"])
	}
	if in["name"] != "communes" {
		t.Errorf("name = %#v, want communes", in["name"])
	}
	if in["index"] != true {
		t.Errorf("index = %#v, want true", in["index"])
	}
	if in["empty"] != "" {
		t.Errorf("empty = %#v, want empty string", in["empty"])
	}

	for _, bad := range []string{"srid", "=2154"} {
		if _, err := parseParams([]string{bad}); err == nil {
			t.Errorf("parseParams(%q) expected error", bad)
		}
	}
}

func TestLoadFlagsOptions(t *testing.T) {
	cfg := &config.Config{Import: config.ImportConfig{SRID: 4326, BatchSize: 500, Encoding: "UTF-8"}}

	f := loadFlags{delete: true, srid: 2154, format: "csv"}
	opts, err := f.options(cfg)
	if err != nil {
		t.Fatalf("options() error = %v", err)
	}
	if !opts.Delete || opts.SRID != 2154 || opts.BatchSize != 500 || opts.Encoding != "UTF-8" {
		t.Errorf("options() = %+v", opts)
	}
	if opts.Format != domain.FormatCSV {
		t.Errorf("Format = %q, want csv", opts.Format)
	}

	f = loadFlags{}
	opts, err = f.options(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if opts.Delete || opts.SRID != 4326 {
		t.Errorf("defaults not kept: %+v", opts)
	}

	f = loadFlags{format: "gpkg"}
	if _, err := f.options(cfg); err == nil {
		t.Error("options() expected error for unknown format")
	}
}

func TestTableArg(t *testing.T) {
	if got := tableArg([]string{"a.csv"}); got != "" {
		t.Errorf("tableArg() = %q, want empty", got)
	}
	if got := tableArg([]string{"a.csv", "codes"}); got != "codes" {
		t.Errorf("tableArg() = %q, want codes", got)
	}
}
