package main

import (
	"testing"

	"github.com/spf13/cobra"

	"github.com/luce-labs/meerkat/cmd/internal/app"
	"github.com/luce-labs/meerkat/cmd/internal/crdt"
)

func TestParseObjectFlags(t *testing.T) {
	t.Parallel()

	got, err := parseObjectFlags([]string{"monaco=Text", " cells = Array"})
	if err != nil {
		t.Fatalf("parseObjectFlags: %v", err)
	}
	if got["monaco"] != crdt.KindText || got["cells"] != crdt.KindArray {
		t.Fatalf("got=%v", got)
	}

	for _, bad := range []string{"monaco", "=Text"} {
		if _, err := parseObjectFlags([]string{bad}); err == nil {
			t.Fatalf("%q accepted", bad)
		}
	}
}

func TestServerFlags_OnlyChangedOverride(t *testing.T) {
	t.Parallel()

	var f serverFlags
	cmd := &cobra.Command{Use: "serve"}
	f.bind(cmd)
	if err := cmd.Flags().Parse([]string{"--addr", ":9999", "--no-gc"}); err != nil {
		t.Fatalf("parse: %v", err)
	}

	cfg := app.Config{HTTPAddr: "0.0.0.0:8080", Persistence: "bolt:///var/lib/meerkat", GC: true}
	f.apply(cmd, &cfg)
	if cfg.HTTPAddr != ":9999" || cfg.GC {
		t.Fatalf("addr=%q gc=%v", cfg.HTTPAddr, cfg.GC)
	}
	if cfg.Persistence != "bolt:///var/lib/meerkat" {
		t.Fatalf("persistence overridden without flag: %q", cfg.Persistence)
	}
}
