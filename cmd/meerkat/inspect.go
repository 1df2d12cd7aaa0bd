package main

import (
	"fmt"
	"log/slog"
	"maps"
	"strings"

	"github.com/spf13/cobra"

	"github.com/luce-labs/meerkat/cmd/internal/app"
	"github.com/luce-labs/meerkat/cmd/internal/crdt"
	"github.com/luce-labs/meerkat/cmd/internal/notify"
)

func inspectCmd() *cobra.Command {
	var (
		persistence string
		objects     []string
		list        bool
	)

	cmd := &cobra.Command{
		Use:   "inspect [document]",
		Short: "Print the persisted state of a document as webhook JSON",
		Long: `Replay the stored history of a document and print the same JSON payload the
webhook receives. Objects default to MEERKAT_CALLBACK_OBJECTS and can be added with
--object name=Type. With --list, print the names of all persisted documents.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if list {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := app.LoadConfig()
			if cmd.Flags().Changed("persistence") {
				cfg.Persistence = persistence
			}
			// stdout carries the JSON output.
			log := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if list {
				return app.ListDocuments(ctx, cfg, log, out)
			}

			objs, err := notify.ParseObjects(cfg.CallbackObjects)
			if err != nil {
				return err
			}
			extra, err := parseObjectFlags(objects)
			if err != nil {
				return err
			}
			maps.Copy(objs, extra)
			return app.Inspect(ctx, cfg, log, args[0], objs, out)
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&persistence, "persistence", "", "persistence target (default from MEERKAT_PERSISTENCE)")
	fs.StringArrayVar(&objects, "object", nil, "object to extract as name=Type (repeatable)")
	fs.BoolVar(&list, "list", false, "list persisted document names")
	return cmd
}

func parseObjectFlags(raw []string) (map[string]crdt.Kind, error) {
	out := make(map[string]crdt.Kind, len(raw))
	for _, r := range raw {
		name, kind, ok := strings.Cut(r, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --object %q: want name=Type", r)
		}
		out[name] = crdt.ParseKind(strings.TrimSpace(kind))
	}
	return out, nil
}
