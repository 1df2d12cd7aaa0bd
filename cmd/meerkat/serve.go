package main

import (
	"github.com/spf13/cobra"

	"github.com/luce-labs/meerkat/cmd/internal/app"
)

// serverFlags override the environment configuration when set.
type serverFlags struct {
	addr        string
	persistence string
	callbackURL string
	clusterURL  string
	logLevel    string
	logFormat   string
	noGC        bool
}

func (f *serverFlags) bind(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.addr, "addr", "", "listen address (default from MEERKAT_HTTP_ADDR or HOST/PORT)")
	fs.StringVar(&f.persistence, "persistence", "", "persistence target: memory:, <dir>, bolt://<dir>, postgres://, redis://, s3://")
	fs.StringVar(&f.callbackURL, "callback-url", "", "webhook receiving debounced document snapshots")
	fs.StringVar(&f.clusterURL, "cluster-redis", "", "redis URL for relaying updates between instances")
	fs.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")
	fs.StringVar(&f.logFormat, "log-format", "", "json or text")
	fs.BoolVar(&f.noGC, "no-gc", false, "disable merge engine garbage collection")
}

func (f *serverFlags) apply(cmd *cobra.Command, cfg *app.Config) {
	fs := cmd.Flags()
	if fs.Changed("addr") {
		cfg.HTTPAddr = f.addr
	}
	if fs.Changed("persistence") {
		cfg.Persistence = f.persistence
	}
	if fs.Changed("callback-url") {
		cfg.CallbackURL = f.callbackURL
	}
	if fs.Changed("cluster-redis") {
		cfg.ClusterRedisURL = f.clusterURL
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if fs.Changed("log-format") {
		cfg.LogFormat = f.logFormat
	}
	if f.noGC {
		cfg.GC = false
	}
}

func serveCmd() *cobra.Command {
	var flags serverFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := app.LoadConfig()
			flags.apply(cmd, &cfg)
			return app.Serve(cfg)
		},
	}
	flags.bind(cmd)
	return cmd
}
