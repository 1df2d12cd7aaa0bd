package main

import (
	"fmt"
	"os"
)

// Set at build time.
var version = "dev"

func main() {
	root := serveCmd()
	root.Use = "meerkat"
	root.Short = "Shared document sync server"
	root.Long = `meerkat relays merge-engine updates and presence between clients editing the
same named document over WebSocket. Without a subcommand it runs the server.`
	root.Version = version
	root.SilenceUsage = true
	root.SilenceErrors = true

	root.AddCommand(serveCmd(), inspectCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "meerkat: %s\n", err)
		os.Exit(1)
	}
}
