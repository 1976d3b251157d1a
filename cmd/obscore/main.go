package main

import (
	"fmt"
	"os"

	app "github.com/valter-silva-au/obscore/internal"
	"github.com/valter-silva-au/obscore/internal/cli"
)

// Set by goreleaser ldflags at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cli.SetVersionInfo(version, commit, date)
	app.Register(app.ResolveBasePath())

	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
