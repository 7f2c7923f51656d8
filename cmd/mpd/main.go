// Package main is the entry point for the mpd CLI.
//
// Usage:
//
//	mpd [flags] <command> [subcommand] [args]
//
// Commands:
//
//	reference  - Register and inspect reference identities
//	observe    - Ingest candidate observations extracted from videos
//	video      - Maintain the per-job video catalog
//	compare    - Rank candidates against a reference
//	index      - Search and inspect the similarity index
//	version    - Show version information
package main

import (
	"fmt"
	"os"

	"github.com/dishu2607/missing-person-detection/cmd/mpd/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
