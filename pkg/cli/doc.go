// Package cli provides the shared pieces of the mpd command-line tool.
//
// This package includes:
//   - Configuration loading (YAML file, environment overrides, defaults)
//   - The on-disk layout of a data directory
//   - Output formatting (YAML, JSON, table)
//   - Record file loading (YAML/JSON, single record or list)
//
// Configuration is read from ~/.mpd/config.yaml unless --config points
// elsewhere. Environment variables MPD_DATA_DIR, MPD_STORE and
// MPD_VIDEO_DIR override the file.
//
// Example usage:
//
//	cfg, err := cli.LoadConfig("")
//
//	cli.Output(result, cli.OutputOptions{
//	    Format: cli.FormatTable,
//	    File:   outputPath,
//	})
package cli
