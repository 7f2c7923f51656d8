package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dishu2607/missing-person-detection/pkg/cli"
	"github.com/dishu2607/missing-person-detection/pkg/identity"
	"github.com/dishu2607/missing-person-detection/pkg/registry"
)

type probeInput struct {
	Embedding identity.Embedding `json:"embedding" yaml:"embedding"`
}

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Search and inspect the similarity index",
}

var indexSearchCmd = &cobra.Command{
	Use:   "search",
	Short: "Find the registered people closest to a face",
	Long: `Find the registered people closest to a face embedding.

Example file (probe.yaml):
  embedding: [0.018, -0.022, ...]

Examples:
  mpd index search -f probe.yaml -k 3 --format table`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		k, _ := cmd.Flags().GetInt("top-k")
		if file == "" {
			return fmt.Errorf("input file is required, use -f flag")
		}
		if k <= 0 {
			return fmt.Errorf("--top-k must be positive")
		}
		var probe probeInput
		if err := cli.LoadFile(file, &probe); err != nil {
			return err
		}

		ctx := cmd.Context()
		env, err := openEnv(ctx)
		if err != nil {
			return err
		}
		defer env.close()
		if err := env.openIndex(ctx); err != nil {
			return err
		}

		reg := registry.New(registry.Config{Index: env.index, Store: env.store, Logger: env.logger})
		hits, diags, err := reg.Resolve(ctx, probe.Embedding, k)
		if err != nil {
			return err
		}
		for _, d := range diags {
			cli.PrintWarning("%s", d.Reason)
		}
		return outputResult(cmd, viewSearch(hits, diags))
	},
}

var indexStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show index size and backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := openEnv(ctx)
		if err != nil {
			return err
		}
		defer env.close()
		if err := env.openIndex(ctx); err != nil {
			return err
		}
		st := env.index.Stats()
		return outputResult(cmd, statsView{Stats: st, Size: cli.FormatBytes(int64(st.Bytes))})
	},
}

func init() {
	indexSearchCmd.Flags().StringP("file", "f", "", "probe file (YAML or JSON, - for stdin)")
	indexSearchCmd.Flags().IntP("top-k", "k", 5, "number of hits")

	indexCmd.AddCommand(indexSearchCmd)
	indexCmd.AddCommand(indexStatsCmd)
	rootCmd.AddCommand(indexCmd)
}
