package commands

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/dishu2607/missing-person-detection/pkg/cli"
	"github.com/dishu2607/missing-person-detection/pkg/match"
	"github.com/dishu2607/missing-person-detection/pkg/metascore"
)

var compareCmd = &cobra.Command{
	Use:   "compare <reference>",
	Short: "Rank observations against a reference",
	Long: `Rank observations against a registered reference.

The reference is given by id or person id. Every observation (or only
those of --job) is scored as

  score = embedding-weight * face similarity + metadata-weight * attribute similarity

and those scoring at least --threshold are listed best first. Equal
scores keep ingestion order. Observations that cannot be scored are
reported on stderr and skipped.

Defaults come from the match section of the config file.

Examples:
  mpd compare 20240101_120000_photo.jpg_person0
  mpd compare f3c1a2d4-... --job job-42 --top-k 5 --format table
  mpd compare f3c1a2d4-... --metrics-out /var/lib/node_exporter/mpd.prom`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := openEnv(ctx)
		if err != nil {
			return err
		}
		defer env.close()

		mc := env.cfg.Match
		req := match.Request{
			ReferenceID:     args[0],
			TopK:            mc.TopK,
			EmbeddingWeight: mc.EmbeddingWeight,
			MetadataWeight:  mc.MetadataWeight,
			Threshold:       mc.Threshold,
			MaxCandidates:   mc.MaxCandidates,
		}
		flags := cmd.Flags()
		req.JobID, _ = flags.GetString("job")
		if flags.Changed("top-k") {
			req.TopK, _ = flags.GetInt("top-k")
		}
		if flags.Changed("threshold") {
			req.Threshold, _ = flags.GetFloat64("threshold")
		}
		if flags.Changed("embedding-weight") {
			req.EmbeddingWeight, _ = flags.GetFloat64("embedding-weight")
		}
		if flags.Changed("metadata-weight") {
			req.MetadataWeight, _ = flags.GetFloat64("metadata-weight")
		}
		if flags.Changed("max-candidates") {
			req.MaxCandidates, _ = flags.GetInt("max-candidates")
		}
		workers := mc.Workers
		if flags.Changed("workers") {
			workers, _ = flags.GetInt("workers")
		}
		if req.EmbeddingWeight < 0 || req.MetadataWeight < 0 {
			return fmt.Errorf("weights must not be negative")
		}

		metricsOut, _ := flags.GetString("metrics-out")
		var (
			reg     *prometheus.Registry
			metrics *match.Metrics
		)
		if metricsOut != "" {
			reg = prometheus.NewRegistry()
			if metrics, err = match.NewMetrics(reg); err != nil {
				return err
			}
		}

		ranker := match.New(match.Config{
			References: env.store,
			Candidates: env.store,
			Scorer:     metascore.Scorer{LegacyColorScale: mc.LegacyColorScale},
			Timeline:   env.frameRates(),
			Workers:    workers,
			Logger:     env.logger,
			Metrics:    metrics,
		})

		start := time.Now()
		res, err := ranker.Compare(ctx, req)
		if reg != nil {
			if werr := prometheus.WriteToTextfile(metricsOut, reg); werr != nil {
				cli.PrintWarning("write metrics: %v", werr)
			}
		}
		if err != nil {
			return err
		}

		for _, d := range res.Skipped {
			cli.PrintWarning("skipped observation %d (%s): %s", d.Seq, d.CropRef, d.Reason)
		}
		if res.Capped {
			cli.PrintWarning("scan stopped after %d observations (max-candidates)", res.Scanned)
		}
		return outputResult(cmd, viewCompare(req.JobID, res, time.Since(start)))
	},
}

func init() {
	f := compareCmd.Flags()
	f.String("job", "", "only compare observations of this job")
	f.IntP("top-k", "k", match.DefaultTopK, "maximum number of matches")
	f.Float64("threshold", match.DefaultThreshold, "minimum combined score")
	f.Float64("embedding-weight", match.DefaultEmbeddingWeight, "weight of face similarity")
	f.Float64("metadata-weight", match.DefaultMetadataWeight, "weight of attribute similarity")
	f.Int("max-candidates", 0, "stop after scanning this many observations (0 = all)")
	f.Int("workers", 0, "scoring goroutines (0 = GOMAXPROCS)")
	f.String("metrics-out", "", "write Prometheus metrics to this textfile")

	rootCmd.AddCommand(compareCmd)
}
