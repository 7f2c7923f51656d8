package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dishu2607/missing-person-detection/pkg/cli"
	"github.com/dishu2607/missing-person-detection/pkg/identity"
)

var observeCmd = &cobra.Command{
	Use:   "observe",
	Short: "Ingest candidate observations",
}

var observeAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Append observations produced by a processing job",
	Long: `Append candidate observations to the record store.

Observations are appended in file order; that order breaks score ties in
'mpd compare'. --job fills in job_id where a record leaves it empty.

Example file (job-42.yaml):
  - job_id: job-42
    video_name: entrance.mp4
    embedding: [0.021, 0.007, ...]
    attributes:
      age: 31
      gender: Male
      color: [190, 150, 105]
    crop_ref: job-42/person_3_frame_120.jpg
    created_at: 2024-05-01T10:00:00Z

Examples:
  mpd observe add -f job-42.yaml
  detector --json | mpd observe add -f - --job job-42`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		job, _ := cmd.Flags().GetString("job")
		if file == "" {
			return fmt.Errorf("input file is required, use -f flag")
		}
		cands, err := cli.LoadList[identity.Candidate](file)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		env, err := openEnv(ctx)
		if err != nil {
			return err
		}
		defer env.close()

		acks := make(candidateAcks, 0, len(cands))
		for i := range cands {
			c := &cands[i]
			if c.JobID == "" {
				c.JobID = job
			}
			seq, err := env.store.AppendCandidate(ctx, c)
			if err != nil {
				return fmt.Errorf("observation %d (%s): %w", i, c.CropRef, err)
			}
			acks = append(acks, candidateAck{Seq: seq, JobID: c.JobID, CropRef: c.CropRef})
		}
		if err := outputResult(cmd, acks); err != nil {
			return err
		}
		cli.PrintSuccess("appended %d observations", len(acks))
		return nil
	},
}

func init() {
	observeAddCmd.Flags().StringP("file", "f", "", "observations file (YAML or JSON, - for stdin)")
	observeAddCmd.Flags().String("job", "", "job id for records without one")

	observeCmd.AddCommand(observeAddCmd)
	rootCmd.AddCommand(observeCmd)
}
