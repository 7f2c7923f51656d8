package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dishu2607/missing-person-detection/pkg/cli"
	"github.com/dishu2607/missing-person-detection/pkg/recordstore"
	"github.com/dishu2607/missing-person-detection/pkg/timeline"
)

var videoCmd = &cobra.Command{
	Use:   "video",
	Short: "Maintain the per-job video catalog",
	Long: `Maintain the per-job video catalog.

Frame rates in the catalog turn frame numbers into timestamps. Jobs
without a catalog entry are probed with ffprobe when video.dir is
configured, and fall back to 30 fps otherwise.`,
}

var videoSetCmd = &cobra.Command{
	Use:   "set <job>",
	Short: "Record the video of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fps, _ := cmd.Flags().GetFloat64("fps")
		if fps <= 0 {
			return fmt.Errorf("--fps must be positive")
		}
		v := &recordstore.VideoInfo{JobID: args[0], FPS: fps, UpdatedAt: time.Now().UTC()}
		v.Name, _ = cmd.Flags().GetString("name")
		v.FrameCount, _ = cmd.Flags().GetInt("frames")
		v.Width, _ = cmd.Flags().GetInt("width")
		v.Height, _ = cmd.Flags().GetInt("height")

		ctx := cmd.Context()
		env, err := openEnv(ctx)
		if err != nil {
			return err
		}
		defer env.close()

		if err := env.store.PutVideo(ctx, v); err != nil {
			return err
		}
		return outputResult(cmd, videoView{*v})
	},
}

var videoGetCmd = &cobra.Command{
	Use:   "get <job>",
	Short: "Show the catalog entry of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := openEnv(ctx)
		if err != nil {
			return err
		}
		defer env.close()

		v, err := env.store.Video(ctx, args[0])
		if err != nil {
			return err
		}
		return outputResult(cmd, videoView{*v})
	},
}

var videoProbeCmd = &cobra.Command{
	Use:   "probe <job>",
	Short: "Read a job's frame rate with ffprobe",
	Long: `Read a job's frame rate with ffprobe.

The video is looked up under <video.dir>/<job>/. With --save the rate is
stored in the catalog so later comparisons skip the probe.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		save, _ := cmd.Flags().GetBool("save")
		ctx := cmd.Context()
		env, err := openEnv(ctx)
		if err != nil {
			return err
		}
		defer env.close()

		if env.cfg.Video.Dir == "" {
			return fmt.Errorf("video.dir is not configured (set it or MPD_VIDEO_DIR)")
		}
		probe := &timeline.FFProbe{Binary: env.cfg.Video.FFProbe, VideoDir: env.cfg.Video.Dir}
		path, err := probe.Locate(args[0])
		if err != nil {
			return err
		}
		fps, err := probe.FrameRate(ctx, args[0])
		if err != nil {
			return err
		}
		v := &recordstore.VideoInfo{JobID: args[0], Name: path, FPS: fps, UpdatedAt: time.Now().UTC()}
		if save {
			if err := env.store.PutVideo(ctx, v); err != nil {
				return err
			}
			cli.PrintSuccess("saved %s at %v fps", args[0], fps)
		}
		return outputResult(cmd, videoView{*v})
	},
}

func init() {
	f := videoSetCmd.Flags()
	f.Float64("fps", 0, "frame rate (required)")
	f.String("name", "", "video file name")
	f.Int("frames", 0, "frame count")
	f.Int("width", 0, "frame width in pixels")
	f.Int("height", 0, "frame height in pixels")

	videoProbeCmd.Flags().Bool("save", false, "store the probed rate in the catalog")

	videoCmd.AddCommand(videoSetCmd)
	videoCmd.AddCommand(videoGetCmd)
	videoCmd.AddCommand(videoProbeCmd)
	rootCmd.AddCommand(videoCmd)
}
