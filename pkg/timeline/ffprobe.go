package timeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dishu2607/missing-person-detection/pkg/identity"
)

// videoExtensions are the container suffixes recognised in a job directory.
var videoExtensions = []string{".mp4", ".avi", ".mov", ".mkv", ".MP4", ".AVI", ".MOV"}

// FFProbe reads frame rates straight from uploaded videos with ffprobe.
//
// Uploads live in one directory per job:
//
//	<VideoDir>/<jobID>/video.mp4
//
// Within a job directory the file is located by trying the base names
// "video", "<jobID>", "output" and "processed" with each known extension,
// then falling back to the first file with a video extension.
type FFProbe struct {
	// Binary is the ffprobe executable. Empty means "ffprobe" on PATH.
	Binary string

	// VideoDir is the root holding one sub-directory per job.
	VideoDir string
}

// FrameRate probes the first video stream of the job's upload.
func (p *FFProbe) FrameRate(ctx context.Context, videoID string) (float64, error) {
	path, err := p.Locate(videoID)
	if err != nil {
		return 0, err
	}

	binary := strings.TrimSpace(p.Binary)
	if binary == "" {
		binary = "ffprobe"
	}
	cmd := exec.CommandContext(ctx, binary,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=codec_type,r_frame_rate,avg_frame_rate",
		"-of", "json",
		"--", path,
	)
	output, err := cmd.Output()
	if err != nil {
		return 0, identity.Wrap(identity.KindLookupFailure, "timeline.ffprobe", fmt.Errorf("probe %s: %w", path, err))
	}
	fps, err := parseProbe(output)
	if err != nil {
		return 0, identity.Wrap(identity.KindLookupFailure, "timeline.ffprobe", fmt.Errorf("probe %s: %w", path, err))
	}
	return fps, nil
}

// Locate returns the path of the uploaded video for jobID.
func (p *FFProbe) Locate(jobID string) (string, error) {
	if jobID == "" || strings.ContainsAny(jobID, `/\`) || jobID == "." || jobID == ".." {
		return "", identity.Errorf(identity.KindLookupFailure, "timeline.ffprobe", "invalid job id %q", jobID)
	}
	dir := filepath.Join(p.VideoDir, jobID)
	if _, err := os.Stat(dir); err != nil {
		return "", identity.Wrap(identity.KindLookupFailure, "timeline.ffprobe", err)
	}

	for _, base := range []string{"video", jobID, "output", "processed"} {
		for _, ext := range videoExtensions {
			candidate := filepath.Join(dir, base+ext)
			if st, err := os.Stat(candidate); err == nil && st.Mode().IsRegular() {
				return candidate, nil
			}
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", identity.Wrap(identity.KindLookupFailure, "timeline.ffprobe", err)
	}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		ext := filepath.Ext(e.Name())
		for _, known := range videoExtensions {
			if ext == known {
				return filepath.Join(dir, e.Name()), nil
			}
		}
	}
	return "", identity.Errorf(identity.KindLookupFailure, "timeline.ffprobe", "no video file in %s", dir)
}

type probeResult struct {
	Streams []struct {
		CodecType    string `json:"codec_type"`
		RFrameRate   string `json:"r_frame_rate"`
		AvgFrameRate string `json:"avg_frame_rate"`
	} `json:"streams"`
}

func parseProbe(data []byte) (float64, error) {
	var res probeResult
	if err := json.Unmarshal(data, &res); err != nil {
		return 0, fmt.Errorf("parse ffprobe output: %w", err)
	}
	for _, s := range res.Streams {
		if s.CodecType != "" && !strings.EqualFold(s.CodecType, "video") {
			continue
		}
		// avg_frame_rate reflects variable-rate content better; r_frame_rate
		// is the fallback when the container does not report it.
		for _, raw := range []string{s.AvgFrameRate, s.RFrameRate} {
			if fps, err := parseRate(raw); err == nil && validRate(fps) {
				return fps, nil
			}
		}
	}
	return 0, errors.New("no video stream with a frame rate")
}

// parseRate parses ffprobe rationals such as "30000/1001" or plain "25".
func parseRate(raw string) (float64, error) {
	raw = strings.TrimSpace(raw)
	num, den, ok := strings.Cut(raw, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid rate %q", raw)
	}
	if !ok {
		return n, nil
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0, fmt.Errorf("invalid rate %q", raw)
	}
	return n / d, nil
}
