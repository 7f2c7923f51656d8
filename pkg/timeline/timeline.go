// Package timeline maps candidate crops back onto the video timeline.
//
// Crops are saved as "person_<n>_frame_<f>.jpg"; [FrameNumber] recovers f
// and [Timestamp] turns it into an "MM:SS" offset using the video frame
// rate. Frame rates come from a [FrameRateSource]; a [Resolver] degrades
// any lookup failure to [DefaultFPS], and a [Cache] memoizes rates for the
// duration of one ranking call.
package timeline

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// DefaultFPS is used whenever a video's frame rate is unknown.
const DefaultFPS = 30.0

const frameToken = "_frame_"

// FrameNumber extracts the frame index from a crop reference such as
// "outputs/persons_x/person_3_frame_120.jpg". It returns 0 when the name
// carries no parsable "_frame_<N>" token.
func FrameNumber(cropRef string) int {
	name := cropRef
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	i := strings.LastIndex(name, frameToken)
	if i < 0 {
		return 0
	}
	digits := name[i+len(frameToken):]
	if dot := strings.IndexByte(digits, '.'); dot >= 0 {
		digits = digits[:dot]
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// Timestamp formats the offset of frame at fps as zero-padded "MM:SS".
// Minutes are not wrapped into hours. A non-positive or non-finite fps is
// replaced by DefaultFPS.
func Timestamp(frame int, fps float64) string {
	if !validRate(fps) {
		fps = DefaultFPS
	}
	if frame < 0 {
		frame = 0
	}
	total := float64(frame) / fps
	minutes := int(math.Floor(total / 60))
	seconds := int(math.Floor(math.Mod(total, 60)))
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

func validRate(fps float64) bool {
	return fps > 0 && !math.IsInf(fps, 0) && !math.IsNaN(fps)
}
