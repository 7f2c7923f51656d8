package cli

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// FormatDuration renders d as "850ms", "4.2s" or "2m5.5s".
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	mins := d / time.Minute
	rest := d - mins*time.Minute
	return fmt.Sprintf("%dm%.1fs", mins, rest.Seconds())
}

// FormatBytes renders n in binary units. Negative sizes render as 0 B.
func FormatBytes(n int64) string {
	return humanize.IBytes(uint64(max(n, 0)))
}

// FormatScore formats a similarity score with four decimals.
func FormatScore(s float64) string {
	return fmt.Sprintf("%.4f", s)
}
