// Package cli holds terminal output helpers for the relay command.
package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fpang/channel-relay/internal/pipeline"
	"github.com/fpang/channel-relay/internal/target"
)

// FormatDurationShort formats a duration as M:SS or H:MM:SS.
func FormatDurationShort(d time.Duration) string {
	totalSeconds := int(d.Seconds())
	hours := totalSeconds / 3600
	minutes := (totalSeconds % 3600) / 60
	seconds := totalSeconds % 60

	if hours > 0 {
		return fmt.Sprintf("%d:%02d:%02d", hours, minutes, seconds)
	}
	return fmt.Sprintf("%d:%02d", minutes, seconds)
}

// PrintTargets writes the resolved channel mapping as an aligned table.
func PrintTargets(w io.Writer, targets []target.ChannelTarget) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tCATEGORY")
	for _, t := range targets {
		fmt.Fprintf(tw, "%s\t%s\n", t.SourceID, t.Category)
	}
	return tw.Flush()
}

// PrintSummary writes a one-screen report of a finished run.
func PrintSummary(w io.Writer, sum pipeline.Summary) {
	fmt.Fprintf(w, "Run %s finished in %s\n", sum.RunID, FormatDurationShort(sum.Duration))
	fmt.Fprintf(w, "  channels:  %d scanned, %d failed\n", sum.Channels, sum.ChannelFailures)
	fmt.Fprintf(w, "  records:   %d assembled, %d upload failure(s)\n", sum.Records, sum.UploadFailures)
	fmt.Fprintf(w, "  delivery:  %d ok, %d failed\n", sum.Delivery.Success, sum.Delivery.Fail)
	if len(sum.Delivery.Failed) > 0 {
		fmt.Fprintf(w, "  failed ids: %s\n", strings.Join(sum.Delivery.Failed, ", "))
	}
}
