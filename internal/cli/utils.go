// Package cli formats docqa results for the command line.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/hyperjump/docqa/internal/models"
	"github.com/hyperjump/docqa/internal/service"
	"github.com/hyperjump/docqa/pkg/utils"
)

// OutputFormat is the format for command output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// ParseOutputFormat validates a --output flag value.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch OutputFormat(s) {
	case OutputText, "":
		return OutputText, nil
	case OutputJSON:
		return OutputJSON, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want text or json)", s)
	}
}

// chunkPreview is how many characters of a retrieved chunk the text output shows.
const chunkPreview = 200

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// WriteQueryResponse writes an answer and the chunks it was based on.
func WriteQueryResponse(w io.Writer, resp *models.QueryResponse, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, resp)
	}
	fmt.Fprintf(w, "\n%s\n\n", resp.Answer)
	fmt.Fprintf(w, "Retrieved %d chunks in %dms\n", len(resp.Chunks), resp.QueryTime)
	for _, c := range resp.Chunks {
		fmt.Fprintf(w, "─────────────────────────────────────────────────────────\n")
		fmt.Fprintf(w, "Rank: %d | Chunk: %d | Distance: %.4f\n", c.Rank, c.Index, c.Distance)
		fmt.Fprintf(w, "%s\n", utils.Truncate(utils.SingleLine(c.Text), chunkPreview))
	}
	return nil
}

// WriteProcessResult writes the outcome of ingesting one document.
func WriteProcessResult(w io.Writer, res *service.ProcessResult, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, res)
	}
	fmt.Fprintf(w, "Session %s: %s, %d chunks in %s\n", res.SessionID, res.Status, res.Chunks, res.Duration.Round(time.Millisecond))
	return nil
}

// WriteStatus writes the status of one session.
func WriteStatus(w io.Writer, st *models.SessionStatus, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, st)
	}
	fmt.Fprintf(w, "Session:    %s\n", st.SessionID)
	if st.Filename != "" {
		fmt.Fprintf(w, "File:       %s\n", st.Filename)
	}
	fmt.Fprintf(w, "Processed:  %t\n", st.Processed)
	if st.Processed {
		fmt.Fprintf(w, "Chunks:     %d\n", st.Chunks)
		fmt.Fprintf(w, "Dimensions: %d\n", st.Dimensions)
	}
	fmt.Fprintf(w, "Disk usage: %s\n", FormatBytes(st.DiskBytes))
	return nil
}

// WriteSessions writes one row per session.
func WriteSessions(w io.Writer, list []*models.SessionStatus, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, map[string]interface{}{"sessions": list})
	}
	if len(list) == 0 {
		fmt.Fprintln(w, "No sessions.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tFILE\tPROCESSED\tCHUNKS\tSIZE")
	for _, st := range list {
		fmt.Fprintf(tw, "%s\t%s\t%t\t%d\t%s\n", st.SessionID, utils.Truncate(st.Filename, 40), st.Processed, st.Chunks, FormatBytes(st.DiskBytes))
	}
	return tw.Flush()
}

// FormatBytes renders n with a binary unit suffix.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
