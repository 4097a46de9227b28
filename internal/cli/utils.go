// Package cli provides output helpers for the tsuuchi command line.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/hyperjump/tsuuchi/internal/models"
	"github.com/hyperjump/tsuuchi/internal/pipeline"
	"github.com/hyperjump/tsuuchi/pkg/utils"
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
	switch OutputFormat(strings.ToLower(strings.TrimSpace(s))) {
	case "", OutputText:
		return OutputText, nil
	case OutputJSON:
		return OutputJSON, nil
	default:
		return "", fmt.Errorf("unknown output format %q; use text or json", s)
	}
}

// WriteJSON writes v as indented JSON.
func WriteJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// WriteOutcome writes a processed submission and its match report.
func WriteOutcome(w io.Writer, out *pipeline.Outcome, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, out)
	}
	fmt.Fprintf(w, "Submission %s", out.Submission.ID)
	if out.Submission.Name != "" {
		fmt.Fprintf(w, " (%s)", out.Submission.Name)
	}
	fmt.Fprintf(w, " processed in %dms (extracted: %t, indexed: %t)\n\n",
		out.Duration.Milliseconds(), out.Extracted, out.Indexed)
	writeReportText(w, out.Report)
	return nil
}

func writeReportText(w io.Writer, report *models.MatchReport) {
	fmt.Fprintf(w, "Matched %d of %d subscriptions\n", len(report.MatchedChannelIDs), len(report.Results))
	for i := range report.Results {
		writeResultText(w, &report.Results[i])
	}
	if len(report.Related) > 0 {
		fmt.Fprintln(w, "\n--- Possible duplicates ---")
		writeRelatedText(w, report.Related)
	}
	if len(report.Diagnostics) > 0 {
		fmt.Fprintln(w, "\n--- Diagnostics ---")
		for _, d := range report.Diagnostics {
			writeLogText(w, d)
		}
	}
}

// WriteMatchResult writes the result of a single rule evaluation.
func WriteMatchResult(w io.Writer, res *models.MatchResult, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, res)
	}
	writeResultText(w, res)
	return nil
}

func writeResultText(w io.Writer, res *models.MatchResult) {
	mark := " "
	if res.Matched {
		mark = "✓"
	}
	fmt.Fprintf(w, "[%s] %s (%dms)\n", mark, res.ChannelID, res.Duration.Milliseconds())
	for _, l := range res.Logs {
		fmt.Fprint(w, "    ")
		writeLogText(w, l)
	}
}

func writeLogText(w io.Writer, l models.LogEntry) {
	fmt.Fprintf(w, "%-7s %s\n", l.Kind, utils.Truncate(l.Message, 300))
}

// WriteRelated writes related entries.
func WriteRelated(w io.Writer, entries []models.RelatedEntry, format OutputFormat) error {
	if format == OutputJSON {
		if entries == nil {
			entries = []models.RelatedEntry{}
		}
		return WriteJSON(w, entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(w, "No related submissions found")
		return nil
	}
	writeRelatedText(w, entries)
	return nil
}

func writeRelatedText(w io.Writer, entries []models.RelatedEntry) {
	for i, e := range entries {
		name := e.Name
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Fprintf(w, "%d. %s  %s | Score: %.4f (Similarity: %.4f, Keyword: %.4f)\n",
			i+1, e.ID, name, e.Score, e.Similarity, e.KeywordScore)
	}
}

// WriteSubscriptions writes the subscription table in order.
func WriteSubscriptions(w io.Writer, rules []models.SubscriptionRule, format OutputFormat) error {
	if format == OutputJSON {
		if rules == nil {
			rules = []models.SubscriptionRule{}
		}
		return WriteJSON(w, rules)
	}
	if len(rules) == 0 {
		fmt.Fprintln(w, "No subscriptions")
		return nil
	}
	for _, r := range rules {
		fmt.Fprintf(w, "%s  users: %s\n", r.ChannelID, strings.Join(r.SubscribedUserIDs, ", "))
		fmt.Fprintf(w, "    %s\n", TruncateWords(strings.Join(strings.Fields(r.Code), " "), 16))
	}
	return nil
}

// TruncateWords returns up to maxWords from the space-separated string.
func TruncateWords(s string, maxWords int) string {
	words := strings.Fields(s)
	if len(words) <= maxWords {
		return s
	}
	return strings.Join(words[:maxWords], " ") + "..."
}
