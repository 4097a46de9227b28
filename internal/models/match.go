package models

import "time"

// LogKind classifies a diagnostic log entry.
type LogKind string

const (
	LogInfo    LogKind = "info"
	LogWarn    LogKind = "warn"
	LogError   LogKind = "error"
	LogTimeout LogKind = "timeout"
)

// LogEntry is a single diagnostic line attached to a match result or report.
type LogEntry struct {
	Kind    LogKind `json:"kind"`
	Message string  `json:"message"`
	// Detail holds trace information for errors, when available.
	Detail string `json:"detail,omitempty"`
}

// MatchResult is the outcome of evaluating one subscription rule.
type MatchResult struct {
	ChannelID string        `json:"channel_id"`
	Matched   bool          `json:"matched"`
	Logs      []LogEntry    `json:"logs"`
	Duration  time.Duration `json:"duration_ns"`
}

// HasErrors reports whether any log entry is an error or a timeout.
func (r *MatchResult) HasErrors() bool {
	for _, l := range r.Logs {
		if l.Kind == LogError || l.Kind == LogTimeout {
			return true
		}
	}
	return false
}

// RelatedEntry is a submission found to be similar to the one being processed.
type RelatedEntry struct {
	ID           string  `json:"id"`
	Name         string  `json:"name,omitempty"`
	Similarity   float64 `json:"similarity"`
	KeywordScore float64 `json:"keyword_score"`
	Score        float64 `json:"score"`
}

// MatchReport is the full diagnostic bundle for one submission update.
// Results preserve the order of the subscription table.
type MatchReport struct {
	SubmissionID      string         `json:"submission_id"`
	MatchedChannelIDs []string       `json:"matched_channel_ids"`
	Results           []MatchResult  `json:"results"`
	Related           []RelatedEntry `json:"related,omitempty"`
	Diagnostics       []LogEntry     `json:"diagnostics,omitempty"`
	Duration          time.Duration  `json:"duration_ns"`
}

// Result returns the result for channelID, if present.
func (r *MatchReport) Result(channelID string) (*MatchResult, bool) {
	for i := range r.Results {
		if r.Results[i].ChannelID == channelID {
			return &r.Results[i], true
		}
	}
	return nil, false
}

// AddDiagnostic appends a report-level log entry.
func (r *MatchReport) AddDiagnostic(kind LogKind, message string) {
	r.Diagnostics = append(r.Diagnostics, LogEntry{Kind: kind, Message: message})
}
