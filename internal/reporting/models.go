package reporting

import "time"

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// CallsSummaryRequest requests aggregated call metrics for one desk session.
// A zero range covers the whole retained history.
type CallsSummaryRequest struct {
	DeskSessionID string    `json:"desk_session_id"`
	Range         TimeRange `json:"range"`
}

type CallsSummary struct {
	DeskSessionID string `json:"desk_session_id"`

	TotalCalls      int `json:"total_calls"`
	CompletedCalls  int `json:"completed_calls"`
	InProgressCalls int `json:"in_progress_calls"`
	InboundCalls    int `json:"inbound_calls"`
	OutboundCalls   int `json:"outbound_calls"`

	TotalDurationSeconds   int    `json:"total_duration_seconds"`
	AverageDurationSeconds int    `json:"average_duration_seconds"`
	TotalTime              string `json:"total_time"`

	// BookedCalls had a booking reference resolved.
	BookedCalls        int `json:"booked_calls"`
	ParticipantsAdded  int `json:"participants_added"`
	ParticipantsFailed int `json:"participants_failed"`

	Languages map[string]int `json:"languages"`
}
