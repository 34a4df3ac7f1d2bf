package reporting

import (
	"context"
	"errors"
	"time"

	"linguist-desk/internal/calls"
	"linguist-desk/internal/session"
	"linguist-desk/internal/telephony"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// Repository abstracts call history access. *calls.Log implements it.
type Repository interface {
	ListCalls(ctx context.Context, deskSessionID string, from, to time.Time) ([]calls.Call, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

func (s *Service) CallsSummary(ctx context.Context, req CallsSummaryRequest) (CallsSummary, error) {
	if req.DeskSessionID == "" {
		return CallsSummary{}, ErrInvalidRequest
	}
	if !req.Range.From.IsZero() && !req.Range.To.IsZero() && !req.Range.To.After(req.Range.From) {
		return CallsSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return CallsSummary{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.ListCalls(ctx, req.DeskSessionID, req.Range.From, req.Range.To)
	if err != nil {
		return CallsSummary{}, err
	}

	out := CallsSummary{DeskSessionID: req.DeskSessionID, Languages: map[string]int{}}
	for _, c := range rows {
		out.TotalCalls++
		out.TotalDurationSeconds += c.DurationSeconds
		out.ParticipantsAdded += len(c.Participants)
		out.ParticipantsFailed += c.FailedParticipants
		if c.BookingRef != "" {
			out.BookedCalls++
		}
		if c.Language != "" {
			out.Languages[c.Language]++
		}
		switch c.Status {
		case calls.CallStatusCompleted:
			out.CompletedCalls++
		case calls.CallStatusInProgress:
			out.InProgressCalls++
		}
		switch c.Direction {
		case telephony.DirectionInbound:
			out.InboundCalls++
		case telephony.DirectionOutbound:
			out.OutboundCalls++
		}
	}
	if out.CompletedCalls > 0 {
		out.AverageDurationSeconds = out.TotalDurationSeconds / out.CompletedCalls
	}
	out.TotalTime = session.FormatCallTime(out.TotalDurationSeconds)
	return out, nil
}
