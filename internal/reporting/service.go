package reporting

import (
	"context"
	"errors"
	"sort"
	"time"

	"crm-dialer/internal/calls"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// Repository is satisfied by calls.Store.
type Repository interface {
	ListCalls(ctx context.Context, from, to time.Time) ([]calls.Call, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

func (s *Service) CallsSummary(ctx context.Context, req CallsSummaryRequest) (CallsSummary, error) {
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return CallsSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return CallsSummary{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.ListCalls(ctx, req.Range.From, req.Range.To)
	if err != nil {
		return CallsSummary{}, err
	}

	out := CallsSummary{Range: req.Range, AgentID: req.AgentID, SessionID: req.SessionID}
	agents := map[string]*AgentSummary{}
	for _, c := range rows {
		if req.AgentID != "" && c.AgentID != req.AgentID {
			continue
		}
		if req.SessionID != "" && c.SessionID != req.SessionID {
			continue
		}
		out.TotalCalls++
		out.TotalDurationSeconds += c.DurationSeconds
		switch c.Status {
		case calls.CallQueued:
			out.QueuedCalls++
		case calls.CallInProgress:
			out.InProgressCalls++
		case calls.CallCompleted:
			out.CompletedCalls++
		case calls.CallFailed:
			out.FailedCalls++
		}
		if c.AnsweredAt != nil {
			out.AnsweredCalls++
			switch c.MachineDetection {
			case calls.DetectionHuman:
				out.HumanAnswers++
			case calls.DetectionMachine:
				out.MachineAnswers++
			}
		}
		if c.AgentID != "" {
			a, ok := agents[c.AgentID]
			if !ok {
				a = &AgentSummary{AgentID: c.AgentID}
				agents[c.AgentID] = a
			}
			a.Calls++
			a.TotalDurationSeconds += c.DurationSeconds
		}
	}
	if out.AnsweredCalls > 0 {
		out.AverageDurationSeconds = out.TotalDurationSeconds / out.AnsweredCalls
	}
	if out.TotalCalls > 0 {
		out.ConnectionRate = float64(out.AnsweredCalls) / float64(out.TotalCalls)
	}
	for _, a := range agents {
		out.PerAgent = append(out.PerAgent, *a)
	}
	sort.Slice(out.PerAgent, func(i, j int) bool { return out.PerAgent[i].AgentID < out.PerAgent[j].AgentID })
	return out, nil
}
