package disposition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"crm-dialer/internal/calls"
	"crm-dialer/pkg/logger"

	"github.com/go-playground/validator/v10"
)

// Request is the single or bulk disposition payload. LeadIDs wins over
// LeadID when both are set.
type Request struct {
	LeadID      int64   `json:"leadId" validate:"omitempty,gt=0"`
	LeadIDs     []int64 `json:"leadIds" validate:"omitempty,max=50,dive,gt=0"`
	Disposition string  `json:"disposition" validate:"required,disposition"`
	CallSid     string  `json:"callSid"`
}

type Item struct {
	ID          int64       `json:"id"`
	Disposition Disposition `json:"disposition"`
}

// Result reports what changed. Warnings carry failed secondary steps; the
// primary update stands regardless.
type Result struct {
	Updated  int      `json:"updated"`
	Data     []Item   `json:"data"`
	Message  string   `json:"message"`
	Warnings []string `json:"warnings,omitempty"`
}

// ActivityLog records one timeline entry per changed lead.
type ActivityLog interface {
	LogDispositionChange(ctx context.Context, leadIDs []int64, disposition, actorUserID, callID string) error
}

// CallEnder ends a call by internal or provider id; ending twice is a no-op.
type CallEnder interface {
	EndCall(ctx context.Context, ref string) (calls.Call, error)
}

type Service struct {
	leads    LeadStore
	activity ActivityLog
	calls    CallEnder
	validate *validator.Validate
	log      *slog.Logger
	clock    func() time.Time
}

func NewService(leads LeadStore, activity ActivityLog, ender CallEnder, log *slog.Logger) *Service {
	return &Service{
		leads:    leads,
		activity: activity,
		calls:    ender,
		validate: NewValidator(),
		log:      logger.OrDefault(log),
		clock:    time.Now,
	}
}

// NewValidator returns a validator with the "disposition" tag registered.
func NewValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("disposition", func(fl validator.FieldLevel) bool {
		if fl.Field().Kind() != reflect.String {
			return false
		}
		_, err := Parse(fl.Field().String())
		return err == nil
	})
	return v
}

// check rejects a request before any mutation and returns the normalized
// disposition and lead ids.
func (s *Service) check(req Request) (Disposition, []int64, error) {
	if len(req.LeadIDs) > MaxBatchSize {
		return "", nil, fmt.Errorf("%w: %d leads, max %d", ErrBatchTooLarge, len(req.LeadIDs), MaxBatchSize)
	}
	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				if fe.Field() == "Disposition" {
					return "", nil, fmt.Errorf("%w: %q", ErrInvalidDisposition, req.Disposition)
				}
			}
		}
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	d, err := Parse(req.Disposition)
	if err != nil {
		return "", nil, err
	}

	ids := req.LeadIDs
	if len(ids) == 0 {
		if req.LeadID <= 0 {
			return "", nil, fmt.Errorf("%w: leadId or leadIds is required", ErrInvalidArgument)
		}
		ids = []int64{req.LeadID}
	}
	seen := make(map[int64]struct{}, len(ids))
	unique := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	return d, unique, nil
}

// Set applies a disposition to one or many leads, logs one activity entry
// per updated lead and, when CallSid is set, ends that call. Only
// validation and the lead update itself can fail the operation.
func (s *Service) Set(ctx context.Context, actorUserID string, req Request) (Result, error) {
	d, ids, err := s.check(req)
	if err != nil {
		return Result{}, err
	}

	updated, err := s.leads.SetDisposition(ctx, ids, d, s.clock().UTC())
	if err != nil {
		return Result{}, err
	}

	res := Result{
		Updated: len(updated),
		Data:    make([]Item, 0, len(updated)),
		Message: fmt.Sprintf("Disposition updated to %s", d),
	}
	for _, id := range updated {
		res.Data = append(res.Data, Item{ID: id, Disposition: d})
	}

	if len(updated) > 0 && s.activity != nil {
		if err := s.activity.LogDispositionChange(ctx, updated, string(d), actorUserID, req.CallSid); err != nil {
			s.log.Warn("disposition activity log failed", "leads", len(updated), "error", err)
			res.Warnings = append(res.Warnings, "activity log not written: "+err.Error())
		}
	}

	if req.CallSid != "" && s.calls != nil {
		if _, err := s.calls.EndCall(ctx, req.CallSid); err != nil {
			s.log.Warn("end call after disposition failed", "call", req.CallSid, "error", err)
			res.Warnings = append(res.Warnings, "call not ended: "+err.Error())
		}
	}

	s.log.Info("disposition set", "disposition", d, "requested", len(ids), "updated", len(updated), "actor", actorUserID)
	return res, nil
}
