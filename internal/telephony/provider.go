package telephony

import (
	"context"
	"errors"
	"fmt"
)

// Gateway is the call-placement boundary. Business logic never talks to a
// provider SDK or REST API directly.
type Gateway interface {
	Name() string

	// Originate places an outbound call and returns the provider call id.
	Originate(ctx context.Context, req OriginateRequest) (string, error)

	// Terminate hangs up a provider call. Calls that already ended surface
	// as ErrCallNotActive.
	Terminate(ctx context.Context, providerCallID string) error
}

// OriginateRequest carries the destination and the callback URLs the
// provider should report to. Numbers are E.164.
type OriginateRequest struct {
	To   string
	From string

	// AnswerURL returns the TwiML executed once the callee picks up.
	AnswerURL string

	StatusCallbackURL   string
	MachineDetectionURL string

	// RingTimeoutSeconds is the provider-side ring timeout; 0 uses the gateway default.
	RingTimeoutSeconds int
}

func (r OriginateRequest) validate() error {
	if r.To == "" {
		return errors.New("telephony: destination number is required")
	}
	if r.StatusCallbackURL == "" {
		return errors.New("telephony: status callback url is required")
	}
	return nil
}

var (
	// ErrProviderRejected marks a request the provider answered with an error.
	ErrProviderRejected = errors.New("provider rejected request")

	// ErrCallNotActive marks a terminate against a call the provider already closed.
	ErrCallNotActive = errors.New("provider call not active")
)

// ProviderError is a provider-reported failure.
type ProviderError struct {
	Op         string
	StatusCode int
	Code       int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: provider error %d (code %d): %s", e.Op, e.StatusCode, e.Code, e.Message)
}

func (e *ProviderError) Is(target error) bool {
	switch target {
	case ErrProviderRejected:
		return true
	case ErrCallNotActive:
		return e.Op == "terminate" && (e.StatusCode == 404 || e.Code == twilioCodeCallNotInProgress)
	default:
		return false
	}
}
