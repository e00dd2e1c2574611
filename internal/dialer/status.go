package dialer

import (
	"context"
	"errors"
	"strings"

	"crm-dialer/internal/calls"
	"crm-dialer/internal/callstatus"
	"crm-dialer/internal/telephony"
)

// Apply moves call state forward from an accepted provider status event.
// Events may arrive late or out of order; anything that would move a call
// backwards is ignored.
func (o *Orchestrator) Apply(ctx context.Context, u callstatus.Update) error {
	call, err := o.lookup(ctx, u.CallID, u.ProviderCallID)
	if err != nil {
		return err
	}
	at := u.OccurredAt
	if at.IsZero() {
		at = o.clock()
	}

	if call.ProviderCallID == "" && u.ProviderCallID != "" {
		// Status can beat the originate response back to us.
		bound, err := o.store.MarkOriginated(ctx, call.ID, u.ProviderCallID, at)
		if err != nil {
			o.log.Warn("bind provider call id failed", "call_id", call.ID, "error", err)
		} else {
			call = bound
		}
	}

	switch {
	case u.Status == callstatus.StatusInProgress:
		answered, err := o.store.MarkAnswered(ctx, call.ID, at)
		if errors.Is(err, calls.ErrInvalidTransition) {
			return nil
		}
		if err != nil {
			return err
		}
		if answered.AgentID != "" {
			return nil
		}
		if _, _, err := o.DispatchCall(ctx, call.ID); err != nil {
			o.log.Warn("dispatch answered call failed", "call_id", call.ID, "error", err)
		}
		return nil

	case u.Status.IsTerminal():
		if call.Status.IsTerminal() {
			return nil
		}
		status := calls.CallCompleted
		if u.Status == callstatus.StatusFailed {
			status = calls.CallFailed
		}
		contact := contactOutcome(call, u.AnsweredBy)
		if u.Status != callstatus.StatusCompleted {
			contact = calls.ContactNoAnswer
		}
		_, err := o.finish(ctx, call, status, contact, u.DurationSeconds)
		return err
	}
	return nil
}

func (o *Orchestrator) lookup(ctx context.Context, callID, providerCallID string) (calls.Call, error) {
	if callID != "" {
		call, err := o.store.GetCall(ctx, callID)
		if err == nil || !errors.Is(err, calls.ErrNotFound) || providerCallID == "" {
			return call, err
		}
	}
	if providerCallID == "" {
		return calls.Call{}, ErrInvalidArgument
	}
	return o.store.GetCallByProviderID(ctx, providerCallID)
}

// detectionFor maps a Twilio AnsweredBy value.
func detectionFor(answeredBy string) calls.MachineDetection {
	v := strings.ToLower(strings.TrimSpace(answeredBy))
	switch {
	case v == "human":
		return calls.DetectionHuman
	case strings.HasPrefix(v, "machine"), v == "fax":
		return calls.DetectionMachine
	default:
		return calls.DetectionUnknown
	}
}

// HandleMachineDetection records an async AMD result. It is informational:
// a machine answer does not hang up the call.
func (o *Orchestrator) HandleMachineDetection(ctx context.Context, cb telephony.StatusCallback) error {
	call, err := o.lookup(ctx, cb.CallID, cb.CallSid)
	if err != nil {
		return err
	}
	md := detectionFor(cb.AnsweredBy)
	at := cb.Timestamp
	if at.IsZero() {
		at = o.clock()
	}
	if _, err := o.store.SetMachineDetection(ctx, call.ID, md, at); err != nil {
		return err
	}
	o.log.Info("machine detection", "call_id", call.ID, "answered_by", cb.AnsweredBy, "result", md)
	return nil
}
