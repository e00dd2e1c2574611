package dialer

import (
	"context"
	"errors"
)

var errUnexpectedResult = errors.New("unexpected next-contact result")

// AutoDialer exposes the orchestrator to the auto-dialer timer.
type AutoDialer struct {
	o *Orchestrator
}

func NewAutoDialer(o *Orchestrator) AutoDialer {
	return AutoDialer{o: o}
}

// PlaceNext claims and originates the next contact. ok is false when the
// pool is exhausted.
func (a AutoDialer) PlaceNext(ctx context.Context, sessionID, userID string) (string, bool, error) {
	res, err := a.o.RequestNextContact(ctx, sessionID, userID)
	if err != nil {
		return "", false, err
	}
	switch r := res.(type) {
	case Exhausted:
		return "", false, nil
	case Found:
		if _, err := a.o.OriginateCall(ctx, r.Call.ID, ""); err != nil {
			return r.Call.ID, true, err
		}
		return r.Call.ID, true, nil
	default:
		return "", false, errUnexpectedResult
	}
}

func (a AutoDialer) EndCall(ctx context.Context, callID string) error {
	_, err := a.o.EndCall(ctx, callID)
	return err
}
