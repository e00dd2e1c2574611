package telephony

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// StatusCallback is the subset of a Twilio voice status or async AMD
// callback the dialer reads. CallID and SessionID come from the callback
// URL query string the dialer set at origination.
type StatusCallback struct {
	CallID    string
	SessionID string

	CallSid        string
	AccountSid     string
	CallStatus     string
	From           string
	To             string
	Direction      string
	AnsweredBy     string
	CallDuration   int
	SequenceNumber int

	// Timestamp is the provider event time, zero when absent.
	Timestamp time.Time
}

// callbackJSON mirrors the form field names for providers and relays that
// post JSON. Numbers may arrive quoted or bare.
type callbackJSON struct {
	CallID         string      `json:"callId"`
	SessionID      string      `json:"sessionId"`
	CallSid        string      `json:"CallSid"`
	AccountSid     string      `json:"AccountSid"`
	CallStatus     string      `json:"CallStatus"`
	From           string      `json:"From"`
	To             string      `json:"To"`
	Direction      string      `json:"Direction"`
	AnsweredBy     string      `json:"AnsweredBy"`
	CallDuration   looseNumber `json:"CallDuration"`
	SequenceNumber looseNumber `json:"SequenceNumber"`
	Timestamp      string      `json:"Timestamp"`
}

// looseNumber keeps a JSON number or string verbatim for strconv.
type looseNumber string

func (n *looseNumber) UnmarshalJSON(b []byte) error {
	*n = looseNumber(strings.Trim(string(b), `"`))
	return nil
}

const maxCallbackBody = 64 << 10

// ParseStatusCallback reads a Twilio callback posted as a form or as JSON.
// Missing fields are left empty; deciding whether the event is usable is
// the caller's job. call_id and session_id in the URL query win over the body.
func ParseStatusCallback(r *http.Request) (StatusCallback, error) {
	var (
		raw callbackJSON
		err error
	)
	if ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); ct == "application/json" {
		err = json.NewDecoder(io.LimitReader(r.Body, maxCallbackBody)).Decode(&raw)
	} else {
		raw, err = formCallback(r)
	}
	if err != nil {
		return StatusCallback{}, err
	}

	q := r.URL.Query()
	cb := StatusCallback{
		CallID:     strings.TrimSpace(firstSet(q.Get("call_id"), raw.CallID)),
		SessionID:  strings.TrimSpace(firstSet(q.Get("session_id"), raw.SessionID)),
		CallSid:    strings.TrimSpace(raw.CallSid),
		AccountSid: strings.TrimSpace(raw.AccountSid),
		CallStatus: strings.ToLower(strings.TrimSpace(raw.CallStatus)),
		From:       strings.TrimSpace(raw.From),
		To:         strings.TrimSpace(raw.To),
		Direction:  raw.Direction,
		AnsweredBy: strings.ToLower(strings.TrimSpace(raw.AnsweredBy)),
	}
	if n, err := strconv.Atoi(string(raw.CallDuration)); err == nil && n > 0 {
		cb.CallDuration = n
	}
	if n, err := strconv.Atoi(string(raw.SequenceNumber)); err == nil {
		cb.SequenceNumber = n
	}
	if raw.Timestamp != "" {
		if t, err := time.Parse(time.RFC1123Z, raw.Timestamp); err == nil {
			cb.Timestamp = t.UTC()
		} else if t, err := time.Parse(time.RFC3339, raw.Timestamp); err == nil {
			cb.Timestamp = t.UTC()
		}
	}
	return cb, nil
}

func formCallback(r *http.Request) (callbackJSON, error) {
	if err := r.ParseForm(); err != nil {
		return callbackJSON{}, err
	}
	return callbackJSON{
		CallSid:        r.PostFormValue("CallSid"),
		AccountSid:     r.PostFormValue("AccountSid"),
		CallStatus:     r.PostFormValue("CallStatus"),
		From:           r.PostFormValue("From"),
		To:             r.PostFormValue("To"),
		Direction:      r.PostFormValue("Direction"),
		AnsweredBy:     r.PostFormValue("AnsweredBy"),
		CallDuration:   looseNumber(r.PostFormValue("CallDuration")),
		SequenceNumber: looseNumber(r.PostFormValue("SequenceNumber")),
		Timestamp:      r.PostFormValue("Timestamp"),
	}, nil
}

func firstSet(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
