package callstatus

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"crm-dialer/internal/telephony"
)

// eventJSON is the JSON shape of the generic ingest endpoint. Both the
// dashboard's camelCase names and the provider's names are accepted.
type eventJSON struct {
	SessionID  string `json:"sessionId"`
	CallID     string `json:"callId"`
	CallSid    string `json:"callSid"`
	CallSidAlt string `json:"CallSid"`
	Status     string `json:"status"`
	StatusAlt  string `json:"CallStatus"`
	From       string `json:"from"`
	To         string `json:"to"`
	Duration   int    `json:"duration"`
	AnsweredBy string `json:"answeredBy"`
	OccurredAt string `json:"timestamp"`
}

// DecodeEvent reads a status event from a JSON or form body. A body that
// fails to parse yields an empty Update, which Ingest rejects as missing
// data instead of surfacing a decode error.
func DecodeEvent(r *http.Request) Update {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/json" {
		var e eventJSON
		body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
		if err != nil || json.Unmarshal(body, &e) != nil {
			return Update{}
		}
		u := Update{
			SessionID:       strings.TrimSpace(e.SessionID),
			CallID:          strings.TrimSpace(e.CallID),
			ProviderCallID:  strings.TrimSpace(firstNonEmpty(e.CallSid, e.CallSidAlt)),
			RawStatus:       strings.TrimSpace(firstNonEmpty(e.Status, e.StatusAlt)),
			From:            e.From,
			To:              e.To,
			DurationSeconds: e.Duration,
			AnsweredBy:      e.AnsweredBy,
		}
		if t, err := time.Parse(time.RFC3339, e.OccurredAt); err == nil {
			u.OccurredAt = t.UTC()
		}
		return u
	}

	cb, err := telephony.ParseStatusCallback(r)
	if err != nil {
		return Update{}
	}
	u := FromCallback(cb)
	if u.SessionID == "" {
		u.SessionID = strings.TrimSpace(r.PostFormValue("sessionId"))
	}
	if u.ProviderCallID == "" {
		u.ProviderCallID = strings.TrimSpace(r.PostFormValue("callSid"))
	}
	if u.RawStatus == "" {
		u.RawStatus = strings.TrimSpace(r.PostFormValue("status"))
	}
	if u.DurationSeconds == 0 {
		u.DurationSeconds, _ = strconv.Atoi(r.PostFormValue("duration"))
	}
	return u
}

// FromCallback converts a provider webhook into an Update.
func FromCallback(cb telephony.StatusCallback) Update {
	return Update{
		SessionID:       cb.SessionID,
		CallID:          cb.CallID,
		ProviderCallID:  cb.CallSid,
		RawStatus:       cb.CallStatus,
		From:            cb.From,
		To:              cb.To,
		DurationSeconds: cb.CallDuration,
		AnsweredBy:      cb.AnsweredBy,
		OccurredAt:      cb.Timestamp,
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
