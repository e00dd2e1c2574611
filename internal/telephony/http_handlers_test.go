package telephony

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func newWebhookRouter(h WebhookHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/webhooks/twilio/status", h.HandleStatus)
	r.POST("/webhooks/twilio/amd", h.HandleMachineDetection)
	r.POST("/webhooks/twilio/answer", h.HandleAnswer)
	return r
}

func postForm(r http.Handler, target string, form url.Values, sig string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if sig != "" {
		req.Header.Set("X-Twilio-Signature", sig)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandleStatus_ParsesAndAcks(t *testing.T) {
	var got StatusCallback
	h := WebhookHandler{
		OnStatus: func(_ context.Context, cb StatusCallback) error {
			got = cb
			return nil
		},
		Now: func() time.Time { return time.Unix(1700000000, 0).UTC() },
	}
	form := url.Values{
		"CallSid":      {"CA123"},
		"CallStatus":   {"Completed"},
		"From":         {"+15550000000"},
		"To":           {"+15551234567"},
		"CallDuration": {"42"},
	}
	w := postForm(newWebhookRouter(h), "/webhooks/twilio/status?call_id=c1&session_id=s1", form, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "<Response>") {
		t.Fatalf("expected twiml ack, got %s", w.Body.String())
	}
	if got.CallSid != "CA123" || got.CallStatus != "completed" || got.CallID != "c1" || got.SessionID != "s1" {
		t.Fatalf("unexpected callback %+v", got)
	}
	if got.CallDuration != 42 || got.Timestamp.IsZero() {
		t.Fatalf("expected duration and server timestamp, got %+v", got)
	}
}

func TestHandleStatus_SinkErrorStillAcks(t *testing.T) {
	h := WebhookHandler{OnStatus: func(context.Context, StatusCallback) error { return errors.New("boom") }}
	w := postForm(newWebhookRouter(h), "/webhooks/twilio/status", url.Values{}, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 even on sink failure, got %d", w.Code)
	}
}

func TestHandleStatus_RejectsBadSignature(t *testing.T) {
	called := false
	v := &SignatureValidator{AuthToken: "tok", BaseURL: "https://crm.example.com"}
	h := WebhookHandler{
		OnStatus:   func(context.Context, StatusCallback) error { called = true; return nil },
		Signatures: v,
	}
	form := url.Values{"CallSid": {"CA1"}, "CallStatus": {"ringing"}}
	r := newWebhookRouter(h)

	w := postForm(r, "/webhooks/twilio/status?call_id=c1", form, "bogus")
	if w.Code != http.StatusOK || called {
		t.Fatalf("expected ack without applying, code=%d called=%v", w.Code, called)
	}

	sig := v.Sign("https://crm.example.com/webhooks/twilio/status?call_id=c1", form)
	postForm(r, "/webhooks/twilio/status?call_id=c1", form, sig)
	if !called {
		t.Fatalf("expected correctly signed callback to be applied")
	}
}

func TestHandleMachineDetection(t *testing.T) {
	var got StatusCallback
	h := WebhookHandler{OnMachineDetection: func(_ context.Context, cb StatusCallback) error { got = cb; return nil }}
	postForm(newWebhookRouter(h), "/webhooks/twilio/amd?call_id=c1", url.Values{"CallSid": {"CA1"}, "AnsweredBy": {"machine_end_beep"}}, "")
	if got.AnsweredBy != "machine_end_beep" || got.CallID != "c1" {
		t.Fatalf("unexpected amd callback %+v", got)
	}
}

func TestHandleAnswer_BridgesToRoom(t *testing.T) {
	w := postForm(newWebhookRouter(WebhookHandler{}), "/webhooks/twilio/answer?call_id=c1", url.Values{"CallSid": {"CA1"}}, "")
	if !strings.Contains(w.Body.String(), RoomName("c1")) {
		t.Fatalf("expected room in twiml, got %s", w.Body.String())
	}
	w = postForm(newWebhookRouter(WebhookHandler{}), "/webhooks/twilio/answer", url.Values{}, "")
	if !strings.Contains(w.Body.String(), "<Hangup>") {
		t.Fatalf("expected hangup without call id, got %s", w.Body.String())
	}
}

func TestParseStatusCallback_Timestamp(t *testing.T) {
	form := url.Values{"CallSid": {"CA1"}, "Timestamp": {"Mon, 16 Aug 2010 03:45:01 +0000"}}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	cb, err := ParseStatusCallback(req)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := time.Date(2010, 8, 16, 3, 45, 1, 0, time.UTC)
	if !cb.Timestamp.Equal(want) {
		t.Fatalf("expected %v, got %v", want, cb.Timestamp)
	}
}

func TestHandleStatus_AcceptsJSONBody(t *testing.T) {
	var got StatusCallback
	called := false
	h := WebhookHandler{OnStatus: func(_ context.Context, cb StatusCallback) error {
		called = true
		got = cb
		return nil
	}}
	body := `{"CallSid":"CA123","CallStatus":"Completed","CallDuration":"17","sessionId":"s9"}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio/status?call_id=c1", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	w := httptest.NewRecorder()
	newWebhookRouter(h).ServeHTTP(w, req)

	if w.Code != http.StatusOK || !called {
		t.Fatalf("expected sink called and 200, got %d called=%v", w.Code, called)
	}
	if got.CallSid != "CA123" || got.CallStatus != "completed" || got.CallDuration != 17 {
		t.Fatalf("unexpected callback %+v", got)
	}
	if got.CallID != "c1" || got.SessionID != "s9" {
		t.Fatalf("expected query call id and body session id, got %+v", got)
	}
}

func TestHandleStatus_MalformedJSONStillAcks(t *testing.T) {
	called := false
	h := WebhookHandler{OnStatus: func(context.Context, StatusCallback) error { called = true; return nil }}
	req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio/status", strings.NewReader(`{"CallSid":`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	newWebhookRouter(h).ServeHTTP(w, req)
	if w.Code != http.StatusOK || called {
		t.Fatalf("expected ack without sink call, got %d called=%v", w.Code, called)
	}
}

func TestParseStatusCallback_JSONNumbers(t *testing.T) {
	body := `{"CallSid":"CA1","CallDuration":42,"SequenceNumber":"3","Timestamp":"2010-08-16T03:45:01Z"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	cb, err := ParseStatusCallback(req)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cb.CallDuration != 42 || cb.SequenceNumber != 3 {
		t.Fatalf("unexpected numbers %+v", cb)
	}
	if want := time.Date(2010, 8, 16, 3, 45, 1, 0, time.UTC); !cb.Timestamp.Equal(want) {
		t.Fatalf("expected %v, got %v", want, cb.Timestamp)
	}
}
