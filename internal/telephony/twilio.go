package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// twilioCodeCallNotInProgress is returned when modifying a call that already ended.
const twilioCodeCallNotInProgress = 21220

const defaultTwilioBaseURL = "https://api.twilio.com"

// TwilioConfig holds REST credentials. BaseURL is overridable for tests.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	BaseURL    string
	Timeout    time.Duration
}

// TwilioGateway places and ends calls through the Twilio Calls REST resource.
type TwilioGateway struct {
	accountSID string
	authToken  string
	from       string
	baseURL    string
	httpClient *http.Client
}

func NewTwilioGateway(cfg TwilioConfig) *TwilioGateway {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultTwilioBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &TwilioGateway{
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		from:       cfg.FromNumber,
		baseURL:    base,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (g *TwilioGateway) Name() string { return "twilio" }

type twilioCallResource struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

type twilioErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (g *TwilioGateway) callsURL() string {
	return fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls.json", g.baseURL, url.PathEscape(g.accountSID))
}

func (g *TwilioGateway) callURL(sid string) string {
	return fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls/%s.json", g.baseURL, url.PathEscape(g.accountSID), url.PathEscape(sid))
}

func (g *TwilioGateway) Originate(ctx context.Context, req OriginateRequest) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}
	from := req.From
	if from == "" {
		from = g.from
	}
	ring := req.RingTimeoutSeconds
	if ring <= 0 {
		ring = 30
	}

	form := url.Values{}
	form.Set("To", req.To)
	form.Set("From", from)
	if req.AnswerURL != "" {
		form.Set("Url", req.AnswerURL)
		form.Set("Method", http.MethodPost)
	} else {
		form.Set("Twiml", EmptyResponse)
	}
	form.Set("StatusCallback", req.StatusCallbackURL)
	form.Set("StatusCallbackMethod", http.MethodPost)
	for _, ev := range []string{"initiated", "ringing", "answered", "completed"} {
		form.Add("StatusCallbackEvent", ev)
	}
	form.Set("Timeout", strconv.Itoa(ring))
	if req.MachineDetectionURL != "" {
		form.Set("MachineDetection", "Enable")
		form.Set("AsyncAmd", "true")
		form.Set("AsyncAmdStatusCallback", req.MachineDetectionURL)
		form.Set("AsyncAmdStatusCallbackMethod", http.MethodPost)
	}

	var res twilioCallResource
	if err := g.post(ctx, "originate", g.callsURL(), form, &res); err != nil {
		return "", err
	}
	if res.SID == "" {
		return "", &ProviderError{Op: "originate", StatusCode: http.StatusOK, Message: "response carried no call sid"}
	}
	return res.SID, nil
}

func (g *TwilioGateway) Terminate(ctx context.Context, providerCallID string) error {
	if providerCallID == "" {
		return fmt.Errorf("telephony: provider call id is required")
	}
	form := url.Values{}
	form.Set("Status", "completed")
	return g.post(ctx, "terminate", g.callURL(providerCallID), form, nil)
}

func (g *TwilioGateway) post(ctx context.Context, op, endpoint string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(g.accountSID, g.authToken)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: request failed: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s: read response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		pe := &ProviderError{Op: op, StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		var eb twilioErrorBody
		if json.Unmarshal(body, &eb) == nil && eb.Message != "" {
			pe.Code = eb.Code
			pe.Message = eb.Message
		}
		return pe
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

var _ Gateway = (*TwilioGateway)(nil)
