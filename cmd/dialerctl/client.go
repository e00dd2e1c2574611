package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"crm-dialer/internal/autodialer"
	"crm-dialer/internal/calls"
	"crm-dialer/internal/callstatus"
	"crm-dialer/internal/disposition"
)

// apiError is the structured failure the dialer API returns.
type apiError struct {
	Status  int
	Kind    string `json:"error"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s (%d)", e.Kind, e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

type client struct {
	base  string
	token string
	http  *http.Client
}

func newClient(base, token string) *client {
	return &client{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http:  &http.Client{Timeout: 15 * time.Second},
	}
}

// do sends body as JSON and decodes the response into out. Non-2xx
// responses come back as *apiError.
func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("connect %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		apiErr := &apiError{Status: resp.StatusCode}
		if json.Unmarshal(raw, apiErr) != nil || apiErr.Kind == "" {
			apiErr.Kind = resp.Status
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

type nextContactResponse struct {
	HasMoreLeads bool          `json:"hasMoreLeads"`
	Contact      calls.Contact `json:"contact"`
	PhoneNumber  string        `json:"phoneNumber"`
	Name         string        `json:"name"`
	CallID       string        `json:"callId"`
	Attempt      int           `json:"attempt"`
}

func (c *client) next(ctx context.Context, sessionID, userID string) (nextContactResponse, error) {
	var out nextContactResponse
	err := c.do(ctx, http.MethodPost, "/api/dialer/next", map[string]string{"sessionId": sessionID, "userId": userID}, &out)
	return out, err
}

func (c *client) originate(ctx context.Context, callID, to string) (calls.Call, error) {
	var out struct {
		Call calls.Call `json:"call"`
	}
	err := c.do(ctx, http.MethodPost, "/api/dialer/calls/"+callID+"/originate", map[string]string{"phoneNumber": to}, &out)
	return out.Call, err
}

func (c *client) end(ctx context.Context, ref string) (calls.Call, error) {
	var out struct {
		Call calls.Call `json:"call"`
	}
	err := c.do(ctx, http.MethodPost, "/api/dialer/calls/"+ref+"/end", nil, &out)
	return out.Call, err
}

type stopResponse struct {
	Agent      calls.Agent `json:"agent"`
	EndedCalls []string    `json:"endedCalls"`
	Warnings   []string    `json:"warnings"`
}

func (c *client) stop(ctx context.Context, agentID string) (stopResponse, error) {
	var out stopResponse
	err := c.do(ctx, http.MethodPost, "/api/dialer/agents/"+agentID+"/stop", nil, &out)
	return out, err
}

func (c *client) activeCalls(ctx context.Context) ([]calls.ActiveCall, error) {
	var out struct {
		Data []calls.ActiveCall `json:"data"`
	}
	err := c.do(ctx, http.MethodGet, "/api/dialer/active-calls", nil, &out)
	return out.Data, err
}

func (c *client) dispose(ctx context.Context, req disposition.Request) (disposition.Result, error) {
	var out disposition.Result
	err := c.do(ctx, http.MethodPost, "/api/leads/disposition", req, &out)
	return out, err
}

// latest fetches a session's last known status; ok is false when idle.
func (c *client) latest(ctx context.Context, sessionID string) (callstatus.Update, bool, error) {
	var out struct {
		Latest *callstatus.Update `json:"latest"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/dialer/sessions/"+sessionID+"/status", nil, &out); err != nil {
		return callstatus.Update{}, false, err
	}
	if out.Latest == nil {
		return callstatus.Update{}, false, nil
	}
	return *out.Latest, true, nil
}

func (c *client) autoStart(ctx context.Context, sessionID string, enabled bool, delayMs, noAnswerMs int64) (autodialer.Status, error) {
	var out struct {
		AutoDialer autodialer.Status `json:"autoDialer"`
	}
	err := c.do(ctx, http.MethodPut, "/api/dialer/sessions/"+sessionID+"/auto", map[string]any{
		"enabled":           enabled,
		"delayBetweenCalls": delayMs,
		"noAnswerTimeout":   noAnswerMs,
	}, &out)
	return out.AutoDialer, err
}

func (c *client) autoStop(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodDelete, "/api/dialer/sessions/"+sessionID+"/auto", nil, nil)
}
