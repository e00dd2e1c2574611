package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"crm-dialer/internal/auth"
	"crm-dialer/internal/config"

	"github.com/spf13/viper"
)

func fakeAPI(t *testing.T) *httptest.Server {
	t.Helper()
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/dialer/next", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"success":false,"error":"Unauthorized","message":"missing bearer token"}`))
			return
		}
		_, _ = w.Write([]byte(`{"success":true,"hasMoreLeads":true,"callId":"call-1","phoneNumber":"+15551234567","name":"Ann","attempt":1}`))
	})
	mux.HandleFunc("/api/dialer/calls/call-1/originate", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"call":{"id":"call-1","provider_call_id":"CA123","status":"in_progress"}}`))
	})
	mux.HandleFunc("/api/dialer/calls/nope/end", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"success":false,"error":"NotFound","message":"not found"}`))
	})
	mux.HandleFunc("/api/leads/disposition", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		ids, _ := body["leadIds"].([]any)
		_, _ = w.Write([]byte(`{"success":true,"updated":` + itoa(len(ids)) + `,"message":"Disposition updated"}`))
	})
	mux.HandleFunc("/api/dialer/sessions/s1/status", func(w http.ResponseWriter, r *http.Request) {
		// idle, then the same update twice, then a new one
		switch polls.Add(1) {
		case 1:
			_, _ = w.Write([]byte(`{"success":true,"latest":null,"history":[]}`))
		case 2, 3:
			_, _ = w.Write([]byte(`{"success":true,"latest":{"id":"u1","provider_call_id":"CA123","status":"ringing"}}`))
		default:
			_, _ = w.Write([]byte(`{"success":true,"latest":{"id":"u2","provider_call_id":"CA123","status":"completed"}}`))
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func itoa(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(viper.New(), &out)
	cmd.SetArgs(args)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestNextAndDial(t *testing.T) {
	srv := fakeAPI(t)
	out, err := runCLI(t, "--host", srv.URL, "--token", "tok", "next", "--session", "s1", "--dial")
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if !strings.Contains(out, "call call-1: Ann +15551234567") || !strings.Contains(out, "originated CA123") {
		t.Fatalf("output = %q", out)
	}
}

func TestAPIErrorSurfaces(t *testing.T) {
	srv := fakeAPI(t)
	_, err := runCLI(t, "--host", srv.URL, "next", "--session", "s1")
	var apiErr *apiError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized || apiErr.Kind != "Unauthorized" {
		t.Fatalf("err = %v", err)
	}

	_, err = runCLI(t, "--host", srv.URL, "end", "nope")
	if !errors.As(err, &apiErr) || apiErr.Kind != "NotFound" {
		t.Fatalf("err = %v", err)
	}
}

func TestDispose(t *testing.T) {
	srv := fakeAPI(t)
	out, err := runCLI(t, "--host", srv.URL, "dispose", "--leads", "1, 2,3", "--disposition", "Dead")
	if err != nil {
		t.Fatalf("dispose: %v", err)
	}
	if !strings.Contains(out, "(3 updated)") {
		t.Fatalf("output = %q", out)
	}

	if _, err := runCLI(t, "--host", srv.URL, "dispose", "--leads", "1,x", "--disposition", "Dead"); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestWatchPrintsDistinctUpdates(t *testing.T) {
	srv := fakeAPI(t)
	out, err := runCLI(t, "--host", srv.URL, "watch", "s1", "--interval", "5ms", "--max", "2")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 || !strings.Contains(lines[0], "ringing") || !strings.Contains(lines[1], "completed") {
		t.Fatalf("output = %q", out)
	}
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("JWT_SECRET", "cli-secret")
	out, err := runCLI(t, "token", "--user", "u7", "--role", "supervisor")
	if err != nil {
		t.Fatalf("token: %v", err)
	}

	m, _ := auth.NewManager(config.AuthConfig{JWTSecret: "cli-secret", AccessTokenTTL: time.Hour, RefreshTokenTTL: 2 * time.Hour})
	claims, err := m.Verify(strings.TrimSpace(out), auth.TokenTypeAccess, time.Now())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.UserID != "u7" || claims.Role != "supervisor" {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestParseIDs(t *testing.T) {
	ids, err := parseIDs(" 4,5,,6 ")
	if err != nil || len(ids) != 3 || ids[2] != 6 {
		t.Fatalf("ids = %v err = %v", ids, err)
	}
	if _, err := parseIDs(" , "); err == nil {
		t.Fatalf("expected error for empty list")
	}
}
