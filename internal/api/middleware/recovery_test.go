package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// captureLogs points the default logger at a buffer for the duration of
// the test and restores it afterwards.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestRecovererTurnsPanicIntoJSON500(t *testing.T) {
	captureLogs(t)

	handler := Recoverer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(errors.New("driver wedged"))
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/call/dial", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusInternalServerError)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type = %q, want application/json", ct)
	}

	var env struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("response is not valid JSON: %v", err)
	}
	if env.Error != "internal server error" {
		t.Fatalf("error = %q, want %q", env.Error, "internal server error")
	}
}

func TestRecovererLogsPanicDetails(t *testing.T) {
	buf := captureLogs(t)

	// Mounted behind RequestID, as the router does, so the log line can
	// be correlated with the request.
	handler := chimw.RequestID(Recoverer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("tone queue corrupted")
	})))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/call/dtmf", nil))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not valid JSON: %v", err)
	}

	if entry["msg"] != "panic recovered" {
		t.Errorf("msg = %v, want %q", entry["msg"], "panic recovered")
	}
	if entry["panic"] != "tone queue corrupted" {
		t.Errorf("panic = %v, want %q", entry["panic"], "tone queue corrupted")
	}
	if entry["method"] != "POST" {
		t.Errorf("method = %v, want POST", entry["method"])
	}
	if entry["path"] != "/api/v1/call/dtmf" {
		t.Errorf("path = %v, want /api/v1/call/dtmf", entry["path"])
	}
	if id, _ := entry["request_id"].(string); id == "" {
		t.Error("request_id missing from panic log")
	}
	if stack, _ := entry["stack"].(string); !strings.Contains(stack, "recovery_test.go") {
		t.Errorf("stack does not point at the panicking frame: %q", stack)
	}
}

func TestRecovererPassesThroughCleanRequests(t *testing.T) {
	buf := captureLogs(t)

	handler := Recoverer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Probe", "ok")
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusNoContent)
	}
	if rr.Header().Get("X-Probe") != "ok" {
		t.Fatal("handler response was altered")
	}
	if buf.Len() != 0 {
		t.Fatalf("unexpected log output: %s", buf.String())
	}
}
