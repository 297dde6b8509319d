package api

import (
	"fmt"
	"net/http"
	"time"
)

// statusResponse is the shape returned by GET /status.
type statusResponse struct {
	Registration registrationResponse `json:"registration"`
	Call         callStateResponse    `json:"call"`
	Uptime       uptimeResponse       `json:"uptime"`
}

type registrationResponse struct {
	State        string  `json:"state"`
	LastError    string  `json:"last_error,omitempty"`
	RetryAttempt int     `json:"retry_attempt"`
	RegisteredAt *string `json:"registered_at,omitempty"`
	ExpiresAt    *string `json:"expires_at,omitempty"`
}

type uptimeResponse struct {
	StartedAt  string `json:"started_at"`
	UptimeSec  int64  `json:"uptime_sec"`
	UptimeText string `json:"uptime_text"`
}

// handleStatus returns registration state, the current call snapshot
// and process uptime in one response.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	reg := registrationResponse{State: "unknown"}
	if s.reg != nil {
		snap := s.reg.RegistrationState()
		reg = registrationResponse{
			State:        string(snap.State),
			LastError:    snap.LastError,
			RetryAttempt: snap.RetryAttempt,
		}
		if !snap.RegisteredAt.IsZero() {
			ts := snap.RegisteredAt.Format(time.RFC3339)
			reg.RegisteredAt = &ts
		}
		if !snap.ExpiresAt.IsZero() {
			ts := snap.ExpiresAt.Format(time.RFC3339)
			reg.ExpiresAt = &ts
		}
	}

	uptime := time.Since(s.started)
	writeJSON(w, http.StatusOK, statusResponse{
		Registration: reg,
		Call:         s.callState(),
		Uptime: uptimeResponse{
			StartedAt:  s.started.Format(time.RFC3339),
			UptimeSec:  int64(uptime.Seconds()),
			UptimeText: formatUptime(uptime),
		},
	})
}

// formatUptime renders a duration as the largest nonzero unit down to
// seconds, e.g. "1d 2h 5m 0s".
func formatUptime(d time.Duration) string {
	total := int(d.Seconds())
	sec := total % 60
	min := (total / 60) % 60
	hr := (total / 3600) % 24
	day := total / 86400

	switch {
	case day > 0:
		return fmt.Sprintf("%dd %dh %dm %ds", day, hr, min, sec)
	case hr > 0:
		return fmt.Sprintf("%dh %dm %ds", hr, min, sec)
	case min > 0:
		return fmt.Sprintf("%dm %ds", min, sec)
	default:
		return fmt.Sprintf("%ds", sec)
	}
}
