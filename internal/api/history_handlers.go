package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/flowpbx/flowphone/internal/call"
	"github.com/flowpbx/flowphone/internal/history"
)

// maxSearchLen bounds the free-text history search term.
const maxSearchLen = 128

// historyEntryResponse is the wire form of one call log row.
type historyEntryResponse struct {
	ID          int64  `json:"id"`
	SessionID   string `json:"session_id"`
	Direction   string `json:"direction"`
	Counterpart string `json:"counterpart"`
	StartedAt   string `json:"started_at"`
	DurationSec int    `json:"duration_sec"`
	Outcome     string `json:"outcome"`
	CreatedAt   string `json:"created_at"`
}

func toHistoryEntryResponse(e history.Entry) historyEntryResponse {
	return historyEntryResponse{
		ID:          e.ID,
		SessionID:   e.SessionID,
		Direction:   e.Direction,
		Counterpart: e.Counterpart,
		StartedAt:   e.StartedAt.Format(time.RFC3339),
		DurationSec: e.DurationSeconds,
		Outcome:     e.Outcome,
		CreatedAt:   e.CreatedAt.Format(time.RFC3339),
	}
}

// knownOutcome reports whether the filter value is a recorded outcome.
func knownOutcome(v string) bool {
	switch call.Outcome(v) {
	case call.OutcomeCompleted, call.OutcomeFailed, call.OutcomeCanceled,
		call.OutcomeDeclined, call.OutcomeMissed, call.OutcomeBusy:
		return true
	default:
		return false
	}
}

// handleHistoryList returns a filtered, paginated page of the call log.
func (s *Server) handleHistoryList(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "call history unavailable")
		return
	}

	p, msg := parsePagination(r)
	if msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	q := r.URL.Query()
	direction := q.Get("direction")
	switch direction {
	case "", string(call.DirectionInbound), string(call.DirectionOutbound):
	default:
		writeError(w, http.StatusBadRequest, `direction must be "inbound" or "outbound"`)
		return
	}

	outcome := q.Get("outcome")
	if outcome != "" && !knownOutcome(outcome) {
		writeError(w, http.StatusBadRequest, "unknown outcome filter")
		return
	}

	search := q.Get("search")
	if msg := validateStringLen("search", search, maxSearchLen); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := validateNoControlChars("search", search); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	entries, total, err := s.history.List(r.Context(), history.ListFilter{
		Direction: direction,
		Outcome:   outcome,
		Search:    search,
		Limit:     p.Limit,
		Offset:    p.Offset,
	})
	if err != nil {
		slog.Error("list history: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]historyEntryResponse, 0, len(entries))
	for _, e := range entries {
		items = append(items, toHistoryEntryResponse(e))
	}

	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  items,
		Total:  total,
		Limit:  p.Limit,
		Offset: p.Offset,
	})
}

// handleHistoryPurge deletes entries older than the given number of
// days. days=0 empties the whole log.
func (s *Server) handleHistoryPurge(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "call history unavailable")
		return
	}

	raw := r.URL.Query().Get("days")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "days query parameter is required")
		return
	}
	days, err := strconv.Atoi(raw)
	if err != nil || days < 0 {
		writeError(w, http.StatusBadRequest, "days must be a non-negative integer")
		return
	}

	n, err := s.history.Purge(r.Context(), days)
	if err != nil {
		slog.Error("purge history: failed to delete", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	slog.Info("call log purged", "removed", n, "older_than_days", days)
	writeJSON(w, http.StatusOK, map[string]int64{"purged": n})
}
