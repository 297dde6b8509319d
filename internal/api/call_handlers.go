package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/flowpbx/flowphone/internal/call"
	"github.com/flowpbx/flowphone/internal/ring"
)

// callStateResponse is the wire form of a call engine snapshot.
type callStateResponse struct {
	Phase       string           `json:"phase"`
	Direction   string           `json:"direction,omitempty"`
	Target      string           `json:"target,omitempty"`
	SessionID   string           `json:"session_id,omitempty"`
	StartedAt   *string          `json:"started_at,omitempty"`
	DurationSec int              `json:"duration_sec"`
	Muted       bool             `json:"muted"`
	SpeakerOn   bool             `json:"speaker_on"`
	Reason      string           `json:"reason,omitempty"`
	Message     string           `json:"message,omitempty"`
	Ringing     *ringingResponse `json:"ringing,omitempty"`
}

// ringingResponse describes the invite currently ringing.
type ringingResponse struct {
	SessionID   string `json:"session_id"`
	From        string `json:"from"`
	DisplayName string `json:"display_name,omitempty"`
	ReceivedAt  string `json:"received_at"`
}

func toCallStateResponse(st call.State) callStateResponse {
	resp := callStateResponse{
		Phase:       st.Phase.String(),
		Direction:   string(st.Direction),
		Target:      st.Target,
		SessionID:   st.SessionID,
		DurationSec: int(st.Duration.Seconds()),
		Muted:       st.Muted,
		SpeakerOn:   st.SpeakerOn,
		Reason:      string(st.Reason),
		Message:     st.Message,
	}
	if !st.StartedAt.IsZero() {
		ts := st.StartedAt.Format(time.RFC3339)
		resp.StartedAt = &ts
	}
	return resp
}

// callState snapshots the engine and, while ringing, attaches the
// invite so a poller sees who is calling in one request.
func (s *Server) callState() callStateResponse {
	resp := toCallStateResponse(s.engine.State())
	if inv, ok := s.ring.Ringing(); ok {
		resp.Ringing = &ringingResponse{
			SessionID:   inv.SessionID,
			From:        inv.From,
			DisplayName: inv.DisplayName,
			ReceivedAt:  inv.ReceivedAt.Format(time.RFC3339),
		}
	}
	return resp
}

// writeEngineError maps engine sentinels onto HTTP statuses. Anything
// unrecognized is a 500 with the detail kept server-side.
func writeEngineError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, call.ErrInvalidTarget):
		writeError(w, http.StatusBadRequest, "invalid dial target")
	case errors.Is(err, call.ErrCallInProgress):
		writeError(w, http.StatusConflict, "another call is in progress")
	case errors.Is(err, call.ErrInvitePending):
		writeError(w, http.StatusConflict, "an incoming call is ringing")
	case errors.Is(err, call.ErrNoCall):
		writeError(w, http.StatusConflict, "no call in progress")
	case errors.Is(err, ring.ErrNotRinging):
		writeError(w, http.StatusConflict, "no call is ringing")
	default:
		slog.Error(op+": engine call failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// handleCallState returns the current engine snapshot.
func (s *Server) handleCallState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.callState())
}

type dialRequest struct {
	Target string `json:"target"`
}

// handleDial places an outbound call.
func (s *Server) handleDial(w http.ResponseWriter, r *http.Request) {
	var req dialRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := validateDialTarget(req.Target); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	if err := s.engine.Dial(req.Target); err != nil {
		writeEngineError(w, "dial", err)
		return
	}

	writeJSON(w, http.StatusOK, s.callState())
}

// sessionRequest optionally pins an operation to a session id. An empty
// body targets whatever is ringing.
type sessionRequest struct {
	SessionID string `json:"session_id"`
}

// handleAnswer accepts the ringing invite.
func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if msg := readOptionalJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := validateStringLen("session_id", req.SessionID, maxSessionIDLen); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	if err := s.ring.Answer(req.SessionID); err != nil {
		writeEngineError(w, "answer", err)
		return
	}

	writeJSON(w, http.StatusOK, s.callState())
}

// handleDecline rejects the ringing invite. Declining when nothing
// rings is not an error: the UI may race the caller hanging up, and
// the response says whether an invite was actually claimed.
func (s *Server) handleDecline(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if msg := readOptionalJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := validateStringLen("session_id", req.SessionID, maxSessionIDLen); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	declined := s.decline.Decline(req.SessionID)
	writeJSON(w, http.StatusOK, map[string]bool{"declined": declined})
}

// handleHangup terminates the current call.
func (s *Server) handleHangup(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Hangup(); err != nil {
		writeEngineError(w, "hangup", err)
		return
	}
	writeJSON(w, http.StatusOK, s.callState())
}

// handleToggleMute flips the microphone and returns the new position.
func (s *Server) handleToggleMute(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"muted": s.engine.ToggleMute()})
}

// handleToggleSpeaker flips the audio route and returns the new position.
func (s *Server) handleToggleSpeaker(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"speaker_on": s.engine.ToggleSpeaker()})
}

type dtmfRequest struct {
	Digits string `json:"digits"`
}

// handleSendTones sends DTMF digits into the active call.
func (s *Server) handleSendTones(w http.ResponseWriter, r *http.Request) {
	var req dtmfRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := validateDigits(req.Digits); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	if err := s.engine.SendTones(req.Digits); err != nil {
		writeEngineError(w, "dtmf", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"sent": req.Digits})
}

// handleSurfaceShown acknowledges that the incoming-call UI is visible,
// letting the ring supervisor demote its full-screen alert.
func (s *Server) handleSurfaceShown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"acknowledged": s.ring.SurfaceShown()})
}
