package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/voiceagent/turnmetrics/internal/callmetrics"
	"github.com/voiceagent/turnmetrics/internal/policy"
	"github.com/voiceagent/turnmetrics/internal/session"
	"github.com/voiceagent/turnmetrics/internal/telephony"
)

const noMetricsMessage = "No metrics available"

type callHandler func(w http.ResponseWriter, r *http.Request, call *session.Call)

// metricsResponse is the read shape for a call's recorder.
type metricsResponse struct {
	Summary      *callmetrics.Summary      `json:"summary"`
	Interactions []callmetrics.Interaction `json:"interactions"`
}

type endCallResponse struct {
	Call      session.CallView     `json:"call"`
	CSVPath   string               `json:"csv_path,omitempty"`
	JSONPath  string               `json:"json_path,omitempty"`
	Summary   *callmetrics.Summary `json:"summary"`
	ExportErr string               `json:"export_error,omitempty"`
}

func (s *Server) withCall(next callHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(chi.URLParam(r, "id"))
		if id == "" {
			respondError(w, http.StatusBadRequest, "invalid_call_id", "missing call id")
			return
		}
		call, err := s.calls.Get(id)
		if err != nil {
			respondError(w, http.StatusNotFound, "call_not_found", err.Error())
			return
		}
		next(w, r, call)
	}
}

func (s *Server) withLatest(next callHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		call, err := s.calls.Latest()
		if err != nil {
			respondError(w, http.StatusNotFound, "no_metrics", noMetricsMessage)
			return
		}
		next(w, r, call)
	}
}

func (s *Server) handleCreateCall(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	phone := strings.TrimSpace(req.PhoneNumber)
	if phone == "" {
		phone = s.cfg.DefaultPhoneNumber
	}
	if phone == "" {
		respondError(w, http.StatusBadRequest, "missing_phone_number", telephony.ErrInvalidPhone.Error())
		return
	}
	if decision := policy.DecideDial(phone); !decision.Allowed {
		s.metrics.ObserveCallEvent("dial_blocked")
		respondError(w, http.StatusForbidden, "dial_not_allowed", decision.Reason)
		return
	}

	placement, err := s.dispatcher.PlaceCall(r.Context(), phone)
	if err != nil {
		s.logger.WithError(err).WithField("phone", policy.MaskPhoneNumber(phone)).Error("failed to place call")
		switch {
		case errors.Is(err, telephony.ErrInvalidTrunk):
			respondError(w, http.StatusServiceUnavailable, "telephony_misconfigured", err.Error())
		case errors.Is(err, telephony.ErrInvalidPhone):
			respondError(w, http.StatusBadRequest, "invalid_phone_number", err.Error())
		default:
			respondError(w, http.StatusBadGateway, "telephony_error", err.Error())
		}
		return
	}

	call := s.calls.Create(placement.RoomName, placement.PhoneNumber)
	s.observeCreated()
	respondJSON(w, http.StatusCreated, session.CreateResponse{
		CallID:    call.ID,
		RoomName:  call.RoomName,
		SessionID: call.Recorder.SessionID(),
	})
}

func (s *Server) handleAttachRoom(w http.ResponseWriter, r *http.Request) {
	room := strings.TrimSpace(chi.URLParam(r, "room"))
	if room == "" {
		respondError(w, http.StatusBadRequest, "invalid_room", "missing room name")
		return
	}
	var req session.AttachRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if existing, err := s.calls.GetByRoom(room); err == nil && existing.Status == session.StatusActive {
		respondError(w, http.StatusConflict, "room_in_use", "room already has an active call "+existing.ID)
		return
	}

	call := s.calls.Create(room, strings.TrimSpace(req.PhoneNumber))
	s.observeCreated()
	respondJSON(w, http.StatusCreated, session.CreateResponse{
		CallID:    call.ID,
		RoomName:  call.RoomName,
		SessionID: call.Recorder.SessionID(),
	})
}

func (s *Server) observeCreated() {
	if s.metrics == nil {
		return
	}
	s.metrics.ActiveCalls.Set(float64(s.calls.ActiveCount()))
	s.metrics.ObserveCallEvent("created")
}

func (s *Server) handleListCalls(w http.ResponseWriter, _ *http.Request) {
	active := s.calls.Active()
	out := make([]session.CallView, 0, len(active))
	for _, c := range active {
		out = append(out, c.View())
	}
	respondJSON(w, http.StatusOK, map[string]any{"calls": out})
}

func (s *Server) handleGetCall(w http.ResponseWriter, _ *http.Request, call *session.Call) {
	respondJSON(w, http.StatusOK, call.View())
}

func (s *Server) handleCallMetrics(w http.ResponseWriter, _ *http.Request, call *session.Call) {
	respondJSON(w, http.StatusOK, snapshotMetrics(call))
}

func (s *Server) handleCurrentMetrics(w http.ResponseWriter, _ *http.Request) {
	call, err := s.calls.Latest()
	if err != nil {
		respondJSON(w, http.StatusOK, metricsResponse{Interactions: []callmetrics.Interaction{}})
		return
	}
	respondJSON(w, http.StatusOK, snapshotMetrics(call))
}

func snapshotMetrics(call *session.Call) metricsResponse {
	summary, interactions := call.Recorder.Snapshot()
	return metricsResponse{Summary: summary, Interactions: interactions}
}

func (s *Server) handleDownloadCSV(w http.ResponseWriter, r *http.Request, call *session.Call) {
	path, err := call.Recorder.SaveCSV()
	s.metrics.ObserveExport("csv", err)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "export_failed", err.Error())
		return
	}
	if path == "" {
		respondError(w, http.StatusNotFound, "no_metrics", noMetricsMessage)
		return
	}
	serveAttachment(w, r, path, "voice_agent_metrics.csv", "text/csv")
}

func (s *Server) handleDownloadJSON(w http.ResponseWriter, r *http.Request, call *session.Call) {
	path, err := call.Recorder.SaveJSON()
	s.metrics.ObserveExport("json", err)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "export_failed", err.Error())
		return
	}
	serveAttachment(w, r, path, "voice_agent_metrics.json", "application/json")
}

func serveAttachment(w http.ResponseWriter, r *http.Request, path, filename, contentType string) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	http.ServeFile(w, r, path)
}

// handleEndCall finalizes the call and hangs up its room. A live websocket
// conversation is ended through the conversation so the pipeline hears
// about it too.
func (s *Server) handleEndCall(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	call, err := s.calls.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "call_not_found", err.Error())
		return
	}
	if call.Status == session.StatusEnded {
		respondError(w, http.StatusConflict, "call_already_ended", session.ErrAlreadyFinalized.Error())
		return
	}
	ctx := context.WithoutCancel(r.Context())

	var art session.Artifacts
	if conv := s.conversation(id); conv != nil {
		conv.Finish(ctx, session.ReasonAPI)
		art, err = conv.Result()
	} else {
		art, err = s.calls.Finalize(ctx, id, session.ReasonAPI)
		if err == nil && call.RoomName != "" {
			if hangErr := s.dispatcher.Hangup(ctx, call.RoomName); hangErr != nil {
				s.logger.WithError(hangErr).WithField("call_id", id).Warn("error while ending call")
			}
		}
	}
	switch {
	case errors.Is(err, session.ErrAlreadyFinalized):
		respondError(w, http.StatusConflict, "call_already_ended", err.Error())
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, "finalize_failed", err.Error())
		return
	}

	ended, _ := s.calls.Get(id)
	if ended == nil {
		ended = call
	}
	resp := endCallResponse{
		Call:     ended.View(),
		CSVPath:  art.CSVPath,
		JSONPath: art.JSONPath,
		Summary:  art.Summary,
	}
	if art.ExportErr != nil {
		resp.ExportErr = art.ExportErr.Error()
	}
	respondJSON(w, http.StatusOK, resp)
}
