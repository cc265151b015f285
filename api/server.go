// Package api exposes the respondent runtime over HTTP. Handlers are
// mounted on a goa muxer; encoding is JSON both ways and status codes
// carry meaning (400 validation, 403 admission/overquota, 404 unknown
// resources, 409 consumed invites).
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"goa.design/clue/health"
	"goa.design/clue/log"
	goahttp "goa.design/goa/v3/http"

	"canvass.dev/canvass/runtime/answer"
	"canvass.dev/canvass/runtime/respond"
	"canvass.dev/canvass/runtime/settings"
	"canvass.dev/canvass/runtime/survey"
)

type (
	// Options configures the HTTP server.
	Options struct {
		// Controller drives the session lifecycle. Required.
		Controller *respond.Controller
		// Pingers back the health endpoints. Optional.
		Pingers []health.Pinger
	}

	// Server holds the mounted handlers.
	Server struct {
		ctrl    *respond.Controller
		pingers []health.Pinger
	}

	startRequest struct {
		Password string            `json:"password,omitempty"`
		DeviceID string            `json:"deviceId,omitempty"`
		UTM      map[string]string `json:"utm,omitempty"`
	}

	submitRequest struct {
		PageID  string          `json:"pageId"`
		Answers []answerPayload `json:"answers"`
	}

	answerPayload struct {
		QuestionID string `json:"questionId"`
		answer.Value
	}

	terminateRequest struct {
		Reason string `json:"reason"`
	}

	completeResponse struct {
		Success            bool                 `json:"success"`
		PostSurveySettings *settings.Completion `json:"postSurveySettings,omitempty"`
	}

	resumeResponse struct {
		SessionID  string              `json:"sessionId"`
		PageID     string              `json:"currentPageId"`
		Page       any                 `json:"pageData"`
		Progress   respond.Progress    `json:"progressData"`
		Navigation settings.Navigation `json:"navigation"`
	}

	errorBody struct {
		Error  string `json:"error"`
		Reason string `json:"reason,omitempty"`
	}
)

// New builds the HTTP server from options.
func New(opts Options) (*Server, error) {
	if opts.Controller == nil {
		return nil, fmt.Errorf("controller is required")
	}
	return &Server{ctrl: opts.Controller, pingers: opts.Pingers}, nil
}

// Mount registers all runtime routes plus the health endpoints on mux.
func (s *Server) Mount(mux goahttp.Muxer) {
	mux.Handle("POST", "/runtime/start", s.handleStart)
	mux.Handle("GET", "/runtime/{sessionID}/pages/{pageID}/layout", s.handleLayout(mux))
	mux.Handle("POST", "/runtime/{sessionID}/answers", s.handleSubmit(mux))
	mux.Handle("POST", "/runtime/{sessionID}/complete", s.handleComplete(mux))
	mux.Handle("POST", "/runtime/{sessionID}/terminate", s.handleTerminate(mux))
	mux.Handle("GET", "/runtime/{sessionID}/resume", s.handleResume(mux))
	mux.Handle("GET", "/runtime/{sessionID}/status", s.handleStatus(mux))

	checker := health.NewChecker(s.pingers...)
	mux.Handle("GET", "/healthz", health.Handler(checker))
	mux.Handle("GET", "/livez", health.Handler(checker))
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed request body"})
		return
	}
	q := r.URL.Query()
	res, err := s.ctrl.Start(r.Context(), respond.StartInput{
		Slug:     q.Get("slug"),
		Token:    q.Get("t"),
		Password: req.Password,
		Meta: respond.Meta{
			DeviceID:  req.DeviceID,
			IP:        clientIP(r),
			UserAgent: r.UserAgent(),
			Referrer:  r.Referer(),
			UTM:       req.UTM,
		},
	})
	if err != nil {
		s.encodeError(r, w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleLayout(mux goahttp.Muxer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		lay, err := s.ctrl.PageLayout(r.Context(), vars["sessionID"], vars["pageID"])
		if err != nil {
			s.encodeError(r, w, err)
			return
		}
		writeJSON(w, http.StatusOK, lay)
	}
}

func (s *Server) handleSubmit(mux goahttp.Muxer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req submitRequest
		if err := decodeBody(r, &req); err != nil || req.PageID == "" {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed request body"})
			return
		}
		sessionID := mux.Vars(r)["sessionID"]
		answers := make([]answer.Answer, len(req.Answers))
		for i, a := range req.Answers {
			answers[i] = answer.Answer{QuestionID: a.QuestionID, Value: a.Value}
		}
		res, err := s.ctrl.Submit(r.Context(), respond.SubmitInput{
			SessionID: sessionID,
			PageID:    req.PageID,
			Answers:   answers,
		})
		if err != nil {
			s.encodeError(r, w, err)
			return
		}
		switch {
		case len(res.Violations) > 0:
			writeJSON(w, http.StatusBadRequest, res)
		case res.Terminated && res.Reason == respond.ReasonQuotaFull:
			writeJSON(w, http.StatusForbidden, res)
		default:
			writeJSON(w, http.StatusOK, res)
		}
	}
}

func (s *Server) handleComplete(mux goahttp.Muxer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := s.ctrl.Complete(r.Context(), mux.Vars(r)["sessionID"])
		if err != nil {
			s.encodeError(r, w, err)
			return
		}
		writeJSON(w, http.StatusOK, completeResponse{
			Success:            res.Complete,
			PostSurveySettings: res.Completion,
		})
	}
}

func (s *Server) handleTerminate(mux goahttp.Muxer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req terminateRequest
		if err := decodeBody(r, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed request body"})
			return
		}
		if req.Reason == "" {
			req.Reason = "USER_ABORT"
		}
		if err := s.ctrl.Terminate(r.Context(), mux.Vars(r)["sessionID"], req.Reason); err != nil {
			s.encodeError(r, w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleResume(mux goahttp.Muxer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := mux.Vars(r)["sessionID"]
		res, err := s.ctrl.Resume(r.Context(), sessionID)
		if err != nil {
			s.encodeError(r, w, err)
			return
		}
		writeJSON(w, http.StatusOK, resumeResponse{
			SessionID:  sessionID,
			PageID:     res.Layout.Page.PageID,
			Page:       res.Layout.Page,
			Progress:   res.Progress,
			Navigation: res.Layout.Navigation,
		})
	}
}

func (s *Server) handleStatus(mux goahttp.Muxer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := s.ctrl.SessionStatus(r.Context(), mux.Vars(r)["sessionID"])
		if err != nil {
			s.encodeError(r, w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// encodeError maps domain errors to status codes. Unexpected errors are
// logged and surface as opaque 500s.
func (s *Server) encodeError(r *http.Request, w http.ResponseWriter, err error) {
	var adm *respond.AdmissionError
	switch {
	case errors.As(err, &adm):
		code := http.StatusForbidden
		if adm.Reason == respond.ReasonInviteConsumed {
			code = http.StatusConflict
		}
		writeJSON(w, code, errorBody{Error: "admission refused", Reason: adm.Reason})
	case errors.Is(err, respond.ErrSessionNotActive):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
	case errors.Is(err, respond.ErrSessionNotFound),
		errors.Is(err, survey.ErrSurveyNotFound),
		errors.Is(err, survey.ErrCollectorNotFound),
		errors.Is(err, survey.ErrInviteNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	default:
		log.Errorf(r.Context(), err, "api: %s %s failed", r.Method, r.URL.Path)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		// Empty bodies are fine; every field has a default.
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// clientIP prefers X-Forwarded-For (first hop) over the socket address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		for i := 0; i < len(fwd); i++ {
			if fwd[i] == ',' {
				return fwd[:i]
			}
		}
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
