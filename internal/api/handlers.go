package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Iron-Ham/mobu/internal/errors"
	"github.com/Iron-Ham/mobu/internal/flock"
	"github.com/Iron-Ham/mobu/internal/manager"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

// Index describes the running server.
type Index struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "    ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, ErrorResponse{Error: code, Detail: detail})
}

// writeErr maps err to a status code: unknown flocks and monkeys are 404,
// bad configuration is 422, a full scheduler is 503 and a failed token
// request is 502.
func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, errors.ErrFlockNotFound):
		writeError(w, http.StatusNotFound, "flock_not_found", err.Error())
	case errors.Is(err, errors.ErrMonkeyNotFound):
		writeError(w, http.StatusNotFound, "monkey_not_found", err.Error())
	case errors.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, errors.ErrInvalidFlockConfig),
		errors.Is(err, errors.ErrUnknownBusiness),
		errors.IsValidation(err):
		writeError(w, http.StatusUnprocessableEntity, "invalid_config", err.Error())
	case errors.Is(err, errors.ErrSchedulerFull), errors.Is(err, errors.ErrSchedulerClosed):
		writeError(w, http.StatusServiceUnavailable, "scheduler_unavailable", err.Error())
	case errors.Is(err, errors.ErrIdentityIssue):
		writeError(w, http.StatusBadGateway, "identity_failed", err.Error())
	default:
		log := s.logger.Error
		if errors.GetSeverity(err) < errors.SeverityError {
			log = s.logger.Warn
		}
		log("request failed",
			"request_id", requestID(r.Context()),
			"path", r.URL.Path,
			"error", err.Error(),
		)
		detail := "internal error"
		if errors.IsUserFacing(err) {
			detail = err.Error()
		}
		writeError(w, http.StatusInternalServerError, "internal_server_error", detail)
	}
}

// decodeBody decodes a JSON body, rejecting unknown fields.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json_body", err.Error())
		return false
	}
	return true
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Index{Name: "mobu", Version: s.cfg.Version})
}

func (s *Server) handleListFlocks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.ListFlocks())
}

func (s *Server) handleCreateFlock(w http.ResponseWriter, r *http.Request) {
	var cfg flock.Config
	if !decodeBody(w, r, &cfg) {
		return
	}
	s.logger.Info("Creating flock", "request_id", requestID(r.Context()), "flock", cfg.Name)

	f, err := s.manager.StartFlock(r.Context(), cfg)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	w.Header().Set("Location", "/flocks/"+f.Name())
	writeJSON(w, http.StatusCreated, f.Dump())
}

func (s *Server) handleGetFlock(w http.ResponseWriter, r *http.Request) {
	f, err := s.manager.GetFlock(r.PathValue("flock"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, f.Dump())
}

func (s *Server) handleRefreshFlock(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("flock")
	s.logger.Info("Signaling flock to refresh", "request_id", requestID(r.Context()), "flock", name)
	if err := s.manager.RefreshFlock(name); err != nil {
		s.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleDeleteFlock(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("flock")
	s.logger.Info("Deleting flock", "request_id", requestID(r.Context()), "flock", name)
	if err := s.manager.StopFlock(name); err != nil {
		s.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListMonkeys(w http.ResponseWriter, r *http.Request) {
	f, err := s.manager.GetFlock(r.PathValue("flock"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, f.ListMonkeys())
}

func (s *Server) handleGetMonkey(w http.ResponseWriter, r *http.Request) {
	f, err := s.manager.GetFlock(r.PathValue("flock"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	m, err := f.GetMonkey(r.PathValue("monkey"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m.Dump())
}

func (s *Server) handleMonkeyLog(w http.ResponseWriter, r *http.Request) {
	flockName, monkeyName := r.PathValue("flock"), r.PathValue("monkey")
	f, err := s.manager.GetFlock(flockName)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	m, err := f.GetMonkey(monkeyName)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	log, err := m.Log()
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	filename := fmt.Sprintf("%s-%s-%s", flockName, monkeyName, time.Now().UTC().Format("20060102T150405Z"))
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(log)
}

func (s *Server) handleFlockSummary(w http.ResponseWriter, r *http.Request) {
	f, err := s.manager.GetFlock(r.PathValue("flock"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, f.Summary())
}

func (s *Server) handleSummary(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Summaries())
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var cfg manager.SolitaryConfig
	if !decodeBody(w, r, &cfg) {
		return
	}
	s.logger.Info("Running solitary monkey",
		"request_id", requestID(r.Context()),
		"user", cfg.User.Username,
		"business", cfg.Business.Type,
	)
	result, err := s.manager.RunSolitary(r.Context(), cfg)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
