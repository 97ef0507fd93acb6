package runtime

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/loqalabs/loqa-lecture/internal/presence"
	"github.com/loqalabs/loqa-lecture/internal/presentation"
	"github.com/loqalabs/loqa-lecture/internal/protocol"
	"github.com/loqalabs/loqa-lecture/internal/session"
)

type viewSource interface {
	Current() (presentation.View, bool)
}

type presenceSource interface {
	Participants() []presence.ParticipantInfo
}

// api is the HTTP control surface of one participant. Optional fields may be
// nil and their routes answer 404.
type api struct {
	participant session.Participant
	views       viewSource
	attendance  func() []session.Attendance
	presence    presenceSource
	viewers     http.Handler
	metrics     http.Handler
	ready       func() (bool, string)
	log         *slog.Logger
}

type participantsResponse struct {
	Attendance []session.Attendance        `json:"attendance,omitempty"`
	Connected  []presence.ParticipantInfo `json:"connected,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (a *api) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", a.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/readyz", a.handleReady).Methods(http.MethodGet)
	if a.metrics != nil {
		r.Handle("/metrics", a.metrics).Methods(http.MethodGet)
	}
	if a.viewers != nil {
		r.Handle("/ws", a.viewers)
	}

	r.HandleFunc("/api/session", a.handleStatus).Methods(http.MethodGet)
	s := r.PathPrefix("/api/session").Subrouter()
	s.HandleFunc("/slide", a.handleSlide).Methods(http.MethodGet)
	s.HandleFunc("/advance/{direction}", a.handleAdvance).Methods(http.MethodPost)
	s.HandleFunc("/finish", a.handleFinish).Methods(http.MethodPost)
	s.HandleFunc("/participants", a.handleParticipants).Methods(http.MethodGet)
	return r
}

func (a *api) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *api) handleReady(w http.ResponseWriter, _ *http.Request) {
	ok, reason := a.ready()
	if ok {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte(reason))
}

func (a *api) handleStatus(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.participant.Status())
}

func (a *api) handleSlide(w http.ResponseWriter, _ *http.Request) {
	if a.views == nil {
		a.writeJSON(w, http.StatusNotFound, errorResponse{Error: "presentation disabled"})
		return
	}
	view, ok := a.views.Current()
	if !ok {
		a.writeJSON(w, http.StatusNotFound, errorResponse{Error: "no slide shown yet"})
		return
	}
	a.writeJSON(w, http.StatusOK, view)
}

func (a *api) handleAdvance(w http.ResponseWriter, r *http.Request) {
	dir, err := protocol.ParseDirection(mux.Vars(r)["direction"])
	if err != nil {
		a.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	reply, err := a.participant.RequestAdvance(r.Context(), dir)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, reply)
}

func (a *api) handleFinish(w http.ResponseWriter, r *http.Request) {
	if err := a.participant.RequestFinish(r.Context()); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, protocol.FinishReply{Finished: true})
}

func (a *api) handleParticipants(w http.ResponseWriter, _ *http.Request) {
	var resp participantsResponse
	if a.attendance != nil {
		resp.Attendance = a.attendance()
	}
	if a.presence != nil {
		resp.Connected = a.presence.Participants()
	}
	if a.attendance == nil && a.presence == nil {
		a.writeJSON(w, http.StatusNotFound, errorResponse{Error: "participant tracking unavailable"})
		return
	}
	a.writeJSON(w, http.StatusOK, resp)
}

func (a *api) writeError(w http.ResponseWriter, err error) {
	a.writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrInvalidDirection):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrSessionFinished):
		return http.StatusConflict
	case errors.Is(err, session.ErrAuthorityUnreachable), errors.Is(err, session.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (a *api) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		a.log.Warn("failed to write response", slog.String("error", err.Error()))
	}
}
