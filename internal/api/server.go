// Package api serves the HTTP and websocket surface of the daemon.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/loqalabs/abogen/internal/engine"
	"github.com/loqalabs/abogen/internal/events"
	"github.com/loqalabs/abogen/internal/job"
	"github.com/loqalabs/abogen/internal/protocol"
)

const maxSubmitBytes = 32 << 20

// Jobs is the part of the job registry the API drives.
type Jobs interface {
	Submit(ctx context.Context, req job.Request) (string, error)
	Status(id string) (job.Info, error)
	List() []job.Info
	Cancel(id string) error
	Subscribe(id string, from uint64) (*events.Subscription, error)
}

// Engines lists registered engines.
type Engines interface {
	Catalogue() []engine.Info
}

// Voices reports the capabilities of a loaded engine.
type Voices interface {
	Capabilities(name string, opts engine.Options) (engine.Capabilities, error)
}

// Archive serves events of jobs that may already have been reaped.
type Archive interface {
	ListJobEvents(ctx context.Context, jobID string, from uint64, limit int) ([]events.Event, error)
}

// Options wires the handler to the rest of the daemon. Archive, Metrics
// and Ready are optional.
type Options struct {
	Jobs          Jobs
	Engines       Engines
	Voices        Voices
	DefaultEngine string
	Device        string
	Archive       Archive
	Metrics       http.Handler
	Ready         func() bool
	Logger        *slog.Logger
}

// Server routes API requests.
type Server struct {
	opts Options
	mux  *http.ServeMux
	log  *slog.Logger
}

func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		opts: opts,
		mux:  http.NewServeMux(),
		log:  opts.Logger.With(slog.String("component", "api")),
	}
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /readyz", s.handleReady)
	if opts.Metrics != nil {
		s.mux.Handle("GET /metrics", opts.Metrics)
	}
	s.mux.HandleFunc("POST /api/jobs", s.handleSubmit)
	s.mux.HandleFunc("GET /api/jobs", s.handleList)
	s.mux.HandleFunc("GET /api/jobs/{id}", s.handleStatus)
	s.mux.HandleFunc("POST /api/jobs/{id}/cancel", s.handleCancel)
	s.mux.HandleFunc("GET /api/jobs/{id}/events", s.handleEvents)
	s.mux.HandleFunc("GET /api/jobs/{id}/history", s.handleHistory)
	s.mux.HandleFunc("GET /api/engines", s.handleEngines)
	s.mux.HandleFunc("GET /api/engines/{name}/voices", s.handleVoices)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Ready == nil || s.opts.Ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req protocol.SubmitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmitBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, &protocol.ErrorBody{Code: protocol.CodeBadRequest, Message: fmt.Sprintf("invalid request body: %v", err)})
		return
	}
	id, err := s.opts.Jobs.Submit(r.Context(), req)
	if err != nil {
		s.writeError(w, protocol.ErrorFrom(err))
		return
	}
	s.writeJSON(w, http.StatusAccepted, protocol.SubmitReply{JobID: id})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	jobs := s.opts.Jobs.List()
	if want := strings.TrimSpace(r.URL.Query().Get("status")); want != "" {
		filtered := jobs[:0]
		for _, info := range jobs {
			if string(info.Status) == want {
				filtered = append(filtered, info)
			}
		}
		jobs = filtered
	}
	s.writeJSON(w, http.StatusOK, protocol.ListReply{Jobs: jobs})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	info, err := s.opts.Jobs.Status(r.PathValue("id"))
	if err != nil {
		s.writeError(w, protocol.ErrorFrom(err))
		return
	}
	s.writeJSON(w, http.StatusOK, protocol.StatusReply{Job: &info})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.opts.Jobs.Cancel(id); err != nil {
		s.writeError(w, protocol.ErrorFrom(err))
		return
	}
	info, err := s.opts.Jobs.Status(id)
	if err != nil {
		s.writeError(w, protocol.ErrorFrom(err))
		return
	}
	s.writeJSON(w, http.StatusAccepted, protocol.StatusReply{Job: &info})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.opts.Archive == nil {
		s.writeError(w, &protocol.ErrorBody{Code: protocol.CodeUnavailable, Message: "event archive disabled"})
		return
	}
	query := r.URL.Query()
	from, err := parseFrom(query.Get("from"))
	if err != nil {
		s.writeError(w, &protocol.ErrorBody{Code: protocol.CodeBadRequest, Message: err.Error()})
		return
	}
	limit, err := parseLimit(query.Get("limit"))
	if err != nil {
		s.writeError(w, &protocol.ErrorBody{Code: protocol.CodeBadRequest, Message: err.Error()})
		return
	}
	evts, err := s.opts.Archive.ListJobEvents(r.Context(), r.PathValue("id"), from, limit)
	if err != nil {
		s.log.Warn("archive read failed", slog.String("error", err.Error()))
		s.writeError(w, protocol.ErrorFrom(err))
		return
	}
	if evts == nil {
		evts = []events.Event{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"events": evts})
}

func (s *Server) handleEngines(w http.ResponseWriter, _ *http.Request) {
	catalogue := s.opts.Engines.Catalogue()
	out := make([]protocol.EngineEntry, 0, len(catalogue))
	for _, info := range catalogue {
		out = append(out, protocol.EngineEntry{Info: info, Default: info.Name == s.opts.DefaultEngine})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"engines": out})
}

func (s *Server) handleVoices(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	caps, err := s.opts.Voices.Capabilities(name, engine.Options{Device: s.opts.Device})
	if err != nil {
		s.writeError(w, protocol.ErrorFrom(err))
		return
	}
	voices := caps.AvailableVoices
	if voices == nil {
		voices = []string{}
	}
	s.writeJSON(w, http.StatusOK, protocol.VoicesReply{
		Engine:                 name,
		Voices:                 voices,
		SupportsVoiceMixing:    caps.SupportsVoiceMixing,
		RequiresReferenceAudio: caps.RequiresReferenceAudio,
		SampleRate:             caps.SampleRate,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		s.log.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

func (s *Server) writeError(w http.ResponseWriter, body *protocol.ErrorBody) {
	s.writeJSON(w, StatusCode(body.Code), struct {
		Error *protocol.ErrorBody `json:"error"`
	}{body})
}

// StatusCode maps a protocol error code to an HTTP status.
func StatusCode(code string) int {
	switch code {
	case protocol.CodeBadRequest:
		return http.StatusBadRequest
	case protocol.CodeNotFound:
		return http.StatusNotFound
	case protocol.CodeAlreadyFinished:
		return http.StatusConflict
	case protocol.CodeUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

const defaultHistoryLimit = 500

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultHistoryLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	return limit, nil
}
