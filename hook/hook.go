// Package hook receives proxy reports over HTTP.
//
// It is the long-running alternative to invoking the reconcile command once
// per served request. Both feed the same reconciler.
package hook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/always-cache/proxysim/executor"
	"github.com/always-cache/proxysim/reconcile"
	"github.com/always-cache/proxysim/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// maxBody bounds the size of a report.
const maxBody = 1 << 20

type Reconciler interface {
	Reconcile(ctx context.Context, report reconcile.Report) (int64, error)
}

type Server struct {
	reconciler Reconciler
	log        zerolog.Logger
}

func New(r Reconciler, logger *zerolog.Logger) *Server {
	var l zerolog.Logger
	if logger == nil {
		l = log.Logger
	} else {
		l = *logger
	}
	return &Server{reconciler: r, log: l.With().Str("component", "hook").Logger()}
}

type outcomeJSON struct {
	Cache      string `json:"cache"`
	Indication bool   `json:"indication"`
	Accessed   bool   `json:"accessed"`
	Resolution bool   `json:"resolution"`
}

type reportJSON struct {
	URL      string        `json:"url"`
	Token    string        `json:"token,omitempty"`
	Outcomes []outcomeJSON `json:"outcomes"`
}

type resultJSON struct {
	Request int64  `json:"request,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Handler returns the receiver's routes:
//
//	POST /reports       {"url", "token", "outcomes": [{"cache", "indication", "accessed", "resolution"}]}
//	POST /reports/args  ["url", "cache", "1", "1", "0", ...]
//	GET  /healthz
//
// Stored reports get 201, reports without a fresh request 202, malformed ones 400.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Post("/reports", s.postReport)
	r.Post("/reports/args", s.postArgs)
	return r
}

func (s *Server) postReport(w http.ResponseWriter, r *http.Request) {
	var body reportJSON
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&body); err != nil {
		s.respond(w, http.StatusBadRequest, resultJSON{Error: err.Error()})
		return
	}
	report := reconcile.Report{URL: body.URL, Token: body.Token}
	for _, o := range body.Outcomes {
		report.Outcomes = append(report.Outcomes, store.Outcome{
			CacheName:  o.Cache,
			Indication: o.Indication,
			Accessed:   o.Accessed,
			Resolution: o.Resolution,
		})
	}
	s.reconcile(w, r, report)
}

func (s *Server) postArgs(w http.ResponseWriter, r *http.Request) {
	var args []string
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&args); err != nil {
		s.respond(w, http.StatusBadRequest, resultJSON{Error: err.Error()})
		return
	}
	s.log.Debug().Strs("args", args).Msg("Received report")
	report, err := reconcile.ParseArgs(args)
	if err != nil {
		s.respond(w, http.StatusBadRequest, resultJSON{Error: err.Error()})
		return
	}
	report.Token = r.Header.Get(executor.TokenHeader)
	s.reconcile(w, r, report)
}

func (s *Server) reconcile(w http.ResponseWriter, r *http.Request, report reconcile.Report) {
	id, err := s.reconciler.Reconcile(r.Context(), report)
	switch {
	case err == nil:
		s.respond(w, http.StatusCreated, resultJSON{Request: id})
	case errors.Is(err, reconcile.ErrNoMatch):
		s.respond(w, http.StatusAccepted, resultJSON{Error: err.Error()})
	case errors.Is(err, reconcile.ErrArity), errors.Is(err, reconcile.ErrMalformedTuple):
		s.respond(w, http.StatusBadRequest, resultJSON{Error: err.Error()})
	default:
		s.log.Error().Err(err).Str("url", report.URL).Msg("Could not reconcile report")
		s.respond(w, http.StatusInternalServerError, resultJSON{Error: err.Error()})
	}
}

func (s *Server) respond(w http.ResponseWriter, status int, body resultJSON) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Warn().Err(err).Msg("Could not write response")
	}
}

// ListenAndServe serves the receiver on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("Listening for reports")
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
