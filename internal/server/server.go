// Package server exposes the ledger over HTTP: the current root, transfer submission and
// bundle verification, plus health and Prometheus endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ledgerproof/internal/backend"
	"ledgerproof/internal/ledger"
	"ledgerproof/internal/metrics"
	"ledgerproof/internal/oracle"
	"ledgerproof/internal/scheduler"
	"ledgerproof/internal/transfer"
)

const (
	// MaxRequestBytes bounds transfer and bundle request bodies.
	MaxRequestBytes = 1 << 20

	ContentTypeJSON = "application/json"
	ContentTypeCBOR = "application/cbor"

	Version = "1.0.0"
)

// RootResponse describes the committed ledger.
type RootResponse struct {
	Root    string                     `json:"root"`
	Words   [ledger.DigestWords]uint64 `json:"words"`
	Version uint64                     `json:"version"`
	Depth   int                        `json:"depth"`
	Leaves  int                        `json:"leaves"`
}

// TransferResponse reports one oracle run. Bundle holds the CBOR proof bundle of an accepted
// transfer.
type TransferResponse struct {
	Request transfer.Request `json:"request"`
	State   string           `json:"state"`
	Reason  string           `json:"reason"`
	Guard   string           `json:"guard,omitempty"`
	Error   string           `json:"error,omitempty"`
	OldRoot string           `json:"old_root,omitempty"`
	NewRoot string           `json:"new_root,omitempty"`
	Program string           `json:"program,omitempty"`
	Bundle  []byte           `json:"bundle,omitempty"`
	Version uint64           `json:"version"`
}

// VerifyResponse is the verdict on a submitted bundle.
type VerifyResponse struct {
	Valid   bool   `json:"valid"`
	Program string `json:"program,omitempty"`
	Error   string `json:"error,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server serves one ledger state through a scheduler.
type Server struct {
	sched    *scheduler.Scheduler
	verifier backend.Verifier
	log      zerolog.Logger
	metrics  *metrics.Metrics
	health   *HealthChecker
	limiter  *ClientRateLimiter

	mu     sync.Mutex
	srv    *http.Server
	closed bool
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(l zerolog.Logger) Option          { return func(s *Server) { s.log = l } }
func WithMetrics(m *metrics.Metrics) Option       { return func(s *Server) { s.metrics = m } }
func WithRateLimiter(l *ClientRateLimiter) Option { return func(s *Server) { s.limiter = l } }
func WithHealthChecker(hc *HealthChecker) Option  { return func(s *Server) { s.health = hc } }

// New creates a server submitting transfers to sched and checking bundles with verifier.
func New(sched *scheduler.Scheduler, verifier backend.Verifier, opts ...Option) *Server {
	s := &Server{
		sched:    sched,
		verifier: verifier,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.health == nil {
		s.health = NewHealthChecker(Version, sched.State())
	}
	return s
}

// Health returns the server's health checker, so callers can register more components.
func (s *Server) Health() *HealthChecker { return s.health }

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /root", s.handleRoot)
	mux.HandleFunc("POST /transfer", s.handleTransfer)
	mux.HandleFunc("POST /verify", s.handleVerify)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return s.accessLog(mux)
}

// ListenAndServe serves on addr until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.srv = srv
	s.mu.Unlock()

	s.log.Info().Str("addr", addr).Msg("listening")
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops a server started with ListenAndServe. A later ListenAndServe returns at once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	tree, version := s.sched.State().Committed()
	root := tree.Root()
	writeJSON(w, http.StatusOK, RootResponse{
		Root:    root.String(),
		Words:   root,
		Version: version,
		Depth:   tree.Depth(),
		Leaves:  tree.Len(),
	})
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow(clientKey(r)) {
		s.metrics.RecordError("rate_limited")
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded"})
		return
	}

	var req transfer.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid transfer request: %v", err)})
		return
	}

	out, err := s.sched.Submit(r.Context(), req)
	resp := TransferResponse{Request: req, Version: s.sched.State().Version()}
	if out != nil {
		resp.State = out.State.String()
		resp.Reason = out.Reason.String()
		if k := out.GuardKind(); k != 0 {
			resp.Guard = k.String()
		}
		resp.OldRoot = out.OldRoot.String()
		if out.Accepted() && err == nil {
			resp.NewRoot = out.NewRoot.String()
			resp.Program = out.Program.ID.String()
			if b, berr := out.Bundle(); berr == nil {
				resp.Bundle, berr = backend.EncodeBundle(b)
				if berr != nil {
					s.log.Error().Err(berr).Msg("encode bundle")
				}
			}
		}
	}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, transferStatus(out, err), resp)
}

// transferStatus maps an oracle run onto an HTTP status code.
func transferStatus(out *oracle.Outcome, err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case out == nil:
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return http.StatusServiceUnavailable
		}
		return http.StatusInternalServerError
	case errors.Is(err, scheduler.ErrTooManyRetries):
		return http.StatusConflict
	}
	switch out.Reason {
	case oracle.GuardViolation, oracle.Malformed:
		return http.StatusUnprocessableEntity
	case oracle.BackendTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxRequestBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, VerifyResponse{Error: err.Error()})
		return
	}
	b, err := backend.DecodeBundle(data)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, VerifyResponse{Error: err.Error()})
		return
	}
	resp := VerifyResponse{Program: b.Program.String()}
	if err := b.Verify(r.Context(), s.verifier); err != nil {
		resp.Error = err.Error()
		writeJSON(w, http.StatusUnprocessableEntity, resp)
		return
	}
	resp.Valid = true
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.health.CheckHealth()
	code := http.StatusOK
	if h.OverallStatus == Unhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, h)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("client", clientKey(r)).
			Int("status", rec.status).
			Dur("took", time.Since(start)).
			Msg("request")
	})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", ContentTypeJSON)
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
