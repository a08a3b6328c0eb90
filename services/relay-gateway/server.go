package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"x402gateway/audit"
	"x402gateway/errorkinds"
	gatewaymw "x402gateway/gateway/middleware"
)

const maxRequestBody = 1 << 20

// Server exposes the relay endpoint plus liveness and metrics probes.
type Server struct {
	router   chi.Router
	pipeline *Pipeline
	audit    *audit.Store
	obs      *gatewaymw.Observability
	logger   *slog.Logger
	ready    bool
}

// NewServer wires the chi router around the pipeline. audit may be nil, in
// which case audit logging is skipped.
func NewServer(pipeline *Pipeline, auditStore *audit.Store, obs *gatewaymw.Observability, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{pipeline: pipeline, audit: auditStore, obs: obs, logger: logger, ready: true}

	r := chi.NewRouter()
	r.Use(gatewaymw.CORS(gatewaymw.CORSConfig{}))

	relayHandler := http.HandlerFunc(s.handleRelay)
	if obs != nil {
		r.Get("/metrics", obs.MetricsHandler().ServeHTTP)
		r.Post("/relay", obs.Middleware("relay")(relayHandler).ServeHTTP)
	} else {
		r.Post("/relay", relayHandler.ServeHTTP)
	}
	r.Get("/healthz", s.handleHealthz)
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		s.writeJSONError(w, r, http.StatusBadRequest, nil, err, body)
		return
	}

	outcome := s.pipeline.Handle(r.Context(), r, body)
	s.writeOutcome(w, r, outcome, body)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !s.ready {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) writeOutcome(w http.ResponseWriter, r *http.Request, outcome *Outcome, reqBody []byte) {
	if outcome.ChallengeBody != nil {
		body, err := json.Marshal(outcome.ChallengeBody)
		if err != nil {
			s.writeJSONError(w, r, http.StatusInternalServerError, errorkinds.ErrInternal, err, reqBody)
			return
		}
		s.writeResponse(w, r, http.StatusPaymentRequired, body, "application/json", reqBody)
		return
	}

	switch outcome.Status {
	case http.StatusUnauthorized, http.StatusBadGateway, http.StatusInternalServerError:
		s.writeJSONError(w, r, outcome.Status, outcome.ErrorKind, errors.New(string(outcome.Body)), reqBody)
		return
	default:
		contentType := outcome.ContentType
		if contentType == "" {
			contentType = "application/json"
		}
		s.writeResponse(w, r, outcome.Status, outcome.Body, contentType, reqBody)
	}
}

func (s *Server) writeJSONError(w http.ResponseWriter, r *http.Request, status int, kind error, err error, reqBody []byte) {
	reason := "internal error"
	if err != nil {
		reason = err.Error()
	}
	body, _ := json.Marshal(map[string]string{"error": errorKindString(kind, reason)})
	s.writeResponse(w, r, status, body, "application/json", reqBody)
}

func (s *Server) writeResponse(w http.ResponseWriter, r *http.Request, status int, body []byte, contentType string, reqBody []byte) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_, _ = w.Write(body)
	s.recordAudit(r, reqBody, body, status)
}

func (s *Server) recordAudit(r *http.Request, reqBody, respBody []byte, status int) {
	if s.audit == nil {
		return
	}
	entry := audit.Entry{
		Method:         r.Method,
		Path:           canonicalRequestPath(r),
		RequestBody:    reqBody,
		ResponseStatus: status,
		ResponseBody:   respBody,
		Timestamp:      time.Now().UTC(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.audit.Insert(ctx, entry); err != nil {
			s.logger.Warn("audit write failed", "component", "audit", "error", err)
		}
	}()
}

func errorKindString(kind error, fallback string) string {
	switch {
	case errors.Is(kind, errorkinds.ErrBadSignature):
		return "bad_signature"
	case errors.Is(kind, errorkinds.ErrStaleOrFuture):
		return "stale_or_future"
	case errors.Is(kind, errorkinds.ErrReplay):
		return "replay"
	case errors.Is(kind, errorkinds.ErrUpstreamUnavailable):
		return "upstream_unavailable"
	case errors.Is(kind, errorkinds.ErrInternal):
		return "internal_error"
	default:
		return fallback
	}
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBody)
	defer func() { _ = r.Body.Close() }()
	return io.ReadAll(reader)
}
