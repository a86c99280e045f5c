package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/voiceagent/turnmetrics/internal/agent"
	"github.com/voiceagent/turnmetrics/internal/config"
	"github.com/voiceagent/turnmetrics/internal/observability"
	"github.com/voiceagent/turnmetrics/internal/session"
	"github.com/voiceagent/turnmetrics/internal/telephony"
)

type Server struct {
	cfg        config.Config
	calls      *session.Manager
	dispatcher telephony.Dispatcher
	metrics    *observability.Metrics
	logger     logrus.FieldLogger
	upgrader   websocket.Upgrader
	now        func() time.Time

	mu            sync.Mutex
	conversations map[string]*agent.Conversation
}

func New(cfg config.Config, calls *session.Manager, dispatcher telephony.Dispatcher, metrics *observability.Metrics, logger logrus.FieldLogger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Server{
		cfg:           cfg,
		calls:         calls,
		dispatcher:    dispatcher,
		metrics:       metrics,
		logger:        logger,
		now:           time.Now,
		conversations: make(map[string]*agent.Conversation),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Voice pipelines are not browsers and usually omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.logger))

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Handle("/metrics", s.metrics.Handler())
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Delete("/v1/perf/latency", s.handlePerfReset)

	r.Post("/v1/calls", s.handleCreateCall)
	r.Get("/v1/calls", s.handleListCalls)
	r.Post("/v1/rooms/{room}/session", s.handleAttachRoom)
	r.Route("/v1/calls/{id}", func(r chi.Router) {
		r.Get("/", s.withCall(s.handleGetCall))
		r.Get("/metrics", s.withCall(s.handleCallMetrics))
		r.Get("/download-csv", s.withCall(s.handleDownloadCSV))
		r.Get("/download-json", s.withCall(s.handleDownloadJSON))
		r.Post("/end", s.handleEndCall)
		r.Get("/ws", s.handleCallWS)
	})

	// Single-call shortcuts over the most recent call.
	r.Get("/v1/metrics/current", s.handleCurrentMetrics)
	r.Get("/download-csv", s.withLatest(s.handleDownloadCSV))
	r.Get("/download-json", s.withLatest(s.handleDownloadJSON))

	return otelhttp.NewHandler(r, s.serviceName())
}

func (s *Server) serviceName() string {
	if s.cfg.ServiceName == "" {
		return "turnmetrics"
	}
	return s.cfg.ServiceName
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"active_calls": s.calls.ActiveCount(),
		"telephony":    s.cfg.TelephonyBackend(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":    "ready",
		"telephony": s.cfg.TelephonyBackend(),
	})
}

// requestLogger logs one line per request through logrus.
func requestLogger(logger logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			entry := logger.WithFields(logrus.Fields{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      status,
				"duration_ms": time.Since(start).Milliseconds(),
				"request_id":  middleware.GetReqID(r.Context()),
			})
			if status >= http.StatusInternalServerError {
				entry.Warn("request failed")
				return
			}
			entry.Debug("request served")
		})
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
