package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/callrelay/internal/config"
	"github.com/ent0n29/callrelay/internal/observability"
	"github.com/ent0n29/callrelay/internal/policy"
	"github.com/ent0n29/callrelay/internal/promptcache"
	"github.com/ent0n29/callrelay/internal/protocol"
	"github.com/ent0n29/callrelay/internal/session"
)

// AudioRunner drives a media stream session.
type AudioRunner interface {
	Run(ctx context.Context, s *session.Session, inbound <-chan protocol.StreamEvent, outbound chan<- any) error
}

// TextRunner drives a conversation relay session.
type TextRunner interface {
	Run(ctx context.Context, s *session.Session, inbound <-chan protocol.RelayEvent, outbound chan<- any) error
}

type Deps struct {
	Sessions *session.Manager
	Audio    AudioRunner
	Text     TextRunner
	Cache    *promptcache.Cache
	Auth     *policy.Authorizer
	Metrics  *observability.Metrics
	Logger   zerolog.Logger
}

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	audio    AudioRunner
	text     TextRunner
	cache    *promptcache.Cache
	auth     *policy.Authorizer
	metrics  *observability.Metrics
	logger   zerolog.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, deps Deps) *Server {
	return &Server{
		cfg:      cfg,
		sessions: deps.Sessions,
		audio:    deps.Audio,
		text:     deps.Text,
		cache:    deps.Cache,
		auth:     deps.Auth,
		metrics:  deps.Metrics,
		logger:   deps.Logger.With().Str("component", "httpapi").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Telephony providers do not send Origin.
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
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			http.NotFound(w, r)
			return
		}
		s.metrics.Handler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.With(s.requireControlAuth).Post("/cache/call", s.handleCacheCall)

	r.Group(func(r chi.Router) {
		r.Use(s.requireStreamAuth)
		r.Get("/ws/media", s.handleMediaStream)
		r.Get("/ws/conversation", s.handleConversationRelay)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type cacheCallRequest struct {
	CallID string `json:"callId"`
	Prompt string `json:"prompt"`
}

const maxCacheBody = 1 << 20

// handleCacheCall stores the system prompt for an upcoming call. The last
// write for a call id wins.
func (s *Server) handleCacheCall(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "prompt cache not configured")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxCacheBody)

	var req cacheCallRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.CallID = strings.TrimSpace(req.CallID)
	if req.CallID == "" || strings.TrimSpace(req.Prompt) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "callId and prompt are required")
		return
	}

	s.cache.Put(req.CallID, req.Prompt)
	if s.metrics != nil {
		s.metrics.PromptCacheEntries.Set(float64(s.cache.Len()))
	}
	s.logger.Debug().Str("call_id", req.CallID).Int("prompt_len", len(req.Prompt)).Msg("prompt cached")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) requireControlAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if d := s.auth.AuthorizeControl(r); !d.Allowed {
			s.logger.Warn().Str("path", r.URL.Path).Str("reason", d.Reason).Msg("control request rejected")
			respondError(w, http.StatusUnauthorized, "unauthorized", d.Reason)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireStreamAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if d := s.auth.AuthorizeStream(r); !d.Allowed {
			s.logger.Warn().Str("path", r.URL.Path).Str("reason", d.Reason).Msg("stream upgrade rejected")
			s.metrics.ObserveSessionEvent("ws_rejected")
			respondError(w, http.StatusUnauthorized, "unauthorized", d.Reason)
			return
		}
		next.ServeHTTP(w, r)
	})
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
