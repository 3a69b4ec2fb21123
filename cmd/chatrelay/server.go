package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"chatsync/internal/constants"
	apperrors "chatsync/internal/errors"
	"chatsync/internal/metrics"
	"chatsync/internal/middleware"
	"chatsync/internal/models"
	"chatsync/internal/relay"
	"chatsync/internal/service"
	"chatsync/internal/timeline"
	"chatsync/internal/tracing"
	"chatsync/internal/versioning"
	"chatsync/pkg/chatapi/types"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

const maxRequestBodyBytes = 64 * 1024

// Store is the persistence the relay serves over REST
type Store interface {
	types.Repository
	GetThread(ctx context.Context, threadID string) (*models.Thread, error)
	CloseThread(ctx context.Context, threadID string) (*models.Thread, error)
	Ping(ctx context.Context) error
}

type Server struct {
	router  *mux.Router
	logger  *logrus.Logger
	store   Store
	hub     *relay.Hub
	metrics *metrics.Registry
	cfg     models.ServerConfig
	verbose bool
	server  *http.Server
}

func NewServer(cfg models.ServerConfig, store Store, hub *relay.Hub, reg *metrics.Registry, logger *logrus.Logger, verbose bool) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		logger:  logger,
		store:   store,
		hub:     hub,
		metrics: metrics.OrDefault(reg),
		cfg:     cfg,
		verbose: verbose,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	detailed := middleware.DefaultDetailedLoggingConfig()
	detailed.LogRequestBody = s.verbose
	detailed.Verbose = s.verbose

	s.router.Use(middleware.Observability(s.logger, s.metrics))
	s.router.Use(middleware.DetailedLogging(s.logger, detailed))
	if s.cfg.RateLimitPerMinute > 0 {
		limiter := middleware.NewIPRateLimiter(s.cfg.RateLimitPerMinute)
		s.router.Use(middleware.RateLimit(limiter, s.logger, types.EndpointHealth, types.EndpointMetrics))
	}
	s.router.Use(versioning.Middleware(s.logger))

	s.router.HandleFunc(types.EndpointHealth, s.handleHealth()).Methods(http.MethodGet)
	s.router.Handle(types.EndpointMetrics, s.metrics.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc(types.EndpointRealtime, s.hub.ServeWS).Methods(http.MethodGet)

	s.router.HandleFunc(types.EndpointThreads, s.handleEnsureThread()).Methods(http.MethodPost)
	s.router.HandleFunc(types.EndpointMessages, s.handleFetchPage()).Methods(http.MethodGet)
	s.router.HandleFunc(types.EndpointMessages, s.handleSendMessage()).Methods(http.MethodPost)
	s.router.HandleFunc(types.EndpointMarkRead, s.handleMarkRead()).Methods(http.MethodPost)
	s.router.HandleFunc(types.EndpointCloseThread, s.handleCloseThread()).Methods(http.MethodPost)
	s.router.HandleFunc(types.EndpointAgentInbox, s.handleAgentInbox()).Methods(http.MethodGet)
}

func (s *Server) Start() error {
	port := s.cfg.Port
	if port <= 0 {
		port = constants.DefaultServerPort
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.router,
		ReadTimeout:  secondsOr(s.cfg.ReadTimeoutSec, constants.DefaultServerReadTimeoutSec),
		WriteTimeout: secondsOr(s.cfg.WriteTimeoutSec, constants.DefaultServerWriteTimeoutSec),
		IdleTimeout:  secondsOr(s.cfg.IdleTimeoutSec, constants.DefaultServerIdleTimeoutSec),
	}

	s.logger.Infof("Starting relay on port %d", port)
	return s.server.ListenAndServe()
}

func secondsOr(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Second
}

// Shutdown stops accepting requests and closes every realtime socket
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		connections, rooms := s.hub.Stats()
		resp := types.HealthResponse{
			Status:      "healthy",
			Database:    "ok",
			Connections: connections,
			Rooms:       rooms,
		}
		status := http.StatusOK

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.store.Ping(ctx); err != nil {
			s.logger.WithError(err).Warn("Health check database ping failed")
			resp.Status = "degraded"
			resp.Database = "unavailable"
			status = http.StatusServiceUnavailable
		}
		s.writeJSON(w, r, status, resp)
	}
}

func (s *Server) handleEnsureThread() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.EnsureThreadRequest
		if err := decodeBody(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		thread, err := s.store.EnsureThread(r.Context(), req)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, r, http.StatusOK, thread)
	}
}

func (s *Server) handleFetchPage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := types.FetchThreadPageRequest{ThreadID: mux.Vars(r)["id"]}

		query := r.URL.Query()
		if raw := query.Get(types.QueryParamLimit); raw != "" {
			limit, err := strconv.Atoi(raw)
			if err != nil {
				s.writeError(w, r, apperrors.New(apperrors.ErrCodeInvalidInput, "limit must be a number"))
				return
			}
			req.Limit = limit
		}
		if token := query.Get(types.QueryParamCursor); token != "" {
			cursor, err := timeline.DecodeCursor(token)
			if err != nil {
				s.writeError(w, r, apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "invalid cursor"))
				return
			}
			req.Cursor = cursor
		}

		page, err := s.store.FetchThreadPage(r.Context(), req)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, r, http.StatusOK, page)
	}
}

func (s *Server) handleSendMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		threadID := mux.Vars(r)["id"]
		var req types.SendMessageRequest
		if err := decodeBody(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		if req.ThreadID != "" && req.ThreadID != threadID {
			s.writeError(w, r, apperrors.New(apperrors.ErrCodeInvalidInput, "threadId does not match path"))
			return
		}
		req.ThreadID = threadID

		msg, err := s.store.SendMessage(r.Context(), req)
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		thread, err := s.store.GetThread(r.Context(), threadID)
		if err != nil {
			// The message is stored; subscribers catch up on their next page load
			apperrors.LogError(s.logger, err, "Failed to resolve thread owner for fan-out")
			thread = &models.Thread{ID: threadID}
		}
		s.hub.PublishInserted(thread.AgentID, *msg)

		s.logger.WithFields(service.SanitizeFields(s.verbose, logrus.Fields{
			service.LogFieldThreadID:  msg.ThreadID,
			service.LogFieldMessageID: msg.ID,
			service.LogFieldSenderID:  msg.SenderID,
		})).Debug("Message published")
		s.writeJSON(w, r, http.StatusCreated, msg)
	}
}

func (s *Server) handleMarkRead() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.MarkThreadReadRequest
		if err := decodeBody(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		req.ThreadID = mux.Vars(r)["id"]
		if err := s.store.MarkThreadRead(r.Context(), req); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleCloseThread() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		thread, err := s.store.CloseThread(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, r, http.StatusOK, thread)
	}
}

func (s *Server) handleAgentInbox() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items, err := s.store.FetchAgentInbox(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if items == nil {
			items = []models.InboxThread{}
		}
		s.writeJSON(w, r, http.StatusOK, types.InboxResponse{Items: items})
	}
}

func decodeBody(r *http.Request, out interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodyBytes))
	if err := dec.Decode(out); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "invalid JSON body")
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).WithField(service.LogFieldRequestID, tracing.GetRequestID(r.Context())).Error("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	requestID := tracing.GetRequestID(r.Context())
	status := apperrors.HTTPStatusCode(err)
	if status >= http.StatusInternalServerError {
		apperrors.LogError(s.logger, err, "Request failed", logrus.Fields{service.LogFieldRequestID: requestID})
	}
	s.writeJSON(w, r, status, apperrors.ToHTTPResponse(err, requestID))
}
