// internal/api/server.go
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/FairForge/replimon/internal/config"
	"github.com/FairForge/replimon/internal/discovery"
	"github.com/FairForge/replimon/internal/metrics"
	"github.com/FairForge/replimon/internal/poller"
	"github.com/FairForge/replimon/internal/store"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// PollControl is the slice of the poller the HTTP surface needs.
type PollControl interface {
	PollNow(ctx context.Context) bool
	Status() poller.Status
}

// Discoverer runs topology and per-array discovery on demand.
type Discoverer interface {
	RunFullDiscovery(ctx context.Context) (discovery.Result, error)
	DiscoverEndpoints(ctx context.Context) (int, error)
	DiscoverConsistencyGroups(ctx context.Context, endpointID string) (int, error)
}

// Sessions is the slice of the session manager the credential
// handlers exercise.
type Sessions interface {
	Validate(ctx context.Context, baseURL, username, password string) error
	DestroySession(ctx context.Context, endpointID string)
}

// Store is the persistence surface the read-side handlers use.
type Store interface {
	ListEndpoints(ctx context.Context, endpointType string, monitoredOnly bool) ([]store.Endpoint, error)
	GetEndpoint(ctx context.Context, endpointID string) (store.Endpoint, error)
	UpsertEndpoint(ctx context.Context, e *store.Endpoint) error
	SaveCredentials(ctx context.Context, endpointID, username, password string, validated bool) error
	SetEndpointAuthStatus(ctx context.Context, endpointID, status string) error
	ListConsistencyGroups(ctx context.Context, endpointID string) ([]store.ConsistencyGroup, error)
	SetGroupMonitored(ctx context.Context, groupID int, endpointID string, monitored bool) error
	ListPairs(ctx context.Context, groupID int, endpointID string) ([]store.Pair, error)
	RecentSamples(ctx context.Context, groupID int, endpointID string, limit int) ([]store.RpoSample, error)
	ListAlerts(ctx context.Context, unacknowledgedOnly bool) ([]store.Alert, error)
	AcknowledgeAlert(ctx context.Context, alertID string) error
	Ping(ctx context.Context) error
}

type Server struct {
	config     *config.Config
	logger     *zap.Logger
	router     *mux.Router
	httpServer *http.Server
	poller     PollControl
	discovery  Discoverer
	sessions   Sessions
	store      Store
	metrics    *metrics.Metrics

	requestCount int64
	errorCount   int64
	startTime    time.Time
}

func NewServer(cfg *config.Config, logger *zap.Logger, pc PollControl, disc Discoverer, sess Sessions, st Store, m *metrics.Metrics) *Server {
	s := &Server{
		config:    cfg,
		logger:    logger,
		poller:    pc,
		discovery: disc,
		sessions:  sess,
		store:     st,
		metrics:   m,
		router:    mux.NewRouter(),
		startTime: time.Now(),
	}

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")

	s.router.HandleFunc("/api/v1/poll", s.handlePollNow).Methods("POST")
	s.router.HandleFunc("/api/v1/poll/status", s.handlePollStatus).Methods("GET")

	s.router.HandleFunc("/api/v1/discovery/run", s.handleDiscoveryRun).Methods("POST")
	s.router.HandleFunc("/api/v1/discovery/endpoints", s.handleDiscoverEndpoints).Methods("POST")
	s.router.HandleFunc("/api/v1/discovery/groups/{endpoint}", s.handleDiscoverGroups).Methods("POST")

	s.router.HandleFunc("/api/v1/endpoints", s.handleListEndpoints).Methods("GET")
	s.router.HandleFunc("/api/v1/endpoints", s.handleRegisterEndpoint).Methods("POST")
	s.router.HandleFunc("/api/v1/endpoints/{id}/credentials", s.handleSaveCredentials).Methods("PUT")
	s.router.HandleFunc("/api/v1/endpoints/{id}/session", s.handleDropSession).Methods("DELETE")
	s.router.HandleFunc("/api/v1/groups", s.handleListGroups).Methods("GET")
	s.router.HandleFunc("/api/v1/groups/{endpoint}/{group}/monitored", s.handleSetGroupMonitored).Methods("PUT")
	s.router.HandleFunc("/api/v1/groups/{endpoint}/{group}/pairs", s.handleGroupPairs).Methods("GET")
	s.router.HandleFunc("/api/v1/groups/{endpoint}/{group}/samples", s.handleGroupSamples).Methods("GET")

	s.router.HandleFunc("/api/v1/alerts", s.handleListAlerts).Methods("GET")
	s.router.HandleFunc("/api/v1/alerts/{id}/ack", s.handleAckAlert).Methods("POST")

	s.router.Use(s.loggingMiddleware)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&s.requestCount, 1)
		start := time.Now()

		next.ServeHTTP(w, r)

		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("latency", time.Since(start)),
		)
	})
}

func (s *Server) Start() error {
	s.logger.Info("Starting server", zap.Int("port", s.config.Server.Port))
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
