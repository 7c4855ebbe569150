// Package api exposes the broker's HTTP surface: credential issuance,
// assignment reads, and operational endpoints.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	"github.com/resi-labs-ai/resi-labs-api/auth"
	"github.com/resi-labs-ai/resi-labs-api/chain"
	"github.com/resi-labs-ai/resi-labs-api/config/params"
	"github.com/resi-labs-ai/resi-labs-api/epochs"
	"github.com/resi-labs-ai/resi-labs-api/ratelimit"
	"github.com/resi-labs-ai/resi-labs-api/s3access"
	"github.com/resi-labs-ai/resi-labs-api/zipcodes"
	"github.com/resi-labs-ai/resi-labs-api/zipcodes/store"
)

var log = logrus.WithField("prefix", "api")

// epochReader is the scheduler surface the handlers consume.
type epochReader interface {
	Current(ctx context.Context) (*zipcodes.Epoch, []zipcodes.Assignment, error)
	Historical(ctx context.Context, id string) (*zipcodes.Epoch, []zipcodes.Assignment, error)
	Stats(ctx context.Context) (*epochs.SchedulerStats, error)
}

// credentialMinter is the object store surface the handlers consume.
type credentialMinter interface {
	Bucket() string
	Region() string
	MintUploadPolicy(ctx context.Context, prefix string, ttl time.Duration) (*s3access.UploadPolicy, error)
	MintListURL(ctx context.Context, scope s3access.ListScope, ttl time.Duration) (string, error)
	Status(ctx context.Context) error
}

type resultUploader interface {
	Mint(ctx context.Context, hotkey chain.KeyID, epochID string) (*s3access.SessionCredentials, *s3access.UploadGuidelines, error)
	Status(ctx context.Context) error
}

type chainView interface {
	Snapshot() *chain.Snapshot
	Status() error
}

type statsReader interface {
	ZipcodeStats(ctx context.Context) (*store.Stats, error)
	Ping(ctx context.Context) error
}

// Config wires the server's collaborators.
type Config struct {
	Broker   *params.BrokerConfig
	Auth     *auth.Authenticator
	Limiter  *ratelimit.Limiter
	Minter   credentialMinter
	Uploader resultUploader
	Epochs   epochReader
	Chain    chainView
	Store    statsReader
}

// Server is the HTTP front of the broker, run under the service registry.
type Server struct {
	cfg     *Config
	srv     *http.Server
	ctx     context.Context
	cancel  context.CancelFunc
	now     func() time.Time
	started time.Time
	served  atomic.Uint64
	errored atomic.Uint64
	err     error
}

// New constructs the server and its route table.
func New(ctx context.Context, cfg *Config) *Server {
	ctx, cancel := context.WithCancel(ctx)
	s := &Server{cfg: cfg, ctx: ctx, cancel: cancel, now: time.Now}
	s.started = s.now()

	r := mux.NewRouter()
	r.Use(s.countRequests)

	r.HandleFunc("/get-folder-access", s.handleFolderAccess).Methods(http.MethodPost)
	r.HandleFunc("/get-validator-access", s.handleValidatorAccess).Methods(http.MethodPost)
	r.HandleFunc("/get-miner-specific-access", s.handleMinerSpecificAccess).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/s3-access/validator-upload", s.handleValidatorUpload).Methods(http.MethodPost)

	r.HandleFunc("/api/v1/zipcode-assignments/current", s.handleCurrentAssignment).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/zipcode-assignments/epoch/{id}", s.handleHistoricalAssignment).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/zipcode-assignments/stats", s.publicLimited(s.handleAssignmentStats)).Methods(http.MethodGet)

	r.HandleFunc("/healthcheck", s.publicLimited(s.handleHealthcheck)).Methods(http.MethodGet)
	r.HandleFunc("/rate-limits", s.publicLimited(s.handleRateLimits)).Methods(http.MethodGet)
	r.HandleFunc("/commitment-formats", s.publicLimited(s.handleCommitmentFormats)).Methods(http.MethodGet)
	r.HandleFunc("/structure-info", s.publicLimited(s.handleStructureInfo)).Methods(http.MethodGet)
	r.HandleFunc("/docs", s.handleDocs).Methods(http.MethodGet)
	r.HandleFunc("/openapi.json", s.handleOpenAPI).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	handler := cors.New(cors.Options{
		AllowedOrigins: cfg.Broker.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Hotkey", "X-Coldkey", "X-Timestamp"},
	}).Handler(r)

	s.srv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Broker.HTTPHost, cfg.Broker.HTTPPort),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves HTTP in the background.
func (s *Server) Start() {
	log.WithField("address", s.srv.Addr).Info("Starting HTTP server")
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP server failed")
			s.err = err
		}
	}()
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop() error {
	defer s.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

// Status returns the listener's failure, if any.
func (s *Server) Status() error {
	return s.err
}

// deadline returns a per-request context bounded by the smallest upstream
// timeout.
func (s *Server) deadline(r *http.Request) (context.Context, context.CancelFunc) {
	b := s.cfg.Broker
	d := b.SignatureTimeout
	for _, t := range []time.Duration{b.ValidatorTimeout, b.S3OpTimeout, b.DBTimeout} {
		if t > 0 && t < d {
			d = t
		}
	}
	return context.WithTimeout(r.Context(), d)
}
