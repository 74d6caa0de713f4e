package adapthttp

import (
	"log/slog"
	"net/http"

	"golang.org/x/time/rate"

	"weighsplit/internal/adapter/webhook"
	"weighsplit/internal/app"
	"weighsplit/internal/domain"
)

// InstanceLister lists the running instances.
type InstanceLister interface {
	Instances() []domain.Instance
}

// Options configures the optional parts of a Server.
type Options struct {
	// Ingest receives pushed source states; nil disables the events endpoint.
	Ingest *webhook.Source
	// Hub streams notifications to websocket clients; nil disables /api/ws.
	Hub *Hub
	// Metrics is served on /metrics when set.
	Metrics http.Handler
	// TokenHash is the bcrypt hash of the API bearer token; empty disables auth.
	TokenHash string
	// IngestRate and IngestBurst limit the events endpoint.
	IngestRate  float64
	IngestBurst int
	Logger      *slog.Logger
}

// Server is the driving HTTP adapter that routes requests to application
// services.
type Server struct {
	subjects    *app.SubjectService
	instances   InstanceLister
	ingest      *webhook.Source
	hub         *Hub
	metrics     http.Handler
	tokenHash   []byte
	limiter     *rate.Limiter
	log         *slog.Logger
	disableAuth bool
}

// New creates a Server wired to the given application services.
func New(subjects *app.SubjectService, instances InstanceLister, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.IngestRate <= 0 {
		opts.IngestRate = 5
	}
	if opts.IngestBurst <= 0 {
		opts.IngestBurst = 10
	}
	s := &Server{
		subjects:  subjects,
		instances: instances,
		ingest:    opts.Ingest,
		hub:       opts.Hub,
		metrics:   opts.Metrics,
		limiter:   rate.NewLimiter(rate.Limit(opts.IngestRate), opts.IngestBurst),
		log:       opts.Logger,
	}
	if opts.TokenHash != "" {
		s.tokenHash = []byte(opts.TokenHash)
	}
	return s
}

// WithoutAuth disables authentication, for tests.
func (s *Server) WithoutAuth() *Server {
	s.disableAuth = true
	return s
}

// Handler returns the root http.Handler for the application.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	protected := http.NewServeMux()
	protected.HandleFunc("/instances", s.handleInstances)
	protected.HandleFunc("/entities", s.handleEntities)
	protected.HandleFunc("/entities/{id}", s.handleEntity)
	protected.HandleFunc("/entities/{id}/recent", s.handleEntityRecent)
	if s.ingest != nil {
		protected.Handle("/sources/{source}/events", s.rateLimit(http.HandlerFunc(s.handleSourceEvent)))
	}
	if s.hub != nil {
		protected.Handle("/ws", s.hub)
	}
	api.Handle("/", s.authMiddleware(protected))

	root := http.NewServeMux()
	root.Handle("/api/", http.StripPrefix("/api", api))
	if s.metrics != nil {
		root.Handle("/metrics", s.metrics)
	}

	return s.loggingMiddleware(withNoCache(root))
}
