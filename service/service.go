package service

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"

	"github.com/OrrinLabs/tally/config"
	"github.com/OrrinLabs/tally/counter"
	"github.com/OrrinLabs/tally/events"
	"github.com/OrrinLabs/tally/store"
)

const apiPrefix = "/counter/api/v1"

// Rate limiter categories. Each route is assigned to one; unassigned
// routes fall back to the default bucket.
const (
	limiterOps     = "ops"
	limiterAdmin   = "admin"
	limiterWatch   = "watch"
	limiterDefault = "default"
)

const (
	limiterIdleTTL  = 1 * time.Minute
	shutdownTimeout = 5 * time.Second
)

// RootKey derives the bearer token for the whole API surface from the
// configured instance secret.
func RootKey(instanceSecret string) string {
	sum := sha256.Sum256([]byte(instanceSecret))
	return hex.EncodeToString(sum[:])
}

type categoryLimiter struct {
	limit float64
	burst int

	// perIP holds one token bucket per client address. Idle buckets
	// age out after limiterIdleTTL.
	perIP *ttlcache.Cache[string, *rate.Limiter]
}

// Service is the HTTP face of the counter daemon. It owns no counter
// state of its own; every request is delegated to the operational or
// management service and the reply encoded as JSON.
type Service struct {
	appCtx    context.Context
	cfg       *config.Service
	logger    *slog.Logger
	store     store.ShardStore
	ops       *counter.Operational
	mgmt      *counter.Management
	hub       *events.Hub
	mux       *http.ServeMux
	startedAt time.Time

	// rootDigest is the sha256 of the root key. Presented tokens are
	// hashed before comparing so the compare is constant time over a
	// fixed width regardless of token length.
	rootDigest [sha256.Size]byte

	// tokenCache remembers tokens that already validated. Only valid
	// tokens are inserted, so its population is bounded.
	tokenCache *ttlcache.Cache[string, bool]

	rateLimiters map[string]*categoryLimiter

	wsUpgrader  websocket.Upgrader
	maxWatchers int
	watchersMu  sync.Mutex
	watchers    map[*watchSession]struct{}
}

func New(
	appCtx context.Context,
	logger *slog.Logger,
	cfg *config.Service,
	shardStore store.ShardStore,
	ops *counter.Operational,
	mgmt *counter.Management,
	hub *events.Hub,
) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("service requires a config")
	}
	if shardStore == nil {
		return nil, errors.New("service requires a store")
	}
	if ops == nil || mgmt == nil {
		return nil, errors.New("service requires the operational and management services")
	}
	if hub == nil {
		return nil, errors.New("service requires an event hub")
	}
	if logger == nil {
		logger = slog.Default()
	}

	svc := &Service{
		appCtx:      appCtx,
		cfg:         cfg,
		logger:      logger.WithGroup("service"),
		store:       shardStore,
		ops:         ops,
		mgmt:        mgmt,
		hub:         hub,
		mux:         http.NewServeMux(),
		startedAt:   time.Now(),
		rootDigest:  sha256.Sum256([]byte(RootKey(cfg.InstanceSecret))),
		maxWatchers: cfg.Sessions.MaxConnections,
		watchers:    make(map[*watchSession]struct{}),
	}

	svc.tokenCache = ttlcache.New[string, bool](
		ttlcache.WithTTL[string, bool](cfg.Cache.AuthTTL),
		ttlcache.WithDisableTouchOnHit[string, bool](),
	)
	go svc.tokenCache.Start()

	newCategory := func(rl config.RateLimiterConfig) *categoryLimiter {
		burst := rl.Burst
		if burst < 1 {
			// A zero burst would reject every request.
			burst = 1
		}
		perIP := ttlcache.New[string, *rate.Limiter](
			ttlcache.WithTTL[string, *rate.Limiter](limiterIdleTTL),
			ttlcache.WithDisableTouchOnHit[string, *rate.Limiter](),
		)
		go perIP.Start()
		return &categoryLimiter{limit: rl.Limit, burst: burst, perIP: perIP}
	}
	svc.rateLimiters = map[string]*categoryLimiter{
		limiterOps:     newCategory(cfg.RateLimiters.Ops),
		limiterAdmin:   newCategory(cfg.RateLimiters.Admin),
		limiterWatch:   newCategory(cfg.RateLimiters.Watch),
		limiterDefault: newCategory(cfg.RateLimiters.Default),
	}

	svc.wsUpgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.Sessions.WebSocketReadBufferSize,
		WriteBufferSize: cfg.Sessions.WebSocketWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	svc.routes()
	return svc, nil
}

func (s *Service) routes() {
	s.mux.Handle(apiPrefix+"/create", s.rateLimitMiddleware(limiterAdmin, http.HandlerFunc(s.handleCreate)))
	s.mux.Handle(apiPrefix+"/apply", s.rateLimitMiddleware(limiterOps, http.HandlerFunc(s.handleApply)))
	s.mux.Handle(apiPrefix+"/aggregate", s.rateLimitMiddleware(limiterOps, http.HandlerFunc(s.handleAggregate)))
	s.mux.Handle(apiPrefix+"/rebalance", s.rateLimitMiddleware(limiterAdmin, http.HandlerFunc(s.handleRebalance)))
	s.mux.Handle(apiPrefix+"/counters", s.rateLimitMiddleware(limiterDefault, http.HandlerFunc(s.handleCounters)))
	s.mux.Handle(apiPrefix+"/get", s.rateLimitMiddleware(limiterDefault, http.HandlerFunc(s.handleGet)))
	s.mux.Handle(apiPrefix+"/delete", s.rateLimitMiddleware(limiterAdmin, http.HandlerFunc(s.handleDelete)))
	s.mux.Handle(apiPrefix+"/watch", s.rateLimitMiddleware(limiterWatch, http.HandlerFunc(s.handleWatch)))
	s.mux.Handle(apiPrefix+"/ping", s.rateLimitMiddleware(limiterDefault, http.HandlerFunc(s.handlePing)))
}

// Handler exposes the API routes for callers that bring their own
// listener.
func (s *Service) Handler() http.Handler {
	return s.mux
}

// Run serves until the application context is cancelled. It returns
// nil on a clean shutdown.
func (s *Service) Run() error {
	srv := &http.Server{
		Addr:    s.cfg.Listen,
		Handler: s.mux,
	}

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-s.appCtx.Done()
		s.logger.Info("shutting down counter service")
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			s.logger.Error("http shutdown failed", "error", err)
		}
		s.Close()
	}()

	var err error
	if s.cfg.TLS.Cert != "" && s.cfg.TLS.Key != "" {
		s.logger.Info("counter service listening", "address", s.cfg.Listen, "tls", true)
		err = srv.ListenAndServeTLS(s.cfg.TLS.Cert, s.cfg.TLS.Key)
	} else {
		s.logger.Info("counter service listening", "address", s.cfg.Listen, "tls", false)
		err = srv.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	<-shutdownDone
	return nil
}

// Close drops live watch sessions and stops the background caches.
// Run calls it during shutdown; callers serving the Handler themselves
// invoke it once their server is down.
func (s *Service) Close() {
	s.closeWatchers()
	s.stopCaches()
}

func (s *Service) stopCaches() {
	s.tokenCache.Stop()
	for _, category := range s.rateLimiters {
		category.perIP.Stop()
	}
}

// validateToken authorizes a request against the root key. It writes
// the 401 itself so handlers can simply return on false.
func (s *Service) validateToken(w http.ResponseWriter, r *http.Request) bool {
	authHeader := r.Header.Get("Authorization")
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" || token == authHeader {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return false
	}

	if item := s.tokenCache.Get(token); item != nil {
		return true
	}

	digest := sha256.Sum256([]byte(token))
	if subtle.ConstantTimeCompare(digest[:], s.rootDigest[:]) != 1 {
		http.Error(w, "Invalid or missing token", http.StatusUnauthorized)
		return false
	}
	s.tokenCache.Set(token, true, ttlcache.DefaultTTL)
	return true
}

func (s *Service) getRemoteAddress(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Service) getRateLimiter(category, clientIP string) (*rate.Limiter, *categoryLimiter) {
	set, ok := s.rateLimiters[category]
	if !ok {
		set = s.rateLimiters[limiterDefault]
	}
	if item := set.perIP.Get(clientIP); item != nil {
		return item.Value(), set
	}
	limiter := rate.NewLimiter(rate.Limit(set.limit), set.burst)
	set.perIP.Set(clientIP, limiter, ttlcache.DefaultTTL)
	return limiter, set
}

func (s *Service) rateLimitMiddleware(category string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limiter, set := s.getRateLimiter(category, s.getRemoteAddress(r))

		res := limiter.Reserve()
		if res.OK() && res.Delay() == 0 {
			next.ServeHTTP(w, r)
			return
		}
		if res.OK() {
			delay := res.Delay()
			res.Cancel()
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
		}
		w.Header().Set("X-RateLimit-Limit", strconv.FormatFloat(set.limit, 'f', -1, 64))
		w.Header().Set("X-RateLimit-Burst", strconv.Itoa(set.burst))
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
	})
}
