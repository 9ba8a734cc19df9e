package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"nftlend/engine"
	"nftlend/identity"
	"nftlend/observability"
	"nftlend/signing"
)

// Config captures the dependencies required to construct the server.
type Config struct {
	DB              *gorm.DB
	Engine          *engine.Engine
	Resolver        *identity.Resolver
	Tokens          *identity.TokenIssuer
	Domain          signing.Domain
	Logger          *slog.Logger
	Metrics         *observability.GatewayMetrics
	SigninPerMinute int
	SigninBurst     int
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	DB       *gorm.DB
	Engine   *engine.Engine
	Resolver *identity.Resolver
	Tokens   *identity.TokenIssuer
	Domain   signing.Domain
	Logger   *slog.Logger
	Metrics  *observability.GatewayMetrics

	limiter *ipLimiter
	router  http.Handler
}

// New constructs a configured HTTP router with authentication, idempotency,
// and rate-limiting support.
func New(cfg Config) *Server {
	srv := &Server{
		DB:       cfg.DB,
		Engine:   cfg.Engine,
		Resolver: cfg.Resolver,
		Tokens:   cfg.Tokens,
		Domain:   cfg.Domain,
		Logger:   cfg.Logger,
		Metrics:  cfg.Metrics,
	}
	if srv.Logger == nil {
		srv.Logger = slog.Default()
	}
	perMinute := cfg.SigninPerMinute
	if perMinute <= 0 {
		perMinute = 30
	}
	burst := cfg.SigninBurst
	if burst <= 0 {
		burst = 10
	}
	srv.limiter = newIPLimiter(perMinute, burst)
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.instrument)
	r.Use(func(next http.Handler) http.Handler { return WithIdempotency(s.DB, s.Logger, next) })

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Get("/accepted-nfts", s.ListAcceptedNFTs)
		api.Get("/accepted-tokens", s.ListAcceptedTokens)
		api.Get("/listings", s.ListListings)
		api.With(s.rateLimitSignin).Post("/auth/signin", s.SignIn)
		api.Post("/auth/refresh", s.Refresh)

		api.Group(func(protected chi.Router) {
			protected.Use(s.authenticate)
			protected.Post("/listings", s.CreateListing)
			protected.Post("/listings/{id}/close", s.CloseListing)
			protected.Get("/listings/{id}/offers", s.ListOffers)
			protected.Post("/offers", s.CreateOffer)
			protected.Post("/offers/{id}/cancel", s.CancelOffer)
			protected.Post("/loans", s.RecordLoan)
			protected.Get("/loans", s.ListLoans)
			protected.Post("/loans/{id}/status", s.UpdateLoanStatus)
			protected.Post("/loans/{id}/renegotiations", s.ProposeRenegotiation)
			protected.Post("/renegotiations/{id}/counter", s.CounterRenegotiation)
			protected.Post("/renegotiations/{id}/accept", s.AcceptRenegotiation)
			protected.Post("/account/email", s.UpdateEmail)
		})
	})

	return r
}

// instrument records request counts and latency per chi route pattern.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		s.Metrics.Requests.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		s.Metrics.Latency.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.Logger.Error("write response", "error", err)
	}
}

func (s *Server) writeDetail(w http.ResponseWriter, status int, detail string) {
	s.writeJSON(w, status, map[string]string{"detail": detail})
}

