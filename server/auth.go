package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"nftlend/crypto"
	"nftlend/identity"
	"nftlend/models"
	"nftlend/signing"
)

type contextKey string

const contextKeyAccount contextKey = "account"

// accountFrom extracts the authenticated account attached by the
// authenticate middleware.
func accountFrom(ctx context.Context) (*models.Account, bool) {
	account, ok := ctx.Value(contextKeyAccount).(*models.Account)
	return account, ok && account != nil
}

// authenticate validates the bearer access token and loads the account it
// names. Disabled accounts are rejected even if their token is still live.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz := strings.TrimSpace(r.Header.Get("Authorization"))
		if authz == "" {
			s.writeDetail(w, http.StatusUnauthorized, "missing authorization")
			return
		}
		parts := strings.SplitN(authz, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			s.writeDetail(w, http.StatusUnauthorized, "invalid authorization scheme")
			return
		}
		claims, err := s.Tokens.VerifyAccess(strings.TrimSpace(parts[1]))
		if err != nil {
			s.writeDetail(w, http.StatusUnauthorized, "invalid authorization token")
			return
		}
		account, err := s.Resolver.ByID(r.Context(), claims.AccountID)
		if err != nil || !account.Active {
			s.writeDetail(w, http.StatusUnauthorized, "account unavailable")
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyAccount, account)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// maxTrackedIPs bounds the per-IP limiter table. When the table fills it is
// reset wholesale; dropping counters briefly re-admits throttled clients,
// which is acceptable for a signin endpoint, unbounded growth is not.
const maxTrackedIPs = 4096

// ipLimiter throttles unauthenticated endpoints per client IP.
type ipLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newIPLimiter(perMinute, burst int) *ipLimiter {
	return &ipLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(float64(perMinute) / 60.0),
		burst:    burst,
	}
}

func (l *ipLimiter) allow(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[host]
	if !ok {
		if len(l.limiters) >= maxTrackedIPs {
			l.limiters = make(map[string]*rate.Limiter)
		}
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[host] = limiter
	}
	return limiter.Allow()
}

func (s *Server) rateLimitSignin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow(r.RemoteAddr) {
			s.writeDetail(w, http.StatusTooManyRequests, "too many signin attempts")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SignIn verifies a wallet's signature over the fixed login challenge and
// issues a session for the account behind the public key, provisioning it on
// first login.
func (s *Server) SignIn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Signatures []string `json:"signatures"`
		PublicKey  string   `json:"public_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeDetail(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if len(req.Signatures) < signing.LoginTransportMinComponents {
		s.signinOutcome("short_bundle")
		s.writeDetail(w, http.StatusBadRequest, "signature bundle is too short")
		return
	}

	pub, err := crypto.ParsePublicKey(req.PublicKey)
	if err != nil {
		s.signinOutcome("malformed")
		s.writeDetail(w, http.StatusBadRequest, "invalid public key")
		return
	}
	components, err := signing.ParseComponents(req.Signatures)
	if err != nil {
		s.signinOutcome("malformed")
		s.writeDetail(w, http.StatusBadRequest, "malformed signature")
		return
	}
	digest, err := signing.LoginMessage(s.Domain).Hash(pub)
	if err != nil {
		s.signinOutcome("error")
		s.writeDetail(w, http.StatusInternalServerError, "unexpected error")
		return
	}
	if !signing.Verify(digest, components, pub) {
		s.signinOutcome("invalid_signature")
		if s.Metrics != nil {
			s.Metrics.SignatureFailures.WithLabelValues(string(signing.ActionLogin)).Inc()
		}
		s.writeDetail(w, http.StatusBadRequest, "cannot login or sign up")
		return
	}

	account, isNew, err := s.Resolver.ResolveOrCreate(r.Context(), pub.Hex())
	if err != nil {
		if errors.Is(err, identity.ErrAccountDisabled) {
			s.signinOutcome("disabled")
			s.writeDetail(w, http.StatusUnauthorized, "account disabled")
			return
		}
		s.signinOutcome("error")
		s.Logger.Error("resolve account", "error", err)
		s.writeDetail(w, http.StatusInternalServerError, "unexpected error")
		return
	}
	bundle, err := s.Tokens.Issue(account)
	if err != nil {
		s.signinOutcome("error")
		s.Logger.Error("issue session", "error", err)
		s.writeDetail(w, http.StatusInternalServerError, "unexpected error")
		return
	}

	s.signinOutcome("ok")
	s.writeJSON(w, http.StatusOK, map[string]any{
		"id":         account.ID,
		"public_key": account.PublicKey,
		"email":      account.Email,
		"is_new":     isNew,
		"access":     bundle.Access,
		"refresh":    bundle.Refresh,
		"expiry":     bundle.Expiry,
	})
}

// Refresh exchanges a live refresh token for a new session bundle.
func (s *Server) Refresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Refresh string `json:"refresh"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Refresh) == "" {
		s.writeDetail(w, http.StatusBadRequest, "invalid payload")
		return
	}
	claims, err := s.Tokens.VerifyRefresh(strings.TrimSpace(req.Refresh))
	if err != nil {
		s.writeDetail(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}
	account, err := s.Resolver.ByID(r.Context(), claims.AccountID)
	if err != nil || !account.Active {
		s.writeDetail(w, http.StatusUnauthorized, "account unavailable")
		return
	}
	bundle, err := s.Tokens.Issue(account)
	if err != nil {
		s.Logger.Error("issue session", "error", err)
		s.writeDetail(w, http.StatusInternalServerError, "unexpected error")
		return
	}
	s.writeJSON(w, http.StatusOK, bundle)
}

func (s *Server) signinOutcome(outcome string) {
	if s.Metrics != nil {
		s.Metrics.Signins.WithLabelValues(outcome).Inc()
	}
}
