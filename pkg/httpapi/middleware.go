package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/sealgate/gateway/pkg/identity"
	"github.com/sealgate/gateway/pkg/ratelimit"
)

type ctxKey int

const claimsCtxKey ctxKey = iota

// claimsFromContext returns the authenticated caller's claims, if any.
func claimsFromContext(ctx context.Context) *identity.Claims {
	c, _ := ctx.Value(claimsCtxKey).(*identity.Claims)
	return c
}

// withBodyLimit caps the request body at limitBytes, returning 413 once
// the handler attempts to read past it, before any side effect.
func withBodyLimit(limitBytes int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, limitBytes)
		next.ServeHTTP(w, r)
	})
}

// withDeadline bounds the whole request at d. Each request has an overall
// deadline (default 5s); on expiry it responds 504.
func withDeadline(d time.Duration, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), d)
		defer cancel()

		done := make(chan struct{})
		go func() {
			defer close(done)
			next.ServeHTTP(w, r.WithContext(ctx))
		}()

		select {
		case <-done:
		case <-ctx.Done():
			writeDeadlineExceeded(w)
			<-done
		}
	})
}

// optionalBearerAuth extracts and validates a bearer token when present,
// attaching claims to the request context. It never rejects a request
// for missing auth; that decision belongs to the handler, since several
// endpoints accept anonymous or optional auth.
func optionalBearerAuth(verifier *identity.Verifier, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			next.ServeHTTP(w, r)
			return
		}
		token := strings.TrimPrefix(auth, "Bearer ")

		claims, err := verifier.VerifyBearerToken(r.Context(), token)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}

		ctx := context.WithValue(r.Context(), claimsCtxKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireBearerAuth rejects the request with 401 unless a valid bearer
// token is present.
func requireBearerAuth(verifier *identity.Verifier, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			writeUnauthorized(w, "missing bearer token")
			return
		}
		token := strings.TrimPrefix(auth, "Bearer ")

		claims, err := verifier.VerifyBearerToken(r.Context(), token)
		if err != nil {
			writeUnauthorized(w, "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsCtxKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// withBackpressure rate-limits requests through lim's token bucket under
// the single shared key "global", returning 503 + Retry-After when the
// bucket is empty or the limiter errors. It does not count in-flight
// requests.
func withBackpressure(lim ratelimit.LimiterStore, policy ratelimit.Policy, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, err := lim.Allow(r.Context(), "global", policy, 1)
		if err != nil || !allowed {
			writeTooManyRequests(w, 1)
			return
		}
		next.ServeHTTP(w, r)
	})
}
