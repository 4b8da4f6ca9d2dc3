package middleware

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	apierrors "fastdls/internal/errors"
)

// APIKeyHeader carries the management API key.
const APIKeyHeader = "X-API-Key"

type contextKey string

const originRefKey contextKey = "origin_ref"

// TokenVerifier validates a bearer token and returns the origin it was
// issued to.
type TokenVerifier interface {
	VerifyAccessToken(ctx context.Context, raw string) (string, error)
}

// WithOriginRef stores the authenticated origin in ctx.
func WithOriginRef(ctx context.Context, originRef string) context.Context {
	return context.WithValue(ctx, originRefKey, originRef)
}

// OriginRef returns the authenticated origin, or "" outside BearerAuth.
func OriginRef(ctx context.Context) string {
	ref, _ := ctx.Value(originRefKey).(string)
	return ref
}

// BearerToken extracts the token of an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, bool) {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
		return "", false
	}
	return strings.TrimSpace(parts[1]), true
}

// BearerAuth rejects requests without a valid access token and puts the
// token's origin_ref into the request context.
func BearerAuth(logger *slog.Logger, verifier TokenVerifier, errs *apierrors.ErrorHandler) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			raw, ok := BearerToken(r)
			if !ok {
				logger.WarnContext(ctx, "missing bearer token",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", r.RemoteAddr),
				)
				errs.HandleError(w, r, apierrors.ErrMissingToken)
				return
			}

			originRef, err := verifier.VerifyAccessToken(ctx, raw)
			if err != nil {
				logger.WarnContext(ctx, "authentication failed",
					slog.String("error", err.Error()),
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", r.RemoteAddr),
				)
				errs.HandleError(w, r, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithOriginRef(ctx, originRef)))
		})
	}
}

// APIKeyAuth guards the management endpoints. An empty key disables the
// guard.
func APIKeyAuth(logger *slog.Logger, key string, errs *apierrors.ErrorHandler) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if key == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := r.Header.Get(APIKeyHeader)
			if subtle.ConstantTimeCompare([]byte(presented), []byte(key)) != 1 {
				logger.WarnContext(r.Context(), "invalid API key",
					slog.Bool("present", presented != ""),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", r.RemoteAddr),
				)
				errs.HandleError(w, r, apierrors.ErrUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AuditLog records every mutating management call.
func AuditLog(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			ww := &auditResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(ww, r)

			logger.InfoContext(r.Context(), "audit log",
				slog.String("event_type", "admin_mutation"),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.statusCode),
				slog.String("remote_addr", r.RemoteAddr),
				slog.Duration("duration", time.Since(start)),
			)
		})
	}
}

// auditResponseWriter captures the response status code
type auditResponseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (w *auditResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.statusCode = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *auditResponseWriter) Write(b []byte) (int, error) {
	w.written = true
	return w.ResponseWriter.Write(b)
}
