package middleware

import (
	"net"
	"net/http"
	"strings"

	goThreeDS "github.com/MrEthical07/goThreeDS"
	"github.com/google/uuid"
)

const (
	// RequestIDHeader carries the inbound request ID, generated when absent.
	RequestIDHeader = "X-Request-ID"

	defaultMaxBodyBytes = 64 << 10
)

// GuardConfig bounds what reaches the engine.
type GuardConfig struct {
	// MaxBodyBytes caps request bodies; 0 uses 64 KiB.
	MaxBodyBytes int64
	// TrustForwardedFor takes the client IP from the first X-Forwarded-For
	// entry. Only enable it behind a proxy that sets the header.
	TrustForwardedFor bool
}

// Guard accepts POST requests only, caps the body size, and attaches the
// client IP and request ID to the request context for rate limiting, logs
// and audit events.
func Guard(cfg GuardConfig) func(http.Handler) http.Handler {
	limit := cfg.MaxBodyBytes
	if limit <= 0 {
		limit = defaultMaxBodyBytes
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				w.Header().Set("Allow", http.MethodPost)
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}

			requestID := strings.TrimSpace(r.Header.Get(RequestIDHeader))
			if requestID == "" {
				requestID = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, requestID)

			ctx := goThreeDS.WithClientIP(r.Context(), clientIP(r, cfg.TrustForwardedFor))
			ctx = goThreeDS.WithRequestID(ctx, requestID)

			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func clientIP(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); net.ParseIP(ip) != nil {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if !strings.HasPrefix(value, bearer) {
		return "", false
	}

	token := value[len(bearer):]
	if token == "" {
		return "", false
	}

	return token, true
}
