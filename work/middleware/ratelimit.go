package middleware

import (
	"net/http"
	"strings"
	"time"

	"aio-proxy/work/logger"

	"github.com/go-chi/httprate"
	"github.com/gorilla/mux"
)

// UserPathVar is the route variable holding "user=<name>|password=<token>".
const UserPathVar = "userPath"

// RateLimitByUser allows requests per window for each user named in the route's
// user path. Requests without a recognisable user are limited by client IP.
func RateLimitByUser(requests int, window time.Duration) mux.MiddlewareFunc {
	return httprate.Limit(requests, window,
		httprate.WithKeyFuncs(userKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			logger.Warn("{middleware/ratelimit - RateLimitByUser} Rate limit exceeded for %s", r.URL.Path)
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"detail": "Rate limit exceeded"})
		}),
	)
}

// userKey extracts the username; the token does not matter, a wrong one is
// rejected later and still counts against that user.
func userKey(r *http.Request) (string, error) {
	userPath := mux.Vars(r)[UserPathVar]
	userPart, _, _ := strings.Cut(userPath, "|")
	if name, ok := strings.CutPrefix(userPart, "user="); ok && name != "" {
		return "user:" + name, nil
	}
	return httprate.KeyByRealIP(r)
}
