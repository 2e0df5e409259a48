package middleware

import (
	"errors"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"aio-proxy/work/logger"
	"aio-proxy/work/metrics"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/mux"
)

// Instrument logs and times every routed request and turns handler panics into
// a 500. http.ErrAbortHandler is re-raised so net/http can drop the connection.
func Instrument(next http.Handler) http.Handler {
	log := logger.WithComponent("http")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		route := routeTemplate(r)

		defer func() {
			rec := recover()
			if rec != nil {
				if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					metrics.HTTPRequests.WithLabelValues(r.Method, route, "aborted").Observe(time.Since(start).Seconds())
					panic(rec)
				}

				buf := make([]byte, 8192)
				buf = buf[:runtime.Stack(buf, false)]
				log.Error().
					Str("method", r.Method).
					Str("route", route).
					Interface("panic", rec).
					Str("stack", string(buf)).
					Msg("panic recovered in handler")
				if ww.Status() == 0 {
					writeJSON(ww, http.StatusInternalServerError, map[string]string{"detail": "Internal server error"})
				}
			}

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			elapsed := time.Since(start)
			metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
			log.Debug().
				Str("method", r.Method).
				Str("route", route).
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("elapsed", elapsed).
				Msg("request")
		}()

		next.ServeHTTP(ww, r)
	})
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}
