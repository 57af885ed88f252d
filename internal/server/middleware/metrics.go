package middleware

import (
	"net/http"
	"time"

	"github.com/alanyoungcy/playmarket/internal/metrics"
)

// Router resolves the route pattern of a request; *http.ServeMux satisfies
// it.
type Router interface {
	Handler(r *http.Request) (http.Handler, string)
}

// Metrics returns middleware that records request counts and latency by
// route pattern. Patterns are looked up on router before the request is
// served so that label cardinality stays bounded. A nil m disables it.
func Metrics(m *metrics.Metrics, router Router) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			route := "unmatched"
			if router != nil {
				if _, pattern := router.Handler(r); pattern != "" {
					route = pattern
				}
			}

			rw := wrap(w)
			next.ServeHTTP(rw, r)
			m.ObserveHTTP(r.Method, route, rw.statusCode, time.Since(start))
		})
	}
}
