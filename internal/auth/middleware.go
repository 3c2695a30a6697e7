package auth

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/reportsink/internal/metrics"
)

// Middleware guards read endpoints with the same shared secret agents use.
type Middleware struct {
	auth    *Authenticator
	enabled bool
}

// NewMiddleware returns a middleware that only checks when enabled is true.
func NewMiddleware(a *Authenticator, enabled bool) *Middleware {
	return &Middleware{auth: a, enabled: enabled && a != nil}
}

func unauthorizedBody() gin.H {
	return gin.H{
		"error":     "Unauthorized",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
}

// GinAuth returns a Gin middleware function for authentication
func (m *Middleware) GinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.enabled {
			c.Next()
			return
		}
		if err := m.auth.Check(c.Request.Header); err != nil {
			metrics.IncRejected("unauthorized")
			c.AbortWithStatusJSON(http.StatusUnauthorized, unauthorizedBody())
			return
		}
		c.Next()
	}
}

// HTTPAuth returns a standard HTTP middleware function for authentication
func (m *Middleware) HTTPAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.enabled {
			next.ServeHTTP(w, r)
			return
		}
		if err := m.auth.Check(r.Header); err != nil {
			metrics.IncRejected("unauthorized")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"Unauthorized"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
