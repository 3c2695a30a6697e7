package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/loykin/reportsink/internal/auth"
	"github.com/loykin/reportsink/internal/ingest"
	"github.com/loykin/reportsink/internal/metrics"
)

// RequestIDHeader is echoed on every response.
const RequestIDHeader = "X-Request-ID"

const ctxRequestID = "request_id"

// requestID keeps a caller-supplied id when it is short and safe, otherwise
// assigns a fresh uuid.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if len(id) > 64 || !isSafeName(id) {
			id = uuid.NewString()
		}
		c.Set(ctxRequestID, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

func (r *Router) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"latency", time.Since(start),
			"request_id", c.GetString(ctxRequestID),
			"client_ip", c.ClientIP(),
		}
		switch {
		case status >= http.StatusInternalServerError:
			r.log.Error("http request", attrs...)
		case c.Request.URL.Path == r.basePath+"/healthz" || c.Request.URL.Path == "/metrics":
			r.log.Debug("http request", attrs...)
		default:
			r.log.Info("http request", attrs...)
		}
	}
}

func (r *Router) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.IncHTTPRequest(c.Request.Method, route, strconv.Itoa(c.Writer.Status()))
	}
}

// cors answers preflight requests on any path and decorates every response.
func (r *Router) cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenHeader := auth.DefaultHeader
		if r.auth != nil {
			tokenHeader = r.auth.Header()
		}
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", r.opts.CORSOrigin)
		h.Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, "+tokenHeader+", "+ingest.SourceHeader)
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (r *Router) handleMethodNotAllowed(c *gin.Context) {
	allowed := r.allowedMethods(c.Request.URL.Path)
	c.Header("Allow", strings.Join(allowed, ", "))
	c.JSON(http.StatusMethodNotAllowed, gin.H{
		"error":           "Method not allowed",
		"allowed_methods": allowed,
	})
}
