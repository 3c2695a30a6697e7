package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/reportsink/internal/report"
)

// MaxListLimit caps ?limit= on the listing endpoint.
const MaxListLimit = 1000

func now() string { return time.Now().UTC().Format(time.RFC3339) }

type receivedSummary struct {
	AgentName      json.RawMessage `json:"agent_name"`
	ReportDate     json.RawMessage `json:"report_date"`
	TasksCompleted json.RawMessage `json:"tasks_completed"`
}

type submitResp struct {
	Status       string          `json:"status"`
	Message      string          `json:"message"`
	ReportID     int64           `json:"report_id"`
	Timestamp    string          `json:"timestamp"`
	TotalReports int             `json:"total_reports"`
	Server       string          `json:"server"`
	Received     receivedSummary `json:"received"`
}

type listResp struct {
	Success bool           `json:"success"`
	Total   int            `json:"total"`
	Reports []report.Entry `json:"reports"`
}

func (r *Router) handleSubmit(c *gin.Context) {
	// authenticate before reading the body so rejected callers cost nothing
	if err := r.svc.Authenticate(c.Request.Header); err != nil {
		r.writeError(c, err, nil)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, r.opts.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			r.writeError(c, report.ErrPayloadTooLarge, nil)
			return
		}
		r.writeError(c, &report.PayloadError{Reason: "unreadable body: " + err.Error()}, nil)
		return
	}
	ack, err := r.svc.Submit(c.Request.Context(), body, c.Request.Header)
	if err != nil {
		r.writeError(c, err, body)
		return
	}
	e := ack.Entry
	c.JSON(http.StatusOK, submitResp{
		Status:       "success",
		Message:      "Report received successfully",
		ReportID:     ack.SequenceID,
		Timestamp:    ack.ReceivedAt.UTC().Format(report.TimeLayout),
		TotalReports: ack.TotalReports,
		Server:       r.svc.ServerDomain(),
		Received: receivedSummary{
			AgentName:      e.Raw(report.KeyAgentName),
			ReportDate:     e.Raw(report.KeyReportDate),
			TasksCompleted: e.Raw(report.KeyTasksCompleted),
		},
	})
}

// writeError maps the sink taxonomy onto HTTP responses. Storage causes are
// logged but never sent to the caller.
func (r *Router) writeError(c *gin.Context, err error, body []byte) {
	var perr *report.PayloadError
	switch {
	case errors.Is(err, report.ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized", "timestamp": now()})
	case errors.Is(err, report.ErrPayloadTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Payload too large", "timestamp": now()})
	case errors.As(err, &perr):
		echo := perr.Echo
		if echo == "" && body != nil {
			echo = report.Truncate(body)
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"error":         "Invalid payload",
			"message":       perr.Reason,
			"received_data": echo,
		})
	case errors.Is(err, report.ErrInvalidPayload):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":         "Invalid payload",
			"message":       err.Error(),
			"received_data": report.Truncate(body),
		})
	case errors.Is(err, report.ErrStorageUnavailable):
		r.log.Error("storage failure", "error", err, "request_id", c.GetString(ctxRequestID))
		c.JSON(http.StatusInternalServerError, gin.H{
			"status":    "error",
			"message":   "Report storage is unavailable",
			"timestamp": now(),
		})
	default:
		r.log.Error("request failed", "error", err, "request_id", c.GetString(ctxRequestID))
		c.JSON(http.StatusInternalServerError, gin.H{
			"status":    "error",
			"message":   "Internal error",
			"timestamp": now(),
		})
	}
}

// parseLimit reads ?limit=. Absent means all; anything else must be a
// positive integer and is capped at MaxListLimit.
func parseLimit(c *gin.Context) (int, error) {
	s := c.Query("limit")
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > MaxListLimit {
		n = MaxListLimit
	}
	return n, nil
}

func (r *Router) handleList(c *gin.Context) {
	limit, err := parseLimit(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit", "message": err.Error()})
		return
	}
	list, err := r.svc.List(c.Request.Context(), limit)
	if err != nil {
		r.writeError(c, err, nil)
		return
	}
	total, err := r.svc.Count(c.Request.Context())
	if err != nil {
		r.writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, listResp{Success: true, Total: total, Reports: list})
}

func (r *Router) handleStats(c *gin.Context) {
	st, err := r.svc.Stats(c.Request.Context())
	if err != nil {
		r.writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (r *Router) handleHealth(c *gin.Context) {
	resp := gin.H{"status": "ok", "server": r.svc.ServerDomain(), "timestamp": now()}
	if r.opts.Version != "" {
		resp["version"] = r.opts.Version
	}
	n, err := r.svc.Count(c.Request.Context())
	if err != nil {
		r.log.Warn("health check: store unavailable", "error", err)
		resp["status"] = "degraded"
		resp["store"] = "unavailable"
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	resp["store"] = "ok"
	resp["total_reports"] = n
	if r.opts.Self != nil {
		if m := r.opts.Self.Last(); !m.Timestamp.IsZero() {
			resp["process"] = m
		}
	}
	c.JSON(http.StatusOK, resp)
}
