package client

import (
	"encoding/json"
	"fmt"
	"time"
)

// Ack is the acknowledgement for an accepted report.
type Ack struct {
	Status       string          `json:"status"`
	Message      string          `json:"message"`
	ReportID     int64           `json:"report_id"`
	Timestamp    string          `json:"timestamp"`
	TotalReports int             `json:"total_reports"`
	Server       string          `json:"server"`
	Received     ReceivedSummary `json:"received"`
}

// ReceivedSummary echoes the well-known fields of the stored report.
type ReceivedSummary struct {
	AgentName      json.RawMessage `json:"agent_name"`
	ReportDate     json.RawMessage `json:"report_date"`
	TasksCompleted json.RawMessage `json:"tasks_completed"`
}

// Report is a stored report: caller fields plus sequence_id, received_at and
// server_domain, kept as raw JSON.
type Report map[string]json.RawMessage

// String returns a string field, or "" when absent or not a string.
func (r Report) String(key string) string {
	var s string
	if raw, ok := r[key]; ok {
		_ = json.Unmarshal(raw, &s)
	}
	return s
}

// SequenceID returns the server-assigned id.
func (r Report) SequenceID() int64 {
	var n int64
	if raw, ok := r["sequence_id"]; ok {
		_ = json.Unmarshal(raw, &n)
	}
	return n
}

// ListResponse is returned by GET /reports.
type ListResponse struct {
	Success bool     `json:"success"`
	Total   int      `json:"total"`
	Reports []Report `json:"reports"`
}

// Stats is returned by GET /reports/stats.
type Stats struct {
	Total          int            `json:"total"`
	Completed      int            `json:"completed"`
	Errors         int            `json:"errors"`
	ByStatus       map[string]int `json:"by_status"`
	ByAgent        map[string]int `json:"by_agent"`
	TasksCompleted int64          `json:"tasks_completed"`
	Latest         *time.Time     `json:"latest,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error          string   `json:"error"`
	Status         string   `json:"status"`
	Message        string   `json:"message"`
	ReceivedData   string   `json:"received_data"`
	AllowedMethods []string `json:"allowed_methods"`
}

// APIError is returned for every non-2xx response.
type APIError struct {
	StatusCode int
	ErrorResponse
}

func (e *APIError) Error() string {
	msg := e.ErrorResponse.Error
	if msg == "" {
		msg = e.Message
	}
	if e.Message != "" && e.Message != msg {
		msg += ": " + e.Message
	}
	if msg == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, msg)
}
