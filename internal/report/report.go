package report

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Server-assigned keys. They are added to every stored report at ingestion
// time and always take precedence over caller values under the same name.
const (
	KeySequenceID   = "sequence_id"
	KeyReceivedAt   = "received_at"
	KeyServerDomain = "server_domain"
)

// Well-known caller keys the sink reads. Everything else is opaque.
const (
	KeyAgentName      = "agent_name"
	KeyStatus         = "status"
	KeyTasksCompleted = "tasks_completed"
	KeyReportDate     = "report_date"
	KeyReportTime     = "report_time"
)

// StatusCompleted triggers the completed hook.
const StatusCompleted = "completed"

// StatusError is the conventional failure status reported by agents.
const StatusError = "error"

// TimeLayout is used for received_at values.
const TimeLayout = time.RFC3339

// Entry is an enriched report: the caller's JSON object plus the three
// server-assigned fields. Fields never contains reserved keys.
type Entry struct {
	SequenceID   int64
	ReceivedAt   time.Time
	ServerDomain string
	Fields       map[string]json.RawMessage
}

// IsReserved reports whether key is assigned by the server.
func IsReserved(key string) bool {
	switch key {
	case KeySequenceID, KeyReceivedAt, KeyServerDomain:
		return true
	}
	return false
}

// NewEntry builds an entry from caller fields. Reserved keys are dropped so
// the server values set on the entry cannot be spoofed.
func NewEntry(fields map[string]json.RawMessage, receivedAt time.Time, serverDomain string) Entry {
	cp := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		if IsReserved(k) {
			continue
		}
		cp[k] = v
	}
	return Entry{
		ReceivedAt:   receivedAt.UTC().Truncate(time.Second),
		ServerDomain: serverDomain,
		Fields:       cp,
	}
}

// MarshalJSON flattens caller fields and server fields into one object.
func (e Entry) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(e.Fields)+3)
	for k, v := range e.Fields {
		out[k] = v
	}
	seq, _ := json.Marshal(e.SequenceID)
	recv, _ := json.Marshal(e.ReceivedAt.UTC().Format(TimeLayout))
	dom, _ := json.Marshal(e.ServerDomain)
	out[KeySequenceID] = seq
	out[KeyReceivedAt] = recv
	out[KeyServerDomain] = dom
	return json.Marshal(out)
}

// UnmarshalJSON splits a stored object back into server and caller fields.
func (e *Entry) UnmarshalJSON(b []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("entry: expected JSON object")
	}
	var out Entry
	if raw, ok := m[KeySequenceID]; ok {
		if err := json.Unmarshal(raw, &out.SequenceID); err != nil {
			return fmt.Errorf("entry: %s: %w", KeySequenceID, err)
		}
	}
	if raw, ok := m[KeyReceivedAt]; ok {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return fmt.Errorf("entry: %s: %w", KeyReceivedAt, err)
		}
		t, err := time.Parse(TimeLayout, s)
		if err != nil {
			return fmt.Errorf("entry: %s: %w", KeyReceivedAt, err)
		}
		out.ReceivedAt = t.UTC()
	}
	if raw, ok := m[KeyServerDomain]; ok {
		if err := json.Unmarshal(raw, &out.ServerDomain); err != nil {
			return fmt.Errorf("entry: %s: %w", KeyServerDomain, err)
		}
	}
	delete(m, KeySequenceID)
	delete(m, KeyReceivedAt)
	delete(m, KeyServerDomain)
	out.Fields = m
	*e = out
	return nil
}

// String returns the caller field as a string, or "" when it is absent or not
// a JSON string.
func (e Entry) String(key string) string {
	raw, ok := e.Fields[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// Raw returns the raw JSON of a caller field, or JSON null when absent.
func (e Entry) Raw(key string) json.RawMessage {
	if raw, ok := e.Fields[key]; ok {
		return raw
	}
	return json.RawMessage("null")
}

// Bool reports whether the caller field is JSON true.
func (e Entry) Bool(key string) bool {
	var b bool
	if raw, ok := e.Fields[key]; ok {
		_ = json.Unmarshal(raw, &b)
	}
	return b
}

func (e Entry) AgentName() string { return e.String(KeyAgentName) }

func (e Entry) Status() string { return e.String(KeyStatus) }

// Completed reports whether the entry carries status "completed".
func (e Entry) Completed() bool { return e.Status() == StatusCompleted }

// TasksCompleted renders tasks_completed for log lines. The sink does not
// interpret the value, so numbers and strings are passed through as written.
func (e Entry) TasksCompleted() string {
	raw, ok := e.Fields[KeyTasksCompleted]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return string(raw)
}

// TasksCompletedInt returns tasks_completed as an integer when it is one.
func (e Entry) TasksCompletedInt() (int64, bool) {
	v, err := strconv.ParseInt(e.TasksCompleted(), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Ack is the acknowledgement for an accepted report.
type Ack struct {
	SequenceID   int64
	ReceivedAt   time.Time
	TotalReports int
	Entry        Entry
}
