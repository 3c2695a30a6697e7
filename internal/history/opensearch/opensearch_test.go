package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/loykin/reportsink/internal/history"
	"github.com/loykin/reportsink/internal/report"
)

func testEvent() history.Event {
	e := report.NewEntry(map[string]json.RawMessage{
		report.KeyAgentName:      json.RawMessage(`"Agent1"`),
		report.KeyStatus:         json.RawMessage(`"completed"`),
		report.KeyTasksCompleted: json.RawMessage(`5`),
	}, time.Now(), "test.local")
	e.SequenceID = 42
	return history.NewCompleted(e, time.Now())
}

func TestOpenSearchSink_Send(t *testing.T) {
	var receivedBody []byte
	var receivedURL string
	var receivedMethod string
	var contentType string

	// Create test server to mock OpenSearch
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedMethod = r.Method
		receivedURL = r.URL.Path
		contentType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		receivedBody = body

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"_id":"test","_index":"test-index","result":"created"}`))
	}))
	defer server.Close()

	sink := New(server.URL, "test-index")
	event := testEvent()
	if err := sink.Send(context.Background(), event); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if receivedMethod != http.MethodPut {
		t.Errorf("Expected PUT method, got: %s", receivedMethod)
	}
	if expectedPath := "/test-index/_doc/" + event.ID; receivedURL != expectedPath {
		t.Errorf("Expected URL path %s, got: %s", expectedPath, receivedURL)
	}
	if contentType != "application/json" {
		t.Errorf("Expected JSON content type, got: %s", contentType)
	}

	var receivedEvent map[string]interface{}
	if err := json.Unmarshal(receivedBody, &receivedEvent); err != nil {
		t.Fatalf("Failed to parse received JSON: %v", err)
	}
	if receivedEvent["type"] != string(history.EventCompleted) {
		t.Errorf("Expected type %s, got: %v", history.EventCompleted, receivedEvent["type"])
	}
	rep, ok := receivedEvent["report"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected report in event, got: %v", receivedEvent)
	}
	if rep["agent_name"] != "Agent1" {
		t.Errorf("Expected agent_name Agent1, got: %v", rep["agent_name"])
	}
	if rep["sequence_id"] != float64(42) {
		t.Errorf("Expected sequence_id 42, got: %v", rep["sequence_id"])
	}
}

func TestOpenSearchSink_SendError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad request"}`))
	}))
	defer server.Close()

	sink := New(server.URL, "test-index")
	err := sink.Send(context.Background(), testEvent())
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if !strings.Contains(err.Error(), "opensearch sink status 400") {
		t.Errorf("Expected status error message, got: %v", err)
	}
}

func TestOpenSearchSink_TrailingSlash(t *testing.T) {
	var receivedURL string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedURL = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sink := New(server.URL+"/", "events")
	event := testEvent()
	if err := sink.Send(context.Background(), event); err != nil {
		t.Fatalf("send: %v", err)
	}
	if receivedURL != "/events/_doc/"+event.ID {
		t.Errorf("unexpected path %s", receivedURL)
	}
}

func TestOpenSearchSink_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	sink := New(server.URL, "idx")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := sink.Send(ctx, testEvent()); err == nil {
		t.Fatal("expected timeout error")
	}
}
