// Package testutil provides common test utilities and helpers for ChannelFlow tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/ChannelFlow/internal/models"
)

// RecordingRenderer collects rendered outputs. It is safe for concurrent use.
type RecordingRenderer struct {
	mu      sync.Mutex
	outputs []models.ChannelOutput
	notify  chan struct{}
}

// NewRecordingRenderer returns an empty RecordingRenderer.
func NewRecordingRenderer() *RecordingRenderer {
	return &RecordingRenderer{notify: make(chan struct{}, 1)}
}

// Render records output for channel.
func (r *RecordingRenderer) Render(output models.Output, channel models.ChannelID) {
	r.Deliver(models.ChannelOutput{Output: output, Channel: channel})
}

// Deliver records a channel output.
func (r *RecordingRenderer) Deliver(out models.ChannelOutput) {
	r.mu.Lock()
	r.outputs = append(r.outputs, out)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Outputs returns a copy of everything recorded so far.
func (r *RecordingRenderer) Outputs() []models.ChannelOutput {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.ChannelOutput(nil), r.outputs...)
}

// Texts returns the text of every recorded output for channel.
func (r *RecordingRenderer) Texts(channel models.ChannelID) []string {
	var texts []string
	for _, o := range r.Outputs() {
		if o.Channel == channel {
			texts = append(texts, o.Output.Text)
		}
	}
	return texts
}

// WaitForCount blocks until at least n outputs were recorded or the timeout passes.
func (r *RecordingRenderer) WaitForCount(t *testing.T, n int, timeout time.Duration) []models.ChannelOutput {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if outs := r.Outputs(); len(outs) >= n {
			return outs
		}
		select {
		case <-r.notify:
		case <-time.After(5 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for %d outputs, got %d: %+v", n, len(r.Outputs()), r.Outputs())
			return nil
		}
	}
}

// Eventually polls cond until it returns true or fails the test after timeout.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %v: %s", timeout, msg)
	}
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		reqBody = bytes.NewBuffer(MustMarshalJSON(t, body))
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	return req
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t *testing.T, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
