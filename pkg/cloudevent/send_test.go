package cloudevent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSend_HeadersBodyAndSignature(t *testing.T) {
	t.Parallel()

	type captured struct {
		header http.Header
		body   []byte
	}
	got := make(chan captured, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- captured{header: r.Header.Clone(), body: body}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	event := New("trainctl.task.completed", "trainctl", "task-1", map[string]any{"progress": 1.0})
	if err := NewSender(time.Second).Send(context.Background(), srv.URL, event, "secret"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	c := <-got
	for header, want := range map[string]string{
		"Content-Type":   "application/cloudevents+json",
		"Ce-Specversion": "1.0",
		"Ce-Type":        "trainctl.task.completed",
		"Ce-Source":      "trainctl",
		"Ce-Subject":     "task-1",
		"Ce-Id":          event.ID,
	} {
		if v := c.header.Get(header); v != want {
			t.Errorf("%s = %q, want %q", header, v, want)
		}
	}
	if !Verify(c.body, "secret", c.header.Get(SignatureHeader)) {
		t.Errorf("signature %q does not verify", c.header.Get(SignatureHeader))
	}

	var decoded CloudEvent
	if err := json.Unmarshal(c.body, &decoded); err != nil {
		t.Fatalf("body is not a CloudEvent: %v", err)
	}
	if decoded.ID != event.ID || decoded.Type != event.Type {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestSend_UnsignedWithoutKey(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(SignatureHeader) != "" {
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	if err := NewSender(time.Second).Send(context.Background(), srv.URL, New("t", "s", "", nil), ""); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
}

func TestSend_StatusErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status     int
		wantClient bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusNotFound, true},
		{http.StatusInternalServerError, false},
		{http.StatusServiceUnavailable, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			err := NewSender(time.Second).Send(context.Background(), srv.URL, New("t", "s", "", nil), "")
			if err == nil {
				t.Fatal("Send() error = nil")
			}
			if err.Error() != fmt.Sprintf("HTTP %d", tt.status) {
				t.Errorf("error = %q", err)
			}
			if IsClientError(err) != tt.wantClient {
				t.Errorf("IsClientError() = %v, want %v", IsClientError(err), tt.wantClient)
			}
		})
	}
}

func TestIsClientError_Wrapped(t *testing.T) {
	t.Parallel()

	if !IsClientError(fmt.Errorf("delivery: %w", &HTTPError{StatusCode: 422})) {
		t.Error("wrapped 4xx should be a client error")
	}
	if IsClientError(context.DeadlineExceeded) || IsClientError(nil) {
		t.Error("non-HTTP errors are not client errors")
	}
}

func TestSignature(t *testing.T) {
	t.Parallel()

	payload := []byte(`{"test":"data"}`)
	sig := Signature(payload, "secret-key")

	if len(sig) != len("sha256=")+64 || sig[:7] != "sha256=" {
		t.Errorf("signature = %q, want sha256=<64 hex>", sig)
	}
	if sig != Signature(payload, "secret-key") {
		t.Error("signature should be deterministic")
	}
	if sig == Signature(payload, "other-key") {
		t.Error("different keys should produce different signatures")
	}
	if Verify([]byte(`{"test":"tampered"}`), "secret-key", sig) {
		t.Error("tampered payload must not verify")
	}
}

func TestNew(t *testing.T) {
	t.Parallel()

	a := New("type", "source", "subject", nil)
	b := New("type", "source", "subject", nil)
	if a.ID == "" || a.ID == b.ID {
		t.Errorf("ids %q and %q should be unique", a.ID, b.ID)
	}
	if a.SpecVersion != "1.0" || a.DataContentType != "application/json" || a.Time.IsZero() {
		t.Errorf("defaults = %+v", a)
	}
}
