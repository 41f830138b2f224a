package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func mustClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	client, err := NewClient(ClientConfig{BaseURL: baseURL, Token: "token-1"})
	if err != nil {
		t.Fatalf("unexpected client constructor error: %v", err)
	}
	return client
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := NewClient(ClientConfig{}); !errors.Is(err, ErrMissingBaseURL) {
		t.Fatalf("expected missing base url error, got %v", err)
	}
}

func TestReadReturnsContentAndETag(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/gists/abc" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer token-1" {
			t.Fatalf("expected bearer token header")
		}
		w.Header().Set("ETag", `"v2"`)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"files": map[string]interface{}{
				"notes.md": map[string]string{"content": "# remote"},
			},
		})
	}))
	defer server.Close()

	content, err := mustClient(t, server.URL).Read(context.Background(), "abc", "notes.md")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if content.Text != "# remote" || content.ETag != `"v2"` {
		t.Fatalf("unexpected content %+v", content)
	}
}

func TestReadReportsMissingFile(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"files": map[string]interface{}{}})
	}))
	defer server.Close()

	if _, err := mustClient(t, server.URL).Read(context.Background(), "abc", "notes.md"); !errors.Is(err, ErrFileMissing) {
		t.Fatalf("expected file missing error, got %v", err)
	}
}

func TestWriteSendsIfMatchAndReturnsNewETag(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			t.Fatalf("unexpected method %s", r.Method)
		}
		if r.Header.Get("If-Match") != `"v1"` {
			t.Fatalf("expected If-Match header, got %q", r.Header.Get("If-Match"))
		}
		var body documentPayload
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("failed to decode body: %v", err)
		}
		if body.Files["notes.md"].Content != "updated" {
			t.Fatalf("unexpected body %+v", body)
		}
		w.Header().Set("ETag", `"v2"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	etag, err := mustClient(t, server.URL).Write(context.Background(), "abc", "notes.md", "updated", `"v1"`)
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if etag != `"v2"` {
		t.Fatalf("unexpected etag %q", etag)
	}
}

func TestWriteOmitsIfMatchWhenForcing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, present := r.Header["If-Match"]; present {
			t.Fatalf("expected no If-Match header for forced overwrite")
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	if _, err := mustClient(t, server.URL).Write(context.Background(), "abc", "notes.md", "text", ""); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func TestWriteStatusClassification(t *testing.T) {
	cases := []struct {
		status    int
		sentinel  error
		retryable bool
	}{
		{http.StatusPreconditionFailed, ErrPreconditionFailed, false},
		{http.StatusConflict, ErrPreconditionFailed, false},
		{http.StatusTooManyRequests, ErrRateLimited, true},
		{http.StatusInternalServerError, ErrUnavailable, true},
		{http.StatusBadGateway, ErrUnavailable, true},
		{http.StatusUnauthorized, ErrPermissionDenied, false},
		{http.StatusForbidden, ErrPermissionDenied, false},
		{http.StatusNotFound, ErrNotFound, false},
	}

	for _, tc := range cases {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		_, err := mustClient(t, server.URL).Write(context.Background(), "abc", "notes.md", "text", `"v1"`)
		server.Close()
		if !errors.Is(err, tc.sentinel) {
			t.Fatalf("status %d: expected %v, got %v", tc.status, tc.sentinel, err)
		}
		if Retryable(err) != tc.retryable {
			t.Fatalf("status %d: expected retryable=%v", tc.status, tc.retryable)
		}
	}
}
