package bulkdata

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ehr/bulkclient/internal/platform/bulktest"
)

func TestNew_RequiresAbsoluteServerURL(t *testing.T) {
	if _, err := New("/fhir", &stubAuthorizer{}); err == nil {
		t.Fatal("expected error for relative server URL")
	}
	if _, err := New("https://fhir.example.com", nil); err == nil {
		t.Fatal("expected error for nil authorizer")
	}
}

func TestIssue_SetsProtocolHeaders(t *testing.T) {
	var got http.Header
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	auth := &stubAuthorizer{token: "tok-1"}
	c, err := New(ts.URL, auth)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer c.Close()

	resp, err := c.Issue(context.Background(), ts.URL+"/x", nil)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	resp.Body.Close()

	if got.Get("Accept") != "application/fhir+ndjson" {
		t.Errorf("expected Accept application/fhir+ndjson, got %q", got.Get("Accept"))
	}
	if got.Get("Prefer") != "respond-async" {
		t.Errorf("expected Prefer respond-async, got %q", got.Get("Prefer"))
	}
	if got.Get("Authorization") != "Bearer tok-1" {
		t.Errorf("expected bearer token, got %q", got.Get("Authorization"))
	}
}

func TestIssue_401InvalidatesAndRetriesOnce(t *testing.T) {
	f := newFixture(t, bulktest.Config{})
	f.srv.ForceUnauthorized(1)

	resp, err := f.client.Issue(context.Background(), f.ts.URL+EverythingPath, nil)
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	resp.Body.Close()

	if f.spy.invalidations != 1 {
		t.Errorf("expected 1 invalidation, got %d", f.spy.invalidations)
	}
	stats := f.srv.Stats()
	if stats.KickOffs != 1 {
		t.Errorf("expected 1 successful kick-off, got %d", stats.KickOffs)
	}
	if stats.TokensIssued != 2 {
		t.Errorf("expected a fresh token after invalidation (2 issued), got %d", stats.TokensIssued)
	}
}

func TestIssue_Second401IsTerminal(t *testing.T) {
	f := newFixture(t, bulktest.Config{})
	f.srv.ForceUnauthorized(2)

	_, err := f.client.Issue(context.Background(), f.ts.URL+EverythingPath, nil)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected *StatusError with 401, got %v", err)
	}
	if f.spy.invalidations != 1 {
		t.Errorf("expected exactly 1 invalidation, got %d", f.spy.invalidations)
	}
	if got := f.srv.Stats().Unauthorized; got != 2 {
		t.Errorf("expected 2 requests (original + one retry), got %d", got)
	}
}

func TestIssue_RetryForwardsOriginalParams(t *testing.T) {
	var (
		mu      sync.Mutex
		queries []url.Values
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		queries = append(queries, r.URL.Query())
		n := len(queries)
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	auth := &stubAuthorizer{token: "t"}
	c, err := New(ts.URL, auth)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer c.Close()

	params := url.Values{"_type": {"Patient,Observation"}, "start": {"2024-01-01"}}
	resp, err := c.Issue(context.Background(), ts.URL+EverythingPath, params)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	resp.Body.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(queries) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(queries))
	}
	for i, q := range queries {
		if q.Get("_type") != "Patient,Observation" || q.Get("start") != "2024-01-01" {
			t.Errorf("request %d lost params: %v", i+1, q)
		}
	}
	if auth.invalidations != 1 {
		t.Errorf("expected 1 invalidation, got %d", auth.invalidations)
	}
}

func TestIssue_ServerErrorIsTerminal(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer ts.Close()

	auth := &stubAuthorizer{token: "t"}
	c, err := New(ts.URL, auth)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer c.Close()

	_, err = c.Issue(context.Background(), ts.URL+"/status", nil)
	if !errors.Is(err, ErrHTTPStatus) {
		t.Fatalf("expected ErrHTTPStatus, got %v", err)
	}
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected *StatusError, got %T", err)
	}
	if statusErr.StatusCode != http.StatusInternalServerError || statusErr.Body != "boom" {
		t.Errorf("unexpected status error: %+v", statusErr)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("expected no retry, got %d calls", n)
	}
	if auth.invalidations != 0 {
		t.Errorf("expected no invalidation, got %d", auth.invalidations)
	}
}

func TestIssue_TimeoutIsTerminal(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer ts.Close()

	c, err := New(ts.URL, &stubAuthorizer{}, WithRequestTimeout(50*time.Millisecond))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer c.Close()

	_, err = c.Issue(context.Background(), ts.URL+"/slow", nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestIssue_MergesParamsIntoExistingQuery(t *testing.T) {
	got, err := withQuery("http://x/status?job=abc", url.Values{"_type": {"Patient"}})
	if err != nil {
		t.Fatalf("withQuery failed: %v", err)
	}
	u, _ := url.Parse(got)
	if u.Query().Get("job") != "abc" || u.Query().Get("_type") != "Patient" {
		t.Errorf("unexpected merged url %q", got)
	}

	unchanged, _ := withQuery("http://x/status?b=2&a=1", nil)
	if unchanged != "http://x/status?b=2&a=1" {
		t.Errorf("expected url untouched without params, got %q", unchanged)
	}
}

func TestRedactURL(t *testing.T) {
	if got := redactURL("https://files.example.com/a.ndjson?sig=secret"); got != "https://files.example.com/a.ndjson" {
		t.Errorf("expected query stripped, got %q", got)
	}
}
