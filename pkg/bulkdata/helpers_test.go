package bulkdata

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ehr/bulkclient/internal/platform/bulktest"
	"github.com/ehr/bulkclient/pkg/smartauth"
)

const (
	testClientID  = "test-client"
	testClientURL = "https://client.example.com"
)

var (
	testKeyOnce sync.Once
	testKey     *rsa.PrivateKey
	testKeyErr  error
)

// sharedKey generates one RSA key for the whole package run.
func sharedKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	testKeyOnce.Do(func() {
		testKey, testKeyErr = rsa.GenerateKey(rand.Reader, 2048)
	})
	if testKeyErr != nil {
		t.Fatalf("failed to generate RSA key: %v", testKeyErr)
	}
	return testKey
}

// spyAuthorizer counts invalidations on top of a real authenticator.
type spyAuthorizer struct {
	Authorizer
	invalidations int
}

func (s *spyAuthorizer) Invalidate() {
	s.invalidations++
	s.Authorizer.Invalidate()
}

// stubAuthorizer sets a fixed token and records calls.
type stubAuthorizer struct {
	token         string
	applies       int
	invalidations int
}

func (s *stubAuthorizer) Apply(req *http.Request) *http.Request {
	s.applies++
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	return req
}

func (s *stubAuthorizer) Invalidate() {
	s.invalidations++
}

type fixture struct {
	srv    *bulktest.Server
	ts     *httptest.Server
	spy    *spyAuthorizer
	client *Client
	sleeps []time.Duration
}

// newFixture starts a bulk data server and a client authenticated against it.
// Poll sleeps are recorded instead of slept.
func newFixture(t *testing.T, cfg bulktest.Config, opts ...Option) *fixture {
	t.Helper()
	key := sharedKey(t)

	cfg.ClientID = testClientID
	cfg.ClientURL = testClientURL
	cfg.PublicKey = &key.PublicKey

	srv := bulktest.NewServer(cfg)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	srv.SetBaseURL(ts.URL)

	auth, err := smartauth.New(smartauth.Credentials{
		ClientURL:  testClientURL,
		ClientID:   testClientID,
		TokenURL:   srv.TokenURL(),
		PrivateKey: key,
	})
	if err != nil {
		t.Fatalf("smartauth.New failed: %v", err)
	}

	f := &fixture{srv: srv, ts: ts, spy: &spyAuthorizer{Authorizer: auth}}
	client, err := New(ts.URL, f.spy, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	client.sleep = func(ctx context.Context, d time.Duration) error {
		f.sleeps = append(f.sleeps, d)
		return ctx.Err()
	}
	t.Cleanup(func() { client.Close() })
	f.client = client
	return f
}

func twoFiles() []bulktest.File {
	return []bulktest.File{
		{
			Name: "Patient.ndjson",
			Type: "Patient",
			Lines: []string{
				`{"resourceType":"Patient","id":"p1"}`,
				`{"resourceType":"Patient","id":"p2"}`,
			},
		},
		{
			Name: "Observation.ndjson",
			Type: "Observation",
			Lines: []string{
				`{"resourceType":"Observation","id":"o1"}`,
				`{"resourceType":"Observation","id":"o2"}`,
			},
		},
	}
}
