// Package bulkdata implements a FHIR Bulk Data Access export client. It kicks
// off a Patient/$everything export, polls the status endpoint until the job
// completes, parses the completion manifest and streams the NDJSON output
// files as decoded resources.
package bulkdata

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	// EverythingPath is the kick-off endpoint, relative to the server URL.
	EverythingPath = "/Patient/$everything"
	// ContentTypeNDJSON is requested on every call.
	ContentTypeNDJSON = "application/fhir+ndjson"

	DefaultPollInterval   = 500 * time.Millisecond
	DefaultRequestTimeout = 60 * time.Second

	// maxErrorBody caps how much of an error response is kept in StatusError.
	maxErrorBody = 4 << 10
)

// Authorizer attaches credentials to outbound requests. smartauth.Authenticator
// implements it.
type Authorizer interface {
	// Apply sets the Authorization header, acquiring a token if needed.
	Apply(req *http.Request) *http.Request
	// Invalidate drops the cached token.
	Invalidate()
}

// Client runs the bulk export protocol against one FHIR server. A Client is
// not safe for concurrent use; it holds the manifest of the last completed
// export.
type Client struct {
	server         string
	base           *url.URL
	auth           Authorizer
	httpClient     *http.Client
	logger         zerolog.Logger
	pollInterval   time.Duration
	requestTimeout time.Duration

	// sleep waits between status polls. Tests override it.
	sleep func(ctx context.Context, d time.Duration) error

	manifest []string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client. The request timeout option
// has no effect on a caller-supplied client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithPollInterval sets the fixed delay before every status poll.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithRequestTimeout sets the dial and response-header timeout of the
// default HTTP client.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.requestTimeout = d
		}
	}
}

// New creates a Client for the FHIR server at serverURL.
func New(serverURL string, auth Authorizer, opts ...Option) (*Client, error) {
	if auth == nil {
		return nil, fmt.Errorf("bulkdata: authorizer is required")
	}
	base, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("bulkdata: parse server url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("bulkdata: server url %q must be absolute", serverURL)
	}

	c := &Client{
		server:         strings.TrimRight(serverURL, "/"),
		base:           base,
		auth:           auth,
		logger:         zerolog.Nop(),
		pollInterval:   DefaultPollInterval,
		requestTimeout: DefaultRequestTimeout,
		sleep:          timeSleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = newHTTPClient(c.requestTimeout)
	}
	return c, nil
}

// newHTTPClient bounds connection setup and time-to-headers but not body
// reads, so large NDJSON files can stream for longer than the timeout.
func newHTTPClient(timeout time.Duration) *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.DialContext = (&net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}).DialContext
	tr.TLSHandshakeTimeout = timeout
	tr.ResponseHeaderTimeout = timeout
	return &http.Client{Transport: tr}
}

// Close releases idle connections held by the client.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// Provisioned reports whether a completed export manifest is held.
func (c *Client) Provisioned() bool {
	return len(c.manifest) > 0
}

// Manifest returns a copy of the output file URLs of the last export.
func (c *Client) Manifest() []string {
	return append([]string(nil), c.manifest...)
}

// ---------------------------------------------------------------------------
// Requests
// ---------------------------------------------------------------------------

// Issue sends an authenticated GET for rawURL with params merged into its
// query. A 401 invalidates the cached token and the identical request is sent
// once more; a second 401 is returned as a *StatusError wrapping
// ErrUnauthorized. Other non-2xx responses return *StatusError; timeouts wrap
// ErrTimeout. On success the caller owns the response body.
func (c *Client) Issue(ctx context.Context, rawURL string, params url.Values) (*http.Response, error) {
	target, err := withQuery(rawURL, params)
	if err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		resp, err := c.doOnce(ctx, target)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
			return resp, nil
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			c.logger.Warn().
				Str("url", redactURL(target)).
				Msg("unauthorized; invalidating token and retrying once")
			c.auth.Invalidate()
			continue
		}

		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			URL:        redactURL(target),
			Body:       strings.TrimSpace(string(body)),
			Err:        classifyStatus(resp.StatusCode),
		}
	}
}

// doOnce executes a single GET with the protocol headers.
func (c *Client) doOnce(ctx context.Context, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("bulkdata: creating request: %w", err)
	}
	req.Header.Set("Accept", ContentTypeNDJSON)
	req.Header.Set("Prefer", "respond-async")
	req = c.auth.Apply(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("bulkdata: GET %s canceled: %w", redactURL(target), ctx.Err())
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, fmt.Errorf("%w: GET %s: %w", ErrTimeout, redactURL(target), err)
		}
		return nil, fmt.Errorf("bulkdata: GET %s: %w", redactURL(target), err)
	}
	return resp, nil
}

// withQuery merges params into the query of rawURL. The URL is left byte for
// byte unchanged when there is nothing to merge.
func withQuery(rawURL string, params url.Values) (string, error) {
	if len(params) == 0 {
		return rawURL, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("bulkdata: parse url %q: %w", rawURL, err)
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// redactURL drops the query string, which may carry signed download
// credentials.
func redactURL(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		return raw[:i]
	}
	return raw
}

func timeSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, maxErrorBody))
	body.Close()
}
