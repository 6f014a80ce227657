// Package smartauth implements the client side of SMART Backend Services
// authorization: it signs client-credentials assertions with an RSA key,
// exchanges them for bearer tokens and attaches the cached token to outbound
// requests.
package smartauth

import (
	"context"
	"crypto/rsa"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	// GrantType is the OAuth2 grant used by backend services.
	GrantType = "client_credentials"
	// Scope is the fixed system scope requested on every token exchange.
	Scope = "system/*.*"
	// AssertionType identifies a JWT bearer client assertion (RFC 7523).
	AssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
	// AssertionLifetime is the exp offset of every minted assertion.
	AssertionLifetime = 5 * time.Minute
)

// ---------------------------------------------------------------------------
// Credentials
// ---------------------------------------------------------------------------

// Credentials identify a registered backend service client.
type Credentials struct {
	// ClientURL is the issuer (iss) of the assertion.
	ClientURL string
	// ClientID is the subject (sub) of the assertion.
	ClientID string
	// TokenURL is the token endpoint; it is also the assertion audience.
	TokenURL string
	// PrivateKey signs assertions with RS256.
	PrivateKey *rsa.PrivateKey
	// KeyID is sent as the kid header when set.
	KeyID string
}

// Validate checks that every field needed to mint an assertion is present.
func (c Credentials) Validate() error {
	if c.ClientURL == "" {
		return fmt.Errorf("client URL is required")
	}
	if c.ClientID == "" {
		return fmt.Errorf("client ID is required")
	}
	if c.TokenURL == "" {
		return fmt.Errorf("token URL is required")
	}
	if _, err := url.ParseRequestURI(c.TokenURL); err != nil {
		return fmt.Errorf("invalid token URL %q: %w", c.TokenURL, err)
	}
	if c.PrivateKey == nil {
		return fmt.Errorf("private key is required")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Authenticator
// ---------------------------------------------------------------------------

// Authenticator caches a single bearer token per instance and re-acquires it
// on demand. The cached token is either the last token the server issued or
// empty after Invalidate.
type Authenticator struct {
	creds      Credentials
	httpClient *http.Client
	logger     zerolog.Logger
	now        func() time.Time

	mu    sync.Mutex
	token string
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithHTTPClient sets the client used to reach the token endpoint. It must not
// be a client whose transport is this authenticator's Transport.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Authenticator) {
		if c != nil {
			a.httpClient = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(a *Authenticator) { a.logger = l }
}

// WithClock overrides time.Now for assertion timestamps.
func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) {
		if now != nil {
			a.now = now
		}
	}
}

// New creates an Authenticator for the given credentials.
func New(creds Credentials, opts ...Option) (*Authenticator, error) {
	if err := creds.Validate(); err != nil {
		return nil, fmt.Errorf("smartauth: %w", err)
	}
	a := &Authenticator{
		creds:      creds,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     zerolog.Nop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Apply ensures a token is cached and sets the Authorization header on req.
// When acquisition fails the request is returned untouched so that the
// server answers 401 and the caller can retry after Invalidate.
func (a *Authenticator) Apply(req *http.Request) *http.Request {
	token, err := a.Token(req.Context())
	if err != nil {
		a.logger.Warn().Err(err).Str("token_url", a.creds.TokenURL).Msg("token acquisition failed; sending request without bearer token")
		return req
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

// Invalidate clears the cached token. The next Apply acquires a new one.
func (a *Authenticator) Invalidate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.token != "" {
		a.logger.Debug().Msg("cached token invalidated")
	}
	a.token = ""
}

// Token returns the cached token, acquiring a new one if none is cached.
func (a *Authenticator) Token(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.token != "" {
		return a.token, nil
	}

	token, err := a.acquire(ctx)
	if err != nil {
		return "", err
	}
	a.token = token
	return token, nil
}

// acquire mints a fresh assertion and exchanges it at the token endpoint.
func (a *Authenticator) acquire(ctx context.Context) (string, error) {
	assertion, err := a.Assertion()
	if err != nil {
		return "", err
	}

	cfg := &clientcredentials.Config{
		TokenURL: a.creds.TokenURL,
		Scopes:   []string{Scope},
		EndpointParams: url.Values{
			"client_assertion_type": {AssertionType},
			"client_assertion":      {assertion},
		},
		AuthStyle: oauth2.AuthStyleInParams,
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)
	tok, err := cfg.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("smartauth: exchanging client assertion: %w", err)
	}

	a.logger.Info().
		Str("client_id", a.creds.ClientID).
		Str("token_type", tok.TokenType).
		Time("expiry", tok.Expiry).
		Msg("access token acquired")
	return tok.AccessToken, nil
}

// Assertion mints a new RS256 client assertion. Every call carries a fresh
// jti so an assertion is never presented twice.
func (a *Authenticator) Assertion() (string, error) {
	now := a.now()
	claims := jwt.MapClaims{
		"iss": a.creds.ClientURL,
		"sub": a.creds.ClientID,
		"aud": a.creds.TokenURL,
		"iat": now.Unix(),
		"exp": now.Add(AssertionLifetime).Unix(),
		"jti": strings.ReplaceAll(uuid.New().String(), "-", ""),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if a.creds.KeyID != "" {
		token.Header["kid"] = a.creds.KeyID
	}
	signed, err := token.SignedString(a.creds.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("smartauth: signing client assertion: %w", err)
	}
	return signed, nil
}

// ---------------------------------------------------------------------------
// RoundTripper
// ---------------------------------------------------------------------------

// Transport wraps base so that every request carries the bearer token. A nil
// base means http.DefaultTransport.
func (a *Authenticator) Transport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &transport{auth: a, base: base}
}

type transport struct {
	auth *Authenticator
	base http.RoundTripper
}

func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	// RoundTrippers must not mutate the caller's request.
	return t.base.RoundTrip(t.auth.Apply(req.Clone(req.Context())))
}
