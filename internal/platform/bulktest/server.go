// Package bulktest provides an in-process FHIR Bulk Data server for tests and
// local development. It implements a SMART Backend Services token endpoint
// that verifies RS256 client assertions, a Patient/$everything kick-off
// endpoint, a status endpoint that stays in progress for a configurable
// number of polls, and NDJSON file downloads.
package bulktest

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
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/bulkclient/internal/platform/middleware"
)

// File is one NDJSON output file. Lines are served verbatim so tests can
// include malformed records.
type File struct {
	Name  string
	Type  string
	Lines []string
}

// Config describes the behavior of a Server.
type Config struct {
	ClientID  string
	ClientURL string
	PublicKey *rsa.PublicKey

	// PendingPolls is the number of 202 responses a job returns before
	// completing.
	PendingPolls int
	Files        []File

	// TokenLifetime is reported as expires_in. Defaults to 5 minutes.
	TokenLifetime time.Duration

	OmitLink            bool
	OmitBody            bool
	OmitContentLocation bool
	RelativeLocation    bool
	FailTokenEndpoint   bool
	StatusFailureCode   int
	Logger              zerolog.Logger
}

// Stats counts requests per endpoint.
type Stats struct {
	TokenRequests    int
	TokensIssued     int
	KickOffs         int
	StatusPolls      int
	FileFetches      int
	Unauthorized     int
	LastKickOffQuery url.Values
	PollTimes        []time.Time
}

type job struct {
	id    string
	polls int
	query url.Values
}

// Server is an echo application implementing the bulk data endpoints. It is
// safe for concurrent use.
type Server struct {
	cfg  Config
	echo *echo.Echo

	mu         sync.Mutex
	baseURL    string
	jobs       map[string]*job
	tokens     map[string]bool
	jtis       map[string]bool
	forced401s int
	stats      Stats
}

// NewServer creates a Server. Call SetBaseURL once the listening address is
// known; absolute URLs in responses are built from it.
func NewServer(cfg Config) *Server {
	if cfg.TokenLifetime == 0 {
		cfg.TokenLifetime = 5 * time.Minute
	}

	s := &Server{
		cfg:    cfg,
		jobs:   make(map[string]*job),
		tokens: make(map[string]bool),
		jtis:   make(map[string]bool),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.RequestID())
	e.Use(middleware.Recovery(cfg.Logger))
	e.Use(middleware.Logger(cfg.Logger))

	e.POST("/auth/token", s.handleToken)

	e.GET("/metadata", s.handleMetadata, s.requireBearer)
	e.GET("/Patient/$everything", s.handleKickOff, s.requireBearer)
	e.GET("/$export-poll-status", s.handleStatus, s.requireBearer)
	e.GET("/$export-output/:jobId/:fileName", s.handleOutput, s.requireBearer)

	s.echo = e
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start listens on addr until the server is shut down.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown stops a server started with Start.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// SetBaseURL sets the public base URL of the server.
func (s *Server) SetBaseURL(base string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baseURL = strings.TrimRight(base, "/")
}

// TokenURL is the token endpoint for the current base URL.
func (s *Server) TokenURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseURL + "/auth/token"
}

// ForceUnauthorized makes the next n FHIR requests answer 401 regardless of
// the presented token.
func (s *Server) ForceUnauthorized(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forced401s = n
}

// RevokeTokens forgets every issued token, as an expiry would.
func (s *Server) RevokeTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = make(map[string]bool)
}

// Stats returns a snapshot of the request counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.stats
	snapshot.PollTimes = append([]time.Time(nil), s.stats.PollTimes...)
	return snapshot
}

// ---------------------------------------------------------------------------
// Token endpoint
// ---------------------------------------------------------------------------

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope"`
}

type oauthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func (s *Server) handleToken(c echo.Context) error {
	s.mu.Lock()
	s.stats.TokenRequests++
	fail := s.cfg.FailTokenEndpoint
	s.mu.Unlock()

	if fail {
		return c.JSON(http.StatusServiceUnavailable, &oauthError{Code: "temporarily_unavailable"})
	}

	if c.FormValue("grant_type") != "client_credentials" {
		return c.JSON(http.StatusBadRequest, &oauthError{
			Code:        "unsupported_grant_type",
			Description: "this endpoint handles grant_type=client_credentials only",
		})
	}
	if c.FormValue("client_assertion_type") != "urn:ietf:params:oauth:client-assertion-type:jwt-bearer" {
		return c.JSON(http.StatusBadRequest, &oauthError{
			Code:        "invalid_request",
			Description: "client_assertion_type must be jwt-bearer",
		})
	}
	scope := c.FormValue("scope")
	if scope != "system/*.*" {
		return c.JSON(http.StatusBadRequest, &oauthError{Code: "invalid_scope", Description: scope})
	}

	if err := s.verifyAssertion(c.FormValue("client_assertion")); err != nil {
		return c.JSON(http.StatusUnauthorized, &oauthError{
			Code:        "invalid_client",
			Description: err.Error(),
		})
	}

	token := uuid.New().String()
	s.mu.Lock()
	s.tokens[token] = true
	s.stats.TokensIssued++
	s.mu.Unlock()

	return c.JSON(http.StatusOK, &tokenResponse{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresIn:   int(s.cfg.TokenLifetime.Seconds()),
		Scope:       scope,
	})
}

// verifyAssertion checks signature, iss, sub, aud, exp and jti replay.
func (s *Server) verifyAssertion(assertion string) error {
	if assertion == "" {
		return fmt.Errorf("client assertion is required")
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(assertion, claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != jwt.SigningMethodRS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method: %s", t.Method.Alg())
		}
		return s.cfg.PublicKey, nil
	},
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(s.cfg.ClientURL),
		jwt.WithSubject(s.cfg.ClientID),
		jwt.WithAudience(s.TokenURL()),
	)
	if err != nil {
		return fmt.Errorf("verifying assertion: %w", err)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return fmt.Errorf("assertion missing exp claim")
	}
	if exp.After(time.Now().Add(5*time.Minute + 30*time.Second)) {
		return fmt.Errorf("assertion exp is too far in the future (max 5 minutes)")
	}

	jti, _ := claims["jti"].(string)
	if jti == "" {
		return fmt.Errorf("assertion missing jti claim")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jtis[jti] {
		return fmt.Errorf("jti %q has already been used (replay detected)", jti)
	}
	s.jtis[jti] = true
	return nil
}

// ---------------------------------------------------------------------------
// Bulk data endpoints
// ---------------------------------------------------------------------------

func (s *Server) requireBearer(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := strings.TrimPrefix(c.Request().Header.Get("Authorization"), "Bearer ")

		s.mu.Lock()
		ok := s.tokens[token]
		if s.forced401s > 0 {
			s.forced401s--
			ok = false
		}
		if !ok {
			s.stats.Unauthorized++
		}
		s.mu.Unlock()

		if !ok {
			return c.JSON(http.StatusUnauthorized, errorOutcome("login", "a valid bearer token is required"))
		}
		return next(c)
	}
}

func (s *Server) handleMetadata(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"resourceType": "CapabilityStatement",
		"status":       "active",
		"kind":         "instance",
		"fhirVersion":  "4.0.1",
		"format":       []string{"application/fhir+json", "application/fhir+ndjson"},
		"rest": []map[string]interface{}{
			{
				"mode": "server",
				"security": map[string]interface{}{
					"extension": []map[string]interface{}{
						{
							"url": "http://fhir-registry.smarthealthit.org/StructureDefinition/oauth-uris",
							"extension": []map[string]interface{}{
								{"url": "token", "valueUri": s.TokenURL()},
							},
						},
					},
				},
				"operation": []map[string]interface{}{
					{"name": "export", "definition": "http://hl7.org/fhir/uv/bulkdata/OperationDefinition/patient-export"},
				},
			},
		},
	})
}

func (s *Server) handleKickOff(c echo.Context) error {
	if !strings.Contains(c.Request().Header.Get("Prefer"), "respond-async") {
		return c.JSON(http.StatusBadRequest, errorOutcome("invalid", "Prefer header must include respond-async"))
	}

	j := &job{id: uuid.New().String(), query: c.QueryParams()}

	s.mu.Lock()
	s.jobs[j.id] = j
	s.stats.KickOffs++
	s.stats.LastKickOffQuery = j.query
	base := s.baseURL
	s.mu.Unlock()

	if !s.cfg.OmitContentLocation {
		location := "/$export-poll-status?job=" + j.id
		if !s.cfg.RelativeLocation {
			location = base + location
		}
		c.Response().Header().Set("Content-Location", location)
	}
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) handleStatus(c echo.Context) error {
	jobID := c.QueryParam("job")

	s.mu.Lock()
	j, ok := s.jobs[jobID]
	if ok {
		j.polls++
	}
	s.stats.StatusPolls++
	s.stats.PollTimes = append(s.stats.PollTimes, time.Now())
	base := s.baseURL
	s.mu.Unlock()

	if !ok {
		return c.JSON(http.StatusNotFound, errorOutcome("not-found", "export job not found: "+jobID))
	}
	if s.cfg.StatusFailureCode != 0 {
		return c.JSON(s.cfg.StatusFailureCode, errorOutcome("exception", "export failed"))
	}
	if j.polls <= s.cfg.PendingPolls {
		c.Response().Header().Set("X-Progress", fmt.Sprintf("%d/%d polls", j.polls, s.cfg.PendingPolls+1))
		c.Response().Header().Set("Retry-After", "1")
		return c.NoContent(http.StatusAccepted)
	}

	links := make([]string, 0, len(s.cfg.Files))
	output := make([]map[string]interface{}, 0, len(s.cfg.Files))
	for _, f := range s.cfg.Files {
		u := fmt.Sprintf("%s/$export-output/%s/%s", base, j.id, f.Name)
		links = append(links, fmt.Sprintf("<%s>;rel=\"item\"", u))
		output = append(output, map[string]interface{}{
			"type":  f.Type,
			"url":   u,
			"count": len(f.Lines),
		})
	}
	if !s.cfg.OmitLink {
		c.Response().Header().Set("Link", strings.Join(links, ", "))
	}
	if s.cfg.OmitBody {
		return c.NoContent(http.StatusOK)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"transactionTime":     time.Now().UTC().Format(time.RFC3339),
		"request":             base + "/Patient/$everything",
		"requiresAccessToken": true,
		"output":              output,
		"error":               []interface{}{},
	})
}

func (s *Server) handleOutput(c echo.Context) error {
	jobID := c.Param("jobId")
	fileName := c.Param("fileName")

	s.mu.Lock()
	_, ok := s.jobs[jobID]
	s.stats.FileFetches++
	s.mu.Unlock()

	if !ok {
		return c.JSON(http.StatusNotFound, errorOutcome("not-found", "export job not found: "+jobID))
	}
	for _, f := range s.cfg.Files {
		if f.Name != fileName {
			continue
		}
		var b strings.Builder
		for _, line := range f.Lines {
			b.WriteString(line)
			b.WriteByte('\n')
		}
		return c.Blob(http.StatusOK, "application/fhir+ndjson", []byte(b.String()))
	}
	return c.JSON(http.StatusNotFound, errorOutcome("not-found", "file not found: "+fileName))
}

func errorOutcome(code, diagnostics string) map[string]interface{} {
	return map[string]interface{}{
		"resourceType": "OperationOutcome",
		"issue": []map[string]interface{}{
			{
				"severity":    "error",
				"code":        code,
				"diagnostics": diagnostics,
			},
		},
	}
}
