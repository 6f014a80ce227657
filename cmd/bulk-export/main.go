package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/bulkclient/internal/config"
	"github.com/ehr/bulkclient/internal/platform/bulktest"
	"github.com/ehr/bulkclient/internal/platform/db"
	"github.com/ehr/bulkclient/internal/platform/sink"
	"github.com/ehr/bulkclient/pkg/bulkdata"
	"github.com/ehr/bulkclient/pkg/smartauth"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "bulk-export",
		Short:         "FHIR Bulk Data export client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(manifestCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(getCmd())
	rootCmd.AddCommand(mockServerCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// newLogger writes to stderr so that stdout stays free for NDJSON output.
func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// loadClientConfig loads and validates everything an export run needs.
func loadClientConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, logger, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, logger, nil
}

func newAuthenticator(cfg *config.Config, logger zerolog.Logger) (*smartauth.Authenticator, error) {
	key, err := cfg.LoadPrivateKey()
	if err != nil {
		return nil, err
	}
	return smartauth.New(smartauth.Credentials{
		ClientURL:  cfg.ClientURL,
		ClientID:   cfg.ClientID,
		TokenURL:   cfg.TokenURL,
		PrivateKey: key,
		KeyID:      cfg.KeyID,
	},
		smartauth.WithLogger(logger.With().Str("component", "smartauth").Logger()),
		smartauth.WithHTTPClient(&http.Client{Timeout: cfg.RequestTimeout}),
	)
}

func newClient(cfg *config.Config, logger zerolog.Logger) (*bulkdata.Client, *smartauth.Authenticator, error) {
	auth, err := newAuthenticator(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	client, err := bulkdata.New(cfg.ServerURL, auth,
		bulkdata.WithLogger(logger.With().Str("component", "bulkdata").Logger()),
		bulkdata.WithPollInterval(cfg.PollInterval),
		bulkdata.WithRequestTimeout(cfg.RequestTimeout),
	)
	if err != nil {
		return nil, nil, err
	}
	return client, auth, nil
}

// ---------------------------------------------------------------------------
// export
// ---------------------------------------------------------------------------

type exportOptions struct {
	params map[string]string
	out    string
	sink   string
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Run a Patient/$everything export and store the resources",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadClientConfig()
			if err != nil {
				return err
			}
			opts, err := exportOptionsFromFlags(cmd, cfg)
			if err != nil {
				return err
			}

			ctx, stop := signalContext()
			defer stop()

			client, _, err := newClient(cfg, logger)
			if err != nil {
				return err
			}
			defer client.Close()

			return runExport(ctx, cfg, client, opts, cmd.OutOrStdout(), logger)
		},
	}
	addParamFlags(cmd)
	cmd.Flags().String("out", "", "Directory for per-type NDJSON files (default BULK_OUTPUT_DIR, or stdout)")
	cmd.Flags().String("sink", "ndjson", "Where to store resources: ndjson or postgres")
	return cmd
}

// paramFlags maps CLI flags to kick-off query parameters.
var paramFlags = map[string]string{
	"type":          "_type",
	"start":         "start",
	"include":       "_include",
	"output-format": "output-format",
}

func addParamFlags(cmd *cobra.Command) {
	cmd.Flags().String("type", "", "Comma separated resource types (_type)")
	cmd.Flags().String("start", "", "Only include resources updated after this instant (start)")
	cmd.Flags().String("include", "", "Related resources to include (_include)")
	cmd.Flags().String("output-format", "", "Requested output format (output-format)")
}

func paramsFromFlags(cmd *cobra.Command) map[string]string {
	params := make(map[string]string)
	for flag, param := range paramFlags {
		if v, _ := cmd.Flags().GetString(flag); v != "" {
			params[param] = v
		}
	}
	return params
}

func exportOptionsFromFlags(cmd *cobra.Command, cfg *config.Config) (exportOptions, error) {
	opts := exportOptions{params: paramsFromFlags(cmd)}
	opts.out, _ = cmd.Flags().GetString("out")
	if opts.out == "" {
		opts.out = cfg.OutputDir
	}
	opts.sink, _ = cmd.Flags().GetString("sink")
	if opts.sink != "ndjson" && opts.sink != "postgres" {
		return opts, fmt.Errorf("--sink must be \"ndjson\" or \"postgres\", got %q", opts.sink)
	}
	return opts, nil
}

func runExport(ctx context.Context, cfg *config.Config, client *bulkdata.Client, opts exportOptions, stdout io.Writer, logger zerolog.Logger) error {
	start := time.Now()
	if err := client.Provision(ctx, opts.params); err != nil {
		return fmt.Errorf("export failed: %w", err)
	}
	if !client.Provisioned() {
		logger.Info().Msg("export produced no output files")
		return nil
	}

	s, done, err := openSink(ctx, cfg, opts, stdout, logger)
	if err != nil {
		return err
	}

	n, drainErr := sink.Drain(ctx, client.Records(ctx), s)
	closeErr := s.Close()
	done()
	if drainErr != nil {
		return fmt.Errorf("export stopped after %d resources: %w", n, drainErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close sink: %w", closeErr)
	}

	event := logger.Info().
		Int("resources", n).
		Int("files", len(client.Manifest())).
		Dur("elapsed", time.Since(start))
	if nd, ok := s.(*sink.NDJSONSink); ok {
		event = event.Interface("per_type", nd.Counts())
	}
	event.Msg("export stored")
	return nil
}

// openSink returns the sink selected by opts and a func releasing whatever
// the sink depends on.
func openSink(ctx context.Context, cfg *config.Config, opts exportOptions, stdout io.Writer, logger zerolog.Logger) (sink.Sink, func(), error) {
	switch opts.sink {
	case "postgres":
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		logger.Info().Msg("connected to database")
		ps := sink.NewPostgresSink(pool)
		if err := ps.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return ps, func() {
			stats := db.GetPoolStats(pool)
			if stats.Saturated() {
				logger.Warn().Object("pool", stats).Msg("writers waited for database connections; consider raising DB_MAX_CONNS")
			} else {
				logger.Debug().Object("pool", stats).Msg("database pool")
			}
			pool.Close()
		}, nil
	default:
		if opts.out == "" {
			return sink.NewStreamSink(stdout), func() {}, nil
		}
		ds, err := sink.NewDirSink(opts.out)
		if err != nil {
			return nil, nil, err
		}
		return ds, func() {}, nil
	}
}

// ---------------------------------------------------------------------------
// manifest
// ---------------------------------------------------------------------------

func manifestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manifest",
		Short: "Run an export and print the output file URLs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadClientConfig()
			if err != nil {
				return err
			}

			ctx, stop := signalContext()
			defer stop()

			client, _, err := newClient(cfg, logger)
			if err != nil {
				return err
			}
			defer client.Close()

			return runManifest(ctx, client, paramsFromFlags(cmd), cmd.OutOrStdout())
		},
	}
	addParamFlags(cmd)
	return cmd
}

func runManifest(ctx context.Context, client *bulkdata.Client, params map[string]string, stdout io.Writer) error {
	if err := client.Provision(ctx, params); err != nil {
		return fmt.Errorf("export failed: %w", err)
	}
	for _, u := range client.Manifest() {
		fmt.Fprintln(stdout, u)
	}
	return nil
}

// ---------------------------------------------------------------------------
// token
// ---------------------------------------------------------------------------

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Acquire an access token to check the client registration",
		RunE: func(cmd *cobra.Command, args []string) error {
			show, _ := cmd.Flags().GetBool("show")

			cfg, logger, err := loadClientConfig()
			if err != nil {
				return err
			}
			auth, err := newAuthenticator(cfg, logger)
			if err != nil {
				return err
			}

			ctx, stop := signalContext()
			defer stop()
			return runToken(ctx, auth, show, cmd.OutOrStdout())
		},
	}
	cmd.Flags().Bool("show", false, "Print the token itself instead of its length")
	return cmd
}

func runToken(ctx context.Context, auth *smartauth.Authenticator, show bool, stdout io.Writer) error {
	token, err := auth.Token(ctx)
	if err != nil {
		return err
	}
	if show {
		fmt.Fprintln(stdout, token)
		return nil
	}
	fmt.Fprintf(stdout, "token acquired (%d chars)\n", len(token))
	return nil
}

// ---------------------------------------------------------------------------
// get
// ---------------------------------------------------------------------------

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <path>",
		Short: "Send an authenticated GET to the FHIR server, e.g. get metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadClientConfig()
			if err != nil {
				return err
			}
			auth, err := newAuthenticator(cfg, logger)
			if err != nil {
				return err
			}

			ctx, stop := signalContext()
			defer stop()

			hc := &http.Client{Transport: auth.Transport(nil), Timeout: cfg.RequestTimeout}
			defer hc.CloseIdleConnections()
			return runGet(ctx, hc, cfg.ServerURL, args[0], cmd.OutOrStdout())
		},
	}
}

// runGet resolves path against the server URL and copies the response body
// to stdout. Non-2xx answers are returned as errors.
func runGet(ctx context.Context, hc *http.Client, serverURL, path string, stdout io.Writer) error {
	base, err := url.Parse(serverURL + "/")
	if err != nil {
		return fmt.Errorf("parse server url: %w", err)
	}
	ref, err := url.Parse(path)
	if err != nil {
		return fmt.Errorf("parse path %q: %w", path, err)
	}
	target := base.ResolveReference(ref).String()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/fhir+json")

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("GET %s: unexpected status %d", target, resp.StatusCode)
	}
	_, err = io.Copy(stdout, resp.Body)
	return err
}

// ---------------------------------------------------------------------------
// mock-server
// ---------------------------------------------------------------------------

func mockServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mock-server",
		Short: "Run a local bulk data server that accepts this client's credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir, _ := cmd.Flags().GetString("data")
			pending, _ := cmd.Flags().GetInt("pending-polls")
			baseURL, _ := cmd.Flags().GetString("base-url")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			srv, err := newMockServer(cfg, dataDir, pending, logger)
			if err != nil {
				return err
			}
			if baseURL == "" {
				baseURL = "http://localhost:" + cfg.MockPort
			}
			srv.SetBaseURL(baseURL)

			go func() {
				logger.Info().Str("port", cfg.MockPort).Str("token_url", srv.TokenURL()).Msg("starting mock bulk data server")
				if err := srv.Start(":" + cfg.MockPort); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Fatal().Err(err).Msg("server error")
				}
			}()

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit

			logger.Info().Msg("shutting down server")
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			logger.Info().Msg("server stopped")
			return nil
		},
	}
	cmd.Flags().String("data", "", "Directory of <Type>.ndjson files to serve (default built-in sample)")
	cmd.Flags().Int("pending-polls", 2, "Number of in-progress status responses before completion")
	cmd.Flags().String("base-url", "", "Public base URL (default http://localhost:MOCK_PORT)")
	return cmd
}

// newMockServer trusts the public half of BULK_PRIVATE_KEY_FILE for
// BULK_CLIENT_ID and BULK_CLIENT_URL.
func newMockServer(cfg *config.Config, dataDir string, pending int, logger zerolog.Logger) (*bulktest.Server, error) {
	if cfg.ClientID == "" || cfg.ClientURL == "" {
		return nil, fmt.Errorf("BULK_CLIENT_ID and BULK_CLIENT_URL are required")
	}
	key, err := cfg.LoadPrivateKey()
	if err != nil {
		return nil, err
	}

	files := bulktest.SampleFiles()
	if dataDir != "" {
		if files, err = bulktest.LoadDir(dataDir); err != nil {
			return nil, err
		}
	}

	return bulktest.NewServer(bulktest.Config{
		ClientID:     cfg.ClientID,
		ClientURL:    cfg.ClientURL,
		PublicKey:    &key.PublicKey,
		PendingPolls: pending,
		Files:        files,
		Logger:       logger.With().Str("component", "mock-server").Logger(),
	}), nil
}
