package bulkdata

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
)

// ValidQueryParams are the kick-off parameters forwarded to the server.
var ValidQueryParams = []string{
	"start",
	"_type",
	"_include",
	"output-format",
}

// FilterParams keeps only the keys listed in ValidQueryParams.
func FilterParams(params map[string]string) url.Values {
	out := url.Values{}
	for _, k := range ValidQueryParams {
		if v, ok := params[k]; ok {
			out.Set(k, v)
		}
	}
	return out
}

// Provision kicks off a Patient/$everything export with the allow-listed
// params, polls the status endpoint until it answers 200 and stores the
// manifest. It blocks until the export completes or ctx is done.
//
// A client that already holds a manifest returns ErrAlreadyProvisioned;
// use Reprovision to start another remote job on purpose.
func (c *Client) Provision(ctx context.Context, params map[string]string) error {
	if c.Provisioned() {
		return ErrAlreadyProvisioned
	}
	return c.provision(ctx, params)
}

// Reprovision runs a new export and replaces the current manifest once it
// completes. If the new export fails the previous manifest is kept.
func (c *Client) Reprovision(ctx context.Context, params map[string]string) error {
	return c.provision(ctx, params)
}

func (c *Client) provision(ctx context.Context, params map[string]string) error {
	query := FilterParams(params)
	if dropped := droppedKeys(params); len(dropped) > 0 {
		c.logger.Debug().Strs("params", dropped).Msg("ignoring unsupported export parameters")
	}

	resp, err := c.Issue(ctx, c.server+EverythingPath, query)
	if err != nil {
		return fmt.Errorf("bulkdata: export kick-off: %w", err)
	}
	location := resp.Header.Get("Content-Location")
	drainAndClose(resp.Body)

	if location == "" {
		return ErrMissingContentLocation
	}
	statusURL, err := c.resolve(location)
	if err != nil {
		return err
	}

	c.logger.Info().
		Str("status_url", redactURL(statusURL)).
		Int("kickoff_status", resp.StatusCode).
		Msg("export kicked off")

	manifest, err := c.poll(ctx, statusURL)
	if err != nil {
		return err
	}
	c.manifest = manifest

	c.logger.Info().Int("files", len(manifest)).Msg("export complete")
	return nil
}

// poll waits the poll interval, then GETs the status URL until it answers 200.
func (c *Client) poll(ctx context.Context, statusURL string) ([]string, error) {
	for n := 1; ; n++ {
		if err := c.sleep(ctx, c.pollInterval); err != nil {
			return nil, fmt.Errorf("bulkdata: polling export status: %w", err)
		}

		resp, err := c.Issue(ctx, statusURL, nil)
		if err != nil {
			return nil, fmt.Errorf("bulkdata: polling export status: %w", err)
		}

		if resp.StatusCode != http.StatusOK {
			c.logger.Debug().
				Int("poll", n).
				Int("status", resp.StatusCode).
				Str("progress", resp.Header.Get("X-Progress")).
				Msg("export in progress")
			drainAndClose(resp.Body)
			continue
		}

		manifest, err := manifestFromResponse(resp)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}
		c.logger.Debug().Int("polls", n).Msg("export status complete")
		return manifest, nil
	}
}

// resolve makes a Content-Location relative to the server URL absolute.
func (c *Client) resolve(location string) (string, error) {
	ref, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("bulkdata: parse Content-Location %q: %w", location, err)
	}
	return c.base.ResolveReference(ref).String(), nil
}

func droppedKeys(params map[string]string) []string {
	allowed := make(map[string]bool, len(ValidQueryParams))
	for _, k := range ValidQueryParams {
		allowed[k] = true
	}
	var dropped []string
	for k := range params {
		if !allowed[k] {
			dropped = append(dropped, k)
		}
	}
	sort.Strings(dropped)
	return dropped
}
