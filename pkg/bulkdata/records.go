package bulkdata

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"
)

// Resource is one decoded FHIR resource.
type Resource map[string]interface{}

// ResourceType returns the resourceType element, or "" when absent.
func (r Resource) ResourceType() string {
	s, _ := r["resourceType"].(string)
	return s
}

// ID returns the id element, or "" when absent.
func (r Resource) ID() string {
	s, _ := r["id"].(string)
	return s
}

// Records is a forward-only cursor over the resources of every manifest file,
// in manifest order and then line order. Files are fetched only when the
// cursor reaches them and nothing is buffered beyond the current line.
//
//	recs := client.Records(ctx)
//	defer recs.Close()
//	for recs.Next() {
//		r := recs.Resource()
//	}
//	if err := recs.Err(); err != nil { ... }
type Records struct {
	client *Client
	ctx    context.Context
	urls   []string
	next   int

	current string
	body    io.ReadCloser
	reader  *bufio.Reader
	line    int

	resource Resource
	err      error
	done     bool
}

// Records returns a cursor over the exported resources. An unprovisioned
// client yields an empty cursor that makes no requests.
func (c *Client) Records(ctx context.Context) *Records {
	return &Records{
		client: c,
		ctx:    ctx,
		urls:   c.Manifest(),
	}
}

// Next advances to the next resource. It returns false at the end of the last
// file or on the first error; Err distinguishes the two.
func (r *Records) Next() bool {
	if r.done {
		return false
	}
	r.resource = nil

	for {
		if r.reader == nil {
			if r.next >= len(r.urls) {
				r.finish(nil)
				return false
			}
			if err := r.open(r.urls[r.next]); err != nil {
				r.finish(err)
				return false
			}
			r.next++
		}

		raw, err := r.reader.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			r.finish(fmt.Errorf("bulkdata: reading %s: %w", redactURL(r.current), err))
			return false
		}
		if len(raw) > 0 {
			r.line++
		}

		if line := bytes.TrimSpace(raw); len(line) > 0 {
			var res Resource
			if derr := json.Unmarshal(line, &res); derr != nil {
				r.finish(&DecodeError{URL: redactURL(r.current), Line: r.line, Err: derr})
				return false
			}
			if res == nil {
				r.finish(&DecodeError{URL: redactURL(r.current), Line: r.line, Err: errors.New("record is not a JSON object")})
				return false
			}
			r.resource = res
			return true
		}

		if err != nil {
			r.closeFile()
		}
	}
}

// Resource returns the resource read by the last successful Next.
func (r *Records) Resource() Resource {
	return r.resource
}

// Err returns the error that stopped the cursor, if any.
func (r *Records) Err() error {
	return r.err
}

// Close stops the cursor and closes the open file, if any.
func (r *Records) Close() error {
	r.done = true
	r.resource = nil
	return r.closeFile()
}

func (r *Records) open(fileURL string) error {
	ctx, cancel := context.WithCancel(r.ctx)
	resp, err := r.client.Issue(ctx, fileURL, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("bulkdata: fetching output file: %w", err)
	}
	r.client.logger.Debug().
		Str("url", redactURL(fileURL)).
		Int("file", r.next+1).
		Int("of", len(r.urls)).
		Msg("streaming output file")

	r.current = fileURL
	r.body = newIdleBody(resp.Body, r.client.requestTimeout, cancel)
	r.reader = bufio.NewReaderSize(r.body, 64<<10)
	r.line = 0
	return nil
}

func (r *Records) closeFile() error {
	if r.body == nil {
		return nil
	}
	err := r.body.Close()
	r.body = nil
	r.reader = nil
	return err
}

func (r *Records) finish(err error) {
	r.err = err
	r.done = true
	r.resource = nil
	_ = r.closeFile()
}

// idleBody fails a read with ErrTimeout once no bytes have arrived for the
// timeout. The deadline is re-armed after every read that returns data, so
// a steadily streaming file is never cut off.
type idleBody struct {
	rc      io.ReadCloser
	timeout time.Duration
	timer   *time.Timer
	cancel  context.CancelFunc
	expired atomic.Bool
}

func newIdleBody(rc io.ReadCloser, timeout time.Duration, cancel context.CancelFunc) *idleBody {
	b := &idleBody{rc: rc, timeout: timeout, cancel: cancel}
	b.timer = time.AfterFunc(timeout, func() {
		b.expired.Store(true)
		cancel()
	})
	return b
}

func (b *idleBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if b.expired.Load() {
		return n, fmt.Errorf("%w: no data for %s", ErrTimeout, b.timeout)
	}
	if n > 0 {
		b.timer.Reset(b.timeout)
	}
	return n, err
}

func (b *idleBody) Close() error {
	b.timer.Stop()
	b.cancel()
	return b.rc.Close()
}
