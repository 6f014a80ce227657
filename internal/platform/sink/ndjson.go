package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"

	"github.com/ehr/bulkclient/pkg/bulkdata"
)

// NDJSONWriter writes resources in NDJSON (Newline Delimited JSON) format.
// Each resource is serialised as a single JSON line followed by a newline
// character.
type NDJSONWriter struct {
	w *bufio.Writer
}

// NewNDJSONWriter creates a new NDJSONWriter that writes to w.
func NewNDJSONWriter(w io.Writer) *NDJSONWriter {
	return &NDJSONWriter{
		w: bufio.NewWriter(w),
	}
}

// WriteResource serialises resource as a single JSON line followed by a
// newline character.
func (n *NDJSONWriter) WriteResource(resource interface{}) error {
	data, err := json.Marshal(resource)
	if err != nil {
		return err
	}
	if _, err := n.w.Write(data); err != nil {
		return err
	}
	return n.w.WriteByte('\n')
}

// Flush flushes any buffered data to the underlying writer.
func (n *NDJSONWriter) Flush() error {
	return n.w.Flush()
}

// UnknownType names the file that receives resources whose resourceType is
// missing or not a plain FHIR type name.
const UnknownType = "Unknown"

var typeName = regexp.MustCompile(`^[A-Z][A-Za-z]*$`)

// NDJSONSink fans resources out to one <ResourceType>.ndjson file per type
// under a directory, or streams everything to a single writer.
type NDJSONSink struct {
	dir     string
	stream  *NDJSONWriter
	files   map[string]*os.File
	writers map[string]*NDJSONWriter
	counts  map[string]int
}

// NewDirSink creates dir if needed and writes one file per resource type into
// it. Existing files of the same name are truncated when first written.
func NewDirSink(dir string) (*NDJSONSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &NDJSONSink{
		dir:     dir,
		files:   make(map[string]*os.File),
		writers: make(map[string]*NDJSONWriter),
		counts:  make(map[string]int),
	}, nil
}

// NewStreamSink writes every resource to w in arrival order.
func NewStreamSink(w io.Writer) *NDJSONSink {
	return &NDJSONSink{
		stream: NewNDJSONWriter(w),
		counts: make(map[string]int),
	}
}

func (s *NDJSONSink) Write(_ context.Context, r bulkdata.Resource) error {
	typ := r.ResourceType()
	if !typeName.MatchString(typ) {
		typ = UnknownType
	}

	w := s.stream
	if w == nil {
		var err error
		if w, err = s.writerFor(typ); err != nil {
			return err
		}
	}
	if err := w.WriteResource(r); err != nil {
		return err
	}
	s.counts[typ]++
	return nil
}

func (s *NDJSONSink) writerFor(typ string) (*NDJSONWriter, error) {
	if w, ok := s.writers[typ]; ok {
		return w, nil
	}
	f, err := os.Create(filepath.Join(s.dir, typ+".ndjson"))
	if err != nil {
		return nil, fmt.Errorf("create %s output: %w", typ, err)
	}
	w := NewNDJSONWriter(f)
	s.files[typ] = f
	s.writers[typ] = w
	return w, nil
}

// Counts returns the number of resources written per type.
func (s *NDJSONSink) Counts() map[string]int {
	out := make(map[string]int, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}
	return out
}

// Close flushes every writer and closes the files it opened. The writer given
// to NewStreamSink is flushed but not closed.
func (s *NDJSONSink) Close() error {
	if s.stream != nil {
		return s.stream.Flush()
	}
	var errs []error
	for typ, w := range s.writers {
		if err := w.Flush(); err != nil {
			errs = append(errs, fmt.Errorf("flush %s output: %w", typ, err))
		}
		if err := s.files[typ].Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s output: %w", typ, err))
		}
	}
	s.writers = map[string]*NDJSONWriter{}
	s.files = map[string]*os.File{}
	return errors.Join(errs...)
}
