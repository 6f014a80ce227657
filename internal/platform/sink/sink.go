// Package sink persists resources read from a bulk data export.
package sink

import (
	"context"
	"fmt"

	"github.com/ehr/bulkclient/pkg/bulkdata"
)

// Sink receives exported resources one at a time.
type Sink interface {
	Write(ctx context.Context, r bulkdata.Resource) error
	Close() error
}

// Drain copies every resource from recs into s and returns how many were
// written. The cursor is closed on return; the sink is not.
func Drain(ctx context.Context, recs *bulkdata.Records, s Sink) (int, error) {
	defer recs.Close()

	n := 0
	for recs.Next() {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		r := recs.Resource()
		if err := s.Write(ctx, r); err != nil {
			return n, fmt.Errorf("write %s/%s: %w", r.ResourceType(), r.ID(), err)
		}
		n++
	}
	return n, recs.Err()
}
