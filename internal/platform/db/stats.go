package db

import (
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// PoolStats is a snapshot of pool usage, logged after a sink run so that
// DB_MAX_CONNS can be tuned.
type PoolStats struct {
	TotalConns           int32
	IdleConns            int32
	AcquiredConns        int32
	MaxConns             int32
	AcquireCount         int64
	EmptyAcquireCount    int64
	CanceledAcquireCount int64
	AcquireDuration      time.Duration
}

// GetPoolStats snapshots pool usage.
func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	return statsFrom(pool.Stat())
}

func statsFrom(stat *pgxpool.Stat) *PoolStats {
	return &PoolStats{
		TotalConns:           stat.TotalConns(),
		IdleConns:            stat.IdleConns(),
		AcquiredConns:        stat.AcquiredConns(),
		MaxConns:             stat.MaxConns(),
		AcquireCount:         stat.AcquireCount(),
		EmptyAcquireCount:    stat.EmptyAcquireCount(),
		CanceledAcquireCount: stat.CanceledAcquireCount(),
		AcquireDuration:      stat.AcquireDuration(),
	}
}

// Saturated reports whether any acquire had to wait for a free connection.
func (s *PoolStats) Saturated() bool {
	return s.EmptyAcquireCount > 0
}

// MarshalZerologObject lets the stats be attached to a log event with
// Object("pool", stats).
func (s *PoolStats) MarshalZerologObject(e *zerolog.Event) {
	e.Int32("total_conns", s.TotalConns).
		Int32("idle_conns", s.IdleConns).
		Int32("acquired_conns", s.AcquiredConns).
		Int32("max_conns", s.MaxConns).
		Int64("acquire_count", s.AcquireCount).
		Int64("empty_acquire_count", s.EmptyAcquireCount).
		Int64("canceled_acquire_count", s.CanceledAcquireCount).
		Dur("acquire_duration", s.AcquireDuration).
		Bool("saturated", s.Saturated())
}
