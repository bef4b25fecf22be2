package cache

import (
	"database/sql"
	"math"
	"time"

	"github.com/clipdesk/api/internal/logging"
)

// DefaultRatioWindow is the trailing window used for hit-ratio computation.
const DefaultRatioWindow = time.Hour

// Recorder is an append-only metric event log backed by the cache database.
// Recording is best-effort: stats must never break primary functionality, so
// failures are logged and swallowed.
type Recorder struct {
	db     *sql.DB
	logger *logging.Logger
	now    func() time.Time
}

// NewRecorder creates a Recorder on the given cache database.
func NewRecorder(db *sql.DB, logger *logging.Logger) *Recorder {
	return &Recorder{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
}

// Record appends a metric event.
func (r *Recorder) Record(name string, value float64) {
	_, err := r.db.Exec(
		`INSERT INTO cache_metrics (metric_name, value, recorded_at) VALUES (?, ?, ?)`,
		name, value, r.now().Unix(),
	)
	if err != nil {
		r.logger.Debug("Failed to record cache metric", logging.Fields{
			"metric": name,
			"error":  err.Error(),
		})
	}
}

// HitRatio computes hits/(hits+writes)*100 over the trailing window, rounded
// to two decimals. Returns 0.0 when no events of either kind exist.
func (r *Recorder) HitRatio(hitMetric, writeMetric string, window time.Duration) float64 {
	cutoff := r.now().Add(-window).Unix()

	hits := r.countSince(hitMetric, cutoff)
	writes := r.countSince(writeMetric, cutoff)

	total := hits + writes
	if total == 0 {
		return 0.0
	}

	ratio := float64(hits) / float64(total) * 100
	return math.Round(ratio*100) / 100
}

func (r *Recorder) countSince(name string, cutoff int64) int64 {
	var count int64
	err := r.db.QueryRow(
		`SELECT COUNT(*) FROM cache_metrics WHERE metric_name = ? AND recorded_at >= ?`,
		name, cutoff,
	).Scan(&count)
	if err != nil {
		r.logger.Debug("Failed to count cache metrics", logging.Fields{
			"metric": name,
			"error":  err.Error(),
		})
		return 0
	}
	return count
}
