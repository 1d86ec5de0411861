package store

import (
	"database/sql"
	"database/sql/driver"
	"fmt"
	"time"
)

// Timestamp is a time stored as unix milliseconds.
type Timestamp struct {
	time.Time
}

// At wraps t as a Timestamp.
func At(t time.Time) Timestamp {
	return Timestamp{t}
}

// Scan implements sql.Scanner.
func (t *Timestamp) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		t.Time = time.Time{}
	case int64:
		t.Time = time.UnixMilli(v)
	case float64:
		t.Time = time.UnixMilli(int64(v))
	default:
		return fmt.Errorf("cannot scan %T into Timestamp", src)
	}
	return nil
}

// Value implements driver.Valuer.
func (t Timestamp) Value() (driver.Value, error) {
	if t.IsZero() {
		return nil, nil
	}
	return t.UnixMilli(), nil
}

type Trace struct {
	ID         int64     `db:"id"`
	Name       string    `db:"name"`
	LastUpdate Timestamp `db:"last_update"`
	Entries    int       `db:"entries"`
}

// URLCount is a trace URL with the number of times it appears.
type URLCount struct {
	URL   string `db:"url"`
	Count int    `db:"count"`
}

type Run struct {
	ID               int64     `db:"id"`
	Name             string    `db:"name"`
	StartTime        Timestamp `db:"start_time"`
	EndTime          Timestamp `db:"end_time"`
	TraceID          int64     `db:"trace_id"`
	AlgorithmVersion int       `db:"salsa_v"`
	MissPenalty      float64   `db:"miss_penalty"`
	// TotalCost is NULL until the run's cost has been derived.
	TotalCost sql.NullFloat64 `db:"total_cost"`
}

// RunSummary is a run with aggregate counts, for listings.
type RunSummary struct {
	Run
	TraceName string `db:"trace_name"`
	Caches    int    `db:"caches"`
	Requests  int    `db:"requests"`
	// TimedRequests counts the requests with a recorded elapsed time.
	TimedRequests int   `db:"timed_requests"`
	TotalElapsed  int64 `db:"total_elapsed"`
}

// AverageElapsedMs returns the mean request time, or 0 if there are no timed requests.
func (r RunSummary) AverageElapsedMs() int64 {
	if r.TimedRequests == 0 {
		return 0
	}
	return r.TotalElapsed / int64(r.TimedRequests)
}

// CacheCost is a row of a run's cache snapshot.
type CacheCost struct {
	RunID      int64   `db:"run_id"`
	Name       string  `db:"name"`
	AccessCost float64 `db:"access_cost"`
}

type Request struct {
	ID            int64          `db:"id"`
	Time          Timestamp      `db:"time"`
	URL           string         `db:"url"`
	RunID         int64          `db:"run_id"`
	ElapsedMs     sql.NullInt64  `db:"elapsed_ms"`
	DownloadBytes sql.NullInt64  `db:"download_bytes"`
	Token         sql.NullString `db:"token"`
}

// Outcome is one cache's report for one request.
type Outcome struct {
	RequestID  int64  `db:"req_id"`
	CacheName  string `db:"cache_name"`
	Indication bool   `db:"indication"`
	Accessed   bool   `db:"accessed"`
	Resolution bool   `db:"resolution"`
}
