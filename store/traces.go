package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
)

// CreateTrace inserts a trace with the given URLs as its entries, in order.
func (s *Store) CreateTrace(ctx context.Context, name string, urls []string) (int64, error) {
	var id int64
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, "INSERT INTO Traces (Name, Last_Update) VALUES (?, ?)", name, At(time.Now()))
		if err != nil {
			return err
		}
		if id, err = res.LastInsertId(); err != nil {
			return err
		}
		for _, url := range urls {
			if _, err := tx.ExecContext(ctx, "INSERT INTO Trace_Entry (URL, Trace_ID) VALUES (?, ?)", url, id); err != nil {
				return err
			}
		}
		return nil
	})
	return id, err
}

// AddTraceEntries appends URLs to an existing trace and touches its update time.
func (s *Store) AddTraceEntries(ctx context.Context, traceID int64, urls []string) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, url := range urls {
			if _, err := tx.ExecContext(ctx, "INSERT INTO Trace_Entry (URL, Trace_ID) VALUES (?, ?)", url, traceID); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, "UPDATE Traces SET Last_Update = ? WHERE id = ?", At(time.Now()), traceID)
		return err
	})
}

// GetTrace returns the trace with its entry count.
func (s *Store) GetTrace(ctx context.Context, id int64) (Trace, error) {
	var trace Trace
	db, err := s.handle()
	if err != nil {
		return trace, err
	}
	err = db.GetContext(ctx, &trace, `SELECT T.id AS id, T.Name AS name, T.Last_Update AS last_update,
		(SELECT COUNT(*) FROM Trace_Entry E WHERE E.Trace_ID = T.id) AS entries
		FROM Traces T WHERE T.id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return trace, ErrNotFound
	}
	return trace, err
}

// ListTraces returns all traces that have at least one entry.
func (s *Store) ListTraces(ctx context.Context) ([]Trace, error) {
	traces := make([]Trace, 0)
	db, err := s.handle()
	if err != nil {
		return traces, err
	}
	err = db.SelectContext(ctx, &traces, `SELECT T.id AS id, T.Name AS name, T.Last_Update AS last_update,
		COUNT(E.id) AS entries
		FROM Traces T JOIN Trace_Entry E ON T.id = E.Trace_ID
		GROUP BY T.id ORDER BY T.id`)
	return traces, err
}

// TraceURLs returns the URLs of a trace in insertion order.
func (s *Store) TraceURLs(ctx context.Context, traceID int64) ([]string, error) {
	urls := make([]string, 0)
	db, err := s.handle()
	if err != nil {
		return urls, err
	}
	err = db.SelectContext(ctx, &urls, "SELECT URL FROM Trace_Entry WHERE Trace_ID = ? ORDER BY id", traceID)
	return urls, err
}

// TraceURLCounts returns the distinct URLs of a trace, most frequent first.
func (s *Store) TraceURLCounts(ctx context.Context, traceID int64) ([]URLCount, error) {
	counts := make([]URLCount, 0)
	db, err := s.handle()
	if err != nil {
		return counts, err
	}
	err = db.SelectContext(ctx, &counts, `SELECT URL AS url, COUNT(id) AS count
		FROM Trace_Entry WHERE Trace_ID = ?
		GROUP BY URL ORDER BY COUNT(id) DESC, URL`, traceID)
	return counts, err
}

// AddKeys adds URLs to the key pool used by the trace generator.
func (s *Store) AddKeys(ctx context.Context, urls []string) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, url := range urls {
			if _, err := tx.ExecContext(ctx, "INSERT INTO Keys (URL) VALUES (?)", url); err != nil {
				return err
			}
		}
		return nil
	})
}

// MaxKeyID returns the highest key id, or 0 if the pool is empty.
func (s *Store) MaxKeyID(ctx context.Context) (int64, error) {
	var max sql.NullInt64
	db, err := s.handle()
	if err != nil {
		return 0, err
	}
	err = db.GetContext(ctx, &max, "SELECT MAX(id) FROM Keys")
	return max.Int64, err
}

// KeyURLs returns the URLs for the given key ids, in the order of ids.
// Ids without a key are skipped.
func (s *Store) KeyURLs(ctx context.Context, ids []int64) ([]string, error) {
	urls := make([]string, 0, len(ids))
	db, err := s.handle()
	if err != nil {
		return urls, err
	}
	for _, id := range ids {
		var url string
		err := db.GetContext(ctx, &url, "SELECT URL FROM Keys WHERE id = ?", id)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return urls, err
		}
		urls = append(urls, url)
	}
	return urls, nil
}
