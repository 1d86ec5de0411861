package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
)

// MatchMode selects how a reported URL is matched against stored requests.
type MatchMode string

const (
	// MatchSubstring matches stored URLs containing the reported URL (LIKE '%url%').
	MatchSubstring MatchMode = "substring"
	// MatchExact matches stored URLs equal to the reported URL.
	MatchExact MatchMode = "exact"
)

const requestColumns = `id, Time AS time, URL AS url, Run_ID AS run_id,
	elapsed_ms, download_bytes, Token AS token`

// InsertRequest stores a request row and returns its id.
func (s *Store) InsertRequest(ctx context.Context, req Request) (int64, error) {
	db, err := s.handle()
	if err != nil {
		return 0, err
	}
	res, err := db.ExecContext(ctx, "INSERT INTO Requests (Time, URL, Run_ID, Token) VALUES (?, ?, ?, ?)",
		req.Time, req.URL, req.RunID, req.Token)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// CompleteRequest records the measurements of a finished request.
// Only rows without measurements are updated.
func (s *Store) CompleteRequest(ctx context.Context, id int64, elapsedMs, downloadBytes int64) error {
	return s.exec(ctx, `UPDATE Requests SET elapsed_ms = ?, download_bytes = ?
		WHERE id = ? AND elapsed_ms IS NULL`, elapsedMs, downloadBytes, id)
}

// GetRequest returns a request.
func (s *Store) GetRequest(ctx context.Context, id int64) (Request, error) {
	return s.getRequest(ctx, "SELECT "+requestColumns+" FROM Requests WHERE id = ?", id)
}

// LatestRequest returns the most recent request matching url.
func (s *Store) LatestRequest(ctx context.Context, url string, mode MatchMode) (Request, error) {
	if mode == MatchExact {
		return s.getRequest(ctx, "SELECT "+requestColumns+" FROM Requests WHERE URL = ? ORDER BY id DESC LIMIT 1", url)
	}
	return s.getRequest(ctx, "SELECT "+requestColumns+" FROM Requests WHERE URL LIKE ? ORDER BY id DESC LIMIT 1", "%"+url+"%")
}

// RequestByToken returns the request carrying the given correlation token.
func (s *Store) RequestByToken(ctx context.Context, token string) (Request, error) {
	return s.getRequest(ctx, "SELECT "+requestColumns+" FROM Requests WHERE Token = ? ORDER BY id DESC LIMIT 1", token)
}

func (s *Store) getRequest(ctx context.Context, query string, args ...any) (Request, error) {
	var req Request
	db, err := s.handle()
	if err != nil {
		return req, err
	}
	err = db.GetContext(ctx, &req, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return req, ErrNotFound
	}
	return req, err
}

// RunRequests returns all requests fired by a run, in order.
func (s *Store) RunRequests(ctx context.Context, runID int64) ([]Request, error) {
	return s.selectRequests(ctx, "SELECT "+requestColumns+" FROM Requests WHERE Run_ID = ? ORDER BY id", runID)
}

// AccessedRunRequests returns the requests of a run where at least one cache was accessed.
func (s *Store) AccessedRunRequests(ctx context.Context, runID int64) ([]Request, error) {
	return s.selectRequests(ctx, `SELECT `+requestColumns+` FROM Requests
		WHERE Run_ID = ? AND id IN (SELECT req_id FROM CacheReq WHERE accessed = 1)
		ORDER BY id`, runID)
}

// ReconciledRunRequests returns the requests of a run that have at least one outcome.
func (s *Store) ReconciledRunRequests(ctx context.Context, runID int64) ([]Request, error) {
	return s.selectRequests(ctx, `SELECT `+requestColumns+` FROM Requests
		WHERE Run_ID = ? AND id IN (SELECT req_id FROM CacheReq)
		ORDER BY id`, runID)
}

// RecentRequests returns the latest accessed requests, oldest first.
func (s *Store) RecentRequests(ctx context.Context, limit int) ([]Request, error) {
	reqs, err := s.selectRequests(ctx, `SELECT `+requestColumns+` FROM Requests
		WHERE id IN (SELECT req_id FROM CacheReq WHERE accessed = 1)
		ORDER BY Time DESC, id DESC LIMIT ?`, limit)
	for i, j := 0, len(reqs)-1; i < j; i, j = i+1, j-1 {
		reqs[i], reqs[j] = reqs[j], reqs[i]
	}
	return reqs, err
}

func (s *Store) selectRequests(ctx context.Context, query string, args ...any) ([]Request, error) {
	reqs := make([]Request, 0)
	db, err := s.handle()
	if err != nil {
		return reqs, err
	}
	err = db.SelectContext(ctx, &reqs, query, args...)
	return reqs, err
}

// InsertOutcomes stores all outcomes of a request in one transaction.
func (s *Store) InsertOutcomes(ctx context.Context, requestID int64, outcomes []Outcome) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, o := range outcomes {
			if _, err := tx.ExecContext(ctx, `INSERT INTO CacheReq
				(req_id, cache_name, indication, accessed, resolution) VALUES (?, ?, ?, ?, ?)`,
				requestID, o.CacheName, o.Indication, o.Accessed, o.Resolution); err != nil {
				return err
			}
		}
		return nil
	})
}

// Outcomes returns the outcomes of a request in insertion order.
func (s *Store) Outcomes(ctx context.Context, requestID int64) ([]Outcome, error) {
	outcomes := make([]Outcome, 0)
	db, err := s.handle()
	if err != nil {
		return outcomes, err
	}
	err = db.SelectContext(ctx, &outcomes, `SELECT req_id, cache_name, indication, accessed, resolution
		FROM CacheReq WHERE req_id = ? ORDER BY rowid`, requestID)
	return outcomes, err
}
