package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
)

// CreateRun inserts a run together with its cache snapshot.
// The end time starts out equal to the start time.
func (s *Store) CreateRun(ctx context.Context, run Run, snapshot []CacheCost) (int64, error) {
	var id int64
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO Runs
			(Name, Start_Time, End_Time, Trace_ID, salsa_v, miss_penalty, Total_Cost)
			VALUES (?, ?, ?, ?, ?, ?, NULL)`,
			run.Name, run.StartTime, run.StartTime, run.TraceID, run.AlgorithmVersion, run.MissPenalty)
		if err != nil {
			return err
		}
		if id, err = res.LastInsertId(); err != nil {
			return err
		}
		for _, c := range snapshot {
			if _, err := tx.ExecContext(ctx, "INSERT INTO Caches (Run_ID, Name, Access_Cost) VALUES (?, ?, ?)",
				id, c.Name, c.AccessCost); err != nil {
				return err
			}
		}
		return nil
	})
	return id, err
}

// FinalizeRun sets the end time of a run.
func (s *Store) FinalizeRun(ctx context.Context, id int64, end time.Time) error {
	return s.exec(ctx, "UPDATE Runs SET End_Time = ? WHERE id = ?", At(end), id)
}

// SetRunCost stores the derived total cost of a run.
// The cost stays NULL until it is known.
func (s *Store) SetRunCost(ctx context.Context, id int64, cost float64) error {
	return s.exec(ctx, "UPDATE Runs SET Total_Cost = ? WHERE id = ?", cost, id)
}

const runColumns = `R.id AS id, R.Name AS name, R.Start_Time AS start_time, R.End_Time AS end_time,
	R.Trace_ID AS trace_id, R.salsa_v AS salsa_v, R.miss_penalty AS miss_penalty, R.Total_Cost AS total_cost`

// GetRun returns a run.
func (s *Store) GetRun(ctx context.Context, id int64) (Run, error) {
	var run Run
	db, err := s.handle()
	if err != nil {
		return run, err
	}
	err = db.GetContext(ctx, &run, "SELECT "+runColumns+" FROM Runs R WHERE R.id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return run, ErrNotFound
	}
	return run, err
}

const runSummaryQuery = `SELECT ` + runColumns + `,
	COALESCE(T.Name, '') AS trace_name,
	(SELECT COUNT(*) FROM Caches C WHERE C.Run_ID = R.id) AS caches,
	(SELECT COUNT(*) FROM Requests Q WHERE Q.Run_ID = R.id) AS requests,
	(SELECT COUNT(Q.elapsed_ms) FROM Requests Q WHERE Q.Run_ID = R.id) AS timed_requests,
	(SELECT COALESCE(SUM(Q.elapsed_ms), 0) FROM Requests Q WHERE Q.Run_ID = R.id) AS total_elapsed
	FROM Runs R LEFT JOIN Traces T ON R.Trace_ID = T.id`

// ListRuns returns the latest runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	runs := make([]RunSummary, 0)
	db, err := s.handle()
	if err != nil {
		return runs, err
	}
	err = db.SelectContext(ctx, &runs, runSummaryQuery+" ORDER BY R.id DESC LIMIT ?", limit)
	return runs, err
}

// GetRunSummary returns one run with its aggregate counts.
func (s *Store) GetRunSummary(ctx context.Context, id int64) (RunSummary, error) {
	var run RunSummary
	db, err := s.handle()
	if err != nil {
		return run, err
	}
	err = db.GetContext(ctx, &run, runSummaryQuery+" WHERE R.id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return run, ErrNotFound
	}
	return run, err
}

// Snapshot returns the cache costs captured when the run started.
func (s *Store) Snapshot(ctx context.Context, runID int64) ([]CacheCost, error) {
	caches := make([]CacheCost, 0)
	db, err := s.handle()
	if err != nil {
		return caches, err
	}
	err = db.SelectContext(ctx, &caches, `SELECT Run_ID AS run_id, Name AS name, Access_Cost AS access_cost
		FROM Caches WHERE Run_ID = ? ORDER BY rowid`, runID)
	return caches, err
}

func (s *Store) exec(ctx context.Context, query string, args ...any) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, query, args...)
	return err
}
