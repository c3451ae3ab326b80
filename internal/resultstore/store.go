package resultstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/R3E-Network/req2run-engine/internal/model"
)

// Store is the queryable Result Index: an sqlx-backed mirror of completed
// Results, indexed for queries such as ListBySpec. The
// Evidence Store's result.json + detached signature remain the source of
// truth; a Store row that drifts from its evidence can always be rebuilt by
// re-ingesting result.json.
type Store struct {
	db *sqlx.DB
}

// NewStore wraps an already-open, already-migrated *sql.DB.
func NewStore(db *sql.DB) *Store {
	return &Store{db: sqlx.NewDb(db, "postgres")}
}

// resultRow mirrors the results table's columns for sqlx scanning.
type resultRow struct {
	JobID         string          `db:"job_id"`
	SpecID        string          `db:"spec_id"`
	SpecChecksum  string          `db:"spec_checksum"`
	SubmissionID  string          `db:"submission_id"`
	Seed          int64           `db:"seed"`
	EngineVersion string          `db:"engine_version"`
	StartedAt     sql.NullTime    `db:"started_at"`
	EndedAt       sql.NullTime    `db:"ended_at"`
	TotalScore    float64         `db:"total_score"`
	Grade         string          `db:"grade"`
	Pass          bool            `db:"pass"`
	Reason        string          `db:"reason"`
	Attempts      int             `db:"attempts"`
	EvidenceRoot  string          `db:"evidence_root"`
	ResultJSON    json.RawMessage `db:"result_json"`
}

// Insert upserts one Result by job_id, so re-ingesting an already-indexed
// run (e.g. after a crash-recovery replay) is a no-op rather than a
// constraint violation.
func (s *Store) Insert(ctx context.Context, result *model.Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("resultstore: marshal result: %w", err)
	}

	const query = `
INSERT INTO results (
	job_id, spec_id, spec_checksum, submission_id, seed, engine_version,
	started_at, ended_at, total_score, grade, pass, reason, attempts,
	evidence_root, result_json
) VALUES (
	:job_id, :spec_id, :spec_checksum, :submission_id, :seed, :engine_version,
	:started_at, :ended_at, :total_score, :grade, :pass, :reason, :attempts,
	:evidence_root, :result_json
)
ON CONFLICT (job_id) DO UPDATE SET
	total_score = EXCLUDED.total_score,
	grade = EXCLUDED.grade,
	pass = EXCLUDED.pass,
	reason = EXCLUDED.reason,
	attempts = EXCLUDED.attempts,
	result_json = EXCLUDED.result_json
`
	row := resultRow{
		JobID: result.JobID, SpecID: result.SpecID, SpecChecksum: result.SpecChecksum,
		SubmissionID: result.SubmissionID, Seed: result.Seed, EngineVersion: result.EngineVersion,
		StartedAt: sql.NullTime{Time: result.StartedAt, Valid: !result.StartedAt.IsZero()},
		EndedAt:   sql.NullTime{Time: result.EndedAt, Valid: !result.EndedAt.IsZero()},
		TotalScore: result.Scores.Total, Grade: string(result.Scores.Grade), Pass: result.Pass,
		Reason: result.Reason, Attempts: result.Attempts, EvidenceRoot: result.EvidenceRoot,
		ResultJSON: data,
	}
	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("resultstore: insert result: %w", err)
	}
	return nil
}

// Get fetches one Result by job ID.
func (s *Store) Get(ctx context.Context, jobID string) (*model.Result, error) {
	var row resultRow
	err := s.db.GetContext(ctx, &row, `SELECT result_json FROM results WHERE job_id = $1`, jobID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("resultstore: no result for job %q: %w", jobID, sql.ErrNoRows)
	}
	if err != nil {
		return nil, fmt.Errorf("resultstore: get result: %w", err)
	}
	var result model.Result
	if err := json.Unmarshal(row.ResultJSON, &result); err != nil {
		return nil, fmt.Errorf("resultstore: unmarshal result: %w", err)
	}
	return &result, nil
}

// ListBySpec returns every Result recorded for a given spec ID, most recent
// first, bounded by limit.
func (s *Store) ListBySpec(ctx context.Context, specID string, limit int) ([]*model.Result, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []resultRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT result_json FROM results WHERE spec_id = $1 ORDER BY started_at DESC LIMIT $2`,
		specID, limit)
	if err != nil {
		return nil, fmt.Errorf("resultstore: list results for spec %q: %w", specID, err)
	}

	out := make([]*model.Result, 0, len(rows))
	for _, row := range rows {
		var result model.Result
		if err := json.Unmarshal(row.ResultJSON, &result); err != nil {
			return nil, fmt.Errorf("resultstore: unmarshal result: %w", err)
		}
		out = append(out, &result)
	}
	return out, nil
}
