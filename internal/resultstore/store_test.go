package resultstore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/req2run-engine/internal/model"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db), mock
}

func sampleResult() *model.Result {
	return &model.Result{
		JobID: "job-1", SpecID: "spec-1", SpecChecksum: "abc", SubmissionID: "sub-1",
		EngineVersion: "test", StartedAt: time.Unix(1000, 0), EndedAt: time.Unix(1010, 0),
		Scores: model.Scores{Total: 81.5, Grade: model.GradeSilver}, Pass: true, Attempts: 1,
		EvidenceRoot: "/evidence/job-1",
	}
}

func TestInsertExecutesUpsert(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO results").WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Insert(context.Background(), sampleResult()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetReturnsUnmarshaledResult(t *testing.T) {
	store, mock := newMockStore(t)
	result := sampleResult()
	data, err := json.Marshal(result)
	require.NoError(t, err)

	rows := sqlmock.NewRows([]string{"result_json"}).AddRow(data)
	mock.ExpectQuery("SELECT result_json FROM results WHERE job_id").WithArgs("job-1").WillReturnRows(rows)

	got, err := store.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, result.JobID, got.JobID)
	assert.Equal(t, result.Scores.Total, got.Scores.Total)
}

func TestListBySpecReturnsOrderedResults(t *testing.T) {
	store, mock := newMockStore(t)
	result := sampleResult()
	data, err := json.Marshal(result)
	require.NoError(t, err)

	rows := sqlmock.NewRows([]string{"result_json"}).AddRow(data)
	mock.ExpectQuery("SELECT result_json FROM results WHERE spec_id").WithArgs("spec-1", 50).WillReturnRows(rows)

	got, err := store.ListBySpec(context.Background(), "spec-1", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "job-1", got[0].JobID)
}
