package storage

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recon-engine/internal/core/parsers"
	apperrors "recon-engine/internal/platform/errors"
)

func newMockRepo(t *testing.T) (*Repo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewRepo(sqlx.NewDb(db, "sqlmock")), mock
}

func TestTransitionStatusStampsCompletedAt(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE scan_jobs")).
		WithArgs("job-1", StatusCompleted, "", pq.Array([]string{"running"})).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.TransitionStatus(context.Background(), "job-1", StatusCompleted, "")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionStatusIllegalIsConflict(t *testing.T) {
	repo, mock := newMockRepo(t)

	// La transición no afecta filas (el job está en completed) y el job existe:
	// Conflict, no NotFound.
	mock.ExpectExec(regexp.QuoteMeta("UPDATE scan_jobs")).
		WithArgs("job-1", StatusRunning, "", pq.Array([]string{"pending"})).
		WillReturnResult(sqlmock.NewResult(0, 0))
	rows := sqlmock.NewRows([]string{"id", "job_id", "task_id", "domain", "status", "created_at", "updated_at", "completed_at", "error_message"}).
		AddRow(1, "job-1", nil, "example.com", "completed", time.Now(), time.Now(), time.Now(), nil)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM scan_jobs WHERE job_id = $1")).
		WithArgs("job-1").
		WillReturnRows(rows)

	err := repo.TransitionStatus(context.Background(), "job-1", StatusRunning, "")
	assert.True(t, apperrors.IsConflict(err), "got %v", err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionStatusUnknownJobIsNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE scan_jobs")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM scan_jobs WHERE job_id = $1")).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	err := repo.TransitionStatus(context.Background(), "ghost", StatusFailed, "boom")
	assert.True(t, apperrors.IsNotFound(err), "got %v", err)
}

func TestBulkInsertSubdomainsIgnoresDuplicates(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO subdomains"))
	prep.ExpectExec().WithArgs(int64(7), "a.example.com", "subfinder").WillReturnResult(sqlmock.NewResult(1, 1))
	prep.ExpectExec().WithArgs(int64(7), "a.example.com", "amass").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := repo.BulkInsertSubdomains(context.Background(), 7, []parsers.Hostname{
		{Name: "a.example.com", Source: "subfinder"},
		{Name: "a.example.com", Source: "amass"},
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateManualSubdomainConflict(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO subdomains")).
		WillReturnError(&pq.Error{Code: pqUniqueViolation})

	_, err := repo.CreateManualSubdomain(context.Background(), 7, "a.example.com", true, 200)
	assert.True(t, apperrors.IsConflict(err), "got %v", err)
}

func TestBulkInsertLeakDetectionsSkips404(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO leak_detections"))
	prep.ExpectExec().
		WithArgs(int64(3), "https://a.example.com", "https://a.example.com/.env", "text/plain", "high", 42, 200).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := repo.BulkInsertLeakDetections(context.Background(), 3, []parsers.LeakRecord{
		{BaseURL: "https://a.example.com", FileURL: "https://a.example.com/.env", FileType: "text/plain", Severity: parsers.SeverityHigh, FileSize: 42, HTTPStatus: 200},
		{BaseURL: "https://a.example.com", FileURL: "https://a.example.com/nope", HTTPStatus: 404},
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteScanJobCascades(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM scan_jobs WHERE job_id = $1")).
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(9))
	for _, table := range []string{"technologies", "screenshots", "waf_detections", "leak_detections", "subdomains", "scan_jobs"} {
		mock.ExpectExec("DELETE FROM " + table).WithArgs(int64(9)).WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()

	assert.NoError(t, repo.DeleteScanJob(context.Background(), "job-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteScanJobNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM scan_jobs WHERE job_id = $1")).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	err := repo.DeleteScanJob(context.Background(), "ghost")
	assert.True(t, apperrors.IsNotFound(err), "got %v", err)
}
