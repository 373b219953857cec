package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stasis/stasis/internal/models"
)

func setupRepo(t *testing.T) *Repository {
	t.Helper()
	db, err := Connect(filepath.Join(t.TempDir(), "nested", "history.db"))
	require.NoError(t, err)
	require.NoError(t, db.Initialize())
	t.Cleanup(func() { db.Close() })
	return NewRepository(db)
}

func record(session, action string, at time.Time) *models.ActionRecord {
	return &models.ActionRecord{
		Timestamp: at,
		SessionID: session,
		Action:    action,
		Command:   action + " --now",
		Trigger:   "timeout",
	}
}

func TestCreateAndGet(t *testing.T) {
	repo := setupRepo(t)

	r := record("s1", "lock_screen", time.Now())
	require.NoError(t, repo.Create(r))
	assert.NotZero(t, r.ID)

	got, err := repo.GetByID(r.ID)
	require.NoError(t, err)
	assert.Equal(t, "lock_screen", got.Action)
	assert.Nil(t, got.ExitCode)
	assert.False(t, got.Failed())
}

func TestCreateFillsTimestamp(t *testing.T) {
	repo := setupRepo(t)
	r := &models.ActionRecord{Action: "dpms", Command: "dpms off", Trigger: "manual"}
	require.NoError(t, repo.Create(r))
	assert.WithinDuration(t, time.Now(), r.Timestamp, time.Minute)
}

func TestRecordExit(t *testing.T) {
	repo := setupRepo(t)
	now := time.Now()

	first := record("s1", "suspend", now.Add(-time.Hour))
	second := record("s2", "suspend", now)
	require.NoError(t, repo.Create(first))
	require.NoError(t, repo.Create(second))

	require.NoError(t, repo.RecordExit("suspend", 1, "exit status 1"))

	got, err := repo.GetByID(second.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 1, *got.ExitCode)
	assert.Equal(t, "exit status 1", got.Error)
	assert.True(t, got.Failed())

	got, err = repo.GetByID(first.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ExitCode, "only the latest unreaped record is updated")

	assert.NoError(t, repo.RecordExit("unknown", 0, ""))
}

func TestActionSummary(t *testing.T) {
	repo := setupRepo(t)
	now := time.Now()

	require.NoError(t, repo.Create(record("s1", "lock_screen", now.Add(-3*time.Minute))))
	skipped := record("s2", "lock_screen", now.Add(-2*time.Minute))
	skipped.Skipped = true
	require.NoError(t, repo.Create(skipped))
	failed := record("s2", "dpms", now.Add(-time.Minute))
	failed.Error = "exec: not found"
	require.NoError(t, repo.Create(failed))
	require.NoError(t, repo.Create(record("s0", "dpms", now.Add(-48*time.Hour))))

	summaries, err := repo.GetActionSummarySince(now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	assert.Equal(t, models.ActionSummary{Action: "lock_screen", Count: 2, Skipped: 1}, summaries[0])
	assert.Equal(t, models.ActionSummary{Action: "dpms", Count: 1, Failures: 1}, summaries[1])

	sessions, err := repo.CountSessionsSince(now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), sessions)
}

func TestSessionAndRecent(t *testing.T) {
	repo := setupRepo(t)
	now := time.Now()

	require.NoError(t, repo.Create(record("s1", "lock_screen", now.Add(-2*time.Minute))))
	require.NoError(t, repo.Create(record("s1", "suspend", now.Add(-time.Minute))))
	require.NoError(t, repo.Create(record("s2", "dpms", now)))

	session, err := repo.GetSession("s1")
	require.NoError(t, err)
	require.Len(t, session, 2)
	assert.Equal(t, "lock_screen", session[0].Action)

	recent, err := repo.GetRecent(2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "dpms", recent[0].Action)

	since, err := repo.GetRecordsSince(now.Add(-90 * time.Second))
	require.NoError(t, err)
	assert.Len(t, since, 2)
}

func TestDeleteOldRecords(t *testing.T) {
	repo := setupRepo(t)
	now := time.Now()

	require.NoError(t, repo.Create(record("s0", "dpms", now.Add(-40*24*time.Hour))))
	require.NoError(t, repo.Create(record("s1", "dpms", now)))

	n, err := repo.DeleteOldRecords(now.Add(-30 * 24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	recent, err := repo.GetRecent(10)
	require.NoError(t, err)
	assert.Len(t, recent, 1)

	require.NoError(t, repo.Clear())
	recent, err = repo.GetRecent(10)
	require.NoError(t, err)
	assert.Empty(t, recent)
}

func TestErrorLogs(t *testing.T) {
	repo := setupRepo(t)

	require.NoError(t, repo.CreateErrorLog(&models.ErrorLog{Component: "reload", ErrorMsg: "bad config"}))
	require.NoError(t, repo.CreateErrorLog(&models.ErrorLog{Component: "idle", ErrorMsg: "registration failed"}))

	logs, err := repo.GetRecentErrors(1)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.NotZero(t, logs[0].Timestamp)
}
