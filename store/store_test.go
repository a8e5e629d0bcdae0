package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/degree-anchor/anchor-api/database"
	"github.com/degree-anchor/anchor-api/models"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.Open(database.MemoryDSN(t.Name()))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func setupTestStore(t *testing.T, db *sql.DB, clock clockwork.Clock) *Store {
	t.Helper()
	logger, err := zap.NewDevelopmentConfig().Build()
	require.NoError(t, err)

	s := New(&Config{DB: db, Clock: clock, Logger: logger})
	require.NoError(t, s.Init())
	t.Cleanup(s.Deinit)
	return s
}

func issuedRecord(fp, txHash string) *models.CredentialRecord {
	return &models.CredentialRecord{
		StudentName: "Ada Lovelace",
		StudentID:   "S100",
		Fingerprint: fp,
		Status:      models.StatusIssued,
		TxHash:      txHash,
		BlockNumber: 7,
		IssuedAt:    1700000000,
	}
}

func TestUpsertIssued(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Unix(1700000100, 0))
	s := setupTestStore(t, openTestDB(t), clock)
	ctx := context.Background()

	created, err := s.UpsertIssued(ctx, issuedRecord("abc123", "0x01"))
	require.NoError(t, err)
	assert.True(t, created)

	rec, err := s.GetByFingerprint(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, models.StatusIssued, rec.Status)
	assert.Equal(t, "Ada Lovelace", rec.StudentName)
	assert.Equal(t, "0x01", rec.TxHash)
	assert.Equal(t, uint64(7), rec.BlockNumber)
	assert.Equal(t, int64(1700000000), rec.IssuedAt)
	assert.Equal(t, int64(1700000100), rec.UpdatedAt)

	history, err := s.StatusHistory(ctx, "abc123")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.StatusIssued, history[0].Status)
}

func TestUpsertIssuedReplayIsIdempotent(t *testing.T) {
	s := setupTestStore(t, openTestDB(t), clockwork.NewFakeClock())
	ctx := context.Background()

	_, err := s.UpsertIssued(ctx, issuedRecord("abc123", "0x01"))
	require.NoError(t, err)

	created, err := s.UpsertIssued(ctx, issuedRecord("abc123", "0x01"))
	require.NoError(t, err)
	assert.False(t, created)

	all, err := s.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	history, err := s.StatusHistory(ctx, "abc123")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestUpsertIssuedDifferentTransaction(t *testing.T) {
	s := setupTestStore(t, openTestDB(t), clockwork.NewFakeClock())
	ctx := context.Background()

	_, err := s.UpsertIssued(ctx, issuedRecord("abc123", "0x01"))
	require.NoError(t, err)

	_, err = s.UpsertIssued(ctx, issuedRecord("abc123", "0x02"))
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestUpsertIssuedClearsPending(t *testing.T) {
	s := setupTestStore(t, openTestDB(t), clockwork.NewFakeClock())
	ctx := context.Background()

	require.NoError(t, s.AddPending(ctx, &models.PendingIssuance{
		TxHash:      "0x01",
		StudentName: "Ada Lovelace",
		StudentID:   "S100",
		Fingerprint: "abc123",
		Nonce:       3,
		IssuedAt:    1700000000,
		SubmittedAt: 1700000001,
	}))
	pending, err := s.HasPendingFingerprint(ctx, "abc123")
	require.NoError(t, err)
	assert.True(t, pending)

	_, err = s.UpsertIssued(ctx, issuedRecord("abc123", "0x01"))
	require.NoError(t, err)

	pending, err = s.HasPendingFingerprint(ctx, "abc123")
	require.NoError(t, err)
	assert.False(t, pending)
	_, err = s.GetPending(ctx, "0x01")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateStatus(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Unix(1700000000, 0))
	s := setupTestStore(t, openTestDB(t), clock)
	ctx := context.Background()

	_, err := s.UpsertIssued(ctx, issuedRecord("abc123", "0x01"))
	require.NoError(t, err)

	clock.Advance(time.Minute)
	found, err := s.UpdateStatus(ctx, "abc123", models.StatusVerified)
	require.NoError(t, err)
	assert.True(t, found)

	rec, err := s.GetByFingerprint(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, models.StatusVerified, rec.Status)
	assert.Equal(t, int64(1700000060), rec.UpdatedAt)

	// Overwrites unconditionally.
	found, err = s.UpdateStatus(ctx, "abc123", models.StatusInvalid)
	require.NoError(t, err)
	assert.True(t, found)
	rec, err = s.GetByFingerprint(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, models.StatusInvalid, rec.Status)

	history, err := s.StatusHistory(ctx, "abc123")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, models.StatusIssued, history[0].Status)
	assert.Equal(t, models.StatusVerified, history[1].Status)
	assert.Equal(t, models.StatusInvalid, history[2].Status)
}

func TestUpdateStatusSameValueIsNoop(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Unix(1700000000, 0))
	s := setupTestStore(t, openTestDB(t), clock)
	ctx := context.Background()

	_, err := s.UpsertIssued(ctx, issuedRecord("abc123", "0x01"))
	require.NoError(t, err)
	_, err = s.UpdateStatus(ctx, "abc123", models.StatusVerified)
	require.NoError(t, err)
	before, err := s.GetByFingerprint(ctx, "abc123")
	require.NoError(t, err)

	clock.Advance(time.Hour)
	found, err := s.UpdateStatus(ctx, "abc123", models.StatusVerified)
	require.NoError(t, err)
	assert.True(t, found)

	after, err := s.GetByFingerprint(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	history, err := s.StatusHistory(ctx, "abc123")
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestUpdateStatusUnknownFingerprint(t *testing.T) {
	s := setupTestStore(t, openTestDB(t), clockwork.NewFakeClock())
	ctx := context.Background()

	found, err := s.UpdateStatus(ctx, "zzz-unknown", models.StatusInvalid)
	require.NoError(t, err)
	assert.False(t, found)

	_, err = s.GetByFingerprint(ctx, "zzz-unknown")
	assert.ErrorIs(t, err, ErrNotFound)
	all, err := s.GetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestGetByTxHash(t *testing.T) {
	s := setupTestStore(t, openTestDB(t), clockwork.NewFakeClock())
	ctx := context.Background()

	_, err := s.UpsertIssued(ctx, issuedRecord("abc123", "0x01"))
	require.NoError(t, err)

	rec, err := s.GetByTxHash(ctx, "0x01")
	require.NoError(t, err)
	assert.Equal(t, "abc123", rec.Fingerprint)

	_, err = s.GetByTxHash(ctx, "0x02")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetByTxHash(ctx, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPendingLifecycle(t *testing.T) {
	s := setupTestStore(t, openTestDB(t), clockwork.NewFakeClock())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.AddPending(ctx, &models.PendingIssuance{
			TxHash:      fmt.Sprintf("0x%02d", i),
			StudentName: "Student",
			StudentID:   fmt.Sprintf("S%d", i),
			Fingerprint: fmt.Sprintf("fp-%d", i),
			Nonce:       uint64(i),
			IssuedAt:    1700000000,
			SubmittedAt: 1700000000 + int64(i),
		}))
	}

	pending, err := s.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, "0x00", pending[0].TxHash)
	assert.Equal(t, uint64(2), pending[2].Nonce)

	p, err := s.GetPending(ctx, "0x01")
	require.NoError(t, err)
	assert.Equal(t, "fp-1", p.Fingerprint)

	require.NoError(t, s.DeletePending(ctx, "0x01"))
	_, err = s.GetPending(ctx, "0x01")
	assert.ErrorIs(t, err, ErrNotFound)

	pending, err = s.ListPending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestConcurrentWritesSameFingerprint(t *testing.T) {
	s := setupTestStore(t, openTestDB(t), clockwork.NewFakeClock())
	ctx := context.Background()

	// An issuance racing verifications of the same brand-new fingerprint.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := s.UpsertIssued(ctx, issuedRecord("abc123", "0x01"))
		assert.NoError(t, err)
	}()
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpdateStatus(ctx, "abc123", models.StatusVerified)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	all, err := s.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Contains(t, []models.Status{models.StatusIssued, models.StatusVerified}, all[0].Status)
}

func TestConcurrentWritesDistinctFingerprints(t *testing.T) {
	s := setupTestStore(t, openTestDB(t), clockwork.NewFakeClock())
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.UpsertIssued(ctx, issuedRecord(fmt.Sprintf("fp-%d", i), fmt.Sprintf("0x%d", i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	all, err := s.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, n)
}

func TestMigrateLegacyTable(t *testing.T) {
	db := openTestDB(t)
	_, err := db.Exec(`
		CREATE TABLE degrees (
			id INTEGER NOT NULL PRIMARY KEY,
			student_name VARCHAR,
			student_id VARCHAR,
			degree_hash VARCHAR UNIQUE,
			status VARCHAR
		);
		INSERT INTO degrees (student_name, student_id, degree_hash, status)
			VALUES ('Ada Lovelace', 'S100', 'abc123', 'Verified');
		INSERT INTO degrees (student_name, student_id, degree_hash, status)
			VALUES (NULL, 'S101', 'def456', NULL);
	`)
	require.NoError(t, err)

	s := setupTestStore(t, db, clockwork.NewFakeClock())
	ctx := context.Background()

	all, err := s.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "abc123", all[0].Fingerprint)
	assert.Equal(t, models.StatusVerified, all[0].Status)
	assert.Equal(t, "", all[0].TxHash)
	assert.Equal(t, models.StatusIssued, all[1].Status)
	assert.Equal(t, "", all[1].StudentName)

	// Migrated rows accept status updates like any other.
	found, err := s.UpdateStatus(ctx, "def456", models.StatusInvalid)
	require.NoError(t, err)
	assert.True(t, found)

	// Migration is a no-op the second time.
	require.NoError(t, s.migrateTables())
}
