package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/degree-anchor/anchor-api/models"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// UpsertIssued records a finalized issuance and drops its pending row.
// Replaying the same transaction is a no-op reported as created == false.
// A record for the same fingerprint from a different transaction yields ErrDuplicate.
func (s *Store) UpsertIssued(ctx context.Context, rec *models.CredentialRecord) (created bool, err error) {
	s.locks.Lock(rec.Fingerprint)
	defer s.locks.Unlock(rec.Fingerprint)

	err = s.withRetry("upsert issued", func() error {
		created, err = s.upsertIssued(ctx, rec)
		return err
	})
	return created, err
}

func (s *Store) upsertIssued(ctx context.Context, rec *models.CredentialRecord) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer rollback(tx)

	existing, err := scanRecord(tx.StmtContext(ctx, s.getByFingerprintStmt).QueryRowContext(ctx, rec.Fingerprint))
	switch {
	case err == nil:
		if existing.TxHash != rec.TxHash {
			s.m.Counter("upsert_duplicate").Inc()
			return false, ErrDuplicate
		}
		if _, err := tx.StmtContext(ctx, s.deletePendingStmt).ExecContext(ctx, rec.TxHash); err != nil {
			return false, err
		}
		if err := tx.Commit(); err != nil {
			return false, err
		}
		s.m.Counter("upsert_replayed").Inc()
		return false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return false, err
	}

	now := s.clock.Now().Unix()
	updatedAt := rec.UpdatedAt
	if updatedAt == 0 {
		updatedAt = now
	}
	_, err = tx.StmtContext(ctx, s.insertDegreeStmt).ExecContext(ctx,
		rec.StudentName,
		rec.StudentID,
		rec.Fingerprint,
		models.StatusIssued.String(),
		rec.TxHash,
		rec.BlockNumber,
		rec.IssuedAt,
		updatedAt,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return false, ErrDuplicate
		}
		return false, err
	}
	if _, err := tx.StmtContext(ctx, s.addEventStmt).ExecContext(ctx, rec.Fingerprint, models.StatusIssued.String(), now); err != nil {
		return false, err
	}
	if _, err := tx.StmtContext(ctx, s.deletePendingStmt).ExecContext(ctx, rec.TxHash); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}

	s.logger.Info("Recorded issued credential",
		zap.String("fingerprint", rec.Fingerprint),
		zap.String("txHash", rec.TxHash),
		zap.Uint64("blockNumber", rec.BlockNumber),
	)
	s.m.Counter("upsert_created").Inc()
	return true, nil
}

// UpdateStatus overwrites the status of an existing record. It reports whether
// a record exists; no record is ever created. A status that does not change
// leaves the record and its history untouched.
func (s *Store) UpdateStatus(ctx context.Context, fingerprint string, status models.Status) (found bool, err error) {
	s.locks.Lock(fingerprint)
	defer s.locks.Unlock(fingerprint)

	err = s.withRetry("update status", func() error {
		found, err = s.updateStatus(ctx, fingerprint, status)
		return err
	})
	return found, err
}

func (s *Store) updateStatus(ctx context.Context, fingerprint string, status models.Status) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer rollback(tx)

	existing, err := scanRecord(tx.StmtContext(ctx, s.getByFingerprintStmt).QueryRowContext(ctx, fingerprint))
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if existing.Status == status {
		return true, nil
	}

	now := s.clock.Now().Unix()
	if _, err := tx.StmtContext(ctx, s.updateStatusStmt).ExecContext(ctx, status.String(), now, fingerprint); err != nil {
		return false, err
	}
	if _, err := tx.StmtContext(ctx, s.addEventStmt).ExecContext(ctx, fingerprint, status.String(), now); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}

	s.logger.Info("Updated credential status",
		zap.String("fingerprint", fingerprint),
		zap.Stringer("from", existing.Status),
		zap.Stringer("status", status),
	)
	s.m.Counter("status_updated").Inc()
	return true, nil
}

// GetAll returns every record in insertion order.
func (s *Store) GetAll(ctx context.Context) ([]models.CredentialRecord, error) {
	rows, err := s.getAllStmt.QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []models.CredentialRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

func (s *Store) GetByFingerprint(ctx context.Context, fingerprint string) (*models.CredentialRecord, error) {
	rec, err := scanRecord(s.getByFingerprintStmt.QueryRowContext(ctx, fingerprint))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (s *Store) GetByTxHash(ctx context.Context, txHash string) (*models.CredentialRecord, error) {
	rec, err := scanRecord(s.getByTxHashStmt.QueryRowContext(ctx, txHash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// StatusHistory returns the status transitions observed for a fingerprint, oldest first.
func (s *Store) StatusHistory(ctx context.Context, fingerprint string) ([]models.StatusEvent, error) {
	rows, err := s.getEventsStmt.QueryContext(ctx, fingerprint)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []models.StatusEvent{}
	for rows.Next() {
		var ev models.StatusEvent
		var status string
		if err := rows.Scan(&ev.Fingerprint, &status, &ev.ObservedAt); err != nil {
			return nil, err
		}
		if ev.Status, err = models.ParseStatus(status); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
