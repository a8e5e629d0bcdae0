package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/degree-anchor/anchor-api/models"
)

// AddPending persists a broadcast issuance so its outcome can be re-queried
// after a restart.
func (s *Store) AddPending(ctx context.Context, p *models.PendingIssuance) error {
	return s.withRetry("add pending", func() error {
		_, err := s.addPendingStmt.ExecContext(ctx,
			p.TxHash,
			p.StudentName,
			p.StudentID,
			p.Fingerprint,
			p.Nonce,
			p.IssuedAt,
			p.SubmittedAt,
		)
		return err
	})
}

func (s *Store) GetPending(ctx context.Context, txHash string) (*models.PendingIssuance, error) {
	p, err := scanPending(s.getPendingStmt.QueryRowContext(ctx, txHash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// ListPending returns pending issuances, oldest first.
func (s *Store) ListPending(ctx context.Context) ([]models.PendingIssuance, error) {
	rows, err := s.listPendingStmt.QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	pending := []models.PendingIssuance{}
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		pending = append(pending, *p)
	}
	return pending, rows.Err()
}

func (s *Store) DeletePending(ctx context.Context, txHash string) error {
	return s.withRetry("delete pending", func() error {
		_, err := s.deletePendingStmt.ExecContext(ctx, txHash)
		return err
	})
}

// HasPendingFingerprint reports whether an issuance for fingerprint is awaiting finality.
func (s *Store) HasPendingFingerprint(ctx context.Context, fingerprint string) (bool, error) {
	var c int
	if err := s.pendingForFingerprint.QueryRowContext(ctx, fingerprint).Scan(&c); err != nil {
		return false, err
	}
	return c > 0, nil
}
