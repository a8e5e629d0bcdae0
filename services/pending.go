package services

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/degree-anchor/anchor-api/ledger"
	"github.com/degree-anchor/anchor-api/models"
	"github.com/degree-anchor/anchor-api/store"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type IssuanceStatus struct {
	Status      IssueStatus
	TxHash      string
	Fingerprint string
	BlockNumber uint64
	Timestamp   int64
}

// GetIssuance reports the outcome of an issuance by transaction hash. A pending
// issuance is checked against the ledger once and recorded if it is now final.
func (s *Service) GetIssuance(ctx context.Context, txHash string) (*IssuanceStatus, error) {
	hash, err := parseTxHash(txHash)
	if err != nil {
		return nil, err
	}

	rec, err := s.store.GetByTxHash(ctx, hash.Hex())
	if err == nil {
		return finalizedStatus(rec), nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	p, err := s.store.GetPending(ctx, hash.Hex())
	if errors.Is(err, store.ErrNotFound) {
		return nil, &NotFoundError{"issuance not found"}
	}
	if err != nil {
		return nil, err
	}

	rec, err = s.confirm(ctx, p, hash)
	if errors.Is(err, &ledger.NotFinalizedError{}) {
		return &IssuanceStatus{
			Status:      IssuePending,
			TxHash:      p.TxHash,
			Fingerprint: p.Fingerprint,
			Timestamp:   p.IssuedAt,
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return finalizedStatus(rec), nil
}

// ConfirmPending checks every pending issuance against the ledger and records
// the ones that became final. Reverted, superseded and conflicting issuances
// are dropped. Failures for one
// issuance do not stop the others; it returns how many were recorded.
func (s *Service) ConfirmPending(ctx context.Context) (int, error) {
	pending, err := s.store.ListPending(ctx)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	var confirmed int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.pendingWorkers)
	for i := range pending {
		p := &pending[i]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			hash := common.HexToHash(p.TxHash)
			_, err := s.confirm(gctx, p, hash)
			switch {
			case err == nil:
				atomic.AddInt64(&confirmed, 1)
			case errors.Is(err, &ledger.NotFinalizedError{}),
				errors.Is(err, &ledger.RejectedError{}),
				errors.Is(err, &DuplicateFingerprintError{}):
			default:
				s.logger.Warn("Failed to confirm pending issuance",
					zap.String("txHash", p.TxHash),
					zap.Error(err))
			}
			return nil
		})
	}
	err = g.Wait()

	n := int(atomic.LoadInt64(&confirmed))
	s.logger.Info("Checked pending issuances",
		zap.Int("pending", len(pending)),
		zap.Int("confirmed", n))
	return n, err
}

// confirm checks a pending issuance once. It records it when final and drops
// it when reverted or when its sequence number was used by another
// transaction; otherwise the ledger error is returned.
func (s *Service) confirm(ctx context.Context, p *models.PendingIssuance, hash common.Hash) (*models.CredentialRecord, error) {
	receipt, err := s.ledger.CheckFinality(ctx, hash)
	if errors.Is(err, &ledger.NotFinalizedError{}) {
		return nil, s.checkSuperseded(ctx, p, hash, err)
	}
	if errors.Is(err, &ledger.RejectedError{}) {
		s.logger.Warn("Pending issuance reverted",
			zap.String("txHash", p.TxHash),
			zap.String("fingerprint", p.Fingerprint),
			zap.Error(err))
		s.dropPending(ctx, p.TxHash)
		s.m.Counter("pending_reverted").Inc()
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	rec, err := s.record(ctx, p, receipt)
	if err != nil {
		return nil, err
	}
	s.m.Counter("pending_confirmed").Inc()
	return rec, nil
}

// checkSuperseded turns a not-yet-final issuance whose sequence number was
// mined by another transaction into a rejection. notFinal is returned when it
// may still be mined, or when that cannot be told right now.
func (s *Service) checkSuperseded(ctx context.Context, p *models.PendingIssuance, hash common.Hash, notFinal error) error {
	superseded, err := s.ledger.SequenceSuperseded(ctx, s.Account(), p.Nonce, hash)
	if err != nil {
		s.logger.Debug("Could not check pending issuance sequence",
			zap.String("txHash", p.TxHash),
			zap.Error(err))
		return notFinal
	}
	if !superseded {
		return notFinal
	}

	s.logger.Warn("Pending issuance superseded",
		zap.String("txHash", p.TxHash),
		zap.String("fingerprint", p.Fingerprint),
		zap.Uint64("nonce", p.Nonce))
	s.dropPending(ctx, p.TxHash)
	s.m.Counter("pending_superseded").Inc()
	return &ledger.RejectedError{
		TxHash:        hash,
		Reason:        "sequence number used by another transaction",
		SequenceTaken: true,
	}
}

func finalizedStatus(rec *models.CredentialRecord) *IssuanceStatus {
	return &IssuanceStatus{
		Status:      IssueFinalized,
		TxHash:      rec.TxHash,
		Fingerprint: rec.Fingerprint,
		BlockNumber: rec.BlockNumber,
		Timestamp:   rec.IssuedAt,
	}
}
