package services

import (
	"context"
	"errors"
	"strings"

	"github.com/degree-anchor/anchor-api/ledger"
	"github.com/degree-anchor/anchor-api/models"
	"github.com/degree-anchor/anchor-api/store"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

type IssueRequest struct {
	StudentName string
	StudentID   string
	Fingerprint string
}

func (r *IssueRequest) validate() error {
	var missing []string
	if r.StudentName == "" {
		missing = append(missing, "student_name")
	}
	if r.StudentID == "" {
		missing = append(missing, "student_id")
	}
	if r.Fingerprint == "" {
		missing = append(missing, "degree_hash")
	}
	if len(missing) > 0 {
		return &InvalidInputError{"missing fields: " + strings.Join(missing, ", ")}
	}
	return nil
}

type IssueStatus int

const (
	// The transaction is final and the credential is recorded.
	IssueFinalized IssueStatus = iota
	// The transaction was broadcast but finality was not observed in time.
	// The outcome can be re-queried by transaction hash.
	IssuePending
)

func (s IssueStatus) String() string {
	if s == IssuePending {
		return "pending"
	}
	return "finalized"
}

type IssueResult struct {
	Status      IssueStatus
	TxHash      string
	BlockNumber uint64
	Timestamp   int64
}

// IssueCredential anchors a credential fingerprint on the ledger and records it
// locally once the transaction is final. Exactly one transaction is broadcast
// per call that gets past validation and the duplicate check; nothing is retried.
//
// Cancelling ctx after the broadcast only stops waiting: the transaction stays
// tracked as pending and is reconciled by GetIssuance or ConfirmPending.
func (s *Service) IssueCredential(ctx context.Context, req IssueRequest) (*IssueResult, error) {
	if err := req.validate(); err != nil {
		s.m.Counter("issue_invalid_input").Inc()
		return nil, err
	}

	if err := s.checkNotIssued(ctx, req.Fingerprint); err != nil {
		return nil, err
	}

	reservation, err := s.seq.Next(ctx, s.Account())
	if err != nil {
		s.m.Counter("issue_sequence_failed").Inc()
		return nil, err
	}

	issuedAt := s.clock.Now().Unix()
	pt, err := s.buildTransaction(ctx, reservation.Sequence, &req, issuedAt)
	if err != nil {
		s.seq.Release(reservation)
		return nil, err
	}

	txHash, err := s.ledger.Submit(ctx, pt.Signed)
	if err != nil {
		var rejected *ledger.RejectedError
		if errors.As(err, &rejected) && !rejected.SequenceTaken {
			// A refused transaction never consumed its sequence number.
			s.seq.Release(reservation)
		} else {
			s.seq.Resync(reservation)
		}
		s.logger.Warn("Failed to submit issuance",
			zap.String("fingerprint", req.Fingerprint),
			zap.Uint64("nonce", pt.Sequence),
			zap.Error(err))
		s.m.Counter("issue_submit_failed").Inc()
		return nil, err
	}
	s.seq.Commit(reservation)

	pending := &models.PendingIssuance{
		TxHash:      txHash.Hex(),
		StudentName: req.StudentName,
		StudentID:   req.StudentID,
		Fingerprint: req.Fingerprint,
		Nonce:       pt.Sequence,
		IssuedAt:    issuedAt,
		SubmittedAt: s.clock.Now().Unix(),
	}
	// The broadcast cannot be undone, so it is tracked even if the caller went away.
	if err := s.store.AddPending(context.WithoutCancel(ctx), pending); err != nil {
		s.logger.Error("Failed to track pending issuance",
			zap.String("txHash", pending.TxHash),
			zap.String("fingerprint", pending.Fingerprint),
			zap.Error(err))
	}

	receipt, err := s.ledger.AwaitFinality(ctx, txHash, s.finalityTimeout)
	switch {
	case errors.Is(err, &ledger.NotFinalizedError{}):
		s.logger.Info("Issuance not finalized yet",
			zap.String("txHash", pending.TxHash),
			zap.String("fingerprint", req.Fingerprint),
			zap.Error(err))
		s.m.Counter("issue_pending").Inc()
		return &IssueResult{
			Status:    IssuePending,
			TxHash:    pending.TxHash,
			Timestamp: issuedAt,
		}, nil
	case errors.Is(err, &ledger.RejectedError{}):
		s.dropPending(ctx, pending.TxHash)
		s.m.Counter("issue_reverted").Inc()
		return nil, err
	case err != nil:
		return nil, err
	}

	rec, err := s.record(ctx, pending, receipt)
	if err != nil {
		return nil, err
	}
	s.m.Counter("issue_finalized").Inc()
	return &IssueResult{
		Status:      IssueFinalized,
		TxHash:      rec.TxHash,
		BlockNumber: rec.BlockNumber,
		Timestamp:   rec.IssuedAt,
	}, nil
}

// checkNotIssued is a best-effort guard against wasting a transaction. The
// ledger remains the authority on uniqueness.
func (s *Service) checkNotIssued(ctx context.Context, fingerprint string) error {
	_, err := s.store.GetByFingerprint(ctx, fingerprint)
	if err == nil {
		s.m.Counter("issue_duplicate").Inc()
		return &DuplicateFingerprintError{Fingerprint: fingerprint}
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	pending, err := s.store.HasPendingFingerprint(ctx, fingerprint)
	if err != nil {
		return err
	}
	if pending {
		s.m.Counter("issue_duplicate_pending").Inc()
		return &DuplicateFingerprintError{Fingerprint: fingerprint, Pending: true}
	}
	return nil
}

// buildTransaction encodes and signs the issueDegree call. The fingerprint is
// passed through unhashed.
func (s *Service) buildTransaction(ctx context.Context, nonce uint64, req *IssueRequest, issuedAt int64) (*models.PendingTransaction, error) {
	payload, err := s.ledger.PackIssue(req.StudentID, req.Fingerprint, issuedAt)
	if err != nil {
		return nil, err
	}
	gasPrice, err := s.ledger.GasPrice(ctx)
	if err != nil {
		return nil, err
	}

	contract := s.ledger.Contract()
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &contract,
		Gas:      s.ledger.GasLimit(),
		GasPrice: gasPrice,
		Data:     payload,
	})
	signed, err := s.wallet.SignTx(tx, s.ledger.ChainID())
	if err != nil {
		return nil, err
	}
	return &models.PendingTransaction{
		Sequence: nonce,
		Payload:  payload,
		Signed:   signed,
	}, nil
}

// record writes the finalized issuance to the projection store.
func (s *Service) record(ctx context.Context, p *models.PendingIssuance, receipt *ledger.Receipt) (*models.CredentialRecord, error) {
	rec := p.Record(receipt.BlockNumber, s.clock.Now().Unix())
	created, err := s.store.UpsertIssued(context.WithoutCancel(ctx), &rec)
	if errors.Is(err, store.ErrDuplicate) {
		// The recorded credential wins; this issuance can never be recorded.
		s.logger.Error("Finalized issuance conflicts with a recorded credential",
			zap.String("txHash", p.TxHash),
			zap.String("fingerprint", p.Fingerprint))
		s.dropPending(ctx, p.TxHash)
		s.m.Counter("pending_conflicting").Inc()
		return nil, &DuplicateFingerprintError{Fingerprint: p.Fingerprint}
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("Issued credential",
		zap.String("fingerprint", rec.Fingerprint),
		zap.String("txHash", rec.TxHash),
		zap.Uint64("blockNumber", rec.BlockNumber),
		zap.Bool("created", created),
	)
	return &rec, nil
}

func (s *Service) dropPending(ctx context.Context, txHash string) {
	if err := s.store.DeletePending(context.WithoutCancel(ctx), txHash); err != nil {
		s.logger.Error("Failed to drop pending issuance",
			zap.String("txHash", txHash),
			zap.Error(err))
	}
}

func parseTxHash(txHash string) (common.Hash, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(txHash, "0x"), "0X")
	if len(trimmed) != 2*common.HashLength || !isHex(trimmed) {
		return common.Hash{}, &InvalidInputError{"invalid transaction hash"}
	}
	return common.HexToHash(trimmed), nil
}

func isHex(s string) bool {
	for _, c := range s {
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F') {
			return false
		}
	}
	return true
}
