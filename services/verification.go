package services

import (
	"context"
	"errors"

	"github.com/degree-anchor/anchor-api/fingerprint"
	"github.com/degree-anchor/anchor-api/ledger"
	"github.com/degree-anchor/anchor-api/models"
	"github.com/degree-anchor/anchor-api/store"
	"go.uber.org/zap"
)

type VerifyResult struct {
	Fingerprint string
	IsValid     bool
}

// VerifyCredential checks a fingerprint against the ledger and overwrites the
// local status of a recorded credential to match. Fingerprints this service
// never recorded are answered but not added to the store.
func (s *Service) VerifyCredential(ctx context.Context, fp string) (*VerifyResult, error) {
	if fp == "" {
		s.m.Counter("verify_invalid_input").Inc()
		return nil, &InvalidInputError{"missing degree_hash"}
	}

	key := fingerprint.DeriveAnchorKey(fp)
	valid := true
	if _, err := s.ledger.ReadAnchor(ctx, key); err != nil {
		if !errors.Is(err, ledger.ErrAnchorNotFound) {
			s.m.Counter("verify_ledger_failed").Inc()
			return nil, err
		}
		valid = false
	}

	status := models.StatusInvalid
	if valid {
		status = models.StatusVerified
	}
	found, err := s.store.UpdateStatus(ctx, fp, status)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Verified credential",
		zap.String("fingerprint", fp),
		zap.String("anchorKey", key.Hex()),
		zap.Bool("valid", valid),
		zap.Bool("recorded", found),
	)
	if valid {
		s.m.Counter("verify_valid").Inc()
	} else {
		s.m.Counter("verify_invalid").Inc()
	}
	return &VerifyResult{Fingerprint: fp, IsValid: valid}, nil
}

// ListCredentials returns every locally recorded credential.
func (s *Service) ListCredentials(ctx context.Context) ([]models.CredentialRecord, error) {
	return s.store.GetAll(ctx)
}

type CredentialDetails struct {
	Record  *models.CredentialRecord
	History []models.StatusEvent
}

// GetCredential returns a recorded credential and its status history.
func (s *Service) GetCredential(ctx context.Context, fp string) (*CredentialDetails, error) {
	if fp == "" {
		return nil, &InvalidInputError{"missing degree_hash"}
	}
	rec, err := s.store.GetByFingerprint(ctx, fp)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &NotFoundError{"degree not found"}
	}
	if err != nil {
		return nil, err
	}
	history, err := s.store.StatusHistory(ctx, fp)
	if err != nil {
		return nil, err
	}
	return &CredentialDetails{Record: rec, History: history}, nil
}
