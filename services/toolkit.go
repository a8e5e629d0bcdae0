package services

import (
	"context"
	"encoding/json"

	"github.com/degree-anchor/anchor-api/external"
	"go.uber.org/zap"
)

// CreateDID asks the toolkit for a new decentralized identifier.
func (s *Service) CreateDID(ctx context.Context, kind string) (json.RawMessage, error) {
	k, err := external.ParseDIDKind(kind)
	if err != nil {
		return nil, &InvalidInputError{err.Error()}
	}
	did, err := s.toolkit.CreateDID(ctx, k)
	if err != nil {
		s.m.Counter("toolkit_failed").Inc()
		return nil, err
	}
	s.logger.Info("Created DID", zap.Stringer("type", k))
	return did, nil
}

// IssueVerifiableCredential has the toolkit sign a credential for holderDID.
func (s *Service) IssueVerifiableCredential(ctx context.Context, holderDID string, claims map[string]any) (json.RawMessage, error) {
	if holderDID == "" {
		return nil, &InvalidInputError{"missing holder_did"}
	}
	if len(claims) == 0 {
		return nil, &InvalidInputError{"missing degree"}
	}
	vc, err := s.toolkit.IssueCredential(ctx, holderDID, claims)
	if err != nil {
		s.m.Counter("toolkit_failed").Inc()
		return nil, err
	}
	s.logger.Info("Issued verifiable credential", zap.String("holder", holderDID))
	return vc, nil
}

// VerifyVerifiableCredential has the toolkit check a signed credential.
func (s *Service) VerifyVerifiableCredential(ctx context.Context, vc json.RawMessage) (*external.VerifyResult, error) {
	if len(vc) == 0 || string(vc) == "null" {
		return nil, &InvalidInputError{"missing vc"}
	}
	res, err := s.toolkit.VerifyCredential(ctx, vc)
	if err != nil {
		s.m.Counter("toolkit_failed").Inc()
		return nil, err
	}
	return res, nil
}
