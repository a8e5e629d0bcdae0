package models

import (
	"encoding/json"
	"fmt"
)

// Status is the last locally observed reconciliation outcome for a credential.
type Status int

const (
	StatusIssued Status = iota
	StatusVerified
	StatusInvalid
)

var statusNames = map[Status]string{
	StatusIssued:   "Issued",
	StatusVerified: "Verified",
	StatusInvalid:  "Invalid",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// ParseStatus converts the persisted representation back into a Status.
func ParseStatus(name string) (Status, error) {
	for s, n := range statusNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown credential status %q", name)
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseStatus(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// CredentialRecord is the local projection of an anchored credential.
// Fingerprint is unique within the projection store.
type CredentialRecord struct {
	StudentName string `json:"student_name"`
	StudentID   string `json:"student_id"`
	Fingerprint string `json:"degree_hash"`
	Status      Status `json:"status"`
	TxHash      string `json:"transaction_hash,omitempty"`
	BlockNumber uint64 `json:"block_number,omitempty"`
	IssuedAt    int64  `json:"timestamp,omitempty"`
	UpdatedAt   int64  `json:"updated_at,omitempty"`
}

// StatusEvent is one entry in the audit trail of status transitions.
type StatusEvent struct {
	Fingerprint string `json:"degree_hash"`
	Status      Status `json:"status"`
	ObservedAt  int64  `json:"observed_at"`
}

// PendingIssuance is a broadcast issuance whose finality has not been observed yet.
type PendingIssuance struct {
	TxHash      string
	StudentName string
	StudentID   string
	Fingerprint string
	Nonce       uint64
	IssuedAt    int64
	SubmittedAt int64
}

// Record builds the projection entry written once the issuance is finalized.
func (p *PendingIssuance) Record(blockNumber uint64, now int64) CredentialRecord {
	return CredentialRecord{
		StudentName: p.StudentName,
		StudentID:   p.StudentID,
		Fingerprint: p.Fingerprint,
		Status:      StatusIssued,
		TxHash:      p.TxHash,
		BlockNumber: blockNumber,
		IssuedAt:    p.IssuedAt,
		UpdatedAt:   now,
	}
}
