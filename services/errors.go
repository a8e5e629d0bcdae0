package services

import "fmt"

// InvalidInputError is a caller error. It is never worth retrying.
type InvalidInputError struct {
	msg string
}

func (v *InvalidInputError) Error() string {
	return v.msg
}

func (v *InvalidInputError) Is(err error) bool {
	_, ok := err.(*InvalidInputError)
	return ok
}

// DuplicateFingerprintError means the fingerprint is already recorded locally
// or has an issuance awaiting finality.
type DuplicateFingerprintError struct {
	Fingerprint string
	Pending     bool
}

func (d *DuplicateFingerprintError) Error() string {
	if d.Pending {
		return fmt.Sprintf("degree %q has an issuance awaiting confirmation", d.Fingerprint)
	}
	return fmt.Sprintf("degree %q has already been issued", d.Fingerprint)
}

func (d *DuplicateFingerprintError) Is(err error) bool {
	_, ok := err.(*DuplicateFingerprintError)
	return ok
}

type NotFoundError struct {
	msg string
}

func (n *NotFoundError) Error() string {
	return n.msg
}

func (n *NotFoundError) Is(err error) bool {
	_, ok := err.(*NotFoundError)
	return ok
}
