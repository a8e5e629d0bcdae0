package ledger

import (
	"bytes"
	_ "embed"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const (
	MethodIssue  = "issueDegree"
	MethodVerify = "verifyDegree"
)

//go:embed abi/degree_registry.json
var registryABIJSON []byte

// RegistryABI returns the parsed ABI of the degree registry contract.
func RegistryABI() (abi.ABI, error) {
	return abi.JSON(bytes.NewReader(registryABIJSON))
}

// PackIssue encodes the issueDegree call. The fingerprint is passed unhashed;
// the contract derives the anchor key itself.
func (g *Gateway) PackIssue(studentID, fingerprint string, issuedAt int64) ([]byte, error) {
	data, err := g.abi.Pack(MethodIssue, studentID, fingerprint, big.NewInt(issuedAt))
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", MethodIssue, err)
	}
	return data, nil
}
