package models

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
)

type Account = common.Address

// AnchorKey is the 256-bit integer the registry contract indexes credentials by.
// It is stored big-endian.
type AnchorKey [32]byte

// Uint256 returns the key as the ledger's native integer.
func (k AnchorKey) Uint256() *uint256.Int {
	return new(uint256.Int).SetBytes32(k[:])
}

// Big returns the key in the form expected by the ABI encoder.
func (k AnchorKey) Big() *big.Int {
	return k.Uint256().ToBig()
}

func (k AnchorKey) Hex() string {
	return k.Uint256().Hex()
}

// AnchorKeyFromBig converts an ABI-decoded uint256 back into an AnchorKey.
// Values wider than 256 bits are reported as not ok.
func AnchorKeyFromBig(v *big.Int) (AnchorKey, bool) {
	u, overflow := uint256.FromBig(v)
	if overflow || v.Sign() < 0 {
		return AnchorKey{}, false
	}
	return AnchorKey(u.Bytes32()), true
}

// AnchorRecord is what the ledger reports for an anchored key.
type AnchorRecord struct {
	Key AnchorKey
}

// PendingTransaction is a signed anchoring transaction between sequencing and finality.
type PendingTransaction struct {
	Sequence uint64
	Payload  []byte
	Signed   *types.Transaction
}
