// Package fingerprint maps caller-supplied credential fingerprints into the
// registry contract's anchor key space.
package fingerprint

import (
	"github.com/degree-anchor/anchor-api/models"
	"github.com/ethereum/go-ethereum/crypto"
)

// DeriveAnchorKey returns keccak256 over the exact UTF-8 bytes of fp, read as a
// big-endian uint256. This matches the contract's uint256(keccak256(bytes(hash))).
// No normalization is applied.
func DeriveAnchorKey(fp string) models.AnchorKey {
	return models.AnchorKey(crypto.Keccak256Hash([]byte(fp)))
}
