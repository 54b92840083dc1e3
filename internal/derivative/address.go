package derivative

import (
	"github.com/luxfi/geth/common"
	"golang.org/x/crypto/sha3"
)

// positionCodeTag stands in for the claim-token init code; its hash is the
// init-code hash of the CREATE2 derivation.
const positionCodeTag = "DerivLedger:position-token:v1"

var positionCodeHash = keccak(nil, []byte(positionCodeTag))

// PositionSalt is keccak256(derivativeHash || side).
func PositionSalt(hash common.Hash, side Side) common.Hash {
	return common.BytesToHash(keccak(nil, hash.Bytes(), []byte{byte(side)}))
}

// PositionAddress derives the claim-token address for one side of a derivative:
// keccak256(0xff || factory || salt || initCodeHash)[12:].
// It depends only on the factory and the derivative hash, so any party can
// predict both token addresses before the pair is deployed.
func PositionAddress(factory common.Address, hash common.Hash, side Side) common.Address {
	salt := PositionSalt(hash, side)
	digest := keccak(nil, []byte{0xff}, factory.Bytes(), salt.Bytes(), positionCodeHash)
	return common.BytesToAddress(digest[12:])
}

// PositionPair returns the (LONG, SHORT) token addresses for a derivative hash.
func PositionPair(factory common.Address, hash common.Hash) (long, short common.Address) {
	return PositionAddress(factory, hash, SideLong), PositionAddress(factory, hash, SideShort)
}

func keccak(dst []byte, chunks ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, c := range chunks {
		h.Write(c)
	}
	return h.Sum(dst)
}
