package testutil

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/luxfi/crypto"
)

// Key derives a fixed secp256k1 key from name, so tests get stable caller
// addresses without key files.
func Key(name string) *ecdsa.PrivateKey {
	key, err := crypto.ToECDSA(crypto.Keccak256([]byte("derivledger-test:" + name)))
	if err != nil {
		panic(fmt.Sprintf("test key %q: %v", name, err))
	}
	return key
}
