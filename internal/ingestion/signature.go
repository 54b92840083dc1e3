package ingestion

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"

	"DerivLedger/internal/event"

	"github.com/luxfi/crypto"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/geth/common/hexutil"
)

var ErrInvalidSignature = errors.New("invalid command signature")

// signedJSON is the wire message: the command object and a 65-byte
// [R || S || V] secp256k1 signature over CommandDigest.
type signedJSON struct {
	Command   json.RawMessage `json:"command"`
	Signature hexutil.Bytes   `json:"signature"`
}

// CommandDigest is what a caller signs: keccak256 of the event type name, a
// colon, and the command object exactly as sent.
func CommandDigest(eventType event.EventType, command []byte) []byte {
	return crypto.Keccak256([]byte(eventType.String()), []byte(":"), command)
}

// KeyAddress is the caller address a key signs for.
func KeyAddress(key *ecdsa.PrivateKey) common.Address {
	return common.Address(crypto.PubkeyToAddress(key.PublicKey))
}

// openSigned splits a wire message and recovers the address that signed
// its command object.
func openSigned(eventType event.EventType, data []byte) ([]byte, common.Address, error) {
	var msg signedJSON
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, common.Address{}, fmt.Errorf("%w: %w", ErrMalformedCommand, err)
	}
	if len(msg.Command) == 0 {
		return nil, common.Address{}, fmt.Errorf("%w: missing command", ErrMalformedCommand)
	}
	if len(msg.Signature) != crypto.SignatureLength {
		return nil, common.Address{}, fmt.Errorf("%w: signature is %d bytes", ErrInvalidSignature, len(msg.Signature))
	}
	pub, err := crypto.SigToPub(CommandDigest(eventType, msg.Command), msg.Signature)
	if err != nil {
		return nil, common.Address{}, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	return msg.Command, common.Address(crypto.PubkeyToAddress(*pub)), nil
}

// SignCommand encodes cmd and signs it with key, producing the wire message
// ParseCommand accepts. key must belong to the command's caller.
func SignCommand(cmd event.Command, key *ecdsa.PrivateKey) ([]byte, error) {
	if signer := KeyAddress(key); signer != cmd.Sender() {
		return nil, fmt.Errorf("%w: key is %s, caller is %s", ErrInvalidSignature, signer.Hex(), cmd.Sender().Hex())
	}
	body, err := EncodeCommand(cmd)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(CommandDigest(cmd.EventType(), body), key)
	if err != nil {
		return nil, fmt.Errorf("sign %s: %w", cmd.EventType(), err)
	}
	return json.Marshal(signedJSON{Command: body, Signature: sig})
}
