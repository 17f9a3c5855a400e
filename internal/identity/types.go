package identity

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"

	"valqueue.node/vqn/internal/types"
)

// ErrBadSignature is returned when a signature does not verify.
var ErrBadSignature = errors.New("bad signature")

// Identity represents a node's cryptographic identity
type Identity struct {
	privateKey   ed25519.PrivateKey
	publicKey    ed25519.PublicKey
	publicKeyHex string
}

// NewIdentity creates a new Identity from a private key
func NewIdentity(privKey ed25519.PrivateKey) *Identity {
	pubKey := privKey.Public().(ed25519.PublicKey)
	return &Identity{
		privateKey:   privKey,
		publicKey:    pubKey,
		publicKeyHex: hex.EncodeToString(pubKey),
	}
}

// Sign signs the provided message with the identity's private key
func (i *Identity) Sign(message []byte) []byte {
	return ed25519.Sign(i.privateKey, message)
}

// Verify verifies a signature against a message using the identity's public key
func (i *Identity) Verify(message, signature []byte) bool {
	return ed25519.Verify(i.publicKey, message, signature)
}

// PublicKey returns the raw public key
func (i *Identity) PublicKey() ed25519.PublicKey {
	return i.publicKey
}

// Wallet returns the hex-encoded public key, the node's wallet id.
func (i *Identity) Wallet() string {
	return i.publicKeyHex
}

// SignBlock seals b and signs its hash.
func (i *Identity) SignBlock(b *types.Block) {
	b.Proposer = i.publicKeyHex
	b.Seal()
	b.Signature = i.Sign([]byte(b.Hash))
}

// SignRecord signs the record's canonical bytes.
func (i *Identity) SignRecord(r *types.PeerRecord) {
	r.Signature = i.Sign(r.SigningBytes())
}

// WalletKey decodes a wallet id into an ed25519 public key. ok is false for
// wallets that are not hex public keys; such wallets carry no signatures.
func WalletKey(wallet string) (ed25519.PublicKey, bool) {
	if len(wallet) != 2*ed25519.PublicKeySize {
		return nil, false
	}
	raw, err := hex.DecodeString(wallet)
	if err != nil {
		return nil, false
	}
	return ed25519.PublicKey(raw), true
}

// VerifyWallet checks sig over message against wallet. Wallets that are not
// keys verify trivially.
func VerifyWallet(wallet string, message, sig []byte) error {
	pub, ok := WalletKey(wallet)
	if !ok {
		return nil
	}
	if !ed25519.Verify(pub, message, sig) {
		return ErrBadSignature
	}
	return nil
}

// VerifyBlock checks the proposer's signature over the block hash.
func VerifyBlock(b *types.Block) error {
	return VerifyWallet(b.Proposer, []byte(b.Hash), b.Signature)
}

// VerifyRecord checks the peer's signature over its record. Unsigned records
// from key wallets are rejected.
func VerifyRecord(r *types.PeerRecord) error {
	return VerifyWallet(r.Wallet, r.SigningBytes(), r.Signature)
}
