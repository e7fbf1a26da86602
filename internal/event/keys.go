package event

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

var ErrInvalidKey = errors.New("event: invalid private key")

// Keys is a service identity: a secp256k1 private key and its x-only public key.
type Keys struct {
	priv *btcec.PrivateKey
	pub  string
}

func GenerateKeys() (*Keys, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	return newKeys(priv), nil
}

// KeysFromHex parses a 32-byte hex-encoded private key.
func KeysFromHex(s string) (*Keys, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil || len(raw) != 32 {
		return nil, ErrInvalidKey
	}
	priv, _ := btcec.PrivKeyFromBytes(raw)
	return newKeys(priv), nil
}

func newKeys(priv *btcec.PrivateKey) *Keys {
	return &Keys{
		priv: priv,
		pub:  hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey())),
	}
}

func (k *Keys) PublicKey() string { return k.pub }

func (k *Keys) PrivateKey() *btcec.PrivateKey { return k.priv }

// Sign stamps the event with this identity, recomputes its id and signs it.
func (k *Keys) Sign(e *Event) error {
	if k == nil || k.priv == nil {
		return ErrInvalidKey
	}
	e.PubKey = k.pub
	if e.Tags == nil {
		e.Tags = Tags{}
	}
	sum := sha256.Sum256(e.Serialize())
	sig, err := schnorr.Sign(k.priv, sum[:])
	if err != nil {
		return fmt.Errorf("sign event: %w", err)
	}
	e.ID = hex.EncodeToString(sum[:])
	e.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// CheckSignature verifies both the id and the schnorr signature.
func (e *Event) CheckSignature() (bool, error) {
	if !e.CheckID() {
		return false, nil
	}
	pk, err := hex.DecodeString(e.PubKey)
	if err != nil {
		return false, fmt.Errorf("pubkey is not hex: %w", err)
	}
	pub, err := schnorr.ParsePubKey(pk)
	if err != nil {
		return false, fmt.Errorf("parse pubkey: %w", err)
	}
	rawSig, err := hex.DecodeString(e.Sig)
	if err != nil {
		return false, fmt.Errorf("signature is not hex: %w", err)
	}
	sig, err := schnorr.ParseSignature(rawSig)
	if err != nil {
		return false, fmt.Errorf("parse signature: %w", err)
	}
	id, _ := hex.DecodeString(e.ID)
	return sig.Verify(id, pub), nil
}

// ParsePublicKey decodes an x-only hex public key into a full point.
func ParsePublicKey(s string) (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("event: invalid public key %q", s)
	}
	return btcec.ParsePubKey(append([]byte{0x02}, raw...))
}
