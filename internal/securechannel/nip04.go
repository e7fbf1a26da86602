// Package securechannel encrypts job payloads between two key holders
// (NIP-04: ECDH shared x coordinate as an AES-256-CBC key).
package securechannel

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"

	"jobvend/internal/event"
)

var ErrMalformedCiphertext = errors.New("securechannel: malformed ciphertext")

type NIP04 struct{}

func New() NIP04 { return NIP04{} }

func (NIP04) Encrypt(our *event.Keys, theirPubKey, plaintext string) (string, error) {
	key, err := sharedKey(our, theirPubKey)
	if err != nil {
		return "", err
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	padded := pad([]byte(plaintext), aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return base64.StdEncoding.EncodeToString(out) + "?iv=" + base64.StdEncoding.EncodeToString(iv), nil
}

func (NIP04) Decrypt(our *event.Keys, theirPubKey, ciphertext string) (string, error) {
	body, ivPart, ok := strings.Cut(strings.TrimSpace(ciphertext), "?iv=")
	if !ok {
		return "", ErrMalformedCiphertext
	}
	raw, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedCiphertext, err)
	}
	iv, err := base64.StdEncoding.DecodeString(ivPart)
	if err != nil || len(iv) != aes.BlockSize {
		return "", ErrMalformedCiphertext
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return "", ErrMalformedCiphertext
	}
	key, err := sharedKey(our, theirPubKey)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	out := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, raw)
	plain, err := unpad(out, aes.BlockSize)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func sharedKey(our *event.Keys, theirPubKey string) ([]byte, error) {
	if our == nil || our.PrivateKey() == nil {
		return nil, event.ErrInvalidKey
	}
	pub, err := event.ParsePublicKey(theirPubKey)
	if err != nil {
		return nil, err
	}
	return btcec.GenerateSharedSecret(our.PrivateKey(), pub), nil
}

func pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 {
		return nil, ErrMalformedCiphertext
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, ErrMalformedCiphertext
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, ErrMalformedCiphertext
		}
	}
	return b[:len(b)-n], nil
}
