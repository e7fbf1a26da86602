package securechannel

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobvend/internal/event"
)

func TestEncryptDecryptBetweenPeers(t *testing.T) {
	alice, err := event.GenerateKeys()
	require.NoError(t, err)
	bob, err := event.GenerateKeys()
	require.NoError(t, err)

	ch := New()
	ct, err := ch.Encrypt(alice, bob.PublicKey(), `[["i","hello","text"]]`)
	require.NoError(t, err)
	assert.Contains(t, ct, "?iv=")

	pt, err := ch.Decrypt(bob, alice.PublicKey(), ct)
	require.NoError(t, err)
	assert.Equal(t, `[["i","hello","text"]]`, pt)
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	alice, _ := event.GenerateKeys()
	bob, _ := event.GenerateKeys()
	eve, _ := event.GenerateKeys()

	ch := New()
	ct, err := ch.Encrypt(alice, bob.PublicKey(), strings.Repeat("secret ", 10))
	require.NoError(t, err)

	pt, err := ch.Decrypt(eve, alice.PublicKey(), ct)
	if err == nil {
		assert.NotEqual(t, strings.Repeat("secret ", 10), pt)
	}
}

func TestDecryptRejectsMalformedInput(t *testing.T) {
	k, _ := event.GenerateKeys()
	_, err := New().Decrypt(k, k.PublicKey(), "no-iv-here")
	assert.ErrorIs(t, err, ErrMalformedCiphertext)

	_, err = New().Decrypt(k, k.PublicKey(), "AAAA?iv=short")
	assert.ErrorIs(t, err, ErrMalformedCiphertext)
}
