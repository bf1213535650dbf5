package encrypter

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	e, err := New()
	require.NoError(t, err)

	cases := []struct {
		name string
		in   []byte
	}{
		{"empty", []byte{}},
		{"short", []byte("hi")},
		{"block aligned", []byte("0123456789abcdef")},
		{"long", []byte(strings.Repeat("session traffic ", 20))},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			enc, err := e.Encrypt(tc.in)
			require.NoError(t, err)
			assert.NotEqual(t, tc.in, enc)

			dec, err := e.Decrypt(enc)
			require.NoError(t, err)
			assert.Equal(t, tc.in, dec)
		})
	}
}

func TestDecrypt_RejectsNonBlockInput(t *testing.T) {
	e, err := New()
	require.NoError(t, err)

	_, err = e.Decrypt([]byte("not a block"))
	assert.Error(t, err)
}

func TestCommonKeyExchange(t *testing.T) {
	// Server-side encrypter holds the client's public key; the client holds
	// its own private key. The blob produced by one side must install the
	// same bulk key on the other.
	client, err := New()
	require.NoError(t, err)
	server, err := New()
	require.NoError(t, err)

	clientPub, err := client.PublicKey()
	require.NoError(t, err)
	require.NoError(t, server.SetPublicKey(clientPub))

	blob, err := server.CryptedCommonKey()
	require.NoError(t, err)
	require.NoError(t, client.SetCryptedCommonKey(blob))

	msg := []byte("post-handshake traffic")
	enc, err := server.Encrypt(msg)
	require.NoError(t, err)
	dec, err := client.Decrypt(enc)
	require.NoError(t, err)
	assert.Equal(t, msg, dec)
}

func TestSetCryptedCommonKey_ReplacesOldKey(t *testing.T) {
	a, err := New()
	require.NoError(t, err)

	enc, err := a.Encrypt([]byte("before rekey"))
	require.NoError(t, err)

	b, err := New()
	require.NoError(t, err)
	aPub, err := a.PublicKey()
	require.NoError(t, err)
	require.NoError(t, b.SetPublicKey(aPub))
	blob, err := b.CryptedCommonKey()
	require.NoError(t, err)
	require.NoError(t, a.SetCryptedCommonKey(blob))

	dec, err := a.Decrypt(enc)
	if err == nil {
		assert.NotEqual(t, []byte("before rekey"), dec)
	}
}

func TestCheckKeyPair(t *testing.T) {
	t.Run("matching pair", func(t *testing.T) {
		e, err := New()
		require.NoError(t, err)
		assert.True(t, e.CheckKeyPair())
	})

	t.Run("mismatched pair", func(t *testing.T) {
		e, err := New()
		require.NoError(t, err)
		other, err := New()
		require.NoError(t, err)

		otherPub, err := other.PublicKey()
		require.NoError(t, err)
		require.NoError(t, e.SetPublicKey(otherPub))
		assert.False(t, e.CheckKeyPair())
	})
}

func TestKeySerialization_RoundTrip(t *testing.T) {
	e, err := New()
	require.NoError(t, err)

	pub, err := e.PublicKey()
	require.NoError(t, err)
	priv, err := e.PrivateKey()
	require.NoError(t, err)

	restored, err := New()
	require.NoError(t, err)
	require.NoError(t, restored.SetKeyPair(pub, priv))
	assert.True(t, restored.CheckKeyPair())

	restoredPub, err := restored.PublicKey()
	require.NoError(t, err)
	assert.Equal(t, pub, restoredPub)
}

func TestPublicKeyFingerprint_Stable(t *testing.T) {
	e, err := New()
	require.NoError(t, err)

	f1, err := e.PublicKeyFingerprint()
	require.NoError(t, err)
	f2, err := e.PublicKeyFingerprint()
	require.NoError(t, err)

	assert.Len(t, f1, 64)
	assert.Equal(t, f1, f2)
}

func TestHash(t *testing.T) {
	assert.Len(t, Hash([]byte("x")), 64)
	assert.Equal(t, Hash([]byte("x")), Hash([]byte("x")))
	assert.NotEqual(t, Hash([]byte("x")), Hash([]byte("y")))
}

func TestTrip(t *testing.T) {
	t.Run("fixed length and printable", func(t *testing.T) {
		trip := Trip("my passphrase")
		assert.Len(t, trip, TripLength)
		for _, c := range trip {
			assert.Contains(t, string(tripChars), string(c))
		}
	})

	t.Run("deterministic", func(t *testing.T) {
		assert.Equal(t, Trip("a"), Trip("a"))
	})

	t.Run("distinct passphrases diverge", func(t *testing.T) {
		assert.NotEqual(t, Trip("a"), Trip("b"))
	})

	t.Run("not derived from the fingerprint hash", func(t *testing.T) {
		// Trip and Hash must use different keys; a shared key would let a
		// trip token double as a key fingerprint.
		digest := Hash([]byte("a"))
		trip := Trip("a")
		mapped := make([]byte, TripLength)
		for i, c := range digest[:TripLength] {
			mapped[i] = tripChars[int(c)%len(tripChars)]
		}
		assert.NotEqual(t, string(mapped), trip)
	})
}

func TestTripAlphabetSize(t *testing.T) {
	assert.Len(t, tripChars, 81)
}
