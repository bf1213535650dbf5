// Package encrypter holds the per-session cryptographic state: an ephemeral
// RSA key pair for the key exchange, the negotiated AES key/IV pair for bulk
// traffic, and the keyed hashes used for public-key fingerprints and trip
// tokens.
package encrypter

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha512"
	"crypto/x509"
	"fmt"
)

const (
	// CommonKeyLength is the AES key size negotiated during the handshake.
	CommonKeyLength = 16

	// CommonIVLength is the AES block size; the IV travels with the key.
	CommonIVLength = aes.BlockSize

	// RSAKeyBits is the modulus size of session and server key pairs.
	RSAKeyBits = 3072

	// TripLength is the number of characters in a trip token.
	TripLength = 20
)

// fingerprintKey keys the HMAC used for public-key fingerprints. It is a
// fixed protocol constant, not a secret: the hash only has to be stable and
// collision resistant across all participants.
var fingerprintKey = []byte("mmoserver.fingerprint.v1")

// tripKey keys the HMAC used for trip derivation. It must differ from
// fingerprintKey so a trip can never double as a key fingerprint.
var tripKey = []byte("mmoserver.trip.v1")

// tripChars is the 81-character alphabet trip hash bytes are mapped onto.
var tripChars = []byte(
	"abcdefghijklmnopqrstuvwxyz" +
		"ABCDEFGHIJKLMNOPQRSTUVWXYZ" +
		"0123456789" +
		".:;@#$%&_()=*{}~+-!")

// Encrypter is one session's cryptographic state. A fresh AES key and IV are
// generated at construction together with an RSA key pair; the AES material
// is replaced atomically when the peer supplies an encrypted key blob via
// SetCryptedCommonKey. Encrypter is not safe for concurrent use; a session
// serializes access through its own pipeline.
type Encrypter struct {
	commonKey []byte
	commonIV  []byte

	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
}

// New creates an Encrypter with a fresh random AES key/IV pair and a fresh
// RSA key pair.
//
// Returns:
//   - The new Encrypter, or an error if key generation fails
func New() (*Encrypter, error) {
	key := make([]byte, CommonKeyLength)
	iv := make([]byte, CommonIVLength)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("encrypter: generating common key: %w", err)
	}
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("encrypter: generating common iv: %w", err)
	}

	priv, err := rsa.GenerateKey(rand.Reader, RSAKeyBits)
	if err != nil {
		return nil, fmt.Errorf("encrypter: generating rsa key pair: %w", err)
	}

	return &Encrypter{
		commonKey:  key,
		commonIV:   iv,
		privateKey: priv,
		publicKey:  &priv.PublicKey,
	}, nil
}

// Encrypt encrypts in with the current common key and IV using AES-CBC with
// PKCS#7 padding. The cipher is re-initialized on every call, so encryption
// is stateless across calls.
//
// Parameters:
//   - in: The plaintext
//
// Returns:
//   - The ciphertext, or an error if the cipher cannot be constructed
func (e *Encrypter) Encrypt(in []byte) ([]byte, error) {
	block, err := aes.NewCipher(e.commonKey)
	if err != nil {
		return nil, fmt.Errorf("encrypter: %w", err)
	}

	padded := pkcs7Pad(in, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, e.commonIV).CryptBlocks(out, padded)
	return out, nil
}

// Decrypt reverses Encrypt with the current common key and IV.
//
// Parameters:
//   - in: The ciphertext
//
// Returns:
//   - The plaintext, or an error on a malformed ciphertext or padding
func (e *Encrypter) Decrypt(in []byte) ([]byte, error) {
	block, err := aes.NewCipher(e.commonKey)
	if err != nil {
		return nil, fmt.Errorf("encrypter: %w", err)
	}

	if len(in) == 0 || len(in)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("encrypter: ciphertext length %d is not a block multiple", len(in))
	}

	out := make([]byte, len(in))
	cipher.NewCBCDecrypter(block, e.commonIV).CryptBlocks(out, in)
	return pkcs7Unpad(out, aes.BlockSize)
}

// PublicEncrypt encrypts in under the peer's RSA public key with OAEP
// padding. Only the small key-exchange payload travels this way.
//
// Parameters:
//   - in: The plaintext (at most the OAEP limit for the key size)
//
// Returns:
//   - The ciphertext, or an error if no public key is set or in is too large
func (e *Encrypter) PublicEncrypt(in []byte) ([]byte, error) {
	if e.publicKey == nil {
		return nil, fmt.Errorf("encrypter: no public key")
	}

	out, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, e.publicKey, in, nil)
	if err != nil {
		return nil, fmt.Errorf("encrypter: rsa encrypt: %w", err)
	}

	return out, nil
}

// PublicDecrypt reverses PublicEncrypt with the held private key.
//
// Parameters:
//   - in: The ciphertext
//
// Returns:
//   - The plaintext, or an error if no private key is set or in is invalid
func (e *Encrypter) PublicDecrypt(in []byte) ([]byte, error) {
	if e.privateKey == nil {
		return nil, fmt.Errorf("encrypter: no private key")
	}

	out, err := rsa.DecryptOAEP(sha1.New(), rand.Reader, e.privateKey, in, nil)
	if err != nil {
		return nil, fmt.Errorf("encrypter: rsa decrypt: %w", err)
	}

	return out, nil
}

// PublicKey returns the held public key serialized as PKIX DER bytes, the
// form that travels in ServerReceivePublicKey and is fingerprinted.
//
// Returns:
//   - The DER bytes, or an error if no public key is set
func (e *Encrypter) PublicKey() ([]byte, error) {
	if e.publicKey == nil {
		return nil, fmt.Errorf("encrypter: no public key")
	}

	der, err := x509.MarshalPKIXPublicKey(e.publicKey)
	if err != nil {
		return nil, fmt.Errorf("encrypter: marshal public key: %w", err)
	}

	return der, nil
}

// SetPublicKey replaces the held public key with one parsed from PKIX DER
// bytes, typically a peer's key loaded into what was generated as a full
// pair. An empty input is ignored.
//
// Parameters:
//   - der: PKIX DER bytes of an RSA public key
//
// Returns:
//   - An error if der does not parse to an RSA public key
func (e *Encrypter) SetPublicKey(der []byte) error {
	if len(der) == 0 {
		return nil
	}

	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return fmt.Errorf("encrypter: parse public key: %w", err)
	}

	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("encrypter: public key is %T, want RSA", key)
	}

	e.publicKey = pub
	return nil
}

// PrivateKey returns the held private key serialized as PKCS#8 DER bytes.
//
// Returns:
//   - The DER bytes, or an error if no private key is set
func (e *Encrypter) PrivateKey() ([]byte, error) {
	if e.privateKey == nil {
		return nil, fmt.Errorf("encrypter: no private key")
	}

	der, err := x509.MarshalPKCS8PrivateKey(e.privateKey)
	if err != nil {
		return nil, fmt.Errorf("encrypter: marshal private key: %w", err)
	}

	return der, nil
}

// SetPrivateKey replaces the held private key with one parsed from PKCS#8
// DER bytes. An empty input is ignored.
//
// Parameters:
//   - der: PKCS#8 DER bytes of an RSA private key
//
// Returns:
//   - An error if der does not parse to an RSA private key
func (e *Encrypter) SetPrivateKey(der []byte) error {
	if len(der) == 0 {
		return nil
	}

	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return fmt.Errorf("encrypter: parse private key: %w", err)
	}

	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return fmt.Errorf("encrypter: private key is %T, want RSA", key)
	}

	e.privateKey = priv
	return nil
}

// SetKeyPair loads both halves of a key pair. Empty inputs are ignored
// individually, matching SetPublicKey and SetPrivateKey.
func (e *Encrypter) SetKeyPair(pub, priv []byte) error {
	if err := e.SetPublicKey(pub); err != nil {
		return err
	}

	return e.SetPrivateKey(priv)
}

// CryptedCommonKey returns the current common key and IV, concatenated and
// encrypted under the held public key. This is the server's half of the key
// exchange.
//
// Returns:
//   - The encrypted key blob, or an error from PublicEncrypt
func (e *Encrypter) CryptedCommonKey() ([]byte, error) {
	return e.PublicEncrypt(append(append([]byte{}, e.commonKey...), e.commonIV...))
}

// SetCryptedCommonKey decrypts a key blob produced by CryptedCommonKey with
// the held private key and atomically replaces the common key and IV.
//
// Parameters:
//   - in: The encrypted key blob
//
// Returns:
//   - An error if decryption fails or the blob is too short
func (e *Encrypter) SetCryptedCommonKey(in []byte) error {
	plain, err := e.PublicDecrypt(in)
	if err != nil {
		return err
	}

	if len(plain) < CommonKeyLength+CommonIVLength {
		return fmt.Errorf("encrypter: common key blob is %d bytes, want %d", len(plain), CommonKeyLength+CommonIVLength)
	}

	e.commonKey = plain[:CommonKeyLength]
	e.commonIV = plain[CommonKeyLength : CommonKeyLength+CommonIVLength]
	return nil
}

// PublicKeyFingerprint returns the keyed hash of the held public key's DER
// serialization. Clients send this instead of the full key once registered.
//
// Returns:
//   - The 64-byte fingerprint, or an error if no public key is set
func (e *Encrypter) PublicKeyFingerprint() ([]byte, error) {
	der, err := e.PublicKey()
	if err != nil {
		return nil, err
	}

	return Hash(der), nil
}

// CheckKeyPair reports whether the held public and private keys match by
// round-tripping a known plaintext through PublicEncrypt and PublicDecrypt.
func (e *Encrypter) CheckKeyPair() bool {
	const probe = "test"
	enc, err := e.PublicEncrypt([]byte(probe))
	if err != nil {
		return false
	}

	dec, err := e.PublicDecrypt(enc)
	if err != nil {
		return false
	}

	return string(dec) == probe
}

// Hash returns the HMAC-SHA-512 of in under the protocol's fingerprint key.
// It is used wherever a stable public digest of arbitrary input is needed,
// most notably public-key fingerprints and signature pre-hashing.
//
// Parameters:
//   - in: Arbitrary input bytes
//
// Returns:
//   - The 64-byte keyed hash
func Hash(in []byte) []byte {
	mac := hmac.New(sha512.New, fingerprintKey)
	mac.Write(in)
	return mac.Sum(nil)
}

// Trip derives a printable pseudonym token from a user passphrase. The
// passphrase is hashed under a key distinct from the fingerprint key and the
// first TripLength hash bytes are mapped modulo the trip alphabet. The
// result is one-way and displayed publicly in place of an identity; it is
// not a security credential.
//
// Parameters:
//   - passphrase: The user-supplied trip passphrase
//
// Returns:
//   - The TripLength-character token
func Trip(passphrase string) string {
	mac := hmac.New(sha512.New, tripKey)
	mac.Write([]byte(passphrase))
	digest := mac.Sum(nil)

	out := make([]byte, TripLength)
	for i, c := range digest[:TripLength] {
		out[i] = tripChars[int(c)%len(tripChars)]
	}

	return string(out)
}

func pkcs7Pad(in []byte, blockSize int) []byte {
	pad := blockSize - len(in)%blockSize
	out := make([]byte, len(in)+pad)
	copy(out, in)
	for i := len(in); i < len(out); i++ {
		out[i] = byte(pad)
	}
	return out
}

func pkcs7Unpad(in []byte, blockSize int) ([]byte, error) {
	if len(in) == 0 || len(in)%blockSize != 0 {
		return nil, fmt.Errorf("encrypter: bad padded length %d", len(in))
	}

	pad := int(in[len(in)-1])
	if pad == 0 || pad > blockSize {
		return nil, fmt.Errorf("encrypter: bad padding byte %d", pad)
	}

	for _, c := range in[len(in)-pad:] {
		if int(c) != pad {
			return nil, fmt.Errorf("encrypter: inconsistent padding")
		}
	}

	return in[:len(in)-pad], nil
}
