// Package signature manages the server's long-lived RSA key pair. The pair is
// loaded from a PEM file pair on startup, or generated and persisted on first
// run, and signs the server's half of the key exchange so clients can verify
// server identity.
package signature

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/cyberinferno/mmoserver/encrypter"
)

const (
	privatePEMType = "PRIVATE KEY"
	publicPEMType  = "PUBLIC KEY"

	// PublicKeySuffix is appended to the private key path to name the public
	// key file.
	PublicKeySuffix = ".pub"
)

// Signature is a process-wide RSA key pair used to sign and verify the HMAC
// fingerprint of arbitrary input. Signing the fingerprint instead of the raw
// input bounds the signed message size. A Signature loaded from only a
// public key file can verify but not sign.
type Signature struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
}

// Load reads the key pair from path and path+PublicKeySuffix, generating and
// persisting a fresh pair when the private key file does not exist.
//
// Parameters:
//   - path: The private key file path; the public key lives next to it
//
// Returns:
//   - The Signature, or an error if the files are unreadable or malformed
func Load(path string) (*Signature, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return generate(path)
	}

	privDER, err := readPEM(path, privatePEMType)
	if err != nil {
		return nil, err
	}

	key, err := x509.ParsePKCS8PrivateKey(privDER)
	if err != nil {
		return nil, fmt.Errorf("signature: parse %s: %w", path, err)
	}

	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signature: %s holds %T, want RSA", path, key)
	}

	return &Signature{privateKey: priv, publicKey: &priv.PublicKey}, nil
}

// FromPublicKey builds a verify-only Signature from PKIX DER bytes, the form
// a client receives out of band to pin a server identity.
//
// Parameters:
//   - der: PKIX DER bytes of the server's public key
//
// Returns:
//   - The Signature, or an error if der does not parse to an RSA public key
func FromPublicKey(der []byte) (*Signature, error) {
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("signature: parse public key: %w", err)
	}

	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("signature: public key is %T, want RSA", key)
	}

	return &Signature{publicKey: pub}, nil
}

// Sign signs the HMAC fingerprint of in with the private key using RSA-PSS.
//
// Parameters:
//   - in: Arbitrary input bytes
//
// Returns:
//   - The signature, or an error if no private key is held
func (s *Signature) Sign(in []byte) ([]byte, error) {
	if s.privateKey == nil {
		return nil, fmt.Errorf("signature: no private key")
	}

	digest := encrypter.Hash(in)
	sig, err := rsa.SignPSS(rand.Reader, s.privateKey, crypto.SHA512, digest, nil)
	if err != nil {
		return nil, fmt.Errorf("signature: sign: %w", err)
	}

	return sig, nil
}

// Verify reports whether sig is a valid signature over the HMAC fingerprint
// of in under the held public key.
//
// Parameters:
//   - in: The input bytes the signature claims to cover
//   - sig: The signature to check
//
// Returns:
//   - nil on a valid signature, an error otherwise
func (s *Signature) Verify(in, sig []byte) error {
	if s.publicKey == nil {
		return fmt.Errorf("signature: no public key")
	}

	digest := encrypter.Hash(in)
	if err := rsa.VerifyPSS(s.publicKey, crypto.SHA512, digest, sig, nil); err != nil {
		return fmt.Errorf("signature: verify: %w", err)
	}

	return nil
}

// PublicKey returns the public key as PKIX DER bytes.
func (s *Signature) PublicKey() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(s.publicKey)
	if err != nil {
		return nil, fmt.Errorf("signature: marshal public key: %w", err)
	}

	return der, nil
}

func generate(path string) (*Signature, error) {
	priv, err := rsa.GenerateKey(rand.Reader, encrypter.RSAKeyBits)
	if err != nil {
		return nil, fmt.Errorf("signature: generating key pair: %w", err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("signature: marshal private key: %w", err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("signature: marshal public key: %w", err)
	}

	if err := writePEM(path, privatePEMType, privDER, 0o600); err != nil {
		return nil, err
	}
	if err := writePEM(path+PublicKeySuffix, publicPEMType, pubDER, 0o644); err != nil {
		return nil, err
	}

	return &Signature{privateKey: priv, publicKey: &priv.PublicKey}, nil
}

func readPEM(path, pemType string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("signature: read %s: %w", path, err)
	}

	block, _ := pem.Decode(raw)
	if block == nil || block.Type != pemType {
		return nil, fmt.Errorf("signature: %s does not hold a %s block", path, pemType)
	}

	return block.Bytes, nil
}

func writePEM(path, pemType string, der []byte, mode os.FileMode) error {
	data := pem.EncodeToMemory(&pem.Block{Type: pemType, Bytes: der})
	if err := os.WriteFile(path, data, mode); err != nil {
		return fmt.Errorf("signature: write %s: %w", path, err)
	}

	return nil
}
