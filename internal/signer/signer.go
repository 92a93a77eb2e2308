// Package signer holds the RSA private key used to sign uplinked SBD
// messages as compact RS256 JWS tokens.
package signer

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultKeyBits is the modulus size for auto-generated keys.
const DefaultKeyBits = 4096

const passphraseAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
const passphraseLength = 8

// Details carries a generated key pair upward, PEM-encoded. The private key
// is in its passphrase-encrypted form.
type Details struct {
	PublicKey  string
	PrivateKey string
	Passphrase string
}

// Signer signs JWT claims with a fixed RSA private key. The key is loaded or
// generated at construction and never mutated afterwards.
type Signer struct {
	key       *rsa.PrivateKey
	generated *Details
}

// Load reads a PEM-encoded RSA private key from path. passphrase decrypts
// the key if the PEM block is encrypted; it is ignored otherwise.
func Load(path, passphrase string) (*Signer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signer key: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in signer key %s", path)
	}

	der := block.Bytes
	if x509.IsEncryptedPEMBlock(block) { //nolint:staticcheck // traditional OpenSSL key format
		der, err = x509.DecryptPEMBlock(block, []byte(passphrase)) //nolint:staticcheck
		if err != nil {
			return nil, fmt.Errorf("decrypt signer key: %w", err)
		}
	}

	key, err := parsePrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse signer key: %w", err)
	}

	return &Signer{key: key}, nil
}

// Generate creates a new RSA key pair of the given modulus size (0 selects
// DefaultKeyBits) protected by a random 8-character alphanumeric passphrase.
// The encrypted pair is retained for publication via Generated.
func Generate(bits int) (*Signer, error) {
	if bits == 0 {
		bits = DefaultKeyBits
	}

	passphrase, err := randomPassphrase()
	if err != nil {
		return nil, fmt.Errorf("generate passphrase: %w", err)
	}

	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generate signer key: %w", err)
	}

	encBlock, err := x509.EncryptPEMBlock( //nolint:staticcheck // traditional OpenSSL key format
		rand.Reader, "RSA PRIVATE KEY",
		x509.MarshalPKCS1PrivateKey(key),
		[]byte(passphrase), x509.PEMCipherAES256)
	if err != nil {
		return nil, fmt.Errorf("encrypt signer key: %w", err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("encode public key: %w", err)
	}

	return &Signer{
		key: key,
		generated: &Details{
			PublicKey:  string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})),
			PrivateKey: string(pem.EncodeToMemory(encBlock)),
			Passphrase: passphrase,
		},
	}, nil
}

// Generated returns the encrypted key pair when the key was auto-generated,
// nil when it was loaded from disk.
func (s *Signer) Generated() *Details {
	return s.generated
}

// PublicKey returns the public half of the signing key.
func (s *Signer) PublicKey() *rsa.PublicKey {
	return &s.key.PublicKey
}

// Sign produces a compact RS256 JWS over the claims.
func (s *Signer) Sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign claims: %w", err)
	}
	return signed, nil
}

func parsePrivateKey(der []byte) (*rsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signer key is %T, want RSA", parsed)
	}
	return key, nil
}

func randomPassphrase() (string, error) {
	buf := make([]byte, passphraseLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, passphraseLength)
	for i, b := range buf {
		out[i] = passphraseAlphabet[int(b)%len(passphraseAlphabet)]
	}
	return string(out), nil
}
