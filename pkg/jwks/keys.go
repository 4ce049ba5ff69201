package jwks

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"

	jose "github.com/go-jose/go-jose/v4"
)

const (
	AlgES256 = "ES256"
	AlgRS256 = "RS256"

	UseSignature = "sig"

	rsaKeyBits = 2048
)

var (
	ErrUnsupportedAlgorithm = errors.New("unsupported signing algorithm")
	ErrInvalidPEM           = errors.New("invalid PEM block")
)

// KeyPair is freshly generated signing material. PrivatePKCS8 is plaintext
// and must be sealed before it is stored.
type KeyPair struct {
	KeyID        string
	Algorithm    string
	KeyType      string
	Private      crypto.Signer
	PublicPEM    []byte
	PrivatePKCS8 []byte
}

// GenerateKeyPair creates a key for alg. The kid is the RFC 7638 thumbprint
// of the public key.
func GenerateKeyPair(alg string) (*KeyPair, error) {
	var (
		private crypto.Signer
		keyType string
		err     error
	)

	switch alg {
	case AlgES256:
		private, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		keyType = "EC"
	case AlgRS256:
		private, err = rsa.GenerateKey(rand.Reader, rsaKeyBits)
		keyType = "RSA"
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, alg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to generate %s key: %w", alg, err)
	}

	kid, err := Thumbprint(private.Public())
	if err != nil {
		return nil, err
	}

	publicPEM, err := EncodePublicKeyPEM(private.Public())
	if err != nil {
		return nil, err
	}

	pkcs8, err := x509.MarshalPKCS8PrivateKey(private)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}

	return &KeyPair{
		KeyID:        kid,
		Algorithm:    alg,
		KeyType:      keyType,
		Private:      private,
		PublicPEM:    publicPEM,
		PrivatePKCS8: pkcs8,
	}, nil
}

// Thumbprint returns the base64url SHA-256 JWK thumbprint of pub.
func Thumbprint(pub crypto.PublicKey) (string, error) {
	jwk := jose.JSONWebKey{Key: pub}
	sum, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("failed to compute key thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(sum), nil
}

func EncodePublicKeyPEM(pub crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

func ParsePublicKeyPEM(data []byte) (crypto.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, ErrInvalidPEM
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return pub, nil
}

func ParsePrivateKey(pkcs8 []byte) (crypto.Signer, error) {
	key, err := x509.ParsePKCS8PrivateKey(pkcs8)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedAlgorithm, key)
	}
	return signer, nil
}

// PublicJWK describes a verification key for publication.
func PublicJWK(pub crypto.PublicKey, kid, alg string) jose.JSONWebKey {
	return jose.JSONWebKey{
		Key:       pub,
		KeyID:     kid,
		Algorithm: alg,
		Use:       UseSignature,
	}
}
