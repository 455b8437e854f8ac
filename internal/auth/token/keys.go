package token

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// LoadKeyPair parses a PEM-encoded PKCS#1 or PKCS#8 RSA private key and
// pairs it with kid, for use as a Manager signing/verification key.
func LoadKeyPair(kid, pemData string) (KeyPair, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return KeyPair{}, fmt.Errorf("token: no PEM block found in key data")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return KeyPair{KID: kid, PrivateKey: key}, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return KeyPair{}, fmt.Errorf("token: parsing private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return KeyPair{}, fmt.Errorf("token: key is not RSA")
	}
	return KeyPair{KID: kid, PrivateKey: key}, nil
}

// GenerateDevKeyPair creates a throwaway RSA key pair for local development
// when no JWT_PRIVATE_KEY_PEM is configured. Never used when a real key is
// supplied.
func GenerateDevKeyPair(kid string) (KeyPair, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return KeyPair{}, fmt.Errorf("token: generating dev key: %w", err)
	}
	return KeyPair{KID: kid, PrivateKey: key}, nil
}
