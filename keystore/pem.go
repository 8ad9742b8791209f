package keystore

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// LoadFiles reads the RSA key pair from PEM files. An empty path skips that half.
func LoadFiles(publicPath, privatePath string) (*HybridCipher, error) {
	var pub *rsa.PublicKey
	var priv *rsa.PrivateKey
	if publicPath != "" {
		raw, err := os.ReadFile(publicPath)
		if err != nil {
			return nil, fmt.Errorf("read public key: %w", err)
		}
		if pub, err = ParsePublicKey(raw); err != nil {
			return nil, err
		}
	}
	if privatePath != "" {
		raw, err := os.ReadFile(privatePath)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		if priv, err = ParsePrivateKey(raw); err != nil {
			return nil, err
		}
	}
	if pub == nil && priv == nil {
		return nil, errors.New("keystore: no RSA key configured")
	}
	return NewHybridCipher(pub, priv), nil
}

func ParsePublicKey(raw []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("keystore: public key is not PEM")
	}
	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("keystore: parse public key: %w", err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("keystore: public key is not RSA")
	}
	return key, nil
}

func ParsePrivateKey(raw []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("keystore: private key is not PEM")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("keystore: parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("keystore: private key is not RSA")
	}
	return key, nil
}
