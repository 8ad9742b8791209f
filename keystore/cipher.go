// Package keystore protects custodial private keys. Each key is encrypted with a random
// AES-256 key; that symmetric key is encrypted with the platform RSA key. The AES IV is
// derived from the owner id and a per-wallet salt, so a payload only opens for its owner.
package keystore

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

const (
	saltSize = 16
	keySize  = 32

	scryptN = 16384
	scryptR = 8
	scryptP = 1
)

var ErrDecrypt = errors.New("keystore: decryption failed")

// Sealed is the persisted form of one encrypted secret.
type Sealed struct {
	EncryptedPrivateKey   string // hex AES-256-CBC ciphertext
	EncryptedSymmetricKey string // base64 RSA-OAEP ciphertext of the hex AES key
	Salt                  string // hex
}

type HybridCipher struct {
	pub  *rsa.PublicKey
	priv *rsa.PrivateKey
}

// NewHybridCipher needs pub to seal and priv to open; either may be nil for one-way use.
func NewHybridCipher(pub *rsa.PublicKey, priv *rsa.PrivateKey) *HybridCipher {
	if pub == nil && priv != nil {
		pub = &priv.PublicKey
	}
	return &HybridCipher{pub: pub, priv: priv}
}

func deriveIV(ownerID, salt string) ([]byte, error) {
	return scrypt.Key([]byte(ownerID), []byte(salt), scryptN, scryptR, scryptP, aes.BlockSize)
}

func (c *HybridCipher) Seal(ownerID string, secret []byte) (Sealed, error) {
	if c.pub == nil {
		return Sealed{}, errors.New("keystore: no public key configured")
	}
	saltBytes := make([]byte, saltSize)
	if _, err := rand.Read(saltBytes); err != nil {
		return Sealed{}, fmt.Errorf("keystore: salt: %w", err)
	}
	salt := hex.EncodeToString(saltBytes)

	symmetric := make([]byte, keySize)
	if _, err := rand.Read(symmetric); err != nil {
		return Sealed{}, fmt.Errorf("keystore: symmetric key: %w", err)
	}
	symmetricHex := []byte(hex.EncodeToString(symmetric))

	iv, err := deriveIV(ownerID, salt)
	if err != nil {
		return Sealed{}, fmt.Errorf("keystore: derive iv: %w", err)
	}
	block, err := aes.NewCipher(symmetric)
	if err != nil {
		return Sealed{}, err
	}
	plain := pkcs7Pad(secret, aes.BlockSize)
	out := make([]byte, len(plain))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, plain)

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, c.pub, symmetricHex, nil)
	if err != nil {
		return Sealed{}, fmt.Errorf("keystore: wrap key: %w", err)
	}
	return Sealed{
		EncryptedPrivateKey:   hex.EncodeToString(out),
		EncryptedSymmetricKey: base64.StdEncoding.EncodeToString(wrapped),
		Salt:                  salt,
	}, nil
}

func (c *HybridCipher) Open(ownerID string, s Sealed) ([]byte, error) {
	if c.priv == nil {
		return nil, errors.New("keystore: no private key configured")
	}
	wrapped, err := base64.StdEncoding.DecodeString(s.EncryptedSymmetricKey)
	if err != nil {
		return nil, fmt.Errorf("%w: symmetric key encoding", ErrDecrypt)
	}
	symmetricHex, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, c.priv, wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: unwrap key", ErrDecrypt)
	}
	symmetric, err := hex.DecodeString(string(symmetricHex))
	if err != nil || len(symmetric) != keySize {
		return nil, fmt.Errorf("%w: symmetric key", ErrDecrypt)
	}
	ciphertext, err := hex.DecodeString(s.EncryptedPrivateKey)
	if err != nil || len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: payload encoding", ErrDecrypt)
	}
	iv, err := deriveIV(ownerID, s.Salt)
	if err != nil {
		return nil, fmt.Errorf("keystore: derive iv: %w", err)
	}
	block, err := aes.NewCipher(symmetric)
	if err != nil {
		return nil, err
	}
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)
	return pkcs7Unpad(plain, aes.BlockSize)
}

func pkcs7Pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(append([]byte{}, b...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 || len(b)%size != 0 {
		return nil, fmt.Errorf("%w: padding", ErrDecrypt)
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size {
		return nil, fmt.Errorf("%w: padding", ErrDecrypt)
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, fmt.Errorf("%w: padding", ErrDecrypt)
		}
	}
	return b[:len(b)-n], nil
}
