package keystore

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// SealedSource returns the sealed key material of one owner.
type SealedSource interface {
	SealedKey(ctx context.Context, ownerID string) (Sealed, error)
}

// Store decrypts custodial signing keys on demand.
type Store struct {
	cipher *HybridCipher
	source SealedSource
}

func NewStore(c *HybridCipher, source SealedSource) *Store {
	return &Store{cipher: c, source: source}
}

// SealKey encrypts key for ownerID. The plaintext is the hex encoding of the scalar.
func (s *Store) SealKey(ownerID string, key *ecdsa.PrivateKey) (Sealed, error) {
	plain := []byte(hex.EncodeToString(crypto.FromECDSA(key)))
	defer zero(plain)
	return s.cipher.Seal(ownerID, plain)
}

func (s *Store) Decrypt(ctx context.Context, ownerID string) (*ecdsa.PrivateKey, error) {
	sealed, err := s.source.SealedKey(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	plain, err := s.cipher.Open(ownerID, sealed)
	if err != nil {
		return nil, err
	}
	defer zero(plain)

	raw, err := hex.DecodeString(string(plain))
	if err != nil {
		return nil, fmt.Errorf("%w: key encoding", ErrDecrypt)
	}
	defer zero(raw)
	key, err := crypto.ToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return key, nil
}

// WithKey decrypts the owner's key, passes it to fn and clears it afterwards.
func (s *Store) WithKey(ctx context.Context, ownerID string, fn func(*ecdsa.PrivateKey) error) error {
	key, err := s.Decrypt(ctx, ownerID)
	if err != nil {
		return err
	}
	defer key.D.SetInt64(0)
	return fn(key)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
