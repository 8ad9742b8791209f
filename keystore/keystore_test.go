package keystore

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	rsaOnce sync.Once
	rsaKey  *rsa.PrivateKey
)

func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	rsaOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		rsaKey = k
	})
	return rsaKey
}

func TestSealOpenRoundTrip(t *testing.T) {
	c := NewHybridCipher(nil, testKey(t))
	secret := []byte("4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")

	sealed, err := c.Seal("user-1", secret)
	require.NoError(t, err)
	assert.Len(t, sealed.Salt, 32)
	assert.NotContains(t, sealed.EncryptedPrivateKey, string(secret))

	got, err := c.Open("user-1", sealed)
	require.NoError(t, err)
	assert.Equal(t, secret, got)
}

func TestSealUsesFreshSaltAndKey(t *testing.T) {
	c := NewHybridCipher(nil, testKey(t))
	a, err := c.Seal("user-1", []byte("secret"))
	require.NoError(t, err)
	b, err := c.Seal("user-1", []byte("secret"))
	require.NoError(t, err)

	assert.NotEqual(t, a.Salt, b.Salt)
	assert.NotEqual(t, a.EncryptedSymmetricKey, b.EncryptedSymmetricKey)
	assert.NotEqual(t, a.EncryptedPrivateKey, b.EncryptedPrivateKey)
}

func TestOpenWrongOwnerOrSalt(t *testing.T) {
	c := NewHybridCipher(nil, testKey(t))
	secret := []byte("0123456789abcdef0123456789abcdef")
	sealed, err := c.Seal("user-1", secret)
	require.NoError(t, err)

	got, err := c.Open("user-2", sealed)
	if err == nil {
		assert.NotEqual(t, secret, got)
	}

	tampered := sealed
	tampered.Salt = "00000000000000000000000000000000"
	got, err = c.Open("user-1", tampered)
	if err == nil {
		assert.NotEqual(t, secret, got)
	}
}

func TestOpenRejectsTamperedEnvelope(t *testing.T) {
	c := NewHybridCipher(nil, testKey(t))
	sealed, err := c.Seal("user-1", []byte("secret"))
	require.NoError(t, err)

	bad := sealed
	bad.EncryptedSymmetricKey = "not base64!"
	_, err = c.Open("user-1", bad)
	assert.True(t, errors.Is(err, ErrDecrypt))

	bad = sealed
	bad.EncryptedPrivateKey = "abcd"
	_, err = c.Open("user-1", bad)
	assert.True(t, errors.Is(err, ErrDecrypt))
}

func TestSealOnlyCipherCannotOpen(t *testing.T) {
	c := NewHybridCipher(&testKey(t).PublicKey, nil)
	sealed, err := c.Seal("user-1", []byte("secret"))
	require.NoError(t, err)
	_, err = c.Open("user-1", sealed)
	assert.Error(t, err)
}

func TestLoadFiles(t *testing.T) {
	key := testKey(t)
	dir := t.TempDir()

	pkcs8, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	privPath := filepath.Join(dir, "private.pem")
	require.NoError(t, os.WriteFile(privPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8}), 0o600))

	pkix, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pubPath := filepath.Join(dir, "public.pem")
	require.NoError(t, os.WriteFile(pubPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pkix}), 0o600))

	c, err := LoadFiles(pubPath, privPath)
	require.NoError(t, err)
	sealed, err := c.Seal("owner", []byte("hello"))
	require.NoError(t, err)
	got, err := c.Open("owner", sealed)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	pkcs1 := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	parsed, err := ParsePrivateKey(pkcs1)
	require.NoError(t, err)
	assert.True(t, parsed.Equal(key))

	_, err = LoadFiles("", "")
	assert.Error(t, err)
}

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func TestDeriverKnownVector(t *testing.T) {
	d, err := NewDeriver(testMnemonic, "")
	require.NoError(t, err)

	_, addr, err := d.Derive(0)
	require.NoError(t, err)
	assert.Equal(t, "0x9858EfFD232B4033E47d90003D41EC34EcaEda94", addr.Hex())

	_, addr1, err := d.Derive(1)
	require.NoError(t, err)
	assert.NotEqual(t, addr, addr1)
	assert.Equal(t, "m/44'/60'/0'/0/7", DerivationPath(7))
}

func TestDeriverRejectsBadMnemonic(t *testing.T) {
	_, err := NewDeriver("not a mnemonic", "")
	assert.Error(t, err)
}

type mapSource map[string]Sealed

func (m mapSource) SealedKey(_ context.Context, ownerID string) (Sealed, error) {
	s, ok := m[ownerID]
	if !ok {
		return Sealed{}, errors.New("not found")
	}
	return s, nil
}

func TestStoreWithKey(t *testing.T) {
	c := NewHybridCipher(nil, testKey(t))
	d, err := NewDeriver(testMnemonic, "")
	require.NoError(t, err)
	key, addr, err := d.Derive(3)
	require.NoError(t, err)

	src := mapSource{}
	store := NewStore(c, src)
	sealed, err := store.SealKey("user-1", key)
	require.NoError(t, err)
	src["user-1"] = sealed

	err = store.WithKey(context.Background(), "user-1", func(k *ecdsa.PrivateKey) error {
		assert.Equal(t, addr, crypto.PubkeyToAddress(k.PublicKey))
		return nil
	})
	require.NoError(t, err)

	_, err = store.Decrypt(context.Background(), "missing")
	assert.Error(t, err)

	wantErr := errors.New("boom")
	err = store.WithKey(context.Background(), "user-1", func(*ecdsa.PrivateKey) error { return wantErr })
	assert.ErrorIs(t, err, wantErr)
}
