package keystore

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"
)

// Deriver produces custodial keys on the BIP-44 Ethereum path m/44'/60'/0'/0/i.
type Deriver struct {
	change *hdkeychain.ExtendedKey
}

func NewDeriver(mnemonic, passphrase string) (*Deriver, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, errors.New("keystore: invalid mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, passphrase)
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("keystore: master key: %w", err)
	}

	key := master
	for _, idx := range []uint32{
		hdkeychain.HardenedKeyStart + 44,
		hdkeychain.HardenedKeyStart + 60,
		hdkeychain.HardenedKeyStart + 0,
		0,
	} {
		if key, err = key.Derive(idx); err != nil {
			return nil, fmt.Errorf("keystore: derive path: %w", err)
		}
	}
	return &Deriver{change: key}, nil
}

// NewMnemonic returns a fresh 24-word mnemonic.
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", err
	}
	return bip39.NewMnemonic(entropy)
}

func (d *Deriver) Derive(index uint32) (*ecdsa.PrivateKey, common.Address, error) {
	if index >= hdkeychain.HardenedKeyStart {
		return nil, common.Address{}, fmt.Errorf("keystore: index %d out of range", index)
	}
	child, err := d.change.Derive(index)
	if err != nil {
		return nil, common.Address{}, fmt.Errorf("keystore: derive %d: %w", index, err)
	}
	priv, err := child.ECPrivKey()
	if err != nil {
		return nil, common.Address{}, fmt.Errorf("keystore: private key %d: %w", index, err)
	}
	key := priv.ToECDSA()
	return key, crypto.PubkeyToAddress(key.PublicKey), nil
}

func DerivationPath(index uint32) string {
	return fmt.Sprintf("m/44'/60'/0'/0/%d", index)
}
