// Package wallet holds the daemon's HTLC keys and moves funds through the
// chain node's wallet. HTLC claim and refund keys derive from a BIP39 seed
// at BIP44 paths, so a restored seed can re-sign any pending swap.
package wallet

import (
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/tyler-smith/go-bip39"

	"github.com/klingon-exchange/swapd/internal/chain"
)

// bip44Purpose is the purpose level of every derivation path. Swap keys are
// never address keys, but BIP44 paths keep the tree compatible with
// standard seed restores.
const bip44Purpose = 44

// Keychain derives swap keys from a BIP39 seed.
type Keychain struct {
	masterKey *hdkeychain.ExtendedKey
	network   chain.Network

	mu sync.Mutex

	// Cached derived keys (coin type -> index -> key)
	cache map[uint32]map[uint32]*hdkeychain.ExtendedKey
}

// GenerateMnemonic generates a new 24-word BIP39 mnemonic.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256) // 256 bits = 24 words
	if err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}

	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("failed to generate mnemonic: %w", err)
	}

	return mnemonic, nil
}

// ValidateMnemonic checks if a mnemonic is valid.
func ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(mnemonic)
}

// NewKeychainFromMnemonic creates a keychain from a BIP39 mnemonic. The
// passphrase is optional.
func NewKeychainFromMnemonic(mnemonic, passphrase string, network chain.Network) (*Keychain, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}

	seed := bip39.NewSeed(mnemonic, passphrase)

	return NewKeychainFromSeed(seed, network)
}

// NewKeychainFromSeed creates a keychain from a raw 64-byte seed.
func NewKeychainFromSeed(seed []byte, network chain.Network) (*Keychain, error) {
	// The master key only needs some network's HD version bytes; the
	// per-currency params apply at address time, not here.
	params := chain.MustGet("BTC", network).Params

	masterKey, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}

	return &Keychain{
		masterKey: masterKey,
		network:   network,
		cache:     make(map[uint32]map[uint32]*hdkeychain.ExtendedKey),
	}, nil
}

// Network returns the keychain's network.
func (k *Keychain) Network() chain.Network {
	return k.network
}

// DeriveKey derives the swap key at m/44'/coinType'/0'/0/index for the
// given currency.
func (k *Keychain) DeriveKey(symbol string, index uint32) (*btcec.PrivateKey, error) {
	currency, ok := chain.Get(symbol, k.network)
	if !ok {
		return nil, fmt.Errorf("unsupported currency: %s", symbol)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if key := k.cache[currency.CoinType][index]; key != nil {
		return key.ECPrivKey()
	}

	// m/44' (hardened)
	purposeKey, err := k.masterKey.Derive(hdkeychain.HardenedKeyStart + bip44Purpose)
	if err != nil {
		return nil, fmt.Errorf("failed to derive purpose: %w", err)
	}

	// m/44'/coin' (hardened)
	coinKey, err := purposeKey.Derive(hdkeychain.HardenedKeyStart + currency.CoinType)
	if err != nil {
		return nil, fmt.Errorf("failed to derive coin: %w", err)
	}

	// m/44'/coin'/0' (hardened)
	accountKey, err := coinKey.Derive(hdkeychain.HardenedKeyStart)
	if err != nil {
		return nil, fmt.Errorf("failed to derive account: %w", err)
	}

	// m/44'/coin'/0'/0 (non-hardened)
	changeKey, err := accountKey.Derive(0)
	if err != nil {
		return nil, fmt.Errorf("failed to derive change: %w", err)
	}

	// m/44'/coin'/0'/0/index (non-hardened)
	swapKey, err := changeKey.Derive(index)
	if err != nil {
		return nil, fmt.Errorf("failed to derive swap key: %w", err)
	}

	if k.cache[currency.CoinType] == nil {
		k.cache[currency.CoinType] = make(map[uint32]*hdkeychain.ExtendedKey)
	}
	k.cache[currency.CoinType][index] = swapKey

	return swapKey.ECPrivKey()
}

// DerivePublicKey derives the compressed public key at the given index.
func (k *Keychain) DerivePublicKey(symbol string, index uint32) ([]byte, error) {
	key, err := k.DeriveKey(symbol, index)
	if err != nil {
		return nil, err
	}
	return key.PubKey().SerializeCompressed(), nil
}
