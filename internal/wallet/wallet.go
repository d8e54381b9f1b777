// Package wallet implements the master-account key hierarchy (spec §4.3):
// BIP-44-style derivation under a network's purpose/coin-type path, per-sub
// look-ahead address generation, and the script-recognition function the
// coin set uses to classify outputs as the wallet's own.
package wallet

import (
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/tyler-smith/go-bip39"

	"github.com/klingon-exchange/spvwallet/internal/chain"
)

// DefaultLookAhead is W from §3/§4.3: the number of unissued scriptPubKeys
// kept instantiated ahead of the highest-used index per sub-account.
const DefaultLookAhead = 10

// Sub-account numbers, per §3's convention.
const (
	SubExternal  uint32 = 0 // 0/0: deposit addresses
	SubInternal  uint32 = 1 // 0/1: change addresses
	SubWatchOnly uint32 = 0 // 1/0: watch-only relay (account number 1)
)

// Derivation identifies where a scriptPubKey came from in the key tree.
type Derivation struct {
	AccountNumber uint32
	SubNumber     uint32
	KeyIndex      uint32
	Tweak         []byte
	CSV           uint32
}

// Key is one instantiated scriptPubKey plus the metadata needed to spend
// it later.
type Key struct {
	Index        uint32
	ScriptPubKey []byte
	Address      string
	Tweak        []byte
}

// SubAccount tracks derivation state for one (account, sub) pair: the
// BIP-32 branch key, every instantiated key so far, and the next unissued
// index.
type SubAccount struct {
	AccountNumber uint32
	SubNumber     uint32
	AddressType   chain.AddressType
	branchKey     *hdkeychain.ExtendedKey
	Keys          []Key
	NextIndex     uint32
	LookAhead     uint32

	mu sync.RWMutex
}

// Wallet is the master account: a BIP-32 root for one network, its
// external/internal/watch-only sub-accounts, and a birth timestamp below
// which rescan need not proceed.
type Wallet struct {
	network chain.Network
	params  *chain.Params

	master *hdkeychain.ExtendedKey // private, nil when loaded watch-only
	xpub   string

	birth int64

	mu       sync.RWMutex
	subs     map[subKey]*SubAccount
}

type subKey struct {
	account uint32
	sub     uint32
}

// GenerateMnemonic returns a fresh 12-word BIP-39 mnemonic (128 bits of
// entropy), per the fresh-init scenario in §8.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(128)
	if err != nil {
		return "", fmt.Errorf("generate entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("generate mnemonic: %w", err)
	}
	return mnemonic, nil
}

// ValidateMnemonic reports whether a mnemonic is well-formed BIP-39.
func ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(mnemonic)
}

// New creates a wallet from a mnemonic (plus optional BIP-39 passphrase)
// for the given network and birth time, with the default external and
// internal sub-accounts pre-instantiated to their look-ahead window.
func New(network chain.Network, mnemonic, passphrase string, birth int64, addrType chain.AddressType) (*Wallet, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}
	params, ok := chain.Get(network)
	if !ok {
		return nil, fmt.Errorf("unsupported network: %s", network)
	}

	seed := bip39.NewSeed(mnemonic, passphrase)
	btcdParams := chain.BtcdParams(network)

	master, err := hdkeychain.NewMaster(seed, btcdParams)
	if err != nil {
		return nil, fmt.Errorf("create master key: %w", err)
	}

	w := &Wallet{
		network: network,
		params:  params,
		master:  master,
		birth:   birth,
		subs:    make(map[subKey]*SubAccount),
	}

	xpub, err := master.Neuter()
	if err != nil {
		return nil, fmt.Errorf("neuter master key: %w", err)
	}
	w.xpub = xpub.String()

	for _, sub := range []uint32{SubExternal, SubInternal} {
		if err := w.addSub(0, sub, addrType, DefaultLookAhead); err != nil {
			return nil, err
		}
	}

	return w, nil
}

// StoredAccount is the subset of a persisted account row FromStorage needs
// to rehydrate a sub-account without the private master key: the branch's
// own extended public key (already past the hardened purpose/coin/account
// steps) plus its derivation state and previously instantiated keys.
type StoredAccount struct {
	AccountNumber uint32
	SubNumber     uint32
	AddressType   chain.AddressType
	XPub          string
	NextIndex     uint32
	LookAhead     uint32
	Keys          []Key
}

// FromStorage rehydrates a watch-only wallet from persisted account rows
// (§4.3 from_storage): no mnemonic or master private key is available, so
// DeriveSigningKey always fails on the returned wallet; signing needs a
// separate wallet rebuilt with New from the passphrase-decrypted mnemonic.
func FromStorage(network chain.Network, rootXPub string, birth int64, accounts []StoredAccount) (*Wallet, error) {
	params, ok := chain.Get(network)
	if !ok {
		return nil, fmt.Errorf("unsupported network: %s", network)
	}

	w := &Wallet{
		network: network,
		params:  params,
		xpub:    rootXPub,
		birth:   birth,
		subs:    make(map[subKey]*SubAccount),
	}

	for _, a := range accounts {
		branchKey, err := hdkeychain.NewKeyFromString(a.XPub)
		if err != nil {
			return nil, fmt.Errorf("parse branch xpub for %d/%d: %w", a.AccountNumber, a.SubNumber, err)
		}

		sa := &SubAccount{
			AccountNumber: a.AccountNumber,
			SubNumber:     a.SubNumber,
			AddressType:   a.AddressType,
			branchKey:     branchKey,
			Keys:          append([]Key(nil), a.Keys...),
			NextIndex:     a.NextIndex,
			LookAhead:     a.LookAhead,
		}
		w.subs[subKey{a.AccountNumber, a.SubNumber}] = sa

		if err := sa.fillLookAhead(params); err != nil {
			return nil, fmt.Errorf("fill look-ahead for %d/%d: %w", a.AccountNumber, a.SubNumber, err)
		}
	}

	return w, nil
}

// AccountSnapshot is a read-only view of one sub-account's persisted state,
// used to write it out via store_master.
type AccountSnapshot struct {
	AccountNumber uint32
	SubNumber     uint32
	AddressType   chain.AddressType
	XPub          string
	NextIndex     uint32
	LookAhead     uint32
	Keys          []Key
}

// Accounts returns a snapshot of every instantiated sub-account (§4.1
// store_master: "the actual concrete scripts and their derivation tweaks
// previously generated").
func (w *Wallet) Accounts() ([]AccountSnapshot, error) {
	w.mu.RLock()
	subs := make([]*SubAccount, 0, len(w.subs))
	for _, sa := range w.subs {
		subs = append(subs, sa)
	}
	w.mu.RUnlock()

	out := make([]AccountSnapshot, 0, len(subs))
	for _, sa := range subs {
		sa.mu.RLock()
		xpub, err := sa.branchKey.Neuter()
		if err != nil {
			sa.mu.RUnlock()
			return nil, fmt.Errorf("neuter branch key for %d/%d: %w", sa.AccountNumber, sa.SubNumber, err)
		}
		out = append(out, AccountSnapshot{
			AccountNumber: sa.AccountNumber,
			SubNumber:     sa.SubNumber,
			AddressType:   sa.AddressType,
			XPub:          xpub.String(),
			NextIndex:     sa.NextIndex,
			LookAhead:     sa.LookAhead,
			Keys:          append([]Key(nil), sa.Keys...),
		})
		sa.mu.RUnlock()
	}
	return out, nil
}

// Network returns the network this wallet derives addresses for.
func (w *Wallet) Network() chain.Network { return w.network }

// XPub returns the serialized extended public key at the wallet's BIP-32
// root, stored alongside the encrypted seed (§3).
func (w *Wallet) XPub() string { return w.xpub }

// Birth returns the wallet's birth timestamp.
func (w *Wallet) Birth() int64 { return w.birth }

func (w *Wallet) addSub(account, sub uint32, addrType chain.AddressType, lookAhead uint32) error {
	purpose := chain.DefaultPurpose(addrType)

	purposeKey, err := w.master.Derive(hdkeychain.HardenedKeyStart + purpose)
	if err != nil {
		return fmt.Errorf("derive purpose: %w", err)
	}
	coinKey, err := purposeKey.Derive(hdkeychain.HardenedKeyStart + w.params.CoinType)
	if err != nil {
		return fmt.Errorf("derive coin type: %w", err)
	}
	accountKey, err := coinKey.Derive(hdkeychain.HardenedKeyStart + account)
	if err != nil {
		return fmt.Errorf("derive account: %w", err)
	}
	branchKey, err := accountKey.Derive(sub)
	if err != nil {
		return fmt.Errorf("derive sub-account: %w", err)
	}

	sa := &SubAccount{
		AccountNumber: account,
		SubNumber:     sub,
		AddressType:   addrType,
		branchKey:     branchKey,
		LookAhead:     lookAhead,
	}

	w.mu.Lock()
	w.subs[subKey{account, sub}] = sa
	w.mu.Unlock()

	return sa.fillLookAhead(w.params)
}

// fillLookAhead instantiates keys until LookAhead unissued scripts exist
// beyond NextIndex (§4.3 invariant).
func (sa *SubAccount) fillLookAhead(params *chain.Params) error {
	sa.mu.Lock()
	defer sa.mu.Unlock()

	target := sa.NextIndex + sa.LookAhead
	for uint32(len(sa.Keys)) < target {
		idx := uint32(len(sa.Keys))
		key, err := sa.branchKey.Derive(idx)
		if err != nil {
			return fmt.Errorf("derive key %d: %w", idx, err)
		}
		pubKey, err := key.ECPubKey()
		if err != nil {
			return fmt.Errorf("derive pubkey %d: %w", idx, err)
		}
		script, addr, err := scriptForAddressType(sa.AddressType, pubKey, params)
		if err != nil {
			return fmt.Errorf("derive script %d: %w", idx, err)
		}
		sa.Keys = append(sa.Keys, Key{Index: idx, ScriptPubKey: script, Address: addr})
	}
	return nil
}

// SubAccount returns the given sub-account, if instantiated.
func (w *Wallet) SubAccount(account, sub uint32) (*SubAccount, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	sa, ok := w.subs[subKey{account, sub}]
	return sa, ok
}

// DepositAddress advances the external sub-account by one and returns the
// newly issued address (§4.3 deposit_address).
func (w *Wallet) DepositAddress() (string, error) {
	sa, ok := w.SubAccount(0, SubExternal)
	if !ok {
		return "", fmt.Errorf("external sub-account not instantiated")
	}

	sa.mu.Lock()
	idx := sa.NextIndex
	if idx >= uint32(len(sa.Keys)) {
		sa.mu.Unlock()
		return "", fmt.Errorf("look-ahead window exhausted at index %d", idx)
	}
	addr := sa.Keys[idx].Address
	sa.NextIndex++
	sa.mu.Unlock()

	return addr, w.fillLookAhead(0, SubExternal)
}

// ChangeAddress advances the internal sub-account by one and returns the
// newly issued address, used by the transaction builder for change outputs.
func (w *Wallet) ChangeAddress() (string, []byte, error) {
	sa, ok := w.SubAccount(0, SubInternal)
	if !ok {
		return "", nil, fmt.Errorf("internal sub-account not instantiated")
	}

	sa.mu.Lock()
	idx := sa.NextIndex
	if idx >= uint32(len(sa.Keys)) {
		sa.mu.Unlock()
		return "", nil, fmt.Errorf("look-ahead window exhausted at index %d", idx)
	}
	k := sa.Keys[idx]
	sa.NextIndex++
	sa.mu.Unlock()

	return k.Address, k.ScriptPubKey, w.fillLookAhead(0, SubInternal)
}

func (w *Wallet) fillLookAhead(account, sub uint32) error {
	sa, ok := w.SubAccount(account, sub)
	if !ok {
		return nil
	}
	return sa.fillLookAhead(w.params)
}

// ClassifyScript is the pure function the coin set uses to recognise
// whether a scriptPubKey belongs to the wallet (§9: "no back-pointers;
// classification becomes a pure function script -> Option<Derivation>").
func (w *Wallet) ClassifyScript(script []byte) (Derivation, bool) {
	w.mu.RLock()
	subs := make([]*SubAccount, 0, len(w.subs))
	for _, sa := range w.subs {
		subs = append(subs, sa)
	}
	w.mu.RUnlock()

	for _, sa := range subs {
		sa.mu.RLock()
		var (
			found bool
			d     Derivation
		)
		for _, k := range sa.Keys {
			if bytesEqual(k.ScriptPubKey, script) {
				d = Derivation{
					AccountNumber: sa.AccountNumber,
					SubNumber:     sa.SubNumber,
					KeyIndex:      k.Index,
					Tweak:         k.Tweak,
				}
				found = true
				break
			}
		}
		sa.mu.RUnlock()
		if !found {
			continue
		}

		sa.mu.Lock()
		if d.KeyIndex >= sa.NextIndex {
			sa.NextIndex = d.KeyIndex + 1
		}
		sa.mu.Unlock()
		go sa.fillLookAhead(w.params)
		return d, true
	}
	return Derivation{}, false
}

// DeriveSigningKey returns the private key for a given derivation, used by
// the transaction builder at sign time.
func (w *Wallet) DeriveSigningKey(d Derivation) (*btcec.PrivateKey, error) {
	if w.master == nil {
		return nil, fmt.Errorf("wallet is watch-only, no signing key available")
	}

	sa, ok := w.SubAccount(d.AccountNumber, d.SubNumber)
	if !ok {
		return nil, fmt.Errorf("sub-account %d/%d not instantiated", d.AccountNumber, d.SubNumber)
	}

	key, err := sa.branchKey.Derive(d.KeyIndex)
	if err != nil {
		return nil, fmt.Errorf("derive signing key: %w", err)
	}
	return key.ECPrivKey()
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
