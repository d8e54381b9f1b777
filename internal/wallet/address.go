package wallet

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"

	"github.com/klingon-exchange/spvwallet/internal/chain"
)

// scriptForAddressType derives the scriptPubKey and address string for one
// public key under the requested address type.
func scriptForAddressType(t chain.AddressType, pubKey *btcec.PublicKey, params *chain.Params) ([]byte, string, error) {
	btcdParams := chain.BtcdParams(params.Network)
	pubKeyHash := btcutil.Hash160(pubKey.SerializeCompressed())

	switch t {
	case chain.AddressP2PKH:
		addr, err := btcutil.NewAddressPubKeyHash(pubKeyHash, btcdParams)
		if err != nil {
			return nil, "", fmt.Errorf("p2pkh address: %w", err)
		}
		script, err := txscript.PayToAddrScript(addr)
		if err != nil {
			return nil, "", fmt.Errorf("p2pkh script: %w", err)
		}
		return script, addr.EncodeAddress(), nil

	case chain.AddressP2WPKH:
		addr, err := btcutil.NewAddressWitnessPubKeyHash(pubKeyHash, btcdParams)
		if err != nil {
			return nil, "", fmt.Errorf("p2wpkh address: %w", err)
		}
		script, err := txscript.PayToAddrScript(addr)
		if err != nil {
			return nil, "", fmt.Errorf("p2wpkh script: %w", err)
		}
		return script, addr.EncodeAddress(), nil

	case chain.AddressP2SHWPKH:
		witnessAddr, err := btcutil.NewAddressWitnessPubKeyHash(pubKeyHash, btcdParams)
		if err != nil {
			return nil, "", fmt.Errorf("witness address: %w", err)
		}
		witnessScript, err := txscript.PayToAddrScript(witnessAddr)
		if err != nil {
			return nil, "", fmt.Errorf("witness script: %w", err)
		}
		scriptHash := btcutil.Hash160(witnessScript)
		addr, err := btcutil.NewAddressScriptHashFromHash(scriptHash, btcdParams)
		if err != nil {
			return nil, "", fmt.Errorf("p2sh-wpkh address: %w", err)
		}
		script, err := txscript.PayToAddrScript(addr)
		if err != nil {
			return nil, "", fmt.Errorf("p2sh-wpkh script: %w", err)
		}
		return script, addr.EncodeAddress(), nil

	default:
		return nil, "", fmt.Errorf("unsupported address type: %s", t)
	}
}

// RedeemScriptForP2SHWPKH reconstructs the witness redeem script for a
// P2SH-P2WPKH input, needed at sign time.
func RedeemScriptForP2SHWPKH(pubKey *btcec.PublicKey, network chain.Network) ([]byte, error) {
	pubKeyHash := btcutil.Hash160(pubKey.SerializeCompressed())
	addr, err := btcutil.NewAddressWitnessPubKeyHash(pubKeyHash, chain.BtcdParams(network))
	if err != nil {
		return nil, fmt.Errorf("witness address: %w", err)
	}
	return txscript.PayToAddrScript(addr)
}

// ValidateAddress reports whether an address decodes for this network.
func ValidateAddress(address string, network chain.Network) bool {
	_, err := btcutil.DecodeAddress(address, chain.BtcdParams(network))
	return err == nil
}

// DecodeAddress decodes a Bitcoin address to its scriptPubKey for this
// network, used by the transaction builder for the recipient output.
func DecodeAddress(address string, network chain.Network) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(address, chain.BtcdParams(network))
	if err != nil {
		return nil, fmt.Errorf("decode address: %w", err)
	}
	return txscript.PayToAddrScript(addr)
}
