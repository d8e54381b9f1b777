// Package txbuilder implements coin selection and signed transaction
// construction (spec §4.6): decreasing-value accumulation or sweep mode,
// witness-v0 signing for P2WPKH / P2SH-P2WPKH inputs, and the dust/overpay
// fee guard.
package txbuilder

import (
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/spvwallet/internal/chain"
	"github.com/klingon-exchange/spvwallet/internal/coinset"
	"github.com/klingon-exchange/spvwallet/internal/wallet"
	"github.com/klingon-exchange/spvwallet/internal/walleterr"
)

// MinFeeSat and the overpay multiplier form the dust/overpay guard: a
// built transaction's fee must not exceed max(MinFeeSat, OverpayMultiplier
// * targetFee) (§4.6).
const (
	MinFeeSat          = 1000
	OverpayMultiplier  = 5
	outputVBytes       = 31 // one P2WPKH output, vbytes
	baseVBytes         = 11 // version + locktime + varints, vbytes
	p2wpkhInputVBytes  = 68
)

// Result is a built, signed transaction and its actual fee.
type Result struct {
	Tx       *wire.MsgTx
	ActualFee uint64
}

// Build constructs and signs a transaction spending from availableCoins,
// per §4.6's algorithm. Passphrase/xpub verification (step 1, "fail
// WrongPassphrase") is the caller's responsibility before invoking Build;
// this function assumes w is an already authenticated, fully keyed wallet.
func Build(w *wallet.Wallet, availableCoins []coinset.Coin, targetAddress string, feePerVByte uint64, amount *uint64, network chain.Network) (*Result, error) {
	recipientScript, err := wallet.DecodeAddress(targetAddress, network)
	if err != nil {
		return nil, walleterr.Wrap(walleterr.Script, "txbuilder.Build", err)
	}

	sorted := make([]coinset.Coin, len(availableCoins))
	copy(sorted, availableCoins)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Value > sorted[j].Value })

	if amount != nil {
		return buildTargeted(w, sorted, recipientScript, feePerVByte, *amount, network)
	}
	return buildSweep(w, sorted, recipientScript, feePerVByte)
}

func estimateVBytes(nInputs, nOutputs int) uint64 {
	return uint64(baseVBytes) + uint64(nInputs)*p2wpkhInputVBytes + uint64(nOutputs)*outputVBytes
}

// buildTargeted accumulates coins in decreasing-value order until the sum
// covers amount plus the fee estimated for the inputs selected so far,
// re-estimating after each addition (§4.6 step 2, amount given).
func buildTargeted(w *wallet.Wallet, sorted []coinset.Coin, recipientScript []byte, feePerVByte, amount uint64, network chain.Network) (*Result, error) {
	var selected []coinset.Coin
	var sum uint64
	var fee uint64

	for _, c := range sorted {
		selected = append(selected, c)
		sum += c.Value
		fee = feePerVByte * estimateVBytes(len(selected), 2)
		if sum >= amount+fee {
			break
		}
	}
	if sum < amount+fee {
		return nil, walleterr.Wrap(walleterr.Wallet, "txbuilder.buildTargeted", walleterr.ErrInsufficientFunds)
	}
	if err := checkFeeGuard(fee, feePerVByte, estimateVBytes(len(selected), 2)); err != nil {
		return nil, err
	}

	change := sum - amount - fee
	_, changeScript, err := w.ChangeAddress()
	if err != nil {
		return nil, fmt.Errorf("derive change address: %w", err)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	for _, c := range selected {
		outpoint := c.Outpoint
		tx.AddTxIn(wire.NewTxIn(&outpoint, nil, nil))
	}
	tx.AddTxOut(wire.NewTxOut(int64(amount), recipientScript))
	if change > 0 {
		tx.AddTxOut(wire.NewTxOut(int64(change), changeScript))
	}

	if err := signInputs(w, tx, selected, network); err != nil {
		return nil, err
	}

	return &Result{Tx: tx, ActualFee: fee}, nil
}

// buildSweep spends every available coin, recipient receives sum minus
// fee, no change (§4.6 step 2, amount omitted).
func buildSweep(w *wallet.Wallet, sorted []coinset.Coin, recipientScript []byte, feePerVByte uint64) (*Result, error) {
	if len(sorted) == 0 {
		return nil, walleterr.Wrap(walleterr.Wallet, "txbuilder.buildSweep", walleterr.ErrInsufficientFunds)
	}

	var sum uint64
	for _, c := range sorted {
		sum += c.Value
	}
	fee := feePerVByte * estimateVBytes(len(sorted), 1)
	if fee >= sum {
		return nil, walleterr.Wrap(walleterr.Wallet, "txbuilder.buildSweep", walleterr.ErrInsufficientFunds)
	}
	if err := checkFeeGuard(fee, feePerVByte, estimateVBytes(len(sorted), 1)); err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	for _, c := range sorted {
		outpoint := c.Outpoint
		tx.AddTxIn(wire.NewTxIn(&outpoint, nil, nil))
	}
	tx.AddTxOut(wire.NewTxOut(int64(sum-fee), recipientScript))

	if err := signInputs(w, tx, sorted, w.Network()); err != nil {
		return nil, err
	}

	return &Result{Tx: tx, ActualFee: fee}, nil
}

// checkFeeGuard enforces the dust/overpay guard: fee must not exceed
// max(1000 sat, 5 * target_fee).
func checkFeeGuard(fee, feePerVByte, vbytes uint64) error {
	targetFee := feePerVByte * vbytes
	feeCap := uint64(MinFeeSat)
	if OverpayMultiplier*targetFee > feeCap {
		feeCap = OverpayMultiplier * targetFee
	}
	if fee > feeCap {
		return walleterr.Wrap(walleterr.Wallet, "txbuilder.checkFeeGuard", walleterr.ErrFeeTooHigh)
	}
	return nil
}

// signInputs signs each input with the sighash matching its address type,
// witness v0 for P2WPKH and P2SH-P2WPKH (§4.6 step 4), grounded on the
// teacher's signP2WPKH/signP2PKH helpers.
func signInputs(w *wallet.Wallet, tx *wire.MsgTx, coins []coinset.Coin, network chain.Network) error {
	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(coins))
	for _, c := range coins {
		prevOuts[c.Outpoint] = wire.NewTxOut(int64(c.Value), c.ScriptPubKey)
	}
	prevOutFetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	sigHashes := txscript.NewTxSigHashes(tx, prevOutFetcher)

	for i, c := range coins {
		privKey, err := w.DeriveSigningKey(c.Derivation)
		if err != nil {
			return walleterr.Wrap(walleterr.Wallet, "txbuilder.signInputs", err)
		}

		switch {
		case isWitnessScript(c.ScriptPubKey):
			if err := signWitnessV0(tx, i, privKey, c.Value, c.ScriptPubKey, sigHashes); err != nil {
				return walleterr.Wrap(walleterr.Script, "txbuilder.signInputs", err)
			}
		case isP2SHScript(c.ScriptPubKey):
			redeemScript, err := wallet.RedeemScriptForP2SHWPKH(privKey.PubKey(), network)
			if err != nil {
				return walleterr.Wrap(walleterr.Script, "txbuilder.signInputs", err)
			}
			if err := signWitnessV0(tx, i, privKey, c.Value, redeemScript, sigHashes); err != nil {
				return walleterr.Wrap(walleterr.Script, "txbuilder.signInputs", err)
			}
			tx.TxIn[i].SignatureScript = append([]byte{byte(len(redeemScript))}, redeemScript...)
		default:
			sig, err := txscript.SignatureScript(tx, i, c.ScriptPubKey, txscript.SigHashAll, privKey, true)
			if err != nil {
				return walleterr.Wrap(walleterr.Script, "txbuilder.signInputs", err)
			}
			tx.TxIn[i].SignatureScript = sig
		}
	}
	return nil
}

func signWitnessV0(tx *wire.MsgTx, inputIndex int, privKey *btcec.PrivateKey, value uint64, script []byte, sigHashes *txscript.TxSigHashes) error {
	witness, err := txscript.WitnessSignature(tx, sigHashes, inputIndex, int64(value), script, txscript.SigHashAll, privKey, true)
	if err != nil {
		return err
	}
	tx.TxIn[inputIndex].Witness = witness
	return nil
}

func isWitnessScript(script []byte) bool {
	return len(script) == 22 && script[0] == 0x00 && script[1] == 0x14
}

func isP2SHScript(script []byte) bool {
	return len(script) == 23 && script[0] == txscript.OP_HASH160 && script[22] == txscript.OP_EQUAL
}
