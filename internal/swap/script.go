// Package swap - redeem script building for submarine swaps.
// This file contains functions for building the hash-timelocked redeem
// scripts, deriving lockup addresses for the supported output types and
// assembling the witness stacks that spend them.
package swap

import (
	"crypto/sha256"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"golang.org/x/crypto/ripemd160"
)

// OutputType selects how the redeem script is committed to on-chain.
type OutputType uint8

const (
	// OutputCompatibility is P2SH-wrapped P2WSH, spendable by all wallets.
	OutputCompatibility OutputType = iota

	// OutputBech32 is native P2WSH.
	OutputBech32

	// OutputLegacy is plain P2SH without a witness.
	OutputLegacy
)

func (t OutputType) String() string {
	switch t {
	case OutputCompatibility:
		return "compatibility"
	case OutputBech32:
		return "bech32"
	case OutputLegacy:
		return "legacy"
	}
	return fmt.Sprintf("unknown(%d)", uint8(t))
}

// ParseOutputType parses an output type name.
func ParseOutputType(s string) (OutputType, error) {
	switch strings.ToLower(s) {
	case "compatibility", "":
		return OutputCompatibility, nil
	case "bech32":
		return OutputBech32, nil
	case "legacy":
		return OutputLegacy, nil
	}
	return 0, ErrScriptTypeNotFound.WithDetail("%q", s)
}

// SubmarineScript builds the redeem script for a submarine swap.
//
// Script structure:
//
//	OP_HASH160 <RIPEMD160(preimageHash)> OP_EQUAL
//	OP_IF
//	    <claimPubKey>
//	OP_ELSE
//	    <timeoutBlockHeight> OP_CHECKLOCKTIMEVERIFY OP_DROP
//	    <refundPubKey>
//	OP_ENDIF
//	OP_CHECKSIG
//
// The invoice commits to SHA256(preimage); the script carries the RIPEMD160
// of that hash, so OP_HASH160 on the revealed preimage matches it. Claiming
// needs the preimage and the claim key, refunding needs the refund key once
// the chain passes timeoutBlockHeight.
func SubmarineScript(preimageHash, claimPubKey, refundPubKey []byte, timeoutBlockHeight uint32) ([]byte, error) {
	if err := validateScriptParts(preimageHash, claimPubKey, refundPubKey, timeoutBlockHeight); err != nil {
		return nil, err
	}

	h := ripemd160.New()
	h.Write(preimageHash)

	builder := txscript.NewScriptBuilder()

	builder.AddOp(txscript.OP_HASH160)
	builder.AddData(h.Sum(nil))
	builder.AddOp(txscript.OP_EQUAL)

	builder.AddOp(txscript.OP_IF)
	builder.AddData(claimPubKey)

	builder.AddOp(txscript.OP_ELSE)
	builder.AddInt64(int64(timeoutBlockHeight))
	builder.AddOp(txscript.OP_CHECKLOCKTIMEVERIFY)
	builder.AddOp(txscript.OP_DROP)
	builder.AddData(refundPubKey)

	builder.AddOp(txscript.OP_ENDIF)
	builder.AddOp(txscript.OP_CHECKSIG)

	return builder.Script()
}

// ReverseSwapScript builds the redeem script for a reverse submarine swap.
//
// Script structure:
//
//	OP_SIZE <32> OP_EQUAL
//	OP_IF
//	    OP_SHA256 <preimageHash> OP_EQUALVERIFY
//	    <claimPubKey>
//	OP_ELSE
//	    OP_DROP
//	    <timeoutBlockHeight> OP_CHECKLOCKTIMEVERIFY OP_DROP
//	    <refundPubKey>
//	OP_ENDIF
//	OP_CHECKSIG
//
// The claim branch checks the full SHA256 preimage because the user reveals
// the 32-byte secret on-chain. The size gate selects the branch; a refund
// witness pushes an empty preimage slot that the else branch drops.
func ReverseSwapScript(preimageHash, claimPubKey, refundPubKey []byte, timeoutBlockHeight uint32) ([]byte, error) {
	if err := validateScriptParts(preimageHash, claimPubKey, refundPubKey, timeoutBlockHeight); err != nil {
		return nil, err
	}

	builder := txscript.NewScriptBuilder()

	builder.AddOp(txscript.OP_SIZE)
	builder.AddInt64(32)
	builder.AddOp(txscript.OP_EQUAL)

	builder.AddOp(txscript.OP_IF)
	builder.AddOp(txscript.OP_SHA256)
	builder.AddData(preimageHash)
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddData(claimPubKey)

	builder.AddOp(txscript.OP_ELSE)
	builder.AddOp(txscript.OP_DROP)
	builder.AddInt64(int64(timeoutBlockHeight))
	builder.AddOp(txscript.OP_CHECKLOCKTIMEVERIFY)
	builder.AddOp(txscript.OP_DROP)
	builder.AddData(refundPubKey)

	builder.AddOp(txscript.OP_ENDIF)
	builder.AddOp(txscript.OP_CHECKSIG)

	return builder.Script()
}

func validateScriptParts(preimageHash, claimPubKey, refundPubKey []byte, timeoutBlockHeight uint32) error {
	if len(preimageHash) != 32 {
		return fmt.Errorf("%w: got %d bytes", ErrInvalidPreimageHash, len(preimageHash))
	}
	if len(claimPubKey) != 33 {
		return fmt.Errorf("%w: claim key must be 33 bytes (compressed), got %d", ErrInvalidPublicKey, len(claimPubKey))
	}
	if len(refundPubKey) != 33 {
		return fmt.Errorf("%w: refund key must be 33 bytes (compressed), got %d", ErrInvalidPublicKey, len(refundPubKey))
	}
	if timeoutBlockHeight == 0 {
		return fmt.Errorf("timeout block height must be greater than 0")
	}
	return nil
}

// WitnessScriptHash returns the P2WSH witness program for a redeem script:
// OP_0 <SHA256(script)>.
func WitnessScriptHash(redeemScript []byte) ([]byte, error) {
	scriptHash := sha256.Sum256(redeemScript)
	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_0)
	builder.AddData(scriptHash[:])
	return builder.Script()
}

// LockupAddress derives the address for a redeem script with the given
// output type against the chain parameters.
func LockupAddress(redeemScript []byte, outputType OutputType, params *chaincfg.Params) (string, error) {
	switch outputType {
	case OutputBech32:
		scriptHash := sha256.Sum256(redeemScript)
		address, err := btcutil.NewAddressWitnessScriptHash(scriptHash[:], params)
		if err != nil {
			return "", fmt.Errorf("failed to create P2WSH address: %w", err)
		}
		return address.EncodeAddress(), nil

	case OutputCompatibility:
		witnessProgram, err := WitnessScriptHash(redeemScript)
		if err != nil {
			return "", fmt.Errorf("failed to build witness program: %w", err)
		}
		address, err := btcutil.NewAddressScriptHash(witnessProgram, params)
		if err != nil {
			return "", fmt.Errorf("failed to create nested P2WSH address: %w", err)
		}
		return address.EncodeAddress(), nil

	case OutputLegacy:
		address, err := btcutil.NewAddressScriptHash(redeemScript, params)
		if err != nil {
			return "", fmt.Errorf("failed to create P2SH address: %w", err)
		}
		return address.EncodeAddress(), nil
	}

	return "", ErrScriptTypeNotFound.WithDetail("%s", outputType)
}

// LockupScript returns the scriptPubKey a lockup output carries for the
// given output type. The observer matches incoming transactions against it.
func LockupScript(redeemScript []byte, outputType OutputType) ([]byte, error) {
	switch outputType {
	case OutputBech32:
		return WitnessScriptHash(redeemScript)

	case OutputCompatibility:
		witnessProgram, err := WitnessScriptHash(redeemScript)
		if err != nil {
			return nil, err
		}
		return payToScriptHash(witnessProgram)

	case OutputLegacy:
		return payToScriptHash(redeemScript)
	}

	return nil, ErrScriptTypeNotFound.WithDetail("%s", outputType)
}

// payToScriptHash builds OP_HASH160 <HASH160(script)> OP_EQUAL.
func payToScriptHash(script []byte) ([]byte, error) {
	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_HASH160)
	builder.AddData(btcutil.Hash160(script))
	builder.AddOp(txscript.OP_EQUAL)
	return builder.Script()
}

// ClaimWitness assembles the witness stack that spends a lockup output with
// the revealed preimage.
//
// Witness stack (bottom to top):
//
//	<signature>
//	<preimage>
//	<redeemScript>
func ClaimWitness(signature, preimage, redeemScript []byte) wire.TxWitness {
	return wire.TxWitness{
		signature,
		preimage,
		redeemScript,
	}
}

// RefundWitness assembles the witness stack that spends a lockup output via
// the timeout branch. The empty middle element fails the hash gate of the
// submarine script and the size gate of the reverse script.
//
// Witness stack (bottom to top):
//
//	<signature>
//	<> (empty preimage slot)
//	<redeemScript>
func RefundWitness(signature, redeemScript []byte) wire.TxWitness {
	return wire.TxWitness{
		signature,
		{},
		redeemScript,
	}
}

// ScriptDetails are the components extracted from a redeem script.
type ScriptDetails struct {
	// PreimageHash is RIPEMD160(SHA256(preimage)) for submarine scripts
	// and SHA256(preimage) for reverse scripts.
	PreimageHash []byte

	ClaimPubKey        []byte
	RefundPubKey       []byte
	TimeoutBlockHeight uint32
}

// ParseSubmarineScript validates a submarine redeem script opcode by opcode
// and extracts its components.
func ParseSubmarineScript(script []byte) (*ScriptDetails, error) {
	t := txscript.MakeScriptTokenizer(0, script)
	details := &ScriptDetails{}

	if err := expectOp(&t, txscript.OP_HASH160); err != nil {
		return nil, err
	}
	hash, err := expectData(&t, ripemd160.Size, "preimage hash")
	if err != nil {
		return nil, err
	}
	details.PreimageHash = hash

	if err := expectOp(&t, txscript.OP_EQUAL); err != nil {
		return nil, err
	}
	if err := expectOp(&t, txscript.OP_IF); err != nil {
		return nil, err
	}

	details.ClaimPubKey, err = expectData(&t, 33, "claim public key")
	if err != nil {
		return nil, err
	}

	if err := expectOp(&t, txscript.OP_ELSE); err != nil {
		return nil, err
	}

	details.TimeoutBlockHeight, err = expectHeight(&t)
	if err != nil {
		return nil, err
	}

	if err := expectOp(&t, txscript.OP_CHECKLOCKTIMEVERIFY); err != nil {
		return nil, err
	}
	if err := expectOp(&t, txscript.OP_DROP); err != nil {
		return nil, err
	}

	details.RefundPubKey, err = expectData(&t, 33, "refund public key")
	if err != nil {
		return nil, err
	}

	if err := expectOp(&t, txscript.OP_ENDIF); err != nil {
		return nil, err
	}
	if err := expectOp(&t, txscript.OP_CHECKSIG); err != nil {
		return nil, err
	}

	return details, nil
}

// ParseReverseSwapScript validates a reverse swap redeem script opcode by
// opcode and extracts its components.
func ParseReverseSwapScript(script []byte) (*ScriptDetails, error) {
	t := txscript.MakeScriptTokenizer(0, script)
	details := &ScriptDetails{}

	if err := expectOp(&t, txscript.OP_SIZE); err != nil {
		return nil, err
	}

	size, err := expectHeight(&t)
	if err != nil {
		return nil, err
	}
	if size != 32 {
		return nil, fmt.Errorf("expected preimage size gate of 32, got %d", size)
	}

	if err := expectOp(&t, txscript.OP_EQUAL); err != nil {
		return nil, err
	}
	if err := expectOp(&t, txscript.OP_IF); err != nil {
		return nil, err
	}
	if err := expectOp(&t, txscript.OP_SHA256); err != nil {
		return nil, err
	}

	details.PreimageHash, err = expectData(&t, 32, "preimage hash")
	if err != nil {
		return nil, err
	}

	if err := expectOp(&t, txscript.OP_EQUALVERIFY); err != nil {
		return nil, err
	}

	details.ClaimPubKey, err = expectData(&t, 33, "claim public key")
	if err != nil {
		return nil, err
	}

	if err := expectOp(&t, txscript.OP_ELSE); err != nil {
		return nil, err
	}
	if err := expectOp(&t, txscript.OP_DROP); err != nil {
		return nil, err
	}

	details.TimeoutBlockHeight, err = expectHeight(&t)
	if err != nil {
		return nil, err
	}

	if err := expectOp(&t, txscript.OP_CHECKLOCKTIMEVERIFY); err != nil {
		return nil, err
	}
	if err := expectOp(&t, txscript.OP_DROP); err != nil {
		return nil, err
	}

	details.RefundPubKey, err = expectData(&t, 33, "refund public key")
	if err != nil {
		return nil, err
	}

	if err := expectOp(&t, txscript.OP_ENDIF); err != nil {
		return nil, err
	}
	if err := expectOp(&t, txscript.OP_CHECKSIG); err != nil {
		return nil, err
	}

	return details, nil
}

func expectOp(t *txscript.ScriptTokenizer, opcode byte) error {
	if !t.Next() {
		return fmt.Errorf("script truncated, expected opcode 0x%02x", opcode)
	}
	if t.Opcode() != opcode {
		return fmt.Errorf("expected opcode 0x%02x, got 0x%02x", opcode, t.Opcode())
	}
	return nil
}

func expectData(t *txscript.ScriptTokenizer, size int, what string) ([]byte, error) {
	if !t.Next() {
		return nil, fmt.Errorf("script truncated, expected %s", what)
	}
	data := t.Data()
	if len(data) != size {
		return nil, fmt.Errorf("%s must be %d bytes, got %d", what, size, len(data))
	}
	return data, nil
}

// expectHeight decodes an integer push, either a small-int opcode or a
// little-endian script number.
func expectHeight(t *txscript.ScriptTokenizer) (uint32, error) {
	if !t.Next() {
		return 0, fmt.Errorf("script truncated, expected integer push")
	}
	op := t.Opcode()
	if txscript.IsSmallInt(op) {
		return uint32(txscript.AsSmallInt(op)), nil
	}
	data := t.Data()
	if len(data) == 0 || len(data) > 5 {
		return 0, fmt.Errorf("invalid integer push of %d bytes", len(data))
	}
	var value uint64
	for i := 0; i < len(data); i++ {
		value |= uint64(data[i]) << (8 * i)
	}
	return uint32(value), nil
}
