// Package swap - claim and refund transaction construction.
// This file builds the single-input transactions that sweep a lockup output
// back to a wallet address, for all supported output types.
package swap

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

const (
	// MinRelayFeeRate is the fee rate floor in sat/vB applied to every
	// constructed transaction.
	MinRelayFeeRate = 2

	// maxSignatureSize is the worst-case DER signature length including the
	// sighash type byte, used when sizing the transaction before signing.
	maxSignatureSize = 73

	// claimSequence leaves no timelock semantics on the input.
	claimSequence = wire.MaxTxInSequenceNum

	// refundSequence enables OP_CHECKLOCKTIMEVERIFY evaluation.
	refundSequence = wire.MaxTxInSequenceNum - 1
)

// Transaction construction errors.
var (
	ErrValueBelowFee = fmt.Errorf("lockup value does not cover the transaction fee")
)

// SpendableOutput describes a lockup output a claim or refund transaction
// spends.
type SpendableOutput struct {
	TxHash       chainhash.Hash
	Vout         uint32
	Value        uint64
	Type         OutputType
	RedeemScript []byte
}

// ConstructClaimTransaction builds and signs the transaction sweeping a
// lockup output with the revealed preimage. The fee is vsize * feeRate and
// the remainder is paid to destScript. The returned fee is persisted as the
// swap's miner fee.
func ConstructClaimTransaction(output *SpendableOutput, key *btcec.PrivateKey, preimage, destScript []byte, feeRate uint64) (*wire.MsgTx, uint64, error) {
	if len(preimage) != 32 {
		return nil, 0, fmt.Errorf("%w: got %d bytes", ErrInvalidPreimage, len(preimage))
	}
	return constructSpend(output, key, preimage, 0, claimSequence, destScript, feeRate)
}

// ConstructRefundTransaction builds and signs the transaction refunding a
// lockup output after its timeout. nLockTime is set to the timeout height so
// the CLTV branch validates.
func ConstructRefundTransaction(output *SpendableOutput, key *btcec.PrivateKey, timeoutBlockHeight uint32, destScript []byte, feeRate uint64) (*wire.MsgTx, uint64, error) {
	return constructSpend(output, key, nil, timeoutBlockHeight, refundSequence, destScript, feeRate)
}

// constructSpend is the shared path for claims and refunds. A nil preimage
// selects the refund branch of the redeem script.
func constructSpend(output *SpendableOutput, key *btcec.PrivateKey, preimage []byte, lockTime, sequence uint32, destScript []byte, feeRate uint64) (*wire.MsgTx, uint64, error) {
	if output == nil || len(output.RedeemScript) == 0 {
		return nil, 0, fmt.Errorf("missing lockup output details")
	}
	if len(destScript) == 0 {
		return nil, 0, fmt.Errorf("missing destination script")
	}
	if feeRate < MinRelayFeeRate {
		feeRate = MinRelayFeeRate
	}

	tx := wire.NewMsgTx(2)
	tx.LockTime = lockTime

	outpoint := wire.NewOutPoint(&output.TxHash, output.Vout)
	txIn := wire.NewTxIn(outpoint, nil, nil)
	txIn.Sequence = sequence
	tx.AddTxIn(txIn)

	tx.AddTxOut(wire.NewTxOut(int64(output.Value), destScript))

	// Attach a worst-case placeholder signature so the measured vsize never
	// undershoots the final transaction.
	dummySig := bytes.Repeat([]byte{0xff}, maxSignatureSize)
	if err := attachSpendData(tx, output, dummySig, preimage); err != nil {
		return nil, 0, err
	}

	fee := TxVirtualSize(tx) * feeRate
	if fee >= output.Value {
		return nil, 0, fmt.Errorf("%w: value %d, fee %d", ErrValueBelowFee, output.Value, fee)
	}
	tx.TxOut[0].Value = int64(output.Value - fee)

	signature, err := signSpend(tx, output, key)
	if err != nil {
		return nil, 0, err
	}
	if err := attachSpendData(tx, output, signature, preimage); err != nil {
		return nil, 0, err
	}

	return tx, fee, nil
}

// signSpend produces the input signature for the final output values.
func signSpend(tx *wire.MsgTx, output *SpendableOutput, key *btcec.PrivateKey) ([]byte, error) {
	switch output.Type {
	case OutputBech32, OutputCompatibility:
		lockupScript, err := LockupScript(output.RedeemScript, output.Type)
		if err != nil {
			return nil, err
		}

		fetcher := txscript.NewCannedPrevOutputFetcher(lockupScript, int64(output.Value))
		sigHashes := txscript.NewTxSigHashes(tx, fetcher)
		sigHash, err := txscript.CalcWitnessSigHash(output.RedeemScript, sigHashes, txscript.SigHashAll, tx, 0, int64(output.Value))
		if err != nil {
			return nil, fmt.Errorf("failed to compute witness sighash: %w", err)
		}

		signature := btcecdsa.Sign(key, sigHash)
		return append(signature.Serialize(), byte(txscript.SigHashAll)), nil

	case OutputLegacy:
		signature, err := txscript.RawTxInSignature(tx, 0, output.RedeemScript, txscript.SigHashAll, key)
		if err != nil {
			return nil, fmt.Errorf("failed to sign legacy input: %w", err)
		}
		return signature, nil
	}

	return nil, ErrScriptTypeNotFound.WithDetail("%s", output.Type)
}

// attachSpendData sets the witness and scriptSig appropriate for the output
// type. A nil preimage produces the refund stack with an empty preimage
// slot.
func attachSpendData(tx *wire.MsgTx, output *SpendableOutput, signature, preimage []byte) error {
	var witness wire.TxWitness
	if preimage != nil {
		witness = ClaimWitness(signature, preimage, output.RedeemScript)
	} else {
		witness = RefundWitness(signature, output.RedeemScript)
	}

	switch output.Type {
	case OutputBech32:
		tx.TxIn[0].Witness = witness
		tx.TxIn[0].SignatureScript = nil
		return nil

	case OutputCompatibility:
		witnessProgram, err := WitnessScriptHash(output.RedeemScript)
		if err != nil {
			return err
		}
		scriptSig, err := txscript.NewScriptBuilder().AddData(witnessProgram).Script()
		if err != nil {
			return fmt.Errorf("failed to build nested scriptSig: %w", err)
		}
		tx.TxIn[0].Witness = witness
		tx.TxIn[0].SignatureScript = scriptSig
		return nil

	case OutputLegacy:
		builder := txscript.NewScriptBuilder()
		for _, element := range witness {
			builder.AddData(element)
		}
		scriptSig, err := builder.Script()
		if err != nil {
			return fmt.Errorf("failed to build legacy scriptSig: %w", err)
		}
		tx.TxIn[0].Witness = nil
		tx.TxIn[0].SignatureScript = scriptSig
		return nil
	}

	return ErrScriptTypeNotFound.WithDetail("%s", output.Type)
}

// TxVirtualSize computes the virtual size of a transaction: witness bytes
// weigh one quarter of base bytes, rounded up.
func TxVirtualSize(tx *wire.MsgTx) uint64 {
	baseSize := tx.SerializeSizeStripped()
	totalSize := tx.SerializeSize()
	weight := baseSize*3 + totalSize
	return uint64((weight + 3) / 4)
}

// SerializeTx encodes a transaction to its hex wire format.
func SerializeTx(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("failed to serialize transaction: %w", err)
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

// DeserializeTx decodes a transaction from its hex wire format.
func DeserializeTx(txHex string) (*wire.MsgTx, error) {
	raw, err := hex.DecodeString(txHex)
	if err != nil {
		return nil, fmt.Errorf("invalid transaction hex: %w", err)
	}
	tx := wire.NewMsgTx(2)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("failed to deserialize transaction: %w", err)
	}
	return tx, nil
}

// FindLockupVout locates the output paying the given lockup script and
// returns its index and value.
func FindLockupVout(tx *wire.MsgTx, lockupScript []byte) (uint32, uint64, error) {
	for vout, txOut := range tx.TxOut {
		if bytes.Equal(txOut.PkScript, lockupScript) {
			return uint32(vout), uint64(txOut.Value), nil
		}
	}
	return 0, 0, fmt.Errorf("transaction pays no output to the lockup script")
}
