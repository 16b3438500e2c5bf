package swap

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

const testLockupValue = 500_000

// fakeLockupTx fabricates the transaction funding a lockup script so claim
// and refund transactions have a real outpoint to spend.
func fakeLockupTx(t *testing.T, lockupScript []byte, value uint64) *wire.MsgTx {
	t.Helper()
	tx := wire.NewMsgTx(2)
	var prev chainhash.Hash
	prev[0] = 0x01
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&prev, 0), nil, nil))
	tx.AddTxOut(wire.NewTxOut(int64(value), lockupScript))
	return tx
}

func testDestScript(t *testing.T) []byte {
	t.Helper()
	key, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	script, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(btcutil.Hash160(key.PubKey().SerializeCompressed())).
		Script()
	if err != nil {
		t.Fatalf("failed to build destination script: %v", err)
	}
	return script
}

// executeSpend runs the spending transaction through the script engine
// against the lockup output.
func executeSpend(t *testing.T, spend *wire.MsgTx, lockupScript []byte, value uint64) {
	t.Helper()
	fetcher := txscript.NewCannedPrevOutputFetcher(lockupScript, int64(value))
	engine, err := txscript.NewEngine(lockupScript, spend, 0, txscript.StandardVerifyFlags, nil, txscript.NewTxSigHashes(spend, fetcher), int64(value), fetcher)
	if err != nil {
		t.Fatalf("failed to create script engine: %v", err)
	}
	if err := engine.Execute(); err != nil {
		t.Fatalf("script execution failed: %v", err)
	}
}

func TestClaimTransaction(t *testing.T) {
	for _, outputType := range []OutputType{OutputBech32, OutputCompatibility, OutputLegacy} {
		t.Run(outputType.String(), func(t *testing.T) {
			claimKey, refundKey := testKeys(t)
			preimage, preimageHash, err := NewPreimage()
			if err != nil {
				t.Fatalf("NewPreimage failed: %v", err)
			}

			redeemScript, err := SubmarineScript(preimageHash, claimKey.PubKey().SerializeCompressed(), refundKey.PubKey().SerializeCompressed(), 600000)
			if err != nil {
				t.Fatalf("SubmarineScript failed: %v", err)
			}
			lockupScript, err := LockupScript(redeemScript, outputType)
			if err != nil {
				t.Fatalf("LockupScript failed: %v", err)
			}

			lockupTx := fakeLockupTx(t, lockupScript, testLockupValue)
			output := &SpendableOutput{
				TxHash:       lockupTx.TxHash(),
				Vout:         0,
				Value:        testLockupValue,
				Type:         outputType,
				RedeemScript: redeemScript,
			}

			claimTx, fee, err := ConstructClaimTransaction(output, claimKey, preimage, testDestScript(t), 4)
			if err != nil {
				t.Fatalf("ConstructClaimTransaction failed: %v", err)
			}

			if claimTx.LockTime != 0 {
				t.Errorf("claim nLockTime = %d, want 0", claimTx.LockTime)
			}
			if claimTx.TxIn[0].Sequence != wire.MaxTxInSequenceNum {
				t.Errorf("claim sequence = %x, want %x", claimTx.TxIn[0].Sequence, uint32(wire.MaxTxInSequenceNum))
			}
			if want := TxVirtualSize(claimTx) * 4; fee < want {
				t.Errorf("fee %d below vsize*rate %d", fee, want)
			}
			if got := uint64(claimTx.TxOut[0].Value) + fee; got != testLockupValue {
				t.Errorf("value + fee = %d, want %d", got, testLockupValue)
			}

			executeSpend(t, claimTx, lockupScript, testLockupValue)
		})
	}
}

func TestRefundTransaction(t *testing.T) {
	const timeoutHeight = 620000

	for _, outputType := range []OutputType{OutputBech32, OutputCompatibility, OutputLegacy} {
		t.Run(outputType.String(), func(t *testing.T) {
			claimKey, refundKey := testKeys(t)
			_, preimageHash, err := NewPreimage()
			if err != nil {
				t.Fatalf("NewPreimage failed: %v", err)
			}

			redeemScript, err := SubmarineScript(preimageHash, claimKey.PubKey().SerializeCompressed(), refundKey.PubKey().SerializeCompressed(), timeoutHeight)
			if err != nil {
				t.Fatalf("SubmarineScript failed: %v", err)
			}
			lockupScript, err := LockupScript(redeemScript, outputType)
			if err != nil {
				t.Fatalf("LockupScript failed: %v", err)
			}

			lockupTx := fakeLockupTx(t, lockupScript, testLockupValue)
			output := &SpendableOutput{
				TxHash:       lockupTx.TxHash(),
				Vout:         0,
				Value:        testLockupValue,
				Type:         outputType,
				RedeemScript: redeemScript,
			}

			refundTx, _, err := ConstructRefundTransaction(output, refundKey, timeoutHeight, testDestScript(t), 2)
			if err != nil {
				t.Fatalf("ConstructRefundTransaction failed: %v", err)
			}

			if refundTx.LockTime != timeoutHeight {
				t.Errorf("refund nLockTime = %d, want %d", refundTx.LockTime, timeoutHeight)
			}
			if refundTx.TxIn[0].Sequence != wire.MaxTxInSequenceNum-1 {
				t.Errorf("refund sequence = %x, want %x", refundTx.TxIn[0].Sequence, uint32(wire.MaxTxInSequenceNum-1))
			}

			executeSpend(t, refundTx, lockupScript, testLockupValue)
		})
	}
}

func TestReverseClaimAndRefund(t *testing.T) {
	const timeoutHeight = 2_100_000

	claimKey, refundKey := testKeys(t)
	preimage, preimageHash, err := NewPreimage()
	if err != nil {
		t.Fatalf("NewPreimage failed: %v", err)
	}

	redeemScript, err := ReverseSwapScript(preimageHash, claimKey.PubKey().SerializeCompressed(), refundKey.PubKey().SerializeCompressed(), timeoutHeight)
	if err != nil {
		t.Fatalf("ReverseSwapScript failed: %v", err)
	}
	lockupScript, err := LockupScript(redeemScript, OutputCompatibility)
	if err != nil {
		t.Fatalf("LockupScript failed: %v", err)
	}

	lockupTx := fakeLockupTx(t, lockupScript, testLockupValue)
	output := &SpendableOutput{
		TxHash:       lockupTx.TxHash(),
		Vout:         0,
		Value:        testLockupValue,
		Type:         OutputCompatibility,
		RedeemScript: redeemScript,
	}

	claimTx, _, err := ConstructClaimTransaction(output, claimKey, preimage, testDestScript(t), 3)
	if err != nil {
		t.Fatalf("ConstructClaimTransaction failed: %v", err)
	}
	executeSpend(t, claimTx, lockupScript, testLockupValue)

	refundTx, _, err := ConstructRefundTransaction(output, refundKey, timeoutHeight, testDestScript(t), 3)
	if err != nil {
		t.Fatalf("ConstructRefundTransaction failed: %v", err)
	}
	executeSpend(t, refundTx, lockupScript, testLockupValue)

	// Same input on both sides, only one can ever confirm.
	if claimTx.TxIn[0].PreviousOutPoint != refundTx.TxIn[0].PreviousOutPoint {
		t.Error("claim and refund must spend the same outpoint")
	}
}

func TestClaimRejectsBadPreimage(t *testing.T) {
	claimKey, refundKey := testKeys(t)
	_, preimageHash, _ := NewPreimage()

	redeemScript, err := SubmarineScript(preimageHash, claimKey.PubKey().SerializeCompressed(), refundKey.PubKey().SerializeCompressed(), 600000)
	if err != nil {
		t.Fatalf("SubmarineScript failed: %v", err)
	}
	output := &SpendableOutput{
		Value:        testLockupValue,
		Type:         OutputBech32,
		RedeemScript: redeemScript,
	}

	if _, _, err := ConstructClaimTransaction(output, claimKey, []byte("short"), testDestScript(t), 2); err == nil {
		t.Error("claim with short preimage must fail")
	}

	// A wrong 32 byte preimage builds fine but must fail script execution.
	wrong := make([]byte, 32)
	lockupScript, _ := LockupScript(redeemScript, OutputBech32)
	claimTx, _, err := ConstructClaimTransaction(output, claimKey, wrong, testDestScript(t), 2)
	if err != nil {
		t.Fatalf("ConstructClaimTransaction failed: %v", err)
	}
	fetcher := txscript.NewCannedPrevOutputFetcher(lockupScript, int64(testLockupValue))
	engine, err := txscript.NewEngine(lockupScript, claimTx, 0, txscript.StandardVerifyFlags, nil, txscript.NewTxSigHashes(claimTx, fetcher), int64(testLockupValue), fetcher)
	if err != nil {
		t.Fatalf("failed to create script engine: %v", err)
	}
	if err := engine.Execute(); err == nil {
		t.Error("claim with wrong preimage must not execute")
	}
}

func TestFeeFloor(t *testing.T) {
	claimKey, refundKey := testKeys(t)
	preimage, preimageHash, _ := NewPreimage()

	redeemScript, err := SubmarineScript(preimageHash, claimKey.PubKey().SerializeCompressed(), refundKey.PubKey().SerializeCompressed(), 600000)
	if err != nil {
		t.Fatalf("SubmarineScript failed: %v", err)
	}
	output := &SpendableOutput{
		Value:        testLockupValue,
		Type:         OutputBech32,
		RedeemScript: redeemScript,
	}

	// A zero fee rate is clamped to the relay floor.
	claimTx, fee, err := ConstructClaimTransaction(output, claimKey, preimage, testDestScript(t), 0)
	if err != nil {
		t.Fatalf("ConstructClaimTransaction failed: %v", err)
	}
	if min := TxVirtualSize(claimTx) * MinRelayFeeRate; fee < min {
		t.Errorf("fee %d below floor %d", fee, min)
	}
}

func TestValueBelowFee(t *testing.T) {
	claimKey, refundKey := testKeys(t)
	preimage, preimageHash, _ := NewPreimage()

	redeemScript, err := SubmarineScript(preimageHash, claimKey.PubKey().SerializeCompressed(), refundKey.PubKey().SerializeCompressed(), 600000)
	if err != nil {
		t.Fatalf("SubmarineScript failed: %v", err)
	}
	output := &SpendableOutput{
		Value:        100,
		Type:         OutputBech32,
		RedeemScript: redeemScript,
	}

	if _, _, err := ConstructClaimTransaction(output, claimKey, preimage, testDestScript(t), 50); err == nil {
		t.Error("dust value must not cover the fee")
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	claimKey, refundKey := testKeys(t)
	preimage, preimageHash, _ := NewPreimage()

	redeemScript, err := ReverseSwapScript(preimageHash, claimKey.PubKey().SerializeCompressed(), refundKey.PubKey().SerializeCompressed(), 700000)
	if err != nil {
		t.Fatalf("ReverseSwapScript failed: %v", err)
	}
	output := &SpendableOutput{
		Value:        testLockupValue,
		Type:         OutputBech32,
		RedeemScript: redeemScript,
	}

	claimTx, _, err := ConstructClaimTransaction(output, claimKey, preimage, testDestScript(t), 2)
	if err != nil {
		t.Fatalf("ConstructClaimTransaction failed: %v", err)
	}

	txHex, err := SerializeTx(claimTx)
	if err != nil {
		t.Fatalf("SerializeTx failed: %v", err)
	}
	decoded, err := DeserializeTx(txHex)
	if err != nil {
		t.Fatalf("DeserializeTx failed: %v", err)
	}
	if decoded.TxHash() != claimTx.TxHash() {
		t.Error("round trip changed the transaction hash")
	}

	if _, err := DeserializeTx("zz"); err == nil {
		t.Error("invalid hex must fail")
	}
}

func TestFindLockupVout(t *testing.T) {
	claimKey, refundKey := testKeys(t)
	_, preimageHash, _ := NewPreimage()

	redeemScript, err := SubmarineScript(preimageHash, claimKey.PubKey().SerializeCompressed(), refundKey.PubKey().SerializeCompressed(), 600000)
	if err != nil {
		t.Fatalf("SubmarineScript failed: %v", err)
	}
	lockupScript, err := LockupScript(redeemScript, OutputCompatibility)
	if err != nil {
		t.Fatalf("LockupScript failed: %v", err)
	}

	tx := wire.NewMsgTx(2)
	var prev chainhash.Hash
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&prev, 3), nil, nil))
	tx.AddTxOut(wire.NewTxOut(1000, testDestScript(t)))
	tx.AddTxOut(wire.NewTxOut(250_000, lockupScript))

	vout, value, err := FindLockupVout(tx, lockupScript)
	if err != nil {
		t.Fatalf("FindLockupVout failed: %v", err)
	}
	if vout != 1 || value != 250_000 {
		t.Errorf("got vout %d value %d, want 1 and 250000", vout, value)
	}

	if _, _, err := FindLockupVout(tx, []byte{0x51}); err == nil {
		t.Error("missing script must fail")
	}
}
