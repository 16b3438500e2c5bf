package nursery

import (
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/swapd/internal/swap"
)

// rbfThreshold is the lowest nSequence that does not signal replaceability.
const rbfThreshold = wire.MaxTxInSequenceNum - 1

// zeroConfAccepted decides whether an unconfirmed lockup may be treated as
// confirmed. The caller has already checked the output value against the
// expected amount; this adds the risk cap, the RBF check and the fee-rate
// floor.
func (n *Nursery) zeroConfAccepted(b *Backend, sw *swap.Swap, tx *wire.MsgTx) bool {
	limit := n.oracle.ZeroConfLimit(sw.Pair)
	if limit == 0 {
		n.log.Debug("Zero-conf disabled for pair", "id", sw.ID, "pair", sw.Pair)
		return false
	}
	if sw.ExpectedAmount > limit {
		n.log.Info("Zero-conf rejected, amount above risk cap",
			"id", sw.ID, "expected", sw.ExpectedAmount, "limit", limit)
		return false
	}

	// A replaceable funding transaction can be double-spent out of the
	// mempool; reject regardless of amount.
	for _, txIn := range tx.TxIn {
		if txIn.Sequence < rbfThreshold {
			n.log.Info("Zero-conf rejected, transaction signals RBF",
				"id", sw.ID, "sequence", txIn.Sequence)
			return false
		}
	}

	feeRate, err := n.lockupFeeRate(b, tx)
	if err != nil {
		n.log.Warn("Zero-conf rejected, fee rate unknown", "id", sw.ID, "error", err)
		return false
	}

	ctx, cancel := n.rpcContext()
	defer cancel()

	required, err := b.Client.EstimateFee(ctx, 1)
	if err != nil {
		n.log.Warn("Zero-conf rejected, no fee estimate", "id", sw.ID, "error", err)
		return false
	}

	if feeRate < required {
		n.log.Info("Zero-conf rejected, fee rate below estimator",
			"id", sw.ID, "fee_rate", feeRate, "required", required)
		return false
	}

	return true
}

// lockupFeeRate computes a transaction's fee rate in sat/vB by resolving
// every input's previous output.
func (n *Nursery) lockupFeeRate(b *Backend, tx *wire.MsgTx) (uint64, error) {
	ctx, cancel := n.rpcContext()
	defer cancel()

	var inputSum uint64
	for _, txIn := range tx.TxIn {
		prev := txIn.PreviousOutPoint

		prevHex, err := b.Client.RawTransaction(ctx, prev.Hash.String())
		if err != nil {
			return 0, err
		}
		prevTx, err := swap.DeserializeTx(prevHex)
		if err != nil {
			return 0, err
		}
		if prev.Index >= uint32(len(prevTx.TxOut)) {
			continue
		}
		inputSum += uint64(prevTx.TxOut[prev.Index].Value)
	}

	var outputSum uint64
	for _, txOut := range tx.TxOut {
		outputSum += uint64(txOut.Value)
	}

	if inputSum <= outputSum {
		return 0, nil
	}

	vsize := swap.TxVirtualSize(tx)
	if vsize == 0 {
		return 0, nil
	}

	return (inputSum - outputSum) / vsize, nil
}
