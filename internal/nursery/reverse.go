package nursery

import (
	"encoding/hex"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/swapd/internal/backend"
	"github.com/klingon-exchange/swapd/internal/bus"
	"github.com/klingon-exchange/swapd/internal/observer"
	"github.com/klingon-exchange/swapd/internal/swap"
)

// transitionReverse persists a reverse status change, then publishes it.
func (n *Nursery) transitionReverse(rs *swap.ReverseSwap, status swap.Status, reason string) error {
	if err := rs.TransitionTo(status); err != nil {
		return err
	}
	if err := n.store.UpdateReverseSwap(rs); err != nil {
		return err
	}

	n.log.Info("Reverse swap status", "id", rs.ID, "status", status)

	n.bus.PublishUpdate(bus.Update{
		ID:            rs.ID,
		IsReverse:     true,
		Status:        status,
		Transaction:   rs.LockupTransaction,
		FailureReason: reason,
	})
	return nil
}

// broadcastReverseLockup funds the swap's lockup address from the service
// wallet and starts watching the outpoint for the user's claim.
func (n *Nursery) broadcastReverseLockup(b *Backend, id string) {
	unlock := n.locks.lock(reverseSwapLockKey(id))
	defer unlock()

	rs, err := n.store.GetReverseSwap(id)
	if err != nil {
		n.log.Error("Lockup broadcast lost its swap", "id", id, "error", err)
		return
	}
	if rs.Status != swap.StatusSwapCreated {
		return
	}

	lockupScript, err := swap.LockupScript(rs.RedeemScript, rs.OutputType)
	if err != nil {
		n.log.Error("Failed to rebuild lockup script", "id", id, "error", err)
		return
	}

	ctx, cancel := n.rpcContext()
	defer cancel()

	feeRate, err := b.Client.EstimateFee(ctx, 2)
	if err != nil {
		n.log.Warn("Fee estimate failed, lockup deferred to next block",
			"id", id, "error", err)
		return
	}

	info, err := b.Wallet.SendToLockup(ctx, rs.LockupAddress, lockupScript, rs.OnchainAmount, feeRate)
	if err != nil {
		if backend.IsPermanentBroadcastError(err) {
			n.log.Error("Lockup broadcast rejected", "id", id, "error", err)
			if terr := n.transitionReverse(rs, swap.StatusTransactionFailed, err.Error()); terr != nil {
				n.log.Error("Failed to record lockup failure", "id", id, "error", terr)
				return
			}
			n.publishReverseResult(rs, err.Error())
			n.cancelHoldInvoice(rs)
			n.forgetReverse(b, rs)
			return
		}

		// Transient: the swap stays in swap.created and the next block
		// event retries the broadcast.
		n.log.Warn("Lockup broadcast failed, will retry on next block",
			"id", id, "error", err)
		return
	}

	rs.LockupTransaction = info

	if err := n.transitionReverse(rs, swap.StatusTransactionMempool, ""); err != nil {
		n.log.Error("Failed to record lockup broadcast", "id", id, "error", err)
		return
	}

	n.watchReverseOutpoint(b, rs)

	n.log.Info("Broadcast reverse lockup",
		"id", id, "txid", info.ID, "amount", info.Amount)
}

// handleReverseLockup processes sightings of the service's own lockup
// transaction.
func (n *Nursery) handleReverseLockup(b *Backend, id string, event observer.TxEvent) {
	unlock := n.locks.lock(reverseSwapLockKey(id))
	defer unlock()

	rs, err := n.store.GetReverseSwap(id)
	if err != nil {
		n.log.Error("Lockup event for unknown reverse swap", "id", id, "error", err)
		return
	}
	if rs.IsTerminal() {
		return
	}

	// A sighting while still swap.created means the broadcast landed but
	// the process died before persisting it; rebuild the record.
	if rs.Status == swap.StatusSwapCreated {
		lockupScript, err := swap.LockupScript(rs.RedeemScript, rs.OutputType)
		if err != nil {
			return
		}
		vout, value, err := swap.FindLockupVout(event.Tx, lockupScript)
		if err != nil {
			return
		}
		txHex, err := swap.SerializeTx(event.Tx)
		if err != nil {
			return
		}

		rs.LockupTransaction = &swap.TransactionInfo{
			ID:     event.TxID,
			Hex:    txHex,
			Vout:   vout,
			Amount: value,
		}
		if err := n.transitionReverse(rs, swap.StatusTransactionMempool, ""); err != nil {
			n.log.Error("Failed to adopt lockup transaction", "id", id, "error", err)
			return
		}
		n.watchReverseOutpoint(b, rs)
	}

	if event.Confirmed && rs.Status == swap.StatusTransactionMempool {
		if err := n.transitionReverse(rs, swap.StatusTransactionConfirmed, ""); err != nil {
			n.log.Error("Failed to record lockup confirmation", "id", id, "error", err)
		}
	}
}

// handleReverseInvoicePaid moves a reverse swap forward when the user's
// HTLC locks in on the hold invoice.
func (n *Nursery) handleReverseInvoicePaid(preimageHash []byte) {
	rs, err := n.store.GetReverseSwapByPreimageHash(preimageHash)
	if err != nil {
		n.log.Debug("Invoice event without matching reverse swap",
			"preimage_hash", hex.EncodeToString(preimageHash))
		return
	}

	unlock := n.locks.lock(reverseSwapLockKey(rs.ID))
	defer unlock()

	rs, err = n.store.GetReverseSwap(rs.ID)
	if err != nil || rs.IsTerminal() {
		return
	}

	if rs.Status != swap.StatusTransactionConfirmed {
		// The user paid before our lockup confirmed; the confirmation
		// handler will advance the swap and the claim path re-checks
		// storage state, so just note it.
		n.log.Debug("Hold invoice paid before lockup confirmation", "id", rs.ID)
		return
	}

	if err := n.transitionReverse(rs, swap.StatusInvoicePaid, ""); err != nil {
		n.log.Error("Failed to record paid hold invoice", "id", rs.ID, "error", err)
	}
}

// handleReverseClaim reacts to a spend of the swap's lockup outpoint. A
// spend carrying the preimage is the user's claim and settles the hold
// invoice; our own refund also hits this filter and carries none.
func (n *Nursery) handleReverseClaim(b *Backend, id string, event observer.TxEvent) {
	unlock := n.locks.lock(reverseSwapLockKey(id))
	defer unlock()

	rs, err := n.store.GetReverseSwap(id)
	if err != nil {
		n.log.Error("Claim event for unknown reverse swap", "id", id, "error", err)
		return
	}
	if rs.IsTerminal() {
		return
	}

	preimage := extractPreimage(event.Tx, rs)
	if preimage == nil {
		n.log.Debug("Lockup spend without preimage", "id", id, "txid", event.TxID)
		return
	}

	rs.Preimage = preimage

	if rs.Status == swap.StatusTransactionConfirmed {
		// Claim seen before the invoice event; the payment must have
		// locked in for the user to know the preimage pays out.
		if err := n.transitionReverse(rs, swap.StatusInvoicePaid, ""); err != nil {
			n.log.Error("Failed to record paid hold invoice", "id", id, "error", err)
			return
		}
	}

	if rs.Status != swap.StatusInvoicePaid {
		return
	}

	n.settleReverse(b, rs)
}

// settleReverse releases the preimage to the Lightning node and finishes
// the swap. Callers hold the swap lock and have persisted the preimage on
// the entity.
func (n *Nursery) settleReverse(b *Backend, rs *swap.ReverseSwap) {
	ctx, cancel := n.rpcContext()
	defer cancel()

	if err := n.ln.SettleInvoice(ctx, rs.Preimage); err != nil {
		// Keep invoice.paid with the preimage persisted; the next block
		// event retries the settle.
		n.log.Warn("Failed to settle hold invoice, will retry on next block",
			"id", rs.ID, "error", err)
		if err := n.store.UpdateReverseSwap(rs); err != nil {
			n.log.Error("Failed to persist claim preimage", "id", rs.ID, "error", err)
		}
		return
	}

	if err := n.transitionReverse(rs, swap.StatusInvoiceSettled, ""); err != nil {
		n.log.Error("Failed to record settled invoice", "id", rs.ID, "error", err)
		return
	}

	n.log.Info("Reverse swap settled", "id", rs.ID)

	n.publishReverseResult(rs, "")
	n.forgetReverse(b, rs)
}

// checkReverseOnBlock runs the timeout scheduler and stuck-retry policy for
// one reverse swap.
func (n *Nursery) checkReverseOnBlock(b *Backend, id string, height uint32) {
	unlock := n.locks.lock(reverseSwapLockKey(id))
	defer unlock()

	rs, err := n.store.GetReverseSwap(id)
	if err != nil || rs.IsTerminal() {
		return
	}

	// A revealed preimage always wins over expiry: the user claimed, so
	// the invoice must settle.
	if len(rs.Preimage) == 32 && rs.Status == swap.StatusInvoicePaid {
		n.settleReverse(b, rs)
		return
	}

	if height >= rs.TimeoutBlockHeight {
		n.expireReverse(b, rs)
		return
	}

	if rs.Status == swap.StatusSwapCreated {
		// Lockup broadcast never landed; the retry re-acquires the lock
		// once this handler releases it.
		n.log.Debug("Retrying reverse lockup broadcast", "id", id)
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.broadcastReverseLockup(b, id)
		}()
	}

	if rs.Status == swap.StatusSwapExpired {
		n.refundReverse(b, rs)
	}
}

// expireReverse cancels the hold invoice and refunds the service's lockup.
// Callers hold the swap lock.
func (n *Nursery) expireReverse(b *Backend, rs *swap.ReverseSwap) {
	n.cancelHoldInvoice(rs)

	if err := n.transitionReverse(rs, swap.StatusSwapExpired, "swap timed out"); err != nil {
		n.log.Error("Failed to expire reverse swap", "id", rs.ID, "error", err)
		return
	}

	n.log.Info("Reverse swap expired", "id", rs.ID, "timeout", rs.TimeoutBlockHeight)

	if rs.LockupTransaction == nil {
		// Nothing ever locked up, the swap just ends.
		n.publishReverseResult(rs, "swap timed out")
		n.forgetReverse(b, rs)
		return
	}

	n.refundReverse(b, rs)
}

// refundReverse sweeps the expired swap's own lockup back to the wallet.
// Callers hold the swap lock.
func (n *Nursery) refundReverse(b *Backend, rs *swap.ReverseSwap) {
	key, err := b.Wallet.KeyAt(rs.KeyIndex)
	if err != nil {
		n.log.Error("Failed to derive refund key", "id", rs.ID, "error", err)
		return
	}

	ctx, cancel := n.rpcContext()
	defer cancel()

	destScript, err := b.Wallet.SweepScript(ctx)
	if err != nil {
		n.log.Error("Failed to get sweep script", "id", rs.ID, "error", err)
		return
	}

	feeRate, err := b.Client.EstimateFee(ctx, 2)
	if err != nil {
		n.log.Error("Failed to estimate refund fee", "id", rs.ID, "error", err)
		return
	}

	lockup := rs.LockupTransaction
	txHash, err := chainhash.NewHashFromStr(lockup.ID)
	if err != nil {
		n.log.Error("Invalid lockup txid", "id", rs.ID, "error", err)
		return
	}

	refundTx, minerFee, err := swap.ConstructRefundTransaction(&swap.SpendableOutput{
		TxHash:       *txHash,
		Vout:         lockup.Vout,
		Value:        lockup.Amount,
		Type:         rs.OutputType,
		RedeemScript: rs.RedeemScript,
	}, key, rs.TimeoutBlockHeight, destScript, feeRate)
	if err != nil {
		n.log.Error("Failed to construct refund transaction", "id", rs.ID, "error", err)
		return
	}

	refundHex, err := swap.SerializeTx(refundTx)
	if err != nil {
		n.log.Error("Failed to serialize refund transaction", "id", rs.ID, "error", err)
		return
	}

	txid, err := b.Client.SendRawTransaction(ctx, refundHex)
	if err != nil {
		if backend.IsPermanentBroadcastError(err) {
			n.log.Error("Refund broadcast rejected", "id", rs.ID, "error", err)
		} else {
			n.log.Warn("Refund broadcast failed, will retry on next block",
				"id", rs.ID, "error", err)
		}
		return
	}

	rs.MinerFee = minerFee

	if err := n.transitionReverse(rs, swap.StatusTransactionRefunded, "swap timed out"); err != nil {
		n.log.Error("Failed to record refund", "id", rs.ID, "error", err)
		return
	}

	n.log.Info("Refunded reverse lockup",
		"id", rs.ID, "txid", txid, "miner_fee", minerFee)

	n.publishReverseResult(rs, "swap timed out")
	n.forgetReverse(b, rs)
}

// cancelHoldInvoice releases the user's locked HTLCs, best-effort.
func (n *Nursery) cancelHoldInvoice(rs *swap.ReverseSwap) {
	ctx, cancel := n.rpcContext()
	defer cancel()

	if err := n.ln.CancelInvoice(ctx, rs.PreimageHash); err != nil {
		n.log.Warn("Failed to cancel hold invoice", "id", rs.ID, "error", err)
	}
}

func (n *Nursery) publishReverseResult(rs *swap.ReverseSwap, reason string) {
	n.bus.PublishResult(bus.Result{
		ID:            rs.ID,
		IsReverse:     true,
		Status:        rs.Status,
		Success:       rs.Status == swap.StatusInvoiceSettled,
		FailureReason: reason,
	})
}

// extractPreimage digs the 32-byte payment preimage out of a claim
// transaction's input data, checking the witness for segwit spends and the
// scriptSig pushes for legacy ones.
func extractPreimage(tx *wire.MsgTx, rs *swap.ReverseSwap) []byte {
	for _, txIn := range tx.TxIn {
		for _, item := range txIn.Witness {
			if swap.VerifyPreimage(item, rs.PreimageHash) {
				return item
			}
		}

		if len(txIn.SignatureScript) > 0 {
			pushes, err := txscript.PushedData(txIn.SignatureScript)
			if err != nil {
				continue
			}
			for _, item := range pushes {
				if swap.VerifyPreimage(item, rs.PreimageHash) {
					return item
				}
			}
		}
	}
	return nil
}
