package nursery

import (
	"context"
	"errors"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/klingon-exchange/swapd/internal/backend"
	"github.com/klingon-exchange/swapd/internal/bus"
	"github.com/klingon-exchange/swapd/internal/lightning"
	"github.com/klingon-exchange/swapd/internal/observer"
	"github.com/klingon-exchange/swapd/internal/swap"
)

// transitionSwap persists a submarine status change, then publishes it. The
// write always lands before the bus event.
func (n *Nursery) transitionSwap(sw *swap.Swap, status swap.Status, reason string) error {
	if err := sw.TransitionTo(status); err != nil {
		return err
	}
	if err := n.store.UpdateSwap(sw); err != nil {
		return err
	}

	n.log.Info("Swap status", "id", sw.ID, "status", status)

	n.bus.PublishUpdate(bus.Update{
		ID:            sw.ID,
		Status:        status,
		Transaction:   sw.LockupTransaction,
		FailureReason: reason,
	})
	return nil
}

// handleSubmarineLockup processes a sighting of a submarine swap's funding
// transaction.
func (n *Nursery) handleSubmarineLockup(b *Backend, id string, event observer.TxEvent) {
	unlock := n.locks.lock(swapLockKey(id))
	defer unlock()

	sw, err := n.store.GetSwap(id)
	if err != nil {
		n.log.Error("Lockup event for unknown swap", "id", id, "error", err)
		return
	}
	if sw.IsTerminal() {
		return
	}

	lockupScript, err := swap.LockupScript(sw.RedeemScript, sw.OutputType)
	if err != nil {
		n.log.Error("Failed to rebuild lockup script", "id", id, "error", err)
		return
	}

	vout, value, err := swap.FindLockupVout(event.Tx, lockupScript)
	if err != nil {
		n.log.Error("Lockup transaction pays no lockup output", "id", id, "error", err)
		return
	}

	txHex, err := swap.SerializeTx(event.Tx)
	if err != nil {
		n.log.Error("Failed to serialize lockup transaction", "id", id, "error", err)
		return
	}

	sw.LockupTransaction = &swap.TransactionInfo{
		ID:     event.TxID,
		Hex:    txHex,
		Vout:   vout,
		Amount: value,
	}

	confirmed := event.Confirmed

	if !confirmed {
		if err := n.transitionSwap(sw, swap.StatusTransactionMempool, ""); err != nil {
			n.log.Error("Failed to record mempool lockup", "id", id, "error", err)
			return
		}

		if sw.AcceptZeroConf && value >= sw.ExpectedAmount && n.zeroConfAccepted(b, sw, event.Tx) {
			n.log.Info("Zero-conf lockup accepted", "id", id, "value", value)
			confirmed = true
		}
	}

	if !confirmed {
		return
	}

	if sw.Status == swap.StatusSwapCreated || sw.Status == swap.StatusTransactionMempool {
		if err := n.transitionSwap(sw, swap.StatusTransactionConfirmed, ""); err != nil {
			n.log.Error("Failed to record confirmed lockup", "id", id, "error", err)
			return
		}
	}

	if sw.Status != swap.StatusTransactionConfirmed {
		return
	}

	// An underfunded lockup never triggers a payment; the swap sits until
	// its timeout and the user refunds themselves.
	if value < sw.ExpectedAmount {
		n.log.Warn("Lockup underfunded",
			"id", id, "value", value, "expected", sw.ExpectedAmount)
		return
	}

	if err := n.transitionSwap(sw, swap.StatusInvoicePending, ""); err != nil {
		n.log.Error("Failed to enter invoice.pending", "id", id, "error", err)
		return
	}

	n.startPayment(b, sw.ID)
}

// startPayment launches the payment task for a swap unless one is already
// in flight.
func (n *Nursery) startPayment(b *Backend, id string) {
	n.mu.Lock()
	if _, inFlight := n.payments[id]; inFlight {
		n.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	n.payments[id] = cancel
	n.mu.Unlock()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer func() {
			n.mu.Lock()
			delete(n.payments, id)
			n.mu.Unlock()
			cancel()
		}()
		n.payInvoice(ctx, b, id)
	}()
}

// payInvoice drives the Lightning leg of a submarine swap and applies the
// result under the swap's lock.
func (n *Nursery) payInvoice(ctx context.Context, b *Backend, id string) {
	sw, err := n.store.GetSwap(id)
	if err != nil {
		n.log.Error("Payment task lost its swap", "id", id, "error", err)
		return
	}

	decodeCtx, cancel := n.rpcContext()
	details, err := n.ln.DecodeInvoice(decodeCtx, sw.Invoice)
	cancel()
	if err != nil {
		n.log.Error("Failed to decode invoice before payment", "id", id, "error", err)
		return
	}

	timeout := n.paymentDeadline(b, sw, details.Expiry)

	result, payErr := n.ln.PayInvoice(ctx, sw.Invoice, timeout)

	unlock := n.locks.lock(swapLockKey(id))
	defer unlock()

	sw, err = n.store.GetSwap(id)
	if err != nil {
		n.log.Error("Payment task lost its swap", "id", id, "error", err)
		return
	}

	if payErr != nil {
		var paymentErr *lightning.PaymentError
		if errors.As(payErr, &paymentErr) {
			n.log.Warn("Payment failed terminally",
				"id", id, "kind", paymentErr.Kind, "error", payErr)
			if err := n.transitionSwap(sw, swap.StatusInvoiceFailedToPay, payErr.Error()); err != nil {
				n.log.Error("Failed to record payment failure", "id", id, "error", err)
				return
			}
			n.publishSwapResult(sw, payErr.Error())
			n.forgetSubmarine(b, sw)
			return
		}

		// Transient exhaustion: keep invoice.pending, the next block event
		// retries the payment until the swap expires.
		n.log.Warn("Payment stuck, will retry on next block", "id", id, "error", payErr)
		return
	}

	sw.Preimage = result.Preimage

	if sw.IsTerminal() {
		// The expiry scheduler cancelled this payment but it settled
		// anyway. The invoice is paid, so claim the lockup regardless;
		// status stays as the scheduler left it.
		n.log.Warn("Payment settled after swap expiry, claiming lockup", "id", id)
		if err := n.store.UpdateSwap(sw); err != nil {
			n.log.Error("Failed to persist late preimage", "id", id, "error", err)
		}
		n.claimSubmarine(b, sw)
		return
	}

	if err := n.transitionSwap(sw, swap.StatusInvoicePaid, ""); err != nil {
		n.log.Error("Failed to record paid invoice", "id", id, "error", err)
		return
	}

	n.claimSubmarine(b, sw)
}

// claimSubmarine sweeps a paid swap's lockup output with the payment
// preimage. Callers hold the swap lock.
func (n *Nursery) claimSubmarine(b *Backend, sw *swap.Swap) {
	if sw.LockupTransaction == nil || len(sw.Preimage) != 32 {
		n.log.Error("Claim without lockup or preimage", "id", sw.ID)
		return
	}

	key, err := b.Wallet.KeyAt(sw.KeyIndex)
	if err != nil {
		n.log.Error("Failed to derive claim key", "id", sw.ID, "error", err)
		return
	}

	ctx, cancel := n.rpcContext()
	defer cancel()

	destScript, err := b.Wallet.SweepScript(ctx)
	if err != nil {
		n.log.Error("Failed to get sweep script", "id", sw.ID, "error", err)
		return
	}

	feeRate, err := b.Client.EstimateFee(ctx, 2)
	if err != nil {
		n.log.Error("Failed to estimate claim fee", "id", sw.ID, "error", err)
		return
	}

	lockup := sw.LockupTransaction
	txHash, err := chainhash.NewHashFromStr(lockup.ID)
	if err != nil {
		n.log.Error("Invalid lockup txid", "id", sw.ID, "error", err)
		return
	}

	claimTx, minerFee, err := swap.ConstructClaimTransaction(&swap.SpendableOutput{
		TxHash:       *txHash,
		Vout:         lockup.Vout,
		Value:        lockup.Amount,
		Type:         sw.OutputType,
		RedeemScript: sw.RedeemScript,
	}, key, sw.Preimage, destScript, feeRate)
	if err != nil {
		n.log.Error("Failed to construct claim transaction", "id", sw.ID, "error", err)
		return
	}

	claimHex, err := swap.SerializeTx(claimTx)
	if err != nil {
		n.log.Error("Failed to serialize claim transaction", "id", sw.ID, "error", err)
		return
	}

	txid, err := b.Client.SendRawTransaction(ctx, claimHex)
	if err != nil {
		// Rejected broadcasts retry with a fresh fee on the next block;
		// nothing to do here besides logging either way.
		if backend.IsPermanentBroadcastError(err) {
			n.log.Error("Claim broadcast rejected", "id", sw.ID, "error", err)
		} else {
			n.log.Warn("Claim broadcast failed, will retry on next block",
				"id", sw.ID, "error", err)
		}
		return
	}

	sw.MinerFee = minerFee

	if sw.IsTerminal() {
		// Late claim after expiry: persist the fee, skip transitions.
		if err := n.store.UpdateSwap(sw); err != nil {
			n.log.Error("Failed to persist late claim", "id", sw.ID, "error", err)
		}
		n.forgetSubmarine(b, sw)
		return
	}

	if err := n.transitionSwap(sw, swap.StatusTransactionClaimed, ""); err != nil {
		n.log.Error("Failed to record claim", "id", sw.ID, "error", err)
		return
	}

	n.log.Info("Claimed submarine lockup",
		"id", sw.ID, "txid", txid, "miner_fee", minerFee)

	n.publishSwapResult(sw, "")
	n.forgetSubmarine(b, sw)
}

// checkSubmarineOnBlock runs the timeout scheduler and the stuck-retry
// policy for one swap.
func (n *Nursery) checkSubmarineOnBlock(b *Backend, id string, height uint32) {
	unlock := n.locks.lock(swapLockKey(id))
	defer unlock()

	sw, err := n.store.GetSwap(id)
	if err != nil || sw.IsTerminal() {
		return
	}

	if height >= sw.TimeoutBlockHeight && sw.Status != swap.StatusInvoicePaid {
		n.expireSubmarine(b, sw)
		return
	}

	switch sw.Status {
	case swap.StatusInvoicePending:
		// A stuck or interrupted payment; startPayment dedupes in-flight
		// attempts.
		n.startPayment(b, id)

	case swap.StatusInvoicePaid:
		// Paid but not yet claimed: the previous broadcast failed.
		n.claimSubmarine(b, sw)
	}
}

// expireSubmarine marks a submarine swap expired. The user refunds
// themselves; the nursery only cancels any payment attempt and stops
// watching. Callers hold the swap lock.
func (n *Nursery) expireSubmarine(b *Backend, sw *swap.Swap) {
	n.mu.Lock()
	cancel := n.payments[sw.ID]
	n.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	if err := n.transitionSwap(sw, swap.StatusSwapExpired, "swap timed out"); err != nil {
		n.log.Error("Failed to expire swap", "id", sw.ID, "error", err)
		return
	}

	n.log.Info("Swap expired", "id", sw.ID, "timeout", sw.TimeoutBlockHeight)

	n.publishSwapResult(sw, "swap timed out")
	n.forgetSubmarine(b, sw)
}

func (n *Nursery) publishSwapResult(sw *swap.Swap, reason string) {
	n.bus.PublishResult(bus.Result{
		ID:            sw.ID,
		Status:        sw.Status,
		Success:       sw.Status == swap.StatusTransactionClaimed,
		FailureReason: reason,
	})
}
