package nursery

import (
	"context"
	"fmt"
	"time"

	"github.com/klingon-exchange/swapd/internal/bus"
	"github.com/klingon-exchange/swapd/internal/rates"
	"github.com/klingon-exchange/swapd/internal/swap"
)

// SwapRequest creates a submarine swap: the caller will fund the returned
// lockup address and the service pays their invoice.
type SwapRequest struct {
	Pair      swap.Pair
	OrderSide swap.OrderSide

	// Invoice is the bolt11 payment request the service will pay.
	Invoice string

	// RefundPublicKey is the caller's key for the refund branch.
	RefundPublicKey []byte

	OutputType     swap.OutputType
	AcceptZeroConf bool
}

// ReverseSwapRequest creates a reverse submarine swap: the service locks
// coins on-chain and the caller pays the returned hold invoice.
type ReverseSwapRequest struct {
	Pair      swap.Pair
	OrderSide swap.OrderSide

	// InvoiceAmount is the hold invoice amount in satoshis.
	InvoiceAmount uint64

	// PreimageHash commits to the caller's preimage; only they can claim.
	PreimageHash []byte

	// ClaimPublicKey is the caller's key for the claim branch.
	ClaimPublicKey []byte

	OutputType swap.OutputType
}

// CreateSwap validates, prices and persists a new submarine swap, and
// registers its lockup address with the chain observer.
func (n *Nursery) CreateSwap(ctx context.Context, req *SwapRequest) (*swap.Swap, error) {
	b, err := n.backendForSwap(req.Pair, req.OrderSide, false)
	if err != nil {
		return nil, err
	}

	details, err := n.ln.DecodeInvoice(ctx, req.Invoice)
	if err != nil {
		return nil, fmt.Errorf("failed to decode invoice: %w", err)
	}
	if details.AmountMsat == 0 {
		return nil, fmt.Errorf("invoice carries no amount")
	}
	invoiceAmount := details.AmountMsat / 1000

	if err := n.oracle.ValidateAmount(req.Pair, invoiceAmount); err != nil {
		return nil, err
	}

	quote, err := n.oracle.GetQuote(req.Pair, req.OrderSide, false)
	if err != nil {
		return nil, err
	}
	expectedAmount, percentageFee := rates.ExpectedAmount(invoiceAmount, quote)

	height := n.Height(b.Currency.Symbol)
	timeoutHeight := height + n.settings.SubmarineTimeoutDelta
	if timeoutHeight <= height+n.settings.MinSafetyDelta {
		return nil, fmt.Errorf("timeout height %d too close to tip %d", timeoutHeight, height)
	}

	keyIndex, claimKey, err := b.Wallet.NextKey()
	if err != nil {
		return nil, err
	}

	redeemScript, err := swap.SubmarineScript(
		details.PreimageHash,
		claimKey.PubKey().SerializeCompressed(),
		req.RefundPublicKey,
		timeoutHeight,
	)
	if err != nil {
		return nil, err
	}

	lockupAddress, err := swap.LockupAddress(redeemScript, req.OutputType, b.Currency.Params)
	if err != nil {
		return nil, err
	}

	id, err := swap.NewID()
	if err != nil {
		return nil, err
	}

	sw := &swap.Swap{
		ID:                 id,
		Pair:               req.Pair,
		OrderSide:          req.OrderSide,
		Status:             swap.StatusSwapCreated,
		Invoice:            req.Invoice,
		PreimageHash:       details.PreimageHash,
		RedeemScript:       redeemScript,
		LockupAddress:      lockupAddress,
		OutputType:         req.OutputType,
		KeyIndex:           keyIndex,
		ExpectedAmount:     expectedAmount,
		InvoiceAmount:      invoiceAmount,
		AcceptZeroConf:     req.AcceptZeroConf,
		TimeoutBlockHeight: timeoutHeight,
		CreatedHeight:      height,
		PercentageFee:      percentageFee,
		CreatedAt:          n.clock.Now(),
	}

	if err := n.store.InsertSwap(sw); err != nil {
		return nil, err
	}

	if err := n.watchSubmarine(b, sw); err != nil {
		return nil, err
	}

	n.log.Info("Created submarine swap",
		"id", sw.ID, "pair", sw.Pair, "expected", expectedAmount,
		"timeout", timeoutHeight, "address", lockupAddress)

	n.bus.PublishUpdate(bus.Update{ID: sw.ID, Status: sw.Status})

	return sw, nil
}

// CreateReverseSwap prices a reverse swap, creates its hold invoice,
// persists it and immediately broadcasts the service's lockup transaction.
func (n *Nursery) CreateReverseSwap(ctx context.Context, req *ReverseSwapRequest) (*swap.ReverseSwap, error) {
	b, err := n.backendForSwap(req.Pair, req.OrderSide, true)
	if err != nil {
		return nil, err
	}

	if len(req.PreimageHash) != 32 {
		return nil, fmt.Errorf("preimage hash must be 32 bytes, got %d", len(req.PreimageHash))
	}

	if err := n.oracle.ValidateAmount(req.Pair, req.InvoiceAmount); err != nil {
		return nil, err
	}

	quote, err := n.oracle.GetQuote(req.Pair, req.OrderSide, true)
	if err != nil {
		return nil, err
	}
	onchainAmount, percentageFee, err := rates.OnchainAmount(req.InvoiceAmount, quote)
	if err != nil {
		return nil, err
	}

	height := n.Height(b.Currency.Symbol)
	timeoutHeight := height + n.settings.ReverseTimeoutDelta

	keyIndex, refundKey, err := b.Wallet.NextKey()
	if err != nil {
		return nil, err
	}

	redeemScript, err := swap.ReverseSwapScript(
		req.PreimageHash,
		req.ClaimPublicKey,
		refundKey.PubKey().SerializeCompressed(),
		timeoutHeight,
	)
	if err != nil {
		return nil, err
	}

	lockupAddress, err := swap.LockupAddress(redeemScript, req.OutputType, b.Currency.Params)
	if err != nil {
		return nil, err
	}

	id, err := swap.NewID()
	if err != nil {
		return nil, err
	}

	invoice, err := n.ln.AddHoldInvoice(ctx, req.PreimageHash, req.InvoiceAmount*1000,
		n.settings.InvoiceExpiry, "Reverse swap "+id)
	if err != nil {
		return nil, fmt.Errorf("failed to create hold invoice: %w", err)
	}

	rs := &swap.ReverseSwap{
		ID:                 id,
		Pair:               req.Pair,
		OrderSide:          req.OrderSide,
		Status:             swap.StatusSwapCreated,
		Invoice:            invoice,
		PreimageHash:       req.PreimageHash,
		ClaimPublicKey:     req.ClaimPublicKey,
		RedeemScript:       redeemScript,
		LockupAddress:      lockupAddress,
		OutputType:         req.OutputType,
		KeyIndex:           keyIndex,
		InvoiceAmount:      req.InvoiceAmount,
		OnchainAmount:      onchainAmount,
		TimeoutBlockHeight: timeoutHeight,
		CreatedHeight:      height,
		PercentageFee:      percentageFee,
		CreatedAt:          n.clock.Now(),
	}

	if err := n.store.InsertReverseSwap(rs); err != nil {
		// The hold invoice would dangle without a swap behind it.
		cancelCtx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
		if cancelErr := n.ln.CancelInvoice(cancelCtx, req.PreimageHash); cancelErr != nil {
			n.log.Error("Failed to cancel orphaned hold invoice",
				"id", id, "error", cancelErr)
		}
		cancel()
		return nil, err
	}

	if err := n.watchReverse(b, rs); err != nil {
		return nil, err
	}

	n.log.Info("Created reverse swap",
		"id", rs.ID, "pair", rs.Pair, "onchain", onchainAmount,
		"timeout", timeoutHeight, "address", lockupAddress)

	n.bus.PublishUpdate(bus.Update{ID: rs.ID, IsReverse: true, Status: rs.Status})

	n.broadcastReverseLockup(b, rs.ID)

	return n.store.GetReverseSwap(rs.ID)
}

// paymentDeadline bounds a submarine payment: the invoice expiry or the
// wall-clock distance to the timeout height, whichever comes first.
func (n *Nursery) paymentDeadline(b *Backend, sw *swap.Swap, invoiceExpiry time.Time) time.Duration {
	timeout := invoiceExpiry.Sub(n.clock.Now())

	height := n.Height(b.Currency.Symbol)
	if sw.TimeoutBlockHeight > height {
		blocksLeft := time.Duration(sw.TimeoutBlockHeight - height)
		eta := blocksLeft * time.Duration(b.Currency.BlockTimeSeconds) * time.Second
		if eta < timeout {
			timeout = eta
		}
	}

	if timeout < time.Minute {
		timeout = time.Minute
	}
	return timeout
}
