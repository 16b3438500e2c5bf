// Package nursery orchestrates swap lifecycles. It turns chain and
// Lightning events into state transitions, drives payments, and broadcasts
// claim and refund transactions. Every mutating action on a swap runs under
// that swap's named lock; the nursery holds no long-lived per-swap
// goroutine.
package nursery

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"

	"github.com/klingon-exchange/swapd/internal/backend"
	"github.com/klingon-exchange/swapd/internal/bus"
	"github.com/klingon-exchange/swapd/internal/chain"
	"github.com/klingon-exchange/swapd/internal/lightning"
	"github.com/klingon-exchange/swapd/internal/observer"
	"github.com/klingon-exchange/swapd/internal/rates"
	"github.com/klingon-exchange/swapd/internal/storage"
	"github.com/klingon-exchange/swapd/internal/swap"
	"github.com/klingon-exchange/swapd/internal/wallet"
	"github.com/klingon-exchange/swapd/pkg/logging"
)

// rpcTimeout bounds every chain and Lightning RPC the nursery issues.
const rpcTimeout = 30 * time.Second

// ChainWatcher is the observer surface the nursery depends on.
type ChainWatcher interface {
	RegisterOutputScript(script []byte)
	UnregisterOutputScript(script []byte)
	RegisterInput(txid string, vout uint32)
	UnregisterInput(txid string, vout uint32)
	Rescan(startHeight uint32)
	TxEvents() <-chan observer.TxEvent
	BlockEvents() <-chan observer.BlockEvent
}

// Backend bundles everything the nursery needs for one chain.
type Backend struct {
	Currency *chain.Currency
	Client   backend.ChainClient
	Watcher  ChainWatcher
	Wallet   *wallet.Wallet
}

// Settings are the swap parameters from configuration.
type Settings struct {
	// MinSafetyDelta is the minimum distance in blocks between the current
	// tip and a new swap's timeout.
	MinSafetyDelta uint32

	// SubmarineTimeoutDelta is added to the tip as the timeout height of a
	// new submarine swap.
	SubmarineTimeoutDelta uint32

	// ReverseTimeoutDelta is the reverse-swap equivalent.
	ReverseTimeoutDelta uint32

	// InvoiceExpiry is the expiry of created hold invoices.
	InvoiceExpiry time.Duration
}

// DefaultSettings returns the stock swap parameters.
func DefaultSettings() Settings {
	return Settings{
		MinSafetyDelta:        10,
		SubmarineTimeoutDelta: 144,
		ReverseTimeoutDelta:   144,
		InvoiceExpiry:         time.Hour,
	}
}

// Config wires a Nursery.
type Config struct {
	Store     *storage.Storage
	Bus       *bus.Bus
	Oracle    rates.Oracle
	Lightning lightning.Client
	Backends  []*Backend
	Settings  Settings
	Clock     clock.Clock
	Log       *logging.Logger
}

// swapRef points a watched script back at its swap.
type swapRef struct {
	id        string
	isReverse bool
}

// Nursery is the swap lifecycle engine.
type Nursery struct {
	store    *storage.Storage
	bus      *bus.Bus
	oracle   rates.Oracle
	ln       lightning.Client
	backends map[string]*Backend
	settings Settings
	clock    clock.Clock
	log      *logging.Logger

	locks *lockTable

	mu            sync.RWMutex
	outputScripts map[string]swapRef
	outpoints     map[string]string
	heights       map[string]uint32
	payments      map[string]context.CancelFunc

	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Nursery. Start recovers pending swaps and begins event
// dispatch.
func New(cfg *Config) *Nursery {
	log := cfg.Log
	if log == nil {
		log = logging.GetDefault()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	settings := cfg.Settings
	if settings.SubmarineTimeoutDelta == 0 {
		settings = DefaultSettings()
	}

	backends := make(map[string]*Backend, len(cfg.Backends))
	for _, b := range cfg.Backends {
		backends[b.Currency.Symbol] = b
	}

	return &Nursery{
		store:         cfg.Store,
		bus:           cfg.Bus,
		oracle:        cfg.Oracle,
		ln:            cfg.Lightning,
		backends:      backends,
		settings:      settings,
		clock:         clk,
		log:           log.Component("nursery"),
		locks:         newLockTable(),
		outputScripts: make(map[string]swapRef),
		outpoints:     make(map[string]string),
		heights:       make(map[string]uint32),
		payments:      make(map[string]context.CancelFunc),
		quit:          make(chan struct{}),
	}
}

// Start recovers pending swaps from storage and launches the event
// dispatchers. The observers must be started separately.
func (n *Nursery) Start(ctx context.Context) error {
	for symbol, b := range n.backends {
		info, err := b.Client.BlockchainInfo(ctx)
		if err != nil {
			return fmt.Errorf("failed to read %s chain info: %w", symbol, err)
		}
		n.mu.Lock()
		n.heights[symbol] = info.Blocks
		n.mu.Unlock()
	}

	if err := n.recover(ctx); err != nil {
		return err
	}

	for _, b := range n.backends {
		n.wg.Add(1)
		go n.chainDispatcher(b)
	}

	n.wg.Add(1)
	go n.lightningDispatcher()

	return nil
}

// Stop halts dispatch and waits for in-flight handlers. Safe to call more
// than once.
func (n *Nursery) Stop() {
	n.stopOnce.Do(func() {
		close(n.quit)

		n.mu.Lock()
		for _, cancel := range n.payments {
			cancel()
		}
		n.mu.Unlock()

		n.wg.Wait()
	})
}

// Height returns the last seen tip of a chain.
func (n *Nursery) Height(symbol string) uint32 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.heights[symbol]
}

// Stats returns pending and settled swap counts for status logging.
func (n *Nursery) Stats() (pending, settled int, err error) {
	p, s, err := n.store.CountSwaps()
	if err != nil {
		return 0, 0, err
	}
	rp, rs, err := n.store.CountReverseSwaps()
	if err != nil {
		return 0, 0, err
	}
	return p + rp, s + rs, nil
}

// RescanHeightFunc returns the observer rescan hook for one chain: the
// lowest creation height among its pending swaps, zero when nothing is
// pending.
func (n *Nursery) RescanHeightFunc(symbol string) func() uint32 {
	return func() uint32 {
		height, err := n.minPendingHeight(symbol)
		if err != nil {
			n.log.Error("Failed to compute rescan height", "currency", symbol, "error", err)
			return 0
		}
		return height
	}
}

func (n *Nursery) minPendingHeight(symbol string) (uint32, error) {
	var min uint32

	consider := func(currency string, created uint32) {
		if currency != symbol || created == 0 {
			return
		}
		if min == 0 || created < min {
			min = created
		}
	}

	swaps, err := n.store.PendingSwaps()
	if err != nil {
		return 0, err
	}
	for _, sw := range swaps {
		currency, err := sw.OnchainCurrency()
		if err != nil {
			continue
		}
		consider(currency, sw.CreatedHeight)
	}

	reverseSwaps, err := n.store.PendingReverseSwaps()
	if err != nil {
		return 0, err
	}
	for _, rs := range reverseSwaps {
		currency, err := rs.OnchainCurrency()
		if err != nil {
			continue
		}
		consider(currency, rs.CreatedHeight)
	}

	return min, nil
}

// recover reloads every pending swap, re-registers its filters and
// re-subscribes outstanding hold invoices, then queues rescans from the
// lowest pending height per chain.
func (n *Nursery) recover(ctx context.Context) error {
	swaps, err := n.store.PendingSwaps()
	if err != nil {
		return fmt.Errorf("failed to load pending swaps: %w", err)
	}

	for _, sw := range swaps {
		b, err := n.backendForSwap(sw.Pair, sw.OrderSide, false)
		if err != nil {
			return fmt.Errorf("swap %s: %w", sw.ID, err)
		}
		if err := n.watchSubmarine(b, sw); err != nil {
			return fmt.Errorf("swap %s: %w", sw.ID, err)
		}
	}

	reverseSwaps, err := n.store.PendingReverseSwaps()
	if err != nil {
		return fmt.Errorf("failed to load pending reverse swaps: %w", err)
	}

	for _, rs := range reverseSwaps {
		b, err := n.backendForSwap(rs.Pair, rs.OrderSide, true)
		if err != nil {
			return fmt.Errorf("reverse swap %s: %w", rs.ID, err)
		}
		if err := n.watchReverse(b, rs); err != nil {
			return fmt.Errorf("reverse swap %s: %w", rs.ID, err)
		}

		// The hold invoice outlives restarts; resubscribe so its events
		// replay on the stream.
		trackCtx, cancel := context.WithTimeout(ctx, rpcTimeout)
		err = n.ln.TrackInvoice(trackCtx, rs.PreimageHash)
		cancel()
		if err != nil {
			n.log.Warn("Failed to re-track hold invoice",
				"swap", rs.ID, "error", err)
		}
	}

	if len(swaps) > 0 || len(reverseSwaps) > 0 {
		n.log.Info("Recovered pending swaps",
			"submarine", len(swaps), "reverse", len(reverseSwaps))
	}

	for symbol, b := range n.backends {
		height, err := n.minPendingHeight(symbol)
		if err != nil {
			return err
		}
		if height > 0 {
			b.Watcher.Rescan(height)
		}
	}

	return nil
}

// watchSubmarine registers a submarine swap's lockup script.
func (n *Nursery) watchSubmarine(b *Backend, sw *swap.Swap) error {
	script, err := swap.LockupScript(sw.RedeemScript, sw.OutputType)
	if err != nil {
		return err
	}

	b.Watcher.RegisterOutputScript(script)

	n.mu.Lock()
	n.outputScripts[hex.EncodeToString(script)] = swapRef{id: sw.ID}
	n.mu.Unlock()

	return nil
}

// watchReverse registers a reverse swap's own lockup script and, once the
// lockup exists, the outpoint whose spend is the user's claim.
func (n *Nursery) watchReverse(b *Backend, rs *swap.ReverseSwap) error {
	script, err := swap.LockupScript(rs.RedeemScript, rs.OutputType)
	if err != nil {
		return err
	}

	b.Watcher.RegisterOutputScript(script)

	n.mu.Lock()
	n.outputScripts[hex.EncodeToString(script)] = swapRef{id: rs.ID, isReverse: true}
	n.mu.Unlock()

	if rs.LockupTransaction != nil {
		n.watchReverseOutpoint(b, rs)
	}

	return nil
}

func (n *Nursery) watchReverseOutpoint(b *Backend, rs *swap.ReverseSwap) {
	lockup := rs.LockupTransaction
	b.Watcher.RegisterInput(lockup.ID, lockup.Vout)

	n.mu.Lock()
	n.outpoints[outpointKey(lockup.ID, lockup.Vout)] = rs.ID
	n.mu.Unlock()
}

// forgetSubmarine drops a terminal submarine swap from the filters.
func (n *Nursery) forgetSubmarine(b *Backend, sw *swap.Swap) {
	script, err := swap.LockupScript(sw.RedeemScript, sw.OutputType)
	if err != nil {
		return
	}

	b.Watcher.UnregisterOutputScript(script)

	n.mu.Lock()
	delete(n.outputScripts, hex.EncodeToString(script))
	n.mu.Unlock()
}

// forgetReverse drops a terminal reverse swap from the filters.
func (n *Nursery) forgetReverse(b *Backend, rs *swap.ReverseSwap) {
	script, err := swap.LockupScript(rs.RedeemScript, rs.OutputType)
	if err == nil {
		b.Watcher.UnregisterOutputScript(script)
		n.mu.Lock()
		delete(n.outputScripts, hex.EncodeToString(script))
		n.mu.Unlock()
	}

	if rs.LockupTransaction != nil {
		lockup := rs.LockupTransaction
		b.Watcher.UnregisterInput(lockup.ID, lockup.Vout)
		n.mu.Lock()
		delete(n.outpoints, outpointKey(lockup.ID, lockup.Vout))
		n.mu.Unlock()
	}
}

// chainDispatcher fans one chain's events into handlers. Transaction events
// run concurrently under per-swap locks; block events wait for all in-flight
// transaction handlers first, so the timeout scheduler always sees settled
// state.
func (n *Nursery) chainDispatcher(b *Backend) {
	defer n.wg.Done()

	var tasks sync.WaitGroup
	defer tasks.Wait()

	for {
		select {
		case <-n.quit:
			return

		case event := <-b.Watcher.TxEvents():
			tasks.Add(1)
			go func(event observer.TxEvent) {
				defer tasks.Done()
				n.handleTxEvent(b, event)
			}(event)

		case block := <-b.Watcher.BlockEvents():
			tasks.Wait()
			n.handleBlock(b, block.Height)
		}
	}
}

// handleTxEvent routes a relevant transaction to the swaps it touches.
func (n *Nursery) handleTxEvent(b *Backend, event observer.TxEvent) {
	n.mu.RLock()
	var outputRefs []swapRef
	for _, txOut := range event.Tx.TxOut {
		if ref, ok := n.outputScripts[hex.EncodeToString(txOut.PkScript)]; ok {
			outputRefs = append(outputRefs, ref)
		}
	}
	var claimIDs []string
	for _, txIn := range event.Tx.TxIn {
		prev := txIn.PreviousOutPoint
		if id, ok := n.outpoints[outpointKey(prev.Hash.String(), prev.Index)]; ok {
			claimIDs = append(claimIDs, id)
		}
	}
	n.mu.RUnlock()

	for _, ref := range outputRefs {
		if ref.isReverse {
			n.handleReverseLockup(b, ref.id, event)
		} else {
			n.handleSubmarineLockup(b, ref.id, event)
		}
	}

	for _, id := range claimIDs {
		n.handleReverseClaim(b, id, event)
	}
}

// handleBlock advances the tip, expires swaps whose timeout has passed and
// retries stuck actions.
func (n *Nursery) handleBlock(b *Backend, height uint32) {
	n.mu.Lock()
	n.heights[b.Currency.Symbol] = height
	n.mu.Unlock()

	swaps, err := n.store.PendingSwaps()
	if err != nil {
		n.log.Error("Failed to load pending swaps on block", "error", err)
		return
	}
	for _, sw := range swaps {
		currency, err := sw.OnchainCurrency()
		if err != nil || currency != b.Currency.Symbol {
			continue
		}
		n.checkSubmarineOnBlock(b, sw.ID, height)
	}

	reverseSwaps, err := n.store.PendingReverseSwaps()
	if err != nil {
		n.log.Error("Failed to load pending reverse swaps on block", "error", err)
		return
	}
	for _, rs := range reverseSwaps {
		currency, err := rs.OnchainCurrency()
		if err != nil || currency != b.Currency.Symbol {
			continue
		}
		n.checkReverseOnBlock(b, rs.ID, height)
	}
}

// lightningDispatcher consumes the node's invoice event stream.
func (n *Nursery) lightningDispatcher() {
	defer n.wg.Done()

	for {
		select {
		case <-n.quit:
			return
		case event, ok := <-n.ln.Events():
			if !ok {
				return
			}
			n.handleLightningEvent(event)
		}
	}
}

func (n *Nursery) handleLightningEvent(event lightning.Event) {
	switch event.Type {
	case lightning.EventHtlcAccepted, lightning.EventInvoicePaid:
		n.handleReverseInvoicePaid(event.PreimageHash)

	case lightning.EventInvoiceSettled:
		// Settlement is driven by the on-chain claim path; the echo from
		// the node needs no action.
		n.log.Debug("Invoice settled",
			"preimage_hash", hex.EncodeToString(event.PreimageHash))

	case lightning.EventInvoiceFailedToPay:
		// Outgoing payment results arrive through PayInvoice; the stream
		// copy is informational.
		n.log.Warn("Node reported failed payment",
			"preimage_hash", hex.EncodeToString(event.PreimageHash),
			"reason", event.Reason)

	case lightning.EventChannelBackup:
		n.log.Info("Channel backup updated", "size", len(event.Backup))
		n.bus.PublishBackup(event.Backup)

	default:
		n.log.Debug("Unhandled lightning event", "type", event.Type)
	}
}

// backendForSwap resolves the chain a swap's lockup lives on.
func (n *Nursery) backendForSwap(pair swap.Pair, side swap.OrderSide, isReverse bool) (*Backend, error) {
	base, quote, err := pair.Currencies()
	if err != nil {
		return nil, err
	}

	symbol := swap.OnchainSymbol(base, quote, side, isReverse)
	b, ok := n.backends[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: no backend for %s", swap.ErrUnsupportedPair, symbol)
	}
	return b, nil
}

func (n *Nursery) rpcContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), rpcTimeout)
}

func outpointKey(txid string, vout uint32) string {
	return fmt.Sprintf("%s:%d", txid, vout)
}
