// Package observer watches one chain for transactions the swap daemon cares
// about. It matches every incoming transaction against two filter sets,
// lockup scripts awaiting funding and outpoints awaiting a spend, and turns
// matches into ordered mempool/confirmed events for the nursery.
package observer

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/queue"

	"github.com/klingon-exchange/swapd/internal/backend"
	"github.com/klingon-exchange/swapd/pkg/logging"
)

// rpcTimeout bounds every chain RPC issued by the observer.
const rpcTimeout = 30 * time.Second

// TxEvent reports a relevant transaction sighting. The same transaction is
// reported twice, first unconfirmed and again once included in a block;
// consumers tolerate duplicates.
type TxEvent struct {
	Tx        *wire.MsgTx
	TxID      string
	Confirmed bool
}

// BlockEvent reports a new chain tip. The nursery's timeout scheduler runs
// off these.
type BlockEvent struct {
	Height uint32
}

// rescanRequest is queued through the same intake as notifications so a
// rescan cannot interleave with live frames.
type rescanRequest struct {
	startHeight uint32
}

// Config wires an Observer to one chain.
type Config struct {
	Currency string
	Client   backend.ChainClient

	// StreamURL overrides stream discovery through getzmqnotifications.
	StreamURL string

	// RescanHeight returns the height a post-reconnect rescan starts from.
	// Nil or a zero return skips the rescan.
	RescanHeight func() uint32

	Log *logging.Logger
}

// Observer consumes one node's notification stream.
type Observer struct {
	currency string
	client   backend.ChainClient
	log      *logging.Logger

	streamURL    string
	stream       *backend.Stream
	rescanHeight func() uint32

	// One lock guards both filter sets and the seen map.
	filterMu        sync.RWMutex
	relevantOutputs map[string]struct{}
	relevantInputs  map[string]struct{}
	seenTxs         map[string]struct{}

	// Intake is unbounded so the stream reader never blocks behind a slow
	// consumer.
	intake *queue.ConcurrentQueue

	txEvents    chan TxEvent
	blockEvents chan BlockEvent

	quit chan struct{}
	wg   sync.WaitGroup
}

// New creates an Observer. Start connects it.
func New(cfg *Config) *Observer {
	log := cfg.Log
	if log == nil {
		log = logging.GetDefault()
	}

	return &Observer{
		currency:        cfg.Currency,
		client:          cfg.Client,
		log:             log.Component("observer/" + cfg.Currency),
		streamURL:       cfg.StreamURL,
		rescanHeight:    cfg.RescanHeight,
		relevantOutputs: make(map[string]struct{}),
		relevantInputs:  make(map[string]struct{}),
		seenTxs:         make(map[string]struct{}),
		intake:          queue.NewConcurrentQueue(64),
		txEvents:        make(chan TxEvent, 64),
		blockEvents:     make(chan BlockEvent, 16),
		quit:            make(chan struct{}),
	}
}

// Currency returns the chain symbol this observer watches.
func (o *Observer) Currency() string {
	return o.currency
}

// TxEvents returns the relevant-transaction event channel.
func (o *Observer) TxEvents() <-chan TxEvent {
	return o.txEvents
}

// BlockEvents returns the new-tip event channel.
func (o *Observer) BlockEvents() <-chan BlockEvent {
	return o.blockEvents
}

// Start discovers the notification endpoint if needed, connects the stream
// and launches the intake worker.
func (o *Observer) Start(ctx context.Context) error {
	url := o.streamURL
	if url == "" {
		notifications, err := o.client.ZmqNotifications(ctx)
		if err != nil {
			return fmt.Errorf("failed to discover notification endpoint: %w", err)
		}
		if len(notifications) == 0 {
			return backend.ErrNoStreamAddress
		}
		url = notifications[0].Address
	}

	o.stream = backend.NewStream(url, func(n backend.Notification) {
		o.intake.ChanIn() <- n
	}, o.log)

	o.stream.SetReconnectHook(func() {
		if o.rescanHeight == nil {
			return
		}
		if height := o.rescanHeight(); height > 0 {
			o.Rescan(height)
		}
	})

	o.intake.Start()

	if err := o.stream.Start(); err != nil {
		o.intake.Stop()
		return err
	}

	o.wg.Add(1)
	go o.worker()

	return nil
}

// Stop disconnects the stream and drains the worker.
func (o *Observer) Stop() {
	close(o.quit)
	if o.stream != nil {
		o.stream.Stop()
	}
	o.intake.Stop()
	o.wg.Wait()
}

// RegisterOutputScript adds a lockup scriptPubKey to the funding watch set.
func (o *Observer) RegisterOutputScript(script []byte) {
	o.filterMu.Lock()
	defer o.filterMu.Unlock()
	o.relevantOutputs[hex.EncodeToString(script)] = struct{}{}
}

// UnregisterOutputScript removes a lockup scriptPubKey from the watch set.
func (o *Observer) UnregisterOutputScript(script []byte) {
	o.filterMu.Lock()
	defer o.filterMu.Unlock()
	delete(o.relevantOutputs, hex.EncodeToString(script))
}

// RegisterInput adds an outpoint to the spend watch set. The nursery uses
// this to detect the user's claim of a reverse swap lockup.
func (o *Observer) RegisterInput(txid string, vout uint32) {
	o.filterMu.Lock()
	defer o.filterMu.Unlock()
	o.relevantInputs[outpointKey(txid, vout)] = struct{}{}
}

// UnregisterInput removes an outpoint from the spend watch set.
func (o *Observer) UnregisterInput(txid string, vout uint32) {
	o.filterMu.Lock()
	defer o.filterMu.Unlock()
	delete(o.relevantInputs, outpointKey(txid, vout))
}

// Rescan queues a filter replay of all blocks from startHeight to the tip.
// Used at boot recovery and after stream reconnects.
func (o *Observer) Rescan(startHeight uint32) {
	select {
	case o.intake.ChanIn() <- rescanRequest{startHeight: startHeight}:
	case <-o.quit:
	}
}

func outpointKey(txid string, vout uint32) string {
	return fmt.Sprintf("%s:%d", txid, vout)
}

// worker drains the intake queue. All filter matching runs here, so events
// enter the output channels in intake order.
func (o *Observer) worker() {
	defer o.wg.Done()

	for {
		select {
		case <-o.quit:
			return
		case item, ok := <-o.intake.ChanOut():
			if !ok {
				return
			}

			switch v := item.(type) {
			case backend.Notification:
				o.handleNotification(v)
			case rescanRequest:
				o.runRescan(v.startHeight)
			}
		}
	}
}

func (o *Observer) handleNotification(n backend.Notification) {
	switch n.Type {
	case backend.TopicRawTx:
		tx, err := decodeTx(n.Data)
		if err != nil {
			o.log.Warn("Discarding undecodable rawtx frame", "error", err)
			return
		}
		o.checkTransaction(tx, false)

	case backend.TopicHashBlock:
		o.handleBlockHash(n.Data)

	case backend.TopicRawBlock:
		// The block content arrives again via hashblock with its height;
		// processing it here would only duplicate events.
		o.log.Debug("Ignoring rawblock frame", "size", len(n.Data)/2)

	default:
		o.log.Debug("Unknown notification topic", "type", n.Type)
	}
}

// handleBlockHash fetches the announced block and replays its transactions
// through the filters before announcing the new height.
func (o *Observer) handleBlockHash(hash string) {
	ctx, cancel := o.rpcContext()
	defer cancel()

	block, err := o.client.Block(ctx, hash)
	if err != nil {
		o.log.Error("Failed to fetch announced block", "hash", hash, "error", err)
		return
	}

	o.processBlock(block)
}

func (o *Observer) processBlock(block *backend.Block) {
	for _, blockTx := range block.Txs {
		tx, err := decodeTx(blockTx.Hex)
		if err != nil {
			o.log.Warn("Discarding undecodable block transaction",
				"block", block.Hash, "txid", blockTx.TxID, "error", err)
			continue
		}
		o.checkTransaction(tx, true)
	}

	o.log.Debug("Block processed", "height", block.Height, "txs", len(block.Txs))

	select {
	case o.blockEvents <- BlockEvent{Height: block.Height}:
	case <-o.quit:
	}
}

// checkTransaction matches one transaction against both filter sets and
// emits events for hits. A confirmed first sighting synthesizes the mempool
// event immediately before the confirmed one, so consumers always see
// mempool before confirmed.
func (o *Observer) checkTransaction(tx *wire.MsgTx, confirmed bool) {
	txid := tx.TxHash().String()

	o.filterMu.Lock()
	relevant := o.matchesFilters(tx)
	_, seen := o.seenTxs[txid]
	if relevant && !seen {
		o.seenTxs[txid] = struct{}{}
	}
	o.filterMu.Unlock()

	if !relevant {
		return
	}

	if confirmed && !seen {
		o.emit(TxEvent{Tx: tx, TxID: txid, Confirmed: false})
	}
	if !confirmed && seen {
		// Duplicate mempool delivery, the state machine absorbs it.
		o.log.Debug("Duplicate mempool sighting", "txid", txid)
	}

	o.emit(TxEvent{Tx: tx, TxID: txid, Confirmed: confirmed})
}

// matchesFilters must be called with filterMu held.
func (o *Observer) matchesFilters(tx *wire.MsgTx) bool {
	for _, txOut := range tx.TxOut {
		if _, ok := o.relevantOutputs[hex.EncodeToString(txOut.PkScript)]; ok {
			return true
		}
	}

	for _, txIn := range tx.TxIn {
		prev := txIn.PreviousOutPoint
		if _, ok := o.relevantInputs[outpointKey(prev.Hash.String(), prev.Index)]; ok {
			return true
		}
	}

	return false
}

func (o *Observer) emit(event TxEvent) {
	select {
	case o.txEvents <- event:
	case <-o.quit:
	}
}

// runRescan walks blocks from startHeight to the current tip through the
// same filter path as live notifications.
func (o *Observer) runRescan(startHeight uint32) {
	ctx, cancel := o.rpcContext()
	info, err := o.client.BlockchainInfo(ctx)
	cancel()
	if err != nil {
		o.log.Error("Rescan aborted, no chain info", "error", err)
		return
	}

	if startHeight > info.Blocks {
		return
	}

	o.log.Info("Rescanning chain", "from", startHeight, "to", info.Blocks)

	for height := startHeight; height <= info.Blocks; height++ {
		select {
		case <-o.quit:
			return
		default:
		}

		blockCtx, blockCancel := o.rpcContext()
		hash, err := o.client.BlockHash(blockCtx, height)
		if err != nil {
			blockCancel()
			o.log.Error("Rescan stopped", "height", height, "error", err)
			return
		}

		block, err := o.client.Block(blockCtx, hash)
		blockCancel()
		if err != nil {
			o.log.Error("Rescan stopped", "height", height, "error", err)
			return
		}

		o.processBlock(block)
	}
}

func (o *Observer) rpcContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), rpcTimeout)
}

func decodeTx(txHex string) (*wire.MsgTx, error) {
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
