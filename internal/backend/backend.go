// Package backend talks to the UTXO chain nodes: JSON-RPC for queries and
// broadcast, a websocket stream for rawtx/rawblock/hashblock notifications.
// This package is read-only for private keys - all signing happens in the
// swap and wallet packages.
package backend

import (
	"context"
	"errors"
	"fmt"
)

// Common errors
var (
	ErrNotConnected    = errors.New("backend not connected")
	ErrTxNotFound      = errors.New("transaction not found")
	ErrBlockNotFound   = errors.New("block not found")
	ErrBroadcastFailed = errors.New("broadcast failed")
	ErrNoStreamAddress = errors.New("node exposes no notification endpoint")
)

// Notification stream types, mirroring the node's pub/sub topics.
const (
	TopicRawTx     = "rawtx"
	TopicRawBlock  = "rawblock"
	TopicHashBlock = "hashblock"
)

// Notification is one frame from the node's pub/sub channel. Data is hex:
// a serialized transaction for rawtx, a serialized block for rawblock and a
// block hash for hashblock. Delivery is at-least-once.
type Notification struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// BlockchainInfo is the subset of getblockchaininfo the daemon consumes.
type BlockchainInfo struct {
	Chain         string `json:"chain"`
	Blocks        uint32 `json:"blocks"`
	BestBlockHash string `json:"bestblockhash"`
}

// BlockTx is one transaction of a verbose block.
type BlockTx struct {
	TxID string `json:"txid"`
	Hex  string `json:"hex"`
}

// Block is a block fetched with verbosity 2: header fields plus the full
// transactions, which the observer replays through its filters on rescan.
type Block struct {
	Hash              string    `json:"hash"`
	Height            uint32    `json:"height"`
	PreviousBlockHash string    `json:"previousblockhash"`
	Time              int64     `json:"time"`
	Txs               []BlockTx `json:"tx"`
}

// ZmqNotification is one entry of getzmqnotifications. The address carries
// the websocket endpoint of the node's notification stream.
type ZmqNotification struct {
	Type    string `json:"type"`
	Address string `json:"address"`
}

// ChainClient is the RPC surface the daemon needs from a chain node. Small
// dialect differences between UTXO chains stay behind this interface.
type ChainClient interface {
	Connect(ctx context.Context) error
	Close() error

	BlockchainInfo(ctx context.Context) (*BlockchainInfo, error)
	BlockHash(ctx context.Context, height uint32) (string, error)
	Block(ctx context.Context, hash string) (*Block, error)
	RawTransaction(ctx context.Context, txid string) (string, error)
	SendRawTransaction(ctx context.Context, txHex string) (string, error)
	EstimateFee(ctx context.Context, targetBlocks int) (uint64, error)
	ZmqNotifications(ctx context.Context) ([]ZmqNotification, error)

	// Node wallet operations backing the swap wallet.
	NewAddress(ctx context.Context, addressType string) (string, error)
	SendToAddress(ctx context.Context, address string, amount, satPerVbyte uint64) (string, error)
	Balance(ctx context.Context) (uint64, error)
}

// FeeEstimator returns the current fee rate in sat/vB for a confirmation
// target. Implementations apply the relay floor themselves.
type FeeEstimator interface {
	EstimateFee(ctx context.Context, targetBlocks int) (uint64, error)
}

// RPCError is a coded error from the node. The code distinguishes permanent
// rejections from transient failures.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// Bitcoin Core RPC error codes for rejected transactions.
const (
	rpcVerifyError         = -25
	rpcVerifyRejected      = -26
	rpcVerifyAlreadyInUtxo = -27
	rpcDeserializeError    = -22
)

// IsPermanentBroadcastError reports whether a broadcast failure is a node
// verdict on the transaction itself rather than an I/O problem. Permanent
// rejections move the swap to a failure state; everything else is retried.
func IsPermanentBroadcastError(err error) bool {
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	switch rpcErr.Code {
	case rpcVerifyError, rpcVerifyRejected, rpcVerifyAlreadyInUtxo, rpcDeserializeError:
		return true
	}
	return false
}
