package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klingon-exchange/swapd/pkg/helpers"
)

// Config holds the connection settings for one chain node.
type Config struct {
	URL     string `yaml:"url"`
	RPCUser string `yaml:"rpc_user,omitempty"`
	RPCPass string `yaml:"rpc_pass,omitempty"`

	// StreamURL is the websocket notification endpoint. Empty means it is
	// discovered through getzmqnotifications after connecting.
	StreamURL string `yaml:"stream_url,omitempty"`

	// Timeout bounds every RPC call, in seconds. Default 30.
	Timeout int `yaml:"timeout,omitempty"`
}

// JSONRPCClient implements ChainClient over the node's HTTP JSON-RPC port.
type JSONRPCClient struct {
	rpcURL     string
	rpcUser    string
	rpcPass    string
	httpClient *http.Client
	mu         sync.RWMutex
	connected  bool
	requestID  atomic.Uint64

	// MinFeeRate is the sat/vB floor applied by EstimateFee.
	minFeeRate uint64
}

// NewJSONRPCClient creates a client for one node. minFeeRate is the per-chain
// broadcast floor in sat/vB.
func NewJSONRPCClient(cfg *Config, minFeeRate uint64) *JSONRPCClient {
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if minFeeRate == 0 {
		minFeeRate = 2
	}

	return &JSONRPCClient{
		rpcURL:  cfg.URL,
		rpcUser: cfg.RPCUser,
		rpcPass: cfg.RPCPass,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		minFeeRate: minFeeRate,
	}
}

// Connect tests the connection with getblockchaininfo.
func (c *JSONRPCClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.call(ctx, "getblockchaininfo", []interface{}{}); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	c.connected = true
	return nil
}

// Close marks the client disconnected.
func (c *JSONRPCClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	return nil
}

// IsConnected returns true if Connect succeeded.
func (c *JSONRPCClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// BlockchainInfo returns chain name, tip height and best block hash.
func (c *JSONRPCClient) BlockchainInfo(ctx context.Context) (*BlockchainInfo, error) {
	result, err := c.call(ctx, "getblockchaininfo", []interface{}{})
	if err != nil {
		return nil, err
	}

	var info BlockchainInfo
	if err := json.Unmarshal(result, &info); err != nil {
		return nil, fmt.Errorf("failed to parse getblockchaininfo: %w", err)
	}

	return &info, nil
}

// BlockHash returns the hash of the block at the given height.
func (c *JSONRPCClient) BlockHash(ctx context.Context, height uint32) (string, error) {
	result, err := c.call(ctx, "getblockhash", []interface{}{height})
	if err != nil {
		return "", fmt.Errorf("%w: height %d: %v", ErrBlockNotFound, height, err)
	}

	var hash string
	if err := json.Unmarshal(result, &hash); err != nil {
		return "", err
	}

	return hash, nil
}

// Block fetches a block with verbosity 2, so every transaction carries its
// raw hex for filter replay.
func (c *JSONRPCClient) Block(ctx context.Context, hash string) (*Block, error) {
	result, err := c.call(ctx, "getblock", []interface{}{hash, 2})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBlockNotFound, hash, err)
	}

	var block Block
	if err := json.Unmarshal(result, &block); err != nil {
		return nil, fmt.Errorf("failed to parse block %s: %w", hash, err)
	}

	return &block, nil
}

// RawTransaction returns the hex serialization of a transaction.
func (c *JSONRPCClient) RawTransaction(ctx context.Context, txid string) (string, error) {
	result, err := c.call(ctx, "getrawtransaction", []interface{}{txid, false})
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrTxNotFound, txid)
	}

	var txHex string
	if err := json.Unmarshal(result, &txHex); err != nil {
		return "", err
	}

	return txHex, nil
}

// SendRawTransaction broadcasts a transaction and returns its txid. The node
// verdict is preserved as an RPCError so callers can tell a rejection from
// an I/O failure.
func (c *JSONRPCClient) SendRawTransaction(ctx context.Context, txHex string) (string, error) {
	result, err := c.call(ctx, "sendrawtransaction", []interface{}{txHex})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrBroadcastFailed, err)
	}

	var txid string
	if err := json.Unmarshal(result, &txid); err != nil {
		return "", err
	}

	return txid, nil
}

// EstimateFee returns the estimatesmartfee rate for the target in sat/vB,
// never below the chain's relay floor. Nodes without fee data (fresh regtest
// chains) fall back to the floor.
func (c *JSONRPCClient) EstimateFee(ctx context.Context, targetBlocks int) (uint64, error) {
	result, err := c.call(ctx, "estimatesmartfee", []interface{}{targetBlocks})
	if err != nil {
		return 0, err
	}

	var estimate struct {
		FeeRate float64  `json:"feerate"`
		Errors  []string `json:"errors"`
	}
	if err := json.Unmarshal(result, &estimate); err != nil {
		return 0, err
	}

	if estimate.FeeRate <= 0 {
		return c.minFeeRate, nil
	}

	// estimatesmartfee returns BTC/kvB.
	rate := uint64(estimate.FeeRate * 1e8 / 1000)
	if rate < c.minFeeRate {
		rate = c.minFeeRate
	}

	return rate, nil
}

// ZmqNotifications returns the node's notification endpoints.
func (c *JSONRPCClient) ZmqNotifications(ctx context.Context) ([]ZmqNotification, error) {
	result, err := c.call(ctx, "getzmqnotifications", []interface{}{})
	if err != nil {
		return nil, err
	}

	var notifications []ZmqNotification
	if err := json.Unmarshal(result, &notifications); err != nil {
		return nil, err
	}

	return notifications, nil
}

// NewAddress asks the node wallet for a fresh address. addressType is one of
// "legacy", "p2sh-segwit" or "bech32".
func (c *JSONRPCClient) NewAddress(ctx context.Context, addressType string) (string, error) {
	result, err := c.call(ctx, "getnewaddress", []interface{}{"", addressType})
	if err != nil {
		return "", err
	}

	var address string
	if err := json.Unmarshal(result, &address); err != nil {
		return "", err
	}

	return address, nil
}

// SendToAddress pays an address from the node wallet. amount is in satoshis;
// satPerVbyte of zero lets the node pick the fee rate.
func (c *JSONRPCClient) SendToAddress(ctx context.Context, address string, amount, satPerVbyte uint64) (string, error) {
	params := []interface{}{
		address,
		helpers.SatoshisToBTC(amount),
		"",    // comment
		"",    // comment_to
		false, // subtractfeefromamount
		true,  // replaceable
		nil,   // conf_target
		"unset",
		false, // avoid_reuse
	}
	if satPerVbyte > 0 {
		params = append(params, satPerVbyte)
	}

	result, err := c.call(ctx, "sendtoaddress", params)
	if err != nil {
		return "", err
	}

	var txid string
	if err := json.Unmarshal(result, &txid); err != nil {
		return "", err
	}

	return txid, nil
}

// Balance returns the node wallet's confirmed balance in satoshis.
func (c *JSONRPCClient) Balance(ctx context.Context) (uint64, error) {
	result, err := c.call(ctx, "getbalance", []interface{}{})
	if err != nil {
		return 0, err
	}

	var balance float64
	if err := json.Unmarshal(result, &balance); err != nil {
		return 0, err
	}

	return uint64(balance * 1e8), nil
}

func (c *JSONRPCClient) call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	id := c.requestID.Add(1)

	request := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	}

	data, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.rpcURL, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")

	if c.rpcUser != "" {
		req.SetBasicAuth(c.rpcUser, c.rpcPass)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var response struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      uint64          `json:"id"`
		Result  json.RawMessage `json:"result"`
		Error   *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}

	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	if response.Error != nil {
		return nil, &RPCError{Code: response.Error.Code, Message: response.Error.Message}
	}

	return response.Result, nil
}

// Ensure JSONRPCClient implements ChainClient
var _ ChainClient = (*JSONRPCClient)(nil)
