package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

// rpcHandler builds a JSON-RPC test server routing methods to canned
// responses. A response of type error produces an RPC error frame.
func rpcHandler(t *testing.T, responses map[string]interface{}) http.HandlerFunc {
	t.Helper()

	return func(w http.ResponseWriter, r *http.Request) {
		var request struct {
			ID     uint64        `json:"id"`
			Method string        `json:"method"`
			Params []interface{} `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			t.Errorf("malformed request: %v", err)
			return
		}

		response := map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      request.ID,
		}

		canned, ok := responses[request.Method]
		if !ok {
			response["error"] = map[string]interface{}{
				"code":    -32601,
				"message": "method not found: " + request.Method,
			}
		} else if rpcErr, isErr := canned.(*RPCError); isErr {
			response["error"] = map[string]interface{}{
				"code":    rpcErr.Code,
				"message": rpcErr.Message,
			}
		} else {
			response["result"] = canned
		}

		json.NewEncoder(w).Encode(response)
	}
}

func newTestClient(t *testing.T, responses map[string]interface{}) *JSONRPCClient {
	t.Helper()

	server := httptest.NewServer(rpcHandler(t, responses))
	t.Cleanup(server.Close)

	return NewJSONRPCClient(&Config{URL: server.URL}, 2)
}

func TestConnect(t *testing.T) {
	client := newTestClient(t, map[string]interface{}{
		"getblockchaininfo": map[string]interface{}{"chain": "regtest", "blocks": 150},
	})

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if !client.IsConnected() {
		t.Error("expected client to report connected")
	}
}

func TestBlockchainInfo(t *testing.T) {
	client := newTestClient(t, map[string]interface{}{
		"getblockchaininfo": map[string]interface{}{
			"chain":         "regtest",
			"blocks":        512,
			"bestblockhash": "00aa",
		},
	})

	info, err := client.BlockchainInfo(context.Background())
	if err != nil {
		t.Fatalf("BlockchainInfo failed: %v", err)
	}
	if info.Blocks != 512 {
		t.Errorf("expected height 512, got %d", info.Blocks)
	}
	if info.BestBlockHash != "00aa" {
		t.Errorf("unexpected best block hash %q", info.BestBlockHash)
	}
}

func TestBlockFetch(t *testing.T) {
	client := newTestClient(t, map[string]interface{}{
		"getblockhash": "0bb0",
		"getblock": map[string]interface{}{
			"hash":   "0bb0",
			"height": 101,
			"tx": []map[string]interface{}{
				{"txid": "aa11", "hex": "0200"},
				{"txid": "bb22", "hex": "0200"},
			},
		},
	})

	ctx := context.Background()

	hash, err := client.BlockHash(ctx, 101)
	if err != nil {
		t.Fatalf("BlockHash failed: %v", err)
	}

	block, err := client.Block(ctx, hash)
	if err != nil {
		t.Fatalf("Block failed: %v", err)
	}
	if block.Height != 101 {
		t.Errorf("expected height 101, got %d", block.Height)
	}
	if len(block.Txs) != 2 || block.Txs[1].TxID != "bb22" {
		t.Errorf("unexpected block transactions: %+v", block.Txs)
	}
}

func TestEstimateFee(t *testing.T) {
	tests := []struct {
		name     string
		feerate  float64
		expected uint64
	}{
		{"normal estimate", 0.00025, 25}, // 0.00025 BTC/kvB = 25 sat/vB
		{"below floor", 0.00000100, 2},
		{"no data falls back to floor", 0, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, map[string]interface{}{
				"estimatesmartfee": map[string]interface{}{"feerate": tt.feerate, "blocks": 2},
			})

			rate, err := client.EstimateFee(context.Background(), 2)
			if err != nil {
				t.Fatalf("EstimateFee failed: %v", err)
			}
			if rate != tt.expected {
				t.Errorf("expected %d sat/vB, got %d", tt.expected, rate)
			}
		})
	}
}

func TestSendRawTransactionRejected(t *testing.T) {
	client := newTestClient(t, map[string]interface{}{
		"sendrawtransaction": &RPCError{Code: -26, Message: "dust"},
	})

	_, err := client.SendRawTransaction(context.Background(), "0200")
	if err == nil {
		t.Fatal("expected broadcast rejection")
	}
	if !errors.Is(err, ErrBroadcastFailed) {
		t.Errorf("expected ErrBroadcastFailed, got %v", err)
	}
	if !IsPermanentBroadcastError(err) {
		t.Errorf("node verdict -26 should be permanent, got %v", err)
	}
}

func TestBroadcastErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		permanent bool
	}{
		{"verify rejected", &RPCError{Code: -26, Message: "non-mandatory-script-verify-flag"}, true},
		{"already in utxo set", &RPCError{Code: -27, Message: "transaction already in block chain"}, true},
		{"deserialize failure", &RPCError{Code: -22, Message: "TX decode failed"}, true},
		{"node warming up", &RPCError{Code: -28, Message: "loading block index"}, false},
		{"plain io error", errors.New("connection refused"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsPermanentBroadcastError(tt.err); got != tt.permanent {
				t.Errorf("IsPermanentBroadcastError(%v) = %v, want %v", tt.err, got, tt.permanent)
			}
		})
	}
}

func TestZmqNotifications(t *testing.T) {
	client := newTestClient(t, map[string]interface{}{
		"getzmqnotifications": []map[string]interface{}{
			{"type": "pubrawtx", "address": "ws://127.0.0.1:28332"},
			{"type": "pubhashblock", "address": "ws://127.0.0.1:28332"},
		},
	})

	notifications, err := client.ZmqNotifications(context.Background())
	if err != nil {
		t.Fatalf("ZmqNotifications failed: %v", err)
	}
	if len(notifications) != 2 {
		t.Fatalf("expected 2 endpoints, got %d", len(notifications))
	}
	if notifications[0].Address != "ws://127.0.0.1:28332" {
		t.Errorf("unexpected endpoint %q", notifications[0].Address)
	}
}

func TestSendToAddressFormatsAmount(t *testing.T) {
	var gotParams []interface{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var request struct {
			ID     uint64        `json:"id"`
			Method string        `json:"method"`
			Params []interface{} `json:"params"`
		}
		json.NewDecoder(r.Body).Decode(&request)
		gotParams = request.Params

		json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      request.ID,
			"result":  "feed",
		})
	}))
	defer server.Close()

	client := NewJSONRPCClient(&Config{URL: server.URL}, 2)

	txid, err := client.SendToAddress(context.Background(), "bcrt1qtest", 150000000, 10)
	if err != nil {
		t.Fatalf("SendToAddress failed: %v", err)
	}
	if txid != "feed" {
		t.Errorf("unexpected txid %q", txid)
	}

	if gotParams[0] != "bcrt1qtest" {
		t.Errorf("unexpected address param %v", gotParams[0])
	}
	if gotParams[1] != "1.5" {
		t.Errorf("amount should be formatted in whole coins, got %v", gotParams[1])
	}
	if gotParams[len(gotParams)-1] != float64(10) {
		t.Errorf("fee rate should be the last param, got %v", gotParams[len(gotParams)-1])
	}
}
