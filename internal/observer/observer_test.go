package observer

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/swapd/internal/backend"
)

// fakeClient implements backend.ChainClient with function fields so each
// test only wires what it needs.
type fakeClient struct {
	blockchainInfo func(ctx context.Context) (*backend.BlockchainInfo, error)
	blockHash      func(ctx context.Context, height uint32) (string, error)
	block          func(ctx context.Context, hash string) (*backend.Block, error)
}

func (f *fakeClient) Connect(ctx context.Context) error { return nil }
func (f *fakeClient) Close() error                      { return nil }

func (f *fakeClient) BlockchainInfo(ctx context.Context) (*backend.BlockchainInfo, error) {
	return f.blockchainInfo(ctx)
}

func (f *fakeClient) BlockHash(ctx context.Context, height uint32) (string, error) {
	return f.blockHash(ctx, height)
}

func (f *fakeClient) Block(ctx context.Context, hash string) (*backend.Block, error) {
	return f.block(ctx, hash)
}

func (f *fakeClient) RawTransaction(ctx context.Context, txid string) (string, error) {
	return "", backend.ErrTxNotFound
}

func (f *fakeClient) SendRawTransaction(ctx context.Context, txHex string) (string, error) {
	return "", backend.ErrBroadcastFailed
}

func (f *fakeClient) EstimateFee(ctx context.Context, targetBlocks int) (uint64, error) {
	return 2, nil
}

func (f *fakeClient) ZmqNotifications(ctx context.Context) ([]backend.ZmqNotification, error) {
	return nil, nil
}

func (f *fakeClient) NewAddress(ctx context.Context, addressType string) (string, error) {
	return "", nil
}

func (f *fakeClient) SendToAddress(ctx context.Context, address string, amount, satPerVbyte uint64) (string, error) {
	return "", nil
}

func (f *fakeClient) Balance(ctx context.Context) (uint64, error) { return 0, nil }

func newTestObserver(t *testing.T, client backend.ChainClient) *Observer {
	t.Helper()
	if client == nil {
		client = &fakeClient{}
	}
	return New(&Config{Currency: "BTC", Client: client})
}

// fundingTx pays value to script, spending a made-up outpoint.
func fundingTx(script []byte, value int64) *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	prevHash := chainhash.DoubleHashH([]byte("funding input"))
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&prevHash, 0), nil, nil))
	tx.AddTxOut(wire.NewTxOut(value, script))
	return tx
}

func spendingTx(prev *wire.MsgTx, vout uint32) *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	prevHash := prev.TxHash()
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&prevHash, vout), nil, nil))
	tx.AddTxOut(wire.NewTxOut(1000, []byte{0x6a}))
	return tx
}

func txToHex(t *testing.T, tx *wire.MsgTx) string {
	t.Helper()
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		t.Fatalf("failed to serialize transaction: %v", err)
	}
	return hex.EncodeToString(buf.Bytes())
}

func expectTxEvent(t *testing.T, o *Observer, confirmed bool) TxEvent {
	t.Helper()
	select {
	case event := <-o.TxEvents():
		if event.Confirmed != confirmed {
			t.Fatalf("expected confirmed=%v event, got confirmed=%v", confirmed, event.Confirmed)
		}
		return event
	default:
		t.Fatalf("expected a confirmed=%v event, channel empty", confirmed)
		return TxEvent{}
	}
}

func expectNoTxEvent(t *testing.T, o *Observer) {
	t.Helper()
	select {
	case event := <-o.TxEvents():
		t.Fatalf("unexpected event for tx %s", event.TxID)
	default:
	}
}

func TestOutputFilterMatch(t *testing.T) {
	o := newTestObserver(t, nil)

	script := []byte{0x00, 0x20, 0xaa, 0xbb}
	o.RegisterOutputScript(script)

	tx := fundingTx(script, 101500)
	o.handleNotification(backend.Notification{Type: backend.TopicRawTx, Data: txToHex(t, tx)})

	event := expectTxEvent(t, o, false)
	if event.TxID != tx.TxHash().String() {
		t.Errorf("wrong txid: %s", event.TxID)
	}
}

func TestIrrelevantTxIgnored(t *testing.T) {
	o := newTestObserver(t, nil)
	o.RegisterOutputScript([]byte{0x00, 0x20, 0xaa, 0xbb})

	tx := fundingTx([]byte{0x00, 0x20, 0xcc, 0xdd}, 5000)
	o.handleNotification(backend.Notification{Type: backend.TopicRawTx, Data: txToHex(t, tx)})

	expectNoTxEvent(t, o)
}

func TestInputFilterMatch(t *testing.T) {
	o := newTestObserver(t, nil)

	lockup := fundingTx([]byte{0x00, 0x20, 0xaa, 0xbb}, 198000)
	o.RegisterInput(lockup.TxHash().String(), 0)

	claim := spendingTx(lockup, 0)
	o.handleNotification(backend.Notification{Type: backend.TopicRawTx, Data: txToHex(t, claim)})

	event := expectTxEvent(t, o, false)
	if event.TxID != claim.TxHash().String() {
		t.Errorf("wrong txid: %s", event.TxID)
	}
}

func TestMempoolThenConfirmedOrdering(t *testing.T) {
	script := []byte{0x00, 0x20, 0xaa, 0xbb}
	tx := fundingTx(script, 101500)

	client := &fakeClient{
		block: func(ctx context.Context, hash string) (*backend.Block, error) {
			return &backend.Block{
				Hash:   hash,
				Height: 120,
				Txs:    []backend.BlockTx{{TxID: tx.TxHash().String(), Hex: txToHexRaw(tx)}},
			}, nil
		},
	}

	o := newTestObserver(t, client)
	o.RegisterOutputScript(script)

	// Mempool sighting first, then the block announcement.
	o.handleNotification(backend.Notification{Type: backend.TopicRawTx, Data: txToHex(t, tx)})
	o.handleNotification(backend.Notification{Type: backend.TopicHashBlock, Data: "0b10"})

	expectTxEvent(t, o, false)
	expectTxEvent(t, o, true)

	select {
	case block := <-o.BlockEvents():
		if block.Height != 120 {
			t.Errorf("expected height 120, got %d", block.Height)
		}
	default:
		t.Fatal("expected a block event")
	}
}

func TestConfirmedFirstSightingSynthesizesMempool(t *testing.T) {
	script := []byte{0x00, 0x20, 0xaa, 0xbb}
	tx := fundingTx(script, 101500)

	client := &fakeClient{
		block: func(ctx context.Context, hash string) (*backend.Block, error) {
			return &backend.Block{
				Hash:   hash,
				Height: 121,
				Txs:    []backend.BlockTx{{TxID: tx.TxHash().String(), Hex: txToHexRaw(tx)}},
			}, nil
		},
	}

	o := newTestObserver(t, client)
	o.RegisterOutputScript(script)

	// First sighting is already inside a block.
	o.handleNotification(backend.Notification{Type: backend.TopicHashBlock, Data: "0b11"})

	expectTxEvent(t, o, false)
	expectTxEvent(t, o, true)
}

func TestUnregisterStopsEvents(t *testing.T) {
	o := newTestObserver(t, nil)

	script := []byte{0x00, 0x20, 0xaa, 0xbb}
	o.RegisterOutputScript(script)
	o.UnregisterOutputScript(script)

	tx := fundingTx(script, 101500)
	o.handleNotification(backend.Notification{Type: backend.TopicRawTx, Data: txToHex(t, tx)})

	expectNoTxEvent(t, o)
}

func TestRescanReplaysBlocks(t *testing.T) {
	script := []byte{0x00, 0x20, 0xaa, 0xbb}
	tx := fundingTx(script, 101500)

	blocks := map[uint32]*backend.Block{
		100: {Hash: "b100", Height: 100},
		101: {Hash: "b101", Height: 101, Txs: []backend.BlockTx{{TxID: tx.TxHash().String(), Hex: txToHexRaw(tx)}}},
		102: {Hash: "b102", Height: 102},
	}

	client := &fakeClient{
		blockchainInfo: func(ctx context.Context) (*backend.BlockchainInfo, error) {
			return &backend.BlockchainInfo{Blocks: 102, BestBlockHash: "b102"}, nil
		},
		blockHash: func(ctx context.Context, height uint32) (string, error) {
			block, ok := blocks[height]
			if !ok {
				return "", backend.ErrBlockNotFound
			}
			return block.Hash, nil
		},
		block: func(ctx context.Context, hash string) (*backend.Block, error) {
			for _, block := range blocks {
				if block.Hash == hash {
					return block, nil
				}
			}
			return nil, backend.ErrBlockNotFound
		},
	}

	o := newTestObserver(t, client)
	o.RegisterOutputScript(script)

	o.runRescan(100)

	// The funding transaction replays as mempool then confirmed.
	expectTxEvent(t, o, false)
	expectTxEvent(t, o, true)

	var heights []uint32
	for len(o.BlockEvents()) > 0 {
		heights = append(heights, (<-o.BlockEvents()).Height)
	}
	if fmt.Sprint(heights) != "[100 101 102]" {
		t.Errorf("expected block events for 100..102, got %v", heights)
	}
}

func txToHexRaw(tx *wire.MsgTx) string {
	var buf bytes.Buffer
	tx.Serialize(&buf)
	return hex.EncodeToString(buf.Bytes())
}
