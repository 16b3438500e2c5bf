package wallet

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"

	"github.com/klingon-exchange/swapd/internal/backend"
	"github.com/klingon-exchange/swapd/internal/chain"
	"github.com/klingon-exchange/swapd/internal/storage"
	"github.com/klingon-exchange/swapd/internal/swap"
	"github.com/klingon-exchange/swapd/pkg/logging"
)

// Wallet is the per-currency funds interface of the nursery. Keys come from
// the keychain; coins live in the chain node's own wallet and move through
// its RPC.
type Wallet struct {
	currency *chain.Currency
	client   backend.ChainClient
	store    *storage.Storage
	keys     *Keychain
	log      *logging.Logger
}

// New wires a Wallet to one chain node.
func New(currency *chain.Currency, client backend.ChainClient, store *storage.Storage, keys *Keychain, log *logging.Logger) *Wallet {
	if log == nil {
		log = logging.GetDefault()
	}

	return &Wallet{
		currency: currency,
		client:   client,
		store:    store,
		keys:     keys,
		log:      log.Component("wallet/" + currency.Symbol),
	}
}

// Currency returns the currency this wallet operates on.
func (w *Wallet) Currency() *chain.Currency {
	return w.currency
}

// NextKey reserves a fresh derivation index and returns it with its key.
// The index persists with the swap so the key can be re-derived after a
// restart.
func (w *Wallet) NextKey() (uint32, *btcec.PrivateKey, error) {
	index, err := w.store.NextKeyIndex(w.currency.Symbol)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to reserve key index: %w", err)
	}

	key, err := w.keys.DeriveKey(w.currency.Symbol, index)
	if err != nil {
		return 0, nil, err
	}

	return index, key, nil
}

// KeyAt re-derives the key at a previously reserved index.
func (w *Wallet) KeyAt(index uint32) (*btcec.PrivateKey, error) {
	return w.keys.DeriveKey(w.currency.Symbol, index)
}

// NewAddress asks the node for a fresh receiving address of the given type.
func (w *Wallet) NewAddress(ctx context.Context, outputType swap.OutputType) (string, error) {
	return w.client.NewAddress(ctx, nodeAddressType(outputType))
}

// SweepScript returns a fresh scriptPubKey from the node's wallet, used as
// the destination of claim and refund transactions.
func (w *Wallet) SweepScript(ctx context.Context) ([]byte, error) {
	address, err := w.client.NewAddress(ctx, nodeAddressType(swap.OutputBech32))
	if err != nil {
		return nil, fmt.Errorf("failed to get sweep address: %w", err)
	}

	decoded, err := btcutil.DecodeAddress(address, w.currency.Params)
	if err != nil {
		return nil, fmt.Errorf("node returned invalid address %s: %w", address, err)
	}

	return txscript.PayToAddrScript(decoded)
}

// SendToLockup funds a lockup address and returns the resulting transaction
// with the vout paying the lockup script.
func (w *Wallet) SendToLockup(ctx context.Context, address string, lockupScript []byte, amount, satPerVbyte uint64) (*swap.TransactionInfo, error) {
	txid, err := w.client.SendToAddress(ctx, address, amount, satPerVbyte)
	if err != nil {
		return nil, fmt.Errorf("failed to send lockup transaction: %w", err)
	}

	txHex, err := w.client.RawTransaction(ctx, txid)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch lockup transaction %s: %w", txid, err)
	}

	tx, err := swap.DeserializeTx(txHex)
	if err != nil {
		return nil, err
	}

	vout, value, err := swap.FindLockupVout(tx, lockupScript)
	if err != nil {
		return nil, err
	}

	w.log.Info("Sent lockup transaction",
		"txid", txid, "vout", vout, "amount", amount)

	return &swap.TransactionInfo{
		ID:     txid,
		Hex:    txHex,
		Vout:   vout,
		Amount: value,
	}, nil
}

// Broadcast publishes a signed transaction through the node.
func (w *Wallet) Broadcast(ctx context.Context, txHex string) (string, error) {
	return w.client.SendRawTransaction(ctx, txHex)
}

// Balance returns the node wallet's confirmed balance in satoshis.
func (w *Wallet) Balance(ctx context.Context) (uint64, error) {
	return w.client.Balance(ctx)
}

// nodeAddressType maps a swap output type to the node's address_type
// argument.
func nodeAddressType(outputType swap.OutputType) string {
	switch outputType {
	case swap.OutputLegacy:
		return "legacy"
	case swap.OutputCompatibility:
		return "p2sh-segwit"
	default:
		return "bech32"
	}
}
