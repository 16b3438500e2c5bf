package storage

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/klingon-exchange/swapd/internal/swap"
)

const reverseSwapColumns = `id, pair, order_side, status, invoice, preimage_hash, preimage,
	claim_public_key, redeem_script, lockup_address, output_type, key_index,
	invoice_amount, onchain_amount, timeout_block_height, created_height,
	lockup_transaction, miner_fee, percentage_fee, created_at`

// InsertReverseSwap stores a new reverse swap. The id and preimage hash
// must be unused across both swap tables.
func (s *Storage) InsertReverseSwap(sw *swap.ReverseSwap) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := checkSwapUnique(tx, sw.ID, sw.PreimageHash); err != nil {
		return err
	}

	lockupTx, err := marshalTransactionInfo(sw.LockupTransaction)
	if err != nil {
		return fmt.Errorf("failed to marshal lockup transaction: %w", err)
	}

	now := time.Now().Unix()
	_, err = tx.Exec(`
		INSERT INTO reverse_swaps (
			id, pair, order_side, status, invoice, preimage_hash, preimage,
			claim_public_key, redeem_script, lockup_address, output_type, key_index,
			invoice_amount, onchain_amount, timeout_block_height, created_height,
			lockup_transaction, miner_fee, percentage_fee, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sw.ID,
		string(sw.Pair),
		string(sw.OrderSide),
		string(sw.Status),
		sw.Invoice,
		hex.EncodeToString(sw.PreimageHash),
		nullableHex(sw.Preimage),
		hex.EncodeToString(sw.ClaimPublicKey),
		hex.EncodeToString(sw.RedeemScript),
		sw.LockupAddress,
		sw.OutputType.String(),
		sw.KeyIndex,
		sw.InvoiceAmount,
		sw.OnchainAmount,
		sw.TimeoutBlockHeight,
		sw.CreatedHeight,
		lockupTx,
		sw.MinerFee,
		sw.PercentageFee,
		sw.CreatedAt.Unix(),
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert reverse swap: %w", err)
	}

	return tx.Commit()
}

// UpdateReverseSwap persists the full reverse swap entity, validating the
// status change against the reverse transition graph in the same
// transaction.
func (s *Storage) UpdateReverseSwap(sw *swap.ReverseSwap) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRow("SELECT status FROM reverse_swaps WHERE id = ?", sw.ID).Scan(&current)
	if err == sql.ErrNoRows {
		return swap.ErrSwapNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read reverse swap status: %w", err)
	}

	if !swap.ValidReverseTransition(swap.Status(current), sw.Status) {
		return fmt.Errorf("%w: %s -> %s", swap.ErrInvalidStatus, current, sw.Status)
	}

	lockupTx, err := marshalTransactionInfo(sw.LockupTransaction)
	if err != nil {
		return fmt.Errorf("failed to marshal lockup transaction: %w", err)
	}

	res, err := tx.Exec(`
		UPDATE reverse_swaps SET
			status = ?,
			preimage = ?,
			lockup_transaction = ?,
			miner_fee = ?,
			percentage_fee = ?,
			updated_at = ?
		WHERE id = ?`,
		string(sw.Status),
		nullableHex(sw.Preimage),
		lockupTx,
		sw.MinerFee,
		sw.PercentageFee,
		time.Now().Unix(),
		sw.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update reverse swap: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return swap.ErrSwapNotFound
	}

	return tx.Commit()
}

// GetReverseSwap retrieves a reverse swap by id.
func (s *Storage) GetReverseSwap(id string) (*swap.ReverseSwap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		fmt.Sprintf("SELECT %s FROM reverse_swaps WHERE id = ?", reverseSwapColumns), id)
	return scanReverseSwap(row)
}

// GetReverseSwapByInvoice retrieves a reverse swap by its hold invoice.
func (s *Storage) GetReverseSwapByInvoice(invoice string) (*swap.ReverseSwap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		fmt.Sprintf("SELECT %s FROM reverse_swaps WHERE invoice = ?", reverseSwapColumns), invoice)
	return scanReverseSwap(row)
}

// GetReverseSwapByPreimageHash retrieves a reverse swap by the payment hash
// of its hold invoice.
func (s *Storage) GetReverseSwapByPreimageHash(preimageHash []byte) (*swap.ReverseSwap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		fmt.Sprintf("SELECT %s FROM reverse_swaps WHERE preimage_hash = ?", reverseSwapColumns),
		hex.EncodeToString(preimageHash))
	return scanReverseSwap(row)
}

// GetReverseSwapByLockupAddress retrieves a reverse swap by its lockup
// address.
func (s *Storage) GetReverseSwapByLockupAddress(address string) (*swap.ReverseSwap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		fmt.Sprintf("SELECT %s FROM reverse_swaps WHERE lockup_address = ?", reverseSwapColumns), address)
	return scanReverseSwap(row)
}

// GetReverseSwapByLockupTxID retrieves a reverse swap by the id of its
// lockup transaction.
func (s *Storage) GetReverseSwapByLockupTxID(txid string) (*swap.ReverseSwap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		fmt.Sprintf("SELECT %s FROM reverse_swaps WHERE json_extract(lockup_transaction, '$.id') = ?", reverseSwapColumns),
		txid)
	return scanReverseSwap(row)
}

// PendingReverseSwaps returns all reverse swaps that have not reached a
// terminal status, ordered by creation time.
func (s *Storage) PendingReverseSwaps() ([]*swap.ReverseSwap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query, args := pendingQuery("reverse_swaps", reverseSwapColumns, swap.TerminalReverseStatuses())
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending reverse swaps: %w", err)
	}
	defer rows.Close()

	var swaps []*swap.ReverseSwap
	for rows.Next() {
		sw, err := scanReverseSwap(rows)
		if err != nil {
			return nil, err
		}
		swaps = append(swaps, sw)
	}

	return swaps, rows.Err()
}

// CountReverseSwaps returns counts of pending and settled reverse swaps.
func (s *Storage) CountReverseSwaps() (pending, settled int, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return countByStatus(s.db, "reverse_swaps", swap.TerminalReverseStatuses())
}

func scanReverseSwap(row scanner) (*swap.ReverseSwap, error) {
	var sw swap.ReverseSwap
	var pair, side, status, outputType, preimageHash, claimPubKey, redeemScript string
	var preimage, lockupTx sql.NullString
	var minerFee sql.NullInt64
	var createdAt int64

	err := row.Scan(
		&sw.ID,
		&pair,
		&side,
		&status,
		&sw.Invoice,
		&preimageHash,
		&preimage,
		&claimPubKey,
		&redeemScript,
		&sw.LockupAddress,
		&outputType,
		&sw.KeyIndex,
		&sw.InvoiceAmount,
		&sw.OnchainAmount,
		&sw.TimeoutBlockHeight,
		&sw.CreatedHeight,
		&lockupTx,
		&minerFee,
		&sw.PercentageFee,
		&createdAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, swap.ErrSwapNotFound
		}
		return nil, err
	}

	sw.Pair = swap.Pair(pair)
	sw.Status = swap.Status(status)
	sw.CreatedAt = time.Unix(createdAt, 0)
	if minerFee.Valid {
		sw.MinerFee = uint64(minerFee.Int64)
	}

	if sw.OrderSide, err = swap.ParseOrderSide(side); err != nil {
		return nil, err
	}
	if sw.OutputType, err = swap.ParseOutputType(outputType); err != nil {
		return nil, err
	}
	if sw.PreimageHash, err = hex.DecodeString(preimageHash); err != nil {
		return nil, fmt.Errorf("failed to decode preimage hash: %w", err)
	}
	if sw.ClaimPublicKey, err = hex.DecodeString(claimPubKey); err != nil {
		return nil, fmt.Errorf("failed to decode claim public key: %w", err)
	}
	if sw.RedeemScript, err = hex.DecodeString(redeemScript); err != nil {
		return nil, fmt.Errorf("failed to decode redeem script: %w", err)
	}
	if preimage.Valid && preimage.String != "" {
		if sw.Preimage, err = hex.DecodeString(preimage.String); err != nil {
			return nil, fmt.Errorf("failed to decode preimage: %w", err)
		}
	}
	if sw.LockupTransaction, err = unmarshalTransactionInfo(lockupTx); err != nil {
		return nil, err
	}

	return &sw, nil
}
