package storage

import (
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/klingon-exchange/swapd/internal/swap"
)

var (
	// ErrSwapExists is returned when inserting a swap whose id is already
	// taken, by either a submarine or a reverse swap.
	ErrSwapExists = errors.New("swap id already exists")

	// ErrDuplicatePreimageHash is returned when inserting a swap whose
	// preimage hash is already bound to another live swap.
	ErrDuplicatePreimageHash = errors.New("preimage hash already in use")
)

const swapColumns = `id, pair, order_side, status, invoice, preimage_hash, preimage,
	redeem_script, lockup_address, output_type, key_index,
	expected_amount, invoice_amount, accept_zero_conf, timeout_block_height, created_height,
	lockup_transaction, miner_fee, percentage_fee, created_at`

// InsertSwap stores a new submarine swap. The id and preimage hash must be
// unused across both swap tables.
func (s *Storage) InsertSwap(sw *swap.Swap) error {
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
		INSERT INTO swaps (
			id, pair, order_side, status, invoice, preimage_hash, preimage,
			redeem_script, lockup_address, output_type, key_index,
			expected_amount, invoice_amount, accept_zero_conf, timeout_block_height, created_height,
			lockup_transaction, miner_fee, percentage_fee, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sw.ID,
		string(sw.Pair),
		string(sw.OrderSide),
		string(sw.Status),
		sw.Invoice,
		hex.EncodeToString(sw.PreimageHash),
		nullableHex(sw.Preimage),
		hex.EncodeToString(sw.RedeemScript),
		sw.LockupAddress,
		sw.OutputType.String(),
		sw.KeyIndex,
		sw.ExpectedAmount,
		sw.InvoiceAmount,
		boolToInt(sw.AcceptZeroConf),
		sw.TimeoutBlockHeight,
		sw.CreatedHeight,
		lockupTx,
		sw.MinerFee,
		sw.PercentageFee,
		sw.CreatedAt.Unix(),
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert swap: %w", err)
	}

	return tx.Commit()
}

// UpdateSwap persists the full swap entity. The status change is validated
// against the submarine transition graph inside the same transaction, so
// concurrent writers cannot race a swap backwards. Writing the same status
// again is allowed and re-persists the mutable fields.
func (s *Storage) UpdateSwap(sw *swap.Swap) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRow("SELECT status FROM swaps WHERE id = ?", sw.ID).Scan(&current)
	if err == sql.ErrNoRows {
		return swap.ErrSwapNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read swap status: %w", err)
	}

	if !swap.ValidSubmarineTransition(swap.Status(current), sw.Status) {
		return fmt.Errorf("%w: %s -> %s", swap.ErrInvalidStatus, current, sw.Status)
	}

	lockupTx, err := marshalTransactionInfo(sw.LockupTransaction)
	if err != nil {
		return fmt.Errorf("failed to marshal lockup transaction: %w", err)
	}

	res, err := tx.Exec(`
		UPDATE swaps SET
			status = ?,
			invoice = ?,
			preimage = ?,
			lockup_transaction = ?,
			miner_fee = ?,
			percentage_fee = ?,
			updated_at = ?
		WHERE id = ?`,
		string(sw.Status),
		sw.Invoice,
		nullableHex(sw.Preimage),
		lockupTx,
		sw.MinerFee,
		sw.PercentageFee,
		time.Now().Unix(),
		sw.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update swap: %w", err)
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

// GetSwap retrieves a submarine swap by id.
func (s *Storage) GetSwap(id string) (*swap.Swap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		fmt.Sprintf("SELECT %s FROM swaps WHERE id = ?", swapColumns), id)
	return scanSwap(row)
}

// GetSwapByInvoice retrieves a submarine swap by its invoice.
func (s *Storage) GetSwapByInvoice(invoice string) (*swap.Swap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		fmt.Sprintf("SELECT %s FROM swaps WHERE invoice = ?", swapColumns), invoice)
	return scanSwap(row)
}

// GetSwapByPreimageHash retrieves a submarine swap by the payment hash of
// its invoice.
func (s *Storage) GetSwapByPreimageHash(preimageHash []byte) (*swap.Swap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		fmt.Sprintf("SELECT %s FROM swaps WHERE preimage_hash = ?", swapColumns),
		hex.EncodeToString(preimageHash))
	return scanSwap(row)
}

// GetSwapByLockupAddress retrieves a submarine swap by its lockup address.
func (s *Storage) GetSwapByLockupAddress(address string) (*swap.Swap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		fmt.Sprintf("SELECT %s FROM swaps WHERE lockup_address = ?", swapColumns), address)
	return scanSwap(row)
}

// GetSwapByLockupTxID retrieves a submarine swap by the id of its lockup
// transaction, once one has been seen.
func (s *Storage) GetSwapByLockupTxID(txid string) (*swap.Swap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		fmt.Sprintf("SELECT %s FROM swaps WHERE json_extract(lockup_transaction, '$.id') = ?", swapColumns),
		txid)
	return scanSwap(row)
}

// PendingSwaps returns all submarine swaps that have not reached a terminal
// status, ordered by creation time. The nursery replays these on startup.
func (s *Storage) PendingSwaps() ([]*swap.Swap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query, args := pendingQuery("swaps", swapColumns, swap.TerminalSubmarineStatuses())
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending swaps: %w", err)
	}
	defer rows.Close()

	var swaps []*swap.Swap
	for rows.Next() {
		sw, err := scanSwap(rows)
		if err != nil {
			return nil, err
		}
		swaps = append(swaps, sw)
	}

	return swaps, rows.Err()
}

// CountSwaps returns counts of pending and settled submarine swaps.
func (s *Storage) CountSwaps() (pending, settled int, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return countByStatus(s.db, "swaps", swap.TerminalSubmarineStatuses())
}

// checkSwapUnique enforces id and preimage hash uniqueness across both the
// submarine and reverse tables.
func checkSwapUnique(tx *sql.Tx, id string, preimageHash []byte) error {
	hash := hex.EncodeToString(preimageHash)

	for _, table := range []string{"swaps", "reverse_swaps"} {
		var count int
		err := tx.QueryRow(
			fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE id = ?", table), id).Scan(&count)
		if err != nil {
			return fmt.Errorf("failed to check swap id: %w", err)
		}
		if count > 0 {
			return ErrSwapExists
		}

		err = tx.QueryRow(
			fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE preimage_hash = ?", table), hash).Scan(&count)
		if err != nil {
			return fmt.Errorf("failed to check preimage hash: %w", err)
		}
		if count > 0 {
			return ErrDuplicatePreimageHash
		}
	}

	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSwap(row scanner) (*swap.Swap, error) {
	var sw swap.Swap
	var pair, side, status, outputType, preimageHash, redeemScript string
	var preimage, lockupTx sql.NullString
	var acceptZeroConf int
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
		&redeemScript,
		&sw.LockupAddress,
		&outputType,
		&sw.KeyIndex,
		&sw.ExpectedAmount,
		&sw.InvoiceAmount,
		&acceptZeroConf,
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
	sw.AcceptZeroConf = acceptZeroConf == 1
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

// Helpers shared with the reverse swap queries.

func pendingQuery(table, columns string, terminal []swap.Status) (string, []any) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(terminal)), ",")
	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE status NOT IN (%s) ORDER BY created_at ASC",
		columns, table, placeholders)

	args := make([]any, len(terminal))
	for i, st := range terminal {
		args[i] = string(st)
	}
	return query, args
}

func countByStatus(db *sql.DB, table string, terminal []swap.Status) (pending, settled int, err error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(terminal)), ",")
	args := make([]any, len(terminal))
	for i, st := range terminal {
		args[i] = string(st)
	}

	err = db.QueryRow(
		fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE status NOT IN (%s)", table, placeholders),
		args...).Scan(&pending)
	if err != nil {
		return
	}

	err = db.QueryRow(
		fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE status IN (%s)", table, placeholders),
		args...).Scan(&settled)
	return
}

func nullableHex(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return hex.EncodeToString(b)
}

func marshalTransactionInfo(info *swap.TransactionInfo) (any, error) {
	if info == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(info)
	if err != nil {
		return nil, err
	}
	return string(encoded), nil
}

func unmarshalTransactionInfo(raw sql.NullString) (*swap.TransactionInfo, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var info swap.TransactionInfo
	if err := json.Unmarshal([]byte(raw.String), &info); err != nil {
		return nil, fmt.Errorf("failed to decode lockup transaction: %w", err)
	}
	return &info, nil
}
