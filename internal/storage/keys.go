package storage

import "fmt"

// NextKeyIndex reserves and returns the next wallet derivation index for a
// currency. Indexes are never reused, even across restarts.
func (s *Storage) NextKeyIndex(currency string) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT OR IGNORE INTO key_indexes (currency, next_index) VALUES (?, 0)`,
		currency,
	); err != nil {
		return 0, fmt.Errorf("failed to initialize key index: %w", err)
	}

	var index uint32
	if err := tx.QueryRow(
		`SELECT next_index FROM key_indexes WHERE currency = ?`,
		currency,
	).Scan(&index); err != nil {
		return 0, fmt.Errorf("failed to read key index: %w", err)
	}

	if _, err := tx.Exec(
		`UPDATE key_indexes SET next_index = next_index + 1 WHERE currency = ?`,
		currency,
	); err != nil {
		return 0, fmt.Errorf("failed to advance key index: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit key index: %w", err)
	}

	return index, nil
}
