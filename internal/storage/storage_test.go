package storage

import (
	"testing"

	"github.com/klingon-exchange/swapd/internal/swap"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()

	s, err := New(&Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("failed to open storage: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	return s
}

func TestReopenKeepsData(t *testing.T) {
	dataDir := t.TempDir()

	s, err := New(&Config{DataDir: dataDir})
	if err != nil {
		t.Fatalf("failed to open storage: %v", err)
	}

	sw := testSwap("deadbeef00000001")
	if err := s.InsertSwap(sw); err != nil {
		t.Fatalf("failed to insert swap: %v", err)
	}
	s.Close()

	s, err = New(&Config{DataDir: dataDir})
	if err != nil {
		t.Fatalf("failed to reopen storage: %v", err)
	}
	defer s.Close()

	loaded, err := s.GetSwap(sw.ID)
	if err != nil {
		t.Fatalf("failed to load swap after reopen: %v", err)
	}
	if loaded.Status != swap.StatusSwapCreated {
		t.Errorf("status = %s after reopen, want %s", loaded.Status, swap.StatusSwapCreated)
	}
}

func TestNextKeyIndexMonotonic(t *testing.T) {
	s := newTestStorage(t)

	for want := uint32(0); want < 3; want++ {
		index, err := s.NextKeyIndex("BTC")
		if err != nil {
			t.Fatalf("NextKeyIndex failed: %v", err)
		}
		if index != want {
			t.Errorf("NextKeyIndex = %d, want %d", index, want)
		}
	}

	// Currencies count independently.
	index, err := s.NextKeyIndex("LTC")
	if err != nil {
		t.Fatalf("NextKeyIndex failed: %v", err)
	}
	if index != 0 {
		t.Errorf("LTC index = %d, want 0", index)
	}
}

func TestNextKeyIndexSurvivesReopen(t *testing.T) {
	dataDir := t.TempDir()

	s, err := New(&Config{DataDir: dataDir})
	if err != nil {
		t.Fatalf("failed to open storage: %v", err)
	}
	if _, err := s.NextKeyIndex("BTC"); err != nil {
		t.Fatalf("NextKeyIndex failed: %v", err)
	}
	s.Close()

	s, err = New(&Config{DataDir: dataDir})
	if err != nil {
		t.Fatalf("failed to reopen storage: %v", err)
	}
	defer s.Close()

	index, err := s.NextKeyIndex("BTC")
	if err != nil {
		t.Fatalf("NextKeyIndex failed: %v", err)
	}
	if index != 1 {
		t.Errorf("index after reopen = %d, want 1", index)
	}
}
