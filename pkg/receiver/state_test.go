// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package receiver

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestFileStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.cbor")
	store := NewFileStore(path)

	st, err := store.Load()
	if err != nil {
		t.Fatalf("Load of missing file: %v", err)
	}
	if st != (DurableState{}) {
		t.Errorf("missing file loaded as %+v", st)
	}

	want := DurableState{LastProcessedSeq: 0xBEEF, TLVSupport: TLVSupported}
	if err := store.Save(want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := NewFileStore(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != want {
		t.Errorf("Load() = %+v, want %+v", got, want)
	}

	// Saving again replaces the file without leaving temporaries behind
	if err := store.Save(DurableState{LastProcessedSeq: 1}); err != nil {
		t.Fatal(err)
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("directory holds %d entries, want 1", len(entries))
	}
}

func TestFileStore_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.cbor")
	if err := os.WriteFile(path, []byte{0xFF, 0x00, 0x13}, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFileStore(path).Load(); err == nil {
		t.Error("corrupt state file loaded without error")
	}
}

func TestMemoryStore_FailSaves(t *testing.T) {
	store := NewMemoryStore(DurableState{LastProcessedSeq: 4})
	boom := errors.New("boom")

	store.FailSaves(boom)
	if err := store.Save(DurableState{LastProcessedSeq: 5}); !errors.Is(err, boom) {
		t.Errorf("Save() = %v, want injected error", err)
	}
	if st, _ := store.Load(); st.LastProcessedSeq != 4 {
		t.Errorf("failed save changed state to %+v", st)
	}

	store.FailSaves(nil)
	if err := store.Save(DurableState{LastProcessedSeq: 5}); err != nil {
		t.Fatal(err)
	}
	if store.Saves() != 1 {
		t.Errorf("Saves() = %d, want 1", store.Saves())
	}
}

func TestTLVSupport_String(t *testing.T) {
	for s, want := range map[TLVSupport]string{
		TLVUnknown:     "unknown",
		TLVUnsupported: "unsupported",
		TLVSupported:   "supported",
	} {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", s, s.String(), want)
		}
	}
}
