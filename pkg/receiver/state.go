// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package receiver

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// TLVSupport caches whether the heater answers multi-status queries
type TLVSupport uint8

const (
	TLVUnknown     TLVSupport = 0
	TLVUnsupported TLVSupport = 1
	TLVSupported   TLVSupport = 2
)

func (s TLVSupport) String() string {
	switch s {
	case TLVUnsupported:
		return "unsupported"
	case TLVSupported:
		return "supported"
	default:
		return "unknown"
	}
}

// DurableState survives receiver resets
type DurableState struct {
	LastProcessedSeq uint16     `cbor:"1,keyasint"`
	TLVSupport       TLVSupport `cbor:"2,keyasint"`
}

// Store loads and saves the durable state
type Store interface {
	Load() (DurableState, error)
	Save(DurableState) error
}

// FileStore keeps the durable state in a CBOR file
type FileStore struct {
	path string
}

// NewFileStore creates a store backed by path
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the state file location
func (s *FileStore) Path() string { return s.path }

// Load reads the state file. A missing file is the zero state.
func (s *FileStore) Load() (DurableState, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return DurableState{}, nil
	}
	if err != nil {
		return DurableState{}, fmt.Errorf("read state: %w", err)
	}

	var st DurableState
	if err := cbor.Unmarshal(data, &st); err != nil {
		return DurableState{}, fmt.Errorf("decode state %s: %w", s.path, err)
	}
	return st, nil
}

// Save replaces the state file. The new contents are written to a temporary
// file and renamed over the old one, so a crash leaves either version intact.
func (s *FileStore) Save(st DurableState) error {
	data, err := cbor.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".state-*")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close state: %w", err)
	}

	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}

// MemoryStore keeps the durable state in memory
type MemoryStore struct {
	mu    sync.Mutex
	state DurableState
	saves int
	err   error
}

// NewMemoryStore creates a store holding st
func NewMemoryStore(st DurableState) *MemoryStore {
	return &MemoryStore{state: st}
}

func (s *MemoryStore) Load() (DurableState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, nil
}

func (s *MemoryStore) Save(st DurableState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.state = st
	s.saves++
	return nil
}

// Saves returns the number of successful saves
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

// FailSaves makes every later Save return err, or succeed again if err is nil
func (s *MemoryStore) FailSaves(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}
