// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package safemode

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/AleutianAI/patchloader/services/loader/layout"
	"github.com/AleutianAI/patchloader/services/loader/storage/badger"
)

// FileStore keeps one counter per process as decimal text in a directory,
// each file replaced atomically on every store.
type FileStore struct {
	dir string
}

// NewFileStore returns a FileStore rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Dir returns the counter directory.
func (s *FileStore) Dir() string { return s.dir }

// Path returns the counter file of process.
func (s *FileStore) Path(process string) (string, error) {
	key, err := processKey(process)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.dir, key+".count"), nil
}

// Load implements CounterStore.
func (s *FileStore) Load(ctx context.Context, process string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	path, err := s.Path(process)
	if err != nil {
		return 0, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrCounterCorrupted, path, err)
	}
	return n, nil
}

// Store implements CounterStore.
func (s *FileStore) Store(ctx context.Context, process string, n int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.Path(process)
	if err != nil {
		return err
	}
	return layout.WriteFileAtomic(path, []byte(strconv.Itoa(n)+"\n"), 0o644)
}

// processKey maps a process name onto a file-name-safe key. Bytes outside
// [A-Za-z0-9._-] become '_'.
func processKey(process string) (string, error) {
	if strings.TrimSpace(process) == "" {
		return "", ErrInvalidProcess
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '_', r == '-':
			return r
		}
		return '_'
	}, process), nil
}

// counterPrefix prefixes the badger key of every process counter.
const counterPrefix = "safemode/count/"

func counterKey(process string) ([]byte, error) {
	if strings.TrimSpace(process) == "" {
		return nil, ErrInvalidProcess
	}
	return []byte(counterPrefix + process), nil
}

// BadgerStore keeps the counters in a BadgerDB, one key per process.
//
// # Description
//
// Constructed with NewBadgerStore it uses a caller-owned open database.
// Constructed with NewBadgerStoreAt it opens the database at a path for each
// call and closes it again, since BadgerDB allows only one process to hold
// a database open.
type BadgerStore struct {
	db   *badger.DB
	path string
	mu   sync.Mutex
}

// NewBadgerStore wraps an open database. The caller closes it.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

// NewBadgerStoreAt opens the database at path on every call.
func NewBadgerStoreAt(path string) *BadgerStore {
	return &BadgerStore{path: path}
}

// Load implements CounterStore.
func (s *BadgerStore) Load(ctx context.Context, process string) (int, error) {
	key, err := counterKey(process)
	if err != nil {
		return 0, err
	}
	var n int
	err = s.withDB(func(db *badger.DB) error {
		v, _, err := db.GetUint64(ctx, key)
		if err != nil {
			return err
		}
		n = int(v)
		return nil
	})
	return n, err
}

// Store implements CounterStore.
func (s *BadgerStore) Store(ctx context.Context, process string, n int) error {
	key, err := counterKey(process)
	if err != nil {
		return err
	}
	if n < 0 {
		n = 0
	}
	return s.withDB(func(db *badger.DB) error {
		return db.PutUint64(ctx, key, uint64(n))
	})
}

func (s *BadgerStore) withDB(fn func(*badger.DB) error) error {
	if s.db != nil {
		return fn(s.db)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	db, err := badger.Open(badger.DefaultConfig(s.path))
	if err != nil {
		return err
	}
	return errors.Join(fn(db), db.Close())
}
