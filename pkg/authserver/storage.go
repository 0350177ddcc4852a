// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"context"
	"errors"
	"fmt"

	"github.com/stacklok/grantkeeper/pkg/authserver/storage"
	"github.com/stacklok/grantkeeper/pkg/authserver/storage/sqlite"
	"github.com/stacklok/grantkeeper/pkg/logger"
)

// backend is the part of a storage backend NewStorage manages.
type backend interface {
	Health(ctx context.Context) error
	Close() error
}

// splitStorage serves clients and the ledger from one backend and codes,
// tokens and consents from another.
type splitStorage struct {
	storage.ClientStore
	storage.LedgerStore
	storage.TokenStore

	backends []backend
}

var _ storage.Storage = (*splitStorage)(nil)

func (s *splitStorage) Health(ctx context.Context) error {
	for _, b := range s.backends {
		if err := b.Health(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *splitStorage) Close() error {
	var errs []error
	for _, b := range s.backends {
		errs = append(errs, b.Close())
	}
	return errors.Join(errs...)
}

// NewStorage opens the storage selected by cfg.
//
// Clients and the ledger go to SQLite when SQLitePath is set and to memory
// otherwise. Codes, tokens and pending consents go to Redis or memory
// depending on Type. With neither configured everything lives in a single
// MemoryStorage.
func NewStorage(ctx context.Context, cfg storage.Config) (storage.Storage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	useRedis := cfg.Type == storage.TypeRedis
	if !useRedis && cfg.SQLitePath == "" {
		logger.Debugw("using in-memory storage")
		return storage.NewMemoryStorage(), nil
	}

	s := &splitStorage{}
	var mem *storage.MemoryStorage
	memory := func() *storage.MemoryStorage {
		if mem == nil {
			mem = storage.NewMemoryStorage()
			s.backends = append(s.backends, mem)
		}
		return mem
	}

	if cfg.SQLitePath != "" {
		db, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite storage: %w", err)
		}
		store := sqlite.NewStore(db)
		s.ClientStore, s.LedgerStore = store, store
		s.backends = append(s.backends, store)
		logger.Debugw("using sqlite storage for clients and ledger", "path", cfg.SQLitePath)
	} else {
		m := memory()
		s.ClientStore, s.LedgerStore = m, m
	}

	if useRedis {
		rs, err := storage.NewRedisStorage(ctx, *cfg.Redis)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to create redis storage: %w", err)
		}
		s.TokenStore = rs
		s.backends = append(s.backends, rs)
		logger.Debugw("using redis storage for tokens", "keyPrefix", cfg.Redis.KeyPrefix)
	} else {
		s.TokenStore = memory()
	}

	return s, nil
}
