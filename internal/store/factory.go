// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Parley Contributors

package store

import (
	"sync"

	parleyerr "github.com/parley-dev/parley/pkg/errors"
)

// QueueFactory creates a durable pending-message queue rooted at dataPath.
type QueueFactory func(dataPath string) (PendingQueue, error)

// KVFactory creates a durable key-value store rooted at dataPath.
type KVFactory func(dataPath string) (KV, error)

var (
	queueFactories = map[string]QueueFactory{}
	kvFactories    = map[string]KVFactory{}
	factoriesMu    sync.RWMutex
)

// RegisterBackend registers factory functions for a named storage backend.
// Backend packages call this from init(). This function is goroutine-safe.
func RegisterBackend(name string, qf QueueFactory, kf KVFactory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	queueFactories[name] = qf
	kvFactories[name] = kf
}

// StorageConfig controls which backend the store factory uses.
type StorageConfig struct {
	Backend string // "sqlite" is the only supported backend for now.
}

// resolveBackend returns the effective backend name, defaulting to "sqlite".
func resolveBackend(cfg *StorageConfig) string {
	if cfg == nil || cfg.Backend == "" {
		return "sqlite"
	}
	return cfg.Backend
}

// NewPendingQueue creates the durable offline queue for the configured backend.
func NewPendingQueue(cfg *StorageConfig, dataPath string) (PendingQueue, error) {
	backend := resolveBackend(cfg)

	factoriesMu.RLock()
	factory, ok := queueFactories[backend]
	factoriesMu.RUnlock()
	if !ok {
		return nil, parleyerr.Errorf(parleyerr.CodeStoreBackendUnsupported,
			"unsupported storage backend: %q", backend)
	}

	return factory(dataPath)
}

// NewKV creates the durable key-value store for the configured backend.
func NewKV(cfg *StorageConfig, dataPath string) (KV, error) {
	backend := resolveBackend(cfg)

	factoriesMu.RLock()
	factory, ok := kvFactories[backend]
	factoriesMu.RUnlock()
	if !ok {
		return nil, parleyerr.Errorf(parleyerr.CodeStoreBackendUnsupported,
			"unsupported storage backend: %q", backend)
	}

	return factory(dataPath)
}
