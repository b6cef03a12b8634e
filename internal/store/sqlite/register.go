// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Parley Contributors

package sqlite

import (
	"path/filepath"

	"github.com/parley-dev/parley/internal/store"
)

func init() {
	store.RegisterBackend("sqlite", newPendingQueue, newKV)
}

func newPendingQueue(dataPath string) (store.PendingQueue, error) {
	return NewPendingQueue(filepath.Join(dataPath, "offline.db"))
}

func newKV(dataPath string) (store.KV, error) {
	return NewKV(filepath.Join(dataPath, "state.db"))
}
