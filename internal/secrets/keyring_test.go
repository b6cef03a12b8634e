// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Parley Contributors

package secrets_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"github.com/parley-dev/parley/internal/secrets"
	parleyerr "github.com/parley-dev/parley/pkg/errors"
)

func init() {
	// Use the mock keyring for all tests so they don't touch the real OS keyring.
	keyring.MockInit()
}

func TestKeyringStore_StoreAndRetrieve(t *testing.T) {
	ks := secrets.NewKeyringStore()
	svc := "test-store-retrieve"

	require.NoError(t, ks.Store(svc, "webhook-token", "tok-secret-123"))

	val, err := ks.Retrieve(svc, "webhook-token")
	require.NoError(t, err)
	assert.Equal(t, "tok-secret-123", val)
}

func TestKeyringStore_RetrieveNotFound(t *testing.T) {
	ks := secrets.NewKeyringStore()

	_, err := ks.Retrieve("no-such-service", "no-key")
	require.Error(t, err)
	assert.True(t, parleyerr.HasCode(err, parleyerr.CodeSecretNotFound), "expected CodeSecretNotFound, got: %v", err)
}

func TestKeyringStore_Delete(t *testing.T) {
	ks := secrets.NewKeyringStore()
	svc := "test-delete"

	require.NoError(t, ks.Store(svc, "temp-key", "temp-value"))
	require.NoError(t, ks.Delete(svc, "temp-key"))

	_, err := ks.Retrieve(svc, "temp-key")
	require.Error(t, err)
	assert.True(t, parleyerr.HasCode(err, parleyerr.CodeSecretNotFound))
}

func TestKeyringStore_DeleteNotFound(t *testing.T) {
	ks := secrets.NewKeyringStore()

	err := ks.Delete("no-such-service", "no-key")
	require.Error(t, err)
	assert.True(t, parleyerr.HasCode(err, parleyerr.CodeSecretNotFound), "expected CodeSecretNotFound, got: %v", err)
}

func TestKeyringStore_List(t *testing.T) {
	ks := secrets.NewKeyringStore()
	svc := "test-list"

	keys, err := ks.List(svc)
	require.NoError(t, err)
	assert.Empty(t, keys)

	require.NoError(t, ks.Store(svc, "key-a", "val-a"))
	require.NoError(t, ks.Store(svc, "key-b", "val-b"))
	require.NoError(t, ks.Store(svc, "key-c", "val-c"))

	keys, err = ks.List(svc)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"key-a", "key-b", "key-c"}, keys)
}

func TestKeyringStore_ListAfterDelete(t *testing.T) {
	ks := secrets.NewKeyringStore()
	svc := "test-list-delete"

	require.NoError(t, ks.Store(svc, "key-x", "val"))
	require.NoError(t, ks.Store(svc, "key-y", "val"))
	require.NoError(t, ks.Delete(svc, "key-x"))

	keys, err := ks.List(svc)
	require.NoError(t, err)
	assert.Equal(t, []string{"key-y"}, keys)
}

func TestKeyringStore_StoreOverwrite(t *testing.T) {
	ks := secrets.NewKeyringStore()
	svc := "test-overwrite"

	require.NoError(t, ks.Store(svc, "key", "old-value"))
	require.NoError(t, ks.Store(svc, "key", "new-value"))

	val, err := ks.Retrieve(svc, "key")
	require.NoError(t, err)
	assert.Equal(t, "new-value", val)

	// Overwriting must not duplicate the key in the index.
	keys, err := ks.List(svc)
	require.NoError(t, err)
	assert.Equal(t, []string{"key"}, keys)
}

func TestKeyringStore_InvalidInputs(t *testing.T) {
	ks := secrets.NewKeyringStore()

	err := ks.Store("", "key", "val")
	require.Error(t, err)
	assert.True(t, parleyerr.HasCode(err, parleyerr.CodeSecretInvalidInput))

	err = ks.Store("svc", "", "val")
	require.Error(t, err)
	assert.True(t, parleyerr.HasCode(err, parleyerr.CodeSecretInvalidInput))

	// Empty value is allowed.
	assert.NoError(t, ks.Store("svc", "key", ""))

	_, err = ks.Retrieve("", "key")
	require.Error(t, err)
	assert.True(t, parleyerr.HasCode(err, parleyerr.CodeSecretInvalidInput))

	err = ks.Delete("svc", "")
	require.Error(t, err)
	assert.True(t, parleyerr.HasCode(err, parleyerr.CodeSecretInvalidInput))
}

func TestKeyringStore_IsolatedServices(t *testing.T) {
	ks := secrets.NewKeyringStore()

	require.NoError(t, ks.Store("svc-a", "shared-key", "value-a"))
	require.NoError(t, ks.Store("svc-b", "shared-key", "value-b"))

	valA, err := ks.Retrieve("svc-a", "shared-key")
	require.NoError(t, err)
	assert.Equal(t, "value-a", valA)

	valB, err := ks.Retrieve("svc-b", "shared-key")
	require.NoError(t, err)
	assert.Equal(t, "value-b", valB)

	keysA, err := ks.List("svc-a")
	require.NoError(t, err)
	assert.Equal(t, []string{"shared-key"}, keysA)
}
