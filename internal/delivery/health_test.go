// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Parley Contributors

package delivery_test

import (
	"testing"
	"time"

	"github.com/parley-dev/parley/internal/delivery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthTrackerStartsHealthy(t *testing.T) {
	tracker, err := delivery.NewHealthTracker(30 * time.Second)
	require.NoError(t, err)
	assert.True(t, tracker.IsHealthy())

	m := tracker.Metrics()
	assert.True(t, m.Available)
	assert.Zero(t, m.FailureCount)
	assert.Nil(t, m.LastFailureAt)
}

func TestHealthTrackerCooldown(t *testing.T) {
	tracker, err := delivery.NewHealthTracker(30 * time.Second)
	require.NoError(t, err)

	now := time.Now()
	tracker.SetNowFunc(func() time.Time { return now })

	tracker.RecordFailure()
	assert.False(t, tracker.IsHealthy())

	m := tracker.Metrics()
	assert.False(t, m.Available)
	assert.Equal(t, int64(1), m.FailureCount)
	require.NotNil(t, m.CooldownUntil)
	assert.Equal(t, now.Add(30*time.Second), *m.CooldownUntil)

	// Cooldown expiry makes the endpoint eligible again.
	now = now.Add(31 * time.Second)
	assert.True(t, tracker.IsHealthy())
}

func TestHealthTrackerRecovery(t *testing.T) {
	tracker, err := delivery.NewHealthTracker(30 * time.Second)
	require.NoError(t, err)

	tracker.RecordFailure()
	tracker.RecordSuccess()
	assert.True(t, tracker.IsHealthy())

	// Failure count is cumulative across recoveries.
	tracker.RecordFailure()
	assert.Equal(t, int64(2), tracker.Metrics().FailureCount)
}

func TestHealthTrackerRejectsNonPositiveCooldown(t *testing.T) {
	_, err := delivery.NewHealthTracker(0)
	assert.Error(t, err)
	_, err = delivery.NewHealthTracker(-time.Second)
	assert.Error(t, err)
}
