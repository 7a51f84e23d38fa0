package storage

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuotaManager_AllocateRelease(t *testing.T) {
	qm := NewQuotaManager(1000)

	require.NoError(t, qm.Allocate("42", 400))
	require.NoError(t, qm.Allocate("7", 300))
	assert.EqualValues(t, 700, qm.UsedBytes())
	assert.EqualValues(t, 400, qm.OwnerUsedBytes("42"))

	require.ErrorIs(t, qm.Allocate("42", 301), ErrQuotaExceeded)
	assert.EqualValues(t, 700, qm.UsedBytes(), "failed allocation must not change counters")

	qm.Release("42", 400)
	assert.EqualValues(t, 300, qm.UsedBytes())
	assert.Zero(t, qm.OwnerUsedBytes("42"))
}

func TestQuotaManager_UnlimitedWhenZero(t *testing.T) {
	qm := NewQuotaManager(0)
	require.NoError(t, qm.Allocate("42", 1<<40))
	assert.EqualValues(t, -1, qm.Stats().AvailableBytes)
}

func TestQuotaManager_Update(t *testing.T) {
	qm := NewQuotaManager(1000)
	require.NoError(t, qm.Allocate("42", 600))

	require.NoError(t, qm.Update("42", 600, 500))
	assert.EqualValues(t, 500, qm.UsedBytes())

	require.ErrorIs(t, qm.Update("42", 500, 1100), ErrQuotaExceeded)
	assert.EqualValues(t, 500, qm.UsedBytes())
}

func TestQuotaManager_ReleaseNeverGoesNegative(t *testing.T) {
	qm := NewQuotaManager(1000)
	qm.Release("42", 500)
	assert.Zero(t, qm.UsedBytes())
	assert.Zero(t, qm.OwnerUsedBytes("42"))
}

func TestQuotaManager_SetUsedReconciles(t *testing.T) {
	qm := NewQuotaManager(1000)
	require.NoError(t, qm.Allocate("42", 200))

	qm.SetUsed("42", 650)
	assert.EqualValues(t, 650, qm.UsedBytes())

	qm.SetUsed("42", 0)
	assert.Zero(t, qm.UsedBytes())
	assert.Empty(t, qm.Stats().PerOwner)
}

func TestQuotaManager_ConcurrentAllocationsNeverOvershoot(t *testing.T) {
	qm := NewQuotaManager(1000)

	const goroutines = 50
	var wg sync.WaitGroup
	for n := 0; n < goroutines; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = qm.Allocate("42", 100)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1000, qm.UsedBytes(), "exactly ten allocations fit")
}

func TestQuotaManager_StatsSnapshotIsACopy(t *testing.T) {
	qm := NewQuotaManager(1000)
	require.NoError(t, qm.Allocate("42", 100))

	stats := qm.Stats()
	stats.PerOwner["42"] = 999

	assert.EqualValues(t, 100, qm.OwnerUsedBytes("42"))
	assert.EqualValues(t, 900, qm.Stats().AvailableBytes)
}
