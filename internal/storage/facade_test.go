package storage

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stowage/stowage/internal/cache"
	"github.com/stowage/stowage/internal/lock"
	"github.com/stowage/stowage/internal/objstore"
	"github.com/stowage/stowage/internal/upload"
	"github.com/stowage/stowage/testutil"
)

type captureRecorder struct {
	mu      sync.Mutex
	records []Record
	err     error
}

func (r *captureRecorder) RecordObject(ctx context.Context, desc objstore.Descriptor, meta FileMetadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.records = append(r.records, Record{Descriptor: desc, Metadata: meta})
	return nil
}

func (r *captureRecorder) recorded() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Record(nil), r.records...)
}

type facadeFixture struct {
	facade   *Facade
	store    *testutil.FakeStore
	backend  *cache.Memory
	locks    *lock.Manager
	quota    *QuotaManager
	recorder *captureRecorder
}

func newFacadeFixture(t *testing.T, cfg Config) *facadeFixture {
	t.Helper()
	store := testutil.NewFakeStore()
	backend := cache.NewMemory()
	idx := cache.NewIndex(backend, cache.Config{Logger: zerolog.Nop()})
	locks := lock.NewManager(lock.NewMemory(), lock.Config{
		PollInterval: 2 * time.Millisecond,
		Logger:       zerolog.Nop(),
	})
	coord := upload.NewCoordinator(store, upload.Config{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Logger:         zerolog.Nop(),
	})
	quota := NewQuotaManager(64 * 1024 * 1024)
	rec := &captureRecorder{}
	cfg.Logger = zerolog.Nop()
	return &facadeFixture{
		facade:   New(store, coord, idx, locks, quota, rec, cfg),
		store:    store,
		backend:  backend,
		locks:    locks,
		quota:    quota,
		recorder: rec,
	}
}

func TestFacade_UploadDirect(t *testing.T) {
	fx := newFacadeFixture(t, Config{})
	ctx := context.Background()
	data := testutil.RandomBytes(t, 4096, 1)

	desc, err := fx.facade.Upload(ctx, testutil.ReaderAt(data), int64(len(data)), "files/small.bin", FileMetadata{
		OwnerID:     "42",
		FolderID:    "inbox",
		ContentType: "application/octet-stream",
	})
	require.NoError(t, err)
	assert.Equal(t, "files/small.bin", desc.Path)
	assert.EqualValues(t, len(data), desc.Size)

	stored, ok := fx.store.Object("files/small.bin")
	require.True(t, ok)
	assert.True(t, bytes.Equal(data, stored))
	assert.Zero(t, fx.store.OpenSessions(), "direct uploads must not open multipart sessions")

	recs := fx.recorder.recorded()
	require.Len(t, recs, 1)
	assert.Equal(t, desc, recs[0].Descriptor)
	assert.Equal(t, "42", recs[0].Metadata.OwnerID)
}

func TestFacade_UploadMultipart(t *testing.T) {
	fx := newFacadeFixture(t, Config{
		MultipartThreshold: 1024 * 1024,
		ChunkSize:          5 * 1024 * 1024,
	})
	ctx := context.Background()
	data := testutil.RandomBytes(t, 12*1024*1024, 2)

	desc, err := fx.facade.Upload(ctx, testutil.ReaderAt(data), int64(len(data)), "files/big.bin", FileMetadata{
		OwnerID:  "42",
		FolderID: "inbox",
	})
	require.NoError(t, err)
	assert.EqualValues(t, len(data), desc.Size)

	stored, ok := fx.store.Object("files/big.bin")
	require.True(t, ok)
	assert.True(t, bytes.Equal(data, stored))
	assert.Zero(t, fx.store.OpenSessions())
	assert.EqualValues(t, len(data), fx.quota.UsedBytes())
}

func TestFacade_UploadFailureAbortsAndReleasesEverything(t *testing.T) {
	fx := newFacadeFixture(t, Config{
		MultipartThreshold: 1024 * 1024,
		ChunkSize:          5 * 1024 * 1024,
	})
	ctx := context.Background()
	data := testutil.RandomBytes(t, 12*1024*1024, 3)
	fx.store.FailPart(2, -1, false, errors.New("access denied"))

	_, err := fx.facade.Upload(ctx, testutil.ReaderAt(data), int64(len(data)), "files/doomed.bin", FileMetadata{OwnerID: "42"})
	require.Error(t, err)

	assert.Zero(t, fx.store.OpenSessions(), "failed session must be aborted")
	assert.Zero(t, fx.quota.UsedBytes(), "reservation must be returned on failure")
	_, ok := fx.store.Object("files/doomed.bin")
	assert.False(t, ok)

	// The path lock must have been released on the failure path.
	handle, err := fx.locks.Acquire(ctx, "files/doomed.bin", time.Second, 50*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, fx.locks.Release(ctx, handle))
}

func TestFacade_UploadQuotaExceeded(t *testing.T) {
	fx := newFacadeFixture(t, Config{})
	fx.quota.SetUsed("41", 64*1024*1024)
	ctx := context.Background()
	data := testutil.RandomBytes(t, 1024, 4)

	_, err := fx.facade.Upload(ctx, testutil.ReaderAt(data), int64(len(data)), "files/over.bin", FileMetadata{OwnerID: "42"})
	require.ErrorIs(t, err, ErrQuotaExceeded)

	_, ok := fx.store.Object("files/over.bin")
	assert.False(t, ok, "quota failure must reject before touching the store")
}

func TestFacade_ReadThroughCachesBody(t *testing.T) {
	fx := newFacadeFixture(t, Config{})
	ctx := context.Background()
	data := testutil.RandomBytes(t, 2048, 5)
	fx.store.SeedObject("files/read.bin", data, "application/octet-stream")

	got, err := fx.facade.Read(ctx, "files/read.bin")
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
	assert.Equal(t, 1, fx.store.GetCalls("files/read.bin"))

	got, err = fx.facade.Read(ctx, "files/read.bin")
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
	assert.Equal(t, 1, fx.store.GetCalls("files/read.bin"), "second read must be served from cache")
}

func TestFacade_ConcurrentReadsFetchOnce(t *testing.T) {
	fx := newFacadeFixture(t, Config{})
	ctx := context.Background()
	data := testutil.RandomBytes(t, 2048, 6)
	fx.store.SeedObject("files/hot.bin", data, "")

	const readers = 16
	var wg sync.WaitGroup
	results := make([][]byte, readers)
	errs := make([]error, readers)
	for n := 0; n < readers; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			results[n], errs[n] = fx.facade.Read(ctx, "files/hot.bin")
		}(n)
	}
	wg.Wait()

	for n := 0; n < readers; n++ {
		require.NoError(t, errs[n])
		assert.True(t, bytes.Equal(data, results[n]))
	}
	assert.Equal(t, 1, fx.store.GetCalls("files/hot.bin"))
}

func TestFacade_StatServedFromUploadRecord(t *testing.T) {
	fx := newFacadeFixture(t, Config{})
	ctx := context.Background()
	data := testutil.RandomBytes(t, 1024, 7)

	desc, err := fx.facade.Upload(ctx, testutil.ReaderAt(data), int64(len(data)), "files/doc.pdf", FileMetadata{
		OwnerID:     "42",
		FolderID:    "docs",
		ContentType: "application/pdf",
	})
	require.NoError(t, err)

	rec, err := fx.facade.Stat(ctx, "files/doc.pdf")
	require.NoError(t, err)
	assert.Equal(t, desc, rec.Descriptor)
	assert.Equal(t, "42", rec.Metadata.OwnerID)
	assert.Equal(t, "docs", rec.Metadata.FolderID)
}

func TestFacade_InvalidateDropsOnlyTaggedEntries(t *testing.T) {
	fx := newFacadeFixture(t, Config{})
	ctx := context.Background()

	a := testutil.RandomBytes(t, 512, 8)
	b := testutil.RandomBytes(t, 512, 9)
	_, err := fx.facade.Upload(ctx, testutil.ReaderAt(a), int64(len(a)), "files/a.bin", FileMetadata{OwnerID: "42", FolderID: "f1"})
	require.NoError(t, err)
	_, err = fx.facade.Upload(ctx, testutil.ReaderAt(b), int64(len(b)), "files/b.bin", FileMetadata{OwnerID: "7", FolderID: "f1"})
	require.NoError(t, err)

	require.NoError(t, fx.facade.Invalidate(ctx, "files/a.bin", "42", ""))

	_, ok, err := fx.facade.cache.Get(ctx, metaKey("files/a.bin"))
	require.NoError(t, err)
	assert.False(t, ok, "owner 42's record must be gone")

	_, ok, err = fx.facade.cache.Get(ctx, metaKey("files/b.bin"))
	require.NoError(t, err)
	assert.True(t, ok, "owner 7's record must survive")
}

func TestFacade_InvalidateThenReadRefetches(t *testing.T) {
	fx := newFacadeFixture(t, Config{})
	ctx := context.Background()

	fx.store.SeedObject("files/live.bin", []byte("v1"), "")
	got, err := fx.facade.Read(ctx, "files/live.bin")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)

	fx.store.SeedObject("files/live.bin", []byte("v2"), "")
	require.NoError(t, fx.facade.Invalidate(ctx, "files/live.bin", "42", "f1"))

	got, err = fx.facade.Read(ctx, "files/live.bin")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got, "invalidated body must be refetched")
	assert.Equal(t, 2, fx.store.GetCalls("files/live.bin"))
}

func TestFacade_ConcurrentUploadsToSamePathSerialize(t *testing.T) {
	fx := newFacadeFixture(t, Config{LockWait: time.Second})
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for n := 0; n < writers; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			data := testutil.RandomBytes(t, 1024, int64(n))
			_, errs[n] = fx.facade.Upload(ctx, testutil.ReaderAt(data), int64(len(data)), "files/contended.bin", FileMetadata{OwnerID: "42"})
		}(n)
	}
	wg.Wait()

	for n := 0; n < writers; n++ {
		require.NoError(t, errs[n])
	}
	_, ok := fx.store.Object("files/contended.bin")
	assert.True(t, ok)
}

func TestFacade_VersionPassthrough(t *testing.T) {
	fx := newFacadeFixture(t, Config{})
	ctx := context.Background()

	stamp, err := fx.facade.ReadVersion(ctx, "quota/42")
	require.NoError(t, err)

	ran := false
	next, err := fx.facade.CompareAndSwapVersion(ctx, "quota/42", stamp, func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.NotEqual(t, stamp.Version, next.Version)

	_, err = fx.facade.CompareAndSwapVersion(ctx, "quota/42", stamp, func(ctx context.Context) error { return nil })
	require.ErrorIs(t, err, lock.ErrVersionConflict)
}

func TestFacade_WithExclusiveAccessBlocksSecondHolder(t *testing.T) {
	fx := newFacadeFixture(t, Config{LockWait: 20 * time.Millisecond})
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = fx.facade.WithExclusiveAccess(ctx, "files/held.bin", func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	err := fx.facade.WithExclusiveAccess(ctx, "files/held.bin", func(ctx context.Context) error { return nil })
	require.ErrorIs(t, err, lock.ErrLockTimeout)
	close(release)
}

type orderLog struct {
	mu     sync.Mutex
	events []string
}

func (l *orderLog) add(event string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *orderLog) indexOf(event string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.events {
		if e == event {
			return i
		}
	}
	return -1
}

type orderedLockBackend struct {
	lock.Backend
	log *orderLog
}

func (b *orderedLockBackend) Release(ctx context.Context, path, token string) error {
	b.log.add("lock_release")
	return b.Backend.Release(ctx, path, token)
}

type orderedCacheBackend struct {
	cache.Backend
	log *orderLog
}

func (b *orderedCacheBackend) Put(ctx context.Context, key string, value []byte, tags []string, ttl time.Duration) error {
	b.log.add("cache_put")
	return b.Backend.Put(ctx, key, value, tags, ttl)
}

func TestFacade_UploadCachesRecordBeforeReleasingLock(t *testing.T) {
	events := &orderLog{}
	store := testutil.NewFakeStore()
	idx := cache.NewIndex(&orderedCacheBackend{Backend: cache.NewMemory(), log: events}, cache.Config{Logger: zerolog.Nop()})
	locks := lock.NewManager(&orderedLockBackend{Backend: lock.NewMemory(), log: events}, lock.Config{
		PollInterval: 2 * time.Millisecond,
		Logger:       zerolog.Nop(),
	})
	coord := upload.NewCoordinator(store, upload.Config{Logger: zerolog.Nop()})
	facade := New(store, coord, idx, locks, nil, nil, Config{Logger: zerolog.Nop()})

	data := testutil.RandomBytes(t, 1024, 10)
	_, err := facade.Upload(context.Background(), testutil.ReaderAt(data), int64(len(data)), "files/ordered.bin", FileMetadata{OwnerID: "42"})
	require.NoError(t, err)

	putIdx := events.indexOf("cache_put")
	relIdx := events.indexOf("lock_release")
	require.NotEqual(t, -1, putIdx, "record put must happen")
	require.NotEqual(t, -1, relIdx, "lock release must happen")
	assert.Less(t, putIdx, relIdx, "record must be cached while the lock is still held")
}

func TestFacade_OverwriteSwapsQuotaAllocation(t *testing.T) {
	fx := newFacadeFixture(t, Config{})
	ctx := context.Background()

	first := testutil.RandomBytes(t, 4096, 11)
	_, err := fx.facade.Upload(ctx, testutil.ReaderAt(first), int64(len(first)), "files/replace.bin", FileMetadata{OwnerID: "42"})
	require.NoError(t, err)
	assert.EqualValues(t, 4096, fx.quota.UsedBytes())

	second := testutil.RandomBytes(t, 1024, 12)
	_, err = fx.facade.Upload(ctx, testutil.ReaderAt(second), int64(len(second)), "files/replace.bin", FileMetadata{OwnerID: "42"})
	require.NoError(t, err)
	assert.EqualValues(t, 1024, fx.quota.UsedBytes(), "overwrite must swap the allocation, not stack a second one")

	got, err := fx.facade.Read(ctx, "files/replace.bin")
	require.NoError(t, err)
	assert.True(t, bytes.Equal(second, got))
}

func TestFacade_FailedOverwriteRestoresQuota(t *testing.T) {
	fx := newFacadeFixture(t, Config{
		MultipartThreshold: 1024 * 1024,
		ChunkSize:          5 * 1024 * 1024,
	})
	ctx := context.Background()

	first := testutil.RandomBytes(t, 4096, 13)
	_, err := fx.facade.Upload(ctx, testutil.ReaderAt(first), int64(len(first)), "files/keep.bin", FileMetadata{OwnerID: "42"})
	require.NoError(t, err)

	fx.store.FailPart(1, -1, false, errors.New("access denied"))
	second := testutil.RandomBytes(t, 12*1024*1024, 14)
	_, err = fx.facade.Upload(ctx, testutil.ReaderAt(second), int64(len(second)), "files/keep.bin", FileMetadata{OwnerID: "42"})
	require.Error(t, err)

	assert.EqualValues(t, 4096, fx.quota.UsedBytes(), "failed overwrite must restore the prior allocation")
	stored, ok := fx.store.Object("files/keep.bin")
	require.True(t, ok)
	assert.True(t, bytes.Equal(first, stored))
}
