package upload

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stowage/stowage/internal/chunk"
	"github.com/stowage/stowage/testutil"
)

const mib = 1024 * 1024

func newTestCoordinator(store *testutil.FakeStore) *Coordinator {
	return NewCoordinator(store, Config{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Parallelism:    4,
		PartTimeout:    5 * time.Second,
		Logger:         zerolog.Nop(),
	})
}

func TestCoordinator_EndToEnd(t *testing.T) {
	store := testutil.NewFakeStore()
	coord := newTestCoordinator(store)
	ctx := context.Background()

	data := testutil.RandomBytes(t, 12*mib, 1)

	sess, err := coord.Start(ctx, "files/report.bin", "application/octet-stream", uint64(len(data)), 5*mib)
	require.NoError(t, err)
	require.Equal(t, StateUploading, sess.State())
	require.Equal(t, 3, sess.PartCount())

	// 5 MiB, 5 MiB, 2 MiB
	plan := sess.Plan()
	assert.Equal(t, uint64(5*mib), plan[0].Length)
	assert.Equal(t, uint64(5*mib), plan[1].Length)
	assert.Equal(t, uint64(2*mib), plan[2].Length)

	require.NoError(t, coord.UploadAll(ctx, sess, bytes.NewReader(data)))
	for _, p := range plan {
		status, _ := sess.PartStatusOf(p.Seq)
		assert.Equal(t, PartCommitted, status, "part %d", p.Seq)
	}

	desc, err := coord.Complete(ctx, sess)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, sess.State())
	assert.Equal(t, "files/report.bin", desc.Path)
	assert.Equal(t, int64(len(data)), desc.Size)
	assert.NotEmpty(t, desc.ETag)

	// The store must hold the exact assembled bytes.
	stored, ok := store.Object("files/report.bin")
	require.True(t, ok)
	assert.Equal(t, data, stored)
}

func TestCoordinator_StartInitiationError(t *testing.T) {
	store := testutil.NewFakeStore()
	store.FailInitiation(errors.New("AccessDenied"))
	coord := newTestCoordinator(store)

	_, err := coord.Start(context.Background(), "files/x", "", 12*mib, 5*mib)
	require.ErrorIs(t, err, ErrInitiation)
}

func TestCoordinator_StartInvalidChunkSize(t *testing.T) {
	store := testutil.NewFakeStore()
	coord := newTestCoordinator(store)

	_, err := coord.Start(context.Background(), "files/x", "", 0, 5*mib)
	require.ErrorIs(t, err, chunk.ErrInvalidChunkSize)
	_, err = coord.Start(context.Background(), "files/x", "", 12*mib, 0)
	require.ErrorIs(t, err, chunk.ErrInvalidChunkSize)
}

func TestCoordinator_TransientFailureRetriesAndSucceeds(t *testing.T) {
	store := testutil.NewFakeStore()
	// Part 2 fails twice with a transient error, then succeeds.
	store.FailPart(2, 2, true, errors.New("ServiceUnavailable"))
	coord := newTestCoordinator(store)
	ctx := context.Background()

	data := testutil.RandomBytes(t, 12*mib, 2)
	sess, err := coord.Start(ctx, "files/retry.bin", "", uint64(len(data)), 5*mib)
	require.NoError(t, err)

	require.NoError(t, coord.UploadAll(ctx, sess, bytes.NewReader(data)))

	status, attempts := sess.PartStatusOf(2)
	assert.Equal(t, PartCommitted, status)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, store.PartAttempts(2))

	_, err = coord.Complete(ctx, sess)
	require.NoError(t, err)
}

func TestCoordinator_RetryExhaustionFailsSessionAndAborts(t *testing.T) {
	store := testutil.NewFakeStore()
	// Part 2 always fails with a transient error; 3 attempts then give up.
	store.FailPart(2, -1, true, errors.New("InternalError"))
	coord := newTestCoordinator(store)
	ctx := context.Background()

	data := testutil.RandomBytes(t, 12*mib, 3)
	sess, err := coord.Start(ctx, "files/doomed.bin", "", uint64(len(data)), 5*mib)
	require.NoError(t, err)

	err = coord.UploadAll(ctx, sess, bytes.NewReader(data))
	require.ErrorIs(t, err, ErrPartUpload)
	assert.Equal(t, StateFailed, sess.State())
	assert.Equal(t, 3, store.PartAttempts(2))

	status, _ := sess.PartStatusOf(2)
	assert.Equal(t, PartFailed, status)

	// The caller contract: abort on unrecoverable failure.
	require.NoError(t, coord.Abort(ctx, sess))
	assert.Equal(t, StateAborted, sess.State())
	assert.True(t, store.Aborted(sess.ID()))
	assert.Zero(t, store.OpenSessions())
}

func TestCoordinator_NonTransientFailureDoesNotRetry(t *testing.T) {
	store := testutil.NewFakeStore()
	store.FailPart(1, -1, false, errors.New("InvalidPart"))
	coord := newTestCoordinator(store)
	ctx := context.Background()

	data := testutil.RandomBytes(t, 6*mib, 4)
	sess, err := coord.Start(ctx, "files/bad.bin", "", uint64(len(data)), 5*mib)
	require.NoError(t, err)

	err = coord.UploadPart(ctx, sess, sess.Plan()[0], bytes.NewReader(data))
	require.ErrorIs(t, err, ErrPartUpload)
	assert.Equal(t, 1, store.PartAttempts(1), "structural errors must not be retried")
}

func TestCoordinator_CompleteWithIncompleteParts(t *testing.T) {
	store := testutil.NewFakeStore()
	coord := newTestCoordinator(store)
	ctx := context.Background()

	data := testutil.RandomBytes(t, 12*mib, 5)
	sess, err := coord.Start(ctx, "files/partial.bin", "", uint64(len(data)), 5*mib)
	require.NoError(t, err)

	// Upload only parts 1 and 3.
	require.NoError(t, coord.UploadPart(ctx, sess, sess.Plan()[0], bytes.NewReader(data)))
	require.NoError(t, coord.UploadPart(ctx, sess, sess.Plan()[2], bytes.NewReader(data)))

	_, err = coord.Complete(ctx, sess)
	require.ErrorIs(t, err, ErrIncompleteParts)
	assert.Contains(t, err.Error(), "2")

	// Session remains usable: finishing the missing part unblocks completion.
	require.NoError(t, coord.UploadPart(ctx, sess, sess.Plan()[1], bytes.NewReader(data)))
	_, err = coord.Complete(ctx, sess)
	require.NoError(t, err)
}

func TestCoordinator_CompletionRejection(t *testing.T) {
	store := testutil.NewFakeStore()
	store.FailCompletion(errors.New("EntityTooSmall"))
	coord := newTestCoordinator(store)
	ctx := context.Background()

	data := testutil.RandomBytes(t, 12*mib, 6)
	sess, err := coord.Start(ctx, "files/rejected.bin", "", uint64(len(data)), 5*mib)
	require.NoError(t, err)
	require.NoError(t, coord.UploadAll(ctx, sess, bytes.NewReader(data)))

	_, err = coord.Complete(ctx, sess)
	require.ErrorIs(t, err, ErrCompletion)
	assert.Equal(t, StateFailed, sess.State())
}

func TestCoordinator_AbortIsIdempotent(t *testing.T) {
	store := testutil.NewFakeStore()
	coord := newTestCoordinator(store)
	ctx := context.Background()

	data := testutil.RandomBytes(t, 12*mib, 7)
	sess, err := coord.Start(ctx, "files/aborted.bin", "", uint64(len(data)), 5*mib)
	require.NoError(t, err)

	require.NoError(t, coord.Abort(ctx, sess))
	assert.Equal(t, StateAborted, sess.State())

	// Second abort is a no-op.
	require.NoError(t, coord.Abort(ctx, sess))
	assert.Equal(t, StateAborted, sess.State())
}

func TestCoordinator_AbortedSessionRejectsParts(t *testing.T) {
	store := testutil.NewFakeStore()
	coord := newTestCoordinator(store)
	ctx := context.Background()

	data := testutil.RandomBytes(t, 12*mib, 8)
	sess, err := coord.Start(ctx, "files/late.bin", "", uint64(len(data)), 5*mib)
	require.NoError(t, err)
	require.NoError(t, coord.Abort(ctx, sess))

	err = coord.UploadPart(ctx, sess, sess.Plan()[0], bytes.NewReader(data))
	require.Error(t, err)

	_, err = coord.Complete(ctx, sess)
	require.Error(t, err)
}

func TestCoordinator_AbortAfterCompleteFails(t *testing.T) {
	store := testutil.NewFakeStore()
	coord := newTestCoordinator(store)
	ctx := context.Background()

	data := testutil.RandomBytes(t, 6*mib, 9)
	sess, err := coord.Start(ctx, "files/done.bin", "", uint64(len(data)), 5*mib)
	require.NoError(t, err)
	require.NoError(t, coord.UploadAll(ctx, sess, bytes.NewReader(data)))
	_, err = coord.Complete(ctx, sess)
	require.NoError(t, err)

	require.ErrorIs(t, coord.Abort(ctx, sess), ErrSessionTerminal)
}

func TestCoordinator_PartsUploadOutOfOrder(t *testing.T) {
	store := testutil.NewFakeStore()
	coord := newTestCoordinator(store)
	ctx := context.Background()

	data := testutil.RandomBytes(t, 12*mib, 10)
	sess, err := coord.Start(ctx, "files/ooo.bin", "", uint64(len(data)), 5*mib)
	require.NoError(t, err)

	// Reverse upload order; the store orders by sequence number.
	plan := sess.Plan()
	for i := len(plan) - 1; i >= 0; i-- {
		require.NoError(t, coord.UploadPart(ctx, sess, plan[i], bytes.NewReader(data)))
	}

	_, err = coord.Complete(ctx, sess)
	require.NoError(t, err)

	stored, ok := store.Object("files/ooo.bin")
	require.True(t, ok)
	assert.Equal(t, data, stored)
}
