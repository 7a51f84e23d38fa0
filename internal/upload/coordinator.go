package upload

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/stowage/stowage/internal/chunk"
	"github.com/stowage/stowage/internal/metrics"
	"github.com/stowage/stowage/internal/objstore"
)

// Coordinator configuration defaults.
const (
	DefaultMaxAttempts    = 3
	DefaultInitialBackoff = 100 * time.Millisecond
	DefaultMaxBackoff     = 5 * time.Second
	DefaultParallelism    = 4
	DefaultPartTimeout    = 2 * time.Minute
)

// Config holds coordinator tuning knobs. Zero values fall back to the
// package defaults.
type Config struct {
	MaxAttempts    int           // attempts per part before giving up
	InitialBackoff time.Duration // first retry delay, doubles per attempt
	MaxBackoff     time.Duration // backoff cap
	Parallelism    int           // concurrent part uploads per session
	PartTimeout    time.Duration // deadline for a single store call

	Logger  zerolog.Logger
	Metrics *metrics.EngineMetrics
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.Parallelism <= 0 {
		c.Parallelism = DefaultParallelism
	}
	if c.PartTimeout <= 0 {
		c.PartTimeout = DefaultPartTimeout
	}
	return c
}

// Coordinator drives multipart upload sessions against the object store.
// It owns per-part retry with exponential backoff and the atomic
// complete/abort endgame. One coordinator may drive many sessions, but
// each session is driven by exactly one coordinator.
type Coordinator struct {
	store objstore.Client
	cfg   Config
}

// NewCoordinator creates a coordinator over the given store client.
func NewCoordinator(store objstore.Client, cfg Config) *Coordinator {
	return &Coordinator{
		store: store,
		cfg:   cfg.withDefaults(),
	}
}

// Start plans the part layout, obtains a session id from the store, and
// returns a session in the Uploading state. A store rejection surfaces
// as ErrInitiation; an impossible chunk layout surfaces as
// chunk.ErrInvalidChunkSize without touching the store.
func (c *Coordinator) Start(ctx context.Context, path, contentType string, totalSize, chunkSize uint64) (*Session, error) {
	plan, err := chunk.Plan(totalSize, chunkSize)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.PartTimeout)
	defer cancel()

	id, err := c.store.InitiateMultipart(callCtx, path, contentType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInitiation, err)
	}

	sess := newSession(id, path, contentType, totalSize, chunkSize, plan)
	if err := sess.transition(StateUploading, StateInitializing); err != nil {
		return nil, err
	}

	c.cfg.Logger.Debug().
		Str("path", path).
		Str("session_id", id).
		Int("parts", len(plan)).
		Uint64("total_size", totalSize).
		Msg("multipart upload started")

	return sess, nil
}

// UploadPart reads exactly part.Length bytes at part.Offset from src and
// submits them to the store. Transient failures are retried with
// exponential backoff up to the configured attempt count; exhaustion
// marks the part and session Failed and returns ErrPartUpload. Parts may
// run concurrently; the store orders final bytes by sequence number.
func (c *Coordinator) UploadPart(ctx context.Context, sess *Session, part chunk.Part, src io.ReaderAt) error {
	if err := sess.markInFlight(part.Seq); err != nil {
		return err
	}

	backoff := c.cfg.InitialBackoff
	var lastErr error

attempts:
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		etag, err := c.submitPart(ctx, sess, part, src)
		if err == nil {
			sess.commitPart(part.Seq, etag)
			if c.cfg.Metrics != nil {
				c.cfg.Metrics.PartsUploaded.Inc()
			}
			return nil
		}
		lastErr = err

		// Structural errors and exhausted attempts are not retried.
		if !objstore.IsTransient(err) || attempt == c.cfg.MaxAttempts {
			break
		}

		c.cfg.Logger.Debug().
			Err(err).
			Str("session_id", sess.ID()).
			Int("part", part.Seq).
			Int("attempt", attempt).
			Dur("retry_in", backoff).
			Msg("part upload attempt failed")

		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
			break attempts
		case <-time.After(backoff):
		}

		sess.retryPart(part.Seq)
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.PartRetries.Inc()
		}

		backoff *= 2
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}

	sess.failPart(part.Seq)
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.PartsFailed.Inc()
	}
	c.cfg.Logger.Warn().
		Err(lastErr).
		Str("event", "part_failed").
		Str("session_id", sess.ID()).
		Str("path", sess.Path()).
		Int("part", part.Seq).
		Msg("part upload failed after retries")

	return fmt.Errorf("%w: part %d: %v", ErrPartUpload, part.Seq, lastErr)
}

// submitPart performs one store call for one part with its own deadline.
func (c *Coordinator) submitPart(ctx context.Context, sess *Session, part chunk.Part, src io.ReaderAt) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.PartTimeout)
	defer cancel()

	start := time.Now()
	// A fresh section reader per attempt so retries re-read from the
	// original offset.
	body := io.NewSectionReader(src, int64(part.Offset), int64(part.Length))
	etag, err := c.store.UploadPart(callCtx, sess.ID(), sess.Path(), part.Seq, body, int64(part.Length))
	if err != nil {
		return "", err
	}
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.PartDuration.Observe(time.Since(start).Seconds())
		c.cfg.Metrics.BytesUploaded.Add(float64(part.Length))
	}
	return etag, nil
}

// UploadAll uploads every pending part of the session concurrently,
// bounded by the configured parallelism. The first part that fails hard
// cancels the remaining uploads.
func (c *Coordinator) UploadAll(ctx context.Context, sess *Session, src io.ReaderAt) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Parallelism)

	for _, part := range sess.Plan() {
		if status, _ := sess.PartStatusOf(part.Seq); status == PartCommitted {
			continue
		}
		part := part
		g.Go(func() error {
			return c.UploadPart(gctx, sess, part, src)
		})
	}

	return g.Wait()
}

// Complete finalizes the upload. It is permitted only when every part is
// Committed; otherwise it fails with ErrIncompleteParts without touching
// the store. A store rejection moves the session to Failed and surfaces
// ErrCompletion.
func (c *Coordinator) Complete(ctx context.Context, sess *Session) (objstore.Descriptor, error) {
	if missing := sess.incompleteParts(); len(missing) > 0 {
		return objstore.Descriptor{}, fmt.Errorf("%w: parts %v", ErrIncompleteParts, missing)
	}
	if err := sess.transition(StateCompleting, StateUploading); err != nil {
		return objstore.Descriptor{}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.PartTimeout)
	defer cancel()

	desc, err := c.store.CompleteMultipart(callCtx, sess.ID(), sess.Path(), sess.committedParts())
	if err != nil {
		sess.fail()
		return objstore.Descriptor{}, fmt.Errorf("%w: %v", ErrCompletion, err)
	}
	if err := sess.transition(StateCompleted, StateCompleting); err != nil {
		return objstore.Descriptor{}, err
	}

	desc.Size = int64(sess.TotalSize())

	if c.cfg.Metrics != nil {
		c.cfg.Metrics.UploadsCompleted.WithLabelValues(chunk.Multipart.String()).Inc()
	}
	c.cfg.Logger.Info().
		Str("event", "upload_completed").
		Str("session_id", sess.ID()).
		Str("path", sess.Path()).
		Int("parts", sess.PartCount()).
		Uint64("bytes", sess.TotalSize()).
		Msg("multipart upload completed")

	return desc, nil
}

// Abort tells the store to discard all uploaded parts. It is idempotent:
// aborting an already-aborted session is a no-op, and the session is
// terminal afterwards. Aborting a completed session is an error.
func (c *Coordinator) Abort(ctx context.Context, sess *Session) error {
	switch sess.State() {
	case StateAborted:
		return nil
	case StateCompleted:
		return fmt.Errorf("%w: completed", ErrSessionTerminal)
	}

	if err := sess.transition(StateAborting,
		StateInitializing, StateUploading, StateCompleting, StateFailed, StateAborting); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.PartTimeout)
	defer cancel()

	storeErr := c.store.AbortMultipart(callCtx, sess.ID(), sess.Path())

	// The session is terminal regardless of the store call outcome; a
	// failed abort leaves garbage server-side but must not leave the
	// session resumable.
	if err := sess.transition(StateAborted, StateAborting); err != nil {
		return err
	}

	if c.cfg.Metrics != nil {
		c.cfg.Metrics.UploadsAborted.Inc()
	}
	c.cfg.Logger.Info().
		Str("session_id", sess.ID()).
		Str("path", sess.Path()).
		Msg("multipart upload aborted")

	if storeErr != nil {
		return fmt.Errorf("abort multipart: %w", storeErr)
	}
	return nil
}
