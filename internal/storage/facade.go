// Package storage composes the upload coordinator, cache index, lock
// manager, and object store client into the single entry point callers
// use to move bytes and metadata.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/stowage/stowage/internal/cache"
	"github.com/stowage/stowage/internal/chunk"
	"github.com/stowage/stowage/internal/lock"
	"github.com/stowage/stowage/internal/metrics"
	"github.com/stowage/stowage/internal/objstore"
	"github.com/stowage/stowage/internal/upload"
)

const (
	// DefaultMultipartThreshold is the size above which uploads switch
	// from a single PUT to a multipart session.
	DefaultMultipartThreshold = 8 * 1024 * 1024

	// DefaultChunkSize is the planned part size for multipart uploads.
	DefaultChunkSize = 8 * 1024 * 1024

	DefaultLockTTL  = 30 * time.Second
	DefaultLockWait = 10 * time.Second
	DefaultCacheTTL = 5 * time.Minute
)

// FileMetadata identifies the logical owner of an uploaded object.
// FileID is the caller's stable identifier for the object; by
// convention it equals the storage path.
type FileMetadata struct {
	FileID      string `json:"file_id"`
	OwnerID     string `json:"owner_id"`
	FolderID    string `json:"folder_id"`
	ContentType string `json:"content_type"`
}

// Record is the cached metadata payload written after a successful
// upload: the store descriptor plus the identifying metadata.
type Record struct {
	Descriptor objstore.Descriptor `json:"descriptor"`
	Metadata   FileMetadata        `json:"metadata"`
	UploadedAt time.Time           `json:"uploaded_at"`
}

// Recorder receives the final descriptor of every successful upload,
// typically to persist it in a database. A nil Recorder is valid.
type Recorder interface {
	RecordObject(ctx context.Context, desc objstore.Descriptor, meta FileMetadata) error
}

// Config holds facade tuning knobs. Zero values fall back to defaults.
type Config struct {
	MultipartThreshold int64  // bytes; uploads at or below go direct
	ChunkSize          uint64 // multipart part size in bytes
	LockTTL            time.Duration
	LockWait           time.Duration
	CacheTTL           time.Duration

	Logger  zerolog.Logger
	Metrics *metrics.EngineMetrics
}

func (c Config) withDefaults() Config {
	if c.MultipartThreshold <= 0 {
		c.MultipartThreshold = DefaultMultipartThreshold
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.LockTTL <= 0 {
		c.LockTTL = DefaultLockTTL
	}
	if c.LockWait <= 0 {
		c.LockWait = DefaultLockWait
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	return c
}

// Facade is the storage engine front. Writers take a per-path exclusive
// lock for the duration of the upload; readers go through the cache
// index and fall back to the store on miss.
type Facade struct {
	store    objstore.Client
	coord    *upload.Coordinator
	cache    *cache.Index
	locks    *lock.Manager
	quota    *QuotaManager // optional
	recorder Recorder      // optional
	cfg      Config
}

// New assembles a facade. quota and recorder may be nil.
func New(store objstore.Client, coord *upload.Coordinator, idx *cache.Index, locks *lock.Manager, quota *QuotaManager, recorder Recorder, cfg Config) *Facade {
	return &Facade{
		store:    store,
		coord:    coord,
		cache:    idx,
		locks:    locks,
		quota:    quota,
		recorder: recorder,
		cfg:      cfg.withDefaults(),
	}
}

func metaKey(path string) string { return "meta:" + path }
func bodyKey(path string) string { return "obj:" + path }

func cacheTags(meta FileMetadata) []string {
	return []string{
		"file:" + meta.FileID,
		"user:" + meta.OwnerID,
		"folder:" + meta.FolderID,
	}
}

// Upload stores size bytes from src at path under an exclusive path
// lock. Small objects go up in one PUT; larger ones run the full
// multipart session. On success the fresh metadata record is cached
// under the file, user, and folder tags and handed to the recorder.
// Any failure after multipart initiation aborts the session before the
// error propagates, and the lock is released on every exit path.
func (f *Facade) Upload(ctx context.Context, src io.ReaderAt, size int64, path string, meta FileMetadata) (objstore.Descriptor, error) {
	if meta.FileID == "" {
		meta.FileID = path
	}

	// An overwrite swaps the prior object's allocation instead of
	// stacking a second one on top of it.
	var prevSize int64
	if f.quota != nil {
		info, err := f.store.GetMetadata(ctx, path)
		switch {
		case err == nil:
			prevSize = info.Size
		case !errors.Is(err, objstore.ErrNotFound):
			return objstore.Descriptor{}, fmt.Errorf("quota precheck %s: %w", path, err)
		}
		if err := f.quota.Update(meta.OwnerID, prevSize, size); err != nil {
			return objstore.Descriptor{}, err
		}
	}

	var desc objstore.Descriptor
	err := f.locks.WithExclusiveAccess(ctx, path, f.cfg.LockTTL, f.cfg.LockWait, func(ctx context.Context) error {
		var err error
		desc, err = f.upload(ctx, src, size, path, meta)
		if err != nil {
			return err
		}

		// The fresh record must land in the cache while the lock is
		// still held; a release-then-put window would let a later
		// writer's record be overwritten by this one.
		rec := Record{Descriptor: desc, Metadata: meta, UploadedAt: time.Now().UTC()}
		payload, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encoding record for %s: %w", path, err)
		}
		if err := f.cache.Put(ctx, metaKey(path), payload, cacheTags(meta), f.cfg.CacheTTL); err != nil {
			return fmt.Errorf("caching record for %s: %w", path, err)
		}
		if f.recorder != nil {
			if err := f.recorder.RecordObject(ctx, desc, meta); err != nil {
				return fmt.Errorf("recording object %s: %w", path, err)
			}
		}
		return nil
	})
	if err != nil {
		if f.quota != nil {
			// Best effort restore of the pre-upload accounting; counters
			// are reconciled against the store via SetUsed.
			_ = f.quota.Update(meta.OwnerID, size, prevSize)
		}
		return objstore.Descriptor{}, err
	}
	return desc, nil
}

func (f *Facade) upload(ctx context.Context, src io.ReaderAt, size int64, path string, meta FileMetadata) (objstore.Descriptor, error) {
	strategy := chunk.Classify(size, f.cfg.MultipartThreshold)
	f.cfg.Logger.Debug().
		Str("path", path).
		Int64("size", size).
		Stringer("strategy", strategy).
		Msg("upload starting")

	if strategy == chunk.Direct {
		desc, err := f.store.PutSingle(ctx, path, meta.ContentType, io.NewSectionReader(src, 0, size), size)
		if err != nil {
			return objstore.Descriptor{}, err
		}
		if m := f.cfg.Metrics; m != nil {
			m.UploadsCompleted.WithLabelValues(strategy.String()).Inc()
			m.BytesUploaded.Add(float64(size))
		}
		return desc, nil
	}

	sess, err := f.coord.Start(ctx, path, meta.ContentType, uint64(size), f.cfg.ChunkSize)
	if err != nil {
		return objstore.Descriptor{}, err
	}
	if err := f.coord.UploadAll(ctx, sess, src); err != nil {
		f.abort(ctx, sess)
		return objstore.Descriptor{}, err
	}
	desc, err := f.coord.Complete(ctx, sess)
	if err != nil {
		f.abort(ctx, sess)
		return objstore.Descriptor{}, err
	}
	return desc, nil
}

// abort is best effort cleanup; the store expires leftover sessions on
// its own schedule.
func (f *Facade) abort(ctx context.Context, sess *upload.Session) {
	if err := f.coord.Abort(ctx, sess); err != nil {
		f.cfg.Logger.Warn().Err(err).
			Str("session_id", sess.ID()).
			Str("path", sess.Path()).
			Msg("abort after failed upload")
	}
}

// Read returns the object body at path, serving from the cache index
// and falling back to the store on miss. Concurrent misses for the
// same path trigger exactly one store fetch.
func (f *Facade) Read(ctx context.Context, path string) ([]byte, error) {
	return f.cache.GetOrCompute(ctx, bodyKey(path), []string{"file:" + path}, f.cfg.CacheTTL, func(ctx context.Context) ([]byte, error) {
		return f.store.Get(ctx, path)
	})
}

// Stat returns the cached upload record for path, or falls back to
// store metadata when no record exists.
func (f *Facade) Stat(ctx context.Context, path string) (Record, error) {
	payload, err := f.cache.GetOrCompute(ctx, metaKey(path), []string{"file:" + path}, f.cfg.CacheTTL, func(ctx context.Context) ([]byte, error) {
		info, err := f.store.GetMetadata(ctx, path)
		if err != nil {
			return nil, err
		}
		rec := Record{
			Descriptor: objstore.Descriptor{Path: path, VersionID: info.VersionID, Size: info.Size},
			Metadata:   FileMetadata{FileID: path, ContentType: info.ContentType},
		}
		return json.Marshal(rec)
	})
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return Record{}, fmt.Errorf("decoding record for %s: %w", path, err)
	}
	return rec, nil
}

// Invalidate drops every cache entry tagged with the given file, owner,
// or folder.
func (f *Facade) Invalidate(ctx context.Context, fileID, ownerID, folderID string) error {
	for _, tag := range cacheTags(FileMetadata{FileID: fileID, OwnerID: ownerID, FolderID: folderID}) {
		if err := f.cache.InvalidateTag(ctx, tag); err != nil {
			return fmt.Errorf("invalidating %s: %w", tag, err)
		}
	}
	return nil
}

// WithExclusiveAccess runs fn while holding the exclusive lock on path,
// using the facade's configured TTL and wait bounds.
func (f *Facade) WithExclusiveAccess(ctx context.Context, path string, fn func(ctx context.Context) error) error {
	return f.locks.WithExclusiveAccess(ctx, path, f.cfg.LockTTL, f.cfg.LockWait, fn)
}

// ReadVersion returns the current optimistic-concurrency stamp for path.
func (f *Facade) ReadVersion(ctx context.Context, path string) (lock.VersionStamp, error) {
	return f.locks.ReadVersion(ctx, path)
}

// CompareAndSwapVersion runs mutate and commits a new version stamp if
// no concurrent writer advanced the stamp since expected was read.
// Conflicts surface as lock.ErrVersionConflict and are never retried
// internally.
func (f *Facade) CompareAndSwapVersion(ctx context.Context, path string, expected lock.VersionStamp, mutate func(ctx context.Context) error) (lock.VersionStamp, error) {
	return f.locks.CompareAndSwap(ctx, path, expected, mutate)
}

// Quota exposes the quota manager for stats endpoints; nil when quota
// enforcement is disabled.
func (f *Facade) Quota() *QuotaManager { return f.quota }
