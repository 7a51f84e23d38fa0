// Package objstore defines the capability interface the engine uses to talk
// to a remote object store, plus the AWS S3 implementation of it.
package objstore

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
)

// Store error types.
var (
	ErrNotFound = errors.New("object not found")
)

// Descriptor identifies a stored object after a successful put or
// multipart completion.
type Descriptor struct {
	Path      string
	ETag      string
	VersionID string
	Size      int64
}

// Info holds object metadata returned by GetMetadata.
type Info struct {
	VersionID   string
	Size        int64
	ContentType string
}

// CompletedPart pairs a part sequence number with the tag the store
// returned for it. The store orders final bytes by sequence number,
// not by upload order.
type CompletedPart struct {
	Seq  int
	ETag string
}

// Client is the narrow capability interface over the remote object store.
// All calls take a context; callers supply deadlines, the client never
// waits unbounded.
type Client interface {
	// InitiateMultipart starts a multipart upload and returns the
	// store-issued session id.
	InitiateMultipart(ctx context.Context, path, contentType string) (string, error)

	// UploadPart submits one part and returns the store's part tag.
	UploadPart(ctx context.Context, sessionID, path string, seq int, body io.Reader, length int64) (string, error)

	// CompleteMultipart finalizes the upload from the ordered seq->etag
	// mapping.
	CompleteMultipart(ctx context.Context, sessionID, path string, parts []CompletedPart) (Descriptor, error)

	// AbortMultipart discards all uploaded parts for the session.
	AbortMultipart(ctx context.Context, sessionID, path string) error

	// PutSingle stores a small object in one shot.
	PutSingle(ctx context.Context, path, contentType string, body io.Reader, length int64) (Descriptor, error)

	// GetMetadata fetches object metadata without the body.
	GetMetadata(ctx context.Context, path string) (Info, error)

	// Get fetches the full object body.
	Get(ctx context.Context, path string) ([]byte, error)
}

// transientMarker lets store implementations flag an error as retryable.
type transientMarker interface {
	Transient() bool
}

// transientError wraps an error that is safe to retry.
type transientError struct {
	err error
}

func (e *transientError) Error() string   { return e.err.Error() }
func (e *transientError) Unwrap() error   { return e.err }
func (e *transientError) Transient() bool { return true }

// MarkTransient wraps err so IsTransient reports true for it.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err looks like a temporary store failure
// (network error, timeout, throttling, 5xx-equivalent) that is safe to
// retry. Structural errors (bad request, not found) are not transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var tm transientMarker
	if errors.As(err, &tm) {
		return tm.Transient()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// AWS smithy errors expose retryability through their fault text;
	// match the well-known throttling/server-fault codes.
	msg := err.Error()
	for _, code := range []string{
		"InternalError", "SlowDown", "ServiceUnavailable",
		"RequestTimeout", "connection reset", "broken pipe",
	} {
		if strings.Contains(msg, code) {
			return true
		}
	}
	return false
}
