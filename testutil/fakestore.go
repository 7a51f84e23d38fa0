package testutil

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/stowage/stowage/internal/objstore"
)

// partFault describes programmed failures for one part sequence number.
type partFault struct {
	remaining int
	err       error
	transient bool
}

// fakeSession is one open multipart upload inside the fake store.
type fakeSession struct {
	path        string
	contentType string
	parts       map[int][]byte
	etags       map[int]string
}

// FakeStore is an in-memory objstore.Client with programmable fault
// injection for deterministic upload tests.
type FakeStore struct {
	mu sync.Mutex

	objects  map[string][]byte
	meta     map[string]objstore.Info
	sessions map[string]*fakeSession

	abortedSessions map[string]bool

	initiateErr error
	completeErr error
	partFaults  map[int]*partFault

	partAttempts map[int]int
	getCalls     map[string]int
}

// NewFakeStore creates an empty fake object store.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		objects:         make(map[string][]byte),
		meta:            make(map[string]objstore.Info),
		sessions:        make(map[string]*fakeSession),
		abortedSessions: make(map[string]bool),
		partFaults:      make(map[int]*partFault),
		partAttempts:    make(map[int]int),
		getCalls:        make(map[string]int),
	}
}

// FailInitiation makes InitiateMultipart return err.
func (f *FakeStore) FailInitiation(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initiateErr = err
}

// FailCompletion makes CompleteMultipart return err.
func (f *FakeStore) FailCompletion(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completeErr = err
}

// FailPart makes UploadPart for the given sequence number fail the next
// `times` attempts. Transient failures are retryable per
// objstore.IsTransient; non-transient ones are not.
func (f *FakeStore) FailPart(seq, times int, transient bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.partFaults[seq] = &partFault{remaining: times, err: err, transient: transient}
}

// SeedObject places a completed object directly into the store.
func (f *FakeStore) SeedObject(path string, data []byte, contentType string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[path] = data
	f.meta[path] = objstore.Info{
		VersionID:   uuid.NewString(),
		Size:        int64(len(data)),
		ContentType: contentType,
	}
}

// Object returns a stored object's bytes.
func (f *FakeStore) Object(path string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[path]
	return data, ok
}

// Aborted reports whether the session was aborted.
func (f *FakeStore) Aborted(sessionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.abortedSessions[sessionID]
}

// OpenSessions returns the number of multipart sessions still open.
func (f *FakeStore) OpenSessions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

// PartAttempts returns how many upload attempts were made for a part.
func (f *FakeStore) PartAttempts(seq int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.partAttempts[seq]
}

// GetCalls returns how many times Get was invoked for a path.
func (f *FakeStore) GetCalls(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getCalls[path]
}

// InitiateMultipart implements objstore.Client.
func (f *FakeStore) InitiateMultipart(ctx context.Context, path, contentType string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.initiateErr != nil {
		return "", f.initiateErr
	}
	id := uuid.NewString()
	f.sessions[id] = &fakeSession{
		path:        path,
		contentType: contentType,
		parts:       make(map[int][]byte),
		etags:       make(map[int]string),
	}
	return id, nil
}

// UploadPart implements objstore.Client.
func (f *FakeStore) UploadPart(ctx context.Context, sessionID, path string, seq int, body io.Reader, length int64) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.partAttempts[seq]++

	if fault, ok := f.partFaults[seq]; ok && fault.remaining != 0 {
		if fault.remaining > 0 {
			fault.remaining--
		}
		if fault.transient {
			return "", objstore.MarkTransient(fault.err)
		}
		return "", fault.err
	}

	sess, ok := f.sessions[sessionID]
	if !ok {
		return "", fmt.Errorf("no such upload session: %s", sessionID)
	}
	if int64(len(data)) != length {
		return "", fmt.Errorf("part %d: declared %d bytes, got %d", seq, length, len(data))
	}

	sum := sha256.Sum256(data)
	etag := hex.EncodeToString(sum[:16])
	sess.parts[seq] = data
	sess.etags[seq] = etag
	return etag, nil
}

// CompleteMultipart implements objstore.Client.
func (f *FakeStore) CompleteMultipart(ctx context.Context, sessionID, path string, parts []objstore.CompletedPart) (objstore.Descriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.completeErr != nil {
		return objstore.Descriptor{}, f.completeErr
	}

	sess, ok := f.sessions[sessionID]
	if !ok {
		return objstore.Descriptor{}, fmt.Errorf("no such upload session: %s", sessionID)
	}

	sorted := make([]objstore.CompletedPart, len(parts))
	copy(sorted, parts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Seq < sorted[j].Seq })

	var buf bytes.Buffer
	for _, p := range sorted {
		data, ok := sess.parts[p.Seq]
		if !ok {
			return objstore.Descriptor{}, fmt.Errorf("part %d was never uploaded", p.Seq)
		}
		if sess.etags[p.Seq] != p.ETag {
			return objstore.Descriptor{}, fmt.Errorf("part %d etag mismatch", p.Seq)
		}
		buf.Write(data)
	}

	assembled := buf.Bytes()
	sum := sha256.Sum256(assembled)
	versionID := uuid.NewString()

	f.objects[sess.path] = assembled
	f.meta[sess.path] = objstore.Info{
		VersionID:   versionID,
		Size:        int64(len(assembled)),
		ContentType: sess.contentType,
	}
	delete(f.sessions, sessionID)

	return objstore.Descriptor{
		Path:      sess.path,
		ETag:      hex.EncodeToString(sum[:16]),
		VersionID: versionID,
		Size:      int64(len(assembled)),
	}, nil
}

// AbortMultipart implements objstore.Client.
func (f *FakeStore) AbortMultipart(ctx context.Context, sessionID, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, sessionID)
	f.abortedSessions[sessionID] = true
	return nil
}

// PutSingle implements objstore.Client.
func (f *FakeStore) PutSingle(ctx context.Context, path, contentType string, body io.Reader, length int64) (objstore.Descriptor, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return objstore.Descriptor{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	sum := sha256.Sum256(data)
	versionID := uuid.NewString()
	f.objects[path] = data
	f.meta[path] = objstore.Info{
		VersionID:   versionID,
		Size:        int64(len(data)),
		ContentType: contentType,
	}

	return objstore.Descriptor{
		Path:      path,
		ETag:      hex.EncodeToString(sum[:16]),
		VersionID: versionID,
		Size:      int64(len(data)),
	}, nil
}

// GetMetadata implements objstore.Client.
func (f *FakeStore) GetMetadata(ctx context.Context, path string) (objstore.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.meta[path]
	if !ok {
		return objstore.Info{}, fmt.Errorf("%w: %s", objstore.ErrNotFound, path)
	}
	return info, nil
}

// Get implements objstore.Client.
func (f *FakeStore) Get(ctx context.Context, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls[path]++
	data, ok := f.objects[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", objstore.ErrNotFound, path)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}
