package objstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/google/uuid"
)

type memorySession struct {
	path        string
	contentType string
	parts       map[int][]byte
	etags       map[int]string
}

// Memory is an in-process Client used for local development and as the
// "memory" store backend. It mirrors S3 multipart semantics closely
// enough to exercise the full upload state machine.
type Memory struct {
	mu       sync.Mutex
	sessions map[string]*memorySession
	objects  map[string][]byte
	meta     map[string]Info
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]*memorySession),
		objects:  make(map[string][]byte),
		meta:     make(map[string]Info),
	}
}

func (m *Memory) InitiateMultipart(ctx context.Context, path, contentType string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.NewString()
	m.sessions[id] = &memorySession{
		path:        path,
		contentType: contentType,
		parts:       make(map[int][]byte),
		etags:       make(map[int]string),
	}
	return id, nil
}

func (m *Memory) UploadPart(ctx context.Context, sessionID, path string, seq int, body io.Reader, length int64) (string, error) {
	data, err := io.ReadAll(io.LimitReader(body, length))
	if err != nil {
		return "", err
	}
	if int64(len(data)) != length {
		return "", fmt.Errorf("part %d: short read, got %d of %d bytes", seq, len(data), length)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return "", fmt.Errorf("unknown upload session %s", sessionID)
	}
	etag := uuid.NewString()
	sess.parts[seq] = data
	sess.etags[seq] = etag
	return etag, nil
}

func (m *Memory) CompleteMultipart(ctx context.Context, sessionID, path string, parts []CompletedPart) (Descriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return Descriptor{}, fmt.Errorf("unknown upload session %s", sessionID)
	}

	sorted := make([]CompletedPart, len(parts))
	copy(sorted, parts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Seq < sorted[j].Seq })

	var buf bytes.Buffer
	for _, p := range sorted {
		if sess.etags[p.Seq] != p.ETag {
			return Descriptor{}, fmt.Errorf("part %d: etag mismatch", p.Seq)
		}
		buf.Write(sess.parts[p.Seq])
	}

	delete(m.sessions, sessionID)
	return m.commitLocked(sess.path, sess.contentType, buf.Bytes()), nil
}

func (m *Memory) AbortMultipart(ctx context.Context, sessionID, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	return nil
}

func (m *Memory) PutSingle(ctx context.Context, path, contentType string, body io.Reader, length int64) (Descriptor, error) {
	data, err := io.ReadAll(io.LimitReader(body, length))
	if err != nil {
		return Descriptor{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commitLocked(path, contentType, data), nil
}

func (m *Memory) commitLocked(path, contentType string, data []byte) Descriptor {
	versionID := uuid.NewString()
	m.objects[path] = data
	m.meta[path] = Info{
		VersionID:   versionID,
		Size:        int64(len(data)),
		ContentType: contentType,
	}
	return Descriptor{
		Path:      path,
		ETag:      uuid.NewString(),
		VersionID: versionID,
		Size:      int64(len(data)),
	}
}

func (m *Memory) GetMetadata(ctx context.Context, path string) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.meta[path]
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return info, nil
}

func (m *Memory) Get(ctx context.Context, path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}
