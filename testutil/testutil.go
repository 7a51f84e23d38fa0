// Package testutil provides shared test utilities and fakes for stowage tests.
package testutil

import (
	"bytes"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
)

// TempDir creates a temporary directory for testing and returns a cleanup function.
func TempDir(t *testing.T) (string, func()) {
	t.Helper()
	dir, err := os.MkdirTemp("", "stowage-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	return dir, func() {
		_ = os.RemoveAll(dir)
	}
}

// TempFile creates a temporary file with the given content and returns its path.
func TempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

// RandomBytes returns size deterministically seeded pseudo-random bytes.
// Tests use it to build payloads large enough to span multiple parts.
func RandomBytes(t *testing.T, size int, seed int64) []byte {
	t.Helper()
	buf := make([]byte, size)
	r := rand.New(rand.NewSource(seed))
	if _, err := r.Read(buf); err != nil {
		t.Fatalf("failed to generate random bytes: %v", err)
	}
	return buf
}

// ReaderAt wraps a byte slice as an io.ReaderAt for upload tests.
func ReaderAt(data []byte) *bytes.Reader {
	return bytes.NewReader(data)
}
