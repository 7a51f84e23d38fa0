// Package chunk plans how a byte stream is split into ordered upload parts
// and classifies which upload strategy fits a payload.
package chunk

import (
	"errors"
	"fmt"
)

// MinPartSize is the provider-imposed minimum size for every part except
// the last (5 MiB for S3-compatible stores).
const MinPartSize = 5 * 1024 * 1024

// ErrInvalidChunkSize indicates chunk planning was asked for an
// impossible split (zero sizes, or a chunk size below the provider
// minimum when more than one part results).
var ErrInvalidChunkSize = errors.New("invalid chunk size")

// Part describes one planned slice of the source stream. Sequence
// numbers start at 1, matching the store's part numbering.
type Part struct {
	Seq    int
	Offset uint64
	Length uint64
}

// Plan splits totalSize bytes into fixed-size parts of chunkSize bytes.
// The last part may be shorter. Parts are contiguous, non-overlapping,
// and sum exactly to totalSize. Plan is pure: the same inputs always
// produce the same sequence.
func Plan(totalSize, chunkSize uint64) ([]Part, error) {
	if totalSize == 0 || chunkSize == 0 {
		return nil, fmt.Errorf("%w: totalSize=%d chunkSize=%d", ErrInvalidChunkSize, totalSize, chunkSize)
	}

	count := int((totalSize + chunkSize - 1) / chunkSize)
	if count > 1 && chunkSize < MinPartSize {
		return nil, fmt.Errorf("%w: chunk size %d below provider minimum %d", ErrInvalidChunkSize, chunkSize, uint64(MinPartSize))
	}

	parts := make([]Part, 0, count)
	var offset uint64
	for seq := 1; seq <= count; seq++ {
		length := chunkSize
		if remaining := totalSize - offset; remaining < length {
			length = remaining
		}
		parts = append(parts, Part{
			Seq:    seq,
			Offset: offset,
			Length: length,
		})
		offset += length
	}

	return parts, nil
}

// Strategy selects how a payload reaches the store.
type Strategy int

// Upload strategies, a closed set chosen by Classify.
const (
	// Direct uploads the whole payload with a single put.
	Direct Strategy = iota
	// Multipart splits the payload into independently uploaded parts.
	Multipart
)

// String returns the strategy name.
func (s Strategy) String() string {
	switch s {
	case Direct:
		return "direct"
	case Multipart:
		return "multipart"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// Classify picks the upload strategy for a payload of the given size.
// It is a pure function of size and threshold: payloads at or below the
// threshold go direct, larger ones go multipart.
func Classify(size, threshold int64) Strategy {
	if size <= threshold {
		return Direct
	}
	return Multipart
}
