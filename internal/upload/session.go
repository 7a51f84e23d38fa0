// Package upload drives multipart uploads through the object store:
// it owns the per-session state machine, per-part retry with backoff,
// and atomic completion or abort.
package upload

import (
	"fmt"
	"sync"

	"github.com/stowage/stowage/internal/chunk"
	"github.com/stowage/stowage/internal/objstore"
)

// PartStatus tracks one part through its upload lifecycle.
type PartStatus int

// Part statuses.
const (
	PartPending PartStatus = iota
	PartInFlight
	PartCommitted
	PartFailed
)

// String returns the part status name.
func (s PartStatus) String() string {
	switch s {
	case PartPending:
		return "pending"
	case PartInFlight:
		return "in_flight"
	case PartCommitted:
		return "committed"
	case PartFailed:
		return "failed"
	default:
		return fmt.Sprintf("part_status(%d)", int(s))
	}
}

// State is the upload session state.
type State int

// Session states. Completed and Aborted are terminal.
const (
	StateInitializing State = iota
	StateUploading
	StateCompleting
	StateCompleted
	StateAborting
	StateAborted
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateUploading:
		return "uploading"
	case StateCompleting:
		return "completing"
	case StateCompleted:
		return "completed"
	case StateAborting:
		return "aborting"
	case StateAborted:
		return "aborted"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// terminal reports whether no further transitions are allowed from s.
func (s State) terminal() bool {
	return s == StateCompleted || s == StateAborted
}

// partState holds mutable per-part bookkeeping.
type partState struct {
	status   PartStatus
	etag     string
	attempts int
}

// Session represents one in-flight multipart upload. It is owned by the
// coordinator that created it; parts upload concurrently, so all state
// access goes through the internal mutex.
type Session struct {
	mu sync.Mutex

	id          string
	path        string
	contentType string
	totalSize   uint64
	chunkSize   uint64
	plan        []chunk.Part
	parts       map[int]*partState
	state       State
}

func newSession(id, path, contentType string, totalSize, chunkSize uint64, plan []chunk.Part) *Session {
	parts := make(map[int]*partState, len(plan))
	for _, p := range plan {
		parts[p.Seq] = &partState{status: PartPending}
	}
	return &Session{
		id:          id,
		path:        path,
		contentType: contentType,
		totalSize:   totalSize,
		chunkSize:   chunkSize,
		plan:        plan,
		parts:       parts,
		state:       StateInitializing,
	}
}

// ID returns the store-issued session id.
func (s *Session) ID() string { return s.id }

// Path returns the target path in the store.
func (s *Session) Path() string { return s.path }

// TotalSize returns the size of the source stream in bytes.
func (s *Session) TotalSize() uint64 { return s.totalSize }

// Plan returns the planned parts in sequence order.
func (s *Session) Plan() []chunk.Part { return s.plan }

// PartCount returns the number of planned parts.
func (s *Session) PartCount() int { return len(s.plan) }

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PartStatusOf returns the status and attempt count for a part.
func (s *Session) PartStatusOf(seq int) (PartStatus, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.parts[seq]
	if !ok {
		return PartFailed, 0
	}
	return ps.status, ps.attempts
}

// transition moves the session from one of the expected states to next.
// Terminal states never transition again.
func (s *Session) transition(next State, from ...State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(next, from...)
}

func (s *Session) transitionLocked(next State, from ...State) error {
	if s.state.terminal() {
		return fmt.Errorf("%w: %s", ErrSessionTerminal, s.state)
	}
	for _, f := range from {
		if s.state == f {
			s.state = next
			return nil
		}
	}
	return fmt.Errorf("invalid transition %s -> %s for session %s", s.state, next, s.id)
}

// markInFlight records a part attempt starting. It fails when the
// session no longer accepts part uploads.
func (s *Session) markInFlight(seq int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateUploading {
		return fmt.Errorf("session %s is %s, not accepting parts", s.id, s.state)
	}
	ps, ok := s.parts[seq]
	if !ok {
		return fmt.Errorf("unknown part %d for session %s", seq, s.id)
	}
	ps.status = PartInFlight
	ps.attempts++
	return nil
}

// retryPart counts an additional attempt for an in-flight part.
func (s *Session) retryPart(seq int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ps, ok := s.parts[seq]; ok {
		ps.attempts++
	}
}

// commitPart records a successfully uploaded part and its store tag.
func (s *Session) commitPart(seq int, etag string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ps, ok := s.parts[seq]; ok {
		ps.status = PartCommitted
		ps.etag = etag
	}
}

// failPart marks a part failed and moves the session to Failed.
func (s *Session) failPart(seq int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ps, ok := s.parts[seq]; ok {
		ps.status = PartFailed
	}
	if !s.state.terminal() {
		s.state = StateFailed
	}
}

// fail moves the session to Failed unless it is already terminal.
func (s *Session) fail() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.terminal() {
		s.state = StateFailed
	}
}

// incompleteParts returns the sequence numbers of all non-committed parts.
func (s *Session) incompleteParts() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var seqs []int
	for _, p := range s.plan {
		if s.parts[p.Seq].status != PartCommitted {
			seqs = append(seqs, p.Seq)
		}
	}
	return seqs
}

// committedParts returns the ordered seq->etag mapping for completion.
func (s *Session) committedParts() []objstore.CompletedPart {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]objstore.CompletedPart, 0, len(s.plan))
	for _, p := range s.plan {
		ps := s.parts[p.Seq]
		if ps.status == PartCommitted {
			out = append(out, objstore.CompletedPart{Seq: p.Seq, ETag: ps.etag})
		}
	}
	return out
}
