package upload

import "errors"

// Upload error types.
var (
	ErrInitiation      = errors.New("upload initiation rejected by store")
	ErrPartUpload      = errors.New("part upload failed after retries")
	ErrIncompleteParts = errors.New("upload has non-committed parts")
	ErrCompletion      = errors.New("upload completion rejected by store")
	ErrSessionTerminal = errors.New("upload session already in terminal state")
)
