package model

import "errors"

// Sentinel errors for predictable failure modes. Handlers map these to
// specific HTTP statuses; anything else is reported generically and logged
// in full.
var (
	// ErrNotFound: the node does not exist or is not owned by the caller.
	ErrNotFound = errors.New("node not found")

	// ErrParentNotFound: the referenced parent is missing, trashed, not a
	// folder, or owned by someone else.
	ErrParentNotFound = errors.New("parent folder not found")

	// ErrNameConflict: a live sibling with the same name already exists.
	ErrNameConflict = errors.New("name already exists in this folder")

	// ErrInvalidName: empty, too long, or containing path separators.
	ErrInvalidName = errors.New("invalid name")

	// ErrInvalidArchive: the uploaded zip cannot be parsed.
	ErrInvalidArchive = errors.New("invalid zip archive")

	// ErrCycle: the move would make a node its own ancestor.
	ErrCycle = errors.New("move would create a cycle")

	// ErrQuotaExceeded: the operation would push storage_used past the limit.
	ErrQuotaExceeded = errors.New("storage quota exceeded")

	// ErrStorageWrite / ErrStorageRead: object store transport failures.
	// Surfaced to the orchestration layer rather than retried internally,
	// since a blind retry paired with metadata writes risks double
	// accounting.
	ErrStorageWrite = errors.New("object storage write failed")
	ErrStorageRead  = errors.New("object storage read failed")
)
