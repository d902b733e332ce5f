// ABOUTME: Allocation reservation log reconciled against the free list on reload
// ABOUTME: Records page reservations so a crash mid-allocation leaves no orphaned pages

package journal

import "errors"

var (
	// ErrCorrupted indicates a corrupted journal entry (CRC mismatch)
	ErrCorrupted = errors.New("journal: corrupted entry")

	// ErrClosed indicates an operation on a closed journal
	ErrClosed = errors.New("journal: closed")

	// ErrTruncated indicates a truncated journal entry
	ErrTruncated = errors.New("journal: truncated entry")
)
