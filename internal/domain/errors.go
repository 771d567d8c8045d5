package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks a missing required field or unresolved relationship.
	ErrValidation = errors.New("validation error")

	ErrDuplicateObservingBlock = errors.New("duplicate observing block")
	ErrDuplicateFrame          = errors.New("duplicate frame")

	ErrUnresolvedInstrument    = errors.New("unresolved instrument")
	ErrUnsupportedFactType     = errors.New("unsupported fact type")
	ErrMalformedFrameMetadata  = errors.New("malformed frame metadata")
	ErrMalformedObservingBlock = errors.New("malformed observing block")

	ErrProvenanceExtractionFailed = errors.New("provenance extraction failed")

	// ErrConflict is a uniqueness race detected by the catalog. Retry the whole unit of work.
	ErrConflict = errors.New("conflict")
)

// Errorf wraps kind with a message locating the offending record.
func Errorf(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// Wrap attaches kind to cause so both match errors.Is.
func Wrap(kind error, cause error, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %w", kind, fmt.Sprintf(format, args...), cause)
}
