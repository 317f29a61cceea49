package gloomstore

import (
	"errors"
	"fmt"
	"os"
)

var (
	// ErrDataIntegrity is returned when persisted data fails its checksum or is
	// truncated. The data is corrupt and is never trusted.
	ErrDataIntegrity = errors.New("gloomstore: data integrity check failed")

	// ErrConfigMismatch is returned when persisted data was written for a
	// different configuration (stale or incompatible, not corrupt).
	ErrConfigMismatch = errors.New("gloomstore: configuration mismatch")

	// ErrFormatMismatch is returned when persisted data has an unknown magic
	// number or an unsupported format version.
	ErrFormatMismatch = errors.New("gloomstore: unsupported format")

	// ErrInvalidConfig is returned by Config.Validate.
	ErrInvalidConfig = errors.New("gloomstore: invalid configuration")

	// ErrUnknownFilter is returned for names that were never registered.
	ErrUnknownFilter = errors.New("gloomstore: unknown filter")

	// ErrAlreadyLoaded is returned when re-registering a filter that is loaded.
	ErrAlreadyLoaded = errors.New("gloomstore: filter already loaded")

	// ErrClosed is returned by Manager methods after Close.
	ErrClosed = errors.New("gloomstore: manager closed")
)

// ErrNotFound is returned by Storage.Load when nothing is stored under a name.
//
// Implementations should return an error that satisfies errors.Is(err, ErrNotFound).
var ErrNotFound = os.ErrNotExist

// ChecksumMismatchError reports a body whose checksum differs from the header.
// It matches ErrDataIntegrity with errors.Is.
type ChecksumMismatchError struct {
	Expected uint64
	Actual   uint64
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("gloomstore: checksum mismatch: expected 0x%016x, got 0x%016x", e.Expected, e.Actual)
}

func (e *ChecksumMismatchError) Unwrap() error { return ErrDataIntegrity }

// FingerprintMismatchError reports data persisted under a different
// configuration. It matches ErrConfigMismatch with errors.Is.
type FingerprintMismatchError struct {
	Expected uint64
	Actual   uint64
}

func (e *FingerprintMismatchError) Error() string {
	return fmt.Sprintf("gloomstore: fingerprint mismatch: expected 0x%016x, got 0x%016x", e.Expected, e.Actual)
}

func (e *FingerprintMismatchError) Unwrap() error { return ErrConfigMismatch }

// IsRecoverable reports whether err describes persisted data that can be
// discarded and rebuilt by reseeding.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrDataIntegrity) ||
		errors.Is(err, ErrConfigMismatch) ||
		errors.Is(err, ErrFormatMismatch)
}

// ErrorKind classifies err for logs and metric labels: "data_integrity",
// "config_mismatch", "format_mismatch", "other", or "" for nil.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDataIntegrity):
		return "data_integrity"
	case errors.Is(err, ErrConfigMismatch):
		return "config_mismatch"
	case errors.Is(err, ErrFormatMismatch):
		return "format_mismatch"
	default:
		return "other"
	}
}
