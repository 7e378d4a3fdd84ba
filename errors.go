package sentio

import (
	"errors"
	"fmt"
)

// Common errors returned by the Sentio client.
var (
	// ErrInvalidModality is returned when a modality is not vision or audio.
	ErrInvalidModality = errors.New("invalid modality")

	// ErrInvalidScore is returned when a confidence score is outside [0, 1].
	ErrInvalidScore = errors.New("score must be between 0 and 1")

	// ErrInvalidLabel is returned when a label does not map to healthy or sick.
	ErrInvalidLabel = errors.New("invalid classification label")

	// ErrInvalidRecord is returned when an ingested prediction is missing required fields.
	ErrInvalidRecord = errors.New("invalid staging record")

	// ErrValidationConflict is returned when a record has already been validated.
	ErrValidationConflict = errors.New("record already validated")

	// ErrApplyRejected is returned when there is no applicable threshold suggestion.
	ErrApplyRejected = errors.New("threshold suggestion cannot be applied")

	// ErrNotFound is returned when a record or config row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict is returned when a threshold config changed underneath a commit.
	ErrVersionConflict = errors.New("threshold config version conflict")

	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("store is closed")
)

// ValidationError is returned when configuration validation fails.
// Extractable via errors.As().
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// StorageError wraps a failure reported by a persistence backend.
// Extractable via errors.As(). Supports Unwrap().
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// storageErr wraps err as a *StorageError unless it is nil or already a
// domain error the caller should see unchanged.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) || isDomainError(err) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

func isDomainError(err error) bool {
	for _, target := range []error{
		ErrNotFound,
		ErrValidationConflict,
		ErrVersionConflict,
		ErrStoreClosed,
		ErrApplyRejected,
		ErrInvalidModality,
		ErrInvalidLabel,
		ErrInvalidScore,
		ErrInvalidRecord,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsStorageFailure reports whether err originated in a persistence backend.
func IsStorageFailure(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
