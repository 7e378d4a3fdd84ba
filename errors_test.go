package sentio_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/hyperengineering/sentio"
)

func TestSentinelErrors_ErrorsIs(t *testing.T) {
	tests := []struct {
		name     string
		sentinel error
	}{
		{"ErrNotFound", sentio.ErrNotFound},
		{"ErrInvalidModality", sentio.ErrInvalidModality},
		{"ErrInvalidScore", sentio.ErrInvalidScore},
		{"ErrInvalidLabel", sentio.ErrInvalidLabel},
		{"ErrValidationConflict", sentio.ErrValidationConflict},
		{"ErrApplyRejected", sentio.ErrApplyRejected},
		{"ErrVersionConflict", sentio.ErrVersionConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("operation failed: %w", tt.sentinel)
			if !errors.Is(wrapped, tt.sentinel) {
				t.Errorf("errors.Is(wrapped, %v) = false, want true", tt.sentinel)
			}
		})
	}
}

func TestValidationError_ErrorFormat(t *testing.T) {
	err := &sentio.ValidationError{Field: "DBPath", Message: "required: path to SQLite database"}
	want := "config: DBPath: required: path to SQLite database"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	var ve *sentio.ValidationError
	if !errors.As(fmt.Errorf("load: %w", err), &ve) {
		t.Fatal("errors.As failed to extract ValidationError")
	}
	if ve.Field != "DBPath" {
		t.Errorf("Field = %q, want %q", ve.Field, "DBPath")
	}
}

func TestStorageError_Unwrap(t *testing.T) {
	inner := errors.New("disk I/O error")
	err := &sentio.StorageError{Op: "append feedback", Err: inner}

	if !errors.Is(err, inner) {
		t.Error("errors.Is(err, inner) = false, want true")
	}
	if !sentio.IsStorageFailure(fmt.Errorf("validate: %w", err)) {
		t.Error("IsStorageFailure() = false for wrapped StorageError")
	}
	if sentio.IsStorageFailure(sentio.ErrNotFound) {
		t.Error("IsStorageFailure(ErrNotFound) = true, want false")
	}

	want := "storage: append feedback: disk I/O error"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
