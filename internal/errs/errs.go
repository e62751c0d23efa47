// Package errs is the error taxonomy of the intent resolution plane.
//
// Provider failures degrade a routing tier, config misses read as "no match",
// ambiguous extraction re-prompts the user and promotion conflicts are
// reported and skipped. None of them is meant to reach the end user as a
// failure.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrProviderUnavailable wraps any embedding or reasoning backend failure,
	// including timeouts.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrConfigNotFound marks an unknown intent code or factory.
	ErrConfigNotFound = errors.New("config not found")

	// ErrExtractionAmbiguous means a slot value could not be resolved or
	// failed validation.
	ErrExtractionAmbiguous = errors.New("extraction ambiguous")

	// ErrPermissionDenied means the caller lacks a role the intent requires.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrSessionClosed is returned for turns on a cleared or expired session.
	ErrSessionClosed = errors.New("session closed")

	// ErrInvalidRequest marks a turn or call missing required fields.
	ErrInvalidRequest = errors.New("invalid request")
)

// Unavailable wraps err as a provider failure for the named backend.
func Unavailable(backend string, err error) error {
	return fmt.Errorf("%s: %w: %v", backend, ErrProviderUnavailable, err)
}

// NotFound is returned when a requested record does not exist.
type NotFound struct {
	Entity string
	Key    string
}

func (e *NotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// Is lets errors.Is(err, ErrConfigNotFound) match missing intents.
func (e *NotFound) Is(target error) bool {
	return target == ErrConfigNotFound && e.Entity == "intent"
}

// IsNotFound reports whether err is a NotFound of any entity.
func IsNotFound(err error) bool {
	var nf *NotFound
	return errors.As(err, &nf)
}

// PromotionConflictError rejects promoting a keyword that is already owned
// by a different platform-global intent.
type PromotionConflictError struct {
	Keyword     string
	IntentCode  string
	OwnerIntent string
}

func (e *PromotionConflictError) Error() string {
	return fmt.Sprintf("promotion conflict: keyword %q for %s already belongs to global intent %s",
		e.Keyword, e.IntentCode, e.OwnerIntent)
}

// AmbiguousSlot wraps ErrExtractionAmbiguous with the offending slot.
type AmbiguousSlot struct {
	Slot   string
	Reason string
}

func (e *AmbiguousSlot) Error() string {
	return fmt.Sprintf("slot %s: %s", e.Slot, e.Reason)
}

func (e *AmbiguousSlot) Unwrap() error { return ErrExtractionAmbiguous }
