package messaging

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is the kind of every input rejection. Nothing is written when it is returned.
	ErrValidation = errors.New("validation failed")

	// ErrStore is the kind of every read/write failure against the message store.
	ErrStore = errors.New("message store failure")

	// ErrProfile is the kind of a profile directory failure during a conversation fetch.
	ErrProfile = errors.New("profile lookup failure")

	// ErrFeedClosed is returned by Publish after the feed has been closed.
	ErrFeedClosed = errors.New("change feed closed")

	// ErrNotFound is returned when a message id does not exist.
	ErrNotFound = errors.New("message not found")
)

// ValidationError reports which input was rejected and why.
// Field is a stable logical name: "sender", "receiver", "content".
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%v: %s", ErrValidation, e.Reason)
	}
	return fmt.Sprintf("%v: %s %s", ErrValidation, e.Field, e.Reason)
}

func (e ValidationError) Unwrap() error { return ErrValidation }

// StoreError wraps a store failure with the failing operation.
// Callers must not expose Err to end users.
type StoreError struct {
	Op  string
	Err error
}

func (e StoreError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, ErrStore)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrStore, e.Err)
}

func (e StoreError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrStore}
	}
	return []error{ErrStore, e.Err}
}

// ProfileError reports a failed profile lookup for one participant.
type ProfileError struct {
	UserID string
	Err    error
}

func (e ProfileError) Error() string {
	return fmt.Sprintf("%v: %s: %v", ErrProfile, e.UserID, e.Err)
}

func (e ProfileError) Unwrap() []error {
	return []error{ErrProfile, e.Err}
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se StoreError
	if errors.As(err, &se) {
		return err
	}
	return StoreError{Op: op, Err: err}
}

// IsValidation reports whether err represents ErrValidation.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsStore reports whether err represents ErrStore.
func IsStore(err error) bool { return errors.Is(err, ErrStore) }

// IsProfile reports whether err represents ErrProfile.
func IsProfile(err error) bool { return errors.Is(err, ErrProfile) }
