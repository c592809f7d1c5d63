package sync

import (
	"errors"
	"fmt"
)

var (
	ErrSubscription  = errors.New("subscription setup failed")
	ErrProviderFetch = errors.New("provider fetch failed")
	ErrPersistence   = errors.New("persistence failed")
	ErrCanceled      = errors.New("sync canceled")

	ErrAccountNotFound = errors.New("account not found")
	ErrCommitCursor    = errors.New("cursor commit failed")
)

// Kind classifies where a run failed
type Kind string

const (
	KindSubscription  Kind = "subscription"
	KindProviderFetch Kind = "provider_fetch"
	KindPersistence   Kind = "persistence"
	KindCanceled      Kind = "canceled"
)

func (k Kind) sentinel() error {
	switch k {
	case KindSubscription:
		return ErrSubscription
	case KindProviderFetch:
		return ErrProviderFetch
	case KindPersistence:
		return ErrPersistence
	case KindCanceled:
		return ErrCanceled
	}
	return nil
}

// Error is a classified run failure. Batch is the 1-based batch the run
// was working on when it failed, 0 for subscription failures.
type Error struct {
	Kind  Kind
	Batch int
	Err   error
}

func (e *Error) Error() string {
	if e.Kind == KindSubscription {
		return fmt.Sprintf("%s: %v", e.Kind.sentinel(), e.Err)
	}
	return fmt.Sprintf("%s (batch %d): %v", e.Kind.sentinel(), e.Batch, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// KindOf returns the failure kind carried by err, if any
func KindOf(err error) (Kind, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return "", false
}
