package manager

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
)

var (
	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = errors.New("session not found")
	// ErrResourceExhausted is returned when a resource reservation cannot
	// be satisfied; the create attempt is marked failed.
	ErrResourceExhausted = errors.New("resource allocation exhausted")
	// ErrContainerInit is returned when the runtime fails to initialize
	// the container for a session.
	ErrContainerInit = errors.New("container initialization failed")
	// ErrValidation is returned for malformed payloads and
	// resource-invariant violations.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidTransition is returned when a status change is not in the
	// transition graph. Semantically-idempotent requests (hibernate an
	// already-hibernating session, resume a non-hibernating one) are
	// treated as no-op successes instead.
	ErrInvalidTransition = errors.New("invalid session state transition")
	// ErrConnectionLimit is returned when a session that disallows multiple
	// connections already has one attached.
	ErrConnectionLimit = errors.New("session does not allow multiple connections")
)

func newSessionID() (string, error) {
	return newID("sess_")
}

func newConnectionID() (string, error) {
	return newID("conn_")
}

func newSnapshotID() (string, error) {
	return newID("snap_")
}

func newEventID() (string, error) {
	return newID("evt_")
}

func newID(prefix string) (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return prefix + hex.EncodeToString(buf), nil
}
