package directory

import "errors"

var (
	// ErrKeyNotFound means no record exists at the requested location.
	ErrKeyNotFound = errors.New("key record not found")

	// ErrNotAuthorized means an access-control rule was violated. Hard
	// stop; callers must not retry.
	ErrNotAuthorized = errors.New("caller is not authorized for this record")

	// ErrShareConflict means a key share lost the first-sender claim: a
	// different sender already established the record for that recipient.
	// The losing caller should refetch and adopt the winner's key.
	ErrShareConflict = errors.New("conversation key already established by another sender")
)
