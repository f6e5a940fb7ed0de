package collab

import "errors"

var (
	// ErrForbidden is returned by Join when the snippet does not exist or the
	// user may not edit it. The two cases are indistinguishable.
	ErrForbidden = errors.New("collab: snippet not found or access denied")

	// ErrUnavailable is returned by Join when the storage collaborator failed
	// or did not answer within the join timeout.
	ErrUnavailable = errors.New("collab: failed to join snippet session")

	// ErrNotAttached is returned for operations on a connection that was never
	// admitted or has already disconnected.
	ErrNotAttached = errors.New("collab: connection not attached")

	// ErrAlreadyAttached is returned by Attach for a duplicate connection id.
	ErrAlreadyAttached = errors.New("collab: connection already attached")

	// ErrInvalidCodeChange is returned for code-change payloads that fail
	// validation.
	ErrInvalidCodeChange = errors.New("collab: invalid code change")
)
