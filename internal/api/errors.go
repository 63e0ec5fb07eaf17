// API error definitions.
package api

import "errors"

var (
	// ErrMissingUserID is returned when the caller identity is missing from context.
	ErrMissingUserID = errors.New("missing user_id in context")
)
