// Shared context helpers for the API layer.
package api

import (
	"context"

	"github.com/learnstack/lumen/internal/api/ctxkeys"
)

// WithUserID adds the authenticated caller id to the request context.
// Uses ctxkeys.UserID — shared key used by middleware and handlers alike.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxkeys.UserID, userID)
}

// GetUserID retrieves the authenticated caller id from context.
func GetUserID(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(ctxkeys.UserID).(string)
	if !ok || userID == "" {
		return "", ErrMissingUserID
	}
	return userID, nil
}
