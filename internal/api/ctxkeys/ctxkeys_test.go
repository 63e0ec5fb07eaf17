package ctxkeys

import (
	"context"
	"testing"
)

func TestWithValue_SetsAndGetsTypedKey(t *testing.T) {
	t.Parallel()

	ctx := WithValue(context.Background(), UserID, "user-999")
	got, ok := ctx.Value(UserID).(string)
	if !ok {
		t.Fatalf("expected string value")
	}
	if got != "user-999" {
		t.Fatalf("expected user-999, got %q", got)
	}
}

func TestKeys_DoNotCollideWithPlainStrings(t *testing.T) {
	t.Parallel()

	ctx := WithValue(context.Background(), UserID, "user-1")
	if v := ctx.Value("user_id"); v != nil {
		t.Fatalf("plain string key resolved to %v, typed keys must not collide", v)
	}
}
