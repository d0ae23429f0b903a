// v0
// internal/models/context.go
package models

import "context"

type intentIDKey struct{}

// WithIntentID tags ctx with the intent a command is sent for. Every
// attempt of one intent carries the same id.
func WithIntentID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, intentIDKey{}, id)
}

// IntentID returns the id set by WithIntentID, or "".
func IntentID(ctx context.Context) string {
	id, _ := ctx.Value(intentIDKey{}).(string)
	return id
}
