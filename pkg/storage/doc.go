// Package storage persists bot users and their messages in SQLite.
//
// Invariants:
// - Every message belongs to an existing user; deleting a user deletes their messages.
// - created_at and updated_at are maintained by the store, never by callers.
// - Repository filters only accept known column names.
//
// Usage:
//
//	store, _ := storage.Open(ctx, storage.Config{Path: "/data/dosug.db"})
//	defer store.Close()
//	user, _ := store.Users().FindByID(ctx, 42)
//	last, _ := store.Messages().FindLastN(ctx, 10, storage.Filter{"user_id": 42})
package storage
