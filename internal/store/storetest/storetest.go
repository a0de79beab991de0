// Package storetest opens migrated in-memory stores for tests.
package storetest

import (
	"context"
	"testing"

	"pawkeeper-live/internal/model"
	"pawkeeper-live/internal/store"
)

func New(t testing.TB) *store.Store {
	t.Helper()

	db, err := store.Open(store.Config{Driver: "sqlite", DSN: ":memory:", LogLevel: "silent"})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := store.Migrate(db); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	s := store.New(db)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// Users saves one user per id with username "<id>-name".
func Users(t testing.TB, s *store.Store, ids ...string) map[string]model.User {
	t.Helper()
	out := make(map[string]model.User, len(ids))
	for _, id := range ids {
		u, err := s.SaveUser(context.Background(), model.User{ID: id, Username: id + "-name"})
		if err != nil {
			t.Fatalf("SaveUser(%s): %v", id, err)
		}
		out[id] = u
	}
	return out
}
