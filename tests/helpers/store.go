// Package helpers holds shared test fixtures.
package helpers

import (
	"context"
	"testing"

	"github.com/xiaot623/conductor/internal/domain"
	"github.com/xiaot623/conductor/internal/repository"
)

// NewTestSQLiteStore opens a migrated in-memory store closed at test end.
func NewTestSQLiteStore(t *testing.T) *repository.SQLiteStore {
	t.Helper()

	s, err := repository.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}

	t.Cleanup(func() {
		_ = s.Close()
	})

	return s
}

// SeedAgents writes agents straight to the store, bypassing registry
// validation and cache invalidation.
func SeedAgents(t *testing.T, s *repository.SQLiteStore, agents ...domain.AgentConfig) {
	t.Helper()

	for i := range agents {
		if err := s.UpsertAgent(context.Background(), &agents[i]); err != nil {
			t.Fatalf("failed to seed agent %s: %v", agents[i].ID, err)
		}
	}
}
