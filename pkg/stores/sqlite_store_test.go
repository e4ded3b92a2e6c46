package stores

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreLifecycle(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("expected error for empty path")
	}

	store, err := NewSQLiteStore(Config{Path: filepath.Join(t.TempDir(), "emuhost.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	// Migrating twice is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migration failed: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestTitleOperations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	t.Run("UpsertAndGet", func(t *testing.T) {
		title := &Title{Serial: "SLUS-20312", Name: "First", Region: "NTSC-U", Compat: CompatPlayable}
		if err := store.UpsertTitle(ctx, title); err != nil {
			t.Fatalf("upsert failed: %v", err)
		}

		got, err := store.GetTitle(ctx, "SLUS-20312")
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if got.Name != "First" || got.Compat != CompatPlayable {
			t.Errorf("unexpected title %+v", got)
		}

		title.Name = "Renamed"
		if err := store.UpsertTitle(ctx, title); err != nil {
			t.Fatalf("second upsert failed: %v", err)
		}
		got, _ = store.GetTitle(ctx, "SLUS-20312")
		if got.Name != "Renamed" {
			t.Errorf("expected updated name, got %s", got.Name)
		}
	})

	t.Run("MissingSerial", func(t *testing.T) {
		if err := store.UpsertTitle(ctx, &Title{Name: "x"}); err == nil {
			t.Error("expected error for missing serial")
		}
	})

	t.Run("BatchAndList", func(t *testing.T) {
		batch := []*Title{
			{Serial: "SCES-50001", Name: "B", Region: "PAL"},
			{Serial: "SLPS-25001", Name: "C", Region: "NTSC-J", Compat: CompatInGame},
		}
		if err := store.UpsertTitles(ctx, batch); err != nil {
			t.Fatalf("batch upsert failed: %v", err)
		}

		n, err := store.CountTitles(ctx)
		if err != nil || n != 3 {
			t.Fatalf("expected 3 titles, got %d (%v)", n, err)
		}

		page, err := store.ListTitles(ctx, 2, 0)
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		if len(page) != 2 || page[0].Serial != "SCES-50001" {
			t.Errorf("unexpected page %v", page)
		}

		var serials []string
		err = store.ForEachTitle(ctx, func(title *Title) error {
			serials = append(serials, title.Serial)
			return nil
		})
		if err != nil || len(serials) != 3 {
			t.Errorf("expected 3 streamed titles, got %v (%v)", serials, err)
		}
	})

	t.Run("BatchRollback", func(t *testing.T) {
		before, _ := store.CountTitles(ctx)
		err := store.UpsertTitles(ctx, []*Title{{Serial: "SLUS-99999", Name: "ok"}, {Name: "no serial"}})
		if err == nil {
			t.Fatal("expected batch error")
		}
		after, _ := store.CountTitles(ctx)
		if before != after {
			t.Errorf("expected rollback, count %d -> %d", before, after)
		}
	})

	t.Run("ForEachStops", func(t *testing.T) {
		stop := errors.New("stop")
		calls := 0
		err := store.ForEachTitle(ctx, func(*Title) error {
			calls++
			return stop
		})
		if !errors.Is(err, stop) || calls != 1 {
			t.Errorf("expected stop after first title, calls=%d err=%v", calls, err)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if err := store.DeleteTitle(ctx, "SCES-50001"); err != nil {
			t.Fatalf("delete failed: %v", err)
		}
		if _, err := store.GetTitle(ctx, "SCES-50001"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if err := store.DeleteTitle(ctx, "SCES-50001"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound on second delete, got %v", err)
		}
	})
}

func TestSessionOperations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	session := &Session{
		ID:              "0b0e7d4e-5f7e-4c57-9d43-1f6a3c0b9e11",
		ExecutionConfig: "{primary:disabled, vu1:enabled}",
		Downgraded:      "primary",
	}
	if err := store.StartSession(ctx, session); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	got, err := store.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.EndedAt != nil {
		t.Error("expected open session")
	}

	if err := store.EndSession(ctx, session.ID, 2, "terminated"); err != nil {
		t.Fatalf("end failed: %v", err)
	}
	got, _ = store.GetSession(ctx, session.ID)
	if got.EndedAt == nil || got.ShutdownErrors != 2 || got.FinalState != "terminated" {
		t.Errorf("unexpected session %+v", got)
	}

	if err := store.EndSession(ctx, "missing", 0, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	list, err := store.ListSessions(ctx, 10)
	if err != nil || len(list) != 1 {
		t.Errorf("expected 1 session, got %d (%v)", len(list), err)
	}
}

func TestParseCatalog(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		want        int
		expectError bool
	}{
		{
			name: "Valid",
			input: `
SLUS-20312:
  name: Example
  region: NTSC-U
  compat: 5
SCES-50001:
  name: Other
  region: PAL
`,
			want: 2,
		},
		{name: "Empty", input: "", want: 0},
		{name: "CompatOutOfRange", input: "SLUS-1:\n  name: x\n  compat: 9\n", expectError: true},
		{name: "Malformed", input: "[1, 2", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			titles, err := ParseCatalog(strings.NewReader(tt.input))
			if tt.expectError {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(titles) != tt.want {
				t.Fatalf("expected %d titles, got %d", tt.want, len(titles))
			}
			if tt.want > 0 && titles[0].Serial != "SCES-50001" {
				t.Errorf("expected sorted serials, got %s first", titles[0].Serial)
			}
		})
	}
}
