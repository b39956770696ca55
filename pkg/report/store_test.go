package report

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Sternrassler/blobfetch/pkg/dispatch"
)

// setupTestRedis connects to a local Redis on DB 15 and skips the test when
// none is running. tests/integration covers the store against a container.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available for testing: %v", err)
	}

	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test DB: %v", err)
	}

	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})

	return client
}

func TestNewReport(t *testing.T) {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))
	summary := dispatch.Summary{Targets: 3, Succeeded: 2, Failed: 1, TotalBytes: 40}

	r := NewReport(summary, started, 1500*time.Millisecond, dispatch.Config{Workers: 50, Strategy: dispatch.StrategyPool})

	if r.ID == uuid.Nil {
		t.Error("Expected non-nil report ID")
	}
	if !r.StartedAt.Equal(started) || r.StartedAt.Location() != time.UTC {
		t.Errorf("StartedAt = %v, want %v in UTC", r.StartedAt, started)
	}
	if r.Targets != 3 || r.Succeeded != 2 || r.Failed != 1 || r.TotalBytes != 40 {
		t.Errorf("Unexpected counts: %+v", r)
	}
	if r.Workers != 50 || r.Strategy != "pool" {
		t.Errorf("Workers/Strategy = %d/%s, want 50/pool", r.Workers, r.Strategy)
	}

	other := NewReport(summary, started, time.Second, dispatch.DefaultConfig())
	if other.ID == r.ID {
		t.Error("Expected distinct report IDs")
	}
}

func TestNewStore_NilClientPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected panic for nil redis client")
		}
	}()
	NewStore(nil, 10)
}

func TestStore_SaveAndRecent(t *testing.T) {
	client := setupTestRedis(t)
	store := NewStore(client, 10)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		r := NewReport(dispatch.Summary{Targets: i, Succeeded: i, TotalBytes: uint64(i * 100)}, time.Now(), time.Duration(i)*time.Millisecond, dispatch.DefaultConfig())
		if err := store.Save(ctx, r); err != nil {
			t.Fatalf("Save() failed: %v", err)
		}
	}

	got, err := store.Recent(ctx, 0)
	if err != nil {
		t.Fatalf("Recent() failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Recent() returned %d reports, want 3", len(got))
	}
	// Newest first.
	for i, want := range []int{3, 2, 1} {
		if got[i].Targets != want {
			t.Errorf("Report %d has %d targets, want %d", i, got[i].Targets, want)
		}
	}

	limited, err := store.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent(2) failed: %v", err)
	}
	if len(limited) != 2 || limited[0].Targets != 3 {
		t.Errorf("Recent(2) = %+v", limited)
	}
}

func TestStore_TrimsToMaxEntries(t *testing.T) {
	client := setupTestRedis(t)
	store := NewStore(client, 2)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := store.Save(ctx, NewReport(dispatch.Summary{Targets: i}, time.Now(), 0, dispatch.DefaultConfig())); err != nil {
			t.Fatalf("Save() failed: %v", err)
		}
	}

	n, err := client.LLen(ctx, RedisKeyReports).Result()
	if err != nil {
		t.Fatalf("LLen failed: %v", err)
	}
	if n != 2 {
		t.Errorf("List length = %d, want 2", n)
	}

	got, err := store.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent() failed: %v", err)
	}
	if len(got) != 2 || got[0].Targets != 4 || got[1].Targets != 3 {
		t.Errorf("Recent() = %+v", got)
	}
}

func TestStore_RecentEmpty(t *testing.T) {
	store := NewStore(setupTestRedis(t), 0)

	got, err := store.Recent(context.Background(), 5)
	if err != nil {
		t.Fatalf("Recent() failed: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("Recent() = %v, want empty slice", got)
	}
}

func TestStore_RecentInvalidEntry(t *testing.T) {
	client := setupTestRedis(t)
	store := NewStore(client, 0)
	ctx := context.Background()

	if err := client.LPush(ctx, RedisKeyReports, "not json").Err(); err != nil {
		t.Fatalf("LPush failed: %v", err)
	}

	_, err := store.Recent(ctx, 1)
	if !errors.Is(err, ErrInvalidReport) {
		t.Errorf("Expected ErrInvalidReport, got %v", err)
	}
}
