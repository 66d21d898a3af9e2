package store

import (
	"context"
	"testing"
	"time"

	"github.com/artbot/artbot/internal/job"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func makeRecord(id string, ts time.Time) *job.CompletedImageRecord {
	return &job.CompletedImageRecord{
		JobID:        id,
		Timestamp:    ts,
		Params:       job.Params{Prompt: "prompt " + id, Steps: 20, Negative: "blurry"},
		Seed:         "1234",
		Base64String: "aW1hZ2U=",
	}
}

func TestPutAndGet(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	rec := makeRecord("job-1", time.UnixMilli(1700000000123))
	inserted, err := store.Put(ctx, rec)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !inserted {
		t.Fatal("Put inserted = false, want true")
	}

	got, err := store.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("Get returned nil, want record")
	}
	if got.Params.Prompt != rec.Params.Prompt || got.Params.Negative != "blurry" || got.Params.Steps != 20 {
		t.Errorf("Params = %+v, want %+v", got.Params, rec.Params)
	}
	if got.Seed != "1234" {
		t.Errorf("Seed = %q, want %q", got.Seed, "1234")
	}
	if got.Base64String != rec.Base64String {
		t.Errorf("Base64String = %q, want %q", got.Base64String, rec.Base64String)
	}
	if !got.Timestamp.Equal(rec.Timestamp) {
		t.Errorf("Timestamp = %v, want %v", got.Timestamp, rec.Timestamp)
	}
}

func TestPut_SecondWriteIsNoop(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if _, err := store.Put(ctx, makeRecord("job-1", time.Now())); err != nil {
		t.Fatalf("Put: %v", err)
	}
	dup := makeRecord("job-1", time.Now())
	dup.Seed = "9999"
	inserted, err := store.Put(ctx, dup)
	if err != nil {
		t.Fatalf("second Put: %v", err)
	}
	if inserted {
		t.Error("second Put inserted = true, want false")
	}

	got, _ := store.Get(ctx, "job-1")
	if got.Seed != "1234" {
		t.Errorf("Seed = %q, first write must win", got.Seed)
	}
	recs, _ := store.List(ctx)
	if len(recs) != 1 {
		t.Errorf("List len = %d, want 1", len(recs))
	}
}

func TestGet_NotFound(t *testing.T) {
	store := newTestStore(t)

	got, err := store.Get(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("Get: unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("Get returned %+v, want nil", got)
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if _, err := store.Put(ctx, makeRecord("job-1", time.Now())); err != nil {
		t.Fatalf("Put: %v", err)
	}

	existed, err := store.Delete(ctx, "job-1")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !existed {
		t.Error("Delete existed = false, want true")
	}
	if got, _ := store.Get(ctx, "job-1"); got != nil {
		t.Error("record still present after Delete")
	}
}

func TestDelete_NotFoundLeavesListUnchanged(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if _, err := store.Put(ctx, makeRecord("job-1", time.Now())); err != nil {
		t.Fatalf("Put: %v", err)
	}

	existed, err := store.Delete(ctx, "ghost")
	if err != nil {
		t.Fatalf("Delete: unexpected error: %v", err)
	}
	if existed {
		t.Error("Delete existed = true for missing record")
	}
	recs, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 1 || recs[0].JobID != "job-1" {
		t.Errorf("List = %v, want [job-1]", recs)
	}
}

func TestList_NewestFirst(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	base := time.Now()

	for i, id := range []string{"old", "new", "mid"} {
		offset := []time.Duration{0, 2 * time.Minute, time.Minute}[i]
		if _, err := store.Put(ctx, makeRecord(id, base.Add(offset))); err != nil {
			t.Fatalf("Put %s: %v", id, err)
		}
	}

	recs, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var ids []string
	for _, r := range recs {
		ids = append(ids, r.JobID)
	}
	if len(ids) != 3 || ids[0] != "new" || ids[1] != "mid" || ids[2] != "old" {
		t.Errorf("List order = %v, want [new mid old]", ids)
	}
}

func TestList_Empty(t *testing.T) {
	store := newTestStore(t)
	recs, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("List len = %d, want 0", len(recs))
	}
}

func TestStaging_HoldsOneParamSet(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	got, err := store.Staged(ctx)
	if err != nil {
		t.Fatalf("Staged: %v", err)
	}
	if got != nil {
		t.Fatalf("Staged = %+v, want nil", got)
	}

	if err := store.Stage(ctx, job.Params{Prompt: "first"}); err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if err := store.Stage(ctx, job.Params{Prompt: "second", Img2Img: true, SourceImage: "aW1n"}); err != nil {
		t.Fatalf("Stage: %v", err)
	}

	got, err = store.Staged(ctx)
	if err != nil {
		t.Fatalf("Staged: %v", err)
	}
	if got == nil || got.Prompt != "second" || !got.Img2Img || got.SourceImage != "aW1n" {
		t.Errorf("Staged = %+v, want the second set", got)
	}

	if err := store.ClearStaged(ctx); err != nil {
		t.Fatalf("ClearStaged: %v", err)
	}
	if got, _ := store.Staged(ctx); got != nil {
		t.Errorf("Staged after clear = %+v, want nil", got)
	}
}
