package state

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dhcgn/mbox-threader/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "state.db"), nil)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func testChunk(id string, size int64) model.Chunk {
	return model.Chunk{
		ID:          id,
		ArchivePath: "/data/archive.mbox",
		Path:        "/data/" + id + ".mbox",
		Ordinal:     1,
		SizeBytes:   size,
		ContentHash: "deadbeef",
		Labels:      []string{},
		Status:      model.StatusPending,
	}
}

func TestRegisterAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	chunk := testChunk("archive_chunk_001", 1024)
	if err := store.Register(ctx, chunk); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	got, err := store.Get(ctx, chunk.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != model.StatusPending {
		t.Errorf("Status = %s, want pending", got.Status)
	}
	if got.SizeBytes != 1024 {
		t.Errorf("SizeBytes = %d, want 1024", got.SizeBytes)
	}

	if _, err := store.Get(ctx, "unknown"); !errors.Is(err, ErrChunkNotFound) {
		t.Errorf("Get(unknown) error = %v, want ErrChunkNotFound", err)
	}
}

func TestRegister_ReRegistrationResetsRunState(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	chunk := testChunk("archive_chunk_001", 1024)
	if err := store.Register(ctx, chunk); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := store.Claim(ctx, chunk.ID, 0); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if err := store.RecordProgress(ctx, chunk.ID, 512); err != nil {
		t.Fatalf("RecordProgress() error = %v", err)
	}
	if err := store.Complete(ctx, chunk.ID); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	if err := store.Register(ctx, chunk); err != nil {
		t.Fatalf("re-Register() error = %v", err)
	}
	got, err := store.Get(ctx, chunk.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != model.StatusPending {
		t.Errorf("Status after re-registration = %s, want pending", got.Status)
	}
	if got.ResumeOffset != 0 {
		t.Errorf("ResumeOffset after re-registration = %d, want 0", got.ResumeOffset)
	}
	if got.ProcessedAt != nil {
		t.Error("ProcessedAt after re-registration should be nil")
	}
}

func TestTransitions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	chunk := testChunk("archive_chunk_001", 1024)
	if err := store.Register(ctx, chunk); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	// Completing a pending chunk skips processing and must fail.
	if err := store.Complete(ctx, chunk.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Complete(pending) error = %v, want ErrInvalidTransition", err)
	}

	if err := store.Claim(ctx, chunk.ID, 0); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}

	// A second claim loses the race.
	if err := store.Claim(ctx, chunk.ID, 0); !errors.Is(err, ErrChunkUnavailable) {
		t.Errorf("second Claim error = %v, want ErrChunkUnavailable", err)
	}

	if err := store.Complete(ctx, chunk.ID); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	got, _ := store.Get(ctx, chunk.ID)
	if got.Status != model.StatusCompleted {
		t.Errorf("Status = %s, want completed", got.Status)
	}
	if got.ProcessedAt == nil {
		t.Error("ProcessedAt should be set after completion")
	}

	// Reset goes back to pending and the chunk is claimable again.
	if err := store.Reset(ctx, chunk.ID); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if err := store.Claim(ctx, chunk.ID, 0); err != nil {
		t.Fatalf("Claim() after reset error = %v", err)
	}

	if err := store.Claim(ctx, "unknown", 0); !errors.Is(err, ErrChunkNotFound) {
		t.Errorf("Claim(unknown) error = %v, want ErrChunkNotFound", err)
	}
}

func TestFail_KeepsResumeOffset(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	chunk := testChunk("archive_chunk_001", 1024)
	if err := store.Register(ctx, chunk); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := store.Claim(ctx, chunk.ID, 0); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if err := store.RecordProgress(ctx, chunk.ID, 4096); err != nil {
		t.Fatalf("RecordProgress() error = %v", err)
	}
	if err := store.Fail(ctx, chunk.ID, "disk full"); err != nil {
		t.Fatalf("Fail() error = %v", err)
	}

	offset, err := store.GetResumePoint(ctx, chunk.ID)
	if err != nil {
		t.Fatalf("GetResumePoint() error = %v", err)
	}
	if offset != 4096 {
		t.Errorf("Resume point after failure = %d, want 4096", offset)
	}

	// Reset clears the offset for a clean retry.
	if err := store.Reset(ctx, chunk.ID); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	offset, err = store.GetResumePoint(ctx, chunk.ID)
	if err != nil {
		t.Fatalf("GetResumePoint() error = %v", err)
	}
	if offset != 0 {
		t.Errorf("Resume point after reset = %d, want 0", offset)
	}
}

func TestRequeue_KeepsResumeOffset(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	chunk := testChunk("archive_chunk_001", 1024)
	if err := store.Register(ctx, chunk); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	// Only processing chunks can be requeued.
	if err := store.Requeue(ctx, chunk.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Requeue(pending) error = %v, want ErrInvalidTransition", err)
	}
	if err := store.Requeue(ctx, "unknown"); !errors.Is(err, ErrChunkNotFound) {
		t.Fatalf("Requeue(unknown) error = %v, want ErrChunkNotFound", err)
	}

	if err := store.Claim(ctx, chunk.ID, 0); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if err := store.RecordProgress(ctx, chunk.ID, 2048); err != nil {
		t.Fatalf("RecordProgress() error = %v", err)
	}
	if err := store.Requeue(ctx, chunk.ID); err != nil {
		t.Fatalf("Requeue() error = %v", err)
	}

	got, err := store.Get(ctx, chunk.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != model.StatusPending {
		t.Errorf("Status = %s, want pending", got.Status)
	}
	if got.ResumeOffset != 2048 {
		t.Errorf("ResumeOffset = %d, want 2048", got.ResumeOffset)
	}

	// A preserving claim picks the chunk back up where it stopped.
	claimed, err := store.ClaimNext(ctx, "size", true)
	if err != nil {
		t.Fatalf("ClaimNext() error = %v", err)
	}
	if claimed.ResumeOffset != 2048 {
		t.Errorf("Claimed ResumeOffset = %d, want 2048", claimed.ResumeOffset)
	}
}

func TestClaimNext_SizeOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i, size := range []int64{2048, 512, 1024} {
		chunk := testChunk(fmt.Sprintf("archive_chunk_%03d", i+1), size)
		if err := store.Register(ctx, chunk); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
	}

	var order []int64
	for {
		chunk, err := store.ClaimNext(ctx, "size", false)
		if errors.Is(err, ErrNoPendingChunks) {
			break
		}
		if err != nil {
			t.Fatalf("ClaimNext() error = %v", err)
		}
		order = append(order, chunk.SizeBytes)
	}

	want := []int64{512, 1024, 2048}
	if len(order) != len(want) {
		t.Fatalf("Claimed %d chunks, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("Claim order[%d] = %d, want %d", i, order[i], want[i])
		}
	}
}

func TestClaimNext_DateOrderNullsLast(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	later := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	earlier := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

	undated := testChunk("archive_chunk_001", 100)
	withLater := testChunk("archive_chunk_002", 100)
	withLater.DateStart = &later
	withEarlier := testChunk("archive_chunk_003", 100)
	withEarlier.DateStart = &earlier

	for _, c := range []model.Chunk{undated, withLater, withEarlier} {
		if err := store.Register(ctx, c); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
	}

	var order []string
	for {
		chunk, err := store.ClaimNext(ctx, "date", false)
		if errors.Is(err, ErrNoPendingChunks) {
			break
		}
		if err != nil {
			t.Fatalf("ClaimNext() error = %v", err)
		}
		order = append(order, chunk.ID)
	}

	want := []string{"archive_chunk_003", "archive_chunk_002", "archive_chunk_001"}
	if len(order) != len(want) {
		t.Fatalf("Claimed %d chunks, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("Claim order[%d] = %s, want %s", i, order[i], want[i])
		}
	}
}

func TestClaimNext_PreservesOffset(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	chunk := testChunk("archive_chunk_001", 1024)
	if err := store.Register(ctx, chunk); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := store.Claim(ctx, chunk.ID, 0); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if err := store.RecordProgress(ctx, chunk.ID, 768); err != nil {
		t.Fatalf("RecordProgress() error = %v", err)
	}
	if err := store.Fail(ctx, chunk.ID, "interrupted"); err != nil {
		t.Fatalf("Fail() error = %v", err)
	}
	if err := store.Reset(ctx, chunk.ID); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	// Simulate an interrupted-but-progressed chunk awaiting resume.
	if err := store.Claim(ctx, chunk.ID, 768); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if err := store.Fail(ctx, chunk.ID, "interrupted again"); err != nil {
		t.Fatalf("Fail() error = %v", err)
	}
	if _, err := store.db.ExecContext(ctx,
		`UPDATE chunks SET status = ? WHERE chunk_id = ?`, model.StatusPending, chunk.ID); err != nil {
		t.Fatalf("force pending: %v", err)
	}

	claimed, err := store.ClaimNext(ctx, "size", true)
	if err != nil {
		t.Fatalf("ClaimNext() error = %v", err)
	}
	if claimed.ResumeOffset != 768 {
		t.Errorf("ResumeOffset = %d, want 768", claimed.ResumeOffset)
	}
}

func TestGetLog(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	chunk := testChunk("archive_chunk_001", 1024)
	if err := store.Register(ctx, chunk); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := store.Claim(ctx, chunk.ID, 0); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if err := store.Fail(ctx, chunk.ID, "parse error"); err != nil {
		t.Fatalf("Fail() error = %v", err)
	}

	entries, err := store.GetLog(ctx, chunk.ID)
	if err != nil {
		t.Fatalf("GetLog() error = %v", err)
	}

	wantStatuses := []model.ChunkStatus{model.StatusPending, model.StatusProcessing, model.StatusFailed}
	if len(entries) != len(wantStatuses) {
		t.Fatalf("Got %d log entries, want %d", len(entries), len(wantStatuses))
	}
	for i, want := range wantStatuses {
		if entries[i].Status != want {
			t.Errorf("entries[%d].Status = %s, want %s", i, entries[i].Status, want)
		}
	}
	last := entries[len(entries)-1]
	if last.Error == nil || *last.Error != "parse error" {
		t.Errorf("Failed entry error = %v, want parse error", last.Error)
	}
}

func TestGetStatsAndGetByArchive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		chunk := testChunk(fmt.Sprintf("archive_chunk_%03d", i), int64(i*100))
		chunk.Ordinal = i
		if err := store.Register(ctx, chunk); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
	}
	if err := store.Claim(ctx, "archive_chunk_001", 0); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if err := store.Complete(ctx, "archive_chunk_001"); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	counts, err := store.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats() error = %v", err)
	}
	if counts[model.StatusPending] != 2 {
		t.Errorf("pending = %d, want 2", counts[model.StatusPending])
	}
	if counts[model.StatusCompleted] != 1 {
		t.Errorf("completed = %d, want 1", counts[model.StatusCompleted])
	}

	chunks, err := store.GetByArchive(ctx, "/data/archive.mbox")
	if err != nil {
		t.Fatalf("GetByArchive() error = %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("GetByArchive returned %d chunks, want 3", len(chunks))
	}
	for i, c := range chunks {
		if c.Ordinal != i+1 {
			t.Errorf("chunks[%d].Ordinal = %d, want %d (registration order)", i, c.Ordinal, i+1)
		}
	}
}

func TestClearAll(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Register(ctx, testChunk("archive_chunk_001", 100)); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := store.ClearAll(ctx); err != nil {
		t.Fatalf("ClearAll() error = %v", err)
	}

	counts, err := store.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats() error = %v", err)
	}
	if len(counts) != 0 {
		t.Errorf("Expected empty stats after ClearAll, got %v", counts)
	}
	entries, err := store.GetLog(ctx, "archive_chunk_001")
	if err != nil {
		t.Fatalf("GetLog() error = %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("Expected empty log after ClearAll, got %d entries", len(entries))
	}
}

func TestConcurrentClaims(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	const chunkCount = 10
	for i := 0; i < chunkCount; i++ {
		if err := store.Register(ctx, testChunk(fmt.Sprintf("archive_chunk_%03d", i), int64(100+i))); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
	}

	var (
		mu      sync.Mutex
		claimed = make(map[string]int)
		wg      sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				chunk, err := store.ClaimNext(ctx, "size", false)
				if errors.Is(err, ErrNoPendingChunks) {
					return
				}
				if err != nil {
					t.Errorf("ClaimNext() error = %v", err)
					return
				}
				mu.Lock()
				claimed[chunk.ID]++
				mu.Unlock()
				if err := store.Complete(ctx, chunk.ID); err != nil {
					t.Errorf("Complete() error = %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if len(claimed) != chunkCount {
		t.Errorf("Claimed %d distinct chunks, want %d", len(claimed), chunkCount)
	}
	for id, n := range claimed {
		if n != 1 {
			t.Errorf("Chunk %s claimed %d times, want exactly once", id, n)
		}
	}
}
