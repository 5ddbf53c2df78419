package stats

import (
	"errors"
	"testing"
)

func TestCollector_Apply(t *testing.T) {
	c := NewCollector()

	failErr := errors.New("chunk exploded")
	events := []Event{
		{Stage: StageRead, Type: EventTypeChunkClaimed, ChunkID: "c1"},
		{Stage: StageRead, Type: EventTypeParsed, ChunkID: "c1", Bytes: 100},
		{Stage: StageRead, Type: EventTypeParsed, ChunkID: "c1", Bytes: 200},
		{Stage: StageRead, Type: EventTypeFiltered, ChunkID: "c1"},
		{Stage: StageRead, Type: EventTypeMalformed, ChunkID: "c1"},
		{Stage: StageRead, Type: EventTypeChunkCompleted, ChunkID: "c1"},
		{Stage: StageRead, Type: EventTypeChunkClaimed, ChunkID: "c2"},
		{Stage: StageRead, Type: EventTypeChunkFailed, ChunkID: "c2", Err: failErr},
	}
	for _, evt := range events {
		c.Apply(evt)
	}

	s := c.Snapshot()
	if s.ChunksClaimed != 2 {
		t.Errorf("ChunksClaimed = %d, want 2", s.ChunksClaimed)
	}
	if s.ChunksCompleted != 1 {
		t.Errorf("ChunksCompleted = %d, want 1", s.ChunksCompleted)
	}
	if s.ChunksFailed != 1 {
		t.Errorf("ChunksFailed = %d, want 1", s.ChunksFailed)
	}
	if s.Parsed != 2 {
		t.Errorf("Parsed = %d, want 2", s.Parsed)
	}
	if s.Filtered != 1 {
		t.Errorf("Filtered = %d, want 1", s.Filtered)
	}
	if s.Malformed != 1 {
		t.Errorf("Malformed = %d, want 1", s.Malformed)
	}
	if !errors.Is(s.LastError, failErr) {
		t.Errorf("LastError = %v, want %v", s.LastError, failErr)
	}
}

func TestSummary_LogAttrs(t *testing.T) {
	s := Summary{Parsed: 5, LastError: errors.New("boom")}
	attrs := s.LogAttrs()
	if len(attrs)%2 != 0 {
		t.Errorf("LogAttrs() length %d is not key/value paired", len(attrs))
	}
}
