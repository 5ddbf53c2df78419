package stats

import (
	"fmt"
	"sort"
	"sync"
)

type Stage string

const (
	StageSplit  Stage = "split"
	StageRead   Stage = "read"
	StageThread Stage = "thread"
)

type EventType string

const (
	EventTypeChunkClaimed   EventType = "chunk_claimed"
	EventTypeChunkCompleted EventType = "chunk_completed"
	EventTypeChunkFailed    EventType = "chunk_failed"
	EventTypeParsed         EventType = "parsed"
	EventTypeFiltered       EventType = "filtered"
	EventTypeMalformed      EventType = "malformed"
	EventTypeError          EventType = "error"
)

type Event struct {
	Stage     Stage
	Type      EventType
	ChunkID   string
	MessageID string
	// Bytes carries consumed-byte deltas for progress reporting.
	Bytes int64
	Err   error
}

// Summary aggregates pipeline counters so partial success is observable
// per archive run.
type Summary struct {
	ChunksClaimed   int
	ChunksCompleted int
	ChunksFailed    int
	Parsed          int
	Filtered        int
	Malformed       int
	Errors          int
	LastError       error
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"chunksClaimed", s.ChunksClaimed,
		"chunksCompleted", s.ChunksCompleted,
		"chunksFailed", s.ChunksFailed,
		"parsed", s.Parsed,
		"filtered", s.Filtered,
		"malformed", s.Malformed,
		"errors", s.Errors,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

// Apply folds a single event into the summary.
func (c *Collector) Apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeChunkClaimed:
		c.summary.ChunksClaimed++
	case EventTypeChunkCompleted:
		c.summary.ChunksCompleted++
	case EventTypeChunkFailed:
		c.summary.ChunksFailed++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	case EventTypeParsed:
		c.summary.Parsed++
	case EventTypeFiltered:
		c.summary.Filtered++
	case EventTypeMalformed:
		c.summary.Malformed++
	case EventTypeError:
		c.summary.Errors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

// PrettyPrintTop prints the highest-count entries of a frequency map.
func PrettyPrintTop(m map[string]int, limit int) {
	type pair struct {
		Key   string
		Value int
	}

	var pairs []pair
	for k, v := range m {
		pairs = append(pairs, pair{k, v})
	}

	sort.Slice(pairs, func(i, j int) bool {
		return pairs[i].Value > pairs[j].Value
	})

	for i := 0; i < limit && i < len(pairs); i++ {
		fmt.Printf("%d. %s (%d)\n", i+1, pairs[i].Key, pairs[i].Value)
	}
}
