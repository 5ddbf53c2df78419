package progress

import (
	"sync"

	"github.com/pterm/pterm"

	"github.com/dhcgn/mbox-threader/stats"
)

// Bar renders a byte-granular progress bar across all chunks of an
// archive run.
type Bar struct {
	pb         *pterm.ProgressbarPrinter
	totalBytes int64
	doneBytes  int64
	mu         sync.Mutex
	enabled    bool
}

// New creates a progress bar when the log level is "info"; any other
// level keeps the terminal quiet for machine-readable output.
func New(totalBytes int64, logLevel string) *Bar {
	enabled := logLevel == "info" && totalBytes > 0

	bar := &Bar{
		totalBytes: totalBytes,
		enabled:    enabled,
	}

	if enabled {
		pb, _ := pterm.DefaultProgressbar.
			WithTotal(int(totalBytes)).
			WithTitle("Processing archive").
			WithShowCount(false).
			Start()
		bar.pb = pb
	}

	return bar
}

// Update advances the bar based on a pipeline event.
func (b *Bar) Update(evt stats.Event) {
	if !b.enabled || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch evt.Type {
	case stats.EventTypeChunkClaimed:
		if evt.ChunkID != "" {
			b.pb.UpdateTitle("Processing: " + evt.ChunkID)
		}
	case stats.EventTypeParsed, stats.EventTypeFiltered, stats.EventTypeMalformed:
		if evt.Bytes > 0 {
			b.doneBytes += evt.Bytes
			b.pb.Add(int(evt.Bytes))
		}
	case stats.EventTypeChunkFailed, stats.EventTypeError:
		// Errors print above the bar; totals land in the summary.
		if evt.Err != nil {
			pterm.Error.Printf("Error: %v\n", evt.Err)
		}
	}
}

// Stop finalizes the progress bar.
func (b *Bar) Stop() {
	if !b.enabled || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.doneBytes < b.totalBytes {
		b.pb.Current = int(b.totalBytes)
	}
	_, _ = b.pb.Stop()
}

// PrintSummary renders the final run summary as a pterm section.
func PrintSummary(summary stats.Summary, threads int) {
	pterm.Println()
	pterm.DefaultSection.Println("Summary")
	pterm.Info.Printf("Chunks completed: %d\n", summary.ChunksCompleted)
	pterm.Info.Printf("Chunks failed: %d\n", summary.ChunksFailed)
	pterm.Info.Printf("Messages parsed: %d\n", summary.Parsed)
	pterm.Info.Printf("Messages filtered out: %d\n", summary.Filtered)
	pterm.Info.Printf("Malformed messages skipped: %d\n", summary.Malformed)
	pterm.Info.Printf("Threads reconstructed: %d\n", threads)
	if summary.LastError != nil {
		pterm.Error.Printf("Last error: %v\n", summary.LastError)
	}
}
