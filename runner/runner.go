package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dhcgn/mbox-threader/config"
	"github.com/dhcgn/mbox-threader/filter"
	"github.com/dhcgn/mbox-threader/mbox"
	"github.com/dhcgn/mbox-threader/model"
	"github.com/dhcgn/mbox-threader/progress"
	"github.com/dhcgn/mbox-threader/splitter"
	"github.com/dhcgn/mbox-threader/state"
	"github.com/dhcgn/mbox-threader/stats"
	"github.com/dhcgn/mbox-threader/thread"
)

// progressEvery is the message interval between resume checkpoints.
const progressEvery = 100

// Runner wires one archive-processing session: split, register, a pool
// of claim/read workers over the shared chunk store, thread assembly.
type Runner struct {
	cfg    config.Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	store     *state.Store
	recon     *thread.Reconstructor
	msgFilter *filter.Filter

	events chan stats.Event

	workWG  sync.WaitGroup
	statsWG sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeEventsOnce sync.Once
	since           time.Time
}

func New(cfg config.Config, logger *slog.Logger) (*Runner, error) {
	ctx, cancel := context.WithCancel(context.Background())

	store, err := state.NewStore(cfg.StateDB, logger)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("chunk state store: %w", err)
	}

	msgFilter, err := filter.New(filter.Options{
		IncludeHeader: cfg.IncludeHeader,
		IncludeBody:   cfg.IncludeBody,
		ExcludeHeader: cfg.ExcludeHeader,
		ExcludeBody:   cfg.ExcludeBody,
	})
	if err != nil {
		cancel()
		_ = store.Close()
		return nil, fmt.Errorf("message filter: %w", err)
	}

	window := time.Duration(cfg.SubjectWindowDays) * 24 * time.Hour
	r := &Runner{
		cfg:       cfg,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		store:     store,
		recon:     thread.NewReconstructor(window, logger),
		msgFilter: msgFilter,
		events:    make(chan stats.Event, 128),
	}
	return r, nil
}

func (r *Runner) Store() *state.Store {
	return r.store
}

// Close releases the session's resources.
func (r *Runner) Close() error {
	r.cancel()
	return r.store.Close()
}

func (r *Runner) EmitEvent(evt stats.Event) {
	select {
	case <-r.ctx.Done():
	case r.events <- evt:
	}
}

func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	r.statsWG.Add(1)
	go func() {
		defer r.statsWG.Done()
		if err := fn(r.ctx, r.events); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stats: %w", name, err))
		}
	}()
}

// Run executes the full pipeline and returns the reconstructed threads.
func (r *Runner) Run(ctx context.Context) ([]model.Thread, error) {
	r.since = time.Now()

	stop := context.AfterFunc(ctx, r.cancel)
	defer stop()

	manifest, err := r.ensureManifest()
	if err != nil {
		return nil, err
	}

	var totalBytes int64
	queued := 0
	for _, chunk := range manifest.Chunks {
		status, err := r.prepareChunk(chunk)
		if err != nil {
			return nil, err
		}
		if status == model.StatusPending {
			totalBytes += chunk.SizeBytes
			queued++
		}
	}
	r.logger.Info("chunks registered", "archive", manifest.OriginalFile, "chunks", len(manifest.Chunks), "queued", queued)

	// A single subscriber feeds both the bar and the collector; events
	// are distributed, not broadcast, so consumers must not compete.
	bar := progress.New(totalBytes, r.cfg.LogLevel)
	collector := stats.NewCollector()
	r.SubscribeStats("stats", func(ctx context.Context, events <-chan stats.Event) error {
		defer bar.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case evt, ok := <-events:
				if !ok {
					return nil
				}
				collector.Apply(evt)
				bar.Update(evt)
			}
		}
	})

	for w := 0; w < r.cfg.Workers; w++ {
		r.workWG.Add(1)
		go r.worker(w)
	}

	r.workWG.Wait()
	r.closeEvents()
	r.statsWG.Wait()

	if err := r.runErr(); err != nil {
		r.logger.Error("pipeline failed", "duration", time.Since(r.since), "err", err)
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.logger.Debug("building threads", "messages", r.recon.Len())
	threads := r.recon.BuildThreads()

	threadsPath, err := r.writeThreads(threads)
	if err != nil {
		return nil, err
	}

	summary := collector.Snapshot()
	r.logger.Info("pipeline completed",
		append(summary.LogAttrs(),
			"threads", len(threads),
			"threadsFile", threadsPath,
			"duration", time.Since(r.since))...)

	if r.cfg.LogLevel == "info" {
		progress.PrintSummary(summary, len(threads))
	}

	return threads, nil
}

// ensureManifest reuses an existing split when resuming, otherwise runs
// the split planner.
func (r *Runner) ensureManifest() (*model.ArchiveManifest, error) {
	manifestPath := splitter.ManifestPath(r.cfg.MboxPath, r.cfg.OutputDir)
	if r.cfg.Resume {
		if manifest, err := splitter.LoadManifest(manifestPath); err == nil {
			r.logger.Info("reusing existing split", "manifest", manifestPath, "chunks", len(manifest.Chunks))
			return manifest, nil
		}
	}

	planner := splitter.NewPlanner(splitter.Options{
		ChunkSizeBytes: r.cfg.ChunkSizeBytes(),
		OutputDir:      r.cfg.OutputDir,
		BufferSize:     r.cfg.BufferSize,
	}, r.logger)

	return planner.Split(r.ctx, r.cfg.MboxPath)
}

// prepareChunk queues a chunk for this session and reports the status it
// ends up in. Fresh runs register every chunk, resetting any prior state.
// Resume runs keep the store's record: completed chunks stay done,
// chunks interrupted mid-processing are requeued at their recorded
// offset, and failed chunks wait for an explicit reset.
func (r *Runner) prepareChunk(chunk model.Chunk) (model.ChunkStatus, error) {
	if !r.cfg.Resume {
		if err := r.store.Register(r.ctx, chunk); err != nil {
			return "", err
		}
		return model.StatusPending, nil
	}

	existing, err := r.store.Get(r.ctx, chunk.ID)
	if errors.Is(err, state.ErrChunkNotFound) {
		if err := r.store.Register(r.ctx, chunk); err != nil {
			return "", err
		}
		return model.StatusPending, nil
	}
	if err != nil {
		return "", err
	}

	if existing.Status == model.StatusProcessing {
		r.logger.Info("requeueing interrupted chunk", "chunk", chunk.ID, "resumeOffset", existing.ResumeOffset)
		if err := r.store.Requeue(r.ctx, chunk.ID); err != nil {
			return "", err
		}
		return model.StatusPending, nil
	}
	return existing.Status, nil
}

// worker claims pending chunks until the queue is empty, streaming each
// one's messages into the reconstructor. A failed chunk never aborts the
// archive; remaining chunks keep processing.
func (r *Runner) worker(id int) {
	defer r.workWG.Done()

	for {
		if r.ctx.Err() != nil {
			return
		}

		chunk, err := r.store.ClaimNext(r.ctx, r.cfg.OrderBy, r.cfg.Resume)
		if errors.Is(err, state.ErrNoPendingChunks) {
			return
		}
		if err != nil {
			r.fail(fmt.Errorf("worker %d claim: %w", id, err))
			return
		}

		r.EmitEvent(stats.Event{Stage: stats.StageRead, Type: stats.EventTypeChunkClaimed, ChunkID: chunk.ID})
		r.logger.Debug("chunk claimed", "worker", id, "chunk", chunk.ID, "resumeOffset", chunk.ResumeOffset)

		err = r.processChunk(chunk)
		switch {
		case err == nil:
			if err := r.store.Complete(r.ctx, chunk.ID); err != nil {
				r.fail(err)
				return
			}
			r.EmitEvent(stats.Event{Stage: stats.StageRead, Type: stats.EventTypeChunkCompleted, ChunkID: chunk.ID})
		case errors.Is(err, context.Canceled):
			// Cancellation leaves the chunk in processing so a later
			// reset can retry from its recorded offset.
			return
		default:
			if failErr := r.store.Fail(context.Background(), chunk.ID, err.Error()); failErr != nil {
				r.fail(failErr)
				return
			}
			r.EmitEvent(stats.Event{Stage: stats.StageRead, Type: stats.EventTypeChunkFailed, ChunkID: chunk.ID, Err: err})
			r.logger.Error("chunk failed", "worker", id, "chunk", chunk.ID, "err", err)
		}
	}
}

func (r *Runner) processChunk(chunk *model.Chunk) error {
	reader, err := mbox.NewReader(mbox.Options{
		Path:          chunk.Path,
		ResumeOffset:  chunk.ResumeOffset,
		BufferSize:    r.cfg.BufferSize,
		SkipMalformed: r.cfg.SkipMalformed,
	}, r.logger)
	if err != nil {
		return err
	}
	r.logger.Debug("streaming chunk", "chunk", chunk.ID, "sizeBytes", reader.FileSize(), "resumeOffset", chunk.ResumeOffset)

	// The stream runs under its own context so any early return below
	// releases a blocked emitter and lets the goroutine close the file.
	streamCtx, stopStream := context.WithCancel(r.ctx)
	defer stopStream()

	out := make(chan model.Envelope, 32)
	streamErr := make(chan error, 1)
	go func() {
		streamErr <- reader.Stream(streamCtx, out)
		close(out)
	}()

	count := 0
	for env := range out {
		if env.Err != nil {
			r.EmitEvent(stats.Event{Stage: stats.StageRead, Type: stats.EventTypeMalformed, ChunkID: chunk.ID, Bytes: env.Bytes, Err: env.Err})
			continue
		}

		msg := env.Message
		if !r.msgFilter.Allows(msg) {
			r.EmitEvent(stats.Event{Stage: stats.StageRead, Type: stats.EventTypeFiltered, ChunkID: chunk.ID, MessageID: msg.MessageID, Bytes: msg.Size})
			continue
		}

		r.recon.Add(msg)
		r.EmitEvent(stats.Event{Stage: stats.StageRead, Type: stats.EventTypeParsed, ChunkID: chunk.ID, MessageID: msg.MessageID, Bytes: msg.Size})

		count++
		if count%progressEvery == 0 {
			if err := r.store.RecordProgress(r.ctx, chunk.ID, reader.Counters().Position); err != nil {
				return err
			}
		}
	}

	if err := <-streamErr; err != nil {
		return err
	}

	counters := reader.Counters()
	r.logger.Info("chunk processed",
		"chunk", chunk.ID,
		"messages", counters.MessagesProcessed,
		"bytes", counters.BytesRead,
		"malformed", counters.Errors)

	return r.store.RecordProgress(r.ctx, chunk.ID, counters.Position)
}

// writeThreads persists the reconstructed threads as the handoff file
// for downstream extraction.
func (r *Runner) writeThreads(threads []model.Thread) (string, error) {
	name := filepath.Base(r.cfg.MboxPath)
	base := strings.TrimSuffix(name, filepath.Ext(name))
	path := filepath.Join(r.cfg.OutputDir, base+"_threads.json")

	data, err := json.MarshalIndent(threads, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode threads: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write threads: %w", err)
	}
	return path, nil
}

func (r *Runner) closeEvents() {
	r.closeEventsOnce.Do(func() {
		close(r.events)
	})
}

func (r *Runner) fail(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
		r.cancel()
	}
	r.errMu.Unlock()
}

func (r *Runner) runErr() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}
