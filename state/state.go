package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/dhcgn/mbox-threader/model"
)

var (
	// ErrChunkNotFound is returned for operations on unknown chunk ids.
	ErrChunkNotFound = errors.New("chunk not found")
	// ErrChunkUnavailable is returned when a claim loses the race for a
	// chunk that another worker already transitioned out of pending.
	ErrChunkUnavailable = errors.New("chunk not claimable")
	// ErrNoPendingChunks is returned by ClaimNext when the queue is empty.
	ErrNoPendingChunks = errors.New("no pending chunks")
	// ErrInvalidTransition is returned when a transition is attempted
	// from a state that does not allow it.
	ErrInvalidTransition = errors.New("invalid status transition")
)

const chunkColumns = `chunk_id, archive_path, path, ordinal, size_bytes, message_count,
	date_start, date_end, content_hash, labels, status, resume_offset, processed_at`

// Store is the persistent chunk state machine, backed by SQLite so it
// survives process restarts. One instance serves a whole processing
// session; all workers share it.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore opens (or creates) the state database at the given path.
func NewStore(dbPath string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	db, err := sqlx.Connect("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("connect to state db: %w", err)
	}

	// WAL mode for concurrent worker access.
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS chunks (
			chunk_id TEXT PRIMARY KEY,
			archive_path TEXT NOT NULL,
			path TEXT NOT NULL,
			ordinal INTEGER NOT NULL,
			size_bytes INTEGER NOT NULL,
			message_count INTEGER NOT NULL,
			date_start TIMESTAMP,
			date_end TIMESTAMP,
			content_hash TEXT NOT NULL,
			labels TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL DEFAULT 'pending',
			resume_offset INTEGER NOT NULL DEFAULT 0,
			processed_at TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_chunks_status ON chunks(status);
		CREATE INDEX IF NOT EXISTS idx_chunks_archive ON chunks(archive_path);

		CREATE TABLE IF NOT EXISTS processing_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chunk_id TEXT NOT NULL,
			status TEXT NOT NULL,
			"offset" INTEGER,
			error TEXT,
			timestamp TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_log_chunk ON processing_log(chunk_id);
	`); err != nil {
		return nil, fmt.Errorf("create state schema: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Register upserts a chunk by id. Re-registration resets the per-run
// fields (status, resume offset, processed timestamp) but preserves the
// chunk's registration order.
func (s *Store) Register(ctx context.Context, chunk model.Chunk) error {
	labels, err := json.Marshal(chunk.Labels)
	if err != nil {
		return fmt.Errorf("encode labels: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chunks (`+chunkColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', 0, NULL)
		ON CONFLICT(chunk_id) DO UPDATE SET
			archive_path = excluded.archive_path,
			path = excluded.path,
			ordinal = excluded.ordinal,
			size_bytes = excluded.size_bytes,
			message_count = excluded.message_count,
			date_start = excluded.date_start,
			date_end = excluded.date_end,
			content_hash = excluded.content_hash,
			labels = excluded.labels,
			status = 'pending',
			resume_offset = 0,
			processed_at = NULL
	`, chunk.ID, chunk.ArchivePath, chunk.Path, chunk.Ordinal, chunk.SizeBytes,
		chunk.MessageCount, chunk.DateStart, chunk.DateEnd, chunk.ContentHash, string(labels))
	if err != nil {
		return fmt.Errorf("register chunk %s: %w", chunk.ID, err)
	}

	return s.appendLog(ctx, chunk.ID, model.StatusPending, nil, "")
}

// Claim atomically transitions a chunk from pending to processing and
// sets its resume offset. Losing the race against another worker yields
// ErrChunkUnavailable; the caller should pick another chunk.
func (s *Store) Claim(ctx context.Context, chunkID string, offset int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chunks SET status = ?, resume_offset = ? WHERE chunk_id = ? AND status = ?`,
		model.StatusProcessing, offset, chunkID, model.StatusPending)
	if err != nil {
		return fmt.Errorf("claim chunk %s: %w", chunkID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("claim chunk %s: %w", chunkID, err)
	}
	if rows == 0 {
		if !s.exists(ctx, chunkID) {
			return ErrChunkNotFound
		}
		return ErrChunkUnavailable
	}

	return s.appendLog(ctx, chunkID, model.StatusProcessing, &offset, "")
}

// ClaimNext selects and claims the next pending chunk in one loop:
// earliest date-range start (nulls last) or smallest size, registration
// order breaking ties. A lost claim race falls through to the next
// candidate. Returns ErrNoPendingChunks when the queue is empty.
func (s *Store) ClaimNext(ctx context.Context, orderBy string, preserveOffset bool) (*model.Chunk, error) {
	var order string
	switch orderBy {
	case "size":
		order = "size_bytes ASC, rowid ASC"
	default:
		order = "date_start IS NULL, date_start ASC, rowid ASC"
	}

	for {
		var row chunkRow
		err := s.db.GetContext(ctx, &row,
			`SELECT `+chunkColumns+` FROM chunks WHERE status = ? ORDER BY `+order+` LIMIT 1`,
			model.StatusPending)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoPendingChunks
		}
		if err != nil {
			return nil, fmt.Errorf("select next chunk: %w", err)
		}

		offset := int64(0)
		if preserveOffset {
			offset = row.ResumeOffset
		}

		err = s.Claim(ctx, row.ChunkID, offset)
		if errors.Is(err, ErrChunkUnavailable) || errors.Is(err, ErrChunkNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}

		chunk := row.toModel()
		chunk.Status = model.StatusProcessing
		chunk.ResumeOffset = offset
		return &chunk, nil
	}
}

// RecordProgress checkpoints the resume offset of a processing chunk.
func (s *Store) RecordProgress(ctx context.Context, chunkID string, offset int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chunks SET resume_offset = ? WHERE chunk_id = ? AND status = ?`,
		offset, chunkID, model.StatusProcessing)
	if err != nil {
		return fmt.Errorf("record progress for %s: %w", chunkID, err)
	}
	if err := s.requireAffected(ctx, res, chunkID); err != nil {
		return err
	}
	return s.appendLog(ctx, chunkID, model.StatusProcessing, &offset, "")
}

// Complete transitions a processing chunk to completed.
func (s *Store) Complete(ctx context.Context, chunkID string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE chunks SET status = ?, processed_at = ? WHERE chunk_id = ? AND status = ?`,
		model.StatusCompleted, now, chunkID, model.StatusProcessing)
	if err != nil {
		return fmt.Errorf("complete chunk %s: %w", chunkID, err)
	}
	if err := s.requireAffected(ctx, res, chunkID); err != nil {
		return err
	}
	return s.appendLog(ctx, chunkID, model.StatusCompleted, nil, "")
}

// Fail transitions a processing chunk to failed. The recorded resume
// offset is left in place for inspection; a reset clears it.
func (s *Store) Fail(ctx context.Context, chunkID string, errorMessage string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chunks SET status = ? WHERE chunk_id = ? AND status = ?`,
		model.StatusFailed, chunkID, model.StatusProcessing)
	if err != nil {
		return fmt.Errorf("fail chunk %s: %w", chunkID, err)
	}
	if err := s.requireAffected(ctx, res, chunkID); err != nil {
		return err
	}
	return s.appendLog(ctx, chunkID, model.StatusFailed, nil, errorMessage)
}

// Reset returns a completed or failed chunk to pending for retry,
// clearing its resume offset and processed timestamp.
func (s *Store) Reset(ctx context.Context, chunkID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chunks SET status = ?, resume_offset = 0, processed_at = NULL
		 WHERE chunk_id = ? AND status IN (?, ?)`,
		model.StatusPending, chunkID, model.StatusCompleted, model.StatusFailed)
	if err != nil {
		return fmt.Errorf("reset chunk %s: %w", chunkID, err)
	}
	if err := s.requireAffected(ctx, res, chunkID); err != nil {
		return err
	}
	return s.appendLog(ctx, chunkID, model.StatusPending, nil, "")
}

// Requeue returns an interrupted processing chunk to pending while
// keeping its resume offset, so the next claim continues where the
// previous session stopped.
func (s *Store) Requeue(ctx context.Context, chunkID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chunks SET status = ? WHERE chunk_id = ? AND status = ?`,
		model.StatusPending, chunkID, model.StatusProcessing)
	if err != nil {
		return fmt.Errorf("requeue chunk %s: %w", chunkID, err)
	}
	if err := s.requireAffected(ctx, res, chunkID); err != nil {
		return err
	}
	return s.appendLog(ctx, chunkID, model.StatusPending, nil, "")
}

// Get returns a single chunk by id.
func (s *Store) Get(ctx context.Context, chunkID string) (*model.Chunk, error) {
	var row chunkRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+chunkColumns+` FROM chunks WHERE chunk_id = ?`, chunkID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrChunkNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get chunk %s: %w", chunkID, err)
	}
	chunk := row.toModel()
	return &chunk, nil
}

// GetByArchive returns all chunks of one archive in registration order.
func (s *Store) GetByArchive(ctx context.Context, archivePath string) ([]model.Chunk, error) {
	var rows []chunkRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+chunkColumns+` FROM chunks WHERE archive_path = ? ORDER BY rowid ASC`, archivePath)
	if err != nil {
		return nil, fmt.Errorf("get chunks for %s: %w", archivePath, err)
	}
	chunks := make([]model.Chunk, 0, len(rows))
	for _, row := range rows {
		chunks = append(chunks, row.toModel())
	}
	return chunks, nil
}

// GetLog returns all transitions of a chunk in chronological order.
func (s *Store) GetLog(ctx context.Context, chunkID string) ([]model.ProcessingLogEntry, error) {
	var rows []logRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT chunk_id, status, "offset", error, timestamp FROM processing_log
		 WHERE chunk_id = ? ORDER BY id ASC`, chunkID)
	if err != nil {
		return nil, fmt.Errorf("get log for %s: %w", chunkID, err)
	}
	entries := make([]model.ProcessingLogEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, row.toModel())
	}
	return entries, nil
}

// GetResumePoint returns the last recorded offset of a chunk, 0 if none
// was ever recorded.
func (s *Store) GetResumePoint(ctx context.Context, chunkID string) (int64, error) {
	var offset int64
	err := s.db.GetContext(ctx, &offset,
		`SELECT resume_offset FROM chunks WHERE chunk_id = ?`, chunkID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrChunkNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("get resume point for %s: %w", chunkID, err)
	}
	return offset, nil
}

// GetStats returns chunk counts by status.
func (s *Store) GetStats(ctx context.Context) (map[model.ChunkStatus]int, error) {
	rows, err := s.db.QueryxContext(ctx, `SELECT status, COUNT(*) FROM chunks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("get stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[model.ChunkStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		stats[model.ChunkStatus(status)] = count
	}
	return stats, rows.Err()
}

// ClearAll wipes chunks and the processing log. Destructive; used only
// for full-reset scenarios, never by normal processing.
func (s *Store) ClearAll(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM processing_log`); err != nil {
		return fmt.Errorf("clear processing log: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chunks`); err != nil {
		return fmt.Errorf("clear chunks: %w", err)
	}
	if s.logger != nil {
		s.logger.Warn("chunk state cleared")
	}
	return nil
}

func (s *Store) appendLog(ctx context.Context, chunkID string, status model.ChunkStatus, offset *int64, errorMessage string) error {
	var errVal interface{}
	if errorMessage != "" {
		errVal = errorMessage
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO processing_log (chunk_id, status, "offset", error, timestamp)
		 VALUES (?, ?, ?, ?, ?)`,
		chunkID, status, offset, errVal, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("append log for %s: %w", chunkID, err)
	}
	return nil
}

func (s *Store) requireAffected(ctx context.Context, res sql.Result, chunkID string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check transition for %s: %w", chunkID, err)
	}
	if rows == 0 {
		if !s.exists(ctx, chunkID) {
			return ErrChunkNotFound
		}
		return ErrInvalidTransition
	}
	return nil
}

func (s *Store) exists(ctx context.Context, chunkID string) bool {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM chunks WHERE chunk_id = ?`, chunkID); err != nil {
		return false
	}
	return n > 0
}

type chunkRow struct {
	ChunkID      string     `db:"chunk_id"`
	ArchivePath  string     `db:"archive_path"`
	Path         string     `db:"path"`
	Ordinal      int        `db:"ordinal"`
	SizeBytes    int64      `db:"size_bytes"`
	MessageCount int        `db:"message_count"`
	DateStart    *time.Time `db:"date_start"`
	DateEnd      *time.Time `db:"date_end"`
	ContentHash  string     `db:"content_hash"`
	Labels       string     `db:"labels"`
	Status       string     `db:"status"`
	ResumeOffset int64      `db:"resume_offset"`
	ProcessedAt  *time.Time `db:"processed_at"`
}

func (r chunkRow) toModel() model.Chunk {
	var labels []string
	// Corrupt label data degrades to an empty set, never an error.
	_ = json.Unmarshal([]byte(r.Labels), &labels)
	if labels == nil {
		labels = []string{}
	}
	return model.Chunk{
		ID:           r.ChunkID,
		ArchivePath:  r.ArchivePath,
		Path:         r.Path,
		Ordinal:      r.Ordinal,
		SizeBytes:    r.SizeBytes,
		MessageCount: r.MessageCount,
		DateStart:    r.DateStart,
		DateEnd:      r.DateEnd,
		ContentHash:  r.ContentHash,
		Labels:       labels,
		Status:       model.ChunkStatus(r.Status),
		ResumeOffset: r.ResumeOffset,
		ProcessedAt:  r.ProcessedAt,
	}
}

type logRow struct {
	ChunkID   string         `db:"chunk_id"`
	Status    string         `db:"status"`
	Offset    sql.NullInt64  `db:"offset"`
	Error     sql.NullString `db:"error"`
	Timestamp time.Time      `db:"timestamp"`
}

func (r logRow) toModel() model.ProcessingLogEntry {
	entry := model.ProcessingLogEntry{
		ChunkID:   r.ChunkID,
		Status:    model.ChunkStatus(r.Status),
		Timestamp: r.Timestamp,
	}
	if r.Offset.Valid {
		offset := r.Offset.Int64
		entry.Offset = &offset
	}
	if r.Error.Valid {
		errMsg := r.Error.String
		entry.Error = &errMsg
	}
	return entry
}
