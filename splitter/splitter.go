package splitter

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dhcgn/mbox-threader/model"
)

var mboxDelimiter = []byte("From ")

// Options control how an archive is split into chunks.
type Options struct {
	// ChunkSizeBytes is the target chunk size. Zero or negative means
	// unlimited, producing a single chunk.
	ChunkSizeBytes int64
	// OutputDir receives chunk files and the manifest sidecar. Empty
	// means the archive's own directory.
	OutputDir string
	// BufferSize is the read buffer granularity.
	BufferSize int
}

// Planner splits one mbox archive into size-bounded chunk files without
// ever splitting a message across a chunk boundary.
type Planner struct {
	opts   Options
	logger *slog.Logger
}

func NewPlanner(opts Options, logger *slog.Logger) *Planner {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1024 * 1024
	}
	return &Planner{opts: opts, logger: logger}
}

// Split streams the archive line by line, flushing whole messages into
// chunk files, and returns the manifest. The manifest is also persisted
// as a sidecar file next to the chunks. Any I/O error aborts the split.
func (p *Planner) Split(ctx context.Context, archivePath string) (*model.ArchiveManifest, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat archive: %w", err)
	}

	outputDir := p.opts.OutputDir
	if outputDir == "" {
		outputDir = filepath.Dir(archivePath)
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	target := p.opts.ChunkSizeBytes
	if target <= 0 {
		target = math.MaxInt64
	}

	base, ext := splitName(archivePath)

	var (
		chunks     []model.Chunk
		chunk      bytes.Buffer
		chunkMsgs  int
		chunkStart *time.Time
		chunkEnd   *time.Time
		msg        bytes.Buffer
		msgDate    *time.Time
		inHeaders  bool
		ordinal    int
	)

	flushChunk := func() error {
		if chunk.Len() == 0 {
			return nil
		}
		ordinal++
		name := fmt.Sprintf("%s_chunk_%03d%s", base, ordinal, ext)
		path := filepath.Join(outputDir, name)
		if err := os.WriteFile(path, chunk.Bytes(), 0o644); err != nil {
			return fmt.Errorf("write chunk %s: %w", name, err)
		}
		written, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("stat chunk %s: %w", name, err)
		}
		sum := sha256.Sum256(chunk.Bytes())

		chunks = append(chunks, model.Chunk{
			ID:           fmt.Sprintf("%s_chunk_%03d", base, ordinal),
			ArchivePath:  archivePath,
			Path:         path,
			Ordinal:      ordinal,
			SizeBytes:    written.Size(),
			MessageCount: chunkMsgs,
			DateStart:    chunkStart,
			DateEnd:      chunkEnd,
			ContentHash:  hex.EncodeToString(sum[:]),
			Labels:       []string{},
			Status:       model.StatusPending,
		})

		if p.logger != nil {
			p.logger.Debug("chunk flushed", "path", path, "sizeBytes", written.Size(), "messages", chunkMsgs)
		}

		chunk.Reset()
		chunkMsgs = 0
		chunkStart = nil
		chunkEnd = nil
		return nil
	}

	endMessage := func() error {
		if msg.Len() == 0 {
			return nil
		}
		if chunkMsgs >= 1 && int64(chunk.Len())+int64(msg.Len()) > target {
			if err := flushChunk(); err != nil {
				return err
			}
		}
		chunk.Write(msg.Bytes())
		chunkMsgs++
		if msgDate != nil {
			if chunkStart == nil || msgDate.Before(*chunkStart) {
				d := *msgDate
				chunkStart = &d
			}
			if chunkEnd == nil || msgDate.After(*chunkEnd) {
				d := *msgDate
				chunkEnd = &d
			}
		}
		msg.Reset()
		msgDate = nil
		return nil
	}

	reader := bufio.NewReaderSize(file, p.opts.BufferSize)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		line, readErr := reader.ReadBytes('\n')
		if len(line) > 0 {
			if bytes.HasPrefix(line, mboxDelimiter) {
				if err := endMessage(); err != nil {
					return nil, err
				}
				inHeaders = true
			} else if inHeaders {
				if isBlankLine(line) {
					inHeaders = false
				} else if msgDate == nil && bytes.HasPrefix(line, []byte("Date:")) {
					// A malformed date only degrades the chunk's
					// range metadata, never the split.
					if t, err := mail.ParseDate(strings.TrimSpace(string(line[len("Date:"):]))); err == nil {
						msgDate = &t
					}
				}
			}
			msg.Write(line)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, fmt.Errorf("read archive: %w", readErr)
		}
	}
	if err := endMessage(); err != nil {
		return nil, err
	}
	if err := flushChunk(); err != nil {
		return nil, err
	}

	originalHash, err := hashFile(archivePath)
	if err != nil {
		return nil, fmt.Errorf("hash archive: %w", err)
	}

	manifest := &model.ArchiveManifest{
		OriginalFile:      archivePath,
		OriginalSizeBytes: info.Size(),
		OriginalHash:      originalHash,
		Chunks:            chunks,
		SplitTimestamp:    time.Now().UTC(),
	}

	manifestPath := ManifestPath(archivePath, outputDir)
	if err := saveManifest(manifestPath, manifest); err != nil {
		return nil, err
	}

	if p.logger != nil {
		p.logger.Info("archive split",
			"archive", archivePath,
			"chunks", len(chunks),
			"sizeBytes", info.Size(),
			"manifest", manifestPath)
	}

	return manifest, nil
}

// ValidateSplit concatenates the chunk files in order, hashes the result
// and compares it against the original archive hash. A mismatch is a
// false return, not an error; errors are reserved for I/O failures.
func (p *Planner) ValidateSplit(archivePath string, chunkPaths []string) (bool, error) {
	originalHash, err := hashFile(archivePath)
	if err != nil {
		return false, fmt.Errorf("hash archive: %w", err)
	}

	hasher := sha256.New()
	for _, path := range chunkPaths {
		file, err := os.Open(path)
		if err != nil {
			return false, fmt.Errorf("open chunk %s: %w", path, err)
		}
		_, copyErr := io.Copy(hasher, file)
		closeErr := file.Close()
		if copyErr != nil {
			return false, fmt.Errorf("read chunk %s: %w", path, copyErr)
		}
		if closeErr != nil {
			return false, fmt.Errorf("close chunk %s: %w", path, closeErr)
		}
	}

	return hex.EncodeToString(hasher.Sum(nil)) == originalHash, nil
}

// ManifestPath returns the sidecar manifest path for an archive.
func ManifestPath(archivePath, outputDir string) string {
	base, _ := splitName(archivePath)
	if outputDir == "" {
		outputDir = filepath.Dir(archivePath)
	}
	return filepath.Join(outputDir, base+"_metadata.json")
}

// LoadManifest reads a previously persisted manifest sidecar.
func LoadManifest(path string) (*model.ArchiveManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var manifest model.ArchiveManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &manifest, nil
}

func saveManifest(path string, manifest *model.ArchiveManifest) error {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

func hashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func splitName(archivePath string) (base, ext string) {
	name := filepath.Base(archivePath)
	ext = filepath.Ext(name)
	return strings.TrimSuffix(name, ext), ext
}

func isBlankLine(line []byte) bool {
	return len(bytes.TrimRight(line, "\r\n")) == 0
}
