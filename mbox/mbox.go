package mbox

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dhcgn/mbox-threader/model"
)

var mboxDelimiter = []byte("From ")

// transportThreadHeader is the provider-assigned conversation id found in
// Gmail takeout exports.
const transportThreadHeader = "X-Gm-Thrid"

// Options configure a single streaming read of one chunk file.
type Options struct {
	Path string
	// ResumeOffset skips all bytes before this position; nothing below
	// it is parsed or yielded.
	ResumeOffset int64
	BufferSize   int
	// SkipMalformed emits parse failures as error envelopes and keeps
	// going. When false the first failure stops the stream.
	SkipMalformed bool
}

// Counters is a point-in-time snapshot of a reader's progress.
type Counters struct {
	MessagesProcessed int64
	BytesRead         int64
	Errors            int64
	// Position is the byte offset up to which messages have been fully
	// consumed; safe to record as a resume point.
	Position int64
}

// Reader lazily produces parsed messages from one chunk file. A reader is
// single-use; construct a fresh one to resume.
type Reader struct {
	opts     Options
	logger   *slog.Logger
	fileSize int64

	messages atomic.Int64
	bytes    atomic.Int64
	errors   atomic.Int64
	position atomic.Int64
}

// NewReader validates the chunk path and prepares a streaming reader.
func NewReader(opts Options, logger *slog.Logger) (*Reader, error) {
	if strings.TrimSpace(opts.Path) == "" {
		return nil, fmt.Errorf("chunk path is empty")
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1024 * 1024
	}

	info, err := os.Stat(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("stat chunk: %w", err)
	}

	r := &Reader{opts: opts, logger: logger, fileSize: info.Size()}
	r.position.Store(opts.ResumeOffset)
	return r, nil
}

// FileSize returns the chunk file size, for percent-complete reporting.
func (r *Reader) FileSize() int64 {
	return r.fileSize
}

// Counters returns a snapshot of the running counters.
func (r *Reader) Counters() Counters {
	return Counters{
		MessagesProcessed: r.messages.Load(),
		BytesRead:         r.bytes.Load(),
		Errors:            r.errors.Load(),
		Position:          r.position.Load(),
	}
}

// Stream reads the chunk line by line and sends one envelope per message
// block. A malformed block is isolated into an error envelope; it never
// corrupts parsing of subsequent blocks.
func (r *Reader) Stream(ctx context.Context, out chan<- model.Envelope) error {
	file, err := os.Open(r.opts.Path)
	if err != nil {
		return fmt.Errorf("open chunk: %w", err)
	}
	defer file.Close()

	reader := bufio.NewReaderSize(file, r.opts.BufferSize)

	var (
		block      bytes.Buffer
		blockStart int64
		offset     int64
		inBlock    bool
	)

	emitBlock := func(nextStart int64) error {
		if !inBlock || block.Len() == 0 {
			return nil
		}
		raw := make([]byte, block.Len())
		copy(raw, block.Bytes())
		block.Reset()
		inBlock = false

		msg, parseErr := r.parseMessage(raw)
		r.bytes.Add(int64(len(raw)))
		r.position.Store(nextStart)

		if parseErr != nil {
			r.errors.Add(1)
			if r.logger != nil {
				r.logger.Warn("malformed message skipped", "chunk", r.opts.Path, "offset", blockStart, "err", parseErr)
			}
			if !r.opts.SkipMalformed {
				return fmt.Errorf("message at offset %d: %w", blockStart, parseErr)
			}
			return r.emit(ctx, out, model.Envelope{Bytes: int64(len(raw)), Err: fmt.Errorf("message at offset %d: %w", blockStart, parseErr)})
		}

		r.messages.Add(1)
		return r.emit(ctx, out, model.Envelope{Message: msg, Bytes: int64(len(raw))})
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		line, readErr := reader.ReadBytes('\n')
		if len(line) > 0 {
			lineStart := offset
			offset += int64(len(line))

			// Resume: bytes below the recorded offset were already
			// consumed in a previous run.
			if lineStart < r.opts.ResumeOffset {
				if readErr == io.EOF {
					break
				}
				if readErr != nil {
					return fmt.Errorf("read chunk: %w", readErr)
				}
				continue
			}

			if bytes.HasPrefix(line, mboxDelimiter) {
				if err := emitBlock(lineStart); err != nil {
					return err
				}
				blockStart = lineStart
				inBlock = true
			}
			if inBlock {
				block.Write(line)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("read chunk: %w", readErr)
		}
	}

	return emitBlock(offset)
}

func (r *Reader) emit(ctx context.Context, out chan<- model.Envelope, env model.Envelope) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- env:
		return nil
	}
}

// parseMessage turns one raw mbox block (including its leading delimiter
// line) into a structured message.
func (r *Reader) parseMessage(raw []byte) (model.Message, error) {
	content := stripDelimiterLine(raw)

	msg, err := mail.ReadMessage(bytes.NewReader(content))
	if err != nil {
		return model.Message{}, err
	}

	h := msg.Header

	date, err := mail.ParseDate(h.Get("Date"))
	if err != nil || date.IsZero() {
		date = time.Now().UTC()
		if r.logger != nil {
			r.logger.Warn("message has no parseable date, using now", "chunk", r.opts.Path)
		}
	}

	messageID := trimMessageID(h.Get("Message-Id"))
	if messageID == "" {
		messageID = trimMessageID(h.Get("Message-ID"))
	}
	if messageID == "" {
		messageID = fmt.Sprintf("generated-%s@local.invalid", uuid.NewString())
	}

	parsed := model.Message{
		MessageID:         messageID,
		From:              firstAddress(h.Get("From")),
		To:                parseAddressList(h.Get("To")),
		Cc:                parseAddressList(h.Get("Cc")),
		Bcc:               parseAddressList(h.Get("Bcc")),
		Subject:           decodeHeaderWords(h.Get("Subject")),
		Date:              date,
		References:        splitMessageIDs(h.Get("References")),
		InReplyTo:         firstMessageID(h.Get("In-Reply-To")),
		TransportThreadID: h.Get(transportThreadHeader),
		Headers:           map[string][]string(h),
		Size:              int64(len(raw)),
	}

	if err := r.parseBody(msg, &parsed); err != nil {
		return model.Message{}, err
	}

	return parsed, nil
}

// parseBody fills text/html bodies and attachment metadata. Body decoding
// failures degrade to an empty body, never to a message-level error.
func (r *Reader) parseBody(msg *mail.Message, parsed *model.Message) error {
	contentType := msg.Header.Get("Content-Type")
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = "text/plain"
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return fmt.Errorf("multipart message without boundary")
		}
		mr := multipart.NewReader(msg.Body, boundary)
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				// A broken part list ends body extraction but keeps
				// what was already collected.
				return nil
			}
			r.consumePart(part, parsed)
		}
	}

	body, err := io.ReadAll(decodeTransfer(msg.Body, msg.Header.Get("Content-Transfer-Encoding")))
	if err != nil {
		return nil
	}
	if strings.Contains(mediaType, "html") {
		parsed.BodyHTML = string(body)
	} else {
		parsed.BodyText = string(body)
	}
	return nil
}

func (r *Reader) consumePart(part *multipart.Part, parsed *model.Message) {
	defer part.Close()

	partType, _, _ := mime.ParseMediaType(part.Header.Get("Content-Type"))
	disposition, dispParams, _ := mime.ParseMediaType(part.Header.Get("Content-Disposition"))

	filename := part.FileName()
	if filename == "" {
		filename = dispParams["filename"]
	}

	if disposition == "attachment" || (filename != "" && disposition != "") {
		size, _ := io.Copy(io.Discard, decodeTransfer(part, part.Header.Get("Content-Transfer-Encoding")))
		parsed.Attachments = append(parsed.Attachments, model.Attachment{
			Filename:    filename,
			ContentType: partType,
			Size:        size,
			Inline:      disposition == "inline",
		})
		return
	}

	body, err := io.ReadAll(decodeTransfer(part, part.Header.Get("Content-Transfer-Encoding")))
	if err != nil {
		return
	}

	switch {
	case strings.HasPrefix(partType, "text/plain") && parsed.BodyText == "":
		parsed.BodyText = string(body)
	case strings.HasPrefix(partType, "text/html") && parsed.BodyHTML == "":
		parsed.BodyHTML = string(body)
	}
}

func decodeTransfer(r io.Reader, encoding string) io.Reader {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "quoted-printable":
		return quotedprintable.NewReader(r)
	case "base64":
		return base64.NewDecoder(base64.StdEncoding, r)
	default:
		return r
	}
}

func stripDelimiterLine(raw []byte) []byte {
	if !bytes.HasPrefix(raw, mboxDelimiter) {
		return raw
	}
	if idx := bytes.IndexByte(raw, '\n'); idx >= 0 {
		return raw[idx+1:]
	}
	return nil
}

func firstAddress(value string) model.Address {
	addrs := parseAddressList(value)
	if len(addrs) == 0 {
		return model.Address{}
	}
	return addrs[0]
}

// parseAddressList lower-cases the address while keeping the display
// name as written. Unparseable lists degrade to the raw value.
func parseAddressList(value string) []model.Address {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}

	parsed, err := mail.ParseAddressList(value)
	if err != nil {
		return []model.Address{{Email: strings.ToLower(value)}}
	}

	addrs := make([]model.Address, 0, len(parsed))
	for _, a := range parsed {
		addrs = append(addrs, model.Address{
			Email: strings.ToLower(a.Address),
			Name:  a.Name,
		})
	}
	return addrs
}

func decodeHeaderWords(value string) string {
	dec := mime.WordDecoder{}
	decoded, err := dec.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}

func trimMessageID(value string) string {
	return strings.Trim(strings.TrimSpace(value), "<>")
}

// splitMessageIDs normalizes a References header into a list even when
// the source used a single value.
func splitMessageIDs(value string) []string {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return nil
	}
	ids := make([]string, 0, len(fields))
	for _, f := range fields {
		if id := trimMessageID(f); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func firstMessageID(value string) string {
	ids := splitMessageIDs(value)
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}
