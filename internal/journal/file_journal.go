package journal

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// DefaultPath is the journal location used when none is configured
const DefaultPath = "data/queue.jsonl"

// FileJournal is a JSONL journal: one entry per line, appended under a mutex
// so concurrent callers never interleave partial writes.
type FileJournal struct {
	path   string
	file   *os.File
	sync   bool
	logger *slog.Logger
	ops    fileOps
	mu     sync.Mutex
	closed bool
	broken error
	stats  statsTracker
}

// fileOps are the file calls appends and compaction make; tests swap them
// to simulate failing disks
type fileOps struct {
	write    func(*os.File, []byte) (int, error)
	truncate func(*os.File, int64) error
	open     func(path string) (*os.File, error)
}

var osFileOps = fileOps{
	write:    (*os.File).Write,
	truncate: (*os.File).Truncate,
	open:     openAppend,
}

// FileOption configures a FileJournal or FileDeadLetterStore
type FileOption func(*fileOptions)

type fileOptions struct {
	sync   bool
	logger *slog.Logger
}

// WithSync controls whether every append is fsynced before returning
func WithSync(enabled bool) FileOption {
	return func(o *fileOptions) {
		o.sync = enabled
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) FileOption {
	return func(o *fileOptions) {
		o.logger = logger
	}
}

func buildFileOptions(opts []FileOption) fileOptions {
	o := fileOptions{sync: true, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// OpenFile opens (creating if needed) the journal at path. A torn final line
// left behind by a crash mid-write is truncated away.
func OpenFile(path string, opts ...FileOption) (*FileJournal, error) {
	o := buildFileOptions(opts)

	file, err := openAppend(path)
	if err != nil {
		return nil, err
	}

	j := &FileJournal{
		path:   path,
		file:   file,
		sync:   o.sync,
		logger: o.logger,
		ops:    osFileOps,
	}
	j.stats.stats.Path = path

	if err := j.repairTail(); err != nil {
		file.Close()
		return nil, err
	}
	return j, nil
}

func openAppend(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &IOError{Op: "mkdir", Path: dir, Err: err}
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, &IOError{Op: "open", Path: path, Err: err}
	}
	return file, nil
}

// Path returns the journal file location
func (j *FileJournal) Path() string {
	return j.path
}

// Append implements Journal
func (j *FileJournal) Append(ctx context.Context, entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("entry cannot be nil")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal journal entry: %w", err)
	}
	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}
	if j.broken != nil {
		err = &IOError{Op: "append", Path: j.path, Err: fmt.Errorf("%w: %w", ErrBroken, j.broken)}
		j.stats.record(entry, err)
		return err
	}

	err = appendLine(j.file, j.path, line, j.sync, j.ops, func(cause error) {
		j.broken = cause
		j.logger.Error("Journal left with a partial line, refusing further appends",
			"path", j.path,
			"error", cause)
	})
	j.stats.record(entry, err)
	return err
}

// appendLine writes one line at the end of file. A failed write or sync cuts
// the file back to its previous size so the next line starts on a clean
// boundary; if that truncate fails too, broken is called with the cause.
func appendLine(file *os.File, path string, line []byte, fsync bool, ops fileOps, broken func(error)) error {
	info, err := file.Stat()
	if err != nil {
		return &IOError{Op: "stat", Path: path, Err: err}
	}
	offset := info.Size()

	var failed *IOError
	if n, err := ops.write(file, line); err != nil {
		failed = &IOError{Op: "append", Path: path, Err: err}
	} else if n < len(line) {
		failed = &IOError{Op: "append", Path: path, Err: io.ErrShortWrite}
	} else if fsync {
		if err := file.Sync(); err != nil {
			failed = &IOError{Op: "sync", Path: path, Err: err}
		}
	}
	if failed == nil {
		return nil
	}

	if err := ops.truncate(file, offset); err != nil {
		broken(fmt.Errorf("truncate to %d after failed %s: %w", offset, failed.Op, err))
	}
	return failed
}

// Replay implements Journal
func (j *FileJournal) Replay(ctx context.Context) iter.Seq2[*Entry, error] {
	return replayFile(ctx, j.path, func(line []byte) (*Entry, error) {
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, err
		}
		return &entry, nil
	})
}

// replayFile streams decoded lines of a JSONL file. Blank lines are skipped;
// a missing file yields nothing.
func replayFile[T any](ctx context.Context, path string, decode func([]byte) (T, error)) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T

		file, err := os.Open(path)
		if errors.Is(err, os.ErrNotExist) {
			return
		}
		if err != nil {
			yield(zero, &IOError{Op: "open", Path: path, Err: err})
			return
		}
		defer file.Close()

		reader := bufio.NewReader(file)
		for lineNo := 1; ; lineNo++ {
			if err := ctx.Err(); err != nil {
				yield(zero, err)
				return
			}

			line, readErr := reader.ReadBytes('\n')
			if readErr != nil && !errors.Is(readErr, io.EOF) {
				yield(zero, &IOError{Op: "read", Path: path, Err: readErr})
				return
			}

			trimmed := bytes.TrimSpace(line)
			if len(trimmed) > 0 {
				item, err := decode(trimmed)
				if err != nil {
					yield(zero, &CorruptEntryError{Path: path, Line: lineNo, Err: err})
					return
				}
				if !yield(item, nil) {
					return
				}
			}

			if errors.Is(readErr, io.EOF) {
				return
			}
		}
	}
}

// Rewrite implements Journal. Entries go to a temporary file that is fsynced
// and renamed over the journal, so a crash leaves either the old or the new
// journal in place.
func (j *FileJournal) Rewrite(ctx context.Context, entries []*Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}

	tmpPath := j.path + ".compact"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return &IOError{Op: "rewrite", Path: tmpPath, Err: err}
	}

	writer := bufio.NewWriter(tmp)
	for _, entry := range entries {
		line, err := json.Marshal(entry)
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("failed to marshal journal entry: %w", err)
		}
		writer.Write(line)
		writer.WriteByte('\n')
	}
	if err := writer.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return &IOError{Op: "rewrite", Path: tmpPath, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return &IOError{Op: "sync", Path: tmpPath, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return &IOError{Op: "rewrite", Path: tmpPath, Err: err}
	}

	if err := os.Rename(tmpPath, j.path); err != nil {
		os.Remove(tmpPath)
		return &IOError{Op: "rename", Path: j.path, Err: err}
	}

	file, err := j.ops.open(j.path)
	if err != nil {
		// The old handle points at the replaced file; appends to it would be lost.
		j.broken = fmt.Errorf("reopen after compaction: %w", err)
		j.logger.Error("Failed to reopen compacted journal, refusing further appends",
			"path", j.path,
			"error", err)
		return err
	}
	j.file.Close()
	j.file = file
	j.broken = nil

	j.logger.Info("journal compacted", "path", j.path, "entries", len(entries))
	return nil
}

// Stats implements Journal
func (j *FileJournal) Stats() Stats {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stats.snapshot()
}

// Close implements Journal
func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true
	if err := j.file.Close(); err != nil {
		return &IOError{Op: "close", Path: j.path, Err: err}
	}
	return nil
}

// repairTail truncates a trailing partial line; a complete final record
// that only lacks its newline is kept.
func (j *FileJournal) repairTail() error {
	return repairTail(j.file, j.path, j.logger)
}

func repairTail(file *os.File, path string, logger *slog.Logger) error {
	info, err := file.Stat()
	if err != nil {
		return &IOError{Op: "stat", Path: path, Err: err}
	}
	size := info.Size()
	if size == 0 {
		return nil
	}

	last := make([]byte, 1)
	if _, err := file.ReadAt(last, size-1); err != nil {
		return &IOError{Op: "read", Path: path, Err: err}
	}
	if last[0] == '\n' {
		return nil
	}

	// Walk back to the previous newline.
	const chunk = 4096
	keep := int64(0)
	for end := size; end > 0; {
		start := end - chunk
		if start < 0 {
			start = 0
		}
		buf := make([]byte, end-start)
		if _, err := file.ReadAt(buf, start); err != nil && !errors.Is(err, io.EOF) {
			return &IOError{Op: "read", Path: path, Err: err}
		}
		if idx := bytes.LastIndexByte(buf, '\n'); idx >= 0 {
			keep = start + int64(idx) + 1
			break
		}
		end = start
	}

	tail := make([]byte, size-keep)
	if _, err := file.ReadAt(tail, keep); err != nil && !errors.Is(err, io.EOF) {
		return &IOError{Op: "read", Path: path, Err: err}
	}
	if json.Valid(bytes.TrimSpace(tail)) {
		// Complete record that only lacks its newline.
		if _, err := file.Write([]byte{'\n'}); err != nil {
			return &IOError{Op: "append", Path: path, Err: err}
		}
		return nil
	}

	if err := file.Truncate(keep); err != nil {
		return &IOError{Op: "truncate", Path: path, Err: err}
	}
	logger.Warn("truncated torn journal tail", "path", path, "droppedBytes", size-keep)
	return nil
}
