package workspace

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	historyFile    = "history.jsonl"
	memoryFile     = "MEMORY.md"
	memoryBackup   = "MEMORY.md.bak"
	frontMatterSep = "---\n"
)

// FileBackend keeps each workspace as plain files under baseDir/<name>/:
// history.jsonl (one entry per line) and MEMORY.md, whose YAML front matter
// carries the version metadata.
type FileBackend struct {
	baseDir string
	logger  *slog.Logger
}

// NewFileBackend creates a file-backed workspace backend rooted at baseDir.
func NewFileBackend(baseDir string, logger *slog.Logger) *FileBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileBackend{baseDir: baseDir, logger: logger.With("component", "workspace-files")}
}

type memoryHeader struct {
	Version         int64  `yaml:"version"`
	LastCompactedAt string `yaml:"last_compacted_at,omitempty"`
	UpdatedAt       string `yaml:"updated_at,omitempty"`
}

func (b *FileBackend) path(workspace, name string) string {
	return filepath.Join(b.baseDir, workspace, name)
}

// Recover truncates a torn trailing line left by a crash mid-append and
// returns the last complete sequence.
func (b *FileBackend) Recover(ctx context.Context, workspace string) (int64, error) {
	path := b.path(workspace, historyFile)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read history: %w", err)
	}

	if n := len(data); n > 0 && data[n-1] != '\n' {
		keep := bytes.LastIndexByte(data, '\n') + 1
		b.logger.Warn("truncating torn history line", "workspace", workspace, "bytes", n-keep)
		if err := os.Truncate(path, int64(keep)); err != nil {
			return 0, fmt.Errorf("repair history: %w", err)
		}
		data = data[:keep]
	}

	entries, err := b.decode(workspace, bytes.NewReader(data))
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}
	return entries[len(entries)-1].Sequence, nil
}

// AppendEntry writes one JSONL line and fsyncs. A failed write is rolled
// back to the previous file size.
func (b *FileBackend) AppendEntry(ctx context.Context, workspace string, e HistoryEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	data = append(data, '\n')

	path := b.path(workspace, historyFile)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create workspace dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			b.logger.Warn("failed to close history file", "workspace", workspace, "err", closeErr)
		}
	}()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat history: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		return errors.Join(fmt.Errorf("write entry: %w", err), rollback(f, info.Size()))
	}
	if err := f.Sync(); err != nil {
		return errors.Join(fmt.Errorf("sync history: %w", err), rollback(f, info.Size()))
	}
	return nil
}

// rollback cuts a failed append back to size. Its error means a partial
// line may remain until the next Recover.
func rollback(f *os.File, size int64) error {
	if err := f.Truncate(size); err != nil {
		return fmt.Errorf("roll back history: %w", err)
	}
	return nil
}

// RecentEntries scans the log and keeps the last n visible entries.
func (b *FileBackend) RecentEntries(ctx context.Context, workspace string, n int, perspective string) ([]HistoryEntry, error) {
	all, err := b.AllEntries(ctx, workspace)
	if err != nil {
		return nil, err
	}
	visible := all[:0]
	for _, e := range all {
		if visibleTo(e, perspective) {
			visible = append(visible, e)
		}
	}
	if len(visible) > n {
		visible = visible[len(visible)-n:]
	}
	return visible, nil
}

// AllEntries reads the whole history log.
func (b *FileBackend) AllEntries(ctx context.Context, workspace string) ([]HistoryEntry, error) {
	f, err := os.Open(b.path(workspace, historyFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	defer f.Close()
	return b.decode(workspace, f)
}

// decode parses complete lines only; an unterminated last line is a write
// still in progress (or torn) and is not observed.
func (b *FileBackend) decode(workspace string, r io.Reader) ([]HistoryEntry, error) {
	var entries []HistoryEntry
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read history: %w", err)
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var e HistoryEntry
		if err := json.Unmarshal(line, &e); err != nil {
			b.logger.Warn("skip invalid history line", "workspace", workspace, "err", err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// LoadMemory parses MEMORY.md. A file without front matter (hand written or
// seeded from a template) is reported as version 0.
func (b *FileBackend) LoadMemory(ctx context.Context, workspace string) (MemoryDocument, error) {
	data, err := os.ReadFile(b.path(workspace, memoryFile))
	if errors.Is(err, os.ErrNotExist) {
		return MemoryDocument{}, nil
	}
	if err != nil {
		return MemoryDocument{}, fmt.Errorf("read memory: %w", err)
	}
	return parseMemoryFile(string(data))
}

func parseMemoryFile(content string) (MemoryDocument, error) {
	if !strings.HasPrefix(content, frontMatterSep) {
		return MemoryDocument{Text: content}, nil
	}
	rest := content[len(frontMatterSep):]
	end := strings.Index(rest, "\n"+frontMatterSep)
	if end < 0 {
		return MemoryDocument{Text: content}, nil
	}

	var hdr memoryHeader
	if err := yaml.Unmarshal([]byte(rest[:end]), &hdr); err != nil {
		return MemoryDocument{}, fmt.Errorf("parse memory header: %w", err)
	}
	return MemoryDocument{
		Text:            rest[end+1+len(frontMatterSep):],
		Version:         hdr.Version,
		LastCompactedAt: parseTime(hdr.LastCompactedAt),
		UpdatedAt:       parseTime(hdr.UpdatedAt),
	}, nil
}

func renderMemoryFile(doc MemoryDocument) ([]byte, error) {
	hdr, err := yaml.Marshal(memoryHeader{
		Version:         doc.Version,
		LastCompactedAt: formatTime(doc.LastCompactedAt),
		UpdatedAt:       formatTime(doc.UpdatedAt),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal memory header: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString(frontMatterSep)
	buf.Write(hdr)
	buf.WriteString(frontMatterSep)
	buf.WriteString(doc.Text)
	return buf.Bytes(), nil
}

// SaveMemory checks the version, keeps the previous file as MEMORY.md.bak
// and replaces MEMORY.md atomically.
func (b *FileBackend) SaveMemory(ctx context.Context, workspace string, doc MemoryDocument, expectedVersion int64) error {
	path := b.path(workspace, memoryFile)

	prev, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		prev = nil
	case err != nil:
		return fmt.Errorf("read memory: %w", err)
	}

	current, err := parseMemoryFile(string(prev))
	if err != nil {
		return err
	}
	if current.Version != expectedVersion {
		return ErrConcurrentModification
	}

	data, err := renderMemoryFile(doc)
	if err != nil {
		return err
	}
	if len(prev) > 0 {
		if err := writeFileAtomic(b.path(workspace, memoryBackup), prev, 0o600); err != nil {
			return fmt.Errorf("backup memory: %w", err)
		}
	}
	if err := writeFileAtomic(path, data, 0o600); err != nil {
		return fmt.Errorf("write memory: %w", err)
	}
	return nil
}

// Close is a no-op; files are opened per operation.
func (b *FileBackend) Close() error { return nil }

// writeFileAtomic writes to a temp file in the target directory and renames
// it over path.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}
