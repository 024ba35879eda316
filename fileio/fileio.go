// Package fileio hides storage backends behind the Source and Sink contracts
// used by the transfer engine. A plain filesystem backend and an S3-compatible
// object backend behave identically to callers.
package fileio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"
)

var (
	// ErrHashMismatch indicates a finished partial file did not match its expected hash.
	ErrHashMismatch = errors.New("fileio: content hash mismatch")
	// ErrPathTraversal indicates a relative path tried to escape the sink root.
	ErrPathTraversal = errors.New("fileio: path escapes destination")
	// ErrChunkOutOfRange indicates a chunk index or length outside the file.
	ErrChunkOutOfRange = errors.New("fileio: chunk out of range")
	// ErrPartialClosed indicates a write against a finalized or discarded partial file.
	ErrPartialClosed = errors.New("fileio: partial file closed")
)

// Metadata describes a source.
type Metadata struct {
	Name  string
	Size  int64
	IsDir bool
}

// Entry is one regular file reached while enumerating a source.
type Entry struct {
	Name         string
	RelativePath string
	Source       Source
	Size         int64
}

// Source is a readable file or directory.
type Source interface {
	ReadChunk(ctx context.Context, index uint64, chunkSize int) ([]byte, error)
	ComputeHash(ctx context.Context) (string, error)
	Metadata(ctx context.Context) (Metadata, error)
	Enumerate(ctx context.Context, parentRelativePath string) ([]Entry, error)
}

// Sink stores received files.
type Sink interface {
	CreatePartial(ctx context.Context, relativePath string, size int64, chunkSize int) (*PartialFile, error)
	WriteChunk(ctx context.Context, partial *PartialFile, index uint64, data []byte) error
	Finalize(ctx context.Context, partial *PartialFile, expectedHash string) error
	Discard(ctx context.Context, partial *PartialFile) error
	Location() string
}

// PartialFile is the staging copy of a file being received. Concurrent chunk
// writers share one handle; the mutex guards only the handle lookup and the
// in-flight bookkeeping, never the write itself.
type PartialFile struct {
	RelativePath string
	TempPath     string
	Size         int64
	ChunkSize    int

	// FinalLocation is set once the file has been promoted.
	FinalLocation string

	target string

	mu       sync.Mutex
	file     *os.File
	inFlight int
	written  int64
	closed   bool
}

func newPartialFile(file *os.File, relativePath, target string, size int64, chunkSize int) *PartialFile {
	return &PartialFile{
		RelativePath: relativePath,
		TempPath:     file.Name(),
		Size:         size,
		ChunkSize:    chunkSize,
		target:       target,
		file:         file,
	}
}

// Written returns the number of bytes written so far.
func (p *PartialFile) Written() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written
}

func (p *PartialFile) acquire() (*os.File, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPartialClosed
	}
	p.inFlight++
	return p.file, nil
}

func (p *PartialFile) release(n int) {
	p.mu.Lock()
	p.inFlight--
	p.written += int64(n)
	p.mu.Unlock()
}

func (p *PartialFile) close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	file := p.file
	p.mu.Unlock()

	if err := file.Close(); err != nil {
		return fmt.Errorf("close partial file: %w", err)
	}
	return nil
}

// writeChunk performs the positioned write shared by every backend.
func writeChunk(ctx context.Context, p *PartialFile, index uint64, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.ChunkSize <= 0 {
		return fmt.Errorf("write chunk %d: invalid chunk size %d", index, p.ChunkSize)
	}
	offset := int64(index) * int64(p.ChunkSize)
	if offset+int64(len(data)) > p.Size || (offset >= p.Size && p.Size > 0) {
		return fmt.Errorf("write chunk %d: %w", index, ErrChunkOutOfRange)
	}

	file, err := p.acquire()
	if err != nil {
		return err
	}
	n, err := file.WriteAt(data, offset)
	p.release(n)
	if err != nil {
		return fmt.Errorf("write chunk %d at offset %d: %w", index, offset, err)
	}
	return nil
}

// discardPartial closes and removes the staging file. Missing files are not an error.
func discardPartial(p *PartialFile) error {
	closeErr := p.close()
	if err := os.Remove(p.TempPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove partial file: %w", err)
	}
	return closeErr
}

// verifyPartial closes the handle, hashes the staged bytes and removes the
// staging file on mismatch.
func verifyPartial(ctx context.Context, p *PartialFile, expectedHash string) error {
	if err := p.close(); err != nil {
		return err
	}
	actual, err := hashFile(ctx, p.TempPath)
	if err != nil {
		return err
	}
	if !strings.EqualFold(actual, expectedHash) {
		_ = os.Remove(p.TempPath)
		return fmt.Errorf("%s: %w", p.RelativePath, ErrHashMismatch)
	}
	return nil
}

// CleanRelativePath normalizes a received forward-slash relative path and
// rejects anything that could leave the destination root.
func CleanRelativePath(relativePath string) (string, error) {
	relativePath = strings.ReplaceAll(relativePath, "\\", "/")
	if relativePath == "" || strings.HasPrefix(relativePath, "/") {
		return "", fmt.Errorf("%q: %w", relativePath, ErrPathTraversal)
	}
	for _, part := range strings.Split(relativePath, "/") {
		if part == ".." {
			return "", fmt.Errorf("%q: %w", relativePath, ErrPathTraversal)
		}
	}
	cleaned := path.Clean(relativePath)
	if cleaned == "." || strings.Contains(cleaned, ":") {
		return "", fmt.Errorf("%q: %w", relativePath, ErrPathTraversal)
	}
	return cleaned, nil
}

// uniqueName returns the first candidate of name, "name (1).ext", "name (2).ext"...
// for which exists reports false.
func uniqueName(name string, exists func(string) (bool, error)) (string, error) {
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	candidate := name
	for i := 1; ; i++ {
		taken, err := exists(candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s (%d)%s", stem, i, ext)
	}
}

func chunkBounds(size int64, index uint64, chunkSize int) (int64, int, error) {
	if chunkSize <= 0 {
		return 0, 0, fmt.Errorf("invalid chunk size %d", chunkSize)
	}
	offset := int64(index) * int64(chunkSize)
	if size == 0 && index == 0 {
		return 0, 0, nil
	}
	if offset >= size {
		return 0, 0, fmt.Errorf("chunk %d: %w", index, ErrChunkOutOfRange)
	}
	return offset, int(min(int64(chunkSize), size-offset)), nil
}
