package fileio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
)

// PathSource reads a file or directory from the local filesystem.
type PathSource struct {
	path string
}

// NewPathSource returns a source rooted at path.
func NewPathSource(path string) *PathSource {
	return &PathSource{path: path}
}

// Path returns the underlying filesystem path.
func (s *PathSource) Path() string {
	return s.path
}

// ReadChunk returns the bytes of one chunk using a positioned read.
func (s *PathSource) ReadChunk(ctx context.Context, index uint64, chunkSize int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	file, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open source file: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat source file: %w", err)
	}
	offset, length, err := chunkBounds(info.Size(), index, chunkSize)
	if err != nil {
		return nil, err
	}

	buffer := make([]byte, length)
	n, err := file.ReadAt(buffer, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read file chunk at offset %d: %w", offset, err)
	}
	if n != length {
		return nil, fmt.Errorf("read file chunk at offset %d: short read %d of %d", offset, n, length)
	}
	return buffer, nil
}

// ComputeHash streams the file through SHA-256.
func (s *PathSource) ComputeHash(ctx context.Context) (string, error) {
	return hashFile(ctx, s.path)
}

// Metadata stats the source.
func (s *PathSource) Metadata(ctx context.Context) (Metadata, error) {
	if err := ctx.Err(); err != nil {
		return Metadata{}, err
	}
	info, err := os.Stat(s.path)
	if err != nil {
		return Metadata{}, fmt.Errorf("stat source: %w", err)
	}
	return Metadata{Name: info.Name(), Size: info.Size(), IsDir: info.IsDir()}, nil
}

// Enumerate lists the regular files under the source. A single file yields
// one entry; a directory is walked recursively and its name becomes the top
// folder of every relative path.
func (s *PathSource) Enumerate(ctx context.Context, parentRelativePath string) ([]Entry, error) {
	meta, err := s.Metadata(ctx)
	if err != nil {
		return nil, err
	}
	base := path.Join(parentRelativePath, meta.Name)
	if !meta.IsDir {
		return []Entry{{Name: meta.Name, RelativePath: base, Source: s, Size: meta.Size}}, nil
	}

	var entries []Entry
	err = filepath.WalkDir(s.path, func(current string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(s.path, current)
		if err != nil {
			return err
		}
		entries = append(entries, Entry{
			Name:         d.Name(),
			RelativePath: path.Join(base, filepath.ToSlash(rel)),
			Source:       NewPathSource(current),
			Size:         info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", s.path, err)
	}
	return entries, nil
}

// PathSink writes received files below a root directory.
type PathSink struct {
	root string
}

// NewPathSink returns a sink rooted at root.
func NewPathSink(root string) *PathSink {
	return &PathSink{root: root}
}

// Location returns the sink root.
func (s *PathSink) Location() string {
	return s.root
}

// CreatePartial creates a hidden staging file next to the final destination
// and sizes it so chunks can land in any order.
func (s *PathSink) CreatePartial(ctx context.Context, relativePath string, size int64, chunkSize int) (*PartialFile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cleaned, err := CleanRelativePath(relativePath)
	if err != nil {
		return nil, err
	}
	target := filepath.Join(s.root, filepath.FromSlash(cleaned))
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create destination directory: %w", err)
	}

	file, err := os.CreateTemp(dir, "."+filepath.Base(target)+".*.part")
	if err != nil {
		return nil, fmt.Errorf("create partial file: %w", err)
	}
	if err := file.Truncate(size); err != nil {
		_ = file.Close()
		_ = os.Remove(file.Name())
		return nil, fmt.Errorf("allocate partial file: %w", err)
	}
	return newPartialFile(file, cleaned, target, size, chunkSize), nil
}

// WriteChunk writes one chunk at its offset.
func (s *PathSink) WriteChunk(ctx context.Context, partial *PartialFile, index uint64, data []byte) error {
	return writeChunk(ctx, partial, index, data)
}

// Finalize verifies the staged content and promotes it to the first free
// final name. Existing files are never overwritten.
func (s *PathSink) Finalize(ctx context.Context, partial *PartialFile, expectedHash string) error {
	if err := verifyPartial(ctx, partial, expectedHash); err != nil {
		return err
	}

	dir := filepath.Dir(partial.target)
	name, err := uniqueName(filepath.Base(partial.target), func(candidate string) (bool, error) {
		_, err := os.Lstat(filepath.Join(dir, candidate))
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return err == nil, err
	})
	if err != nil {
		return fmt.Errorf("resolve final path: %w", err)
	}

	final := filepath.Join(dir, name)
	if err := os.Rename(partial.TempPath, final); err != nil {
		_ = os.Remove(partial.TempPath)
		return fmt.Errorf("finalize file: %w", err)
	}
	partial.FinalLocation = final
	return nil
}

// Discard removes the staging file.
func (s *PathSink) Discard(_ context.Context, partial *PartialFile) error {
	return discardPartial(partial)
}

