package fileio

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// DefaultHashConcurrency bounds how many files Prepare hashes at once.
const DefaultHashConcurrency = 4

// PreparedFile is a scanned, hashed file ready to be offered.
type PreparedFile struct {
	ID           uint32
	Name         string
	RelativePath string
	Size         int64
	Hash         string
	Source       Source
}

// Prepare enumerates sources, assigns sequential ids from zero in
// enumeration order and hashes every file. Hashing runs on at most
// concurrency goroutines.
func Prepare(ctx context.Context, sources []Source, concurrency int) ([]PreparedFile, error) {
	if len(sources) == 0 {
		return nil, errors.New("at least one source is required")
	}
	if concurrency <= 0 {
		concurrency = DefaultHashConcurrency
	}

	var files []PreparedFile
	for _, source := range sources {
		entries, err := source.Enumerate(ctx, "")
		if err != nil {
			return nil, fmt.Errorf("enumerate source: %w", err)
		}
		for _, entry := range entries {
			files = append(files, PreparedFile{
				ID:           uint32(len(files)),
				Name:         entry.Name,
				RelativePath: entry.RelativePath,
				Size:         entry.Size,
				Source:       entry.Source,
			})
		}
	}
	if len(files) == 0 {
		return nil, errors.New("sources contain no files")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i := range files {
		i := i
		g.Go(func() error {
			hash, err := files[i].Source.ComputeHash(gctx)
			if err != nil {
				return fmt.Errorf("hash %s: %w", files[i].RelativePath, err)
			}
			files[i].Hash = hash
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return files, nil
}
