package fileio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ObjectAPI is the subset of the S3 client used by the object backend.
// *s3.Client satisfies it.
type ObjectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// ObjectSource reads a single object, or every object under a prefix ending
// in "/", from an S3-compatible bucket.
type ObjectSource struct {
	api    ObjectAPI
	bucket string
	key    string

	mu       sync.Mutex
	size     int64
	sizeSeen bool
}

// NewObjectSource returns a source for bucket/key.
func NewObjectSource(api ObjectAPI, bucket, key string) *ObjectSource {
	return &ObjectSource{api: api, bucket: bucket, key: key}
}

func (s *ObjectSource) isPrefix() bool {
	return s.key == "" || strings.HasSuffix(s.key, "/")
}

func (s *ObjectSource) objectSize(ctx context.Context) (int64, error) {
	s.mu.Lock()
	if s.sizeSeen {
		size := s.size
		s.mu.Unlock()
		return size, nil
	}
	s.mu.Unlock()

	out, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		return 0, fmt.Errorf("head object %s: %w", s.key, err)
	}
	size := aws.ToInt64(out.ContentLength)

	s.mu.Lock()
	s.size, s.sizeSeen = size, true
	s.mu.Unlock()
	return size, nil
}

// ReadChunk fetches one chunk with a ranged GET.
func (s *ObjectSource) ReadChunk(ctx context.Context, index uint64, chunkSize int) ([]byte, error) {
	size, err := s.objectSize(ctx)
	if err != nil {
		return nil, err
	}
	offset, length, err := chunkBounds(size, index, chunkSize)
	if err != nil {
		return nil, err
	}
	if length == 0 {
		return []byte{}, nil
	}

	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+int64(length)-1)),
	})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", s.key, err)
	}
	defer func() {
		_ = out.Body.Close()
	}()

	buffer := make([]byte, length)
	if _, err := io.ReadFull(out.Body, buffer); err != nil {
		return nil, fmt.Errorf("read object %s at offset %d: %w", s.key, offset, err)
	}
	return buffer, nil
}

// ComputeHash streams the whole object through SHA-256.
func (s *ObjectSource) ComputeHash(ctx context.Context) (string, error) {
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		return "", fmt.Errorf("get object %s: %w", s.key, err)
	}
	defer func() {
		_ = out.Body.Close()
	}()
	return hashReader(ctx, out.Body)
}

// Metadata describes the object or prefix.
func (s *ObjectSource) Metadata(ctx context.Context) (Metadata, error) {
	if s.isPrefix() {
		name := path.Base(strings.TrimSuffix(s.key, "/"))
		if name == "." || name == "/" || name == "" {
			name = s.bucket
		}
		return Metadata{Name: name, IsDir: true}, nil
	}
	size, err := s.objectSize(ctx)
	if err != nil {
		return Metadata{}, err
	}
	return Metadata{Name: path.Base(s.key), Size: size}, nil
}

// Enumerate lists the object itself, or every object below the prefix.
func (s *ObjectSource) Enumerate(ctx context.Context, parentRelativePath string) ([]Entry, error) {
	meta, err := s.Metadata(ctx)
	if err != nil {
		return nil, err
	}
	base := path.Join(parentRelativePath, meta.Name)
	if !meta.IsDir {
		return []Entry{{Name: meta.Name, RelativePath: base, Source: s, Size: meta.Size}}, nil
	}

	var entries []Entry
	paginator := s3.NewListObjectsV2Paginator(s.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.key),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects %s: %w", s.key, err)
		}
		for _, object := range page.Contents {
			key := aws.ToString(object.Key)
			if strings.HasSuffix(key, "/") {
				continue
			}
			child := &ObjectSource{
				api:      s.api,
				bucket:   s.bucket,
				key:      key,
				size:     aws.ToInt64(object.Size),
				sizeSeen: true,
			}
			entries = append(entries, Entry{
				Name:         path.Base(key),
				RelativePath: path.Join(base, strings.TrimPrefix(key, s.key)),
				Source:       child,
				Size:         child.size,
			})
		}
	}
	return entries, nil
}

// ObjectSink stages received files locally and uploads them under a key
// prefix once they verify.
type ObjectSink struct {
	api        ObjectAPI
	bucket     string
	prefix     string
	stagingDir string
}

// NewObjectSink returns a sink writing to bucket under prefix. Staging files
// live in stagingDir, or the OS temp directory when empty.
func NewObjectSink(api ObjectAPI, bucket, prefix, stagingDir string) *ObjectSink {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	if stagingDir == "" {
		stagingDir = os.TempDir()
	}
	return &ObjectSink{api: api, bucket: bucket, prefix: prefix, stagingDir: stagingDir}
}

// Location returns the s3:// URL of the destination prefix.
func (s *ObjectSink) Location() string {
	return "s3://" + s.bucket + "/" + s.prefix
}

// CreatePartial creates a local staging file for relativePath.
func (s *ObjectSink) CreatePartial(ctx context.Context, relativePath string, size int64, chunkSize int) (*PartialFile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cleaned, err := CleanRelativePath(relativePath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(s.stagingDir, 0o700); err != nil {
		return nil, fmt.Errorf("create staging directory: %w", err)
	}
	file, err := os.CreateTemp(s.stagingDir, "pullsend-*.part")
	if err != nil {
		return nil, fmt.Errorf("create partial file: %w", err)
	}
	if err := file.Truncate(size); err != nil {
		_ = file.Close()
		_ = os.Remove(file.Name())
		return nil, fmt.Errorf("allocate partial file: %w", err)
	}
	return newPartialFile(file, cleaned, s.prefix+cleaned, size, chunkSize), nil
}

// WriteChunk writes one chunk into the staging file.
func (s *ObjectSink) WriteChunk(ctx context.Context, partial *PartialFile, index uint64, data []byte) error {
	return writeChunk(ctx, partial, index, data)
}

// Finalize verifies the staging file and uploads it to the first free key.
func (s *ObjectSink) Finalize(ctx context.Context, partial *PartialFile, expectedHash string) error {
	if err := verifyPartial(ctx, partial, expectedHash); err != nil {
		return err
	}
	defer func() {
		_ = os.Remove(partial.TempPath)
	}()

	dir, name := path.Split(partial.target)
	name, err := uniqueName(name, func(candidate string) (bool, error) {
		return s.objectExists(ctx, dir+candidate)
	})
	if err != nil {
		return fmt.Errorf("resolve final key: %w", err)
	}
	key := dir + name

	file, err := os.Open(partial.TempPath)
	if err != nil {
		return fmt.Errorf("open staged file: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	_, err = s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          file,
		ContentLength: aws.Int64(partial.Size),
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	partial.FinalLocation = "s3://" + s.bucket + "/" + key
	return nil
}

// Discard removes the staging file; nothing was uploaded yet.
func (s *ObjectSink) Discard(_ context.Context, partial *PartialFile) error {
	return discardPartial(partial)
}

func (s *ObjectSink) objectExists(ctx context.Context, key string) (bool, error) {
	_, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return false, nil
	}
	return false, fmt.Errorf("head object %s: %w", key, err)
}
