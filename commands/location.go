package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"pullsend/fileio"
)

const (
	objectScheme = "s3://"
	// endpointEnv points the object backend at an S3-compatible server such
	// as MinIO. Path-style addressing is used when it is set.
	endpointEnv = "PULLSEND_S3_ENDPOINT"
)

// objectLocation is a parsed s3://bucket/key reference.
type objectLocation struct {
	Bucket string
	Key    string
}

// parseObjectLocation reports whether raw names an object-store location.
func parseObjectLocation(raw string) (objectLocation, bool, error) {
	if !strings.HasPrefix(raw, objectScheme) {
		return objectLocation{}, false, nil
	}
	rest := strings.TrimPrefix(raw, objectScheme)
	bucket, key, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return objectLocation{}, true, fmt.Errorf("object location %q has no bucket", raw)
	}
	return objectLocation{Bucket: bucket, Key: key}, true, nil
}

// locations turns command arguments into sources and sinks, creating the
// S3 client only when an s3:// location is used.
type locations struct {
	stagingDir string
	client     func() (*s3.Client, error)
}

func newLocations(stagingDir string) *locations {
	return &locations{
		stagingDir: stagingDir,
		client: sync.OnceValues(func() (*s3.Client, error) {
			return newObjectClient(context.Background())
		}),
	}
}

func newObjectClient(ctx context.Context) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	endpoint := os.Getenv(endpointEnv)
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// source resolves a path or s3:// reference.
func (l *locations) source(raw string) (fileio.Source, error) {
	loc, isObject, err := parseObjectLocation(raw)
	if err != nil {
		return nil, err
	}
	if !isObject {
		abs, err := filepath.Abs(raw)
		if err != nil {
			return nil, fmt.Errorf("resolve path %q: %w", raw, err)
		}
		if _, err := os.Stat(abs); err != nil {
			return nil, fmt.Errorf("stat %q: %w", raw, err)
		}
		return fileio.NewPathSource(abs), nil
	}
	client, err := l.client()
	if err != nil {
		return nil, err
	}
	return fileio.NewObjectSource(client, loc.Bucket, loc.Key), nil
}

func (l *locations) sources(raw []string) ([]fileio.Source, error) {
	out := make([]fileio.Source, 0, len(raw))
	for _, item := range raw {
		source, err := l.source(item)
		if err != nil {
			return nil, err
		}
		out = append(out, source)
	}
	return out, nil
}

// sink resolves a save location. It is used as transfer.Options.OpenSink.
func (l *locations) sink(raw string) (fileio.Sink, error) {
	loc, isObject, err := parseObjectLocation(raw)
	if err != nil {
		return nil, err
	}
	if !isObject {
		if err := os.MkdirAll(raw, 0o755); err != nil {
			return nil, fmt.Errorf("create save directory: %w", err)
		}
		return fileio.NewPathSink(raw), nil
	}
	client, err := l.client()
	if err != nil {
		return nil, err
	}
	return fileio.NewObjectSink(client, loc.Bucket, loc.Key, l.stagingDir), nil
}
