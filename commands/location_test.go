package commands

import (
	"os"
	"path/filepath"
	"testing"

	"pullsend/fileio"
)

func TestParseObjectLocation(t *testing.T) {
	tests := []struct {
		raw      string
		isObject bool
		wantErr  bool
		want     objectLocation
	}{
		{raw: "/tmp/file.txt"},
		{raw: "relative/dir"},
		{raw: "s3://bucket/key.bin", isObject: true, want: objectLocation{Bucket: "bucket", Key: "key.bin"}},
		{raw: "s3://bucket/photos/", isObject: true, want: objectLocation{Bucket: "bucket", Key: "photos/"}},
		{raw: "s3://bucket", isObject: true, want: objectLocation{Bucket: "bucket"}},
		{raw: "s3:///key", isObject: true, wantErr: true},
	}

	for _, tc := range tests {
		got, isObject, err := parseObjectLocation(tc.raw)
		if isObject != tc.isObject {
			t.Fatalf("parseObjectLocation(%q) isObject = %v, want %v", tc.raw, isObject, tc.isObject)
		}
		if (err != nil) != tc.wantErr {
			t.Fatalf("parseObjectLocation(%q) error = %v, wantErr %v", tc.raw, err, tc.wantErr)
		}
		if got != tc.want {
			t.Fatalf("parseObjectLocation(%q) = %+v, want %+v", tc.raw, got, tc.want)
		}
	}
}

func TestLocationsResolvePaths(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(file, []byte("a"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	locs := newLocations(filepath.Join(dir, "staging"))

	sources, err := locs.sources([]string{file, dir})
	if err != nil {
		t.Fatalf("sources() error = %v", err)
	}
	if len(sources) != 2 {
		t.Fatalf("expected 2 sources, got %d", len(sources))
	}
	if _, ok := sources[0].(*fileio.PathSource); !ok {
		t.Fatalf("expected a path source, got %T", sources[0])
	}

	if _, err := locs.source(filepath.Join(dir, "missing.txt")); err == nil {
		t.Fatalf("expected error for missing path")
	}

	saveDir := filepath.Join(dir, "incoming", "nested")
	sink, err := locs.sink(saveDir)
	if err != nil {
		t.Fatalf("sink() error = %v", err)
	}
	if sink.Location() != saveDir {
		t.Fatalf("sink location = %q, want %q", sink.Location(), saveDir)
	}
	if info, err := os.Stat(saveDir); err != nil || !info.IsDir() {
		t.Fatalf("save directory not created: %v", err)
	}
}
