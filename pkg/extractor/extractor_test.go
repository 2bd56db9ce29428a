package extractor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dormouse-cache/thumbnailer/pkg/cacheerr"
)

func TestIsAudio(t *testing.T) {
	cases := map[string]bool{
		"song.mp3": true, "song.MP3": true, "song.flac": true,
		"video.mp4": false, "noext": false,
	}
	for name, want := range cases {
		if got := IsAudio(name); got != want {
			t.Errorf("IsAudio(%q) = %v, want %v", name, got, want)
		}
	}
}

func tempRegularFile(t *testing.T, contents string) *os.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "src")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func TestExtractVideoFrameSuccess(t *testing.T) {
	f := tempRegularFile(t, "fake video bytes")
	dest := filepath.Join(t.TempDir(), "out.jpg")
	e := New([]string{"/bin/sh", "-c", "exit 0"}, time.Second)
	if err := e.ExtractVideoFrame(context.Background(), f, dest); err != nil {
		t.Fatalf("ExtractVideoFrame: %v", err)
	}
}

func TestExtractVideoFrameNoFrame(t *testing.T) {
	f := tempRegularFile(t, "fake video bytes")
	dest := filepath.Join(t.TempDir(), "out.jpg")
	e := New([]string{"/bin/sh", "-c", "exit 1"}, time.Second)
	err := e.ExtractVideoFrame(context.Background(), f, dest)
	if !cacheerr.Is(err, cacheerr.NotFound) {
		t.Fatalf("exit 1 = %v, want NotFound", err)
	}
}

func TestExtractVideoFramePipelineFailure(t *testing.T) {
	f := tempRegularFile(t, "fake video bytes")
	dest := filepath.Join(t.TempDir(), "out.jpg")
	e := New([]string{"/bin/sh", "-c", "exit 2"}, time.Second)
	err := e.ExtractVideoFrame(context.Background(), f, dest)
	if !cacheerr.Is(err, cacheerr.HardError) {
		t.Fatalf("exit 2 = %v, want HardError", err)
	}
}

func TestExtractVideoFrameRejectsEmptyFile(t *testing.T) {
	f := tempRegularFile(t, "")
	dest := filepath.Join(t.TempDir(), "out.jpg")
	e := New([]string{"/bin/sh", "-c", "exit 0"}, time.Second)
	err := e.ExtractVideoFrame(context.Background(), f, dest)
	if !cacheerr.Is(err, cacheerr.HardError) {
		t.Fatalf("empty file = %v, want HardError", err)
	}
}

func TestExtractVideoFrameTimeout(t *testing.T) {
	f := tempRegularFile(t, "fake video bytes")
	dest := filepath.Join(t.TempDir(), "out.jpg")
	e := New([]string{"/bin/sh", "-c", "sleep 5"}, 50*time.Millisecond)
	err := e.ExtractVideoFrame(context.Background(), f, dest)
	if !cacheerr.Is(err, cacheerr.Timeout) {
		t.Fatalf("slow helper = %v, want Timeout", err)
	}
}
