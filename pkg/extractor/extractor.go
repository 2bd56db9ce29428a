// Package extractor obtains source image bytes for local files: either
// by asking an external frame-extraction helper to pull a frame from a
// video (grounded on pkg/video/thumbnail.Service.Generate's
// subprocess-with-watchdog pattern) or, for audio files, by reading the
// embedded cover art from the file's tags via taglib-go (a supplemented
// feature, not present in the distilled spec, carried over from
// src/audioimageextractor.cpp in the original implementation).
package extractor

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hjfreyer/taglib-go/taglib"
	"golang.org/x/sys/unix"

	"github.com/dormouse-cache/thumbnailer/pkg/cacheerr"
)

// Extractor runs an external FrameExtractor helper against video files,
// and reads embedded cover art directly from audio files.
type Extractor struct {
	// Command is the helper invocation template; "$fd" is replaced
	// with a /dev/fd path referring to the duplicated source
	// descriptor and "$dest" with the output file path.
	Command []string
	Timeout time.Duration
}

// New returns an Extractor that runs command with the given watchdog
// timeout.
func New(command []string, timeout time.Duration) *Extractor {
	return &Extractor{Command: command, Timeout: timeout}
}

// audioExtensions lists the container suffixes routed to the embedded
// tag-picture path instead of the subprocess FrameExtractor.
var audioExtensions = map[string]bool{
	".mp3": true, ".flac": true, ".ogg": true, ".m4a": true, ".wma": true,
}

// IsAudio reports whether name's extension should be handled by
// ExtractAudioCoverArt rather than ExtractVideoFrame.
func IsAudio(name string) bool {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return false
	}
	return audioExtensions[strings.ToLower(name[i:])]
}

// ExtractAudioCoverArt reads the embedded cover picture from an audio
// file's tags, given the file and its size. It fails with NotFound when
// the file has no recognizable tag or no embedded picture.
func ExtractAudioCoverArt(f *os.File, size int64) ([]byte, error) {
	tag, err := taglib.Decode(f, size)
	if err != nil {
		return nil, cacheerr.Wrap(cacheerr.NotFound, "reading audio tags", err)
	}
	// GenericTag.CustomFrames exposes frames the library does not
	// parse into dedicated accessors, including the ID3v2 attached
	// picture frame, keyed by its raw frame id.
	frames := tag.CustomFrames()
	for _, id := range []string{"APIC", "PIC"} {
		if data, ok := frames[id]; ok && data != "" {
			return []byte(data), nil
		}
	}
	return nil, cacheerr.New(cacheerr.NotFound, "no embedded cover art")
}

// ExtractVideoFrame runs the configured FrameExtractor helper against f
// (which must be a regular, non-empty file) and writes the extracted
// frame to destPath. A watchdog timer kills the helper and returns
// Timeout if it runs longer than e.Timeout.
func (e *Extractor) ExtractVideoFrame(ctx context.Context, f *os.File, destPath string) error {
	fi, err := f.Stat()
	if err != nil {
		return cacheerr.Wrap(cacheerr.HardError, "statting source", err)
	}
	if !fi.Mode().IsRegular() || fi.Size() == 0 {
		return cacheerr.New(cacheerr.HardError, "source is not a regular, non-empty file")
	}

	dupFd, err := unix.Dup(int(f.Fd()))
	if err != nil {
		return cacheerr.Wrap(cacheerr.HardError, "duplicating source descriptor", err)
	}
	dup := os.NewFile(uintptr(dupFd), f.Name())
	defer dup.Close()

	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	args := make([]string, len(e.Command))
	for i, a := range e.Command {
		switch a {
		case "$fd":
			a = "/dev/fd/3"
		case "$dest":
			a = destPath
		}
		args[i] = a
	}
	if len(args) == 0 {
		return cacheerr.New(cacheerr.HardError, "no extractor command configured")
	}

	cmd := newExtractorCmd(ctx, args[0], args[1:], dup)

	if err := cmd.Start(); err != nil {
		return cacheerr.Wrap(cacheerr.HardError, "starting frame extractor", err)
	}
	err = cmd.Wait()
	if ctx.Err() == context.DeadlineExceeded {
		return cacheerr.New(cacheerr.Timeout, "frame extractor timed out")
	}
	code, ok := exitCode(err)
	if !ok {
		return cacheerr.Wrap(cacheerr.HardError, "running frame extractor", err)
	}
	switch code {
	case 0:
		return nil
	case 1:
		return cacheerr.New(cacheerr.NotFound, "no frame available")
	case 2:
		return cacheerr.New(cacheerr.HardError, "frame extraction pipeline failure")
	default:
		return cacheerr.New(cacheerr.HardError, fmt.Sprintf("frame extractor exited with unknown status %d", code))
	}
}
