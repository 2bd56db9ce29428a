package extractor

import (
	"context"
	"errors"
	"os"
	"os/exec"
)

// newExtractorCmd builds the FrameExtractor subprocess, passing src as
// its fd 3 (ExtraFiles start numbering at 3) so "$fd" substitution in
// the command template lines up with /dev/fd/3.
func newExtractorCmd(ctx context.Context, name string, args []string, src *os.File) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.ExtraFiles = []*os.File{src}
	return cmd
}

// exitCode extracts the process exit status from the error Wait
// returned, if it was an ExitError. ok is false if err is some other
// failure (e.g. the executable was not found).
func exitCode(err error) (code int, ok bool) {
	if err == nil {
		return 0, true
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), true
	}
	return 0, false
}
