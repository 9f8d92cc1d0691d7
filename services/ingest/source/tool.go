package source

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"unpackd/services/ingest/errs"
)

// runTool delegates the download to the external client, which writes the
// archive into destDir under a name of its choosing.
func (r *Resolver) runTool(ctx context.Context, rawURL, destDir string) (Download, error) {
	toolPath, err := exec.LookPath(r.cfg.ToolPath)
	if err != nil {
		return Download{}, errs.New(errs.KindDownloadToolMissing, "download", err).WithDetail(r.cfg.ToolPath)
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.ToolTimeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, toolPath, strings.TrimSpace(rawURL), "--path", destDir)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 5 * time.Second

	runErr := cmd.Run()
	r.logger.Debug().
		Str("tool", toolPath).
		Str("stdout", tail(stdout.String())).
		Str("stderr", tail(stderr.String())).
		Msg("tool finished")

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Download{}, errs.New(errs.KindDownloadTimeout, "download", ctx.Err()).WithDetail("tool")
	}
	if runErr != nil {
		detail := tail(strings.TrimSpace(stderr.String()))
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) && detail == "" {
			detail = exitErr.String()
		}
		return Download{}, errs.New(errs.KindDownloadToolFailed, "download", runErr).WithDetail(detail)
	}

	name, size, err := firstFile(destDir)
	if err != nil {
		return Download{}, errs.New(errs.KindDownloadEmptyResult, "download", err)
	}
	return Download{Path: filepath.Join(destDir, name), Filename: name, Size: size}, nil
}

func tail(s string) string {
	const max = 512
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}
