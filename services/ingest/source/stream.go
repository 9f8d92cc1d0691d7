package source

import (
	"context"
	"errors"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"unpackd/services/ingest/errs"
)

const chunkSize = 8192

var dispositionFilename = regexp.MustCompile(`filename="?([^";]+)"?`)

func (r *Resolver) stream(ctx context.Context, rawURL, destDir string, nameFromURL bool) (Download, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Download{}, errs.New(errs.KindDownloadHTTPError, "download", err)
	}
	req.Header.Set("User-Agent", r.cfg.UserAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return Download{}, classifyTransport(err, false)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Download{}, errs.Newf(errs.KindDownloadHTTPError, "download", "unexpected status %d", resp.StatusCode).
			WithDetail(strconv.Itoa(resp.StatusCode))
	}

	name := FilenameFromDisposition(resp.Header.Get("Content-Disposition"))
	if name == "" && nameFromURL {
		name = FilenameFromURL(rawURL)
	}
	if name == "" {
		name = DefaultFilename
	}

	target := filepath.Join(destDir, name)
	body := newIdleReader(resp.Body, r.cfg.ReadTimeout, cancel)
	defer body.stop()

	n, err := save(body, target, body)
	if err != nil {
		return Download{}, err
	}
	return Download{Path: target, Filename: name, Size: n}, nil
}

// save copies body into target in fixed-size chunks. idle, when set, tells a
// stalled read apart from other transport failures.
func save(body io.Reader, target string, idle *idleReader) (int64, error) {
	f, err := os.Create(target)
	if err != nil {
		return 0, errs.New(errs.KindFilesystem, "download", err)
	}
	w := &trackedWriter{w: f}
	n, copyErr := io.CopyBuffer(w, body, make([]byte, chunkSize))
	closeErr := f.Close()

	switch {
	case w.err != nil:
		return n, errs.New(errs.KindFilesystem, "download", w.err)
	case copyErr != nil:
		if idle != nil && idle.expired() {
			return n, errs.New(errs.KindDownloadTimeout, "download", copyErr).WithDetail("read")
		}
		return n, classifyTransport(copyErr, true)
	case closeErr != nil:
		return n, errs.New(errs.KindFilesystem, "download", closeErr)
	}
	return n, nil
}

// classifyTransport maps a client error onto the download taxonomy. Timeouts
// during dial or TLS setup count as connect timeouts.
func classifyTransport(err error, reading bool) error {
	var opErr *net.OpError
	if !reading && errors.As(err, &opErr) && opErr.Op == "dial" && opErr.Timeout() {
		return errs.New(errs.KindDownloadTimeout, "download", err).WithDetail("connect")
	}
	if !reading && strings.Contains(err.Error(), "TLS handshake timeout") {
		return errs.New(errs.KindDownloadTimeout, "download", err).WithDetail("connect")
	}
	var netErr net.Error
	if (errors.As(err, &netErr) && netErr.Timeout()) || errors.Is(err, context.DeadlineExceeded) {
		return errs.New(errs.KindDownloadTimeout, "download", err).WithDetail("read")
	}
	return errs.New(errs.KindDownloadHTTPError, "download", err)
}

// FilenameFromDisposition extracts a safe base name from a
// Content-Disposition header value.
func FilenameFromDisposition(header string) string {
	if header == "" {
		return ""
	}
	if _, params, err := mime.ParseMediaType(header); err == nil {
		if name := sanitizeFilename(params["filename"]); name != "" {
			return name
		}
	}
	if m := dispositionFilename.FindStringSubmatch(header); len(m) == 2 {
		return sanitizeFilename(m[1])
	}
	return ""
}

// FilenameFromURL returns the last path segment of rawURL, ignoring the query.
func FilenameFromURL(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	return sanitizeFilename(path.Base(u.Path))
}

func sanitizeFilename(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, `\`, "/"))
	if name == "" {
		return ""
	}
	name = path.Base(name)
	switch name {
	case ".", "..", "/":
		return ""
	}
	if strings.ContainsRune(name, 0) {
		return ""
	}
	return name
}

type trackedWriter struct {
	w   io.Writer
	err error
}

func (t *trackedWriter) Write(p []byte) (int, error) {
	n, err := t.w.Write(p)
	if err != nil {
		t.err = err
	}
	return n, err
}

// idleReader cancels the request when no bytes arrive for the idle window.
type idleReader struct {
	r     io.Reader
	idle  time.Duration
	timer *time.Timer
	fired atomic.Bool
}

func newIdleReader(r io.Reader, idle time.Duration, cancel context.CancelFunc) *idleReader {
	ir := &idleReader{r: r, idle: idle}
	if idle > 0 {
		ir.timer = time.AfterFunc(idle, func() {
			ir.fired.Store(true)
			cancel()
		})
	}
	return ir
}

func (ir *idleReader) Read(p []byte) (int, error) {
	n, err := ir.r.Read(p)
	if n > 0 && ir.timer != nil && !ir.fired.Load() {
		ir.timer.Reset(ir.idle)
	}
	return n, err
}

func (ir *idleReader) expired() bool { return ir.fired.Load() }

func (ir *idleReader) stop() {
	if ir.timer != nil {
		ir.timer.Stop()
	}
}
