// Package gateway resolves client-supplied session/path pairs to extracted
// files without letting the path leave the session directory.
package gateway

import (
	"errors"
	"io/fs"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"unpackd/services/ingest/errs"
	"unpackd/services/ingest/session"
)

const defaultContentType = "application/octet-stream"

// File is a resolved, servable file.
type File struct {
	Path        string
	Name        string
	RelPath     string
	ContentType string
	Size        int64
	ModTime     time.Time
}

// Gateway serves files from beneath an extraction root.
type Gateway struct {
	root           string
	redirectPrefix string
}

// Option customises a Gateway.
type Option func(*Gateway)

// WithInternalRedirect makes the HTTP layer hand delivery to a front proxy
// serving the extraction root under prefix.
func WithInternalRedirect(prefix string) Option {
	return func(g *Gateway) { g.redirectPrefix = strings.TrimRight(prefix, "/") }
}

// New returns a Gateway over extractRoot.
func New(extractRoot string, opts ...Option) *Gateway {
	g := &Gateway{root: filepath.Clean(extractRoot)}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Resolve checks, in order: the session id, lexical containment of the
// joined path, containment after resolving symlinks, and finally that the
// target is an existing regular file.
func (g *Gateway) Resolve(sessionID, relPath string) (File, error) {
	if err := session.ValidateID(sessionID); err != nil {
		return File{}, errs.New(errs.KindInvalidSessionID, "retrieve", err)
	}
	if strings.ContainsRune(relPath, 0) {
		return File{}, errs.Newf(errs.KindPathTraversal, "retrieve", "path contains NUL")
	}

	sessionRoot := filepath.Join(g.root, sessionID)
	target := filepath.Join(sessionRoot, filepath.FromSlash(relPath))
	if !within(sessionRoot, target) {
		return File{}, errs.Newf(errs.KindPathTraversal, "retrieve", "%q escapes session %s", relPath, sessionID)
	}

	realRoot, err := filepath.EvalSymlinks(sessionRoot)
	if err != nil {
		return File{}, missing(sessionID, relPath, err)
	}
	realTarget, err := filepath.EvalSymlinks(target)
	if err != nil {
		return File{}, missing(sessionID, relPath, err)
	}
	if !within(realRoot, realTarget) {
		return File{}, errs.Newf(errs.KindPathTraversal, "retrieve", "%q resolves outside session %s", relPath, sessionID)
	}

	info, err := os.Stat(realTarget)
	if err != nil {
		return File{}, missing(sessionID, relPath, err)
	}
	if !info.Mode().IsRegular() {
		return File{}, errs.Newf(errs.KindNotFound, "retrieve", "%q is not a file", relPath)
	}

	rel, _ := filepath.Rel(sessionRoot, target)
	return File{
		Path:        realTarget,
		Name:        info.Name(),
		RelPath:     filepath.ToSlash(rel),
		ContentType: ContentType(info.Name()),
		Size:        info.Size(),
		ModTime:     info.ModTime(),
	}, nil
}

// RedirectPath returns the internal location of f for sessionID, or "" when
// internal redirects are disabled.
func (g *Gateway) RedirectPath(sessionID string, f File) string {
	if g.redirectPrefix == "" {
		return ""
	}
	u := url.URL{Path: path.Join(g.redirectPrefix, sessionID, f.RelPath)}
	return u.EscapedPath()
}

// ContentType guesses a media type from the file suffix.
func ContentType(name string) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); ct != "" {
		return ct
	}
	return defaultContentType
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil || filepath.IsAbs(rel) {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func missing(sessionID, relPath string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return errs.Newf(errs.KindNotFound, "retrieve", "%q not found in session %s", relPath, sessionID)
	}
	return errs.New(errs.KindNotFound, "retrieve", err)
}
