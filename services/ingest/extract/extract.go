// Package extract unpacks detected archives into a session directory.
package extract

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/mholt/archives"
	"github.com/rs/zerolog"

	"unpackd/services/ingest/errs"
	"unpackd/services/ingest/format"
	"unpackd/services/ingest/tree"
)

// Stats summarises one extraction.
type Stats struct {
	Files   int   `json:"files"`
	Dirs    int   `json:"dirs"`
	Skipped int   `json:"skipped"`
	Bytes   int64 `json:"bytes"`
}

// Extractor writes archive members beneath a destination directory.
type Extractor struct {
	logger zerolog.Logger
}

// New returns an Extractor that logs skipped members to logger.
func New(logger zerolog.Logger) *Extractor {
	return &Extractor{logger: logger}
}

// Extract unpacks archivePath, already identified as kind, into dest.
// Members that would land outside dest, links and special files are skipped.
// Partially written output is left in place on failure.
func (x *Extractor) Extract(ctx context.Context, archivePath string, kind format.Kind, dest string) (Stats, error) {
	var stats Stats
	if !kind.Known() {
		return stats, errs.Newf(errs.KindFormatUndetermined, "extract", "no extractor for %q", kind)
	}
	if _, err := os.Stat(archivePath); err != nil {
		return stats, errs.New(errs.KindFilesystem, "extract", err)
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return stats, errs.New(errs.KindExtractionFailed, "extract", err)
	}

	w := &writer{dest: dest, stats: &stats, logger: x.logger.With().Str("archive", string(kind)).Logger()}
	var err error
	switch kind {
	case format.KindZIP:
		err = w.zip(ctx, archivePath)
	case format.KindTar:
		err = w.tar(ctx, archivePath)
	case format.KindRAR:
		err = w.archives(ctx, archivePath, archives.Rar{})
	case format.Kind7z:
		err = w.archives(ctx, archivePath, archives.SevenZip{})
	}
	if err != nil {
		return stats, classify(kind, err)
	}
	return stats, nil
}

// writeFailure marks errors raised while producing output, as opposed to
// errors decoding the archive.
type writeFailure struct{ err error }

func (w *writeFailure) Error() string { return w.err.Error() }
func (w *writeFailure) Unwrap() error { return w.err }

// openFailure marks errors opening the archive file itself.
type openFailure struct{ err error }

func (o *openFailure) Error() string { return o.err.Error() }
func (o *openFailure) Unwrap() error { return o.err }

func classify(kind format.Kind, err error) error {
	var (
		wf *writeFailure
		of *openFailure
	)
	switch {
	case errors.As(err, &of):
		return errs.New(errs.KindFilesystem, "extract", of.err).WithArchive(string(kind))
	case errors.As(err, &wf):
		return errs.New(errs.KindExtractionFailed, "extract", wf.err).WithArchive(string(kind))
	}
	return errs.New(errs.KindArchiveCorrupt, "extract", err).WithArchive(string(kind))
}

type writer struct {
	dest   string
	stats  *Stats
	logger zerolog.Logger
}

// target maps an in-archive name to a path under dest.
func (w *writer) target(name string) (string, bool) {
	name = strings.ReplaceAll(name, `\`, "/")
	if name == "" || strings.ContainsRune(name, 0) {
		return "", false
	}
	p := filepath.Join(w.dest, filepath.FromSlash(name))
	rel, err := filepath.Rel(w.dest, p)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return p, true
}

// reserved reports whether p would occupy the indexer's structure cache,
// which must only ever be written by the indexer itself.
func (w *writer) reserved(p string) bool {
	return filepath.Dir(p) == filepath.Clean(w.dest) && filepath.Base(p) == tree.StructureFile
}

func (w *writer) skip(name, reason string) {
	w.stats.Skipped++
	w.logger.Warn().Str("entry", name).Str("reason", reason).Msg("skipping archive member")
}

func (w *writer) dir(name string) error {
	p, ok := w.target(name)
	if !ok {
		if strings.Trim(name, "/.") != "" {
			w.skip(name, "outside destination")
		}
		return nil
	}
	if w.reserved(p) {
		w.skip(name, "reserved name")
		return nil
	}
	if err := os.MkdirAll(p, 0o755); err != nil {
		return &writeFailure{err}
	}
	w.stats.Dirs++
	return nil
}

func (w *writer) file(name string, mode fs.FileMode, open func() (io.ReadCloser, error)) error {
	p, ok := w.target(name)
	if !ok {
		w.skip(name, "outside destination")
		return nil
	}
	if w.reserved(p) {
		w.skip(name, "reserved name")
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return &writeFailure{err}
	}

	src, err := open()
	if err != nil {
		return fmt.Errorf("open member %s: %w", name, err)
	}
	defer src.Close()

	perm := mode.Perm() | 0o600
	out, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return &writeFailure{err}
	}
	n, err := io.Copy(&memberWriter{out}, src)
	closeErr := out.Close()
	if err != nil {
		var wf *writeFailure
		if errors.As(err, &wf) {
			return err
		}
		return fmt.Errorf("read member %s: %w", name, err)
	}
	if closeErr != nil {
		return &writeFailure{closeErr}
	}
	w.stats.Files++
	w.stats.Bytes += n
	return nil
}

type memberWriter struct{ f *os.File }

func (m *memberWriter) Write(p []byte) (int, error) {
	n, err := m.f.Write(p)
	if err != nil {
		return n, &writeFailure{err}
	}
	return n, nil
}

func (w *writer) zip(ctx context.Context, archivePath string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return &openFailure{err}
		}
		return err
	}
	defer zr.Close()

	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return &writeFailure{err}
		}
		mode := f.Mode()
		switch {
		case mode.IsDir() || strings.HasSuffix(f.Name, "/"):
			err = w.dir(f.Name)
		case mode.IsRegular():
			err = w.file(f.Name, mode, func() (io.ReadCloser, error) { return f.Open() })
		default:
			w.skip(f.Name, "not a regular file")
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (w *writer) tar(ctx context.Context, archivePath string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return &openFailure{err}
	}
	defer f.Close()

	r, _, closeFn, err := format.Decompress(f)
	if err != nil {
		return err
	}
	defer closeFn()

	tr := tar.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return &writeFailure{err}
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			err = w.dir(hdr.Name)
		case tar.TypeReg:
			err = w.file(hdr.Name, hdr.FileInfo().Mode(), func() (io.ReadCloser, error) { return io.NopCloser(tr), nil })
		default:
			w.skip(hdr.Name, "not a regular file")
		}
		if err != nil {
			return err
		}
	}
}

func (w *writer) archives(ctx context.Context, archivePath string, ex archives.Extractor) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return &openFailure{err}
	}
	defer f.Close()

	return ex.Extract(ctx, f, func(ctx context.Context, info archives.FileInfo) error {
		switch {
		case info.IsDir():
			return w.dir(info.NameInArchive)
		case info.LinkTarget != "" || !info.Mode().IsRegular():
			w.skip(info.NameInArchive, "not a regular file")
			return nil
		}
		return w.file(info.NameInArchive, info.Mode(), func() (io.ReadCloser, error) { return info.Open() })
	})
}
