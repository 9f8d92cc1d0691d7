// Package format identifies archive files by structure, falling back to the
// file name suffix.
package format

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/mholt/archives"
)

// Kind is a detected archive format.
type Kind string

const (
	KindRAR     Kind = "rar"
	KindZIP     Kind = "zip"
	KindTar     Kind = "tar"
	Kind7z      Kind = "7z"
	KindUnknown Kind = "unknown"
)

// Known reports whether k is an extractable kind.
func (k Kind) Known() bool {
	switch k {
	case KindRAR, KindZIP, KindTar, Kind7z:
		return true
	}
	return false
}

type validator struct {
	kind  Kind
	match func(path string) bool
}

// Validators run in priority order; the first positive wins.
var validators = []validator{
	{KindRAR, isRAR},
	{KindZIP, isZIP},
	{KindTar, isTar},
	{Kind7z, is7z},
}

// Longer suffixes first so .tar.gz is not read as a bare .gz.
var suffixes = []struct {
	suffix string
	kind   Kind
}{
	{".tar.gz", KindTar},
	{".tar.bz2", KindTar},
	{".tar.xz", KindTar},
	{".tar.zst", KindTar},
	{".tar.lz4", KindTar},
	{".tgz", KindTar},
	{".tbz2", KindTar},
	{".txz", KindTar},
	{".tar", KindTar},
	{".rar", KindRAR},
	{".zip", KindZIP},
	{".7z", Kind7z},
}

// Detect inspects the file at p. Read failures count as a negative match.
func Detect(p string) Kind {
	for _, v := range validators {
		if v.match(p) {
			return v.kind
		}
	}
	return BySuffix(p)
}

// BySuffix classifies a file name by its extension alone.
func BySuffix(name string) Kind {
	lower := strings.ToLower(filepath.Base(name))
	for _, s := range suffixes {
		if strings.HasSuffix(lower, s.suffix) {
			return s.kind
		}
	}
	return KindUnknown
}

// DetectWithRename detects p and, when that fails, renames the file after the
// last path segment of sourceURL and detects once more. It returns the kind
// and the path the file now lives at.
func DetectWithRename(p, sourceURL string) (Kind, string, error) {
	if kind := Detect(p); kind != KindUnknown {
		return kind, p, nil
	}

	name := urlBase(sourceURL)
	if name == "" || path.Ext(name) == "" || name == filepath.Base(p) {
		return KindUnknown, p, nil
	}
	renamed := filepath.Join(filepath.Dir(p), name)
	if _, err := os.Lstat(renamed); err == nil {
		return KindUnknown, p, nil
	}
	if err := os.Rename(p, renamed); err != nil {
		return KindUnknown, p, err
	}
	return Detect(renamed), renamed, nil
}

func urlBase(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	base := path.Base(u.Path)
	switch base {
	case ".", "/", "..":
		return ""
	}
	return base
}

func isRAR(p string) bool { return matchStream(p, archives.Rar{}) }

func is7z(p string) bool { return matchStream(p, archives.SevenZip{}) }

type matcher interface {
	Match(ctx context.Context, filename string, stream io.Reader) (archives.MatchResult, error)
}

// matchStream only trusts the header bytes, never the name.
func matchStream(p string, m matcher) bool {
	f, err := os.Open(p)
	if err != nil {
		return false
	}
	defer f.Close()
	res, err := m.Match(context.Background(), "", f)
	return err == nil && res.ByStream
}

func isZIP(p string) bool {
	zr, err := zip.OpenReader(p)
	if err != nil {
		return false
	}
	_ = zr.Close()
	return true
}

// isTar accepts a first valid header, or the end-of-archive marker of an
// empty tar, after unwrapping any sniffed compression.
func isTar(p string) bool {
	f, err := os.Open(p)
	if err != nil {
		return false
	}
	defer f.Close()

	r, _, closeFn, err := Decompress(f)
	if err != nil {
		return false
	}
	defer closeFn()

	block := make([]byte, 1024)
	n, err := io.ReadFull(r, block)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return false
	}
	if n >= 1024 && allZero(block) {
		return true
	}
	if n < 512 {
		return false
	}
	_, err = tar.NewReader(io.MultiReader(bytes.NewReader(block[:n]), r)).Next()
	return err == nil
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
