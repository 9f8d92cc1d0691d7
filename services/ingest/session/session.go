package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const (
	tempDirName    = "temp_archive"
	extractDirName = "extracted_files"
)

// Session is the isolated set of working directories for one processing attempt.
type Session struct {
	ID         string `json:"id"`
	TempDir    string `json:"temp_dir"`
	ExtractDir string `json:"extract_dir"`
}

// Layout places session directories beneath a data root.
type Layout struct {
	TempRoot    string
	ExtractRoot string
}

// NewLayout returns the layout rooted at dataDir.
func NewLayout(dataDir string) Layout {
	return Layout{
		TempRoot:    filepath.Join(dataDir, tempDirName),
		ExtractRoot: filepath.Join(dataDir, extractDirName),
	}
}

// Ensure creates the layout roots.
func (l Layout) Ensure() error {
	for _, dir := range []string{l.TempRoot, l.ExtractRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// New allocates a session id and creates both working directories.
func (l Layout) New() (Session, error) {
	id, err := NewID()
	if err != nil {
		return Session{}, err
	}
	s := l.Open(id)
	if err := os.MkdirAll(s.TempDir, 0o755); err != nil {
		return Session{}, fmt.Errorf("create temp dir: %w", err)
	}
	if err := os.MkdirAll(s.ExtractDir, 0o755); err != nil {
		return Session{}, fmt.Errorf("create extract dir: %w", err)
	}
	return s, nil
}

// Open returns the session paths for id without touching the filesystem.
func (l Layout) Open(id string) Session {
	return Session{
		ID:         id,
		TempDir:    filepath.Join(l.TempRoot, id),
		ExtractDir: filepath.Join(l.ExtractRoot, id),
	}
}

// NewID returns a time-ordered, URL-safe session token.
func NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return id.String(), nil
}

var errInvalidID = errors.New("session id must not be empty or contain path separators")

// ValidateID rejects ids that could address anything outside one session directory.
func ValidateID(id string) error {
	if id == "" || id == "." || id == ".." {
		return errInvalidID
	}
	if strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") || strings.ContainsRune(id, 0) {
		return errInvalidID
	}
	return nil
}
