package errs

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	corrupt := New(KindArchiveCorrupt, "extract", io.ErrUnexpectedEOF).WithArchive("zip")
	wrapped := fmt.Errorf("pipeline: %w", corrupt)

	assert.Equal(t, KindArchiveCorrupt, KindOf(wrapped))
	assert.True(t, Is(wrapped, KindArchiveCorrupt))
	assert.False(t, Is(wrapped, KindNotFound))
	assert.True(t, errors.Is(wrapped, io.ErrUnexpectedEOF))
	assert.Equal(t, KindJobRuntimeFault, KindOf(errors.New("boom")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestErrorMessage(t *testing.T) {
	err := New(KindDownloadTimeout, "download", errors.New("deadline")).WithDetail("read")
	require.EqualError(t, err, "download: download-timeout (read): deadline")

	err = New(KindArchiveCorrupt, "extract", errors.New("bad header")).WithArchive("tar")
	require.EqualError(t, err, "extract: archive-corrupt [tar]: bad header")
}
