package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLayoutNewCreatesDirectories(t *testing.T) {
	layout := NewLayout(t.TempDir())
	require.NoError(t, layout.Ensure())

	s, err := layout.New()
	require.NoError(t, err)
	require.NoError(t, ValidateID(s.ID))

	for _, dir := range []string{s.TempDir, s.ExtractDir} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
	assert.Equal(t, filepath.Join(layout.ExtractRoot, s.ID), s.ExtractDir)
}

func TestNewIDIsOrdered(t *testing.T) {
	prev, err := NewID()
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		next, err := NewID()
		require.NoError(t, err)
		assert.Less(t, prev, next)
		prev = next
	}
}

func TestValidateID(t *testing.T) {
	for _, bad := range []string{"", ".", "..", "a/b", `a\b`, "..abc", "abc..", "x\x00"} {
		assert.Error(t, ValidateID(bad), bad)
	}
	assert.NoError(t, ValidateID("01890a5d-ac96-774b-bcce-b302099a8057"))
}
