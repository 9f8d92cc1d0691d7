package gateway

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unpackd/services/ingest/errs"
)

const sid = "01890a5d-ac96-774b-bcce-b302099a8057"

func setup(t *testing.T) (string, *Gateway) {
	t.Helper()
	root := t.TempDir()
	sessionDir := filepath.Join(root, sid)
	require.NoError(t, os.MkdirAll(filepath.Join(sessionDir, "images"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sessionDir, "images", "a.png"), []byte("png"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(sessionDir, "notes"), []byte("n"), 0o644))

	other := filepath.Join(root, "other")
	require.NoError(t, os.MkdirAll(other, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(other, "secret.txt"), []byte("s"), 0o644))
	return root, New(root)
}

func TestResolveRegularFile(t *testing.T) {
	_, g := setup(t)

	f, err := g.Resolve(sid, "images/a.png")
	require.NoError(t, err)
	assert.Equal(t, "image/png", f.ContentType)
	assert.Equal(t, "images/a.png", f.RelPath)
	assert.EqualValues(t, 3, f.Size)

	f, err = g.Resolve(sid, "notes")
	require.NoError(t, err)
	assert.Equal(t, "application/octet-stream", f.ContentType)
}

func TestResolveRejectsTraversal(t *testing.T) {
	root, g := setup(t)

	for _, rel := range []string{"../other/secret.txt", "images/../../other/secret.txt", "../../../../etc/passwd", "../nothing-here"} {
		_, err := g.Resolve(sid, rel)
		assert.Equal(t, errs.KindPathTraversal, errs.KindOf(err), rel)
	}

	require.NoError(t, os.Symlink(filepath.Join(root, "other", "secret.txt"), filepath.Join(root, sid, "link.txt")))
	_, err := g.Resolve(sid, "link.txt")
	assert.Equal(t, errs.KindPathTraversal, errs.KindOf(err))
}

func TestResolveTraversalCheckedBeforeSession(t *testing.T) {
	_, g := setup(t)
	_, err := g.Resolve("01890a5d-0000-7000-8000-000000000000", "../"+sid+"/notes")
	assert.Equal(t, errs.KindPathTraversal, errs.KindOf(err))
}

func TestResolveNotFound(t *testing.T) {
	_, g := setup(t)

	for _, rel := range []string{"missing.txt", "images", "", "images/"} {
		_, err := g.Resolve(sid, rel)
		assert.Equal(t, errs.KindNotFound, errs.KindOf(err), rel)
	}
	_, err := g.Resolve("01890a5d-0000-7000-8000-000000000000", "notes")
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
}

func TestResolveInvalidSession(t *testing.T) {
	_, g := setup(t)
	for _, bad := range []string{"", "..", "a/b", `a\b`, "x..y"} {
		_, err := g.Resolve(bad, "notes")
		assert.Equal(t, errs.KindInvalidSessionID, errs.KindOf(err), bad)
	}
}

func TestRedirectPath(t *testing.T) {
	root, _ := setup(t)
	g := New(root, WithInternalRedirect("/protected/"))
	f, err := g.Resolve(sid, "images/a.png")
	require.NoError(t, err)
	assert.Equal(t, "/protected/"+sid+"/images/a.png", g.RedirectPath(sid, f))

	assert.Empty(t, New(root).RedirectPath(sid, f))
	assert.True(t, strings.HasPrefix(ContentType("x.SVG"), "image/svg"))
}
