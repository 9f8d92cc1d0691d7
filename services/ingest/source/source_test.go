package source

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unpackd/services/ingest/errs"
)

func TestNormalizeAndFingerprint(t *testing.T) {
	a, err := Normalize("  HTTPS://Example.COM/files/a.zip#section ")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/files/a.zip", a)

	b, err := Normalize("https://example.com/files/a.zip")
	require.NoError(t, err)
	assert.Equal(t, Fingerprint(a), Fingerprint(b))
	assert.Len(t, Fingerprint(a), 64)

	c, err := Normalize("https://example.com/files/a.zip?v=2")
	require.NoError(t, err)
	assert.NotEqual(t, Fingerprint(a), Fingerprint(c))

	for _, bad := range []string{"", "   ", "ftp://example.com/a.zip", "https:///nohost"} {
		_, err := Normalize(bad)
		assert.True(t, errs.Is(err, errs.KindInvalidRequest), bad)
	}
}

func TestClassify(t *testing.T) {
	r := New(Config{})
	tests := []struct {
		url  string
		want Strategy
	}{
		{"https://mega.nz/file/abc#key", StrategyTool},
		{"https://www.mega.nz/file/abc", StrategyTool},
		{"https://notmega.nz/file/abc", StrategyDirect},
		{"https://drive.google.com/file/d/XYZ/view", StrategyCloudShare},
		{"s3://bucket/a.zip", StrategyS3},
		{"https://example.com/a.zip", StrategyDirect},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Classify(tt.url))
		})
	}
}

func TestCloudShareDirectURL(t *testing.T) {
	got, ok := CloudShareDirectURL("https://drive.google.com/file/d/1AbC_d-E/view?usp=sharing")
	assert.True(t, ok)
	assert.Equal(t, "https://drive.google.com/uc?export=download&id=1AbC_d-E", got)

	got, ok = CloudShareDirectURL("https://drive.google.com/open?id=1AbC")
	assert.False(t, ok)
	assert.Equal(t, "https://drive.google.com/open?id=1AbC", got)
}

func TestFilenameFromDisposition(t *testing.T) {
	assert.Equal(t, "data.zip", FilenameFromDisposition(`attachment; filename="data.zip"`))
	assert.Equal(t, "data.zip", FilenameFromDisposition(`attachment; filename=data.zip`))
	assert.Equal(t, "passwd", FilenameFromDisposition(`attachment; filename="../../etc/passwd"`))
	assert.Equal(t, "", FilenameFromDisposition(`inline`))
	assert.Equal(t, "", FilenameFromDisposition(""))
}

func TestResolveDirectUsesDisposition(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Mozilla/5.0", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Disposition", `attachment; filename="bundle.zip"`)
		_, _ = io.WriteString(w, strings.Repeat("x", 20000))
	}))
	defer srv.Close()

	dest := t.TempDir()
	dl, err := New(Config{}).Resolve(context.Background(), srv.URL+"/download?id=1", dest)
	require.NoError(t, err)
	assert.Equal(t, "bundle.zip", dl.Filename)
	assert.Equal(t, StrategyDirect, dl.Strategy)
	assert.EqualValues(t, 20000, dl.Size)

	info, err := os.Stat(filepath.Join(dest, "bundle.zip"))
	require.NoError(t, err)
	assert.EqualValues(t, 20000, info.Size())
}

func TestResolveDirectFallsBackToURLName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "payload")
	}))
	defer srv.Close()

	dest := t.TempDir()
	dl, err := New(Config{}).Resolve(context.Background(), srv.URL+"/files/archive.tar.gz?token=abc", dest)
	require.NoError(t, err)
	assert.Equal(t, "archive.tar.gz", dl.Filename)

	dl, err = New(Config{}).Resolve(context.Background(), srv.URL+"/", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, DefaultFilename, dl.Filename)
}

func TestResolveHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := New(Config{}).Resolve(context.Background(), srv.URL+"/missing.zip", t.TempDir())
	require.Error(t, err)
	assert.Equal(t, errs.KindDownloadHTTPError, errs.KindOf(err))
	assert.Contains(t, err.Error(), "404")
}

func TestResolveReadTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "partial")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	r := New(Config{ReadTimeout: 150 * time.Millisecond})
	start := time.Now()
	_, err := r.Resolve(context.Background(), srv.URL+"/slow.zip", t.TempDir())
	require.Error(t, err)
	assert.Equal(t, errs.KindDownloadTimeout, errs.KindOf(err))
	assert.Equal(t, "read", detailOf(t, err))
	assert.Less(t, time.Since(start), 4*time.Second)
}

type dialTimeout struct{}

func (dialTimeout) Error() string   { return "i/o timeout" }
func (dialTimeout) Timeout() bool   { return true }
func (dialTimeout) Temporary() bool { return true }

func TestResolveConnectFailures(t *testing.T) {
	tests := []struct {
		name       string
		dialErr    error
		wantKind   errs.Kind
		wantDetail string
	}{
		{
			name:       "dial timeout",
			dialErr:    &net.OpError{Op: "dial", Net: "tcp", Err: dialTimeout{}},
			wantKind:   errs.KindDownloadTimeout,
			wantDetail: "connect",
		},
		{
			name:     "connection refused",
			dialErr:  &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")},
			wantKind: errs.KindDownloadHTTPError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &http.Client{Transport: &http.Transport{
				DialContext: func(context.Context, string, string) (net.Conn, error) {
					return nil, tt.dialErr
				},
			}}
			r := New(Config{}, WithHTTPClient(client))
			_, err := r.Resolve(context.Background(), "http://archive.invalid/a.zip", t.TempDir())
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, errs.KindOf(err))
			assert.Equal(t, tt.wantDetail, detailOf(t, err))
		})
	}
}

func detailOf(t *testing.T, err error) string {
	t.Helper()
	var e *errs.Error
	require.ErrorAs(t, err, &e)
	return e.Detail
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "fake-tool")
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return p
}

func TestResolveTool(t *testing.T) {
	const link = "https://mega.nz/file/abc#key"

	t.Run("missing", func(t *testing.T) {
		r := New(Config{ToolPath: filepath.Join(t.TempDir(), "absent")})
		_, err := r.Resolve(context.Background(), link, t.TempDir())
		assert.Equal(t, errs.KindDownloadToolMissing, errs.KindOf(err))
	})

	t.Run("failure", func(t *testing.T) {
		r := New(Config{ToolPath: writeScript(t, "echo boom >&2\nexit 3")})
		_, err := r.Resolve(context.Background(), link, t.TempDir())
		assert.Equal(t, errs.KindDownloadToolFailed, errs.KindOf(err))
		assert.Contains(t, err.Error(), "boom")
	})

	t.Run("empty", func(t *testing.T) {
		r := New(Config{ToolPath: writeScript(t, "exit 0")})
		_, err := r.Resolve(context.Background(), link, t.TempDir())
		assert.Equal(t, errs.KindDownloadEmptyResult, errs.KindOf(err))
	})

	t.Run("timeout", func(t *testing.T) {
		r := New(Config{ToolPath: writeScript(t, "exec sleep 5"), ToolTimeout: 100 * time.Millisecond})
		_, err := r.Resolve(context.Background(), link, t.TempDir())
		assert.Equal(t, errs.KindDownloadTimeout, errs.KindOf(err))
	})

	t.Run("success", func(t *testing.T) {
		r := New(Config{ToolPath: writeScript(t, `[ "$2" = "--path" ] || exit 9
printf 'archive' > "$3/shared.rar"`)})
		dest := t.TempDir()
		dl, err := r.Resolve(context.Background(), link, dest)
		require.NoError(t, err)
		assert.Equal(t, StrategyTool, dl.Strategy)
		assert.Equal(t, "shared.rar", dl.Filename)
		assert.Equal(t, filepath.Join(dest, "shared.rar"), dl.Path)
		assert.EqualValues(t, 7, dl.Size)
	})
}

type fakeObjects struct {
	bucket, key string
	body        string
}

func (f *fakeObjects) GetObject(_ context.Context, bucket, key string) (io.ReadCloser, int64, error) {
	f.bucket, f.key = bucket, key
	return io.NopCloser(strings.NewReader(f.body)), int64(len(f.body)), nil
}

func TestResolveObjectStore(t *testing.T) {
	_, err := New(Config{}).Resolve(context.Background(), "s3://bucket/dir/a.zip", t.TempDir())
	assert.Equal(t, errs.KindDownloadHTTPError, errs.KindOf(err))

	objects := &fakeObjects{body: "zipbytes"}
	dest := t.TempDir()
	dl, err := New(Config{}, WithObjectStore(objects)).Resolve(context.Background(), "s3://bucket/dir/a.zip", dest)
	require.NoError(t, err)
	assert.Equal(t, "bucket", objects.bucket)
	assert.Equal(t, "dir/a.zip", objects.key)
	assert.Equal(t, "a.zip", dl.Filename)
	assert.EqualValues(t, 8, dl.Size)
}
