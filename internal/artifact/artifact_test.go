package artifact_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/taskpilot/internal/artifact"
)

func TestLocalStorage_ReadWriteList(t *testing.T) {
	ctx := context.Background()
	s, err := artifact.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Write(ctx, "proj/thread/report.md", []byte("# done")))
	require.NoError(t, s.Write(ctx, "proj/logs/run.log", []byte("ok")))
	require.NoError(t, s.Write(ctx, "other/x.txt", []byte("x")))

	data, err := s.Read(ctx, "proj/thread/report.md")
	require.NoError(t, err)
	assert.Equal(t, "# done", string(data))

	paths, err := s.List(ctx, "proj")
	require.NoError(t, err)
	assert.Equal(t, []string{"proj/logs/run.log", "proj/thread/report.md"}, paths)

	paths, err = s.List(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, paths)

	_, err = s.Read(ctx, "proj/nope")
	assert.True(t, errors.Is(err, artifact.ErrNotFound))
}

func TestLocalStorage_StaysInsideBase(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	s, err := artifact.NewLocalStorage(filepath.Join(base, "store"))
	require.NoError(t, err)

	require.NoError(t, s.Write(ctx, "../../escape.txt", []byte("x")))

	_, err = os.Stat(filepath.Join(base, "escape.txt"))
	assert.True(t, os.IsNotExist(err))
	data, err := s.Read(ctx, "escape.txt")
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))
}

func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		full := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
	return dir
}

func TestUploader_Upload(t *testing.T) {
	ctx := context.Background()
	src := writeFiles(t, map[string]string{
		"a/out.txt": "first",
		"b/out.txt": "second",
		"chart.png": "png",
	})
	store, err := artifact.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	u := artifact.NewUploader(store, zerolog.Nop(), artifact.WithConcurrency(2))

	err = u.Upload(ctx, "proj-1/thread-1", []string{
		filepath.Join(src, "a/out.txt"),
		filepath.Join(src, "b/out.txt"),
		filepath.Join(src, "chart.png"),
	})
	require.NoError(t, err)

	paths, err := u.List(ctx, "proj-1/thread-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"proj-1/thread-1/out.txt",
		"proj-1/thread-1/out-1.txt",
		"proj-1/thread-1/chart.png",
	}, paths)

	data, err := store.Read(ctx, "proj-1/thread-1/out-1.txt")
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))
}

func TestUploader_PartialFailure(t *testing.T) {
	ctx := context.Background()
	src := writeFiles(t, map[string]string{"ok.txt": "ok"})
	store, err := artifact.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	u := artifact.NewUploader(store, zerolog.Nop())

	err = u.Upload(ctx, "p", []string{
		filepath.Join(src, "missing.txt"),
		filepath.Join(src, "ok.txt"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing.txt")

	data, err := store.Read(ctx, "p/ok.txt")
	require.NoError(t, err, "other files are still uploaded")
	assert.Equal(t, "ok", string(data))
}

type mapReader map[string]string

func (m mapReader) ReadFile(p string) ([]byte, error) {
	v, ok := m[p]
	if !ok {
		return nil, os.ErrNotExist
	}
	return []byte(v), nil
}

func TestUploader_CustomReader(t *testing.T) {
	ctx := context.Background()
	store, err := artifact.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	u := artifact.NewUploader(store, zerolog.Nop(), artifact.WithReader(mapReader{"/remote/a.txt": "A"}))

	require.NoError(t, u.Upload(ctx, "p", []string{"/remote/a.txt"}))
	require.NoError(t, u.Upload(ctx, "p", nil))

	data, err := store.Read(ctx, "p/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "A", string(data))
}

func TestS3Storage_Write(t *testing.T) {
	var (
		mu     sync.Mutex
		method string
		path   string
		body   string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		method, path, body = r.Method, r.URL.Path, string(b)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := aws.Config{
		Region:      "us-east-1",
		Credentials: aws.AnonymousCredentials{},
	}
	s := artifact.NewS3StorageFromConfig(cfg, "bucket", "/taskpilot/", func(o *s3.Options) {
		o.BaseEndpoint = aws.String(srv.URL)
		o.UsePathStyle = true
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
	})

	require.NoError(t, s.Write(context.Background(), "proj/thread/out.txt", []byte("hello")))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, "/bucket/taskpilot/proj/thread/out.txt", path)
	assert.Contains(t, body, "hello")
}
