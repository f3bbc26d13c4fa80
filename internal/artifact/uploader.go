package artifact

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
)

// DefaultConcurrency bounds parallel uploads per Upload call.
const DefaultConcurrency = 4

// FileReader reads a local file. hostbridge.Local implements it.
type FileReader interface {
	ReadFile(path string) ([]byte, error)
}

type osReader struct{}

func (osReader) ReadFile(p string) ([]byte, error) { return os.ReadFile(p) }

// Uploader copies local files into a Storage.
type Uploader struct {
	storage     Storage
	reader      FileReader
	concurrency int
	logger      zerolog.Logger
}

// UploaderOption configures an Uploader.
type UploaderOption func(*Uploader)

// WithReader sets the FileReader used to load local files.
func WithReader(r FileReader) UploaderOption {
	return func(u *Uploader) { u.reader = r }
}

// WithConcurrency sets the maximum number of parallel uploads.
func WithConcurrency(n int) UploaderOption {
	return func(u *Uploader) {
		if n > 0 {
			u.concurrency = n
		}
	}
}

// NewUploader creates an Uploader.
func NewUploader(storage Storage, logger zerolog.Logger, opts ...UploaderOption) *Uploader {
	u := &Uploader{
		storage:     storage,
		reader:      osReader{},
		concurrency: DefaultConcurrency,
		logger:      logger.With().Str("component", "artifact").Logger(),
	}
	for _, o := range opts {
		o(u)
	}
	return u
}

// Upload stores each local file under prefix using its base name. Files
// sharing a base name get an index suffix. Every file is attempted; the
// returned error joins all failures.
func (u *Uploader) Upload(ctx context.Context, prefix string, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	keys := objectKeys(prefix, paths)

	p := pool.New().WithErrors().WithContext(ctx).WithMaxGoroutines(u.concurrency)
	for i, local := range paths {
		local, key := local, keys[i]
		p.Go(func(ctx context.Context) error {
			data, err := u.reader.ReadFile(local)
			if err != nil {
				return fmt.Errorf("read %s: %w", local, err)
			}
			if err := u.storage.Write(ctx, key, data); err != nil {
				return fmt.Errorf("upload %s: %w", local, err)
			}
			u.logger.Debug().Str("file", local).Str("key", key).Int("bytes", len(data)).Msg("artifact uploaded")
			return nil
		})
	}

	if err := p.Wait(); err != nil {
		u.logger.Warn().Err(err).Str("prefix", prefix).Int("files", len(paths)).Msg("artifact upload incomplete")
		return err
	}
	u.logger.Info().Str("prefix", prefix).Int("files", len(paths)).Msg("artifacts uploaded")
	return nil
}

// List returns the stored objects under prefix.
func (u *Uploader) List(ctx context.Context, prefix string) ([]string, error) {
	return u.storage.List(ctx, prefix)
}

func objectKeys(prefix string, paths []string) []string {
	keys := make([]string, len(paths))
	seen := make(map[string]int, len(paths))
	for i, p := range paths {
		name := filepath.Base(p)
		if n := seen[name]; n > 0 {
			ext := filepath.Ext(name)
			name = name[:len(name)-len(ext)] + "-" + strconv.Itoa(n) + ext
		}
		seen[filepath.Base(p)]++
		keys[i] = path.Join(prefix, name)
	}
	return keys
}
