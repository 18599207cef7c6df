package medallion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// ErrNotExist is returned when an object is absent from a store.
var ErrNotExist = errors.New("object does not exist")

// Store holds the bronze and silver layers.
type Store interface {
	Create(ctx context.Context, name string) (io.WriteCloser, error)
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Exists(ctx context.Context, name string) (bool, error)
	URI(name string) string
}

// GCSStore is a Store backed by a Cloud Storage bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
}

// NewGCSStore builds a store on bucket. Without options Application Default Credentials are used.
func NewGCSStore(ctx context.Context, bucket string, opts ...option.ClientOption) (*GCSStore, error) {
	c, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, xerrors.Errorf("failed to build storage client for %s: %w", bucket, err)
	}

	return &GCSStore{client: c, bucket: bucket}, nil
}

// Close closes the underlying client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}

func (s *GCSStore) Create(ctx context.Context, name string) (io.WriteCloser, error) {
	w := s.client.Bucket(s.bucket).Object(name).NewWriter(ctx)
	if strings.HasSuffix(name, ".parquet") {
		w.ContentType = "application/vnd.apache.parquet"
	} else if strings.HasSuffix(name, ".json") {
		w.ContentType = "application/json"
	}

	return w, nil
}

func (s *GCSStore) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	r, err := s.client.Bucket(s.bucket).Object(name).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, xerrors.Errorf("%s: %w", s.URI(name), ErrNotExist)
	}
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("object", name).Msg("failed to initialize object reader")
		return nil, xerrors.Errorf("failed to get reader of %s: %w", s.URI(name), err)
	}

	return r, nil
}

func (s *GCSStore) List(ctx context.Context, prefix string) ([]string, error) {
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})

	names := []string{}
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, xerrors.Errorf("failed to list gs://%s/%s: %w", s.bucket, prefix, err)
		}
		names = append(names, attrs.Name)
	}
	sort.Strings(names)

	return names, nil
}

func (s *GCSStore) Exists(ctx context.Context, name string) (bool, error) {
	_, err := s.client.Bucket(s.bucket).Object(name).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, xerrors.Errorf("failed to stat %s: %w", s.URI(name), err)
	}

	return true, nil
}

func (s *GCSStore) URI(name string) string {
	return fmt.Sprintf("gs://%s/%s", s.bucket, name)
}

// DirStore is a Store rooted at a local directory. Object names use forward slashes.
type DirStore struct {
	root string
}

// NewDirStore builds a store rooted at dir, creating it when missing.
func NewDirStore(dir string) (*DirStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, xerrors.Errorf("failed to resolve %s: %w", dir, err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, xerrors.Errorf("failed to create %s: %w", abs, err)
	}

	return &DirStore{root: abs}, nil
}

func (s *DirStore) path(name string) string {
	return filepath.Join(s.root, filepath.FromSlash(name))
}

// Create writes to a temporary file that replaces name on Close. Objects
// whose context is cancelled before Close are discarded.
func (s *DirStore) Create(ctx context.Context, name string) (io.WriteCloser, error) {
	p := s.path(name)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, xerrors.Errorf("failed to create parent of %s: %w", name, err)
	}

	f, err := os.CreateTemp(filepath.Dir(p), "."+filepath.Base(p)+".*"+tempSuffix)
	if err != nil {
		return nil, xerrors.Errorf("failed to create %s: %w", name, err)
	}

	return &dirWriter{ctx: ctx, File: f, dst: p}, nil
}

const tempSuffix = ".tmp"

type dirWriter struct {
	*os.File
	ctx context.Context
	dst string
}

func (w *dirWriter) Close() error {
	if err := w.File.Close(); err != nil {
		os.Remove(w.Name())
		return err
	}
	if err := w.ctx.Err(); err != nil {
		os.Remove(w.Name())
		return err
	}
	if err := os.Rename(w.Name(), w.dst); err != nil {
		os.Remove(w.Name())
		return err
	}
	return nil
}

func (s *DirStore) Open(_ context.Context, name string) (io.ReadCloser, error) {
	f, err := os.Open(s.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, xerrors.Errorf("%s: %w", name, ErrNotExist)
	}
	if err != nil {
		return nil, xerrors.Errorf("failed to open %s: %w", name, err)
	}

	return f, nil
}

func (s *DirStore) List(_ context.Context, prefix string) ([]string, error) {
	names := []string{}

	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}

		if base := d.Name(); strings.HasPrefix(base, ".") && strings.HasSuffix(base, tempSuffix) {
			return nil
		}

		name := filepath.ToSlash(rel)
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}

		return nil
	})
	if err != nil {
		return nil, xerrors.Errorf("failed to list %s: %w", prefix, err)
	}
	sort.Strings(names)

	return names, nil
}

func (s *DirStore) Exists(_ context.Context, name string) (bool, error) {
	_, err := os.Stat(s.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, xerrors.Errorf("failed to stat %s: %w", name, err)
	}

	return true, nil
}

func (s *DirStore) URI(name string) string {
	return "file://" + filepath.ToSlash(s.path(name))
}
