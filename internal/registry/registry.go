// Package registry materialises pretrained model artifacts from a remote
// model hub onto local disk.
package registry

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"
	"github.com/opencontainers/go-digest"

	"github.com/Brownie44l1/medscan-api/internal/model"
)

const (
	KindKaggle = "kaggle"
	KindS3     = "s3"
)

type Options struct {
	Kind string
	// CacheDir is the root of the local artifact cache.
	CacheDir string
	// Framework is the model-hub framework segment, e.g. "onnx".
	Framework string
	Kaggle    *KaggleOptions
	S3        *S3Options
	// Pins optionally fixes the expected digest of a handle's file.
	Pins map[model.Handle]digest.Digest
}

type KaggleOptions struct {
	BaseURL  string
	Username string
	Key      string
	Timeout  time.Duration
}

type S3Options struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	Prefix    string
}

func DefaultOptions() *Options {
	return &Options{
		Kind:      KindKaggle,
		CacheDir:  filepath.Join(os.TempDir(), "medscan-models"),
		Framework: "onnx",
		Kaggle: &KaggleOptions{
			BaseURL: "https://www.kaggle.com",
			Timeout: 10 * time.Minute,
		},
		S3: &S3Options{Region: "us-east-1"},
	}
}

// New builds the Fetcher selected by opts.Kind.
func New(ctx context.Context, opts *Options) (model.Fetcher, error) {
	store := &localStore{dir: opts.CacheDir, framework: opts.Framework, pins: opts.Pins}
	switch opts.Kind {
	case KindKaggle, "":
		return NewKaggle(store, opts.Kaggle), nil
	case KindS3:
		return NewS3(ctx, store, opts.S3)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, opts.Kind)
	}
}

// Cached reports whether h is already present in the local cache described
// by opts without contacting the remote store.
func Cached(ctx context.Context, opts *Options, h model.Handle) (model.Artifact, bool, error) {
	store := &localStore{dir: opts.CacheDir, framework: opts.Framework, pins: opts.Pins}
	return store.Lookup(ctx, h)
}

// localStore lays artifacts out as <dir>/<owner>/<family>/<framework>/<version>/<file>.
type localStore struct {
	dir       string
	framework string
	pins      map[model.Handle]digest.Digest
}

func (s *localStore) versionDir(h model.Handle) string {
	return filepath.Join(s.dir, h.Owner, h.Family, s.framework, h.Version)
}

func (s *localStore) path(h model.Handle) string {
	return filepath.Join(s.versionDir(h), h.File)
}

// Lookup returns the local artifact for h when it is present and matches its pin.
func (s *localStore) Lookup(ctx context.Context, h model.Handle) (model.Artifact, bool, error) {
	filename := s.path(h)
	fi, err := os.Stat(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return model.Artifact{}, false, nil
		}
		return model.Artifact{}, false, err
	}
	if fi.IsDir() {
		return model.Artifact{}, false, fmt.Errorf("%s is a directory", filename)
	}
	artifact, err := s.verify(h)
	if err != nil {
		logr.FromContextOrDiscard(ctx).Info("cached artifact rejected, fetching again", "path", filename, "reason", err.Error())
		return model.Artifact{}, false, nil
	}
	return artifact, true, nil
}

// verify digests the local file for h and checks it against any pin.
func (s *localStore) verify(h model.Handle) (model.Artifact, error) {
	filename := s.path(h)
	f, err := os.Open(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return model.Artifact{}, fmt.Errorf("%w at %s", ErrNotFound, filename)
		}
		return model.Artifact{}, err
	}
	defer f.Close()

	dgst, err := digest.FromReader(f)
	if err != nil {
		return model.Artifact{}, err
	}
	if want, ok := s.pins[h]; ok && want != "" && want != dgst {
		return model.Artifact{}, fmt.Errorf("%w: %s: want %s, got %s", ErrDigestMismatch, h, want, dgst)
	}
	return model.Artifact{Path: filename, Digest: dgst}, nil
}

// tempFile creates a scratch file inside the cache so a later rename stays on
// the same filesystem.
func (s *localStore) tempFile() (*os.File, error) {
	tmpdir := filepath.Join(s.dir, ".tmp")
	if err := os.MkdirAll(tmpdir, 0o755); err != nil {
		return nil, err
	}
	return os.CreateTemp(tmpdir, "download-*")
}

// scratchDir creates an empty working directory inside the cache.
func (s *localStore) scratchDir() (string, error) {
	tmpdir := filepath.Join(s.dir, ".tmp")
	if err := os.MkdirAll(tmpdir, 0o755); err != nil {
		return "", err
	}
	return os.MkdirTemp(tmpdir, "extract-*")
}

// spool copies src into a scratch file and returns its name.
func (s *localStore) spool(src io.Reader) (string, error) {
	f, err := s.tempFile()
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(f, src); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// place moves a downloaded model file into its final location.
func (s *localStore) place(h model.Handle, tmpname string) error {
	if err := os.MkdirAll(s.versionDir(h), 0o755); err != nil {
		return err
	}
	return os.Rename(tmpname, s.path(h))
}
